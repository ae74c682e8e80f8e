package formula

import (
	"errors"
	"math"
)

var errDivZero = errors.New("division by zero")

type node interface {
	eval(level float64) (float64, error)
}

type number float64

func (n number) eval(float64) (float64, error) { return float64(n), nil }

type levelVar struct{}

func (levelVar) eval(level float64) (float64, error) { return level, nil }

type negate struct{ x node }

func (n negate) eval(level float64) (float64, error) {
	v, err := n.x.eval(level)
	return -v, err
}

type binary struct {
	op   string
	l, r node
}

func (b binary) eval(level float64) (float64, error) {
	l, err := b.l.eval(level)
	if err != nil {
		return 0, err
	}
	r, err := b.r.eval(level)
	if err != nil {
		return 0, err
	}
	switch b.op {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			return 0, errDivZero
		}
		return l / r, nil
	case "**":
		return math.Pow(l, r), nil
	}
	return 0, ErrSyntax
}

type function struct {
	arity int
	apply func(args []float64) float64
}

var functions = map[string]function{
	"floor": {1, func(a []float64) float64 { return math.Floor(a[0]) }},
	"ceil":  {1, func(a []float64) float64 { return math.Ceil(a[0]) }},
	"round": {1, func(a []float64) float64 { return math.Floor(a[0] + 0.5) }},
	"min":   {2, func(a []float64) float64 { return math.Min(a[0], a[1]) }},
	"max":   {2, func(a []float64) float64 { return math.Max(a[0], a[1]) }},
	"pow":   {2, func(a []float64) float64 { return math.Pow(a[0], a[1]) }},
}

type call struct {
	name string
	fn   func([]float64) float64
	args []node
}

func (c call) eval(level float64) (float64, error) {
	vals := make([]float64, len(c.args))
	for i, a := range c.args {
		v, err := a.eval(level)
		if err != nil {
			return 0, err
		}
		vals[i] = v
	}
	return c.fn(vals), nil
}
