// Package formula evaluates boost cost curves stored as data.
//
// A cost formula is a small arithmetic expression over the single variable
// `level`, for example `floor(10 * 2.5 ** level)`. Expressions are parsed into
// an AST and evaluated numerically; no stored string is ever handed to a
// general purpose evaluator.
package formula

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	maxSourceLen = 256
	maxDepth     = 32
)

var (
	ErrSyntax     = errors.New("formula syntax error")
	ErrBadResult  = errors.New("formula produced a non-finite or negative value")
	ErrTooComplex = errors.New("formula too complex")
)

// Expr is a compiled cost formula. It is immutable and safe for concurrent use.
type Expr struct {
	src  string
	root node
}

func (e *Expr) String() string { return e.src }

// Eval evaluates the formula at the given level.
func (e *Expr) Eval(level int) (float64, error) {
	if e == nil || e.root == nil {
		return 0, ErrSyntax
	}
	v, err := e.root.eval(float64(level))
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("%w: level %d gives %v", ErrBadResult, level, v)
	}
	return v, nil
}

// Cost evaluates e at level and returns +Inf when evaluation fails, so a
// broken formula makes a boost unaffordable instead of free.
func (e *Expr) Cost(level int) float64 {
	v, err := e.Eval(level)
	if err != nil {
		return math.Inf(1)
	}
	return v
}

// Cost compiles src and evaluates it at level. Any failure yields +Inf.
func Cost(src string, level int) float64 {
	e, err := Compile(src)
	if err != nil {
		return math.Inf(1)
	}
	return e.Cost(level)
}

// CheckMonotonic reports an error unless cost(level+1) > cost(level) for
// every level in [0, maxLevel).
func CheckMonotonic(e *Expr, maxLevel int) error {
	prev := math.Inf(-1)
	for level := 0; level < maxLevel; level++ {
		v, err := e.Eval(level)
		if err != nil {
			return err
		}
		if v <= prev {
			return fmt.Errorf("cost is not strictly increasing at level %d (%v <= %v)", level, v, prev)
		}
		prev = v
	}
	return nil
}

// Compile parses src into an Expr.
func Compile(src string) (*Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("%w: empty formula", ErrSyntax)
	}
	if len(src) > maxSourceLen {
		return nil, ErrTooComplex
	}
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, p.peek().text, p.peek().pos)
	}
	return &Expr{src: src, root: root}, nil
}

// MustCompile is Compile for formulas known at build time.
func MustCompile(src string) *Expr {
	e, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return e
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokNum
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokKind
	text string
	num  float64
	pos  int
}

func tokenize(src string) ([]token, error) {
	var out []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			start := i
			for i < len(src) && (isDigit(src[i]) || src[i] == '.' || src[i] == '_') {
				i++
			}
			if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
				i++
				if i < len(src) && (src[i] == '+' || src[i] == '-') {
					i++
				}
				for i < len(src) && isDigit(src[i]) {
					i++
				}
			}
			text := src[start:i]
			v, err := strconv.ParseFloat(strings.ReplaceAll(text, "_", ""), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad number %q at %d", ErrSyntax, text, start)
			}
			out = append(out, token{kind: tokNum, text: text, num: v, pos: start})
		case isIdentStart(c):
			start := i
			for i < len(src) && (isIdentStart(src[i]) || isDigit(src[i]) || src[i] == '.') {
				i++
			}
			out = append(out, token{kind: tokIdent, text: src[start:i], pos: start})
		case c == '*' && i+1 < len(src) && src[i+1] == '*':
			out = append(out, token{kind: tokOp, text: "**", pos: i})
			i += 2
		case c == '+' || c == '-' || c == '*' || c == '/':
			out = append(out, token{kind: tokOp, text: string(c), pos: i})
			i++
		case c == '(':
			out = append(out, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			out = append(out, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == ',':
			out = append(out, token{kind: tokComma, text: ",", pos: i})
			i++
		default:
			return nil, fmt.Errorf("%w: unexpected character %q at %d", ErrSyntax, c, i)
		}
	}
	out = append(out, token{kind: tokEOF, pos: len(src)})
	return out, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokKind, what string) error {
	t := p.next()
	if t.kind != kind {
		return fmt.Errorf("%w: expected %s at %d", ErrSyntax, what, t.pos)
	}
	return nil
}

// expr := term (('+'|'-') term)*
func (p *parser) parseExpr(depth int) (node, error) {
	if depth > maxDepth {
		return nil, ErrTooComplex
	}
	left, err := p.parseTerm(depth)
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseTerm(depth)
		if err != nil {
			return nil, err
		}
		left = binary{op: t.text, l: left, r: right}
	}
}

// term := unary (('*'|'/') unary)*
func (p *parser) parseTerm(depth int) (node, error) {
	left, err := p.parseUnary(depth)
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "*" && t.text != "/") {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary(depth)
		if err != nil {
			return nil, err
		}
		left = binary{op: t.text, l: left, r: right}
	}
}

// unary := ('-'|'+') unary | power
func (p *parser) parseUnary(depth int) (node, error) {
	if depth > maxDepth {
		return nil, ErrTooComplex
	}
	t := p.peek()
	if t.kind == tokOp && (t.text == "-" || t.text == "+") {
		p.next()
		operand, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		if t.text == "-" {
			return negate{x: operand}, nil
		}
		return operand, nil
	}
	return p.parsePower(depth)
}

// power := primary ('**' unary)?   right associative
func (p *parser) parsePower(depth int) (node, error) {
	base, err := p.parsePrimary(depth)
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == tokOp && t.text == "**" {
		p.next()
		exp, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		return binary{op: "**", l: base, r: exp}, nil
	}
	return base, nil
}

func (p *parser) parsePrimary(depth int) (node, error) {
	t := p.next()
	switch t.kind {
	case tokNum:
		return number(t.num), nil
	case tokLParen:
		inner, err := p.parseExpr(depth + 1)
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokIdent:
		name := strings.TrimPrefix(t.text, "Math.")
		if name == "level" {
			return levelVar{}, nil
		}
		fn, ok := functions[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown identifier %q at %d", ErrSyntax, t.text, t.pos)
		}
		if err := p.expect(tokLParen, "'(' after "+name); err != nil {
			return nil, err
		}
		var args []node
		if p.peek().kind != tokRParen {
			for {
				arg, err := p.parseExpr(depth + 1)
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if p.peek().kind != tokComma {
					break
				}
				p.next()
			}
		}
		if err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		if len(args) != fn.arity {
			return nil, fmt.Errorf("%w: %s takes %d argument(s), got %d", ErrSyntax, name, fn.arity, len(args))
		}
		return call{name: name, fn: fn.apply, args: args}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, t.text, t.pos)
	}
}
