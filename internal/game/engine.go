package game

import (
	"math"
	"time"
)

type AccrualInput struct {
	LastSeen        time.Time
	Now             time.Time
	RegenRate       float64
	MaxEnergy       float64
	CurrentEnergy   float64
	BaseTapValue    float64
	AutoEarnerLevel int
	Cap             time.Duration
}

type Accrual struct {
	Elapsed      time.Duration `json:"elapsed"`
	EnergyGain   float64       `json:"energy_gain"`
	Energy       float64       `json:"energy"`
	CurrencyGain float64       `json:"currency_gain"`
}

// OfflineAccrual computes what a player earned while away. It is a pure
// function of its input.
func OfflineAccrual(in AccrualInput) Accrual {
	elapsed := in.Now.Sub(in.LastSeen)
	if in.LastSeen.IsZero() || elapsed < 0 {
		elapsed = 0
	}
	if elapsed > in.Cap {
		elapsed = in.Cap
	}
	secs := elapsed.Seconds()
	out := Accrual{Elapsed: elapsed}
	out.EnergyGain = math.Floor(secs * in.RegenRate)
	out.Energy = clampEnergy(in.CurrentEnergy+out.EnergyGain, in.MaxEnergy)
	if in.AutoEarnerLevel > 0 {
		out.CurrencyGain = secs * in.BaseTapValue * float64(in.AutoEarnerLevel)
	}
	return out
}

// ApplyAccrual credits offline gains to a and moves LastSeen to now.
func ApplyAccrual(a *Account, s Settings, now time.Time) Accrual {
	st := StatsFor(a, s)
	acc := OfflineAccrual(AccrualInput{
		LastSeen:        a.LastSeen,
		Now:             now,
		RegenRate:       st.RegenRate,
		MaxEnergy:       st.MaxEnergy,
		CurrentEnergy:   a.Energy,
		BaseTapValue:    s.BaseTapValue,
		AutoEarnerLevel: st.AutoEarnerLevel,
		Cap:             s.OfflineCap(),
	})
	a.Energy = acc.Energy
	if acc.CurrencyGain > 0 {
		a.AddBalance(acc.CurrencyGain)
	}
	a.LastSeen = now
	return acc
}

type TickResult struct {
	Energy      float64 `json:"energy"`
	IncomeAdded float64 `json:"income_added"`
}

// Tick advances a by one second of foreground time.
func Tick(a *Account, st Stats) TickResult {
	a.Energy = clampEnergy(a.Energy+st.RegenRate, st.MaxEnergy)
	if st.PassiveIncomePerTick > 0 {
		a.AddBalance(st.PassiveIncomePerTick)
	}
	return TickResult{Energy: a.Energy, IncomeAdded: st.PassiveIncomePerTick}
}

// Rand is the source of uniform samples in [0, 1) used by taps.
type Rand interface {
	Float64() float64
}

type TapOutcome struct {
	Accepted bool    `json:"accepted"`
	Free     bool    `json:"free"`
	Critical bool    `json:"critical"`
	Gain     float64 `json:"gain"`
	Energy   float64 `json:"energy"`
	Balance  float64 `json:"balance"`
}

// ResolveTap applies one tap. The first sample decides whether the tap is
// free, the second whether it is critical. A tap that needs energy when less
// than one unit is left changes nothing.
func ResolveTap(a *Account, st Stats, s Settings, rng Rand) TapOutcome {
	free := rng.Float64() < st.FreeTapChance
	if !free && a.Energy < 1 {
		return TapOutcome{Energy: a.Energy, Balance: a.Balance()}
	}
	mult := 1.0
	crit := rng.Float64() < st.CritChance
	if crit {
		mult = s.CritMultiplier
		if mult < 1 {
			mult = CritMultiplierDefault
		}
	}
	gain := st.TapValue * mult
	a.AddBalance(gain)
	if !free {
		a.Energy--
	}
	a.Energy = clampEnergy(a.Energy, st.MaxEnergy)
	return TapOutcome{
		Accepted: true,
		Free:     free,
		Critical: crit,
		Gain:     gain,
		Energy:   a.Energy,
		Balance:  a.Balance(),
	}
}

// FloatingValue is the cosmetic "+x" shown where the player tapped.
type FloatingValue struct {
	Value     float64   `json:"value"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Critical  bool      `json:"critical"`
	ExpiresAt time.Time `json:"expires_at"`
}

func NewFloatingValue(out TapOutcome, x, y float64, now time.Time) (FloatingValue, bool) {
	if !out.Accepted {
		return FloatingValue{}, false
	}
	return FloatingValue{Value: out.Gain, X: x, Y: y, Critical: out.Critical, ExpiresAt: now.Add(FloatingValueTTL)}, true
}

func clampEnergy(v, max float64) float64 {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
