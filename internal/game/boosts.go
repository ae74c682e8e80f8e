package game

import (
	"fmt"
	"math"

	"ggpay/internal/formula"
)

// Stats are the values derived from an account's boost levels.
type Stats struct {
	TapValue             float64 `json:"tap_value"`
	MaxEnergy            float64 `json:"max_energy"`
	RegenRate            float64 `json:"regen_rate"`
	FreeTapChance        float64 `json:"free_tap_chance"`
	CritChance           float64 `json:"crit_chance"`
	PassiveIncomePerTick float64 `json:"passive_income_per_tick"`
	AutoEarnerLevel      int     `json:"auto_earner_level"`
}

func DeriveStats(levels map[BoostID]int, s Settings) Stats {
	multi := float64(levels[BoostMultitap])
	return Stats{
		TapValue:             s.BaseTapValue * (multi + 1),
		MaxEnergy:            s.BaseMaxEnergy + float64(levels[BoostEnergyLimit])*s.EnergyPerLimitLevel,
		RegenRate:            s.BaseRegenRate + float64(levels[BoostRechargingSpeed]),
		FreeTapChance:        clampProbability(float64(levels[BoostEnergyGuru])*s.GuruChancePerLevel, s.MaxProbability),
		CritChance:           clampProbability(float64(levels[BoostCriticalTap])*s.CritChancePerLevel, s.MaxProbability),
		PassiveIncomePerTick: float64(levels[BoostPrinter]) * s.PrinterRatePerLevel * (multi + 1),
		AutoEarnerLevel:      levels[BoostAutoTapBot],
	}
}

func StatsFor(a *Account, s Settings) Stats {
	return DeriveStats(a.Levels(), s)
}

func clampProbability(p, max float64) float64 {
	if p < 0 {
		return 0
	}
	return math.Min(p, max)
}

type compiledBoost struct {
	cfg  BoostConfig
	expr *formula.Expr
}

// Catalog is an immutable, compiled boost configuration list.
type Catalog struct {
	boosts []compiledBoost
	index  map[BoostID]int
}

// NewCatalog compiles cfgs. A formula that does not compile is kept with a
// nil expression and prices as +Inf.
func NewCatalog(cfgs []BoostConfig) *Catalog {
	c := &Catalog{index: make(map[BoostID]int, len(cfgs))}
	for _, cfg := range cfgs {
		if _, dup := c.index[cfg.ID]; dup || cfg.ID == "" {
			continue
		}
		expr, _ := formula.Compile(cfg.CostFormula)
		c.index[cfg.ID] = len(c.boosts)
		c.boosts = append(c.boosts, compiledBoost{cfg: cfg, expr: expr})
	}
	return c
}

// ValidateBoostConfigs is the strict check run before an admin edit is saved.
func ValidateBoostConfigs(cfgs []BoostConfig) error {
	if len(cfgs) == 0 {
		return fmt.Errorf("at least one boost is required")
	}
	seen := make(map[BoostID]bool, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ID == "" {
			return fmt.Errorf("boost id is required")
		}
		if seen[cfg.ID] {
			return fmt.Errorf("duplicate boost id %s", cfg.ID)
		}
		seen[cfg.ID] = true
		if cfg.MaxLevel < 1 || cfg.MaxLevel > 100 {
			return fmt.Errorf("boost %s: max_level must be in [1, 100]", cfg.ID)
		}
		expr, err := formula.Compile(cfg.CostFormula)
		if err != nil {
			return fmt.Errorf("boost %s: %w", cfg.ID, err)
		}
		if err := formula.CheckMonotonic(expr, cfg.MaxLevel); err != nil {
			return fmt.Errorf("boost %s: %w", cfg.ID, err)
		}
	}
	return nil
}

func (c *Catalog) Configs() []BoostConfig {
	out := make([]BoostConfig, 0, len(c.boosts))
	for _, b := range c.boosts {
		out = append(out, b.cfg)
	}
	return out
}

func (c *Catalog) IDs() []BoostID {
	out := make([]BoostID, 0, len(c.boosts))
	for _, b := range c.boosts {
		out = append(out, b.cfg.ID)
	}
	return out
}

func (c *Catalog) Lookup(id BoostID) (BoostConfig, bool) {
	i, ok := c.index[id]
	if !ok {
		return BoostConfig{}, false
	}
	return c.boosts[i].cfg, true
}

// Cost prices the purchase that takes a boost from level to level+1.
func (c *Catalog) Cost(id BoostID, level int) float64 {
	i, ok := c.index[id]
	if !ok || c.boosts[i].expr == nil {
		return math.Inf(1)
	}
	return c.boosts[i].expr.Cost(level)
}

type BoostView struct {
	BoostConfig
	Level      int     `json:"level"`
	NextCost   float64 `json:"next_cost"`
	Maxed      bool    `json:"maxed"`
	Affordable bool    `json:"affordable"`
}

func (c *Catalog) Views(a *Account) []BoostView {
	out := make([]BoostView, 0, len(c.boosts))
	balance := a.Balance()
	for _, b := range c.boosts {
		level := a.Level(b.cfg.ID)
		v := BoostView{BoostConfig: b.cfg, Level: level}
		if level >= b.cfg.MaxLevel {
			v.Maxed = true
		} else {
			v.NextCost = c.Cost(b.cfg.ID, level)
			v.Affordable = !math.IsInf(v.NextCost, 1) && balance >= v.NextCost
		}
		if math.IsInf(v.NextCost, 1) {
			v.NextCost = -1
		}
		out = append(out, v)
	}
	return out
}

type PurchaseResult struct {
	BoostID BoostID `json:"boost_id"`
	Level   int     `json:"level"`
	Cost    float64 `json:"cost"`
	Balance float64 `json:"balance"`
}

// Purchase buys exactly one level of a boost, paid from the primary card.
func Purchase(a *Account, c *Catalog, id BoostID) (PurchaseResult, error) {
	cfg, ok := c.Lookup(id)
	if !ok {
		return PurchaseResult{}, ErrInvalidBoost
	}
	level := a.Level(id)
	if level >= cfg.MaxLevel {
		return PurchaseResult{}, ErrMaxLevelReached
	}
	cost := c.Cost(id, level)
	if len(a.Cards) == 0 || math.IsInf(cost, 1) || a.Balance() < cost {
		return PurchaseResult{}, ErrInsufficientFunds
	}
	a.AddBalance(-cost)
	if a.Boosts == nil {
		a.Boosts = make(map[BoostID]BoostLevel)
	}
	a.Boosts[id] = BoostLevel{Level: level + 1}
	return PurchaseResult{BoostID: id, Level: level + 1, Cost: cost, Balance: a.Balance()}, nil
}
