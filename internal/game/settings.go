package game

import (
	"fmt"
	"time"
)

// Settings is the admin-tunable game configuration. Values are copied into
// each session and request; nothing here is shared mutable state.
type Settings struct {
	BaseTapValue            float64 `json:"base_tap_value"`
	InitialEnergy           float64 `json:"initial_energy"`
	BaseMaxEnergy           float64 `json:"base_max_energy"`
	EnergyPerLimitLevel     float64 `json:"energy_per_limit_level"`
	BaseRegenRate           float64 `json:"base_regen_rate"`
	OfflineCapHours         float64 `json:"offline_cap_hours"`
	GuruChancePerLevel      float64 `json:"guru_chance_per_level"`
	CritChancePerLevel      float64 `json:"crit_chance_per_level"`
	CritMultiplier          float64 `json:"crit_multiplier"`
	PrinterRatePerLevel     float64 `json:"printer_rate_per_level"`
	MaxProbability          float64 `json:"max_probability"`
	VerificationCost        float64 `json:"verification_cost"`
	MaxCards                int     `json:"max_cards"`
	StarterCardBalance      float64 `json:"starter_card_balance"`
	TransactionHistoryLimit int     `json:"transaction_history_limit"`
	AllowOwnCardTransfers   bool    `json:"allow_own_card_transfers"`
}

func DefaultSettings() Settings {
	return Settings{
		BaseTapValue:            0.001,
		InitialEnergy:           1000,
		BaseMaxEnergy:           1000,
		EnergyPerLimitLevel:     500,
		BaseRegenRate:           2,
		OfflineCapHours:         3,
		GuruChancePerLevel:      0.02,
		CritChancePerLevel:      0.005,
		CritMultiplier:          CritMultiplierDefault,
		PrinterRatePerLevel:     0.005,
		MaxProbability:          0.95,
		VerificationCost:        1000,
		MaxCards:                3,
		StarterCardBalance:      0.01,
		TransactionHistoryLimit: 100,
	}
}

func (s Settings) OfflineCap() time.Duration {
	return time.Duration(s.OfflineCapHours * float64(time.Hour))
}

func (s Settings) Validate() error {
	switch {
	case s.BaseTapValue <= 0:
		return fmt.Errorf("base_tap_value must be > 0")
	case s.BaseMaxEnergy <= 0:
		return fmt.Errorf("base_max_energy must be > 0")
	case s.InitialEnergy < 0:
		return fmt.Errorf("initial_energy must be >= 0")
	case s.EnergyPerLimitLevel < 0, s.BaseRegenRate < 0:
		return fmt.Errorf("energy growth values must be >= 0")
	case s.OfflineCapHours < 0 || s.OfflineCapHours > 72:
		return fmt.Errorf("offline_cap_hours must be in [0, 72]")
	case s.GuruChancePerLevel < 0, s.CritChancePerLevel < 0, s.PrinterRatePerLevel < 0:
		return fmt.Errorf("per-level rates must be >= 0")
	case s.CritMultiplier < 1:
		return fmt.Errorf("crit_multiplier must be >= 1")
	case s.MaxProbability < 0 || s.MaxProbability > 1:
		return fmt.Errorf("max_probability must be in [0, 1]")
	case s.VerificationCost < 0, s.StarterCardBalance < 0:
		return fmt.Errorf("costs must be >= 0")
	case s.MaxCards < 1 || s.MaxCards > 10:
		return fmt.Errorf("max_cards must be in [1, 10]")
	case s.TransactionHistoryLimit < 1:
		return fmt.Errorf("transaction_history_limit must be >= 1")
	}
	return nil
}

// DefaultBoosts is the boost catalog new deployments start with.
func DefaultBoosts() []BoostConfig {
	return []BoostConfig{
		{ID: BoostMultitap, Name: "Multitap", Description: "Increase amount of GG per tap", MaxLevel: 10, CostFormula: "floor(10 * 2.5 ** level)", IconName: "hand"},
		{ID: BoostEnergyLimit, Name: "Energy Limit", Description: "Increase max energy by 500", MaxLevel: 10, CostFormula: "floor(20 * 2.2 ** level)", IconName: "battery"},
		{ID: BoostRechargingSpeed, Name: "Recharging Speed", Description: "Energy refills faster", MaxLevel: 5, CostFormula: "floor(50 * 3 ** level)", IconName: "zap"},
		{ID: BoostAutoTapBot, Name: "Tap Bot", Description: "Earns for you while you are away (up to 3h)", MaxLevel: 5, CostFormula: "floor(1000 * 4 ** level)", IconName: "bot"},
		{ID: BoostEnergyGuru, Name: "Energy Guru", Description: "Chance for a tap to cost no energy", MaxLevel: 10, CostFormula: "floor(500 * 2.8 ** level)", IconName: "sparkles"},
		{ID: BoostCriticalTap, Name: "Critical Tap", Description: "Chance for a tap to pay x10", MaxLevel: 10, CostFormula: "floor(2000 * 3 ** level)", IconName: "target"},
		{ID: BoostPrinter, Name: "GG Printer", Description: "Passive income every second", MaxLevel: 5, CostFormula: "floor(5000 * 5 ** level)", IconName: "printer"},
	}
}
