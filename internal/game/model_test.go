package game

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

type seqRand struct {
	vals []float64
	i    int
}

func (r *seqRand) Float64() float64 {
	v := r.vals[r.i%len(r.vals)]
	r.i++
	return v
}

func testAccount(balance float64) *Account {
	s := DefaultSettings()
	card := Card{ID: "c1", CardNumber: "5555000000000001", Balance: balance}
	return NewAccount(Identity{ID: 7, FirstName: "Ada"}, NewCatalog(DefaultBoosts()), s, time.Unix(1_700_000_000, 0).UTC(), card)
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestPurchaseTwice(t *testing.T) {
	cat := NewCatalog([]BoostConfig{{ID: BoostMultitap, MaxLevel: 10, CostFormula: "10 * 2.5 ** level"}})
	a := testAccount(100)

	if _, err := Purchase(a, cat, BoostMultitap); err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	res, err := Purchase(a, cat, BoostMultitap)
	if err != nil {
		t.Fatalf("second purchase: %v", err)
	}
	if !almostEqual(a.Balance(), 65) || res.Level != 2 || a.Level(BoostMultitap) != 2 {
		t.Fatalf("got balance=%v level=%d want 65 and 2", a.Balance(), a.Level(BoostMultitap))
	}
	if !almostEqual(a.TotalBalance, 65) {
		t.Fatalf("total balance not maintained: %v", a.TotalBalance)
	}
}

func TestPurchaseMaxLevel(t *testing.T) {
	cat := NewCatalog([]BoostConfig{{ID: BoostRechargingSpeed, MaxLevel: 5, CostFormula: "floor(50 * 3 ** level)"}})
	a := testAccount(1_000_000)
	a.Boosts[BoostRechargingSpeed] = BoostLevel{Level: 4}

	if _, err := Purchase(a, cat, BoostRechargingSpeed); err != nil {
		t.Fatalf("purchase at max-1: %v", err)
	}
	if a.Level(BoostRechargingSpeed) != 5 {
		t.Fatalf("expected level 5, got %d", a.Level(BoostRechargingSpeed))
	}
	before := a.Balance()
	if _, err := Purchase(a, cat, BoostRechargingSpeed); !errors.Is(err, ErrMaxLevelReached) {
		t.Fatalf("expected ErrMaxLevelReached, got %v", err)
	}
	if a.Balance() != before {
		t.Fatalf("rejected purchase changed balance")
	}
}

func TestPurchaseRejections(t *testing.T) {
	cat := NewCatalog([]BoostConfig{
		{ID: BoostMultitap, MaxLevel: 10, CostFormula: "10 * 2.5 ** level"},
		{ID: BoostPrinter, MaxLevel: 5, CostFormula: "this is not math"},
	})
	a := testAccount(5)

	if _, err := Purchase(a, cat, "NOPE"); !errors.Is(err, ErrInvalidBoost) {
		t.Fatalf("expected ErrInvalidBoost, got %v", err)
	}
	if _, err := Purchase(a, cat, BoostMultitap); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	a.AddBalance(1e12)
	if _, err := Purchase(a, cat, BoostPrinter); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("broken formula must be unaffordable, got %v", err)
	}
	if a.Level(BoostMultitap) != 0 || a.Level(BoostPrinter) != 0 {
		t.Fatalf("rejected purchases changed levels")
	}
}

func TestDefaultBoostsAreValid(t *testing.T) {
	if err := ValidateBoostConfigs(DefaultBoosts()); err != nil {
		t.Fatalf("default boosts: %v", err)
	}
	cat := NewCatalog(DefaultBoosts())
	if got := cat.Cost(BoostEnergyLimit, 1); got != 44 {
		t.Fatalf("energy limit level 1 cost = %v want 44", got)
	}
	bad := append(DefaultBoosts(), BoostConfig{ID: "FLAT", MaxLevel: 3, CostFormula: "100"})
	if err := ValidateBoostConfigs(bad); err == nil {
		t.Fatalf("expected flat formula to be rejected")
	}
}

func TestDeriveStats(t *testing.T) {
	s := DefaultSettings()
	st := DeriveStats(map[BoostID]int{
		BoostMultitap:        3,
		BoostEnergyLimit:     2,
		BoostRechargingSpeed: 1,
		BoostEnergyGuru:      10,
		BoostCriticalTap:     4,
		BoostPrinter:         2,
		BoostAutoTapBot:      1,
	}, s)
	if !almostEqual(st.TapValue, 0.004) || st.MaxEnergy != 2000 || st.RegenRate != 3 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if !almostEqual(st.FreeTapChance, 0.2) || !almostEqual(st.CritChance, 0.02) {
		t.Fatalf("unexpected chances %+v", st)
	}
	if !almostEqual(st.PassiveIncomePerTick, 2*0.005*4) || st.AutoEarnerLevel != 1 {
		t.Fatalf("unexpected passive stats %+v", st)
	}

	s.GuruChancePerLevel = 1
	st = DeriveStats(map[BoostID]int{BoostEnergyGuru: 5}, s)
	if st.FreeTapChance != s.MaxProbability {
		t.Fatalf("free tap chance not clamped: %v", st.FreeTapChance)
	}
}

func TestOfflineAccrualCapped(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	in := AccrualInput{
		Now:             now,
		RegenRate:       2,
		MaxEnergy:       1_000_000,
		BaseTapValue:    0.001,
		AutoEarnerLevel: 2,
		Cap:             3 * time.Hour,
	}
	in.LastSeen = now.Add(-3 * time.Hour)
	atCap := OfflineAccrual(in)
	in.LastSeen = now.Add(-48 * time.Hour)
	beyond := OfflineAccrual(in)
	if atCap != beyond {
		t.Fatalf("accrual beyond cap differs: %+v vs %+v", beyond, atCap)
	}
	if atCap.EnergyGain != 21600 || !almostEqual(atCap.CurrencyGain, 10800*0.001*2) {
		t.Fatalf("unexpected accrual %+v", atCap)
	}

	in.LastSeen = now.Add(time.Hour)
	if got := OfflineAccrual(in); got.Elapsed != 0 || got.EnergyGain != 0 {
		t.Fatalf("future lastSeen must accrue nothing: %+v", got)
	}
}

func TestOfflineAccrualFillsEnergy(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	got := OfflineAccrual(AccrualInput{
		LastSeen:      now.Add(-10_000 * time.Second),
		Now:           now,
		RegenRate:     2,
		MaxEnergy:     1000,
		CurrentEnergy: 120,
		BaseTapValue:  0.001,
		Cap:           3 * time.Hour,
	})
	if got.Energy != 1000 {
		t.Fatalf("expected energy capped at 1000, got %v", got.Energy)
	}
	if got.CurrencyGain != 0 {
		t.Fatalf("no auto earner, expected no currency, got %v", got.CurrencyGain)
	}
}

func TestApplyAccrualMovesLastSeen(t *testing.T) {
	s := DefaultSettings()
	a := testAccount(1)
	a.Energy = 0
	a.Boosts[BoostAutoTapBot] = BoostLevel{Level: 1}
	now := a.LastSeen.Add(100 * time.Second)

	acc := ApplyAccrual(a, s, now)
	if !a.LastSeen.Equal(now) || a.Energy != 200 {
		t.Fatalf("unexpected state after accrual energy=%v lastSeen=%v", a.Energy, a.LastSeen)
	}
	if !almostEqual(a.Balance(), 1+acc.CurrencyGain) || !almostEqual(acc.CurrencyGain, 0.1) {
		t.Fatalf("unexpected currency gain %v", acc.CurrencyGain)
	}
	again := ApplyAccrual(a, s, now)
	if again.Elapsed != 0 {
		t.Fatalf("same span accrued twice")
	}
}

func TestTickClampsEnergy(t *testing.T) {
	s := DefaultSettings()
	a := testAccount(0)
	a.Energy = 999
	a.Boosts[BoostPrinter] = BoostLevel{Level: 1}
	st := StatsFor(a, s)
	Tick(a, st)
	if a.Energy != 1000 {
		t.Fatalf("expected energy clamped at 1000, got %v", a.Energy)
	}
	Tick(a, st)
	if a.Energy != 1000 || !almostEqual(a.Balance(), 2*0.005) {
		t.Fatalf("unexpected tick state energy=%v balance=%v", a.Energy, a.Balance())
	}
}

func TestTapWithoutEnergyIsNoop(t *testing.T) {
	s := DefaultSettings()
	a := testAccount(3)
	a.Energy = 0
	out := ResolveTap(a, StatsFor(a, s), s, &seqRand{vals: []float64{0.5}})
	if out.Accepted || a.Energy != 0 || a.Balance() != 3 {
		t.Fatalf("expected no-op, got %+v energy=%v balance=%v", out, a.Energy, a.Balance())
	}
	if _, ok := NewFloatingValue(out, 1, 1, time.Now()); ok {
		t.Fatalf("rejected tap must not emit a floating value")
	}
}

func TestTapOutcomes(t *testing.T) {
	s := DefaultSettings()
	a := testAccount(0)
	a.Boosts[BoostEnergyGuru] = BoostLevel{Level: 5}
	a.Boosts[BoostCriticalTap] = BoostLevel{Level: 2}
	st := StatsFor(a, s)

	// not free, not critical
	out := ResolveTap(a, st, s, &seqRand{vals: []float64{0.99, 0.99}})
	if !out.Accepted || out.Free || out.Critical || a.Energy != 999 || !almostEqual(out.Gain, 0.001) {
		t.Fatalf("plain tap: %+v energy=%v", out, a.Energy)
	}

	// free and critical
	out = ResolveTap(a, st, s, &seqRand{vals: []float64{0.01, 0.001}})
	if !out.Free || !out.Critical || a.Energy != 999 || !almostEqual(out.Gain, 0.01) {
		t.Fatalf("free crit tap: %+v energy=%v", out, a.Energy)
	}

	a.Energy = 0
	out = ResolveTap(a, st, s, &seqRand{vals: []float64{0.01, 0.99}})
	if !out.Accepted || a.Energy != 0 {
		t.Fatalf("free tap with empty energy should pass: %+v", out)
	}
	fv, ok := NewFloatingValue(out, 10, 20, time.Unix(0, 0))
	if !ok || !fv.ExpiresAt.Equal(time.Unix(2, 0)) {
		t.Fatalf("unexpected floating value %+v", fv)
	}
}

func TestNormalizeBackfills(t *testing.T) {
	s := DefaultSettings()
	cat := NewCatalog(DefaultBoosts())
	a := &Account{
		ID:     9,
		Energy: 5000,
		Boosts: map[BoostID]BoostLevel{BoostMultitap: {Level: 99}},
	}
	if needsCard := Normalize(a, cat, s); !needsCard {
		t.Fatalf("account without cards must ask for one")
	}
	if len(a.Boosts) != len(DefaultBoosts()) || a.Level(BoostMultitap) != 10 {
		t.Fatalf("boosts not backfilled: %+v", a.Boosts)
	}
	if a.Transactions == nil || a.VerificationStatus != VerificationNone || a.Energy != 1000 {
		t.Fatalf("unexpected normalized account %+v", a)
	}
}

func TestPrependTransactionCaps(t *testing.T) {
	a := testAccount(0)
	for i := 0; i < 5; i++ {
		PrependTransaction(a, Transaction{ID: string(rune('a' + i))}, 3)
	}
	if len(a.Transactions) != 3 || a.Transactions[0].ID != "e" || a.Transactions[2].ID != "c" {
		t.Fatalf("unexpected history %+v", a.Transactions)
	}
}

func TestRevealCardIsOneWay(t *testing.T) {
	a := testAccount(0)
	if _, err := RevealCard(a, "c1"); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if _, err := RevealCard(a, "c1"); err != nil || !a.Cards[0].IsRevealed {
		t.Fatalf("second reveal must keep the card revealed")
	}
	if _, err := RevealCard(a, "missing"); !errors.Is(err, ErrCardNotFound) {
		t.Fatalf("expected ErrCardNotFound, got %v", err)
	}
}

func TestCardLimit(t *testing.T) {
	s := DefaultSettings()
	a := testAccount(0)
	for i := 1; i < s.MaxCards; i++ {
		c, err := NewCard("extra", 0, time.Now())
		if err != nil {
			t.Fatalf("new card: %v", err)
		}
		if err := AddCard(a, c, s); err != nil {
			t.Fatalf("add card %d: %v", i, err)
		}
	}
	c, _ := NewCard("one too many", 0, time.Now())
	if err := AddCard(a, c, s); !errors.Is(err, ErrCardLimit) {
		t.Fatalf("expected ErrCardLimit, got %v", err)
	}
}

func TestNewCardFormat(t *testing.T) {
	now := time.Date(2026, time.March, 4, 0, 0, 0, 0, time.UTC)
	c, err := NewCard("", 0.01, now)
	if err != nil {
		t.Fatalf("new card: %v", err)
	}
	if !strings.HasPrefix(c.CardNumber, "5555") || !ValidCardNumber(c.CardNumber) {
		t.Fatalf("bad card number %q", c.CardNumber)
	}
	if c.ExpiryDate != "03/31" || len(c.CVV) != 3 || c.IsRevealed {
		t.Fatalf("unexpected card %+v", c)
	}
	if got := FormatCardNumber("5555123412341234"); got != "5555 1234 1234 1234" {
		t.Fatalf("format: %q", got)
	}
	if got := NormalizeCardNumber("5555-1234 1234 1234"); got != "5555123412341234" {
		t.Fatalf("normalize: %q", got)
	}
}

func TestRequestVerification(t *testing.T) {
	s := DefaultSettings()
	a := testAccount(10)
	if _, err := RequestVerification(a, "Ada", s, time.Now()); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	a.AddBalance(s.VerificationCost)
	req, err := RequestVerification(a, "Ada", s, time.Now())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Status != VerificationPending || !almostEqual(a.Balance(), 10) {
		t.Fatalf("unexpected request %+v balance=%v", req, a.Balance())
	}
	if _, err := RequestVerification(a, "Ada", s, time.Now()); !errors.Is(err, ErrVerificationPending) {
		t.Fatalf("expected ErrVerificationPending, got %v", err)
	}
}

func TestRankPlayers(t *testing.T) {
	rows := []LeaderboardRow{
		{UserID: 1, Balance: 10, TotalBoostLevel: 9},
		{UserID: 2, Balance: 50, TotalBoostLevel: 1},
		{UserID: 3, Balance: 50, TotalBoostLevel: 3},
	}
	byGG := RankPlayers(rows, SortByBalance, 3)
	if byGG[0].UserID != 2 || byGG[1].UserID != 3 || byGG[2].Rank != 3 || !byGG[1].IsCurrentUser {
		t.Fatalf("unexpected balance order %+v", byGG)
	}
	byBoosts := RankPlayers(rows, SortByBoosts, 0)
	if byBoosts[0].UserID != 1 || byBoosts[1].UserID != 3 {
		t.Fatalf("unexpected boost order %+v", byBoosts)
	}
	if rows[0].Rank != 0 {
		t.Fatalf("input slice was mutated")
	}
}

func TestDisplayName(t *testing.T) {
	if got := (Identity{ID: 4, FirstName: " Ada ", LastName: "Lovelace"}).DisplayName(); got != "Ada Lovelace" {
		t.Fatalf("got %q", got)
	}
	if got := (Identity{ID: 4, Username: "ada"}).DisplayName(); got != "ada" {
		t.Fatalf("got %q", got)
	}
	if got := (Identity{ID: 4}).DisplayName(); got != "User 4" {
		t.Fatalf("got %q", got)
	}
}
