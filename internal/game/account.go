package game

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

const cardPrefix = "5555"

// NewCard issues a card with a random 16 digit number, a five year expiry
// and a random cvv.
func NewCard(name string, balance float64, now time.Time) (Card, error) {
	digits, err := randomDigits(12)
	if err != nil {
		return Card{}, err
	}
	cvv, err := randomDigits(3)
	if err != nil {
		return Card{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Card{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "GG Card"
	}
	if len(name) > 32 {
		name = name[:32]
	}
	return Card{
		ID:         id.String(),
		CardNumber: cardPrefix + digits,
		CardName:   name,
		ExpiryDate: fmt.Sprintf("%02d/%02d", int(now.Month()), (now.Year()+5)%100),
		CVV:        cvv,
		Balance:    balance,
	}, nil
}

func randomDigits(n int) (string, error) {
	var b strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}

// NormalizeCardNumber strips the separators people type into card numbers.
func NormalizeCardNumber(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func FormatCardNumber(s string) string {
	s = NormalizeCardNumber(s)
	var parts []string
	for len(s) > 4 {
		parts = append(parts, s[:4])
		s = s[4:]
	}
	parts = append(parts, s)
	return strings.Join(parts, " ")
}

func ValidCardNumber(s string) bool {
	s = NormalizeCardNumber(s)
	return len(s) == 16
}

// NewAccount builds the record for a first sign-in. card must already be
// claimed in the card index.
func NewAccount(id Identity, c *Catalog, s Settings, now time.Time, card Card) *Account {
	a := &Account{
		ID:                 id.ID,
		Energy:             s.InitialEnergy,
		Boosts:             make(map[BoostID]BoostLevel),
		Cards:              []Card{card},
		Transactions:       []Transaction{},
		LastSeen:           now,
		VerificationStatus: VerificationNone,
	}
	for _, bid := range c.IDs() {
		a.Boosts[bid] = BoostLevel{}
	}
	a.RecomputeTotal()
	return a
}

// Normalize backfills fields older records may lack and clamps the rest.
// It reports whether the account has no card and needs one issued.
func Normalize(a *Account, c *Catalog, s Settings) bool {
	if a.Boosts == nil {
		a.Boosts = make(map[BoostID]BoostLevel)
	}
	for _, cfg := range c.Configs() {
		lvl := a.Boosts[cfg.ID].Level
		if lvl < 0 {
			lvl = 0
		}
		if lvl > cfg.MaxLevel {
			lvl = cfg.MaxLevel
		}
		a.Boosts[cfg.ID] = BoostLevel{Level: lvl}
	}
	if a.Transactions == nil {
		a.Transactions = []Transaction{}
	}
	if limit := s.TransactionHistoryLimit; limit > 0 && len(a.Transactions) > limit {
		a.Transactions = a.Transactions[:limit]
	}
	if a.VerificationStatus == "" {
		a.VerificationStatus = VerificationNone
		if a.IsVerified {
			a.VerificationStatus = VerificationVerified
		}
	}
	for i := range a.Cards {
		if a.Cards[i].Balance < 0 {
			a.Cards[i].Balance = 0
		}
	}
	a.Energy = clampEnergy(a.Energy, StatsFor(a, s).MaxEnergy)
	a.RecomputeTotal()
	return len(a.Cards) == 0
}

// PrependTransaction adds tx as the newest entry, keeping at most limit.
func PrependTransaction(a *Account, tx Transaction, limit int) {
	a.Transactions = append([]Transaction{tx}, a.Transactions...)
	if limit > 0 && len(a.Transactions) > limit {
		a.Transactions = a.Transactions[:limit]
	}
}

// RevealCard flips a card's revealed flag. It never flips back.
func RevealCard(a *Account, cardID string) (Card, error) {
	i, ok := a.FindCardByID(cardID)
	if !ok {
		return Card{}, ErrCardNotFound
	}
	a.Cards[i].IsRevealed = true
	return a.Cards[i], nil
}

func CanIssueCard(a *Account, s Settings) error {
	if len(a.Cards) >= s.MaxCards {
		return ErrCardLimit
	}
	return nil
}

func AddCard(a *Account, card Card, s Settings) error {
	if err := CanIssueCard(a, s); err != nil {
		return err
	}
	if _, dup := a.FindCard(card.CardNumber); dup {
		return fmt.Errorf("card %s already on account", FormatCardNumber(card.CardNumber))
	}
	a.Cards = append(a.Cards, card)
	a.RecomputeTotal()
	return nil
}

// RequestVerification charges the verification fee and marks the account
// pending review.
func RequestVerification(a *Account, name string, s Settings, now time.Time) (VerificationRequest, error) {
	if a.IsVerified || a.VerificationStatus == VerificationVerified {
		return VerificationRequest{}, ErrAlreadyVerified
	}
	if a.VerificationStatus == VerificationPending {
		return VerificationRequest{}, ErrVerificationPending
	}
	if len(a.Cards) == 0 || a.Balance() < s.VerificationCost {
		return VerificationRequest{}, ErrInsufficientFunds
	}
	a.AddBalance(-s.VerificationCost)
	a.VerificationStatus = VerificationPending
	return VerificationRequest{
		UserID:      a.ID,
		Name:        name,
		Status:      VerificationPending,
		Cost:        s.VerificationCost,
		RequestedAt: now,
	}, nil
}
