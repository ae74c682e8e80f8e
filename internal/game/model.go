package game

import (
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	// CritMultiplierDefault is applied to a critical tap's yield.
	CritMultiplierDefault = 10.0

	// FloatingValueTTL is how long a tap's floating value stays on screen.
	FloatingValueTTL = 2 * time.Second

	// appliedTransferWindow bounds the dedupe list kept on each account.
	appliedTransferWindow = 256
)

var (
	ErrInvalidBoost        = errors.New("invalid boost")
	ErrMaxLevelReached     = errors.New("max level reached")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrCardNotFound        = errors.New("card not found")
	ErrCardLimit           = errors.New("card limit reached")
	ErrAccountBanned       = errors.New("account banned")
	ErrVerificationPending = errors.New("verification already requested")
	ErrAlreadyVerified     = errors.New("account already verified")
)

type VerificationStatus string

const (
	VerificationNone     VerificationStatus = "none"
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationRejected VerificationStatus = "rejected"
)

type TxType string

const (
	TxSent     TxType = "sent"
	TxReceived TxType = "received"
)

type BoostID string

const (
	BoostMultitap        BoostID = "MULTITAP"
	BoostEnergyLimit     BoostID = "ENERGY_LIMIT"
	BoostRechargingSpeed BoostID = "RECHARGING_SPEED"
	BoostAutoTapBot      BoostID = "AUTO_TAP_BOT"
	BoostEnergyGuru      BoostID = "ENERGY_GURU"
	BoostCriticalTap     BoostID = "CRITICAL_TAP"
	BoostPrinter         BoostID = "GG_PRINTER"
)

type BoostLevel struct {
	Level int `json:"level"`
}

type BoostConfig struct {
	ID          BoostID `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	MaxLevel    int     `json:"max_level"`
	CostFormula string  `json:"cost_formula"`
	IconName    string  `json:"icon_name"`
}

type Card struct {
	ID         string  `json:"id"`
	CardNumber string  `json:"card_number"`
	CardName   string  `json:"card_name"`
	ExpiryDate string  `json:"expiry_date"`
	CVV        string  `json:"cvv"`
	Balance    float64 `json:"balance"`
	IsRevealed bool    `json:"is_revealed"`
}

type Transaction struct {
	ID                  string    `json:"id"`
	Type                TxType    `json:"type"`
	Amount              float64   `json:"amount"`
	SenderCardNumber    string    `json:"sender_card_number"`
	RecipientCardNumber string    `json:"recipient_card_number"`
	CounterpartyID      int64     `json:"counterparty_id"`
	CounterpartyName    string    `json:"counterparty_name"`
	Timestamp           time.Time `json:"timestamp"`
}

// Account is the full persisted game record of one player.
type Account struct {
	ID                 int64                  `json:"id"`
	Energy             float64                `json:"energy"`
	Boosts             map[BoostID]BoostLevel `json:"boosts"`
	Cards              []Card                 `json:"cards"`
	Transactions       []Transaction          `json:"transactions"`
	LastSeen           time.Time              `json:"last_seen"`
	IsBanned           bool                   `json:"is_banned"`
	IsVerified         bool                   `json:"is_verified"`
	VerificationStatus VerificationStatus     `json:"verification_status"`
	TotalBalance       float64                `json:"total_balance"`
	AppliedTransfers   []string               `json:"applied_transfers,omitempty"`
	CreditKeys         map[string]time.Time   `json:"credit_keys,omitempty"`
}

// Balance is the spendable game balance: the primary card's balance.
func (a *Account) Balance() float64 {
	if a == nil || len(a.Cards) == 0 {
		return 0
	}
	return a.Cards[0].Balance
}

// AddBalance credits (or debits, for negative delta) the primary card.
func (a *Account) AddBalance(delta float64) {
	if len(a.Cards) == 0 {
		return
	}
	a.Cards[0].Balance += delta
	a.RecomputeTotal()
}

func (a *Account) Level(id BoostID) int {
	return a.Boosts[id].Level
}

func (a *Account) Levels() map[BoostID]int {
	out := make(map[BoostID]int, len(a.Boosts))
	for id, b := range a.Boosts {
		out[id] = b.Level
	}
	return out
}

// FindCard returns the index of the card with the given number.
func (a *Account) FindCard(number string) (int, bool) {
	number = NormalizeCardNumber(number)
	for i := range a.Cards {
		if a.Cards[i].CardNumber == number {
			return i, true
		}
	}
	return -1, false
}

func (a *Account) FindCardByID(id string) (int, bool) {
	for i := range a.Cards {
		if a.Cards[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

func (a *Account) HasAppliedTransfer(id string) bool {
	for _, v := range a.AppliedTransfers {
		if v == id {
			return true
		}
	}
	return false
}

// MarkTransferApplied records id so a retried debit or credit is skipped.
func (a *Account) MarkTransferApplied(id string) {
	if a.HasAppliedTransfer(id) {
		return
	}
	a.AppliedTransfers = append(a.AppliedTransfers, id)
	if over := len(a.AppliedTransfers) - appliedTransferWindow; over > 0 {
		a.AppliedTransfers = append([]string(nil), a.AppliedTransfers[over:]...)
	}
}

// HasCreditKey reports whether an admin credit with key was already applied.
// Credit keys are never evicted.
func (a *Account) HasCreditKey(key string) bool {
	_, ok := a.CreditKeys[key]
	return ok
}

func (a *Account) MarkCreditKey(key string, at time.Time) {
	if a.CreditKeys == nil {
		a.CreditKeys = make(map[string]time.Time)
	}
	a.CreditKeys[key] = at
}

// RecomputeTotal refreshes TotalBalance, the leaderboard sort field.
func (a *Account) RecomputeTotal() {
	total := 0.0
	for _, c := range a.Cards {
		total += c.Balance
	}
	a.TotalBalance = total
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	out := *a
	out.Boosts = make(map[BoostID]BoostLevel, len(a.Boosts))
	for k, v := range a.Boosts {
		out.Boosts[k] = v
	}
	out.Cards = slices.Clone(a.Cards)
	out.Transactions = slices.Clone(a.Transactions)
	out.AppliedTransfers = slices.Clone(a.AppliedTransfers)
	if a.CreditKeys != nil {
		out.CreditKeys = make(map[string]time.Time, len(a.CreditKeys))
		for k, v := range a.CreditKeys {
			out.CreditKeys[k] = v
		}
	}
	return &out
}

// Identity is what the identity provider tells us about a player.
type Identity struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	PhotoURL  string `json:"photo_url"`
}

func (i Identity) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(i.FirstName) + " " + strings.TrimSpace(i.LastName))
	if name != "" {
		return name
	}
	if u := strings.TrimSpace(i.Username); u != "" {
		return u
	}
	return "User " + strconv.FormatInt(i.ID, 10)
}

// Profile is the small record joined into leaderboards.
type Profile struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Username   string `json:"username,omitempty"`
	PhotoURL   string `json:"photo_url,omitempty"`
	IsVerified bool   `json:"is_verified"`
}

func ProfileFor(id Identity) Profile {
	return Profile{ID: id.ID, Name: id.DisplayName(), Username: id.Username, PhotoURL: id.PhotoURL}
}

type Notification struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type VerificationRequest struct {
	UserID      int64              `json:"user_id"`
	Name        string             `json:"name"`
	Status      VerificationStatus `json:"status"`
	Cost        float64            `json:"cost"`
	RequestedAt time.Time          `json:"requested_at"`
	DecidedAt   *time.Time         `json:"decided_at,omitempty"`
}
