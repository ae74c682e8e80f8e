// Package transfer moves currency between cards.
//
// The store only has single-key transactions, so a transfer is a debit
// transaction on the sender followed by a credit transaction on the
// recipient. An intent record under outbox/{id} is written before the debit
// and removed after the credit; the Reconciler finishes any intent a crash
// left behind. The debit and the credit each record their own marker for
// the transfer id, so a repeated debit or credit is skipped. Every committed
// debit is credited exactly once as long as the reconciler keeps running.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"ggpay/internal/account"
	"ggpay/internal/game"
	"ggpay/internal/metrics"
	"ggpay/internal/store"
)

const colOutbox = "outbox"

var (
	ErrInvalidAmount     = errors.New("amount must be > 0")
	ErrSelfTransfer      = errors.New("cannot transfer to yourself")
	ErrRecipientNotFound = errors.New("recipient card not found")
	ErrDebitAborted      = errors.New("insufficient funds on sender card")
	ErrPartialTransfer   = errors.New("transfer debited but credit did not complete")
	ErrTransferCancelled = errors.New("transfer was cancelled")
	errNotEnough         = errors.New("not enough on card")
)

type Status string

const (
	StatusPending Status = "pending"
	StatusDebited Status = "debited"
)

type Request struct {
	SenderAccountID     int64   `json:"sender_account_id"`
	SenderCardNumber    string  `json:"sender_card_number"`
	RecipientCardNumber string  `json:"recipient_card_number"`
	Amount              float64 `json:"amount"`
}

// Intent is the durable record of a transfer in flight.
type Intent struct {
	ID                  string    `json:"id"`
	Status              Status    `json:"status"`
	SenderAccountID     int64     `json:"sender_account_id"`
	SenderCardNumber    string    `json:"sender_card_number"`
	SenderName          string    `json:"sender_name"`
	RecipientAccountID  int64     `json:"recipient_account_id"`
	RecipientCardNumber string    `json:"recipient_card_number"`
	RecipientName       string    `json:"recipient_name"`
	Amount              float64   `json:"amount"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func intentKey(id string) string { return store.Key(colOutbox, id) }

func cancelMarker(id string) string { return "cancelled:" + id }

// sentMarker and receivedMarker keep the two sides apart when sender and
// recipient are the same account.
func sentMarker(id string) string { return "sent:" + id }

func receivedMarker(id string) string { return "recv:" + id }

type Engine struct {
	repo    *account.Repository
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewEngine(repo *account.Repository, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{repo: repo, logger: logger, metrics: m, now: time.Now}
}

// WithClock replaces the engine's time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Transfer validates req, then debits the sender and credits the recipient.
// Validation failures happen before anything is written. A credit failure
// after a committed debit returns the sent record together with an error
// wrapping ErrPartialTransfer; the outbox intent stays for the reconciler.
func (e *Engine) Transfer(ctx context.Context, req Request) (game.Transaction, error) {
	in, err := e.prepare(ctx, req)
	if err != nil {
		e.metrics.Transfer(outcome(err))
		return game.Transaction{}, err
	}
	if err := store.SetJSON(ctx, e.repo.Store(), intentKey(in.ID), in); err != nil {
		e.metrics.Transfer("error")
		return game.Transaction{}, fmt.Errorf("record transfer intent: %w", err)
	}

	sent, err := e.debit(ctx, in)
	if err != nil {
		if errors.Is(err, ErrDebitAborted) || errors.Is(err, ErrTransferCancelled) {
			e.dropIntent(ctx, in.ID)
		}
		// any other error leaves the intent pending; whether the debit landed
		// is decided later from the sender's applied transfer ids
		e.metrics.Transfer(outcome(err))
		return game.Transaction{}, err
	}

	in.Status = StatusDebited
	in.UpdatedAt = e.now()
	if err := store.SetJSON(ctx, e.repo.Store(), intentKey(in.ID), in); err != nil {
		e.logger.Warn("mark transfer debited failed", "transfer_id", in.ID, "error", err)
	}

	if err := e.credit(ctx, in); err != nil {
		e.logger.Error("transfer credit failed after debit",
			"transfer_id", in.ID,
			"sender_account_id", in.SenderAccountID,
			"sender_card", in.SenderCardNumber,
			"recipient_account_id", in.RecipientAccountID,
			"recipient_card", in.RecipientCardNumber,
			"amount", in.Amount,
			"error", err,
		)
		e.metrics.PartialTransfer()
		e.metrics.Transfer("partial")
		return sent, fmt.Errorf("%w: %v", ErrPartialTransfer, err)
	}
	e.dropIntent(ctx, in.ID)
	e.metrics.Transfer("ok")
	return sent, nil
}

func (e *Engine) prepare(ctx context.Context, req Request) (Intent, error) {
	if math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) || req.Amount <= 0 {
		return Intent{}, ErrInvalidAmount
	}
	from := game.NormalizeCardNumber(req.SenderCardNumber)
	to := game.NormalizeCardNumber(req.RecipientCardNumber)
	if from == to {
		return Intent{}, ErrSelfTransfer
	}
	sender, err := e.repo.Load(ctx, req.SenderAccountID)
	if err != nil {
		return Intent{}, err
	}
	if sender.IsBanned {
		return Intent{}, game.ErrAccountBanned
	}
	if _, ok := sender.FindCard(from); !ok {
		return Intent{}, game.ErrCardNotFound
	}
	owner, err := e.repo.ResolveCard(ctx, to)
	if errors.Is(err, game.ErrCardNotFound) {
		return Intent{}, ErrRecipientNotFound
	}
	if err != nil {
		return Intent{}, err
	}
	settings, err := e.repo.Settings(ctx)
	if err != nil {
		return Intent{}, err
	}
	if owner.AccountID == sender.ID && !settings.AllowOwnCardTransfers {
		return Intent{}, ErrSelfTransfer
	}

	senderProfile, err := e.repo.Profile(ctx, sender.ID)
	if err != nil {
		return Intent{}, err
	}
	recipientProfile, err := e.repo.Profile(ctx, owner.AccountID)
	if err != nil {
		return Intent{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Intent{}, err
	}
	now := e.now()
	return Intent{
		ID:                  id.String(),
		Status:              StatusPending,
		SenderAccountID:     sender.ID,
		SenderCardNumber:    from,
		SenderName:          senderProfile.Name,
		RecipientAccountID:  owner.AccountID,
		RecipientCardNumber: to,
		RecipientName:       recipientProfile.Name,
		Amount:              req.Amount,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

func (e *Engine) debit(ctx context.Context, in Intent) (game.Transaction, error) {
	tx := game.Transaction{
		ID:                  in.ID,
		Type:                game.TxSent,
		Amount:              in.Amount,
		SenderCardNumber:    in.SenderCardNumber,
		RecipientCardNumber: in.RecipientCardNumber,
		CounterpartyID:      in.RecipientAccountID,
		CounterpartyName:    in.RecipientName,
		Timestamp:           in.CreatedAt,
	}
	limit := e.historyLimit(ctx)
	_, err := e.repo.Mutate(ctx, in.SenderAccountID, func(a *game.Account) error {
		if a.HasAppliedTransfer(cancelMarker(in.ID)) {
			return ErrTransferCancelled
		}
		if a.HasAppliedTransfer(sentMarker(in.ID)) {
			return nil
		}
		i, ok := a.FindCard(in.SenderCardNumber)
		if !ok {
			return game.ErrCardNotFound
		}
		if a.Cards[i].Balance < in.Amount {
			return errNotEnough
		}
		a.Cards[i].Balance -= in.Amount
		game.PrependTransaction(a, tx, limit)
		a.MarkTransferApplied(sentMarker(in.ID))
		return nil
	})
	if errors.Is(err, errNotEnough) {
		return game.Transaction{}, ErrDebitAborted
	}
	if err != nil {
		return game.Transaction{}, fmt.Errorf("debit sender: %w", err)
	}
	return tx, nil
}

// credit is idempotent: an account that already holds the received marker
// is left untouched.
func (e *Engine) credit(ctx context.Context, in Intent) error {
	tx := game.Transaction{
		ID:                  in.ID,
		Type:                game.TxReceived,
		Amount:              in.Amount,
		SenderCardNumber:    in.SenderCardNumber,
		RecipientCardNumber: in.RecipientCardNumber,
		CounterpartyID:      in.SenderAccountID,
		CounterpartyName:    in.SenderName,
		Timestamp:           in.CreatedAt,
	}
	limit := e.historyLimit(ctx)
	_, err := e.repo.Mutate(ctx, in.RecipientAccountID, func(a *game.Account) error {
		if a.HasAppliedTransfer(receivedMarker(in.ID)) {
			return nil
		}
		i, ok := a.FindCard(in.RecipientCardNumber)
		if !ok {
			return game.ErrCardNotFound
		}
		a.Cards[i].Balance += in.Amount
		game.PrependTransaction(a, tx, limit)
		a.MarkTransferApplied(receivedMarker(in.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("credit recipient: %w", err)
	}
	return nil
}

func (e *Engine) historyLimit(ctx context.Context) int {
	s, err := e.repo.Settings(ctx)
	if err != nil {
		return game.DefaultSettings().TransactionHistoryLimit
	}
	return s.TransactionHistoryLimit
}

func (e *Engine) dropIntent(ctx context.Context, id string) {
	if err := e.repo.Store().Delete(ctx, intentKey(id)); err != nil {
		e.logger.Warn("remove transfer intent failed", "transfer_id", id, "error", err)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrSelfTransfer):
		return "self_transfer"
	case errors.Is(err, ErrRecipientNotFound):
		return "recipient_not_found"
	case errors.Is(err, game.ErrCardNotFound):
		return "card_not_found"
	case errors.Is(err, ErrDebitAborted):
		return "debit_aborted"
	case errors.Is(err, ErrTransferCancelled):
		return "cancelled"
	case errors.Is(err, game.ErrAccountBanned):
		return "banned"
	default:
		return "error"
	}
}
