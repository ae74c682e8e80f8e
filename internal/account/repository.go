// Package account maps game records onto store keys.
package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"ggpay/internal/game"
	"ggpay/internal/store"
)

const (
	colUsers         = "users"
	colProfiles      = "profiles"
	colCards         = "cards"
	colConfig        = "config"
	colNotifications = "notifications"
	colVerifications = "verifications"
	colIdempotency   = "idempotency"

	// BalanceField is the account field leaderboards sort on.
	BalanceField = "total_balance"

	cardClaimAttempts = 5
)

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrDuplicateIdempotency = errors.New("duplicate idempotency key")
	ErrVerificationNotFound = errors.New("verification request not found")
	errAccountExists        = errors.New("account already exists")
	errCardTaken            = errors.New("card number taken")
)

// Indexes are the ordered-query indexes the store should maintain.
func Indexes() map[string][]string {
	return map[string][]string{colUsers: {BalanceField}}
}

func UserKey(id int64) string { return store.Key(colUsers, strconv.FormatInt(id, 10)) }

func ProfileKey(id int64) string { return store.Key(colProfiles, strconv.FormatInt(id, 10)) }

func CardKey(number string) string {
	return store.Key(colCards, game.NormalizeCardNumber(number))
}

type cardIndex struct {
	AccountID int64     `json:"account_id"`
	CardID    string    `json:"card_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// CardOwner is a resolved card-number lookup.
type CardOwner struct {
	AccountID int64
	CardID    string
}

type Repository struct {
	st     store.Store
	logger *slog.Logger
}

func NewRepository(st store.Store, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{st: st, logger: logger}
}

func (r *Repository) Store() store.Store { return r.st }

func (r *Repository) Load(ctx context.Context, id int64) (*game.Account, error) {
	a, err := store.GetJSON[game.Account](ctx, r.st, UserKey(id))
	if store.IsNotFound(err) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create makes the account for a first sign-in. The starter card's index
// entry is claimed before the account is written, so there is never a card
// without an index entry. If another session created the account first,
// that account is returned and the claimed index entry is released.
func (r *Repository) Create(ctx context.Context, ident game.Identity, cat *game.Catalog, s game.Settings, now time.Time) (*game.Account, error) {
	card, err := r.claimCard(ctx, ident.ID, "GG Card", s.StarterCardBalance, now)
	if err != nil {
		return nil, err
	}
	created, err := store.TransactJSON(ctx, r.st, UserKey(ident.ID), func(cur *game.Account) (*game.Account, error) {
		if cur != nil {
			return nil, errAccountExists
		}
		return game.NewAccount(ident, cat, s, now, card), nil
	})
	if errors.Is(err, errAccountExists) {
		r.releaseCard(ctx, card.CardNumber)
		return r.Load(ctx, ident.ID)
	}
	if err != nil {
		r.releaseCard(ctx, card.CardNumber)
		return nil, err
	}
	if err := r.SaveProfile(ctx, game.ProfileFor(ident)); err != nil {
		r.logger.Warn("save profile failed", "user_id", ident.ID, "error", err)
	}
	return created, nil
}

// IssueCard adds a new card to an existing account.
func (r *Repository) IssueCard(ctx context.Context, accountID int64, name string, s game.Settings, now time.Time) (game.Card, *game.Account, error) {
	a, err := r.Load(ctx, accountID)
	if err != nil {
		return game.Card{}, nil, err
	}
	if err := game.CanIssueCard(a, s); err != nil {
		return game.Card{}, nil, err
	}
	card, err := r.claimCard(ctx, accountID, name, 0, now)
	if err != nil {
		return game.Card{}, nil, err
	}
	updated, err := r.Mutate(ctx, accountID, func(a *game.Account) error {
		return game.AddCard(a, card, s)
	})
	if err != nil {
		r.releaseCard(ctx, card.CardNumber)
		return game.Card{}, nil, err
	}
	return card, updated, nil
}

func (r *Repository) claimCard(ctx context.Context, accountID int64, name string, balance float64, now time.Time) (game.Card, error) {
	for i := 0; i < cardClaimAttempts; i++ {
		card, err := game.NewCard(name, balance, now)
		if err != nil {
			return game.Card{}, err
		}
		_, err = store.TransactJSON(ctx, r.st, CardKey(card.CardNumber), func(cur *cardIndex) (*cardIndex, error) {
			if cur != nil {
				return nil, errCardTaken
			}
			return &cardIndex{AccountID: accountID, CardID: card.ID, ClaimedAt: now}, nil
		})
		if errors.Is(err, errCardTaken) {
			continue
		}
		if err != nil {
			return game.Card{}, fmt.Errorf("claim card number: %w", err)
		}
		return card, nil
	}
	return game.Card{}, fmt.Errorf("claim card number: %d collisions", cardClaimAttempts)
}

func (r *Repository) releaseCard(ctx context.Context, number string) {
	if err := r.st.Delete(ctx, CardKey(number)); err != nil {
		r.logger.Warn("release card index failed", "card", game.FormatCardNumber(number), "error", err)
	}
}

// Mutate applies fn to the account inside one optimistic transaction. fn
// may run more than once and must only touch the account it is given.
func (r *Repository) Mutate(ctx context.Context, id int64, fn func(a *game.Account) error) (*game.Account, error) {
	return store.TransactJSON(ctx, r.st, UserKey(id), func(cur *game.Account) (*game.Account, error) {
		if cur == nil {
			return nil, ErrAccountNotFound
		}
		if err := fn(cur); err != nil {
			return nil, err
		}
		cur.RecomputeTotal()
		return cur, nil
	})
}

// ResolveCard finds the owner of a card number. Index entries whose account
// does not hold the card are treated as absent.
func (r *Repository) ResolveCard(ctx context.Context, number string) (CardOwner, error) {
	number = game.NormalizeCardNumber(number)
	if !game.ValidCardNumber(number) {
		return CardOwner{}, game.ErrCardNotFound
	}
	idx, err := store.GetJSON[cardIndex](ctx, r.st, CardKey(number))
	if store.IsNotFound(err) {
		return CardOwner{}, game.ErrCardNotFound
	}
	if err != nil {
		return CardOwner{}, err
	}
	a, err := r.Load(ctx, idx.AccountID)
	if errors.Is(err, ErrAccountNotFound) {
		return CardOwner{}, game.ErrCardNotFound
	}
	if err != nil {
		return CardOwner{}, err
	}
	if _, ok := a.FindCard(number); !ok {
		return CardOwner{}, game.ErrCardNotFound
	}
	return CardOwner{AccountID: idx.AccountID, CardID: idx.CardID}, nil
}

// SweepCardIndex removes index entries older than grace whose account never
// received the card. It returns how many were removed.
func (r *Repository) SweepCardIndex(ctx context.Context, grace time.Duration, now time.Time) (int, error) {
	entries, err := r.st.List(ctx, colCards)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		var idx cardIndex
		if err := json.Unmarshal(e.Value, &idx); err != nil {
			continue
		}
		if now.Sub(idx.ClaimedAt) < grace {
			continue
		}
		a, err := r.Load(ctx, idx.AccountID)
		if err != nil && !errors.Is(err, ErrAccountNotFound) {
			return removed, err
		}
		if a != nil {
			if _, ok := a.FindCard(e.ID()); ok {
				continue
			}
		}
		if err := r.st.Delete(ctx, e.Key); err != nil {
			return removed, err
		}
		removed++
		r.logger.Info("removed dangling card index", "card", game.FormatCardNumber(e.ID()), "account_id", idx.AccountID)
	}
	return removed, nil
}

func (r *Repository) Profile(ctx context.Context, id int64) (game.Profile, error) {
	p, err := store.GetJSON[game.Profile](ctx, r.st, ProfileKey(id))
	if store.IsNotFound(err) {
		return game.Profile{ID: id, Name: "User " + strconv.FormatInt(id, 10)}, nil
	}
	return p, err
}

func (r *Repository) SaveProfile(ctx context.Context, p game.Profile) error {
	_, err := store.TransactJSON(ctx, r.st, ProfileKey(p.ID), func(cur *game.Profile) (*game.Profile, error) {
		if cur != nil {
			// verification is owned by admins, not by sign-in
			p.IsVerified = cur.IsVerified
		}
		return &p, nil
	})
	return err
}

func (r *Repository) SetProfileVerified(ctx context.Context, id int64, verified bool) error {
	_, err := store.TransactJSON(ctx, r.st, ProfileKey(id), func(cur *game.Profile) (*game.Profile, error) {
		if cur == nil {
			cur = &game.Profile{ID: id, Name: "User " + strconv.FormatInt(id, 10)}
		}
		cur.IsVerified = verified
		return cur, nil
	})
	return err
}

// Leaderboard joins the richest accounts with their profiles.
func (r *Repository) Leaderboard(ctx context.Context, by game.LeaderboardSort, currentUser int64) ([]game.LeaderboardRow, error) {
	entries, err := store.TopByField(ctx, r.st, colUsers, BalanceField, game.LeaderboardSize)
	if err != nil {
		return nil, err
	}
	accounts := store.DecodeEntries[game.Account](entries)
	rows := make([]game.LeaderboardRow, 0, len(accounts))
	for i := range accounts {
		a := &accounts[i]
		if a.IsBanned {
			continue
		}
		p, err := r.Profile(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		rows = append(rows, game.LeaderboardRow{
			UserID:          a.ID,
			Name:            p.Name,
			PhotoURL:        p.PhotoURL,
			Balance:         a.TotalBalance,
			TotalBoostLevel: game.TotalBoostLevel(a),
			IsVerified:      a.IsVerified,
		})
	}
	return game.RankPlayers(rows, by, currentUser), nil
}

// ClaimIdempotency records key for action, failing if it was seen before.
func (r *Repository) ClaimIdempotency(ctx context.Context, key, action string, now time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("idempotency key is required")
	}
	type claim struct {
		Action    string    `json:"action"`
		ClaimedAt time.Time `json:"claimed_at"`
	}
	_, err := store.TransactJSON(ctx, r.st, store.Key(colIdempotency, strings.ReplaceAll(key, "/", "_")), func(cur *claim) (*claim, error) {
		if cur != nil {
			return nil, ErrDuplicateIdempotency
		}
		return &claim{Action: action, ClaimedAt: now}, nil
	})
	return err
}
