package account

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"ggpay/internal/game"
	"ggpay/internal/store"
)

var (
	boostsKey       = store.Key(colConfig, "boosts")
	settingsKey     = store.Key(colConfig, "game")
	notificationKey = store.Key(colNotifications, "latest")
)

type boostDoc struct {
	Boosts    []game.BoostConfig `json:"boosts"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// BoostConfigs returns the stored catalog, or the defaults when none was
// saved yet.
func (r *Repository) BoostConfigs(ctx context.Context) ([]game.BoostConfig, error) {
	doc, err := store.GetJSON[boostDoc](ctx, r.st, boostsKey)
	if store.IsNotFound(err) || (err == nil && len(doc.Boosts) == 0) {
		return game.DefaultBoosts(), nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Boosts, nil
}

func (r *Repository) Catalog(ctx context.Context) (*game.Catalog, error) {
	cfgs, err := r.BoostConfigs(ctx)
	if err != nil {
		return nil, err
	}
	return game.NewCatalog(cfgs), nil
}

func (r *Repository) SaveBoostConfigs(ctx context.Context, cfgs []game.BoostConfig, now time.Time) error {
	if err := game.ValidateBoostConfigs(cfgs); err != nil {
		return err
	}
	return store.SetJSON(ctx, r.st, boostsKey, boostDoc{Boosts: cfgs, UpdatedAt: now})
}

func (r *Repository) Settings(ctx context.Context) (game.Settings, error) {
	s, err := store.GetJSON[game.Settings](ctx, r.st, settingsKey)
	if store.IsNotFound(err) {
		return game.DefaultSettings(), nil
	}
	if err != nil {
		return game.Settings{}, err
	}
	return s, nil
}

func (r *Repository) SaveSettings(ctx context.Context, s game.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return store.SetJSON(ctx, r.st, settingsKey, s)
}

// LatestNotification returns nil when nothing was ever broadcast.
func (r *Repository) LatestNotification(ctx context.Context) (*game.Notification, error) {
	n, err := store.GetJSON[game.Notification](ctx, r.st, notificationKey)
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *Repository) Broadcast(ctx context.Context, message string, now time.Time) (game.Notification, error) {
	if message == "" {
		return game.Notification{}, fmt.Errorf("message is required")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return game.Notification{}, err
	}
	n := game.Notification{ID: id.String(), Message: message, CreatedAt: now}
	if err := store.SetJSON(ctx, r.st, notificationKey, n); err != nil {
		return game.Notification{}, err
	}
	return n, nil
}

func verificationKey(userID int64) string {
	return store.Key(colVerifications, strconv.FormatInt(userID, 10))
}

func (r *Repository) SaveVerificationRequest(ctx context.Context, req game.VerificationRequest) error {
	return store.SetJSON(ctx, r.st, verificationKey(req.UserID), req)
}

func (r *Repository) VerificationRequest(ctx context.Context, userID int64) (game.VerificationRequest, error) {
	req, err := store.GetJSON[game.VerificationRequest](ctx, r.st, verificationKey(userID))
	if store.IsNotFound(err) {
		return req, ErrVerificationNotFound
	}
	return req, err
}

// VerificationRequests lists requests with the given status, oldest first.
// An empty status lists all of them.
func (r *Repository) VerificationRequests(ctx context.Context, status game.VerificationStatus) ([]game.VerificationRequest, error) {
	entries, err := r.st.List(ctx, colVerifications)
	if err != nil {
		return nil, err
	}
	all := store.DecodeEntries[game.VerificationRequest](entries)
	out := make([]game.VerificationRequest, 0, len(all))
	for _, req := range all {
		if status == "" || req.Status == status {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

// DecideVerification moves a pending request to verified or rejected and
// mirrors the result onto the account and its profile.
func (r *Repository) DecideVerification(ctx context.Context, userID int64, approve bool, now time.Time) (game.VerificationRequest, error) {
	status := game.VerificationRejected
	if approve {
		status = game.VerificationVerified
	}
	decided, err := store.TransactJSON(ctx, r.st, verificationKey(userID), func(cur *game.VerificationRequest) (*game.VerificationRequest, error) {
		if cur == nil {
			return nil, ErrVerificationNotFound
		}
		if cur.Status != game.VerificationPending {
			return nil, fmt.Errorf("verification request is %s", cur.Status)
		}
		cur.Status = status
		cur.DecidedAt = &now
		return cur, nil
	})
	if err != nil {
		return game.VerificationRequest{}, err
	}
	if _, err := r.Mutate(ctx, userID, func(a *game.Account) error {
		a.VerificationStatus = status
		a.IsVerified = approve
		return nil
	}); err != nil {
		return *decided, err
	}
	if err := r.SetProfileVerified(ctx, userID, approve); err != nil {
		return *decided, err
	}
	return *decided, nil
}
