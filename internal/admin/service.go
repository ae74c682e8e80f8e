// Package admin holds the privileged operations behind the admin API.
// Every call is checked by an Authorizer before anything is read or written.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"ggpay/internal/account"
	"ggpay/internal/game"
)

var (
	ErrInvalidAmount = errors.New("amount must be a non-zero number")
	ErrEmptyMessage  = errors.New("message is required")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Authorizer decides whether the caller in ctx may perform action.
type Authorizer interface {
	Authorize(ctx context.Context, action string) error
}

// Sessions is the set of live player sessions. Banning closes the player's
// session so it stops accepting play immediately.
type Sessions interface {
	Close(ctx context.Context, id int64) error
}

type Service struct {
	repo     *account.Repository
	authz    Authorizer
	sessions Sessions
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(repo *account.Repository, authz Authorizer, sessions Sessions, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, authz: authz, sessions: sessions, logger: logger, now: time.Now}
}

// WithClock replaces the service's time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) authorize(ctx context.Context, action string) error {
	if s.authz == nil {
		return fmt.Errorf("admin %s: no authorizer configured", action)
	}
	return s.authz.Authorize(ctx, action)
}

func (s *Service) Ban(ctx context.Context, userID int64) (*game.Account, error) {
	return s.setBanned(ctx, userID, true)
}

func (s *Service) Unban(ctx context.Context, userID int64) (*game.Account, error) {
	return s.setBanned(ctx, userID, false)
}

func (s *Service) setBanned(ctx context.Context, userID int64, banned bool) (*game.Account, error) {
	action := "unban"
	if banned {
		action = "ban"
	}
	if err := s.authorize(ctx, action); err != nil {
		return nil, err
	}
	a, err := s.repo.Mutate(ctx, userID, func(a *game.Account) error {
		a.IsBanned = banned
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.sessions != nil {
		if err := s.sessions.Close(ctx, userID); err != nil {
			s.logger.Warn("close session after ban change failed", "user_id", userID, "error", err)
		}
	}
	s.logger.Info("account "+action+"ned", "user_id", userID)
	return a, nil
}

// Credit adjusts a player's primary card by amount, which may be negative.
// A non-empty key makes the call safe to replay: the key is recorded on the
// account in the same transaction as the balance change and is never evicted.
func (s *Service) Credit(ctx context.Context, userID int64, amount float64, key string) (*game.Account, error) {
	if err := s.authorize(ctx, "credit"); err != nil {
		return nil, err
	}
	if amount == 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, ErrInvalidAmount
	}
	key = strings.TrimSpace(key)
	now := s.now()
	a, err := s.repo.Mutate(ctx, userID, func(a *game.Account) error {
		if key != "" && a.HasCreditKey(key) {
			return account.ErrDuplicateIdempotency
		}
		if len(a.Cards) == 0 {
			return game.ErrCardNotFound
		}
		if a.Balance()+amount < 0 {
			return game.ErrInsufficientFunds
		}
		a.AddBalance(amount)
		if key != "" {
			a.MarkCreditKey(key, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("balance adjusted", "user_id", userID, "amount", amount, "idempotency_key", key)
	return a, nil
}

func (s *Service) Boosts(ctx context.Context) ([]game.BoostConfig, error) {
	if err := s.authorize(ctx, "read_boosts"); err != nil {
		return nil, err
	}
	return s.repo.BoostConfigs(ctx)
}

// UpdateBoosts replaces the boost catalog. Every formula must compile and
// be strictly increasing up to its max level.
func (s *Service) UpdateBoosts(ctx context.Context, cfgs []game.BoostConfig) error {
	if err := s.authorize(ctx, "update_boosts"); err != nil {
		return err
	}
	if err := game.ValidateBoostConfigs(cfgs); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := s.repo.SaveBoostConfigs(ctx, cfgs, s.now()); err != nil {
		return err
	}
	s.logger.Info("boost catalog updated", "boosts", len(cfgs))
	return nil
}

func (s *Service) Settings(ctx context.Context) (game.Settings, error) {
	if err := s.authorize(ctx, "read_settings"); err != nil {
		return game.Settings{}, err
	}
	return s.repo.Settings(ctx)
}

func (s *Service) UpdateSettings(ctx context.Context, settings game.Settings) error {
	if err := s.authorize(ctx, "update_settings"); err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := s.repo.SaveSettings(ctx, settings); err != nil {
		return err
	}
	s.logger.Info("game settings updated")
	return nil
}

// Broadcast publishes message as the latest notification. A non-empty key
// suppresses a replayed broadcast.
func (s *Service) Broadcast(ctx context.Context, message, key string) (game.Notification, error) {
	if err := s.authorize(ctx, "broadcast"); err != nil {
		return game.Notification{}, err
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return game.Notification{}, ErrEmptyMessage
	}
	now := s.now()
	if strings.TrimSpace(key) != "" {
		if err := s.repo.ClaimIdempotency(ctx, key, "broadcast", now); err != nil {
			return game.Notification{}, err
		}
	}
	n, err := s.repo.Broadcast(ctx, message, now)
	if err != nil {
		return game.Notification{}, err
	}
	s.logger.Info("notification broadcast", "notification_id", n.ID)
	return n, nil
}

func (s *Service) PendingVerifications(ctx context.Context) ([]game.VerificationRequest, error) {
	if err := s.authorize(ctx, "list_verifications"); err != nil {
		return nil, err
	}
	return s.repo.VerificationRequests(ctx, game.VerificationPending)
}

func (s *Service) ApproveVerification(ctx context.Context, userID int64) (game.VerificationRequest, error) {
	return s.decide(ctx, userID, true)
}

func (s *Service) RejectVerification(ctx context.Context, userID int64) (game.VerificationRequest, error) {
	return s.decide(ctx, userID, false)
}

func (s *Service) decide(ctx context.Context, userID int64, approve bool) (game.VerificationRequest, error) {
	if err := s.authorize(ctx, "decide_verification"); err != nil {
		return game.VerificationRequest{}, err
	}
	req, err := s.repo.DecideVerification(ctx, userID, approve, s.now())
	if err != nil {
		return req, err
	}
	s.logger.Info("verification decided", "user_id", userID, "status", req.Status)
	return req, nil
}

// Player returns a full account record for support tooling.
func (s *Service) Player(ctx context.Context, userID int64) (*game.Account, error) {
	if err := s.authorize(ctx, "read_player"); err != nil {
		return nil, err
	}
	return s.repo.Load(ctx, userID)
}
