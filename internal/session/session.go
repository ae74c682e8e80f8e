// Package session keeps one live, locally mutated copy of a player's account
// and synchronizes it with the store.
//
// Taps, purchases and ticks change the local copy synchronously. Saves are
// debounced, serialized, and written as a merge transaction: fields only the
// session changes (energy, boost levels, lastSeen, revealed flags) are
// overwritten, while the balance change accumulated since the previous save
// is applied as a delta to the primary card. Transfers and admin credits that
// land between saves are therefore never overwritten.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"ggpay/internal/account"
	"ggpay/internal/game"
	"ggpay/internal/metrics"
	"ggpay/internal/transfer"
)

var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrSessionClosed      = errors.New("session closed")
)

type Options struct {
	Debounce    time.Duration
	TickEvery   time.Duration
	FlushEvery  time.Duration
	SaveTimeout time.Duration
	Now         func() time.Time
	Rand        game.Rand
}

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = 500 * time.Millisecond
	}
	if o.TickEvery <= 0 {
		o.TickEvery = time.Second
	}
	if o.FlushEvery <= 0 {
		o.FlushEvery = 10 * time.Second
	}
	if o.SaveTimeout <= 0 {
		o.SaveTimeout = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Rand == nil {
		o.Rand = globalRand{}
	}
	return o
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// Manager owns the live sessions of one process.
type Manager struct {
	repo      *account.Repository
	transfers *transfer.Engine
	logger    *slog.Logger
	metrics   *metrics.Metrics
	opts      Options

	mu       sync.Mutex
	sessions map[int64]*Session
}

func NewManager(repo *account.Repository, transfers *transfer.Engine, logger *slog.Logger, m *metrics.Metrics, opts Options) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:      repo,
		transfers: transfers,
		logger:    logger,
		metrics:   m,
		opts:      opts.withDefaults(),
		sessions:  make(map[int64]*Session),
	}
}

// Open returns the live session for ident, loading or creating the account
// and applying offline accrual when there is none yet. A banned account
// still gets a session, returned together with game.ErrAccountBanned.
func (m *Manager) Open(ctx context.Context, ident game.Identity) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[ident.ID]; ok {
		m.mu.Unlock()
		s.touch()
		if s.Banned() {
			return s, game.ErrAccountBanned
		}
		return s, nil
	}
	m.mu.Unlock()

	s, err := m.load(ctx, ident)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[ident.ID]; ok {
		// lost a race with a concurrent Open
		m.mu.Unlock()
		if existing.Banned() {
			return existing, game.ErrAccountBanned
		}
		return existing, nil
	}
	m.sessions[ident.ID] = s
	m.mu.Unlock()
	m.metrics.SessionOpened()

	if s.Banned() {
		m.logger.Warn("banned account opened", "user_id", ident.ID)
		return s, game.ErrAccountBanned
	}
	return s, nil
}

func (m *Manager) load(ctx context.Context, ident game.Identity) (*Session, error) {
	settings, err := m.repo.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load settings: %v", ErrStorageUnavailable, err)
	}
	catalog, err := m.repo.Catalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load boosts: %v", ErrStorageUnavailable, err)
	}
	now := m.opts.Now()

	acct, err := m.repo.Load(ctx, ident.ID)
	if errors.Is(err, account.ErrAccountNotFound) {
		acct, err = m.repo.Create(ctx, ident, catalog, settings, now)
		if err == nil {
			m.logger.Info("account created", "user_id", ident.ID)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load account: %v", ErrStorageUnavailable, err)
	}
	if needsCard := game.Normalize(acct, catalog, settings); needsCard {
		if _, acct, err = m.repo.IssueCard(ctx, ident.ID, "GG Card", settings, now); err != nil {
			return nil, fmt.Errorf("%w: issue card: %v", ErrStorageUnavailable, err)
		}
		game.Normalize(acct, catalog, settings)
	}
	if err := m.repo.SaveProfile(ctx, game.ProfileFor(ident)); err != nil {
		m.logger.Warn("save profile failed", "user_id", ident.ID, "error", err)
	}
	profile, err := m.repo.Profile(ctx, ident.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: load profile: %v", ErrStorageUnavailable, err)
	}

	s := &Session{
		m:        m,
		id:       ident.ID,
		acct:     acct,
		settings: settings,
		catalog:  catalog,
		profile:  profile,
		visible:  true,
		lastUsed: now,
	}
	if acct.IsBanned {
		return s, nil
	}

	s.mu.Lock()
	s.accrueLocked(now)
	s.mu.Unlock()
	if err := s.save(ctx, "open"); err != nil {
		if errors.Is(err, game.ErrAccountBanned) {
			return s, nil
		}
		return nil, fmt.Errorf("%w: save after load: %v", ErrStorageUnavailable, err)
	}
	return s, nil
}

func (m *Manager) Get(id int64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close saves and drops the session for id, if any.
func (m *Manager) Close(ctx context.Context, id int64) error {
	s, ok := m.Get(id)
	if !ok {
		return nil
	}
	return s.Close(ctx)
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
		m.metrics.SessionClosed()
	}
}

// ReapIdle closes sessions nobody touched for maxIdle.
func (m *Manager) ReapIdle(ctx context.Context, maxIdle time.Duration) int {
	now := m.opts.Now()
	m.mu.Lock()
	var idle []*Session
	for _, s := range m.sessions {
		if now.Sub(s.lastActivity()) >= maxIdle {
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()
	for _, s := range idle {
		if err := s.Close(ctx); err != nil {
			m.logger.Warn("close idle session failed", "user_id", s.id, "error", err)
		}
	}
	return len(idle)
}

// CloseAll saves every live session. Used on shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		if err := s.Close(ctx); err != nil {
			m.logger.Error("final save failed", "user_id", s.id, "error", err)
		}
	}
}
