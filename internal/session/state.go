package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"ggpay/internal/game"
	"ggpay/internal/transfer"
)

var errBannedRemote = errors.New("account banned in store")

// Session is one player's live game state.
type Session struct {
	m  *Manager
	id int64

	mu           sync.Mutex
	acct         *game.Account
	pendingDelta float64
	settings     game.Settings
	catalog      *game.Catalog
	profile      game.Profile
	visible      bool
	dirty        bool
	closed       bool
	ticking      bool
	lastUsed     time.Time
	lastAccrual  *game.Accrual
	floats       []game.FloatingValue
	debounce     *time.Timer
	tickStop     chan struct{}
	tickDone     chan struct{}

	// saveMu serializes writes of this session's account.
	saveMu sync.Mutex
}

// View is a point-in-time copy of a session for rendering.
type View struct {
	game.StateView
	Floating []game.FloatingValue `json:"floating_values"`
	Visible  bool                 `json:"visible"`
	Banned   bool                 `json:"banned"`
}

func (s *Session) ID() int64 { return s.id }

func (s *Session) Banned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acct.IsBanned
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = s.m.opts.Now()
	s.mu.Unlock()
}

func (s *Session) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

func (s *Session) isDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// accrueLocked credits the time since the stored lastSeen.
func (s *Session) accrueLocked(now time.Time) {
	before := s.acct.Balance()
	acc := game.ApplyAccrual(s.acct, s.settings, now)
	s.pendingDelta += s.acct.Balance() - before
	s.lastAccrual = &acc
	s.dirty = true
}

// save writes the session-owned fields and the pending balance delta in one
// transaction on the account record, then rebases the local copy on what was
// committed.
func (s *Session) save(ctx context.Context, trigger string) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	start := time.Now()

	s.mu.Lock()
	if s.visible {
		s.acct.LastSeen = s.m.opts.Now()
	}
	snap := s.acct.Clone()
	delta := s.pendingDelta
	s.pendingDelta = 0
	s.dirty = false
	s.mu.Unlock()

	var clamped float64
	committed, err := s.m.repo.Mutate(ctx, s.id, func(cur *game.Account) error {
		clamped = 0
		if cur.IsBanned {
			return errBannedRemote
		}
		cur.Energy = snap.Energy
		cur.Boosts = snap.Boosts
		cur.LastSeen = snap.LastSeen
		for _, c := range snap.Cards {
			if !c.IsRevealed {
				continue
			}
			if i, ok := cur.FindCardByID(c.ID); ok {
				cur.Cards[i].IsRevealed = true
			}
		}
		if len(cur.Cards) > 0 {
			cur.Cards[0].Balance += delta
			if cur.Cards[0].Balance < 0 {
				clamped = -cur.Cards[0].Balance
				cur.Cards[0].Balance = 0
			}
		}
		return nil
	})
	s.m.metrics.Save(trigger, err, time.Since(start))

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case errors.Is(err, errBannedRemote):
		s.acct.IsBanned = true
		// the tick loop may be the caller; it exits on its next select
		s.stopTickerLocked()
		s.m.logger.Warn("discarding unsaved progress of banned account", "user_id", s.id, "balance_delta", delta)
		return game.ErrAccountBanned
	case err != nil:
		s.pendingDelta += delta
		s.dirty = true
		s.m.logger.Warn("save account failed", "user_id", s.id, "trigger", trigger, "error", err)
		return fmt.Errorf("save account: %w", err)
	}
	if clamped > 0 {
		s.m.logger.Warn("balance delta clamped at zero", "user_id", s.id, "trigger", trigger, "clamped", clamped)
	}
	s.rebaseLocked(committed)
	return nil
}

// rebaseLocked replaces the local record with fresh store state, keeping the
// fields only this session writes and any balance change not yet saved.
func (s *Session) rebaseLocked(fresh *game.Account) {
	next := fresh.Clone()
	next.Energy = s.acct.Energy
	next.Boosts = s.acct.Boosts
	next.LastSeen = s.acct.LastSeen
	for _, c := range s.acct.Cards {
		if !c.IsRevealed {
			continue
		}
		if i, ok := next.FindCardByID(c.ID); ok {
			next.Cards[i].IsRevealed = true
		}
	}
	if s.pendingDelta != 0 {
		next.AddBalance(s.pendingDelta)
	}
	s.acct = next
}

// reload refreshes configuration and the account from the store.
func (s *Session) reload(ctx context.Context) error {
	settings, err := s.m.repo.Settings(ctx)
	if err != nil {
		return fmt.Errorf("%w: load settings: %v", ErrStorageUnavailable, err)
	}
	catalog, err := s.m.repo.Catalog(ctx)
	if err != nil {
		return fmt.Errorf("%w: load boosts: %v", ErrStorageUnavailable, err)
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	fresh, err := s.m.repo.Load(ctx, s.id)
	if err != nil {
		return fmt.Errorf("%w: load account: %v", ErrStorageUnavailable, err)
	}
	game.Normalize(fresh, catalog, settings)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	s.catalog = catalog
	s.rebaseLocked(fresh)
	s.acct.Energy = math.Max(0, math.Min(s.acct.Energy, game.StatsFor(s.acct, settings).MaxEnergy))
	return nil
}

// commit runs a store transaction on the account and rebases on its result.
func (s *Session) commit(ctx context.Context, fn func(a *game.Account) error) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	fresh, err := s.m.repo.Mutate(ctx, s.id, fn)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.rebaseLocked(fresh)
	s.mu.Unlock()
	return nil
}

func (s *Session) guard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.acct.IsBanned {
		return game.ErrAccountBanned
	}
	s.lastUsed = s.m.opts.Now()
	return nil
}

// local applies fn to the in-memory account. When fn reports a change the
// session is marked dirty and the debounced save is pushed back.
func (s *Session) local(fn func(a *game.Account) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.acct.IsBanned {
		return game.ErrAccountBanned
	}
	s.lastUsed = s.m.opts.Now()
	before := s.acct.Balance()
	changed, err := fn(s.acct)
	if err != nil || !changed {
		return err
	}
	s.pendingDelta += s.acct.Balance() - before
	s.dirty = true
	s.scheduleLocked()
	return nil
}

func (s *Session) scheduleLocked() {
	if s.debounce == nil {
		s.debounce = time.AfterFunc(s.m.opts.Debounce, s.debounced)
		return
	}
	s.debounce.Reset(s.m.opts.Debounce)
}

func (s *Session) debounced() {
	ctx, cancel := context.WithTimeout(context.Background(), s.m.opts.SaveTimeout)
	defer cancel()
	if err := s.save(ctx, "debounce"); err != nil && !errors.Is(err, game.ErrAccountBanned) {
		s.mu.Lock()
		if !s.closed {
			s.scheduleLocked()
		}
		s.mu.Unlock()
	}
}

// Tap resolves one tap at the given screen position.
func (s *Session) Tap(x, y float64) (game.TapOutcome, error) {
	var out game.TapOutcome
	err := s.local(func(a *game.Account) (bool, error) {
		out = game.ResolveTap(a, game.StatsFor(a, s.settings), s.settings, s.m.opts.Rand)
		now := s.m.opts.Now()
		s.floats = liveFloats(s.floats, now)
		if fv, ok := game.NewFloatingValue(out, x, y, now); ok {
			s.floats = append(s.floats, fv)
		}
		return out.Accepted, nil
	})
	if err != nil {
		return out, err
	}
	s.m.metrics.Tap(tapOutcome(out))
	return out, nil
}

func tapOutcome(out game.TapOutcome) string {
	switch {
	case !out.Accepted:
		return "rejected"
	case out.Critical:
		return "critical"
	case out.Free:
		return "free"
	default:
		return "normal"
	}
}

func liveFloats(in []game.FloatingValue, now time.Time) []game.FloatingValue {
	out := in[:0]
	for _, fv := range in {
		if now.Before(fv.ExpiresAt) {
			out = append(out, fv)
		}
	}
	return out
}

// Purchase buys one level of a boost.
func (s *Session) Purchase(id game.BoostID) (game.PurchaseResult, error) {
	var res game.PurchaseResult
	err := s.local(func(a *game.Account) (bool, error) {
		var err error
		res, err = game.Purchase(a, s.catalog, id)
		return err == nil, err
	})
	s.m.metrics.Purchase(string(id), purchaseOutcome(err))
	return res, err
}

func purchaseOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, game.ErrInvalidBoost):
		return "invalid_boost"
	case errors.Is(err, game.ErrMaxLevelReached):
		return "max_level"
	case errors.Is(err, game.ErrInsufficientFunds):
		return "insufficient_funds"
	default:
		return "refused"
	}
}

// RevealCard shows a card's full details. Revealing is permanent.
func (s *Session) RevealCard(cardID string) (game.Card, error) {
	var card game.Card
	err := s.local(func(a *game.Account) (bool, error) {
		i, ok := a.FindCardByID(cardID)
		if !ok {
			return false, game.ErrCardNotFound
		}
		was := a.Cards[i].IsRevealed
		var err error
		card, err = game.RevealCard(a, cardID)
		return err == nil && !was, err
	})
	return card, err
}

// IssueCard creates an additional card for the player.
func (s *Session) IssueCard(ctx context.Context, name string) (game.Card, error) {
	if err := s.guard(); err != nil {
		return game.Card{}, err
	}
	if err := s.Flush(ctx); err != nil {
		return game.Card{}, err
	}
	s.mu.Lock()
	settings := s.settings
	if name == "" {
		name = fmt.Sprintf("Card %d", len(s.acct.Cards)+1)
	}
	s.mu.Unlock()

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	card, fresh, err := s.m.repo.IssueCard(ctx, s.id, name, settings, s.m.opts.Now())
	if err != nil {
		return game.Card{}, err
	}
	s.mu.Lock()
	s.rebaseLocked(fresh)
	s.mu.Unlock()
	s.m.logger.Info("card issued", "user_id", s.id, "card_id", card.ID)
	return card, nil
}

// RequestVerification charges the verification fee and files a request for
// admin review.
func (s *Session) RequestVerification(ctx context.Context) (game.VerificationRequest, error) {
	if err := s.guard(); err != nil {
		return game.VerificationRequest{}, err
	}
	if err := s.Flush(ctx); err != nil {
		return game.VerificationRequest{}, err
	}
	s.mu.Lock()
	settings, name := s.settings, s.profile.Name
	s.mu.Unlock()
	now := s.m.opts.Now()

	var req game.VerificationRequest
	err := s.commit(ctx, func(a *game.Account) error {
		var err error
		req, err = game.RequestVerification(a, name, settings, now)
		return err
	})
	if err != nil {
		return game.VerificationRequest{}, err
	}
	if err := s.m.repo.SaveVerificationRequest(ctx, req); err != nil {
		s.m.logger.Error("verification request not recorded, refunding", "user_id", s.id, "error", err)
		if rerr := s.commit(ctx, func(a *game.Account) error {
			if a.VerificationStatus == game.VerificationPending {
				a.VerificationStatus = game.VerificationNone
				a.AddBalance(req.Cost)
			}
			return nil
		}); rerr != nil {
			s.m.logger.Error("verification refund failed", "user_id", s.id, "cost", req.Cost, "error", rerr)
		}
		return game.VerificationRequest{}, fmt.Errorf("record verification request: %w", err)
	}
	return req, nil
}

// Transfer sends amount from one of the player's cards to any card number.
// Local progress is saved first so the debit sees the current balance.
func (s *Session) Transfer(ctx context.Context, fromCard, toCard string, amount float64) (game.Transaction, error) {
	if err := s.guard(); err != nil {
		return game.Transaction{}, err
	}
	if err := s.Flush(ctx); err != nil {
		return game.Transaction{}, err
	}
	tx, err := s.m.transfers.Transfer(ctx, transfer.Request{
		SenderAccountID:     s.id,
		SenderCardNumber:    fromCard,
		RecipientCardNumber: toCard,
		Amount:              amount,
	})
	if rerr := s.reload(ctx); rerr != nil {
		s.m.logger.Warn("reload after transfer failed", "user_id", s.id, "error", rerr)
	}
	return tx, err
}

// Refresh pulls store-side changes (credits, incoming transfers, admin
// edits) into the session.
func (s *Session) Refresh(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	return s.reload(ctx)
}

func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.m.opts.Now()
	s.floats = liveFloats(s.floats, now)
	v := View{
		StateView: game.NewStateView(s.acct.Clone(), s.profile, s.catalog, s.settings),
		Floating:  append([]game.FloatingValue(nil), s.floats...),
		Visible:   s.visible,
		Banned:    s.acct.IsBanned,
	}
	if s.lastAccrual != nil {
		acc := *s.lastAccrual
		v.Accrual = &acc
	}
	return v
}

// Flush saves now if anything changed since the last save.
func (s *Session) Flush(ctx context.Context) error {
	if !s.isDirty() {
		return nil
	}
	return s.save(ctx, "flush")
}

// Start runs the tick loop until the session is hidden or closed.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ticking || !s.visible || s.acct.IsBanned {
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	s.tickStop, s.tickDone, s.ticking = stop, done, true
	go s.tickLoop(stop, done)
}

func (s *Session) stopTickerLocked() chan struct{} {
	if !s.ticking {
		return nil
	}
	close(s.tickStop)
	done := s.tickDone
	s.tickStop, s.tickDone, s.ticking = nil, nil, false
	return done
}

func (s *Session) tickLoop(stop, done chan struct{}) {
	defer close(done)
	tick := time.NewTicker(s.m.opts.TickEvery)
	defer tick.Stop()
	flush := time.NewTicker(s.m.opts.FlushEvery)
	defer flush.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			s.tickOnce()
		case <-flush.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.m.opts.SaveTimeout)
			if err := s.Flush(ctx); err != nil && !errors.Is(err, game.ErrAccountBanned) {
				s.m.logger.Warn("periodic flush failed", "user_id", s.id, "error", err)
			}
			cancel()
		}
	}
}

// tickOnce advances the visible session by one second. Ticks mark the
// session dirty without pushing back the debounce; the periodic flush
// persists them.
func (s *Session) tickOnce() game.TickResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.visible || s.acct.IsBanned {
		return game.TickResult{Energy: s.acct.Energy}
	}
	before := s.acct.Balance()
	res := game.Tick(s.acct, game.StatsFor(s.acct, s.settings))
	s.pendingDelta += s.acct.Balance() - before
	s.dirty = true
	return res
}

// SetVisible handles the app moving to the background or foreground. Hiding
// stamps lastSeen, stops ticks and saves; showing reloads the account and
// credits the hidden interval as offline accrual.
func (s *Session) SetVisible(ctx context.Context, visible bool) error {
	if visible {
		return s.show(ctx)
	}
	return s.hide(ctx)
}

func (s *Session) hide(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.visible {
		s.mu.Unlock()
		return nil
	}
	s.acct.LastSeen = s.m.opts.Now()
	s.visible = false
	s.dirty = true
	done := s.stopTickerLocked()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	banned := s.acct.IsBanned
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	if banned {
		return nil
	}
	return s.save(ctx, "hide")
}

func (s *Session) show(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.visible {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.Flush(ctx); err != nil {
		return err
	}
	if err := s.reload(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	if s.acct.IsBanned {
		s.mu.Unlock()
		return game.ErrAccountBanned
	}
	s.accrueLocked(s.m.opts.Now())
	s.visible = true
	s.mu.Unlock()
	if err := s.save(ctx, "show"); err != nil {
		return err
	}
	s.Start()
	return nil
}

// Close stops the session and writes its final state. A session whose final
// save fails stays registered so a later Close can retry.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	done := s.stopTickerLocked()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	banned := s.acct.IsBanned
	s.mu.Unlock()
	if done != nil {
		<-done
	}

	if !banned {
		if err := s.save(ctx, "close"); err != nil && !errors.Is(err, game.ErrAccountBanned) {
			return err
		}
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.m.forget(s)
	return nil
}
