package transfer

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"ggpay/internal/account"
	"ggpay/internal/game"
	"ggpay/internal/store"
)

var testNow = time.Date(2026, time.February, 3, 4, 5, 6, 0, time.UTC)

// flakyStore fails transactions on one key while broken is set.
type flakyStore struct {
	store.Store
	mu     sync.Mutex
	key    string
	broken bool
}

func (f *flakyStore) breakKey(key string, broken bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.key, f.broken = key, broken
}

func (f *flakyStore) Transact(ctx context.Context, key string, fn store.UpdateFunc) ([]byte, error) {
	f.mu.Lock()
	fail := f.broken && key == f.key
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return f.Store.Transact(ctx, key, fn)
}

type fixture struct {
	st      *flakyStore
	repo    *account.Repository
	engine  *Engine
	alice   *game.Account
	bob     *game.Account
	aliceNo string
	bobNo   string
}

func newFixture(t *testing.T, aliceBalance, bobBalance float64) *fixture {
	t.Helper()
	ctx := context.Background()
	st := &flakyStore{Store: store.NewMemory()}
	repo := account.NewRepository(st, nil)
	cat := game.NewCatalog(game.DefaultBoosts())
	s := game.DefaultSettings()

	mk := func(id int64, name string, bal float64) *game.Account {
		if _, err := repo.Create(ctx, game.Identity{ID: id, FirstName: name}, cat, s, testNow); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		a, err := repo.Mutate(ctx, id, func(a *game.Account) error {
			a.Cards[0].Balance = bal
			return nil
		})
		if err != nil {
			t.Fatalf("fund %s: %v", name, err)
		}
		return a
	}
	f := &fixture{st: st, repo: repo}
	f.alice = mk(1, "Alice", aliceBalance)
	f.bob = mk(2, "Bob", bobBalance)
	f.aliceNo = f.alice.Cards[0].CardNumber
	f.bobNo = f.bob.Cards[0].CardNumber
	f.engine = NewEngine(repo, nil, nil).WithClock(func() time.Time { return testNow })
	return f
}

func (f *fixture) load(t *testing.T, id int64) *game.Account {
	t.Helper()
	a, err := f.repo.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("load %d: %v", id, err)
	}
	return a
}

func (f *fixture) outbox(t *testing.T) []Intent {
	t.Helper()
	entries, err := f.st.List(context.Background(), colOutbox)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	return store.DecodeEntries[Intent](entries)
}

func TestTransferConservesMoney(t *testing.T) {
	f := newFixture(t, 100, 5)
	tx, err := f.engine.Transfer(context.Background(), Request{
		SenderAccountID:     1,
		SenderCardNumber:    game.FormatCardNumber(f.aliceNo),
		RecipientCardNumber: f.bobNo,
		Amount:              30,
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	alice, bob := f.load(t, 1), f.load(t, 2)
	if alice.Balance() != 70 || bob.Balance() != 35 {
		t.Fatalf("balances alice=%v bob=%v want 70 and 35", alice.Balance(), bob.Balance())
	}
	if len(alice.Transactions) != 1 || len(bob.Transactions) != 1 {
		t.Fatalf("expected one history entry each, got %d and %d", len(alice.Transactions), len(bob.Transactions))
	}
	sent, recv := alice.Transactions[0], bob.Transactions[0]
	if sent.ID != tx.ID || recv.ID != tx.ID || sent.Type != game.TxSent || recv.Type != game.TxReceived {
		t.Fatalf("records not paired: %+v %+v", sent, recv)
	}
	if !sent.Timestamp.Equal(recv.Timestamp) || sent.CounterpartyName != "Bob" || recv.CounterpartyName != "Alice" {
		t.Fatalf("unexpected record details: %+v %+v", sent, recv)
	}
	if len(f.outbox(t)) != 0 {
		t.Fatalf("completed transfer left an intent behind")
	}
}

func TestTransferRejectedWhenShort(t *testing.T) {
	f := newFixture(t, 10, 5)
	_, err := f.engine.Transfer(context.Background(), Request{SenderAccountID: 1, SenderCardNumber: f.aliceNo, RecipientCardNumber: f.bobNo, Amount: 10.5})
	if !errors.Is(err, ErrDebitAborted) {
		t.Fatalf("expected ErrDebitAborted, got %v", err)
	}
	alice, bob := f.load(t, 1), f.load(t, 2)
	if alice.Balance() != 10 || bob.Balance() != 5 || len(alice.Transactions) != 0 || len(bob.Transactions) != 0 {
		t.Fatalf("rejected transfer changed state")
	}
	if len(f.outbox(t)) != 0 {
		t.Fatalf("aborted transfer left an intent behind")
	}
}

func TestTransferValidation(t *testing.T) {
	f := newFixture(t, 100, 5)
	ctx := context.Background()
	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"zero", Request{SenderAccountID: 1, SenderCardNumber: f.aliceNo, RecipientCardNumber: f.bobNo, Amount: 0}, ErrInvalidAmount},
		{"negative", Request{SenderAccountID: 1, SenderCardNumber: f.aliceNo, RecipientCardNumber: f.bobNo, Amount: -3}, ErrInvalidAmount},
		{"nan", Request{SenderAccountID: 1, SenderCardNumber: f.aliceNo, RecipientCardNumber: f.bobNo, Amount: math.NaN()}, ErrInvalidAmount},
		{"same card", Request{SenderAccountID: 1, SenderCardNumber: f.aliceNo, RecipientCardNumber: game.FormatCardNumber(f.aliceNo), Amount: 1}, ErrSelfTransfer},
		{"unknown recipient", Request{SenderAccountID: 1, SenderCardNumber: f.aliceNo, RecipientCardNumber: "5555000011112222", Amount: 1}, ErrRecipientNotFound},
		{"card not owned", Request{SenderAccountID: 1, SenderCardNumber: f.bobNo, RecipientCardNumber: f.aliceNo, Amount: 1}, game.ErrCardNotFound},
	}
	for _, tc := range cases {
		if _, err := f.engine.Transfer(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if f.load(t, 1).Balance() != 100 || f.load(t, 2).Balance() != 5 {
		t.Fatalf("validation failures changed balances")
	}
	if len(f.outbox(t)) != 0 {
		t.Fatalf("validation failures wrote intents")
	}
}

func TestTransferBetweenOwnCards(t *testing.T) {
	f := newFixture(t, 100, 0)
	ctx := context.Background()
	s := game.DefaultSettings()
	card, _, err := f.repo.IssueCard(ctx, 1, "Savings", s, testNow)
	if err != nil {
		t.Fatalf("issue card: %v", err)
	}
	req := Request{SenderAccountID: 1, SenderCardNumber: f.aliceNo, RecipientCardNumber: card.CardNumber, Amount: 40}
	if _, err := f.engine.Transfer(ctx, req); !errors.Is(err, ErrSelfTransfer) {
		t.Fatalf("expected ErrSelfTransfer by default, got %v", err)
	}

	s.AllowOwnCardTransfers = true
	if err := f.repo.SaveSettings(ctx, s); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	tx, err := f.engine.Transfer(ctx, req)
	if err != nil {
		t.Fatalf("own card transfer: %v", err)
	}
	a := f.load(t, 1)
	i, _ := a.FindCard(card.CardNumber)
	if a.Balance() != 60 || a.Cards[i].Balance != 40 || a.TotalBalance != 100 {
		t.Fatalf("unexpected cards %+v", a.Cards)
	}
	if len(a.Transactions) != 2 || a.Transactions[0].Type != game.TxReceived || a.Transactions[1].Type != game.TxSent {
		t.Fatalf("expected sent and received records, got %+v", a.Transactions)
	}

	// replaying either side on the shared account changes nothing
	in := Intent{
		ID:                  tx.ID,
		SenderAccountID:     1,
		SenderCardNumber:    f.aliceNo,
		RecipientAccountID:  1,
		RecipientCardNumber: card.CardNumber,
		Amount:              40,
		CreatedAt:           testNow,
	}
	if _, err := f.engine.debit(ctx, in); err != nil {
		t.Fatalf("debit retry: %v", err)
	}
	if err := f.engine.credit(ctx, in); err != nil {
		t.Fatalf("credit retry: %v", err)
	}
	a = f.load(t, 1)
	if a.Cards[i].Balance != 40 || a.TotalBalance != 100 || len(a.Transactions) != 2 {
		t.Fatalf("retries changed the account: %+v", a.Cards)
	}
}

func TestReconcilerFinishesOwnCardTransfer(t *testing.T) {
	f := newFixture(t, 100, 0)
	ctx := context.Background()
	s := game.DefaultSettings()
	s.AllowOwnCardTransfers = true
	if err := f.repo.SaveSettings(ctx, s); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	card, _, err := f.repo.IssueCard(ctx, 1, "Savings", s, testNow)
	if err != nil {
		t.Fatalf("issue card: %v", err)
	}
	in := Intent{
		ID:                  "own-pending",
		Status:              StatusPending,
		SenderAccountID:     1,
		SenderCardNumber:    f.aliceNo,
		RecipientAccountID:  1,
		RecipientCardNumber: card.CardNumber,
		Amount:              25,
		CreatedAt:           testNow.Add(-time.Hour),
		UpdatedAt:           testNow.Add(-time.Hour),
	}
	if err := store.SetJSON(ctx, f.st, intentKey(in.ID), in); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := f.engine.debit(ctx, in); err != nil {
		t.Fatalf("debit: %v", err)
	}

	rep, err := NewReconciler(f.engine, time.Minute, nil, nil).RunOnce(ctx)
	if err != nil || rep.Credited != 1 {
		t.Fatalf("reconcile: %+v %v", rep, err)
	}
	a := f.load(t, 1)
	i, _ := a.FindCard(card.CardNumber)
	if a.Balance() != 75 || a.Cards[i].Balance != 25 || a.TotalBalance != 100 {
		t.Fatalf("money not conserved: total=%v cards=%+v", a.TotalBalance, a.Cards)
	}
}

func TestPartialTransferIsReconciled(t *testing.T) {
	f := newFixture(t, 100, 5)
	ctx := context.Background()
	f.st.breakKey(account.UserKey(2), true)

	tx, err := f.engine.Transfer(ctx, Request{SenderAccountID: 1, SenderCardNumber: f.aliceNo, RecipientCardNumber: f.bobNo, Amount: 25})
	if !errors.Is(err, ErrPartialTransfer) {
		t.Fatalf("expected ErrPartialTransfer, got %v", err)
	}
	if tx.ID == "" {
		t.Fatalf("partial transfer must still return the sent record")
	}
	if f.load(t, 1).Balance() != 75 || f.load(t, 2).Balance() != 5 {
		t.Fatalf("unexpected balances after partial transfer")
	}
	intents := f.outbox(t)
	if len(intents) != 1 || intents[0].Status != StatusDebited || intents[0].ID != tx.ID {
		t.Fatalf("expected one debited intent, got %+v", intents)
	}

	rec := NewReconciler(f.engine, time.Minute, nil, nil)
	rep, err := rec.RunOnce(ctx)
	if err != nil || rep.Failed != 1 || rep.Credited != 0 {
		t.Fatalf("reconcile while broken: %+v %v", rep, err)
	}

	f.st.breakKey(account.UserKey(2), false)
	rep, err = rec.RunOnce(ctx)
	if err != nil || rep.Credited != 1 {
		t.Fatalf("reconcile: %+v %v", rep, err)
	}
	bob := f.load(t, 2)
	if bob.Balance() != 30 || len(bob.Transactions) != 1 || bob.Transactions[0].ID != tx.ID {
		t.Fatalf("recipient not credited exactly once: %v %+v", bob.Balance(), bob.Transactions)
	}

	// a stray second credit must not pay twice
	if err := f.engine.credit(ctx, intents[0]); err != nil {
		t.Fatalf("credit retry: %v", err)
	}
	if f.load(t, 2).Balance() != 30 {
		t.Fatalf("credit was applied twice")
	}
	rep, err = rec.RunOnce(ctx)
	if err != nil || rep.Scanned != 0 {
		t.Fatalf("outbox should be empty: %+v %v", rep, err)
	}
}

func TestReconcilerResolvesPendingIntents(t *testing.T) {
	f := newFixture(t, 100, 0)
	ctx := context.Background()
	base := Intent{
		Status:              StatusPending,
		SenderAccountID:     1,
		SenderCardNumber:    f.aliceNo,
		RecipientAccountID:  2,
		RecipientCardNumber: f.bobNo,
		Amount:              10,
		CreatedAt:           testNow.Add(-time.Hour),
		UpdatedAt:           testNow.Add(-time.Hour),
	}

	// debit landed but the process died before marking the intent
	landed := base
	landed.ID = "landed"
	if err := store.SetJSON(ctx, f.st, intentKey(landed.ID), landed); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := f.engine.debit(ctx, landed); err != nil {
		t.Fatalf("debit: %v", err)
	}

	// debit never happened
	lost := base
	lost.ID = "lost"
	if err := store.SetJSON(ctx, f.st, intentKey(lost.ID), lost); err != nil {
		t.Fatalf("set: %v", err)
	}

	// too recent to touch
	fresh := base
	fresh.ID = "fresh"
	fresh.UpdatedAt = testNow
	if err := store.SetJSON(ctx, f.st, intentKey(fresh.ID), fresh); err != nil {
		t.Fatalf("set: %v", err)
	}

	rep, err := NewReconciler(f.engine, time.Minute, nil, nil).RunOnce(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rep.Credited != 1 || rep.Dropped != 1 || rep.Waiting != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if f.load(t, 1).Balance() != 90 || f.load(t, 2).Balance() != 10 {
		t.Fatalf("balances alice=%v bob=%v", f.load(t, 1).Balance(), f.load(t, 2).Balance())
	}
	if _, err := f.engine.debit(ctx, lost); !errors.Is(err, ErrTransferCancelled) {
		t.Fatalf("late debit of a dropped transfer must be refused, got %v", err)
	}
	if left := f.outbox(t); len(left) != 1 || left[0].ID != "fresh" {
		t.Fatalf("unexpected outbox %+v", left)
	}
}

func TestConcurrentTransfersNeverOverdraw(t *testing.T) {
	f := newFixture(t, 100, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, aborted := 0, 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Transfer(ctx, Request{SenderAccountID: 1, SenderCardNumber: f.aliceNo, RecipientCardNumber: f.bobNo, Amount: 30})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrDebitAborted):
				aborted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 3 || aborted != 2 {
		t.Fatalf("ok=%d aborted=%d want 3 and 2", ok, aborted)
	}
	alice, bob := f.load(t, 1), f.load(t, 2)
	if alice.Balance() != 10 || bob.Balance() != 90 {
		t.Fatalf("balances alice=%v bob=%v", alice.Balance(), bob.Balance())
	}
}
