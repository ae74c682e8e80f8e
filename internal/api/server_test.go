package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"ggpay/internal/account"
	"ggpay/internal/admin"
	"ggpay/internal/auth"
	"ggpay/internal/config"
	"ggpay/internal/game"
	"ggpay/internal/metrics"
	"ggpay/internal/session"
	"ggpay/internal/store"
	"ggpay/internal/transfer"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	testBotToken = "4242:api-test"
	testAdminKey = "let-me-in"
)

var testNow = time.Date(2026, time.June, 1, 9, 0, 0, 0, time.UTC)

type constRand float64

func (r constRand) Float64() float64 { return float64(r) }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testServer struct {
	srv   *Server
	repo  *account.Repository
	mgr   *session.Manager
	clock *testClock
}

func newTestServer(t *testing.T, mutate func(*config.APIConfig)) *testServer {
	t.Helper()
	tc := &testClock{now: testNow}
	clock := tc.Now
	cfg := config.APIConfig{
		BotToken:       testBotToken,
		InitDataMaxAge: time.Hour,
		SessionIdle:    time.Minute,
		TapsPerSecond:  1000,
		TapBurst:       1000,
		RequestTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	repo := account.NewRepository(store.NewMemory(), nil)
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	engine := transfer.NewEngine(repo, nil, m).WithClock(clock)
	mgr := session.NewManager(repo, engine, nil, m, session.Options{
		Debounce:  time.Hour,
		TickEvery: time.Hour,
		Now:       clock,
		Rand:      constRand(0.99),
	})
	t.Cleanup(func() { mgr.CloseAll(context.Background()) })

	hash, err := auth.HashKey(testAdminKey)
	if err != nil {
		t.Fatalf("hash key: %v", err)
	}
	srv := New(cfg, nil, Deps{
		Repo:     repo,
		Sessions: mgr,
		Admin:    admin.NewService(repo, auth.RoleAuthorizer{}, mgr, nil).WithClock(clock),
		Keys:     auth.NewKeyVerifier(hash),
		Tokens:   auth.NewTokenIssuer([]byte("jwt-test-secret"), time.Hour).WithClock(clock),
		Metrics:  m,
		Registry: registry,
		Now:      clock,
	})
	return &testServer{srv: srv, repo: repo, mgr: mgr, clock: tc}
}

func tma(id int64, name string) string {
	vals := url.Values{}
	vals.Set("auth_date", strconv.FormatInt(testNow.Add(-time.Minute).Unix(), 10))
	vals.Set("user", fmt.Sprintf(`{"id":%d,"first_name":%q}`, id, name))
	vals.Set("hash", auth.SignInitData(vals, testBotToken))
	return "tma " + vals.Encode()
}

func (ts *testServer) do(t *testing.T, method, path, authz string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func (ts *testServer) adminToken(t *testing.T) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/v1/admin/login", "", map[string]string{"key": testAdminKey})
	expectStatus(t, rec, http.StatusOK)
	out := decodeBody[map[string]string](t, rec)
	if out["access_token"] == "" {
		t.Fatalf("missing access token: %v", out)
	}
	return "Bearer " + out["access_token"]
}

func (ts *testServer) seed(t *testing.T, id int64, balance float64) {
	t.Helper()
	ctx := context.Background()
	if _, err := ts.repo.Create(ctx, game.Identity{ID: id, FirstName: "P"}, game.NewCatalog(game.DefaultBoosts()), game.DefaultSettings(), testNow); err != nil {
		t.Fatalf("create %d: %v", id, err)
	}
	if _, err := ts.repo.Mutate(ctx, id, func(a *game.Account) error {
		a.Cards[0].Balance = balance
		return nil
	}); err != nil {
		t.Fatalf("seed %d: %v", id, err)
	}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestPlayerAuth(t *testing.T) {
	ts := newTestServer(t, nil)
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Bearer abc", http.StatusUnauthorized},
		{"bad signature", strings.Replace(tma(1, "Ada"), "hash=", "hash=00", 1), http.StatusUnauthorized},
		{"valid", tma(1, "Ada"), http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/session", tc.header, nil)
			expectStatus(t, rec, tc.want)
		})
	}
}

func TestOpenSessionAndTap(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/v1/session", tma(5, "Ada"), nil)
	expectStatus(t, rec, http.StatusOK)
	view := decodeBody[session.View](t, rec)
	if view.Account == nil || view.Account.ID != 5 || len(view.Account.Cards) != 1 {
		t.Fatalf("unexpected view: %+v", view.Account)
	}
	if view.Profile.Name != "Ada" {
		t.Fatalf("expected profile name Ada, got %q", view.Profile.Name)
	}
	energy := view.Account.Energy

	rec = ts.do(t, http.MethodPost, "/v1/tap", tma(5, "Ada"), map[string]float64{"x": 10, "y": 20})
	expectStatus(t, rec, http.StatusOK)
	out := decodeBody[game.TapOutcome](t, rec)
	if !out.Accepted || out.Free || out.Critical {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if !near(out.Energy, energy-1) {
		t.Fatalf("expected energy %v, got %v", energy-1, out.Energy)
	}

	rec = ts.do(t, http.MethodGet, "/v1/state", tma(5, "Ada"), nil)
	expectStatus(t, rec, http.StatusOK)
	view = decodeBody[session.View](t, rec)
	if len(view.Floating) != 1 {
		t.Fatalf("expected one floating value, got %d", len(view.Floating))
	}
}

func TestTapRateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.APIConfig) {
		c.TapsPerSecond = 0.001
		c.TapBurst = 2
	})
	for i := 0; i < 2; i++ {
		expectStatus(t, ts.do(t, http.MethodPost, "/v1/tap", tma(6, "Bo"), map[string]float64{"x": 1, "y": 1}), http.StatusOK)
	}
	expectStatus(t, ts.do(t, http.MethodPost, "/v1/tap", tma(6, "Bo"), map[string]float64{"x": 1, "y": 1}), http.StatusTooManyRequests)
}

func TestBoostErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	player := tma(7, "Cy")
	expectStatus(t, ts.do(t, http.MethodPost, "/v1/boosts/multitap/buy", player, nil), http.StatusBadRequest)
	expectStatus(t, ts.do(t, http.MethodPost, "/v1/boosts/nope/buy", player, nil), http.StatusNotFound)

	rec := ts.do(t, http.MethodGet, "/v1/boosts", player, nil)
	expectStatus(t, rec, http.StatusOK)
	out := decodeBody[struct {
		Boosts []game.BoostView `json:"boosts"`
	}](t, rec)
	if len(out.Boosts) != len(game.DefaultBoosts()) {
		t.Fatalf("expected %d boosts, got %d", len(game.DefaultBoosts()), len(out.Boosts))
	}
}

func TestBuyBoostPersists(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seed(t, 8, 100)
	player := tma(8, "Di")
	rec := ts.do(t, http.MethodPost, "/v1/boosts/multitap/buy", player, nil)
	expectStatus(t, rec, http.StatusOK)
	res := decodeBody[game.PurchaseResult](t, rec)
	if res.Level != 1 || !near(res.Balance, 90) {
		t.Fatalf("unexpected purchase: %+v", res)
	}
	expectStatus(t, ts.do(t, http.MethodDelete, "/v1/session", player, nil), http.StatusOK)
	a, err := ts.repo.Load(context.Background(), 8)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if a.Level(game.BoostMultitap) != 1 || !near(a.Balance(), 90) {
		t.Fatalf("purchase not persisted: level=%d balance=%v", a.Level(game.BoostMultitap), a.Balance())
	}
}

func TestTransferBetweenPlayers(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seed(t, 10, 100)
	ts.seed(t, 11, 0)
	from := tma(10, "Eve")
	to := tma(11, "Fin")

	sender := decodeBody[session.View](t, ts.do(t, http.MethodPost, "/v1/session", from, nil))
	recipient := decodeBody[session.View](t, ts.do(t, http.MethodPost, "/v1/session", to, nil))
	fromCard := sender.Account.Cards[0].CardNumber
	toCard := recipient.Account.Cards[0].CardNumber

	rec := ts.do(t, http.MethodPost, "/v1/transfers", from, map[string]any{"from_card": fromCard, "to_card": toCard, "amount": 40})
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[map[string]any](t, rec)["status"]; got != "completed" {
		t.Fatalf("expected completed, got %v", got)
	}

	rec = ts.do(t, http.MethodGet, "/v1/state?refresh=1", to, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[session.View](t, rec).Account.Balance(); !near(got, 40) {
		t.Fatalf("expected recipient balance 40, got %v", got)
	}

	rec = ts.do(t, http.MethodPost, "/v1/transfers", from, map[string]any{"from_card": fromCard, "to_card": fromCard, "amount": 1})
	expectStatus(t, rec, http.StatusBadRequest)
	rec = ts.do(t, http.MethodPost, "/v1/transfers", from, map[string]any{"from_card": fromCard, "to_card": "4000000000000000", "amount": 1})
	expectStatus(t, rec, http.StatusNotFound)
	rec = ts.do(t, http.MethodPost, "/v1/transfers", from, map[string]any{"from_card": fromCard, "to_card": toCard, "amount": 1000})
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestAdminRequiresToken(t *testing.T) {
	ts := newTestServer(t, nil)
	expectStatus(t, ts.do(t, http.MethodPost, "/v1/admin/login", "", map[string]string{"key": "wrong"}), http.StatusUnauthorized)
	expectStatus(t, ts.do(t, http.MethodGet, "/v1/admin/settings", "", nil), http.StatusUnauthorized)
	expectStatus(t, ts.do(t, http.MethodGet, "/v1/admin/settings", "Bearer junk", nil), http.StatusUnauthorized)
	expectStatus(t, ts.do(t, http.MethodGet, "/v1/admin/settings", tma(1, "Ada"), nil), http.StatusUnauthorized)
}

func TestAdminCreditAndBan(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.adminToken(t)
	player := tma(20, "Gus")
	expectStatus(t, ts.do(t, http.MethodPost, "/v1/session", player, nil), http.StatusOK)

	rec := ts.do(t, http.MethodPost, "/v1/admin/users/20/credit", token, map[string]float64{"amount": 100}, "Idempotency-Key", "grant-1")
	expectStatus(t, rec, http.StatusOK)
	rec = ts.do(t, http.MethodPost, "/v1/admin/users/20/credit", token, map[string]float64{"amount": 100}, "Idempotency-Key", "grant-1")
	expectStatus(t, rec, http.StatusConflict)
	expectStatus(t, ts.do(t, http.MethodPost, "/v1/admin/users/20/credit", token, map[string]float64{"amount": 0}), http.StatusBadRequest)
	expectStatus(t, ts.do(t, http.MethodPost, "/v1/admin/users/abc/credit", token, map[string]float64{"amount": 1}), http.StatusBadRequest)
	expectStatus(t, ts.do(t, http.MethodGet, "/v1/admin/users/999", token, nil), http.StatusNotFound)

	rec = ts.do(t, http.MethodGet, "/v1/state?refresh=1", player, nil)
	expectStatus(t, rec, http.StatusOK)
	want := 100 + game.DefaultSettings().StarterCardBalance
	if got := decodeBody[session.View](t, rec).Account.Balance(); !near(got, want) {
		t.Fatalf("expected balance %v, got %v", want, got)
	}

	expectStatus(t, ts.do(t, http.MethodPost, "/v1/admin/users/20/ban", token, nil), http.StatusOK)
	expectStatus(t, ts.do(t, http.MethodPost, "/v1/tap", player, map[string]float64{"x": 1, "y": 1}), http.StatusForbidden)
	rec = ts.do(t, http.MethodGet, "/v1/state", player, nil)
	expectStatus(t, rec, http.StatusOK)
	if !decodeBody[session.View](t, rec).Banned {
		t.Fatalf("expected banned view")
	}

	expectStatus(t, ts.do(t, http.MethodPost, "/v1/admin/users/20/unban", token, nil), http.StatusOK)
	expectStatus(t, ts.do(t, http.MethodPost, "/v1/tap", player, map[string]float64{"x": 1, "y": 1}), http.StatusOK)
}

func TestAdminConfigAndBroadcast(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.adminToken(t)
	player := tma(30, "Hal")

	rec := ts.do(t, http.MethodGet, "/v1/notifications/latest", player, nil)
	expectStatus(t, rec, http.StatusOK)
	if n := decodeBody[map[string]any](t, rec)["notification"]; n != nil {
		t.Fatalf("expected no notification, got %v", n)
	}
	expectStatus(t, ts.do(t, http.MethodPost, "/v1/admin/notifications", token, map[string]string{"message": " "}), http.StatusBadRequest)
	expectStatus(t, ts.do(t, http.MethodPost, "/v1/admin/notifications", token, map[string]string{"message": "double taps today"}), http.StatusCreated)
	rec = ts.do(t, http.MethodGet, "/v1/notifications/latest", player, nil)
	out := decodeBody[struct {
		Notification *game.Notification `json:"notification"`
	}](t, rec)
	if out.Notification == nil || out.Notification.Message != "double taps today" {
		t.Fatalf("unexpected notification: %+v", out.Notification)
	}

	settings := game.DefaultSettings()
	settings.MaxCards = 5
	expectStatus(t, ts.do(t, http.MethodPut, "/v1/admin/settings", token, settings), http.StatusOK)
	bad := settings
	bad.MaxCards = 0
	expectStatus(t, ts.do(t, http.MethodPut, "/v1/admin/settings", token, bad), http.StatusBadRequest)
	rec = ts.do(t, http.MethodGet, "/v1/admin/settings", token, nil)
	if got := decodeBody[game.Settings](t, rec).MaxCards; got != 5 {
		t.Fatalf("expected max cards 5, got %d", got)
	}

	boosts := game.DefaultBoosts()
	boosts[0].CostFormula = "floor(10 * (2.5 **"
	expectStatus(t, ts.do(t, http.MethodPut, "/v1/admin/boosts", token, map[string]any{"boosts": boosts}), http.StatusBadRequest)
}

func TestLeaderboard(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seed(t, 40, 500)
	ts.seed(t, 41, 50)
	player := tma(41, "Ivy")
	expectStatus(t, ts.do(t, http.MethodGet, "/v1/leaderboard?sort=height", player, nil), http.StatusBadRequest)

	rec := ts.do(t, http.MethodGet, "/v1/leaderboard", player, nil)
	expectStatus(t, rec, http.StatusOK)
	out := decodeBody[struct {
		Rows []game.LeaderboardRow `json:"rows"`
	}](t, rec)
	if len(out.Rows) != 2 || out.Rows[0].UserID != 40 || out.Rows[0].Rank != 1 {
		t.Fatalf("unexpected leaderboard: %+v", out.Rows)
	}
	if !out.Rows[1].IsCurrentUser {
		t.Fatalf("expected second row to be the caller")
	}
}

func TestVerificationFlow(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seed(t, 50, game.DefaultSettings().VerificationCost+10)
	token := ts.adminToken(t)
	player := tma(50, "Jo")

	expectStatus(t, ts.do(t, http.MethodPost, "/v1/verification", player, nil), http.StatusCreated)
	expectStatus(t, ts.do(t, http.MethodPost, "/v1/verification", player, nil), http.StatusConflict)

	rec := ts.do(t, http.MethodGet, "/v1/admin/verifications", token, nil)
	out := decodeBody[struct {
		Requests []game.VerificationRequest `json:"requests"`
	}](t, rec)
	if len(out.Requests) != 1 {
		t.Fatalf("expected one pending request, got %d", len(out.Requests))
	}
	expectStatus(t, ts.do(t, http.MethodPost, "/v1/admin/verifications/50/approve", token, nil), http.StatusOK)
	expectStatus(t, ts.do(t, http.MethodPost, "/v1/admin/verifications/51/approve", token, nil), http.StatusNotFound)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)
	expectStatus(t, ts.do(t, http.MethodGet, "/healthz", "", nil), http.StatusOK)
	rec := ts.do(t, http.MethodGet, "/metrics", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "http_requests_total") {
		t.Fatalf("expected request counter in metrics output")
	}
}

func TestReapIdleDropsLimiters(t *testing.T) {
	ts := newTestServer(t, nil)
	expectStatus(t, ts.do(t, http.MethodPost, "/v1/tap", tma(60, "Kay"), map[string]float64{"x": 1, "y": 1}), http.StatusOK)
	if n := ts.srv.reapIdle(context.Background()); n != 0 {
		t.Fatalf("expected nothing reaped yet, got %d", n)
	}
	ts.clock.Advance(2 * time.Minute)
	if n := ts.srv.reapIdle(context.Background()); n != 1 {
		t.Fatalf("expected one reaped session, got %d", n)
	}
	if _, ok := ts.mgr.Get(60); ok {
		t.Fatalf("session still live")
	}
	if len(ts.srv.limiters) != 0 {
		t.Fatalf("expected limiters to be pruned")
	}
}
