package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ggpay/internal/game"
)

func TestClientSendsAuthAndIdempotency(t *testing.T) {
	var gotAuth, gotIdem, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotIdem = r.Header.Get("Idempotency-Key")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user_id":9,"total_balance":12.5}`))
	}))
	defer srv.Close()

	out, err := NewClient(srv.URL+"/").Credit(context.Background(), "tok", 9, 12.5, "grant-9")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if gotAuth != "Bearer tok" || gotIdem != "grant-9" || gotPath != "/v1/admin/users/9/credit" {
		t.Fatalf("unexpected request: auth=%q idem=%q path=%q", gotAuth, gotIdem, gotPath)
	}
	if gotBody["amount"] != 12.5 || out["total_balance"] != 12.5 {
		t.Fatalf("unexpected payloads: sent=%v got=%v", gotBody, out)
	}
}

func TestClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"duplicate idempotency key"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Ban(context.Background(), "tok", 1, "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Message != "duplicate idempotency key" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
	if !IsAPIError(err) {
		t.Fatalf("IsAPIError should accept %v", err)
	}
}

func TestClientTransportErrorIsNotAPIError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	_, err := NewClient(url).Broadcast(context.Background(), "tok", "hi", "k")
	if err == nil || IsAPIError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestLeaderboardUsesInitData(t *testing.T) {
	var gotAuth, gotSort string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotSort = r.URL.Query().Get("sort")
		_, _ = w.Write([]byte(`{"rows":[{"rank":1,"user_id":3,"name":"Ada","balance":10}]}`))
	}))
	defer srv.Close()

	rows, err := NewClient(srv.URL).Leaderboard(context.Background(), "user=x&hash=y", game.SortByBoosts)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if gotAuth != "tma user=x&hash=y" || gotSort != "boosts" {
		t.Fatalf("unexpected request: auth=%q sort=%q", gotAuth, gotSort)
	}
	if len(rows) != 1 || rows[0].Name != "Ada" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	if _, err := LoadSession(); err == nil {
		t.Fatalf("expected error without a saved session")
	}
	want := Session{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour).UTC().Truncate(time.Second), APIBase: "http://x"}
	if err := SaveSession(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadSession()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.AccessToken != want.AccessToken || !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Fatalf("unexpected session: %+v", got)
	}

	if err := SaveSession(Session{AccessToken: "old", ExpiresAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := LoadSession(); err == nil {
		t.Fatalf("expected expired session to be refused")
	}
	if err := ClearSession(); err != nil {
		t.Fatalf("clear: %v", err)
	}
}
