package api

import (
	"errors"
	"net/http"
	"strings"

	"ggpay/internal/game"
	"ggpay/internal/session"
	"ggpay/internal/transfer"

	"github.com/go-chi/chi/v5"
)

// playerSession returns the caller's live session, opening it on first use.
// A banned account yields its session together with game.ErrAccountBanned.
func (s *Server) playerSession(r *http.Request) (*session.Session, error) {
	ident, err := playerFromContext(r.Context())
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Open(r.Context(), ident)
	if err != nil {
		return sess, err
	}
	sess.Start()
	return sess, nil
}

// activeSession is playerSession for gameplay endpoints: it writes the error
// response itself and returns nil when the caller cannot play.
func (s *Server) activeSession(w http.ResponseWriter, r *http.Request) *session.Session {
	if _, err := playerFromContext(r.Context()); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return nil
	}
	sess, err := s.playerSession(r)
	if err != nil {
		writeDomainError(w, err)
		return nil
	}
	return sess
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	if _, err := playerFromContext(r.Context()); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	sess, err := s.playerSession(r)
	if err != nil && !errors.Is(err, game.ErrAccountBanned) {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	ident, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err := s.sessions.Close(r.Context(), ident.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if _, err := playerFromContext(r.Context()); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	sess, err := s.playerSession(r)
	banned := errors.Is(err, game.ErrAccountBanned)
	if err != nil && !banned {
		writeDomainError(w, err)
		return
	}
	if r.URL.Query().Get("refresh") == "1" && !banned {
		if err := sess.Refresh(r.Context()); err != nil && !errors.Is(err, game.ErrAccountBanned) {
			writeDomainError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleTap(w http.ResponseWriter, r *http.Request) {
	var in struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess := s.activeSession(w, r)
	if sess == nil {
		return
	}
	if !s.allowTap(sess.ID()) {
		s.metrics.Tap("throttled")
		writeError(w, http.StatusTooManyRequests, "too many taps")
		return
	}
	out, err := sess.Tap(in.X, in.Y)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBoosts(w http.ResponseWriter, r *http.Request) {
	sess := s.activeSession(w, r)
	if sess == nil {
		return
	}
	v := sess.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"boosts": v.Boosts, "stats": v.Stats})
}

func (s *Server) handleBuyBoost(w http.ResponseWriter, r *http.Request) {
	sess := s.activeSession(w, r)
	if sess == nil {
		return
	}
	id := game.BoostID(strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "id"))))
	res, err := sess.Purchase(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Visible bool `json:"visible"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess := s.activeSession(w, r)
	if sess == nil {
		return
	}
	if err := sess.SetVisible(r.Context(), in.Visible); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleIssueCard(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string `json:"name"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	sess := s.activeSession(w, r)
	if sess == nil {
		return
	}
	card, err := sess.IssueCard(r.Context(), strings.TrimSpace(in.Name))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, card)
}

func (s *Server) handleRevealCard(w http.ResponseWriter, r *http.Request) {
	sess := s.activeSession(w, r)
	if sess == nil {
		return
	}
	card, err := sess.RevealCard(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var in struct {
		FromCard string  `json:"from_card"`
		ToCard   string  `json:"to_card"`
		Amount   float64 `json:"amount"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess := s.activeSession(w, r)
	if sess == nil {
		return
	}
	tx, err := sess.Transfer(r.Context(), in.FromCard, in.ToCard, in.Amount)
	if errors.Is(err, transfer.ErrPartialTransfer) {
		// debit is committed; the reconciler finishes the credit
		writeJSON(w, http.StatusAccepted, map[string]any{
			"transaction": tx,
			"status":      "credit_pending",
			"error":       err.Error(),
		})
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx, "status": "completed"})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	ident, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	by := game.LeaderboardSort(strings.TrimSpace(r.URL.Query().Get("sort")))
	switch by {
	case "":
		by = game.SortByBalance
	case game.SortByBalance, game.SortByBoosts:
	default:
		writeError(w, http.StatusBadRequest, "sort must be gg or boosts")
		return
	}
	if sess, ok := s.sessions.Get(ident.ID); ok {
		if err := sess.Flush(r.Context()); err != nil && !errors.Is(err, game.ErrAccountBanned) {
			s.log.Warn("flush before leaderboard failed", "user_id", ident.ID, "error", err)
		}
	}
	rows, err := s.repo.Leaderboard(r.Context(), by, ident.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sort": by, "rows": rows})
}

func (s *Server) handleLatestNotification(w http.ResponseWriter, r *http.Request) {
	n, err := s.repo.LatestNotification(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notification": n})
}

func (s *Server) handleRequestVerification(w http.ResponseWriter, r *http.Request) {
	sess := s.activeSession(w, r)
	if sess == nil {
		return
	}
	req, err := sess.RequestVerification(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}
