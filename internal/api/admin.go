package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ggpay/internal/auth"
	"ggpay/internal/game"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Key string `json:"key"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.keys == nil || s.tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "admin access is not configured")
		return
	}
	if err := s.keys.Verify(in.Key); err != nil {
		s.log.Warn("admin login rejected", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	token, exp, err := s.tokens.Issue(auth.RoleAdmin)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"expires_at":   exp.UTC().Format(time.RFC3339),
	})
}

func userIDParam(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid user id")
	}
	return id, nil
}

func (s *Server) handleAdminPlayer(w http.ResponseWriter, r *http.Request) {
	id, err := userIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := s.admin.Player(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleAdminBan(w http.ResponseWriter, r *http.Request) {
	s.handleAdminSetBan(w, r, true)
}

func (s *Server) handleAdminUnban(w http.ResponseWriter, r *http.Request) {
	s.handleAdminSetBan(w, r, false)
}

func (s *Server) handleAdminSetBan(w http.ResponseWriter, r *http.Request, banned bool) {
	id, err := userIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var acct *game.Account
	if banned {
		acct, err = s.admin.Ban(r.Context(), id)
	} else {
		acct, err = s.admin.Unban(r.Context(), id)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": acct.ID, "is_banned": acct.IsBanned})
}

func (s *Server) handleAdminCredit(w http.ResponseWriter, r *http.Request) {
	id, err := userIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in struct {
		Amount float64 `json:"amount"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := s.admin.Credit(r.Context(), id, in.Amount, idempotencyKey(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": acct.ID, "total_balance": acct.TotalBalance})
}

func (s *Server) handleAdminBoosts(w http.ResponseWriter, r *http.Request) {
	cfgs, err := s.admin.Boosts(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"boosts": cfgs})
}

func (s *Server) handleAdminUpdateBoosts(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Boosts []game.BoostConfig `json:"boosts"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.admin.UpdateBoosts(r.Context(), in.Boosts); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"boosts": in.Boosts})
}

func (s *Server) handleAdminSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.admin.Settings(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleAdminUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var in game.Settings
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.admin.UpdateSettings(r.Context(), in); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleAdminBroadcast(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.admin.Broadcast(r.Context(), in.Message, strings.TrimSpace(r.Header.Get("Idempotency-Key")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleAdminVerifications(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.admin.PendingVerifications(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

func (s *Server) handleAdminApprove(w http.ResponseWriter, r *http.Request) {
	s.handleAdminDecide(w, r, true)
}

func (s *Server) handleAdminReject(w http.ResponseWriter, r *http.Request) {
	s.handleAdminDecide(w, r, false)
}

func (s *Server) handleAdminDecide(w http.ResponseWriter, r *http.Request, approve bool) {
	id, err := userIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req game.VerificationRequest
	if approve {
		req, err = s.admin.ApproveVerification(r.Context(), id)
	} else {
		req, err = s.admin.RejectVerification(r.Context(), id)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
