package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

type contextKey string

const playerContextKey contextKey = "player"

type Deps struct {
	Repo     *account.Repository
	Sessions *session.Manager
	Admin    *admin.Service
	Keys     *auth.KeyVerifier
	Tokens   *auth.TokenIssuer
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Now      func() time.Time
}

type Server struct {
	cfg      config.APIConfig
	log      *slog.Logger
	repo     *account.Repository
	sessions *session.Manager
	admin    *admin.Service
	keys     *auth.KeyVerifier
	tokens   *auth.TokenIssuer
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	now      func() time.Time
	mux      *chi.Mux

	limMu    sync.Mutex
	limiters map[int64]*rate.Limiter
}

func New(cfg config.APIConfig, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{
		cfg:      cfg,
		log:      logger,
		repo:     deps.Repo,
		sessions: deps.Sessions,
		admin:    deps.Admin,
		keys:     deps.Keys,
		tokens:   deps.Tokens,
		metrics:  deps.Metrics,
		registry: deps.Registry,
		now:      deps.Now,
		mux:      chi.NewRouter(),
		limiters: make(map[int64]*rate.Limiter),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)
	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	r.Use(middleware.Timeout(timeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.registry))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.playerMiddleware)
			r.Post("/session", s.handleOpenSession)
			r.Delete("/session", s.handleCloseSession)
			r.Get("/state", s.handleState)
			r.Post("/tap", s.handleTap)
			r.Get("/boosts", s.handleBoosts)
			r.Post("/boosts/{id}/buy", s.handleBuyBoost)
			r.Post("/visibility", s.handleVisibility)
			r.Post("/cards", s.handleIssueCard)
			r.Post("/cards/{id}/reveal", s.handleRevealCard)
			r.Post("/transfers", s.handleTransfer)
			r.Get("/leaderboard", s.handleLeaderboard)
			r.Get("/notifications/latest", s.handleLatestNotification)
			r.Post("/verification", s.handleRequestVerification)
		})

		r.Post("/admin/login", s.handleAdminLogin)
		r.Group(func(r chi.Router) {
			r.Use(s.adminMiddleware)
			r.Get("/admin/users/{id}", s.handleAdminPlayer)
			r.Post("/admin/users/{id}/ban", s.handleAdminBan)
			r.Post("/admin/users/{id}/unban", s.handleAdminUnban)
			r.Post("/admin/users/{id}/credit", s.handleAdminCredit)
			r.Get("/admin/boosts", s.handleAdminBoosts)
			r.Put("/admin/boosts", s.handleAdminUpdateBoosts)
			r.Get("/admin/settings", s.handleAdminSettings)
			r.Put("/admin/settings", s.handleAdminUpdateSettings)
			r.Post("/admin/notifications", s.handleAdminBroadcast)
			r.Get("/admin/verifications", s.handleAdminVerifications)
			r.Post("/admin/verifications/{id}/approve", s.handleAdminApprove)
			r.Post("/admin/verifications/{id}/reject", s.handleAdminReject)
		})
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.Request(r.Method, path, status, time.Since(start))
	})
}

// playerMiddleware authenticates Telegram Mini App requests carrying
// "Authorization: tma <initData>".
func (s *Server) playerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		initData := tmaInitData(r.Header.Get("Authorization"))
		if initData == "" {
			writeError(w, http.StatusUnauthorized, "missing init data")
			return
		}
		ident, err := auth.VerifyInitData(initData, s.cfg.BotToken, s.cfg.InitDataMaxAge, s.now())
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), playerContextKey, ident)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.tokens.Parse(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

func playerFromContext(ctx context.Context) (game.Identity, error) {
	ident, ok := ctx.Value(playerContextKey).(game.Identity)
	if !ok || ident.ID == 0 {
		return game.Identity{}, errors.New("player missing from context")
	}
	return ident, nil
}

// allowTap reports whether the player is within the tap rate limit.
func (s *Server) allowTap(userID int64) bool {
	if s.cfg.TapsPerSecond <= 0 {
		return true
	}
	s.limMu.Lock()
	lim, ok := s.limiters[userID]
	if !ok {
		burst := s.cfg.TapBurst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(s.cfg.TapsPerSecond), burst)
		s.limiters[userID] = lim
	}
	s.limMu.Unlock()
	return lim.Allow()
}

// RunReaper closes idle sessions until ctx is done.
func (s *Server) RunReaper(ctx context.Context) {
	idle := s.cfg.SessionIdle
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapIdle(ctx)
		}
	}
}

func (s *Server) reapIdle(ctx context.Context) int {
	n := s.sessions.ReapIdle(ctx, s.cfg.SessionIdle)
	s.limMu.Lock()
	for id := range s.limiters {
		if _, ok := s.sessions.Get(id); !ok {
			delete(s.limiters, id)
		}
	}
	s.limMu.Unlock()
	if n > 0 {
		s.log.Info("idle sessions closed", "count", n)
	}
	return n
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transfer.ErrPartialTransfer):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, account.ErrDuplicateIdempotency):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, game.ErrInsufficientFunds), errors.Is(err, transfer.ErrDebitAborted):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, transfer.ErrInvalidAmount), errors.Is(err, transfer.ErrSelfTransfer),
		errors.Is(err, admin.ErrInvalidAmount), errors.Is(err, admin.ErrEmptyMessage),
		errors.Is(err, admin.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, game.ErrAccountBanned), errors.Is(err, auth.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, game.ErrInvalidBoost), errors.Is(err, game.ErrCardNotFound),
		errors.Is(err, transfer.ErrRecipientNotFound), errors.Is(err, account.ErrAccountNotFound),
		errors.Is(err, account.ErrVerificationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, game.ErrMaxLevelReached), errors.Is(err, game.ErrCardLimit),
		errors.Is(err, game.ErrVerificationPending), errors.Is(err, game.ErrAlreadyVerified),
		errors.Is(err, transfer.ErrTransferCancelled), errors.Is(err, session.ErrSessionClosed),
		errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func idempotencyKey(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		return key
	}
	return uuid.NewString()
}

func bearerToken(header string) string {
	return authParam(header, "Bearer")
}

func tmaInitData(header string) string {
	return authParam(header, "tma")
}

func authParam(header, scheme string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], scheme) {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
