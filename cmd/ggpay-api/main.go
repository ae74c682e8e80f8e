package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ggpay/internal/account"
	"ggpay/internal/admin"
	"ggpay/internal/api"
	"ggpay/internal/auth"
	"ggpay/internal/config"
	"ggpay/internal/logging"
	"ggpay/internal/metrics"
	"ggpay/internal/session"
	"ggpay/internal/store"
	"ggpay/internal/transfer"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(); err != nil {
		slog.Error("load .env", "err", err)
		os.Exit(1)
	}
	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, "ggpay-api")
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		logger.Error("store open failed", "backend", cfg.Store.Backend, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	repo := account.NewRepository(st, logger)
	engine := transfer.NewEngine(repo, logger, m)
	sessions := session.NewManager(repo, engine, logger, m, session.Options{
		Debounce:   cfg.SaveDebounce,
		TickEvery:  cfg.TickEvery,
		FlushEvery: cfg.FlushEvery,
	})

	var keys *auth.KeyVerifier
	if cfg.AdminKeyHash != "" {
		keys = auth.NewKeyVerifier(cfg.AdminKeyHash)
	} else {
		logger.Warn("GGPAY_ADMIN_KEY_HASH not set, admin login disabled")
	}

	server := api.New(cfg, logger, api.Deps{
		Repo:     repo,
		Sessions: sessions,
		Admin:    admin.NewService(repo, auth.RoleAuthorizer{}, sessions, logger),
		Keys:     keys,
		Tokens:   auth.NewTokenIssuer([]byte(cfg.JWTSecret), cfg.AdminTokenTTL),
		Metrics:  m,
		Registry: registry,
	})
	go server.RunReaper(ctx)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		sessions.CloseAll(shutdownCtx)
	}()

	logger.Info("ggpay api listening", "addr", cfg.Addr, "store", cfg.Store.Backend)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
	<-shutdownDone
}
