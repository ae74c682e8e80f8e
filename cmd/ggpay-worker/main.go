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
	"ggpay/internal/config"
	"ggpay/internal/logging"
	"ggpay/internal/metrics"
	"ggpay/internal/store"
	"ggpay/internal/transfer"

	"github.com/go-chi/chi/v5"
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
	cfg, err := config.LoadWorkerFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, "ggpay-worker")
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
	reconciler := transfer.NewReconciler(transfer.NewEngine(repo, logger, m), cfg.TransferGrace, logger, m)

	if cfg.RunOnce {
		if err := runPass(ctx, logger, repo, reconciler, cfg.CardIndexTTL); err != nil {
			logger.Error("pass failed", "err", err)
			os.Exit(1)
		}
		logger.Info("worker run-once completed")
		return
	}

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsRouter(registry),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
		go func() {
			logger.Info("worker metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	logger.Info("worker started", "interval", cfg.Interval.String(), "store", cfg.Store.Backend)
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutdown")
			return
		case <-ticker.C:
			if err := runPass(ctx, logger, repo, reconciler, cfg.CardIndexTTL); err != nil {
				logger.Error("pass failed", "err", err)
			}
		}
	}
}

func metricsRouter(registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler(registry))
	return r
}

// runPass finishes interrupted transfers, then drops card index entries
// whose card never reached an account.
func runPass(ctx context.Context, logger *slog.Logger, repo *account.Repository, reconciler *transfer.Reconciler, cardGrace time.Duration) error {
	rep, err := reconciler.RunOnce(ctx)
	if err != nil {
		return err
	}
	swept, err := repo.SweepCardIndex(ctx, cardGrace, time.Now())
	if err != nil {
		return err
	}
	if rep.Scanned > 0 || swept > 0 {
		logger.Info("worker pass complete",
			"scanned", rep.Scanned,
			"credited", rep.Credited,
			"dropped", rep.Dropped,
			"waiting", rep.Waiting,
			"failed", rep.Failed,
			"card_index_swept", swept,
		)
	}
	return nil
}
