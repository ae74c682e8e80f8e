package transfer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"ggpay/internal/game"
	"ggpay/internal/metrics"
)

// Report counts what one reconciler pass did.
type Report struct {
	Scanned  int `json:"scanned"`
	Credited int `json:"credited"`
	Dropped  int `json:"dropped"`
	Waiting  int `json:"waiting"`
	Failed   int `json:"failed"`
}

// Reconciler finishes transfers an interrupted Engine left in the outbox.
type Reconciler struct {
	engine  *Engine
	logger  *slog.Logger
	metrics *metrics.Metrics
	grace   time.Duration
}

// NewReconciler builds a reconciler. Pending intents younger than grace are
// left alone because their transfer may still be running.
func NewReconciler(engine *Engine, grace time.Duration, logger *slog.Logger, m *metrics.Metrics) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if grace <= 0 {
		grace = time.Minute
	}
	return &Reconciler{engine: engine, logger: logger, metrics: m, grace: grace}
}

func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	entries, err := r.engine.repo.Store().List(ctx, colOutbox)
	if err != nil {
		return rep, err
	}
	now := r.engine.now()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		var in Intent
		if err := json.Unmarshal(e.Value, &in); err != nil {
			r.logger.Error("unreadable transfer intent", "key", e.Key, "error", err)
			rep.Failed++
			continue
		}
		rep.Scanned++
		switch in.Status {
		case StatusDebited:
			r.finish(ctx, in, &rep)
		case StatusPending:
			if now.Sub(in.UpdatedAt) < r.grace {
				rep.Waiting++
				continue
			}
			debited, err := r.resolvePending(ctx, in)
			if err != nil {
				r.logger.Error("resolve pending transfer failed", "transfer_id", in.ID, "error", err)
				rep.Failed++
				continue
			}
			if debited {
				r.finish(ctx, in, &rep)
				continue
			}
			r.engine.dropIntent(ctx, in.ID)
			r.metrics.Reconciled("dropped")
			r.logger.Info("dropped transfer that never debited", "transfer_id", in.ID)
			rep.Dropped++
		default:
			r.logger.Warn("transfer intent with unknown status", "transfer_id", in.ID, "status", in.Status)
			rep.Failed++
		}
	}
	return rep, nil
}

func (r *Reconciler) finish(ctx context.Context, in Intent, rep *Report) {
	if err := r.engine.credit(ctx, in); err != nil {
		r.logger.Error("reconcile credit failed", "transfer_id", in.ID, "recipient_account_id", in.RecipientAccountID, "error", err)
		rep.Failed++
		return
	}
	r.engine.dropIntent(ctx, in.ID)
	r.metrics.Reconciled("credited")
	r.logger.Info("completed interrupted transfer", "transfer_id", in.ID, "amount", in.Amount)
	rep.Credited++
}

// resolvePending decides atomically on the sender's record whether the debit
// landed. If it did not, a cancel marker is written so a debit still in
// flight can no longer apply.
func (r *Reconciler) resolvePending(ctx context.Context, in Intent) (bool, error) {
	debited := false
	_, err := r.engine.repo.Mutate(ctx, in.SenderAccountID, func(a *game.Account) error {
		debited = a.HasAppliedTransfer(sentMarker(in.ID))
		if !debited {
			a.MarkTransferApplied(cancelMarker(in.ID))
		}
		return nil
	})
	return debited, err
}
