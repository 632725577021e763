// Package retention runs the background sweep that moves overdue pending
// tokens to expired and prunes old audit rows. Token expiry is otherwise
// lazy; the sweep exists so stale rows do not accumulate forever and so
// expiry shows up in the audit trail near the deadline rather than at the
// next unrelated read.
package retention

import (
	"context"
	"time"

	"github.com/parchmint/countersign/logger"
)

// Store defines the database operations required by the sweep.
// This allows for mocking in tests.
type Store interface {
	ExpireStaleTokens(ctx context.Context) (int64, error)
	PruneAuditOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

type Worker struct {
	store          Store
	interval       time.Duration
	auditRetention time.Duration // zero keeps audit rows forever
	stopCh         chan struct{}
}

func New(store Store, interval, auditRetention time.Duration) *Worker {
	return &Worker{
		store:          store,
		interval:       interval,
		auditRetention: auditRetention,
		stopCh:         make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) {
	interval := w.interval

	const minAllowedInterval = time.Minute
	if interval < minAllowedInterval {
		logger.Warn("Retention sweep interval below minimum, clamping", "interval", interval, "minimum", minAllowedInterval)
		interval = minAllowedInterval
	}

	logger.Info("Retention worker starting", "interval", interval, "audit_retention", w.auditRetention)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("Retention worker stopped due to context cancellation")
				return
			case <-w.stopCh:
				logger.Info("Retention worker stopped")
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
}

// Stop signals the retention worker to stop
func (w *Worker) Stop() {
	close(w.stopCh)
}

// RunOnce performs a single sweep. Errors are logged and the next tick
// retries; a failed sweep never blocks the workflow itself.
func (w *Worker) RunOnce(ctx context.Context) {
	expired, err := w.store.ExpireStaleTokens(ctx)
	if err != nil {
		logger.Error("Retention sweep failed to expire stale tokens", "error", err)
	} else if expired > 0 {
		logger.Info("Retention sweep expired stale tokens", "count", expired)
	}

	if w.auditRetention > 0 {
		pruned, err := w.store.PruneAuditOlderThan(ctx, w.auditRetention)
		if err != nil {
			logger.Error("Retention sweep failed to prune audit rows", "error", err)
		} else if pruned > 0 {
			logger.Info("Retention sweep pruned audit rows", "count", pruned, "older_than", w.auditRetention)
		}
	}
}
