// Package reconcile runs the periodic broker-truth reconciliation loop
// (spec.md §4.8): for each running instance, pull the broker's own
// open-order set and replace local state with it, serialized against
// that instance's own bar processing via the per-symbol lock (spec.md
// §4.7). Grounded on the teacher's OrderManager.MonitorOrders ticker
// loop (internal/execution/order_manager.go), generalized from "refresh
// order status" to "replace local truth wholesale."
package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/metrics"
	"github.com/atlas-desktop/trading-backend/internal/symlock"
)

// Instance is the subset of engine.Engine the reconciler depends on.
type Instance interface {
	Symbol() string
	Reconcile(ctx context.Context) error
}

// Registry supplies the set of currently-running instances to reconcile.
// The orchestrator's instance table satisfies this.
type Registry interface {
	Instances() []Instance
}

const defaultInterval = 30 * time.Second

// Reconciler polls Registry on a ticker and reconciles each instance in
// turn, one at a time per symbol under symlock.SymbolLock. Each
// reconcile is itself run through a symlock.RetryQueue (spec.md §4.7
// "exponential-backoff retry queue"), since a broker-truth pull is a
// read with no submission side-effects and safe to retry blind.
type Reconciler struct {
	registry Registry
	lock     *symlock.SymbolLock
	retry    *symlock.RetryQueue
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Registry
}

// New builds a Reconciler. A non-positive interval defaults to 30s.
func New(registry Registry, lock *symlock.SymbolLock, interval time.Duration, logger *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reconciler{
		registry: registry,
		lock:     lock,
		retry:    symlock.NewRetryQueue(50*time.Millisecond, 3),
		interval: interval,
		logger:   logger,
	}
}

// WithMetrics attaches a metrics.Registry so retry attempts are counted
// per symbol. Optional: a Reconciler with no registry attached simply
// skips instrumentation.
func (r *Reconciler) WithMetrics(reg *metrics.Registry) *Reconciler {
	r.metrics = reg
	return r
}

// Run blocks, reconciling every instance on each tick, until ctx is
// cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcileAll(ctx)
		}
	}
}

func (r *Reconciler) reconcileAll(ctx context.Context) {
	for _, inst := range r.registry.Instances() {
		symbol := inst.Symbol()
		attempt := 0
		err := r.lock.WithLock(ctx, symbol, func() error {
			return r.retry.Do(ctx, func(ctx context.Context) error {
				if attempt > 0 && r.metrics != nil {
					r.metrics.QueueRetries.WithLabelValues(symbol).Inc()
				}
				attempt++
				if err := inst.Reconcile(ctx); err != nil {
					return symlock.Retryable(err)
				}
				return nil
			})
		})
		if err != nil {
			r.logger.Warn("reconciliation failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}
