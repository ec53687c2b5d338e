package admission

import (
	"context"
	"errors"
	"sync"
	"time"

	"metered_gateway/internal/ledger"

	"go.uber.org/zap"
)

// Reconciler periodically resets concurrency counters whose last write is
// older than the controller's StaleAfter window.
type Reconciler struct {
	controller *Controller
	interval   time.Duration
	logger     *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewReconciler creates a reconciler bound to controller
func NewReconciler(controller *Controller, interval time.Duration, logger *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		controller: controller,
		interval:   interval,
		logger:     logger.Named("admission-reconciler"),
		stopCh:     make(chan struct{}),
	}
}

// Start runs the reconciler in the background
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
	r.logger.Info("admission reconciler started", zap.Duration("interval", r.interval))
}

// Stop stops the background loop and waits for it to exit
func (r *Reconciler) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("admission reconciler stopped")
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			if _, err := r.ReconcileOnce(ctx); err != nil {
				r.logger.Error("reconcile pass failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// ReconcileOnce scans every account and drops slots older than StaleAfter.
// It returns the number of account records rewritten.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	c := r.controller

	ids, err := ledger.ListAccountIDs(ctx, c.store)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return reset, err
		}

		rec, err := ledger.ReadRecord(ctx, c.store, id)
		if errors.Is(err, ledger.ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return reset, err
		}

		now := c.now()
		stale := c.staleSlots(rec, now)
		if stale == 0 {
			continue
		}

		r.logger.Info("dropping stale concurrency slots",
			zap.String("account_id", id),
			zap.Int("concurrency", rec.State.Concurrency),
			zap.Int("stale", stale),
			zap.Time("updated_at", rec.State.ConcurrencyUpdatedAt))

		setLeases(rec, c.liveLeases(rec, now), now)
		if err := ledger.WriteRecord(ctx, c.store, rec); err != nil {
			return reset, err
		}
		reset++
	}

	c.metrics.StaleCountersReset(reset)
	return reset, nil
}
