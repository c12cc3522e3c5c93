package engine

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"laundry-sync-backend/internal/lifecycle"
	"laundry-sync-backend/internal/metrics"
	"laundry-sync-backend/internal/model"
	"laundry-sync-backend/internal/store"
)

// Runner executes fn serialized with other work on the same key.
type Runner interface {
	Do(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Reconciler finishes cycles whose DONE event never arrived. A machine that
// last reported the terminal device state and has been silent for staleAfter
// gets the completion path replayed for its current order.
type Reconciler struct {
	engine     *Engine
	store      store.Store
	pool       Runner
	interval   time.Duration
	staleAfter time.Duration
	log        *zap.Logger
	now        func() time.Time
}

// NewReconciler creates a reconciler sweeping every interval.
func NewReconciler(e *Engine, st store.Store, pool Runner, interval, staleAfter time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		engine:     e,
		store:      st,
		pool:       pool,
		interval:   interval,
		staleAfter: staleAfter,
		log:        logger.Named("reconciler"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Error("sweep failed", zap.Error(err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Sweep runs one pass and returns how many cycles it completed.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	cutoff := now.Add(-r.staleAfter)
	machines, err := r.store.ListStaleRunningMachines(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	// Do may return on cancellation while fn is still queued on the shard.
	var completed atomic.Int64
	for _, candidate := range machines {
		if !finishedButStale(candidate, cutoff) {
			r.log.Warn("running machine has gone silent",
				zap.String("machine_id", candidate.ID),
				zap.String("state", candidate.Realtime.State),
				zap.Time("last_update", candidate.Realtime.LastUpdate))
			continue
		}

		id := candidate.ID
		err := r.pool.Do(ctx, id, func(ctx context.Context) error {
			// Telemetry may have arrived since the listing.
			m, err := r.store.GetMachine(ctx, id)
			if err != nil {
				return err
			}
			if !finishedButStale(m, cutoff) {
				return nil
			}
			code := *m.CurrentOrderCode
			r.log.Warn("completing cycle with missing DONE event",
				zap.String("machine_id", id),
				zap.String("order_code", code))
			if err := r.engine.CompleteCycle(ctx, id, code, nil, now); err != nil {
				return err
			}
			metrics.StaleCompletions.Inc()
			completed.Add(1)
			return nil
		})
		if err != nil {
			r.log.Error("failed to reconcile machine", zap.String("machine_id", id), zap.Error(err))
		}
	}
	return int(completed.Load()), nil
}

func finishedButStale(m model.Machine, cutoff time.Time) bool {
	return m.Status == model.MachineRunning &&
		m.Realtime.State == lifecycle.StateDone &&
		m.CurrentOrderCode != nil &&
		m.Realtime.LastUpdate.Before(cutoff)
}
