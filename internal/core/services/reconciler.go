package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-ingest/internal/metrics"
)

const (
	reconcileLockName = "reconciler"

	// refs handled between two extensions of the reconciler lock
	reconcileExtendEvery = 10
)

// Reconciler periodically removes vector documents journaled as orphans
// that no text record references.
//
// For multi-worker deployments, configure a DistributedLock so only one
// instance sweeps at a time.
type Reconciler struct {
	journal driven.OrphanJournal
	store   driven.IngestStore
	index   driven.VectorIndex
	lock    driven.DistributedLock
	metrics *metrics.Metrics
	logger  *slog.Logger

	// Internal state
	mu       sync.RWMutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	interval time.Duration

	batchSize int
	lockTTL   time.Duration
}

// ReconcilerConfig holds configuration for the reconciler.
type ReconcilerConfig struct {
	Journal   driven.OrphanJournal
	Store     driven.IngestStore
	Index     driven.VectorIndex
	Lock      driven.DistributedLock // Optional: distributed lock for multi-instance coordination
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Interval  time.Duration // How often to sweep (default: 5m)
	BatchSize int           // Journal entries handled per sweep (default: 100)
	LockTTL   time.Duration // TTL for the distributed lock (default: 2m)
}

// NewReconciler creates a new reconciler.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = 5 * time.Minute
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	lockTTL := cfg.LockTTL
	if lockTTL == 0 {
		lockTTL = 2 * time.Minute
	}
	return &Reconciler{
		journal:   cfg.Journal,
		store:     cfg.Store,
		index:     cfg.Index,
		lock:      cfg.Lock,
		metrics:   cfg.Metrics,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		lockTTL:   lockTTL,
	}
}

// Start begins the sweep loop.
// It runs until Stop is called or context is cancelled.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info("reconciler starting", "interval", r.interval)

	go r.run(ctx)

	return nil
}

// Stop gracefully stops the reconciler.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	close(r.stopCh)
	r.mu.Unlock()

	<-r.doneCh

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.logger.Info("reconciler stopped")
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep handles one batch of journaled refs and returns how many vector
// documents were deleted. The lock is extended as the batch progresses; a sweep
// that can no longer extend it stops and leaves the rest for the next run.
func (r *Reconciler) Sweep(ctx context.Context) int {
	if r.lock != nil {
		acquired, err := r.lock.Acquire(ctx, reconcileLockName, r.lockTTL)
		if err != nil {
			r.logger.Warn("failed to acquire reconciler lock", "error", err)
			return 0
		}
		if !acquired {
			r.logger.Debug("reconciler lock held by another instance, skipping sweep")
			return 0
		}
		defer func() {
			if err := r.lock.Release(ctx, reconcileLockName); err != nil {
				r.logger.Warn("failed to release reconciler lock", "error", err)
			}
		}()
	}

	refs, err := r.journal.List(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("failed to list orphaned vector documents", "error", err)
		return 0
	}

	deleted := 0
	for i, ref := range refs {
		if r.lock != nil && i > 0 && i%reconcileExtendEvery == 0 {
			if err := r.lock.Extend(ctx, reconcileLockName, r.lockTTL); err != nil {
				r.logger.Warn("reconciler lock lost, ending sweep early",
					"handled", i,
					"remaining", len(refs)-i,
					"error", err,
				)
				return deleted
			}
		}

		inUse, err := r.store.VectorRefInUse(ctx, ref)
		if err != nil {
			r.logger.Error("failed to check vector reference", "vector_ref", ref, "error", err)
			continue
		}

		if !inUse {
			if err := r.index.Delete(ctx, ref); err != nil {
				r.logger.Error("failed to delete orphaned vector document", "vector_ref", ref, "error", err)
				continue
			}
			deleted++
			r.metrics.VectorReconciled()
			r.logger.Info("orphaned vector document deleted", "vector_ref", ref)
		}

		if err := r.journal.Remove(ctx, ref); err != nil {
			r.logger.Warn("failed to clear orphan journal entry", "vector_ref", ref, "error", err)
		}
	}
	return deleted
}
