package metadb

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopdrop/shopdrop/telemetry"
)

// Reaper runs periodic physical cleanup of expired records. Reads already
// treat expired records as absent; the reaper just reclaims their bytes.
type Reaper struct {
	db        *BoltDB
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperInterval sets the cleanup interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithReaperBatchSize sets the maximum entries to process per reap cycle.
func WithReaperBatchSize(n int) ReaperOption {
	return func(r *Reaper) {
		r.batchSize = n
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// NewReaper creates a new reaper with the given options.
// Defaults: interval=5m, batchSize=500.
func NewReaper(db *BoltDB, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		db:        db,
		interval:  5 * time.Minute,
		batchSize: 500,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the reaper loop. It blocks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("reaper started", "interval", r.interval, "batchSize", r.batchSize)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("reaper stopped")
			return
		case <-ticker.C:
			r.reapBatch(ctx)
		}
	}
}

// reapBatch processes one batch of expired entries.
func (r *Reaper) reapBatch(ctx context.Context) {
	start := time.Now()
	var deleted int
	defer func() {
		telemetry.RecordReaperCycle(ctx, deleted, time.Since(start))
	}()

	expired, err := r.db.GetExpired(ctx, r.db.now(), r.batchSize)
	if err != nil {
		r.logger.Error("failed to get expired entries", "error", err)
		return
	}

	if len(expired) == 0 {
		return
	}

	if err := r.db.DeleteExpired(ctx, expired); err != nil {
		r.logger.Warn("failed to delete expired entries", "count", len(expired), "error", err)
		return
	}
	deleted = len(expired)

	r.logger.Info("expired entries reaped", "deleted", deleted)
}

// ReapNow runs a single reap cycle immediately.
// Useful for testing.
func (r *Reaper) ReapNow(ctx context.Context) {
	r.reapBatch(ctx)
}
