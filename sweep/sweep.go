// Package sweep reconciles the metadata store and the blob store. It
// drains due entries from the cleanup queue, deletes blobs, and removes
// the corresponding job records.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopdrop/shopdrop/backend"
	"github.com/shopdrop/shopdrop/registry"
	"github.com/shopdrop/shopdrop/telemetry"
)

// Config configures the sweeper.
type Config struct {
	Interval    time.Duration // How often to run (default: 60s)
	TickTimeout time.Duration // Deadline for a single pass (default: 30s)
	BatchSize   int           // Max due jobs to process per pass (default: 500)
}

// DefaultConfig returns the default sweeper configuration.
func DefaultConfig() Config {
	return Config{
		Interval:    60 * time.Second,
		TickTimeout: 30 * time.Second,
		BatchSize:   500,
	}
}

// Result contains the results of one sweep pass.
type Result struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Due       int           `json:"due"`
	Deleted   int           `json:"deleted"`  // blob and record removed
	Orphaned  int           `json:"orphaned"` // queue entry with no record, dropped
	Failed    int           `json:"failed"`   // left in place for the next pass
	Skipped   bool          `json:"skipped"`  // another pass was still running
}

// Sweeper runs the periodic reconciliation pass.
type Sweeper struct {
	jobs    *registry.JobRegistry
	backend backend.Backend
	config  Config
	logger  *slog.Logger
	now     func() time.Time

	stopCh   chan struct{}
	doneCh   chan struct{}
	mu       sync.Mutex
	running  bool
	sweeping bool
	lastRun  *Result
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger for the sweeper.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// New creates a new sweeper. Zero config fields take their defaults.
func New(jobs *registry.JobRegistry, be backend.Backend, config Config, opts ...Option) *Sweeper {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.TickTimeout <= 0 {
		config.TickTimeout = def.TickTimeout
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}

	s := &Sweeper{
		jobs:    jobs,
		backend: be,
		config:  config,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the background sweep goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop gracefully stops the sweeper.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the last sweep result.
func (s *Sweeper) Status() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	s.logger.Info("sweeper starting",
		"interval", s.config.Interval,
		"tick_timeout", s.config.TickTimeout,
		"batch_size", s.config.BatchSize,
	)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.stopCh:
			s.logger.Info("sweeper stopped")
			s.setRunning(false)
			return
		case <-ctx.Done():
			s.logger.Info("sweeper context cancelled")
			s.setRunning(false)
			return
		}
	}
}

func (s *Sweeper) setRunning(running bool) {
	s.mu.Lock()
	s.running = running
	s.mu.Unlock()
}

// RunOnce executes a single sweep pass. Only one pass may run at a time;
// if a pass is still in progress the call returns immediately with
// Skipped set rather than queueing.
func (s *Sweeper) RunOnce(ctx context.Context) *Result {
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		s.logger.Warn("sweep still in progress, skipping pass")
		return &Result{StartedAt: s.now(), Skipped: true}
	}
	s.sweeping = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.sweeping = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.config.TickTimeout)
	defer cancel()

	result := s.sweep(ctx)

	s.mu.Lock()
	s.lastRun = result
	s.mu.Unlock()

	return result
}

// sweep processes one batch of due jobs. Each job is handled
// independently; a failure leaves that job's state untouched for the next
// pass and never aborts the batch.
func (s *Sweeper) sweep(ctx context.Context) *Result {
	result := &Result{StartedAt: s.now()}
	defer func() {
		result.Duration = time.Since(result.StartedAt)
		telemetry.RecordSweepCycle(ctx, result.Deleted, result.Orphaned, result.Failed, result.Duration)
	}()

	due, err := s.jobs.GetDue(ctx, s.now(), s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to read due jobs", "error", err)
		return result
	}
	result.Due = len(due)

	if len(due) == 0 {
		return result
	}

	s.logger.Info("sweep pass starting", "due", len(due))

	for _, jobID := range due {
		if ctx.Err() != nil {
			s.logger.Warn("sweep pass deadline reached", "remaining", result.Due-result.Deleted-result.Orphaned-result.Failed)
			return result
		}
		s.reclaim(ctx, jobID, result)
	}

	s.logger.Info("sweep pass completed",
		"due", result.Due,
		"deleted", result.Deleted,
		"orphaned", result.Orphaned,
		"failed", result.Failed,
	)
	return result
}

// reclaim handles a single due job. The queue entry is removed only after
// the blob and record are gone, so a crash at any point is retried on the
// next pass.
func (s *Sweeper) reclaim(ctx context.Context, jobID string, result *Result) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			// Already reclaimed or manually deleted, drop the queue entry
			if err := s.jobs.RemoveFromQueue(ctx, jobID); err != nil {
				s.logger.Warn("failed to drop orphaned queue entry", "jobId", jobID, "error", err)
				result.Failed++
				return
			}
			result.Orphaned++
			return
		}
		s.logger.Warn("failed to read due job", "jobId", jobID, "error", err)
		result.Failed++
		return
	}

	if err := s.backend.Delete(ctx, job.BlobKey); err != nil {
		s.logger.Warn("failed to delete blob, will retry", "jobId", jobID, "blobKey", job.BlobKey, "error", err)
		result.Failed++
		return
	}

	if err := s.jobs.Delete(ctx, jobID); err != nil {
		s.logger.Warn("failed to delete job record, will retry", "jobId", jobID, "error", err)
		result.Failed++
		return
	}

	s.logger.Debug("job reclaimed", "jobId", jobID, "blobKey", job.BlobKey)
	result.Deleted++
}
