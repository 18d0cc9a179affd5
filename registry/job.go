package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shopdrop/shopdrop/store/metadb"
)

// JobRegistry creates, looks up, and enumerates upload job records.
type JobRegistry struct {
	store        metadb.Store
	sessions     *SessionRegistry
	deleteWindow time.Duration
	metadataTTL  time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// JobOption configures a JobRegistry.
type JobOption func(*JobRegistry)

// WithJobLogger sets the logger.
func WithJobLogger(logger *slog.Logger) JobOption {
	return func(j *JobRegistry) {
		j.logger = logger
	}
}

// WithJobNow sets the time function for testing.
func WithJobNow(now func() time.Time) JobOption {
	return func(j *JobRegistry) {
		j.now = now
	}
}

// NewJobRegistry creates a registry where blobs become due for deletion
// after deleteWindow and job records expire after metadataTTL. The record
// must outlive the blob so the sweep can find the blob key, so
// metadataTTL < deleteWindow is a configuration error.
func NewJobRegistry(store metadb.Store, sessions *SessionRegistry, deleteWindow, metadataTTL time.Duration, opts ...JobOption) (*JobRegistry, error) {
	if deleteWindow <= 0 {
		return nil, fmt.Errorf("delete window must be positive, got %v", deleteWindow)
	}
	if metadataTTL < deleteWindow {
		return nil, fmt.Errorf("metadata ttl %v must be >= delete window %v", metadataTTL, deleteWindow)
	}
	j := &JobRegistry{
		store:        store,
		sessions:     sessions,
		deleteWindow: deleteWindow,
		metadataTTL:  metadataTTL,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Create writes a new job record, indexes it under the session's job set,
// and schedules its blob for deletion.
//
// The three writes are not transactional. On a partial failure the already
// written state is rolled back best effort and the returned error means
// the job was not reliably created. A record reachable only from the job
// namespace but never from the cleanup queue would leak its blob forever,
// so the queue insert failing always triggers the rollback path.
func (j *JobRegistry) Create(ctx context.Context, sessionToken, ownerID, originalName, blobKey string, sizeBytes int64) (*Job, error) {
	now := j.now()
	job := &Job{
		JobID:        uuid.NewString(),
		SessionToken: sessionToken,
		OwnerID:      ownerID,
		OriginalName: originalName,
		BlobKey:      blobKey,
		SizeBytes:    sizeBytes,
		UploadedAt:   now,
		DeleteAt:     now.Add(j.deleteWindow),
		ExpiresAt:    now.Add(j.metadataTTL),
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encoding job: %w", err)
	}

	if err := j.store.Put(ctx, nsJob, job.JobID, data, j.metadataTTL); err != nil {
		return nil, fmt.Errorf("storing job record: %w", err)
	}

	if err := j.store.SetAdd(ctx, nsSession, sessionToken, job.JobID, j.metadataTTL); err != nil {
		j.rollbackCreate(ctx, job, false)
		return nil, fmt.Errorf("indexing job under session: %w", err)
	}

	if err := j.store.QueueAdd(ctx, CleanupQueue, job.JobID, job.DeleteAt); err != nil {
		j.rollbackCreate(ctx, job, true)
		return nil, fmt.Errorf("scheduling job deletion: %w", err)
	}

	j.logger.Info("job created",
		"jobId", job.JobID,
		"name", originalName,
		"size", sizeBytes,
		"deleteAt", job.DeleteAt)
	return job, nil
}

// rollbackCreate removes the partial state left by a failed Create.
// Failures here are logged, not returned; the caller already has the
// original error and the leftover record will expire with its TTL.
func (j *JobRegistry) rollbackCreate(ctx context.Context, job *Job, indexed bool) {
	if indexed {
		if err := j.store.SetRemove(ctx, nsSession, job.SessionToken, job.JobID); err != nil {
			j.logger.Warn("rollback: failed to unindex job", "jobId", job.JobID, "error", err)
		}
	}
	if err := j.store.Delete(ctx, nsJob, job.JobID); err != nil {
		j.logger.Warn("rollback: failed to delete job record", "jobId", job.JobID, "error", err)
	}
}

// Get returns the job for jobID, or ErrNotFound if it never existed or
// has expired.
func (j *JobRegistry) Get(ctx context.Context, jobID string) (*Job, error) {
	data, err := j.store.Get(ctx, nsJob, jobID)
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading job: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	return &job, nil
}

// GetBySession returns summaries of the session's still-present jobs.
// Returns ErrNotFound when the session is absent or expired, regardless
// of whether job records still exist. Index entries whose job record has
// already been reclaimed are dropped from the result and pruned from the
// index in passing.
func (j *JobRegistry) GetBySession(ctx context.Context, token string) (*SessionJobs, error) {
	session, err := j.sessions.Get(ctx, token)
	if err != nil {
		return nil, err
	}

	members, err := j.store.SetMembers(ctx, nsSession, token)
	if err != nil {
		return nil, fmt.Errorf("reading session job index: %w", err)
	}

	result := &SessionJobs{
		Jobs:      make([]JobSummary, 0, len(members)),
		ExpiresAt: session.ExpiresAt,
	}

	for _, jobID := range members {
		job, err := j.Get(ctx, jobID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Dangling index entry, prune it
				if err := j.store.SetRemove(ctx, nsSession, token, jobID); err != nil {
					j.logger.Warn("failed to prune dangling job index entry", "jobId", jobID, "error", err)
				}
				continue
			}
			return nil, err
		}
		result.Jobs = append(result.Jobs, JobSummary{
			JobID:      job.JobID,
			Filename:   job.OriginalName,
			Size:       job.SizeBytes,
			UploadedAt: job.UploadedAt,
		})
	}

	return result, nil
}

// Delete removes the job record, its session index entry, and its cleanup
// queue entry. Deleting an absent job is not an error.
func (j *JobRegistry) Delete(ctx context.Context, jobID string) error {
	job, err := j.Get(ctx, jobID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if job != nil {
		if err := j.store.SetRemove(ctx, nsSession, job.SessionToken, jobID); err != nil {
			j.logger.Warn("failed to unindex job", "jobId", jobID, "error", err)
		}
	}

	if err := j.store.Delete(ctx, nsJob, jobID); err != nil {
		return fmt.Errorf("deleting job record: %w", err)
	}
	if err := j.store.QueueRemove(ctx, CleanupQueue, jobID); err != nil {
		return fmt.Errorf("removing cleanup queue entry: %w", err)
	}
	return nil
}

// GetDue returns up to limit job ids whose deletion time is at or before
// asOf, oldest first. The queue entries are left in place; they are
// removed only after the blob deletion succeeds.
func (j *JobRegistry) GetDue(ctx context.Context, asOf time.Time, limit int) ([]string, error) {
	due, err := j.store.QueueDueBefore(ctx, CleanupQueue, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("reading cleanup queue: %w", err)
	}
	return due, nil
}

// RemoveFromQueue drops a single cleanup queue entry without touching the
// job record. Used by the sweep when the record is already gone.
func (j *JobRegistry) RemoveFromQueue(ctx context.Context, jobID string) error {
	if err := j.store.QueueRemove(ctx, CleanupQueue, jobID); err != nil {
		return fmt.Errorf("removing cleanup queue entry: %w", err)
	}
	return nil
}
