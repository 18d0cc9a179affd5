// Package registry tracks upload sessions and their job records. Sessions
// and jobs expire independently; a job can outlive the session it was
// uploaded through.
package registry

import (
	"errors"
	"time"
)

// Metadata store namespaces and the shared deletion queue name.
const (
	nsSession = "session"
	nsJob     = "job"

	// CleanupQueue is the time-ordered queue of pending blob deletions,
	// consumed by the sweep.
	CleanupQueue = "cleanup"
)

// ErrNotFound is returned when a session or job does not exist or has
// expired. The two cases are indistinguishable on purpose.
var ErrNotFound = errors.New("registry: not found")

// Session is a time-bounded upload channel for one shop.
type Session struct {
	Token     string    `json:"token"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Job is a single uploaded file's metadata record.
//
// DeleteAt is when the physical blob becomes due for reclamation.
// ExpiresAt is when the record itself leaves the metadata store, and is
// always at or after DeleteAt so the sweep can find the blob key.
type Job struct {
	JobID        string    `json:"job_id"`
	SessionToken string    `json:"session_token"`
	OwnerID      string    `json:"owner_id"`
	OriginalName string    `json:"original_name"`
	BlobKey      string    `json:"blob_key"`
	SizeBytes    int64     `json:"size_bytes"`
	UploadedAt   time.Time `json:"uploaded_at"`
	DeleteAt     time.Time `json:"delete_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// JobSummary is the projection of a job exposed to dashboard listings.
// It deliberately omits the blob key.
type JobSummary struct {
	JobID      string    `json:"job_id"`
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// SessionJobs is the result of enumerating a session's jobs.
type SessionJobs struct {
	Jobs      []JobSummary `json:"jobs"`
	ExpiresAt time.Time    `json:"expires_at"`
}
