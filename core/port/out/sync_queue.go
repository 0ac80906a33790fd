package out

import (
	"context"
	"time"

	"sync_server/core/domain"
)

// =============================================================================
// Sync job queue
// =============================================================================

// SyncJob is one enqueued (user, provider) sync request.
type SyncJob struct {
	JobID      string          `json:"job_id"`
	UserID     string          `json:"user_id"`
	Provider   domain.Provider `json:"provider"`
	Force      bool            `json:"force,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Retries    int             `json:"retries,omitempty"`
}

// JobQueue enqueues sync jobs for the worker pool.
type JobQueue interface {
	EnqueueSync(ctx context.Context, job *SyncJob) (string, error)
}

// =============================================================================
// Pair locks
// =============================================================================

// PairLocker serializes sync work per (user, provider) across processes.
// Acquire returns a release token; Release is a no-op for a stale token
// so an expired lock can never be stolen back.
type PairLocker interface {
	Acquire(ctx context.Context, userID string, p domain.Provider, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, userID string, p domain.Provider, token string) error
}

// =============================================================================
// Lifecycle events
// =============================================================================

// Sync lifecycle event types.
const (
	EventSyncStarted   = "sync.started"
	EventSyncProgress  = "sync.progress"
	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"
)

// SyncEvent is one lifecycle notification published for observers.
type SyncEvent struct {
	Type     string            `json:"type"`
	UserID   string            `json:"user_id"`
	Provider domain.Provider   `json:"provider"`
	RunID    string            `json:"run_id,omitempty"`
	Progress float64           `json:"progress,omitempty"`
	Detail   map[string]string `json:"detail,omitempty"`
	At       time.Time         `json:"at"`
}

// EventPublisher fans sync lifecycle events out to subscribers. Publish
// failures are logged by callers and never fail the sync.
type EventPublisher interface {
	Publish(ctx context.Context, ev *SyncEvent) error
}
