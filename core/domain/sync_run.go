package domain

import (
	"time"

	"sync_server/pkg/snowflake"
)

// =============================================================================
// Sync run lifecycle
// =============================================================================

// SyncState is the lifecycle of one sync run. Transitions are strictly
// pending -> in_progress -> completed|failed; a run never regresses.
type SyncState string

const (
	SyncPending    SyncState = "pending"
	SyncInProgress SyncState = "in_progress"
	SyncCompleted  SyncState = "completed"
	SyncFailed     SyncState = "failed"
)

// CanTransition reports whether moving from s to next is a legal step.
func (s SyncState) CanTransition(next SyncState) bool {
	switch s {
	case SyncPending:
		return next == SyncInProgress || next == SyncFailed
	case SyncInProgress:
		return next == SyncCompleted || next == SyncFailed
	}
	return false
}

// Terminal reports whether the run has finished, one way or the other.
func (s SyncState) Terminal() bool {
	return s == SyncCompleted || s == SyncFailed
}

// SyncRun is the per-(user, source) status row. Latest run wins by
// LastSyncAttempt; only one in_progress row may exist per key.
// LastSuccessfulSync advances only forward and only when a run completes.
type SyncRun struct {
	ID         int64     `json:"id,omitempty"`
	RunID      string    `json:"run_id"`
	UserID     string    `json:"user_id"`
	SourceType Provider  `json:"source_type"`
	Status     SyncState `json:"status"`

	// Counters
	ItemsProcessed int `json:"items_processed"`
	ItemsSucceeded int `json:"items_succeeded"`
	ItemsFailed    int `json:"items_failed"`
	ItemsSkipped   int `json:"items_skipped"`
	TotalDocuments int `json:"total_documents"`

	// Progress is itemsProcessed / totalDocuments in [0, 1].
	Progress float64 `json:"progress"`

	LastSyncAttempt    time.Time `json:"last_sync_attempt"`
	LastSuccessfulSync time.Time `json:"last_successful_sync,omitempty"`
	CompletedAt        time.Time `json:"completed_at,omitempty"`

	ErrorDetails string            `json:"error_details,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// NewSyncRun creates a pending run for the pair.
func NewSyncRun(userID string, source Provider) *SyncRun {
	return &SyncRun{
		RunID:           snowflake.StringID(),
		UserID:          userID,
		SourceType:      source,
		Status:          SyncPending,
		LastSyncAttempt: time.Now().UTC(),
	}
}

// UpdateProgress recomputes the progress ratio from the counters.
func (r *SyncRun) UpdateProgress() {
	if r.TotalDocuments <= 0 {
		r.Progress = 0
		return
	}
	p := float64(r.ItemsProcessed) / float64(r.TotalDocuments)
	if p > 1 {
		p = 1
	}
	r.Progress = p
}

// =============================================================================
// Sync results
// =============================================================================

// SyncResult is what one pipeline run reports back to the manager.
type SyncResult struct {
	UserID     string   `json:"user_id"`
	SourceType Provider `json:"source_type"`
	Success    bool     `json:"success"`

	TotalItemsFound int `json:"total_items_found"`
	ItemsIngested   int `json:"items_ingested"`
	ItemsSkipped    int `json:"items_skipped"`
	ItemsFailed     int `json:"items_failed"`
	Batches         int `json:"batches"`

	Errors   []string      `json:"errors,omitempty"`
	Duration time.Duration `json:"duration"`
}

// AddError appends a per-item error without failing the run.
func (r *SyncResult) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.ItemsFailed++
}
