package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"sync_server/core/domain"
	"sync_server/core/port/out"
	"sync_server/pkg/apperr"
)

// =============================================================================
// Sync Run Adapter (PostgreSQL)
// =============================================================================

// SyncRunAdapter implements out.SyncRunRepository using PostgreSQL.
type SyncRunAdapter struct {
	db *sqlx.DB
}

// NewSyncRunAdapter creates a new SyncRunAdapter.
func NewSyncRunAdapter(db *sqlx.DB) *SyncRunAdapter {
	return &SyncRunAdapter{db: db}
}

// =============================================================================
// Database Row Mapping
// =============================================================================

const runSelectColumns = `
	r.id, r.run_id, r.user_id, r.source_type, r.status,
	r.items_processed, r.items_succeeded, r.items_failed, r.items_skipped,
	r.total_documents, r.progress,
	r.last_sync_attempt, r.last_successful_sync, r.completed_at,
	r.error_details, r.metadata, r.created_at, r.updated_at`

type runRow struct {
	ID         int64  `db:"id"`
	RunID      string `db:"run_id"`
	UserID     string `db:"user_id"`
	SourceType string `db:"source_type"`
	Status     string `db:"status"`

	ItemsProcessed int     `db:"items_processed"`
	ItemsSucceeded int     `db:"items_succeeded"`
	ItemsFailed    int     `db:"items_failed"`
	ItemsSkipped   int     `db:"items_skipped"`
	TotalDocuments int     `db:"total_documents"`
	Progress       float64 `db:"progress"`

	LastSyncAttempt    time.Time    `db:"last_sync_attempt"`
	LastSuccessfulSync sql.NullTime `db:"last_successful_sync"`
	CompletedAt        sql.NullTime `db:"completed_at"`

	ErrorDetails sql.NullString `db:"error_details"`
	Metadata     []byte         `db:"metadata"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *runRow) toDomain() *domain.SyncRun {
	run := &domain.SyncRun{
		ID:              r.ID,
		RunID:           r.RunID,
		UserID:          r.UserID,
		SourceType:      domain.Provider(r.SourceType),
		Status:          domain.SyncState(r.Status),
		ItemsProcessed:  r.ItemsProcessed,
		ItemsSucceeded:  r.ItemsSucceeded,
		ItemsFailed:     r.ItemsFailed,
		ItemsSkipped:    r.ItemsSkipped,
		TotalDocuments:  r.TotalDocuments,
		Progress:        r.Progress,
		LastSyncAttempt: r.LastSyncAttempt,
		ErrorDetails:    r.ErrorDetails.String,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.LastSuccessfulSync.Valid {
		run.LastSuccessfulSync = r.LastSuccessfulSync.Time
	}
	if r.CompletedAt.Valid {
		run.CompletedAt = r.CompletedAt.Time
	}
	if len(r.Metadata) > 0 {
		_ = json.Unmarshal(r.Metadata, &run.Metadata)
	}
	return run
}

func metadataJSON(m map[string]string) []byte {
	if len(m) == 0 {
		return []byte("{}")
	}
	blob, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return blob
}

// =============================================================================
// Lifecycle Writes
// =============================================================================

// Create inserts the pending run row.
func (a *SyncRunAdapter) Create(ctx context.Context, run *domain.SyncRun) error {
	query := `
		INSERT INTO sync_runs (
			run_id, user_id, source_type, status,
			items_processed, items_succeeded, items_failed, items_skipped,
			total_documents, progress, last_sync_attempt, metadata,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		RETURNING id, created_at, updated_at`

	err := a.db.QueryRowxContext(ctx, query,
		run.RunID, run.UserID, string(run.SourceType), string(run.Status),
		run.ItemsProcessed, run.ItemsSucceeded, run.ItemsFailed, run.ItemsSkipped,
		run.TotalDocuments, run.Progress, run.LastSyncAttempt, metadataJSON(run.Metadata),
	).Scan(&run.ID, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return apperr.StorageError("create sync run", err)
	}
	return nil
}

// MarkInProgress moves a pending run to in_progress. The WHERE guard
// makes an illegal transition a not-found instead of a silent overwrite.
func (a *SyncRunAdapter) MarkInProgress(ctx context.Context, runID string) error {
	query := `
		UPDATE sync_runs
		SET status = $2, updated_at = NOW()
		WHERE run_id = $1 AND status = $3`

	res, err := a.db.ExecContext(ctx, query, runID, string(domain.SyncInProgress), string(domain.SyncPending))
	if err != nil {
		return apperr.StorageError("mark run in progress", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Conflict("sync run is not pending")
	}
	return nil
}

// UpdateProgress writes the current counters for an in_progress run.
func (a *SyncRunAdapter) UpdateProgress(ctx context.Context, run *domain.SyncRun) error {
	run.UpdateProgress()
	query := `
		UPDATE sync_runs
		SET items_processed = $2, items_succeeded = $3, items_failed = $4,
		    items_skipped = $5, total_documents = $6, progress = $7,
		    updated_at = NOW()
		WHERE run_id = $1 AND status = $8`

	_, err := a.db.ExecContext(ctx, query,
		run.RunID, run.ItemsProcessed, run.ItemsSucceeded, run.ItemsFailed,
		run.ItemsSkipped, run.TotalDocuments, run.Progress,
		string(domain.SyncInProgress))
	if err != nil {
		return apperr.StorageError("update run progress", err)
	}
	return nil
}

// Complete finishes the run and advances last_successful_sync, but only
// forward: a replayed completion can never move the watermark back.
func (a *SyncRunAdapter) Complete(ctx context.Context, run *domain.SyncRun) error {
	run.UpdateProgress()
	now := time.Now().UTC()
	query := `
		UPDATE sync_runs
		SET status = $2,
		    items_processed = $3, items_succeeded = $4, items_failed = $5,
		    items_skipped = $6, total_documents = $7, progress = $8,
		    completed_at = $9,
		    last_successful_sync = GREATEST(COALESCE(last_successful_sync, 'epoch'::timestamptz), $9),
		    updated_at = NOW()
		WHERE run_id = $1 AND status = $10`

	res, err := a.db.ExecContext(ctx, query,
		run.RunID, string(domain.SyncCompleted),
		run.ItemsProcessed, run.ItemsSucceeded, run.ItemsFailed,
		run.ItemsSkipped, run.TotalDocuments, run.Progress,
		now, string(domain.SyncInProgress))
	if err != nil {
		return apperr.StorageError("complete sync run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Conflict("sync run is not in progress")
	}
	run.Status = domain.SyncCompleted
	run.CompletedAt = now
	run.LastSuccessfulSync = now
	return nil
}

// Fail terminates the run with error details. Failing never touches
// last_successful_sync.
func (a *SyncRunAdapter) Fail(ctx context.Context, runID, errorDetails string) error {
	query := `
		UPDATE sync_runs
		SET status = $2, error_details = $3, completed_at = NOW(), updated_at = NOW()
		WHERE run_id = $1 AND status IN ($4, $5)`

	res, err := a.db.ExecContext(ctx, query,
		runID, string(domain.SyncFailed), errorDetails,
		string(domain.SyncPending), string(domain.SyncInProgress))
	if err != nil {
		return apperr.StorageError("fail sync run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Conflict("sync run already terminal")
	}
	return nil
}

// =============================================================================
// Reads
// =============================================================================

// Latest returns the most recent run for the pair by attempt time.
func (a *SyncRunAdapter) Latest(ctx context.Context, userID string, source domain.Provider) (*domain.SyncRun, error) {
	query := `SELECT ` + runSelectColumns + `
		FROM sync_runs r
		WHERE r.user_id = $1 AND r.source_type = $2
		ORDER BY r.last_sync_attempt DESC, r.id DESC
		LIMIT 1`

	var row runRow
	err := a.db.GetContext(ctx, &row, query, userID, string(source))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("sync run")
		}
		return nil, apperr.StorageError("get latest run", err)
	}
	return row.toDomain(), nil
}

// LatestAll returns the latest run per source for the user.
func (a *SyncRunAdapter) LatestAll(ctx context.Context, userID string) ([]*domain.SyncRun, error) {
	query := `SELECT ` + runSelectColumns + `
		FROM sync_runs r
		JOIN (
			SELECT source_type, MAX(last_sync_attempt) AS latest
			FROM sync_runs WHERE user_id = $1 GROUP BY source_type
		) m ON m.source_type = r.source_type AND m.latest = r.last_sync_attempt
		WHERE r.user_id = $1
		ORDER BY r.source_type`

	var rows []runRow
	if err := a.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, apperr.StorageError("get latest runs", err)
	}
	runs := make([]*domain.SyncRun, 0, len(rows))
	for i := range rows {
		runs = append(runs, rows[i].toDomain())
	}
	return runs, nil
}

// History returns recent runs for the user, newest first.
func (a *SyncRunAdapter) History(ctx context.Context, userID string, limit int) ([]*domain.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + runSelectColumns + `
		FROM sync_runs r
		WHERE r.user_id = $1
		ORDER BY r.last_sync_attempt DESC, r.id DESC
		LIMIT $2`

	var rows []runRow
	if err := a.db.SelectContext(ctx, &rows, query, userID, limit); err != nil {
		return nil, apperr.StorageError("get run history", err)
	}
	runs := make([]*domain.SyncRun, 0, len(rows))
	for i := range rows {
		runs = append(runs, rows[i].toDomain())
	}
	return runs, nil
}

// HasInProgress reports whether the pair has an unfinished run.
func (a *SyncRunAdapter) HasInProgress(ctx context.Context, userID string, source domain.Provider) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM sync_runs
			WHERE user_id = $1 AND source_type = $2 AND status = $3
		)`

	var exists bool
	err := a.db.GetContext(ctx, &exists, query, userID, string(source), string(domain.SyncInProgress))
	if err != nil {
		return false, apperr.StorageError("check in-progress run", err)
	}
	return exists, nil
}

// Interface compliance check
var _ out.SyncRunRepository = (*SyncRunAdapter)(nil)
