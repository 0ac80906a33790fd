package persistence

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"sync_server/core/domain"
	"sync_server/core/port/out"
	"sync_server/pkg/apperr"
	"sync_server/pkg/snowflake"
)

// =============================================================================
// Provider Change Adapter (PostgreSQL)
// =============================================================================

// ProviderChangeAdapter implements out.ProviderChangeRepository. The
// table is append-only: rows record side effects this system performed
// against a provider and are never updated.
type ProviderChangeAdapter struct {
	db *sqlx.DB
}

// NewProviderChangeAdapter creates a new ProviderChangeAdapter.
func NewProviderChangeAdapter(db *sqlx.DB) *ProviderChangeAdapter {
	return &ProviderChangeAdapter{db: db}
}

type changeRow struct {
	ID         int64     `db:"id"`
	Provider   string    `db:"provider"`
	UserID     string    `db:"user_id"`
	ChangeType string    `db:"change_type"`
	ItemID     string    `db:"item_id"`
	ChangeDate time.Time `db:"change_date"`
	Details    []byte    `db:"details"`
}

// Append inserts one change row.
func (a *ProviderChangeAdapter) Append(ctx context.Context, change *domain.ProviderChange) error {
	if change.ID == 0 {
		change.ID = snowflake.ID()
	}

	details := []byte("{}")
	if len(change.Details) > 0 {
		if blob, err := json.Marshal(change.Details); err == nil {
			details = blob
		}
	}

	query := `
		INSERT INTO provider_changes (id, provider, user_id, change_type, item_id, change_date, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := a.db.ExecContext(ctx, query,
		change.ID, string(change.Provider), change.UserID, string(change.ChangeType),
		change.ItemID, change.ChangeDate, details,
	)
	if err != nil {
		return apperr.StorageError("append provider change", err)
	}
	return nil
}

// ListByUser returns recent changes for the user, newest first.
func (a *ProviderChangeAdapter) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.ProviderChange, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, provider, user_id, change_type, item_id, change_date, details
		FROM provider_changes
		WHERE user_id = $1
		ORDER BY change_date DESC, id DESC
		LIMIT $2`

	var rows []changeRow
	if err := a.db.SelectContext(ctx, &rows, query, userID, limit); err != nil {
		return nil, apperr.StorageError("list provider changes", err)
	}

	changes := make([]*domain.ProviderChange, 0, len(rows))
	for i := range rows {
		changes = append(changes, rows[i].toDomain())
	}
	return changes, nil
}

func (r *changeRow) toDomain() *domain.ProviderChange {
	change := &domain.ProviderChange{
		ID:         r.ID,
		Provider:   domain.Provider(r.Provider),
		UserID:     r.UserID,
		ChangeType: domain.ChangeType(r.ChangeType),
		ItemID:     r.ItemID,
		ChangeDate: r.ChangeDate,
	}
	if len(r.Details) > 0 {
		_ = json.Unmarshal(r.Details, &change.Details)
	}
	return change
}

// Interface compliance check
var _ out.ProviderChangeRepository = (*ProviderChangeAdapter)(nil)
