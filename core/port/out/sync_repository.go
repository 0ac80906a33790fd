package out

import (
	"context"

	"sync_server/core/domain"
)

// =============================================================================
// Content store repositories
// =============================================================================

// EmailRepository persists normalized emails. (user_id, email_id,
// source_type) is the natural key; Upsert is the only write path from
// ingestion.
type EmailRepository interface {
	Upsert(ctx context.Context, email *domain.Email) (int64, error)
	GetByID(ctx context.Context, userID, emailID string, source domain.Provider) (*domain.Email, error)
	GetByConversation(ctx context.Context, userID, conversationID string, source domain.Provider) ([]*domain.Email, error)
	ListUnclassified(ctx context.Context, userID string, source domain.Provider, limit int) ([]*domain.Email, error)
	UpdateClassification(ctx context.Context, userID, emailID string, source domain.Provider, action domain.EmailAction) error
	SearchByUser(ctx context.Context, userID, query string, limit int) ([]*domain.Email, error)
}

// SyncRunRepository persists sync run rows. Complete advances
// last_successful_sync, and only forward. HasInProgress backs the
// one-in-progress-per-pair invariant.
type SyncRunRepository interface {
	Create(ctx context.Context, run *domain.SyncRun) error
	MarkInProgress(ctx context.Context, runID string) error
	UpdateProgress(ctx context.Context, run *domain.SyncRun) error
	Complete(ctx context.Context, run *domain.SyncRun) error
	Fail(ctx context.Context, runID, errorDetails string) error
	Latest(ctx context.Context, userID string, source domain.Provider) (*domain.SyncRun, error)
	LatestAll(ctx context.Context, userID string) ([]*domain.SyncRun, error)
	History(ctx context.Context, userID string, limit int) ([]*domain.SyncRun, error)
	HasInProgress(ctx context.Context, userID string, source domain.Provider) (bool, error)
}

// ProviderChangeRepository is the append-only side-effect audit log.
type ProviderChangeRepository interface {
	Append(ctx context.Context, change *domain.ProviderChange) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*domain.ProviderChange, error)
}

// PreferenceRepository reads per-user sync and classification settings.
// Absent rows yield zero-value preferences, never an error.
type PreferenceRepository interface {
	Get(ctx context.Context, userID string) (*domain.UserPreferences, error)
}
