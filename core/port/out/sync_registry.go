package out

import (
	"context"

	"sync_server/core/domain"
)

// =============================================================================
// File registry (idempotence ledger)
// =============================================================================

// Registry is the per-user path ledger the pipeline consults before
// ingesting. Implementations buffer writes in memory; Flush makes them
// durable. The sync manager guarantees one writer per user at a time.
type Registry interface {
	// FileExists reports whether the path was already ingested.
	FileExists(ctx context.Context, userID, path string) (bool, error)

	// Lookup returns the entry at path, or nil when absent.
	Lookup(ctx context.Context, userID, path string) (*domain.RegistryEntry, error)

	// Register upserts the entry at entry.Path.
	Register(ctx context.Context, userID string, entry *domain.RegistryEntry) error

	// UpdateEmailClassification stamps the classified action on every
	// entry whose metadata email_id matches, returning how many changed.
	UpdateEmailClassification(ctx context.Context, userID, emailID string, action domain.EmailAction) (int, error)

	// ListByPrefix returns entries whose path starts with prefix.
	ListByPrefix(ctx context.Context, userID, prefix string) ([]*domain.RegistryEntry, error)

	// Flush persists buffered writes for the user (temp file + rename).
	Flush(ctx context.Context, userID string) error
}
