// Package in defines inbound ports (driving ports) for the application.
package in

import (
	"context"

	"sync_server/core/domain"
)

// =============================================================================
// Sync orchestration
// =============================================================================

// SyncService drives sync runs. SyncPair executes one (user, provider)
// run in the calling goroutine; TriggerSync enqueues it for the worker
// pool instead.
type SyncService interface {
	// SyncPair runs one pair end to end: lock, pull, ingest, classify
	// (email providers), act (when enabled). Failures come back as a
	// failed SyncResult, not an error, unless setup itself broke.
	SyncPair(ctx context.Context, userID string, p domain.Provider, force bool) (*domain.SyncResult, error)

	// SyncAll discovers authenticated (user, provider) pairs and syncs
	// each one, isolating failures per pair.
	SyncAll(ctx context.Context) ([]*domain.SyncResult, error)

	// TriggerSync enqueues a pair job and returns its job id.
	TriggerSync(ctx context.Context, userID string, p domain.Provider, force bool) (string, error)

	// Status returns the latest run per source for the user.
	Status(ctx context.Context, userID string) ([]*domain.SyncRun, error)

	// History returns recent runs for the user, newest first.
	History(ctx context.Context, userID string, limit int) ([]*domain.SyncRun, error)
}

// =============================================================================
// Classification & actions
// =============================================================================

// ClassifyService obtains LLM judgments for ingested emails.
type ClassifyService interface {
	// ClassifyEmail judges a single email with its thread context and
	// the user's rules. Model failure yields the default judgment with
	// FromModel false; the caller decides whether to mark classified.
	ClassifyEmail(ctx context.Context, email *domain.Email) (*domain.Classification, error)

	// ClassifyRecent walks the user's unclassified emails for the
	// source, newest first, up to limit, persisting each judgment.
	ClassifyRecent(ctx context.Context, userID string, source domain.Provider, limit int) ([]*domain.Classification, error)
}

// ActionService executes one classification against the originating
// provider, once. Drafts only.
type ActionService interface {
	Execute(ctx context.Context, email *domain.Email, c *domain.Classification) *domain.ActionResult
}
