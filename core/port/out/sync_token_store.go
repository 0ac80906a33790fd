package out

import (
	"context"

	"sync_server/core/domain"
)

// =============================================================================
// Token store
// =============================================================================

// TokenStore persists per-(user, family) OAuth credentials and answers
// the "can this user sync?" question without third-party side effects.
type TokenStore interface {
	// Load reads the stored credential. Missing or malformed files
	// return a not_found storage error.
	Load(ctx context.Context, userID string, family domain.ProviderFamily) (*domain.Credential, error)

	// Save writes the credential atomically (temp file + rename).
	Save(ctx context.Context, cred *domain.Credential) error

	// Check is side-effect free toward providers: it inspects the stored
	// credential and refreshes via the token endpoint only when expired
	// and refreshable, persisting on success. Refresh failures land in
	// the status, never as an error.
	Check(ctx context.Context, userID string, family domain.ProviderFamily) *domain.CredentialStatus

	// ListUsersWithCredential enumerates users with a stored credential
	// for the family, from the token directory.
	ListUsersWithCredential(ctx context.Context, family domain.ProviderFamily) ([]string, error)
}
