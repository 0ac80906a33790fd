package out

import (
	"context"
	"time"

	"sync_server/core/domain"
)

// =============================================================================
// Contact graph
// =============================================================================

// SenderStats summarizes a correspondent from the contact graph. The
// classifier folds these into its prompt context when available.
type SenderStats struct {
	Sender         string    `json:"sender"`
	EmailCount     int64     `json:"email_count"`
	RecipientCount int64     `json:"recipient_count"`
	FirstSeen      time.Time `json:"first_seen,omitempty"`
	LastSeen       time.Time `json:"last_seen,omitempty"`
}

// ContactGraph records sender/recipient relations per ingested email.
// Like the archive, it is optional: absent infrastructure disables it.
type ContactGraph interface {
	// RecordEmail merges contact nodes and SENT edges for the email.
	RecordEmail(ctx context.Context, email *domain.Email) error

	// SenderStats returns accumulated stats for the sender within the
	// user's subgraph, or nil when the sender is unknown.
	SenderStats(ctx context.Context, userID, sender string) (*SenderStats, error)

	// TopSenders lists the user's most frequent correspondents.
	TopSenders(ctx context.Context, userID string, limit int) ([]*SenderStats, error)
}
