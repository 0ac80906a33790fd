package out

import (
	"context"
	"time"

	"sync_server/core/domain"
)

// =============================================================================
// Raw content archive
// =============================================================================

// ArchiveRecord is one raw payload kept alongside the normalized store:
// the original email body or attachment bytes, gzip-compressed by the
// adapter, expiring by TTL.
type ArchiveRecord struct {
	UserID      string            `json:"user_id"`
	DocID       string            `json:"doc_id"`
	Provider    domain.Provider   `json:"provider"`
	Kind        string            `json:"kind"` // "body", or "attachment:<filename>" per attachment
	Filename    string            `json:"filename,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Data        []byte            `json:"-"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	StoredAt    time.Time         `json:"stored_at"`
}

// RawArchive stores original payloads for debugging and re-ingestion.
// The archive is optional infrastructure: a nil implementation disables
// it and the pipeline carries on.
type RawArchive interface {
	Store(ctx context.Context, rec *ArchiveRecord) error
	Get(ctx context.Context, userID, docID, kind string) (*ArchiveRecord, error)
	DeleteByUser(ctx context.Context, userID string) (int64, error)
}
