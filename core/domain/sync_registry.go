package domain

import "time"

// RegistryEntry is one row of the per-user idempotence ledger. Path is
// the canonical source path and is unique within a user; DocID names the
// content version that was ingested under that path.
type RegistryEntry struct {
	Path       string            `json:"path"`
	DocID      string            `json:"doc_id"`
	ProviderID string            `json:"provider_id,omitempty"`
	IngestedAt time.Time         `json:"ingested_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Well-known registry metadata keys. The classifier and the recent-email
// read path key off these.
const (
	RegistryMetaEmailID          = "email_id"
	RegistryMetaSubject          = "subject"
	RegistryMetaSender           = "sender"
	RegistryMetaMimeType         = "mime_type"
	RegistryMetaClassifiedAction = "classified_action"
)

// EmailID returns the email id recorded in the metadata, if any.
func (e *RegistryEntry) EmailID() string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[RegistryMetaEmailID]
}

// Clone deep-copies the entry so callers can mutate metadata without
// aliasing the ledger's in-memory state.
func (e *RegistryEntry) Clone() *RegistryEntry {
	out := *e
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
