package domain

import "time"

// =============================================================================
// Provider change log
// =============================================================================

// ChangeType categorizes one provider-side effect.
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeModify ChangeType = "modify"
	ChangeRemove ChangeType = "remove"
	ChangeCreate ChangeType = "create"
)

// ProviderChange is one append-only audit row for a side effect this
// system performed on a provider (draft created, message moved, flag
// set). Rows are never mutated after insert.
type ProviderChange struct {
	ID         int64             `json:"id,omitempty"`
	Provider   Provider          `json:"provider"`
	UserID     string            `json:"user_id"`
	ChangeType ChangeType        `json:"change_type"`
	ItemID     string            `json:"item_id"`
	ChangeDate time.Time         `json:"change_date"`
	Details    map[string]string `json:"details,omitempty"`
}

// NewProviderChange stamps a change row with the current time.
func NewProviderChange(p Provider, userID string, ct ChangeType, itemID string, details map[string]string) *ProviderChange {
	return &ProviderChange{
		Provider:   p,
		UserID:     userID,
		ChangeType: ct,
		ItemID:     itemID,
		ChangeDate: time.Now().UTC(),
		Details:    details,
	}
}
