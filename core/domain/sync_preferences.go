package domain

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Classification rules
// =============================================================================

// ClassificationRule is one user-defined "when ... perform ..." rule fed
// verbatim into the classifier prompt. Keyword matching happens in the
// model, not here; Render is the prompt line.
type ClassificationRule struct {
	ID        int64       `json:"id,omitempty"`
	UserID    string      `json:"user_id"`
	Keyword   string      `json:"keyword"`
	Action    EmailAction `json:"action"`
	Recipient string      `json:"recipient,omitempty"`
	IsActive  bool        `json:"is_active"`
	CreatedAt time.Time   `json:"created_at,omitempty"`
}

// Render formats the rule the way the prompt expects it.
func (r *ClassificationRule) Render() string {
	line := fmt.Sprintf("when email contains %q, perform %q", r.Keyword, string(r.Action))
	if r.Recipient != "" {
		line += " to " + r.Recipient
	}
	return line
}

// =============================================================================
// User preferences
// =============================================================================

// UserPreferences collects the per-user settings the sync and classify
// paths consume. Everything else users configure lives outside this
// system.
type UserPreferences struct {
	UserID string `json:"user_id"`

	// Rules are the active classification rules, prompt order.
	Rules []ClassificationRule `json:"rules,omitempty"`

	// SenderAvoidList drops matching senders during ingestion. Entries
	// match case-insensitively as substrings of the sender address.
	SenderAvoidList []string `json:"sender_avoid_list,omitempty"`

	// AutoActions enables the action executor after classification.
	AutoActions bool `json:"auto_actions"`

	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// SenderAvoided reports whether the sender is on the avoid list.
func (p *UserPreferences) SenderAvoided(sender string) bool {
	if len(p.SenderAvoidList) == 0 {
		return false
	}
	s := strings.ToLower(sender)
	for _, avoid := range p.SenderAvoidList {
		avoid = strings.ToLower(strings.TrimSpace(avoid))
		if avoid != "" && strings.Contains(s, avoid) {
			return true
		}
	}
	return false
}

// ActiveRules filters to rules the classifier should see.
func (p *UserPreferences) ActiveRules() []ClassificationRule {
	out := make([]ClassificationRule, 0, len(p.Rules))
	for _, r := range p.Rules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out
}
