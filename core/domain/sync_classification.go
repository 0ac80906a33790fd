package domain

import (
	"strings"
	"time"
)

// =============================================================================
// Classification actions & priorities
// =============================================================================

// EmailAction is one entry of the fixed action catalogue the classifier
// chooses from. Unknown model output collapses to ActionNoAction.
type EmailAction string

const (
	ActionReply         EmailAction = "reply"
	ActionForward       EmailAction = "forward"
	ActionNewEmail      EmailAction = "new_email"
	ActionNoAction      EmailAction = "no_action"
	ActionFlagImportant EmailAction = "flag_important"
	ActionArchive       EmailAction = "archive"
	ActionDelete        EmailAction = "delete"
)

// AllEmailActions lists the catalogue in prompt order.
var AllEmailActions = []EmailAction{
	ActionReply,
	ActionForward,
	ActionNewEmail,
	ActionNoAction,
	ActionFlagImportant,
	ActionArchive,
	ActionDelete,
}

// ParseEmailAction matches model output against the catalogue,
// case-insensitively. Anything unrecognized becomes no_action.
func ParseEmailAction(s string) EmailAction {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reply":
		return ActionReply
	case "forward":
		return ActionForward
	case "new_email":
		return ActionNewEmail
	case "flag_important":
		return ActionFlagImportant
	case "archive":
		return ActionArchive
	case "delete":
		return ActionDelete
	case "no_action":
		return ActionNoAction
	}
	return ActionNoAction
}

func (a EmailAction) Valid() bool {
	for _, known := range AllEmailActions {
		if a == known {
			return true
		}
	}
	return false
}

// HasSideEffect reports whether executing the action touches the
// provider.
func (a EmailAction) HasSideEffect() bool {
	return a != ActionNoAction
}

// CreatesDraft reports whether the action produces an outbound draft.
func (a EmailAction) CreatesDraft() bool {
	switch a {
	case ActionReply, ActionForward, ActionNewEmail:
		return true
	}
	return false
}

// EmailPriority is the classifier's urgency judgment.
type EmailPriority string

const (
	PriorityHigh   EmailPriority = "high"
	PriorityMedium EmailPriority = "medium"
	PriorityLow    EmailPriority = "low"
)

// ParseEmailPriority matches model output case-insensitively; anything
// unrecognized falls back to medium.
func ParseEmailPriority(s string) EmailPriority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityMedium
	case "low":
		return PriorityLow
	}
	return PriorityMedium
}

// =============================================================================
// Classification result
// =============================================================================

// DefaultAction and DefaultPriority apply when a response label is
// missing or the model call failed outright.
const (
	DefaultAction   = ActionReply
	DefaultPriority = PriorityMedium
)

// Classification is the parsed judgment for one email.
type Classification struct {
	EmailID           string        `json:"email_id"`
	UserID            string        `json:"user_id"`
	SourceType        Provider      `json:"source_type"`
	Action            EmailAction   `json:"action"`
	Priority          EmailPriority `json:"priority"`
	Reasoning         string        `json:"reasoning"`
	SuggestedResponse string        `json:"suggested_response,omitempty"`

	// FromModel is false when the classifier fell back to defaults
	// because the model call failed; such emails stay unclassified so a
	// later cycle can retry them.
	FromModel    bool      `json:"from_model"`
	ClassifiedAt time.Time `json:"classified_at"`
}

// DefaultClassification builds the fallback judgment used when the model
// is unavailable; reason carries the failure description.
func DefaultClassification(emailID, userID string, source Provider, reason string) *Classification {
	return &Classification{
		EmailID:      emailID,
		UserID:       userID,
		SourceType:   source,
		Action:       DefaultAction,
		Priority:     DefaultPriority,
		Reasoning:    reason,
		FromModel:    false,
		ClassifiedAt: time.Now().UTC(),
	}
}

// =============================================================================
// Action execution
// =============================================================================

// ActionResult records one executor attempt. Actions are tried exactly
// once per classification; failures surface here and in the sync report,
// never as retries.
type ActionResult struct {
	EmailID    string        `json:"email_id"`
	Action     EmailAction   `json:"action"`
	Success    bool          `json:"success"`
	Detail     string        `json:"detail,omitempty"`
	Error      string        `json:"error,omitempty"`
	ExecutedAt time.Time     `json:"executed_at"`
	Duration   time.Duration `json:"duration,omitempty"`
}
