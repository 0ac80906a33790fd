package domain

import (
	"strings"
	"time"
)

// =============================================================================
// Mail folder buckets (persisted form)
// =============================================================================

// EmailFolder is the folder bucket stored with a normalized email. It is
// deliberately coarser than the Folder aliases used for move operations:
// anything outside the named buckets collapses to "other".
type EmailFolder string

const (
	EmailFolderInbox  EmailFolder = "inbox"
	EmailFolderSent   EmailFolder = "sent"
	EmailFolderDrafts EmailFolder = "drafts"
	EmailFolderMbox   EmailFolder = "mbox"
	EmailFolderOther  EmailFolder = "other"
)

// BucketForFolder maps a move-target folder alias onto the persisted
// bucket.
func BucketForFolder(f Folder) EmailFolder {
	switch f {
	case FolderInbox:
		return EmailFolderInbox
	case FolderSent:
		return EmailFolderSent
	case FolderDrafts:
		return EmailFolderDrafts
	default:
		return EmailFolderOther
	}
}

// =============================================================================
// Email - normalized message
// =============================================================================

// Email is the normalized message shape shared by every mail source.
// EmailID is the provider message id; mbox imports carry a synthetic one.
// (UserID, EmailID, SourceType) is unique in the content store.
type Email struct {
	ID     int64  `json:"id,omitempty"`
	UserID string `json:"user_id"`

	EmailID        string   `json:"email_id"`
	ConversationID string   `json:"conversation_id"`
	SourceType     Provider `json:"source_type"`

	// Headers
	Subject    string   `json:"subject"`
	Sender     string   `json:"sender"`
	SenderName string   `json:"sender_name,omitempty"`
	Recipients []string `json:"recipients"`
	CC         []string `json:"cc,omitempty"`
	BCC        []string `json:"bcc,omitempty"`

	// SentDate is the parsed send time. RawSentDate keeps the provider's
	// original string when it could not be parsed; SentDate is zero then.
	SentDate    time.Time `json:"sent_date"`
	RawSentDate string    `json:"raw_sent_date,omitempty"`

	// InternetMessageID is the RFC 5322 Message-ID header when known.
	// Mbox identity hashing depends on it.
	InternetMessageID string `json:"internet_message_id,omitempty"`

	Folder EmailFolder `json:"folder"`

	// Content
	BodyText       string       `json:"body_text"`
	BodyHTML       string       `json:"body_html,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	HasAttachments bool         `json:"has_attachments"`

	// Classification state
	IsClassified     bool   `json:"is_classified"`
	ClassifiedAction string `json:"classified_action,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// DocID derives the identity hash for this email. Mbox messages fold the
// internet message id into the preimage, everything else hashes the
// provider id directly.
func (e *Email) DocID() string {
	if e.SourceType == ProviderMbox {
		return MboxDocID(e.EmailID, e.Subject, e.SentDate, e.Sender, e.BodyText, e.InternetMessageID)
	}
	return EmailDocID(e.EmailID, e.Subject, e.SentDate, e.Sender, e.BodyText)
}

// Path builds the canonical registry path for this email.
func (e *Email) Path() string {
	conv := e.ConversationID
	if conv == "" {
		conv = e.EmailID
	}
	return EmailPath(e.SourceType, e.UserID, conv, e.DocID())
}

// DisplaySubject substitutes the placeholder for an empty subject.
func (e *Email) DisplaySubject() string {
	if strings.TrimSpace(e.Subject) == "" {
		return NoSubjectPlaceholder
	}
	return e.Subject
}

// EffectiveBody prefers the plain-text body and falls back to the HTML
// body. Adapters strip tags before the email reaches this point, so the
// fallback only matters for messages kept verbatim.
func (e *Email) EffectiveBody() string {
	if strings.TrimSpace(e.BodyText) != "" {
		return e.BodyText
	}
	return e.BodyHTML
}

// SentDateString renders the sent date for hashing and display,
// preferring the parsed time and keeping the raw provider string
// otherwise.
func (e *Email) SentDateString() string {
	if !e.SentDate.IsZero() {
		return e.SentDate.UTC().Format(time.RFC3339)
	}
	return e.RawSentDate
}

// ToDocument converts the email into the pipeline's neutral shape.
func (e *Email) ToDocument() *Document {
	meta := map[string]string{
		"email_id": e.EmailID,
		"sender":   e.Sender,
		"folder":   string(e.Folder),
	}
	if e.ConversationID != "" {
		meta["conversation_id"] = e.ConversationID
	}
	if e.HasAttachments {
		meta["has_attachments"] = "true"
	}
	return &Document{
		DocID:          e.DocID(),
		Path:           e.Path(),
		UserID:         e.UserID,
		Provider:       e.SourceType,
		Kind:           DocEmail,
		ProviderID:     e.EmailID,
		ConversationID: e.ConversationID,
		Title:          e.DisplaySubject(),
		Sender:         e.Sender,
		Body:           e.EffectiveBody(),
		Date:           e.SentDate,
		Metadata:       meta,
	}
}

// =============================================================================
// Attachments
// =============================================================================

// Attachment is an eagerly-realized email attachment. Data is capped at
// the configured per-attachment limit by the fetching adapter; oversize
// payloads arrive with Data nil and Truncated set.
type Attachment struct {
	Filename      string `json:"filename"`
	ContentType   string `json:"content_type"`
	Data          []byte `json:"-"`
	Size          int64  `json:"size"`
	ParentEmailID string `json:"parent_email_id"`
	Truncated     bool   `json:"truncated,omitempty"`
}

// Usable reports whether the attachment should be ingested. Attachments
// without a filename or without content are dropped, the parent email is
// kept either way.
func (a *Attachment) Usable() bool {
	return strings.TrimSpace(a.Filename) != "" && len(a.Data) > 0 && !a.Truncated
}

// =============================================================================
// Outbound mail
// =============================================================================

// OutgoingEmail is the payload for draft creation. Sends are never
// dispatched directly: both providers store the message as a draft.
type OutgoingEmail struct {
	To      []string `json:"to"`
	CC      []string `json:"cc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	IsHTML  bool     `json:"is_html,omitempty"`
}
