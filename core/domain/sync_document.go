package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Document identity
// =============================================================================

const (
	// EmailBodyHashPrefix is how much of an email body feeds the docID hash.
	EmailBodyHashPrefix = 1024
	// FileContentHashPrefix is how much of a file's content feeds the docID hash.
	FileContentHashPrefix = 10240

	// NoSubjectPlaceholder substitutes an empty email subject in display
	// and hashing contexts.
	NoSubjectPlaceholder = "(no subject)"
	// UnnamedFilePlaceholder substitutes an empty or unusable filename in
	// canonical paths.
	UnnamedFilePlaceholder = "sans_sujet"
)

// docID builds the identity hash: SHA-256 over the concatenated input
// fields, truncated to 128 bits and rendered lowercase hex (32 chars).
// Inputs must be rendered identically on every host for dedupe to hold,
// so timestamps are always RFC3339 in UTC.
func docID(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// EmailDocID derives the document ID for an email.
func EmailDocID(providerID, subject string, date time.Time, sender, body string) string {
	head := body
	if len(head) > EmailBodyHashPrefix {
		head = head[:EmailBodyHashPrefix]
	}
	return docID(providerID, subject, date.UTC().Format(time.RFC3339), sender, head)
}

// MboxDocID derives the document ID for an mbox-imported email. The
// internet message ID participates (hashed) so two exports of the same
// mailbox produce identical IDs even when provider IDs are synthetic.
func MboxDocID(providerID, subject string, date time.Time, sender, body, internetMessageID string) string {
	head := body
	if len(head) > EmailBodyHashPrefix {
		head = head[:EmailBodyHashPrefix]
	}
	msgSum := sha256.Sum256([]byte(internetMessageID))
	return docID(providerID, subject, date.UTC().Format(time.RFC3339), sender, head,
		hex.EncodeToString(msgSum[:]))
}

// FileDocID derives the document ID for a file (cloud or local).
func FileDocID(providerID, name string, mtime time.Time, mimeType string, content []byte) string {
	head := content
	if len(head) > FileContentHashPrefix {
		head = head[:FileContentHashPrefix]
	}
	return docID(providerID, name, mtime.UTC().Format(time.RFC3339), mimeType, string(head))
}

// EventDocID derives the document ID for a calendar event. Events reuse
// the email shape: title as subject, organizer as sender, description as
// body.
func EventDocID(providerID, title string, start time.Time, organizer, description string) string {
	return EmailDocID(providerID, title, start, organizer, description)
}

// =============================================================================
// Canonical paths
// =============================================================================

// EmailPath builds the canonical registry path for an email document.
func EmailPath(p Provider, userID, conversationID, docID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", p.PathPrefix(), userID, conversationID, docID)
}

// AttachmentPath builds the canonical path for an email attachment.
func AttachmentPath(p Provider, userID, conversationID, filename string) string {
	return fmt.Sprintf("%s/%s/%s/attachments/%s", p.PathPrefix(), userID, conversationID, SafeFilename(filename))
}

// FilePath builds the canonical registry path for a cloud file.
func FilePath(p Provider, userID, fileID, filename string) string {
	return fmt.Sprintf("%s/%s/%s/%s", p.PathPrefix(), userID, fileID, SafeFilename(filename))
}

// LocalPath builds the canonical registry path for a local file by its
// path relative to the user's storage root.
func LocalPath(userID, relPath string) string {
	rel := strings.TrimPrefix(relPath, "/")
	return fmt.Sprintf("%s/%s/%s", ProviderLocalFS.PathPrefix(), userID, rel)
}

// EventPath builds the canonical registry path for a calendar event.
// Events use the calendar ID where emails use a conversation ID.
func EventPath(p Provider, userID, calendarID, docID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", p.PathPrefix(), userID, calendarID, docID)
}

// SafeFilename strips path separators and substitutes empty names so a
// remote filename can never escape or break a canonical path.
func SafeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.Trim(name, ".")
	if name == "" {
		return UnnamedFilePlaceholder
	}
	return name
}

// =============================================================================
// Document - the normalized unit flowing through the pipeline
// =============================================================================

// DocumentKind distinguishes content shapes after normalization.
type DocumentKind string

const (
	DocEmail         DocumentKind = "email"
	DocFile          DocumentKind = "file"
	DocCalendarEvent DocumentKind = "calendar_event"
)

// Document is a provider-neutral item ready for chunking and upsert.
// Every adapter converts its native objects into this shape.
type Document struct {
	DocID    string       `json:"doc_id"`
	Path     string       `json:"path"`
	UserID   string       `json:"user_id"`
	Provider Provider     `json:"provider"`
	Kind     DocumentKind `json:"kind"`

	// Remote identity
	ProviderID     string `json:"provider_id"`
	ConversationID string `json:"conversation_id,omitempty"`

	// Content
	Title    string    `json:"title"`
	Sender   string    `json:"sender,omitempty"`
	Body     string    `json:"body"`
	MimeType string    `json:"mime_type,omitempty"`
	Date     time.Time `json:"date"`

	// Free-form provider metadata carried into the registry and chunks
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Preview returns the first n characters of the body on a rune boundary.
func (d *Document) Preview(n int) string {
	return TruncateRunes(d.Body, n)
}

// TruncateRunes shortens s to at most n runes.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// =============================================================================
// Chunks
// =============================================================================

// Chunk is one embeddable slice of a document.
type Chunk struct {
	DocID    string            `json:"doc_id"`
	Index    int               `json:"index"`
	Text     string            `json:"text"`
	Path     string            `json:"path"`
	UserID   string            `json:"user_id"`
	Provider Provider          `json:"provider"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ChunkID renders the stable identifier for a chunk row.
func (c *Chunk) ChunkID() string {
	return fmt.Sprintf("%s:%d", c.DocID, c.Index)
}
