package domain

import (
	"strings"
	"time"
)

// =============================================================================
// Providers
// =============================================================================

// Provider identifies one content source. The value doubles as the
// first segment of canonical document paths.
type Provider string

const (
	ProviderGoogleEmail       Provider = "google_email"
	ProviderMicrosoftEmail    Provider = "microsoft_email"
	ProviderGoogleDrive       Provider = "google_storage"
	ProviderOneDrive          Provider = "microsoft_storage"
	ProviderGoogleCalendar    Provider = "google_calendar"
	ProviderMicrosoftCalendar Provider = "microsoft_calendar"
	ProviderMbox              Provider = "mbox"
	ProviderLocalFS           Provider = "local_storage"
)

// AllProviders lists every registered provider in discovery order.
var AllProviders = []Provider{
	ProviderGoogleEmail,
	ProviderMicrosoftEmail,
	ProviderGoogleDrive,
	ProviderOneDrive,
	ProviderGoogleCalendar,
	ProviderMicrosoftCalendar,
	ProviderMbox,
	ProviderLocalFS,
}

// ParseProvider resolves a provider name, accepting a few historical
// spellings.
func ParseProvider(s string) (Provider, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "google_email", "gmail":
		return ProviderGoogleEmail, true
	case "microsoft_email", "outlook":
		return ProviderMicrosoftEmail, true
	case "google_storage", "google_drive", "gdrive":
		return ProviderGoogleDrive, true
	case "microsoft_storage", "onedrive":
		return ProviderOneDrive, true
	case "google_calendar", "gcal":
		return ProviderGoogleCalendar, true
	case "microsoft_calendar", "outlook_calendar":
		return ProviderMicrosoftCalendar, true
	case "mbox":
		return ProviderMbox, true
	case "local_storage", "local", "localfs":
		return ProviderLocalFS, true
	}
	return "", false
}

func (p Provider) Valid() bool {
	for _, known := range AllProviders {
		if p == known {
			return true
		}
	}
	return false
}

// IsEmail reports whether the provider yields email messages.
func (p Provider) IsEmail() bool {
	switch p {
	case ProviderGoogleEmail, ProviderMicrosoftEmail, ProviderMbox:
		return true
	}
	return false
}

// IsStorage reports whether the provider yields files.
func (p Provider) IsStorage() bool {
	switch p {
	case ProviderGoogleDrive, ProviderOneDrive, ProviderLocalFS:
		return true
	}
	return false
}

// IsCalendar reports whether the provider yields calendar events.
func (p Provider) IsCalendar() bool {
	switch p {
	case ProviderGoogleCalendar, ProviderMicrosoftCalendar:
		return true
	}
	return false
}

// Family groups providers by credential source: google providers share
// the Google token, microsoft providers share the Graph token, and the
// rest need no OAuth credential.
type ProviderFamily string

const (
	FamilyGoogle    ProviderFamily = "google"
	FamilyMicrosoft ProviderFamily = "microsoft"
	FamilyLocal     ProviderFamily = "local"
)

func (p Provider) Family() ProviderFamily {
	switch p {
	case ProviderGoogleEmail, ProviderGoogleDrive, ProviderGoogleCalendar:
		return FamilyGoogle
	case ProviderMicrosoftEmail, ProviderOneDrive, ProviderMicrosoftCalendar:
		return FamilyMicrosoft
	default:
		return FamilyLocal
	}
}

// RequiresOAuth reports whether syncing this provider needs a stored
// OAuth credential.
func (p Provider) RequiresOAuth() bool {
	return p.Family() != FamilyLocal
}

// PathPrefix returns the leading segment of canonical paths for this
// provider, e.g. "/google_email".
func (p Provider) PathPrefix() string {
	return "/" + string(p)
}

// =============================================================================
// Mail folders
// =============================================================================

// Folder is the provider-neutral mail folder alias.
type Folder string

const (
	FolderInbox   Folder = "inbox"
	FolderSent    Folder = "sent"
	FolderDrafts  Folder = "drafts"
	FolderArchive Folder = "archive"
	FolderTrash   Folder = "trash"
	FolderJunk    Folder = "junk"
)

// ParseFolder resolves a folder alias, accepting both the neutral names
// and the Graph well-known folder names.
func ParseFolder(s string) (Folder, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inbox":
		return FolderInbox, true
	case "sent", "sentitems":
		return FolderSent, true
	case "drafts":
		return FolderDrafts, true
	case "archive":
		return FolderArchive, true
	case "trash", "deleteditems":
		return FolderTrash, true
	case "junk", "junkemail", "spam":
		return FolderJunk, true
	}
	return "", false
}

func (f Folder) Valid() bool {
	switch f {
	case FolderInbox, FolderSent, FolderDrafts, FolderArchive, FolderTrash, FolderJunk:
		return true
	}
	return false
}

// GmailLabel maps the neutral folder to the Gmail system label used in
// list queries. Archive has no label of its own: archived mail is
// whatever carries none of the other system labels.
func (f Folder) GmailLabel() string {
	switch f {
	case FolderInbox:
		return "INBOX"
	case FolderSent:
		return "SENT"
	case FolderDrafts:
		return "DRAFT"
	case FolderTrash:
		return "TRASH"
	case FolderJunk:
		return "SPAM"
	case FolderArchive:
		return ""
	}
	return ""
}

// GraphFolder maps the neutral folder to the Microsoft Graph well-known
// folder name.
func (f Folder) GraphFolder() string {
	switch f {
	case FolderInbox:
		return "inbox"
	case FolderSent:
		return "sentitems"
	case FolderDrafts:
		return "drafts"
	case FolderArchive:
		return "archive"
	case FolderTrash:
		return "deleteditems"
	case FolderJunk:
		return "junkemail"
	}
	return string(f)
}

// =============================================================================
// Pagination
// =============================================================================

// PageRequest is the common limit/offset pagination input.
type PageRequest struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func (p *PageRequest) Normalize(defaultLimit, maxLimit int) {
	if p.Limit < 1 {
		p.Limit = defaultLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
}

// DateRange bounds a time-filtered listing.
type DateRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// Contains reports whether t falls inside the range (inclusive bounds).
func (r *DateRange) Contains(t time.Time) bool {
	if r.From != nil && t.Before(*r.From) {
		return false
	}
	if r.To != nil && t.After(*r.To) {
		return false
	}
	return true
}
