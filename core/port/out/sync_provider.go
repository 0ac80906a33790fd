// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sync_server/core/domain"
)

// =============================================================================
// Provider error taxonomy
// =============================================================================

// ProviderErrorCode classifies provider failures. The sync layer retries
// only codes whose errors report Retryable.
type ProviderErrorCode string

const (
	ProviderErrAuthFailed        ProviderErrorCode = "auth_failed"
	ProviderErrTransientUpstream ProviderErrorCode = "transient_upstream"
	ProviderErrPermanentUpstream ProviderErrorCode = "permanent_upstream"
	ProviderErrNotFound          ProviderErrorCode = "not_found"
	ProviderErrInvalidArgument   ProviderErrorCode = "invalid_argument"
	ProviderErrRateLimited       ProviderErrorCode = "rate_limited"
	ProviderErrParse             ProviderErrorCode = "parse_error"
	ProviderErrStorage           ProviderErrorCode = "storage_error"
	ProviderErrCancelled         ProviderErrorCode = "cancelled"
)

// ProviderError is the uniform failure shape every adapter surfaces.
type ProviderError struct {
	Provider  domain.Provider
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Provider, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a provider error. Retryable follows the code:
// transient_upstream and rate_limited retry, everything else does not.
func NewProviderError(p domain.Provider, code ProviderErrorCode, message string, err error) *ProviderError {
	retryable := code == ProviderErrTransientUpstream || code == ProviderErrRateLimited
	return &ProviderError{Provider: p, Code: code, Message: message, Err: err, Retryable: retryable}
}

// IsRetryableProviderError reports whether err is a provider error worth
// retrying.
func IsRetryableProviderError(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// ProviderErrorCodeOf extracts the code from err, or "" when err is not
// a provider error.
func ProviderErrorCodeOf(err error) ProviderErrorCode {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// =============================================================================
// Email capability
// =============================================================================

// FetchOptions narrows an email pull.
type FetchOptions struct {
	// Folders limits the pull to the named folder aliases. Empty means
	// the adapter's default set (inbox + sent).
	Folders []domain.Folder
	// Query is a provider-native search expression, passed through.
	Query string
	// Limit caps messages per folder; 0 uses the adapter default.
	Limit int
	// MinDate excludes messages sent strictly before it.
	MinDate time.Time
}

// EmailIterator walks a fetch result lazily. The sequence is finite and
// non-restartable; Close releases whatever the adapter holds open.
//
//	for it.Next(ctx) {
//	    email := it.Email()
//	    ...
//	}
//	err := it.Err()
type EmailIterator interface {
	Next(ctx context.Context) bool
	Email() *domain.Email
	Err() error
	Close() error
}

// SendResult reports the provider-side identifiers of a created draft.
type SendResult struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id,omitempty"`
	DraftID   string `json:"draft_id,omitempty"`
}

// FlagOptions selects which flags to toggle; nil fields stay untouched.
type FlagOptions struct {
	MarkImportant *bool
	MarkRead      *bool
}

// EmailProvider is the mail capability set. Send, reply and forward all
// create drafts (Microsoft forward uses the native forward endpoint);
// nothing here ever dispatches outbound mail.
type EmailProvider interface {
	ProviderType() domain.Provider

	// Authenticate refreshes tokens as needed and reports whether calls
	// can proceed.
	Authenticate(ctx context.Context) (bool, error)

	// FetchEmails returns a lazy iterator plus the total matched count.
	// Attachments are realized eagerly, capped per attachment.
	FetchEmails(ctx context.Context, opts *FetchOptions) (EmailIterator, int, error)

	SendEmail(ctx context.Context, msg *domain.OutgoingEmail) (*SendResult, error)
	ReplyToEmail(ctx context.Context, emailID, body string, cc []string, includeOriginal bool) (*SendResult, error)
	ForwardEmail(ctx context.Context, emailID string, recipients []string, comment string) (*SendResult, error)
	FlagEmail(ctx context.Context, emailID string, opts *FlagOptions) error

	// MoveEmail resolves well-known folder aliases and creates custom
	// folders or labels on first use.
	MoveEmail(ctx context.Context, emailID string, dest domain.Folder) error
}

// =============================================================================
// Drive capability
// =============================================================================

// ListFilesOptions narrows a file listing.
type ListFilesOptions struct {
	FolderID string
	Query    string
	Limit    int
	MinDate  time.Time
}

// DriveProvider is the cloud file capability set. GetFileContent exports
// native document formats to a neutral one and reports the exported MIME
// type.
type DriveProvider interface {
	ProviderType() domain.Provider
	Authenticate(ctx context.Context) (bool, error)
	ListFiles(ctx context.Context, opts *ListFilesOptions) ([]*domain.StorageFile, error)
	GetFileContent(ctx context.Context, fileID string) (*domain.FileContent, error)
	ListFolders(ctx context.Context) ([]*domain.StorageFolder, error)
}

// =============================================================================
// Calendar capability
// =============================================================================

// ListEventsOptions narrows an event listing.
type ListEventsOptions struct {
	MinDate    time.Time
	MaxResults int
}

// CalendarProvider is the calendar capability set, exposed through the
// tool surface only. Events are never persisted or indexed.
type CalendarProvider interface {
	ProviderType() domain.Provider
	Authenticate(ctx context.Context) (bool, error)
	ListEvents(ctx context.Context, opts *ListEventsOptions) ([]*domain.CalendarEvent, error)
	CreateEvent(ctx context.Context, ev *domain.NewCalendarEvent) (*domain.CalendarEvent, error)
}

// =============================================================================
// Provider factory
// =============================================================================

// ProviderFactory builds per-user adapters. Construction never touches
// the network; a missing credential surfaces on the first call instead.
type ProviderFactory interface {
	EmailProvider(ctx context.Context, userID string, p domain.Provider) (EmailProvider, error)
	DriveProvider(ctx context.Context, userID string, p domain.Provider) (DriveProvider, error)
	CalendarProvider(ctx context.Context, userID string, p domain.Provider) (CalendarProvider, error)
}
