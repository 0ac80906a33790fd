// Package persistence provides database adapters implementing outbound ports.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"sync_server/core/domain"
	"sync_server/core/port/out"
	"sync_server/pkg/apperr"
)

// =============================================================================
// Email Adapter (PostgreSQL)
// =============================================================================

// EmailAdapter implements out.EmailRepository using PostgreSQL.
type EmailAdapter struct {
	db *sqlx.DB
}

// NewEmailAdapter creates a new EmailAdapter.
func NewEmailAdapter(db *sqlx.DB) *EmailAdapter {
	return &EmailAdapter{db: db}
}

// =============================================================================
// Database Row Mapping
// =============================================================================

// emailSelectColumns contains explicit column names for SELECT queries.
const emailSelectColumns = `
	e.id, e.user_id, e.email_id, e.conversation_id, e.source_type,
	e.subject, e.sender, e.sender_name, e.recipients, e.cc_emails, e.bcc_emails,
	e.sent_date, e.raw_sent_date, e.internet_message_id, e.folder,
	e.body_text, e.body_html, e.has_attachments, e.attachment_names,
	e.is_classified, e.classified_action, e.created_at, e.updated_at`

// emailRow represents the database row for normalized emails.
type emailRow struct {
	ID             int64  `db:"id"`
	UserID         string `db:"user_id"`
	EmailID        string `db:"email_id"`
	ConversationID string `db:"conversation_id"`
	SourceType     string `db:"source_type"`

	Subject    string         `db:"subject"`
	Sender     string         `db:"sender"`
	SenderName sql.NullString `db:"sender_name"`
	Recipients pq.StringArray `db:"recipients"`
	CcEmails   pq.StringArray `db:"cc_emails"`
	BccEmails  pq.StringArray `db:"bcc_emails"`

	SentDate          sql.NullTime   `db:"sent_date"`
	RawSentDate       sql.NullString `db:"raw_sent_date"`
	InternetMessageID sql.NullString `db:"internet_message_id"`
	Folder            string         `db:"folder"`

	BodyText        string         `db:"body_text"`
	BodyHTML        sql.NullString `db:"body_html"`
	HasAttachments  bool           `db:"has_attachments"`
	AttachmentNames pq.StringArray `db:"attachment_names"`

	IsClassified     bool           `db:"is_classified"`
	ClassifiedAction sql.NullString `db:"classified_action"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *emailRow) toDomain() *domain.Email {
	email := &domain.Email{
		ID:                r.ID,
		UserID:            r.UserID,
		EmailID:           r.EmailID,
		ConversationID:    r.ConversationID,
		SourceType:        domain.Provider(r.SourceType),
		Subject:           r.Subject,
		Sender:            r.Sender,
		SenderName:        r.SenderName.String,
		Recipients:        r.Recipients,
		CC:                r.CcEmails,
		BCC:               r.BccEmails,
		RawSentDate:       r.RawSentDate.String,
		InternetMessageID: r.InternetMessageID.String,
		Folder:            domain.EmailFolder(r.Folder),
		BodyText:          r.BodyText,
		BodyHTML:          r.BodyHTML.String,
		HasAttachments:    r.HasAttachments,
		IsClassified:      r.IsClassified,
		ClassifiedAction:  r.ClassifiedAction.String,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.SentDate.Valid {
		email.SentDate = r.SentDate.Time
	}
	// Attachment payloads never live in the row; only names survive.
	for _, name := range r.AttachmentNames {
		email.Attachments = append(email.Attachments, domain.Attachment{Filename: name, ParentEmailID: r.EmailID})
	}
	return email
}

func attachmentNames(email *domain.Email) []string {
	if len(email.Attachments) == 0 {
		return nil
	}
	names := make([]string, 0, len(email.Attachments))
	for _, a := range email.Attachments {
		names = append(names, a.Filename)
	}
	return names
}

// =============================================================================
// Write Operations
// =============================================================================

// Upsert inserts or updates the email on its (user_id, email_id,
// source_type) natural key and returns the row id. Classification state
// is not touched on conflict: a re-sync never un-classifies.
func (a *EmailAdapter) Upsert(ctx context.Context, email *domain.Email) (int64, error) {
	query := `
		INSERT INTO emails (
			user_id, email_id, conversation_id, source_type,
			subject, sender, sender_name, recipients, cc_emails, bcc_emails,
			sent_date, raw_sent_date, internet_message_id, folder,
			body_text, body_html, has_attachments, attachment_names,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18,
			NOW(), NOW()
		)
		ON CONFLICT (user_id, email_id, source_type) DO UPDATE SET
			conversation_id = EXCLUDED.conversation_id,
			subject = EXCLUDED.subject,
			folder = EXCLUDED.folder,
			body_text = EXCLUDED.body_text,
			body_html = EXCLUDED.body_html,
			has_attachments = EXCLUDED.has_attachments,
			attachment_names = EXCLUDED.attachment_names,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`

	err := a.db.QueryRowxContext(ctx, query,
		email.UserID, email.EmailID, email.ConversationID, string(email.SourceType),
		email.Subject, email.Sender, nullStr(email.SenderName), pq.Array(email.Recipients), pq.Array(email.CC), pq.Array(email.BCC),
		nullTime(email.SentDate), nullStr(email.RawSentDate), nullStr(email.InternetMessageID), string(email.Folder),
		email.BodyText, nullStr(email.BodyHTML), email.HasAttachments, pq.Array(attachmentNames(email)),
	).Scan(&email.ID, &email.CreatedAt, &email.UpdatedAt)
	if err != nil {
		return 0, apperr.StorageError("upsert email", err)
	}
	return email.ID, nil
}

// UpdateClassification marks the email classified with the judged action.
func (a *EmailAdapter) UpdateClassification(ctx context.Context, userID, emailID string, source domain.Provider, action domain.EmailAction) error {
	query := `
		UPDATE emails
		SET is_classified = TRUE, classified_action = $4, updated_at = NOW()
		WHERE user_id = $1 AND email_id = $2 AND source_type = $3`

	res, err := a.db.ExecContext(ctx, query, userID, emailID, string(source), string(action))
	if err != nil {
		return apperr.StorageError("update classification", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("email")
	}
	return nil
}

// =============================================================================
// Read Operations
// =============================================================================

// GetByID fetches one email by its natural key.
func (a *EmailAdapter) GetByID(ctx context.Context, userID, emailID string, source domain.Provider) (*domain.Email, error) {
	query := `SELECT ` + emailSelectColumns + `
		FROM emails e
		WHERE e.user_id = $1 AND e.email_id = $2 AND e.source_type = $3`

	var row emailRow
	err := a.db.GetContext(ctx, &row, query, userID, emailID, string(source))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("email")
		}
		return nil, apperr.StorageError("get email", err)
	}
	return row.toDomain(), nil
}

// GetByConversation returns every stored message of a conversation,
// oldest first, for classifier thread context.
func (a *EmailAdapter) GetByConversation(ctx context.Context, userID, conversationID string, source domain.Provider) ([]*domain.Email, error) {
	query := `SELECT ` + emailSelectColumns + `
		FROM emails e
		WHERE e.user_id = $1 AND e.conversation_id = $2 AND e.source_type = $3
		ORDER BY e.sent_date ASC NULLS LAST, e.id ASC`

	var rows []emailRow
	if err := a.db.SelectContext(ctx, &rows, query, userID, conversationID, string(source)); err != nil {
		return nil, apperr.StorageError("get conversation", err)
	}
	return rowsToDomain(rows), nil
}

// ListUnclassified returns unclassified emails for the source, newest
// first, up to limit.
func (a *EmailAdapter) ListUnclassified(ctx context.Context, userID string, source domain.Provider, limit int) ([]*domain.Email, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + emailSelectColumns + `
		FROM emails e
		WHERE e.user_id = $1 AND e.source_type = $2 AND e.is_classified = FALSE
		ORDER BY e.sent_date DESC NULLS LAST, e.id DESC
		LIMIT $3`

	var rows []emailRow
	if err := a.db.SelectContext(ctx, &rows, query, userID, string(source), limit); err != nil {
		return nil, apperr.StorageError("list unclassified", err)
	}
	return rowsToDomain(rows), nil
}

// SearchByUser does a case-insensitive substring search over subject,
// sender and body, newest first.
func (a *EmailAdapter) SearchByUser(ctx context.Context, userID, search string, limit int) ([]*domain.Email, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + emailSelectColumns + `
		FROM emails e
		WHERE e.user_id = $1
		  AND (e.subject ILIKE $2 OR e.sender ILIKE $2 OR e.body_text ILIKE $2)
		ORDER BY e.sent_date DESC NULLS LAST, e.id DESC
		LIMIT $3`

	var rows []emailRow
	if err := a.db.SelectContext(ctx, &rows, query, userID, "%"+search+"%", limit); err != nil {
		return nil, apperr.StorageError("search emails", err)
	}
	return rowsToDomain(rows), nil
}

func rowsToDomain(rows []emailRow) []*domain.Email {
	emails := make([]*domain.Email, 0, len(rows))
	for i := range rows {
		emails = append(emails, rows[i].toDomain())
	}
	return emails
}

// =============================================================================
// Null Helpers
// =============================================================================

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// Interface compliance check
var _ out.EmailRepository = (*EmailAdapter)(nil)
