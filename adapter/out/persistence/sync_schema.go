package persistence

import (
	"context"

	"github.com/jmoiron/sqlx"

	"sync_server/pkg/apperr"
)

// =============================================================================
// Schema Bootstrap
// =============================================================================

// schemaStatements creates the relational surface on first boot. Every
// statement is idempotent; order matters only for the indexes.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS emails (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		email_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		source_type TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		sender TEXT NOT NULL DEFAULT '',
		sender_name TEXT,
		recipients TEXT[] NOT NULL DEFAULT '{}',
		cc_emails TEXT[] NOT NULL DEFAULT '{}',
		bcc_emails TEXT[] NOT NULL DEFAULT '{}',
		sent_date TIMESTAMPTZ,
		raw_sent_date TEXT,
		internet_message_id TEXT,
		folder TEXT NOT NULL DEFAULT 'other',
		body_text TEXT NOT NULL DEFAULT '',
		body_html TEXT,
		has_attachments BOOLEAN NOT NULL DEFAULT FALSE,
		attachment_names TEXT[] NOT NULL DEFAULT '{}',
		is_classified BOOLEAN NOT NULL DEFAULT FALSE,
		classified_action TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (user_id, email_id, source_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_emails_user_conversation
		ON emails (user_id, conversation_id, source_type)`,
	`CREATE INDEX IF NOT EXISTS idx_emails_unclassified
		ON emails (user_id, source_type, sent_date DESC) WHERE is_classified = FALSE`,

	`CREATE TABLE IF NOT EXISTS sync_runs (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		source_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		items_processed INTEGER NOT NULL DEFAULT 0,
		items_succeeded INTEGER NOT NULL DEFAULT 0,
		items_failed INTEGER NOT NULL DEFAULT 0,
		items_skipped INTEGER NOT NULL DEFAULT 0,
		total_documents INTEGER NOT NULL DEFAULT 0,
		progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_sync_attempt TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_successful_sync TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		error_details TEXT,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_runs_pair
		ON sync_runs (user_id, source_type, last_sync_attempt DESC)`,

	`CREATE TABLE IF NOT EXISTS provider_changes (
		id BIGINT PRIMARY KEY,
		provider TEXT NOT NULL,
		user_id TEXT NOT NULL,
		change_type TEXT NOT NULL,
		item_id TEXT NOT NULL,
		change_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		details JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_provider_changes_user
		ON provider_changes (user_id, change_date DESC)`,

	`CREATE TABLE IF NOT EXISTS user_preferences (
		user_id TEXT PRIMARY KEY,
		classification_rules JSONB NOT NULL DEFAULT '[]',
		sender_avoid_list TEXT[] NOT NULL DEFAULT '{}',
		auto_actions BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// EnsureSchema creates the tables and indexes this package expects.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return apperr.StorageError("ensure schema", err)
		}
	}
	return nil
}
