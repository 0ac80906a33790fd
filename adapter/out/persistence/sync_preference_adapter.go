package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"sync_server/core/domain"
	"sync_server/core/port/out"
	"sync_server/pkg/apperr"
)

// =============================================================================
// Preference Adapter (PostgreSQL)
// =============================================================================

// PreferenceAdapter implements out.PreferenceRepository. Preferences are
// written by an external surface; this side only reads them.
type PreferenceAdapter struct {
	db *sqlx.DB
}

// NewPreferenceAdapter creates a new PreferenceAdapter.
func NewPreferenceAdapter(db *sqlx.DB) *PreferenceAdapter {
	return &PreferenceAdapter{db: db}
}

type preferenceRow struct {
	UserID              string         `db:"user_id"`
	ClassificationRules []byte         `db:"classification_rules"`
	SenderAvoidList     pq.StringArray `db:"sender_avoid_list"`
	AutoActions         bool           `db:"auto_actions"`
}

// Get returns the user's preferences. A missing row is not an error: it
// yields empty preferences so every caller sees the same default shape.
func (a *PreferenceAdapter) Get(ctx context.Context, userID string) (*domain.UserPreferences, error) {
	query := `
		SELECT user_id, classification_rules, sender_avoid_list, auto_actions
		FROM user_preferences
		WHERE user_id = $1`

	var row preferenceRow
	err := a.db.GetContext(ctx, &row, query, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &domain.UserPreferences{}, nil
		}
		return nil, apperr.StorageError("get preferences", err)
	}

	prefs := &domain.UserPreferences{
		SenderAvoidList: row.SenderAvoidList,
		AutoActions:     row.AutoActions,
	}
	if len(row.ClassificationRules) > 0 {
		if err := json.Unmarshal(row.ClassificationRules, &prefs.Rules); err != nil {
			return nil, apperr.ParseError("classification rules", err)
		}
	}
	return prefs, nil
}

// Interface compliance check
var _ out.PreferenceRepository = (*PreferenceAdapter)(nil)
