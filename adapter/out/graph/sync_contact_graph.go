package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"sync_server/core/domain"
	"sync_server/core/port/out"
)

// =============================================================================
// Neo4j Contact Graph Adapter
// =============================================================================

// ContactGraphAdapter implements out.ContactGraph using Neo4j. Contacts
// are merged per (user, address); SENT edges accumulate per-pair counts.
type ContactGraphAdapter struct {
	driver neo4j.DriverWithContext
	dbName string
}

// NewContactGraphAdapter creates a new Neo4j contact graph adapter.
func NewContactGraphAdapter(driver neo4j.DriverWithContext, dbName string) *ContactGraphAdapter {
	return &ContactGraphAdapter{
		driver: driver,
		dbName: dbName,
	}
}

// EnsureIndexes creates the contact uniqueness constraint and lookup
// indexes.
func (a *ContactGraphAdapter) EnsureIndexes(ctx context.Context) error {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.dbName})
	defer session.Close(ctx)

	queries := []string{
		`CREATE CONSTRAINT contact_unique IF NOT EXISTS FOR (c:Contact) REQUIRE (c.user_id, c.address) IS UNIQUE`,
		`CREATE INDEX contact_user_idx IF NOT EXISTS FOR (c:Contact) ON (c.user_id)`,
		`CREATE INDEX contact_count_idx IF NOT EXISTS FOR (c:Contact) ON (c.email_count)`,
	}

	for _, query := range queries {
		_, err := session.Run(ctx, query, nil)
		if err != nil {
			// Ignore errors for existing indexes
			continue
		}
	}

	return nil
}

// =============================================================================
// Record Operations
// =============================================================================

// RecordEmail merges the sender node, bumps its counters, and links every
// recipient with a SENT edge. Emails without a sender are skipped.
func (a *ContactGraphAdapter) RecordEmail(ctx context.Context, email *domain.Email) error {
	sender := normalizeAddress(email.Sender)
	if sender == "" {
		return nil
	}

	ts := email.SentDate
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.dbName})
	defer session.Close(ctx)

	senderQuery := `
		MERGE (s:Contact {user_id: $userID, address: $sender})
		ON CREATE SET s.first_seen = $ts, s.email_count = 0
		SET s.last_seen = $ts,
			s.email_count = s.email_count + 1,
			s.name = CASE WHEN $name <> '' THEN $name ELSE s.name END
	`

	params := map[string]interface{}{
		"userID": email.UserID,
		"sender": sender,
		"name":   email.SenderName,
		"ts":     ts.Unix(),
	}

	if _, err := session.Run(ctx, senderQuery, params); err != nil {
		return fmt.Errorf("failed to record sender: %w", err)
	}

	recipients := normalizeAddresses(append(append([]string{}, email.Recipients...), email.CC...))
	if len(recipients) == 0 {
		return nil
	}

	edgeQuery := `
		MATCH (s:Contact {user_id: $userID, address: $sender})
		UNWIND $recipients AS addr
		MERGE (r:Contact {user_id: $userID, address: addr})
		ON CREATE SET r.first_seen = $ts, r.email_count = 0
		SET r.last_seen = $ts
		MERGE (s)-[e:SENT]->(r)
		ON CREATE SET e.count = 0
		SET e.count = e.count + 1, e.last_date = $ts
	`

	params["recipients"] = recipients
	if _, err := session.Run(ctx, edgeQuery, params); err != nil {
		return fmt.Errorf("failed to record recipients: %w", err)
	}

	return nil
}

// =============================================================================
// Read Operations
// =============================================================================

// SenderStats returns the accumulated stats for one sender, or nil when
// the sender has never appeared in the user's graph.
func (a *ContactGraphAdapter) SenderStats(ctx context.Context, userID, sender string) (*out.SenderStats, error) {
	sender = normalizeAddress(sender)
	if sender == "" {
		return nil, nil
	}

	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.dbName})
	defer session.Close(ctx)

	query := `
		MATCH (s:Contact {user_id: $userID, address: $sender})
		OPTIONAL MATCH (s)-[e:SENT]->(o:Contact)
		RETURN s.address AS address,
			   coalesce(s.email_count, 0) AS email_count,
			   count(o) AS recipient_count,
			   s.first_seen AS first_seen,
			   s.last_seen AS last_seen
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"userID": userID,
		"sender": sender,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get sender stats: %w", err)
	}

	if !result.Next(ctx) {
		return nil, nil
	}
	return recordToStats(result.Record()), nil
}

// TopSenders lists the user's most frequent correspondents by send count.
func (a *ContactGraphAdapter) TopSenders(ctx context.Context, userID string, limit int) ([]*out.SenderStats, error) {
	if limit <= 0 {
		limit = 10
	}

	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.dbName})
	defer session.Close(ctx)

	query := `
		MATCH (s:Contact {user_id: $userID})
		WHERE coalesce(s.email_count, 0) > 0
		OPTIONAL MATCH (s)-[e:SENT]->(o:Contact)
		RETURN s.address AS address,
			   s.email_count AS email_count,
			   count(o) AS recipient_count,
			   s.first_seen AS first_seen,
			   s.last_seen AS last_seen
		ORDER BY email_count DESC
		LIMIT $limit
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"userID": userID,
		"limit":  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list top senders: %w", err)
	}

	var stats []*out.SenderStats
	for result.Next(ctx) {
		stats = append(stats, recordToStats(result.Record()))
	}
	return stats, nil
}

// DeleteByUser removes the user's whole subgraph.
func (a *ContactGraphAdapter) DeleteByUser(ctx context.Context, userID string) error {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.dbName})
	defer session.Close(ctx)

	query := `
		MATCH (c:Contact {user_id: $userID})
		DETACH DELETE c
	`

	_, err := session.Run(ctx, query, map[string]interface{}{"userID": userID})
	if err != nil {
		return fmt.Errorf("failed to delete user contacts: %w", err)
	}

	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

func recordToStats(record *neo4j.Record) *out.SenderStats {
	stats := &out.SenderStats{
		Sender:         getStringValue(record, "address"),
		EmailCount:     getInt64Value(record, "email_count"),
		RecipientCount: getInt64Value(record, "recipient_count"),
	}
	if ts := getInt64Value(record, "first_seen"); ts > 0 {
		stats.FirstSeen = time.Unix(ts, 0).UTC()
	}
	if ts := getInt64Value(record, "last_seen"); ts > 0 {
		stats.LastSeen = time.Unix(ts, 0).UTC()
	}
	return stats
}

// normalizeAddress lowercases and trims an address so graph identity does
// not split on casing.
func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func normalizeAddresses(addrs []string) []string {
	seen := make(map[string]bool, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = normalizeAddress(a)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

func getStringValue(record *neo4j.Record, key string) string {
	if val, ok := record.Get(key); ok && val != nil {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

func getInt64Value(record *neo4j.Record, key string) int64 {
	if val, ok := record.Get(key); ok && val != nil {
		switch v := val.(type) {
		case int64:
			return v
		case int:
			return int64(v)
		case float64:
			return int64(v)
		}
	}
	return 0
}

// =============================================================================
// Interface Compliance
// =============================================================================

var _ out.ContactGraph = (*ContactGraphAdapter)(nil)
