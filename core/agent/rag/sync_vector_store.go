package rag

import (
	"context"
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"

	"sync_server/core/domain"
	"sync_server/core/port/out"
	"sync_server/pkg/apperr"
)

// PgVectorStore implements out.VectorStore on a pgvector table. Chunks
// live in one table partitioned logically by user_id; collection
// isolation is the user_id predicate on every query.
type PgVectorStore struct {
	db   *pgxpool.Pool
	dims int
}

// NewPgVectorStore creates the store. dims must match the embedding
// model's output width.
func NewPgVectorStore(db *pgxpool.Pool, dims int) *PgVectorStore {
	if dims <= 0 {
		dims = 1536
	}
	return &PgVectorStore{db: db, dims: dims}
}

// EnsureSchema creates the extension, table, and indexes.
func (s *PgVectorStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_chunks (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			doc_id TEXT NOT NULL,
			chunk_index INT NOT NULL,
			content TEXT NOT NULL,
			path TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			embedding vector(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, doc_id, chunk_index)
		)`, s.dims),
		`CREATE INDEX IF NOT EXISTS document_chunks_user_idx ON document_chunks (user_id)`,
		`CREATE INDEX IF NOT EXISTS document_chunks_doc_idx ON document_chunks (user_id, doc_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return apperr.StorageError("ensure vector schema", err)
		}
	}
	return nil
}

// Upsert replaces the document's chunks atomically: old rows deleted and
// new rows inserted in one transaction, so a reader never sees a
// half-written document.
func (s *PgVectorStore) Upsert(ctx context.Context, userID string, chunks []*domain.Chunk, embeddings [][]float32) error {
	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) != len(embeddings) {
		return apperr.InvalidArgument("embeddings", fmt.Sprintf("got %d for %d chunks", len(embeddings), len(chunks)))
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return apperr.StorageError("begin vector upsert", err)
	}
	defer tx.Rollback(ctx)

	deleted := make(map[string]bool, 1)
	for _, ch := range chunks {
		if deleted[ch.DocID] {
			continue
		}
		deleted[ch.DocID] = true
		if _, err := tx.Exec(ctx,
			`DELETE FROM document_chunks WHERE user_id = $1 AND doc_id = $2`,
			userID, ch.DocID,
		); err != nil {
			return apperr.StorageError("clear document chunks", err)
		}
	}

	const insertQuery = `
		INSERT INTO document_chunks
			(user_id, doc_id, chunk_index, content, path, provider, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for i, ch := range chunks {
		meta, err := json.Marshal(ch.Metadata)
		if err != nil {
			return apperr.StorageError("encode chunk metadata", err)
		}
		if _, err := tx.Exec(ctx, insertQuery,
			userID, ch.DocID, ch.Index, ch.Text, ch.Path, string(ch.Provider),
			meta, pgVector(embeddings[i]),
		); err != nil {
			return apperr.StorageError("insert chunk", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.StorageError("commit vector upsert", err)
	}
	return nil
}

// Search returns the topK nearest chunks above minScore for the user,
// best first. Score is cosine similarity.
func (s *PgVectorStore) Search(ctx context.Context, userID string, embedding []float32, topK int, minScore float64) ([]*out.ScoredChunk, error) {
	if topK <= 0 {
		topK = 10
	}

	query := `
		SELECT doc_id, chunk_index, content, path, provider, metadata,
		       1 - (embedding <=> $1) AS score
		FROM document_chunks
		WHERE user_id = $2
		AND embedding IS NOT NULL
	`
	if minScore > 0 {
		query += ` AND 1 - (embedding <=> $1) >= ` + strconv.FormatFloat(minScore, 'f', 2, 64)
	}
	query += ` ORDER BY embedding <=> $1 LIMIT $3`

	rows, err := s.db.Query(ctx, query, pgVector(embedding), userID, topK)
	if err != nil {
		return nil, apperr.StorageError("search chunks", err)
	}
	defer rows.Close()

	var results []*out.ScoredChunk
	for rows.Next() {
		var (
			chunk    domain.Chunk
			provider string
			metaRaw  []byte
			score    float64
		)
		if err := rows.Scan(&chunk.DocID, &chunk.Index, &chunk.Text, &chunk.Path, &provider, &metaRaw, &score); err != nil {
			return nil, apperr.StorageError("scan chunk", err)
		}
		chunk.UserID = userID
		chunk.Provider = domain.Provider(provider)
		if len(metaRaw) > 0 {
			_ = json.Unmarshal(metaRaw, &chunk.Metadata)
		}
		results = append(results, &out.ScoredChunk{Chunk: chunk, Score: score})
	}
	return results, rows.Err()
}

// DeleteByDocID removes every chunk of the document.
func (s *PgVectorStore) DeleteByDocID(ctx context.Context, userID, docID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM document_chunks WHERE user_id = $1 AND doc_id = $2`,
		userID, docID,
	)
	if err != nil {
		return apperr.StorageError("delete document chunks", err)
	}
	return nil
}

// CountByUser reports the user's chunk count.
func (s *PgVectorStore) CountByUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM document_chunks WHERE user_id = $1`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, apperr.StorageError("count chunks", err)
	}
	return count, nil
}

// pgVector converts a float32 slice to the pgvector literal format.
func pgVector(v []float32) string {
	if len(v) == 0 {
		return "[0]"
	}

	// Pre-allocate: '[' + (~12 chars + ',') per element + ']'
	buf := make([]byte, 0, len(v)*13+2)
	buf = append(buf, '[')

	for i, f := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendFloat(buf, float64(f), 'f', 6, 32)
	}

	buf = append(buf, ']')
	return string(buf)
}

// =============================================================================
// Interface Compliance
// =============================================================================

var _ out.VectorStore = (*PgVectorStore)(nil)
