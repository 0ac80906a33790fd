package out

import (
	"context"

	"sync_server/core/domain"
)

// =============================================================================
// Vector store
// =============================================================================

// ScoredChunk is one retrieval hit with its cosine similarity.
type ScoredChunk struct {
	Chunk domain.Chunk `json:"chunk"`
	Score float64      `json:"score"`
}

// VectorStore holds embedded chunks per user collection. Upsert call
// granularity is one document: the pipeline treats a failed call as that
// document failing, re-queues it once, and moves on.
type VectorStore interface {
	// Upsert writes all chunks of one document with their embeddings.
	// len(chunks) must equal len(embeddings).
	Upsert(ctx context.Context, userID string, chunks []*domain.Chunk, embeddings [][]float32) error

	// Search returns the topK nearest chunks above minScore for the
	// user's collection, best first.
	Search(ctx context.Context, userID string, embedding []float32, topK int, minScore float64) ([]*ScoredChunk, error)

	// DeleteByDocID removes every chunk of the document.
	DeleteByDocID(ctx context.Context, userID, docID string) error

	// CountByUser reports the user's chunk count.
	CountByUser(ctx context.Context, userID string) (int64, error)
}
