package rag

import (
	"context"

	"sync_server/core/port/out"
)

// The embeddings API rejects very large input arrays; batches are split
// before dispatch.
const maxEmbedBatch = 100

// Embedder wraps the LLM gateway's embedding surface with batch
// splitting.
type Embedder struct {
	gateway out.LLMGateway
}

func NewEmbedder(gateway out.LLMGateway) *Embedder {
	return &Embedder{gateway: gateway}
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.gateway.Embedding(ctx, text)
}

// EmbedBatch embeds texts in sub-batches and returns vectors in input
// order. A failed sub-batch fails the whole call; the pipeline treats
// that as the document failing.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxEmbedBatch {
		end := min(start+maxEmbedBatch, len(texts))
		batch, err := e.gateway.EmbeddingBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}
