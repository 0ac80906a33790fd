package out

import "context"

// =============================================================================
// LLM gateway
// =============================================================================

// LLMGateway is the model surface the classifier and embedder consume.
// Completions run at low temperature; implementations own timeouts per
// call.
type LLMGateway interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Embedding(ctx context.Context, text string) ([]float32, error)
	EmbeddingBatch(ctx context.Context, texts []string) ([][]float32, error)
}
