package in

import "context"

// =============================================================================
// Retrieval
// =============================================================================

// RetrievedDocument is one ranked retrieval hit. Preview is capped at
// 400 characters.
type RetrievedDocument struct {
	Rank     int               `json:"rank"`
	DocID    string            `json:"doc_id"`
	Path     string            `json:"path"`
	Score    float64           `json:"score"`
	Preview  string            `json:"preview"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RetrievalResult is the full answer to one retrieval query. Rendered is
// the text block the tool surface returns verbatim.
type RetrievalResult struct {
	Query     string              `json:"query"`
	Documents []RetrievedDocument `json:"documents"`
	Rendered  string              `json:"rendered"`
}

// RetrieveService answers free-text queries from the user's collection.
// Top-K, minimum score and collection are fixed by configuration, never
// by the caller.
type RetrieveService interface {
	RetrieveDocuments(ctx context.Context, userID, prompt string) (*RetrievalResult, error)
}

// =============================================================================
// Tool multiplexer
// =============================================================================

// ToolResult is the uniform tool-call envelope.
type ToolResult struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ToolService routes a named tool call to the user's preferred provider
// for the capability: the first family with a valid credential, Google
// before Microsoft.
type ToolService interface {
	CallTool(ctx context.Context, userID, toolName string, params map[string]interface{}) *ToolResult
	ListTools() []string
}
