package retrieve

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"sync_server/config"
	"sync_server/core/agent/rag"
	"sync_server/core/domain"
	"sync_server/core/port/in"
	"sync_server/core/port/out"
	"sync_server/pkg/apperr"
	"sync_server/pkg/cache"
	"sync_server/pkg/logger"
)

// =============================================================================
// Retrieval service
// =============================================================================

const (
	// maxPromptRunes bounds the only caller-supplied knob. Everything
	// else (top-K, score floor, collection) comes from configuration so
	// a prompt-controlled caller cannot widen the scope.
	maxPromptRunes = 10000

	maxPreviewRunes = 400

	maxSubQueries = 3
)

const splitSystemPrompt = `You decompose a search request into independent sub-queries.
Return at most 3 sub-queries, one per line, no numbering, no commentary.
If the request is already a single question, return it unchanged.`

const hydeSystemPrompt = `Write a short plausible document (under 120 words) that would
answer the request. Output only the document text.`

const rerankSystemPrompt = `You rank search results by relevance to a request.
Given numbered snippets, return the numbers from most to least relevant,
comma-separated, nothing else.`

// Service answers free-text retrieval queries against the user's vector
// collection. The cache is optional; nil disables it.
type Service struct {
	cfg      *config.Config
	gateway  out.LLMGateway
	embedder *rag.Embedder
	vectors  out.VectorStore
	cache    *cache.QueryCache
	log      *logger.Logger
}

var _ in.RetrieveService = (*Service)(nil)

func NewService(cfg *config.Config, gateway out.LLMGateway, vectors out.VectorStore, queryCache *cache.QueryCache) *Service {
	return &Service{
		cfg:      cfg,
		gateway:  gateway,
		embedder: rag.NewEmbedder(gateway),
		vectors:  vectors,
		cache:    queryCache,
		log:      logger.WithField("component", "retrieve_service"),
	}
}

// RetrieveDocuments embeds the prompt, searches the user's collection
// and renders a ranked text block. Split-prompt, HyDE and rerank are
// applied when configured; each degrades to the plain path when the
// model call fails.
func (s *Service) RetrieveDocuments(ctx context.Context, userID, prompt string) (*in.RetrievalResult, error) {
	if userID == "" {
		return nil, apperr.MissingField("user_id")
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, apperr.MissingField("prompt")
	}
	if utf8.RuneCountInString(prompt) > maxPromptRunes {
		return nil, apperr.InvalidArgument("prompt", fmt.Sprintf("exceeds %d characters", maxPromptRunes))
	}

	log := s.log.WithUser(userID)

	key := &cache.QueryKey{
		UserID:  userID,
		Adapter: "retrieve_documents",
		Query:   prompt,
		TopK:    s.cfg.RetrievalTopK,
	}
	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, key); ok {
			var cached in.RetrievalResult
			if err := json.Unmarshal(raw, &cached); err == nil {
				return &cached, nil
			}
		}
	}

	queries := []string{prompt}
	if s.cfg.RetrievalSplitPrompt {
		queries = s.splitPrompt(ctx, prompt)
	}

	hits, err := s.search(ctx, userID, queries)
	if err != nil {
		return nil, err
	}

	if s.cfg.RetrievalRerank && len(hits) > 1 {
		hits = s.rerank(ctx, prompt, hits)
	}

	result := s.render(prompt, hits)
	log.Info("retrieved %d documents for %d-char prompt", len(result.Documents), utf8.RuneCountInString(prompt))

	if s.cache != nil {
		if raw, err := json.Marshal(result); err == nil {
			s.cache.Set(ctx, key, raw)
		}
	}
	return result, nil
}

// search embeds every query, collects hits and merges them by chunk,
// keeping the best score. Results are score-descending, capped at the
// configured top-K.
func (s *Service) search(ctx context.Context, userID string, queries []string) ([]*out.ScoredChunk, error) {
	merged := make(map[string]*out.ScoredChunk)
	order := make([]string, 0)

	for _, q := range queries {
		text := q
		if s.cfg.RetrievalUseHyDE {
			if doc := s.hypotheticalDoc(ctx, q); doc != "" {
				text = doc
			}
		}
		embedding, err := s.embedder.Embed(ctx, text)
		if err != nil {
			return nil, apperr.Internal("embedding failed").WithError(err)
		}
		hits, err := s.vectors.Search(ctx, userID, embedding, s.cfg.RetrievalTopK, s.cfg.RetrievalMinScore)
		if err != nil {
			return nil, apperr.StorageError("vector search", err)
		}
		for _, hit := range hits {
			id := hit.Chunk.ChunkID()
			if prev, ok := merged[id]; ok {
				if hit.Score > prev.Score {
					merged[id] = hit
				}
				continue
			}
			merged[id] = hit
			order = append(order, id)
		}
	}

	hits := make([]*out.ScoredChunk, 0, len(merged))
	for _, id := range order {
		hits = append(hits, merged[id])
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > s.cfg.RetrievalTopK {
		hits = hits[:s.cfg.RetrievalTopK]
	}
	return hits, nil
}

func (s *Service) splitPrompt(ctx context.Context, prompt string) []string {
	raw, err := s.gateway.CompleteWithSystem(ctx, splitSystemPrompt, prompt)
	if err != nil {
		s.log.WithError(err).Warn("split prompt failed, using original")
		return []string{prompt}
	}
	var queries []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		queries = append(queries, line)
		if len(queries) == maxSubQueries {
			break
		}
	}
	if len(queries) == 0 {
		return []string{prompt}
	}
	return queries
}

func (s *Service) hypotheticalDoc(ctx context.Context, query string) string {
	doc, err := s.gateway.CompleteWithSystem(ctx, hydeSystemPrompt, query)
	if err != nil {
		s.log.WithError(err).Warn("hypothetical document failed, embedding raw query")
		return ""
	}
	return strings.TrimSpace(doc)
}

// rerank asks the model to reorder the hits listwise. Any hit the model
// skipped keeps its vector order after the ranked ones.
func (s *Service) rerank(ctx context.Context, prompt string, hits []*out.ScoredChunk) []*out.ScoredChunk {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n\nSnippets:\n", prompt)
	for i, hit := range hits {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, domain.TruncateRunes(hit.Chunk.Text, 200))
	}

	raw, err := s.gateway.CompleteWithSystem(ctx, rerankSystemPrompt, b.String())
	if err != nil {
		s.log.WithError(err).Warn("rerank failed, keeping vector order")
		return hits
	}

	ranked := make([]*out.ScoredChunk, 0, len(hits))
	used := make(map[int]bool, len(hits))
	for _, tok := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' }) {
		n, err := strconv.Atoi(strings.TrimSpace(tok))
		if err != nil || n < 1 || n > len(hits) || used[n] {
			continue
		}
		used[n] = true
		ranked = append(ranked, hits[n-1])
	}
	if len(ranked) == 0 {
		return hits
	}
	for i, hit := range hits {
		if !used[i+1] {
			ranked = append(ranked, hit)
		}
	}
	return ranked
}

// =============================================================================
// Rendering
// =============================================================================

func (s *Service) render(prompt string, hits []*out.ScoredChunk) *in.RetrievalResult {
	result := &in.RetrievalResult{
		Query:     prompt,
		Documents: make([]in.RetrievedDocument, 0, len(hits)),
	}

	var b strings.Builder
	if len(hits) == 0 {
		b.WriteString("No matching documents.\n")
		result.Rendered = b.String()
		return result
	}

	fmt.Fprintf(&b, "%d matching documents:\n\n", len(hits))
	for i, hit := range hits {
		doc := in.RetrievedDocument{
			Rank:    i + 1,
			DocID:   hit.Chunk.DocID,
			Path:    hit.Chunk.Path,
			Score:   hit.Score,
			Preview: domain.TruncateRunes(strings.TrimSpace(hit.Chunk.Text), maxPreviewRunes),
		}
		if len(hit.Chunk.Metadata) > 0 || hit.Chunk.Provider != "" {
			doc.Metadata = make(map[string]string, len(hit.Chunk.Metadata)+1)
			for k, v := range hit.Chunk.Metadata {
				doc.Metadata[k] = v
			}
			if hit.Chunk.Provider != "" {
				doc.Metadata["provider"] = string(hit.Chunk.Provider)
			}
		}
		result.Documents = append(result.Documents, doc)

		fmt.Fprintf(&b, "[%d] %s (score %.3f)\n%s\n\n", doc.Rank, doc.Path, doc.Score, doc.Preview)
	}
	result.Rendered = strings.TrimRight(b.String(), "\n") + "\n"
	return result
}
