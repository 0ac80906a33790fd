// Package rag holds the retrieval side of the pipeline: chunking,
// embedding, and the pgvector store.
package rag

import (
	"strings"
	"unicode/utf8"

	"sync_server/core/domain"
)

// One embedding token is roughly four characters of English text; sizes
// are configured in tokens and applied in characters.
const charsPerToken = 4

// Separators tried in order by the recursive splitter, coarsest first.
var chunkSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Chunker splits document bodies into overlapping slices sized for
// embedding.
type Chunker struct {
	chunkSize int // bytes
	overlap   int // bytes
}

// NewChunker builds a chunker from token-denominated settings.
func NewChunker(sizeTokens, overlapTokens int) *Chunker {
	if sizeTokens <= 0 {
		sizeTokens = 300
	}
	if overlapTokens < 0 || overlapTokens >= sizeTokens {
		overlapTokens = sizeTokens / 6
	}
	return &Chunker{
		chunkSize: sizeTokens * charsPerToken,
		overlap:   overlapTokens * charsPerToken,
	}
}

// Split breaks the document body into chunks carrying the document's
// identity. Chunk metadata extends the document metadata with title and
// kind so retrieval can render hits without a registry lookup.
func (c *Chunker) Split(doc *domain.Document) []*domain.Chunk {
	pieces := c.splitText(doc.Body)
	chunks := make([]*domain.Chunk, 0, len(pieces))
	for i, text := range pieces {
		meta := make(map[string]string, len(doc.Metadata)+2)
		for k, v := range doc.Metadata {
			meta[k] = v
		}
		meta["title"] = doc.Title
		meta["kind"] = string(doc.Kind)
		chunks = append(chunks, &domain.Chunk{
			DocID:    doc.DocID,
			Index:    i,
			Text:     text,
			Path:     doc.Path,
			UserID:   doc.UserID,
			Provider: doc.Provider,
			Metadata: meta,
		})
	}
	return chunks
}

// splitText is a recursive character splitter: it cuts on the coarsest
// separator present, merges the parts greedily up to the chunk size, and
// keeps a tail of parts within the overlap budget as the head of the
// next chunk.
func (c *Chunker) splitText(text string) []string {
	return c.split(text, chunkSeparators)
}

func (c *Chunker) split(text string, seps []string) []string {
	if len(text) <= c.chunkSize {
		if s := strings.TrimSpace(text); s != "" {
			return []string{s}
		}
		return nil
	}

	sep := seps[len(seps)-1]
	rest := seps
	for i, s := range seps {
		if s == "" || strings.Contains(text, s) {
			sep = s
			rest = seps[i+1:]
			break
		}
	}

	var parts []string
	if sep == "" {
		parts = hardCut(text, c.chunkSize)
	} else {
		parts = strings.SplitAfter(text, sep)
	}

	var (
		chunks []string
		buf    []string
		bufLen int
		fresh  bool // buf holds parts not yet emitted
	)
	flush := func() {
		if !fresh {
			return
		}
		merged := strings.TrimSpace(strings.Join(buf, ""))
		if merged != "" {
			chunks = append(chunks, merged)
		}
		// Retain a suffix of parts within the overlap budget.
		var keep []string
		keepLen := 0
		for i := len(buf) - 1; i >= 0; i-- {
			if keepLen+len(buf[i]) > c.overlap {
				break
			}
			keep = append([]string{buf[i]}, keep...)
			keepLen += len(buf[i])
		}
		buf = keep
		bufLen = keepLen
		fresh = false
	}

	for _, p := range parts {
		if len(p) > c.chunkSize {
			flush()
			buf, bufLen, fresh = nil, 0, false
			chunks = append(chunks, c.split(p, rest)...)
			continue
		}
		if bufLen+len(p) > c.chunkSize {
			flush()
		}
		buf = append(buf, p)
		bufLen += len(p)
		fresh = true
	}
	flush()

	return chunks
}

// hardCut slices text into size-byte pieces on rune boundaries; the last
// resort when no separator fits.
func hardCut(text string, size int) []string {
	var parts []string
	for len(text) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			cut = size
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
