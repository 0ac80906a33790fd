package rag

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"sync_server/core/domain"
)

func TestSplitTextShortAndEmpty(t *testing.T) {
	c := NewChunker(300, 50)

	if got := c.splitText(""); got != nil {
		t.Errorf("splitText(\"\") = %v, want nil", got)
	}
	if got := c.splitText("   \n  "); got != nil {
		t.Errorf("splitText(whitespace) = %v, want nil", got)
	}

	got := c.splitText("a short body")
	if len(got) != 1 || got[0] != "a short body" {
		t.Errorf("splitText(short) = %v, want single chunk", got)
	}
}

func TestSplitTextSentences(t *testing.T) {
	// chunkSize 40 bytes, overlap 8 bytes; sentences are too large to be
	// retained as overlap.
	c := &Chunker{chunkSize: 40, overlap: 8}

	got := c.splitText("alpha beta gamma. delta epsilon zeta. eta theta iota kappa.")
	want := []string{
		"alpha beta gamma. delta epsilon zeta.",
		"eta theta iota kappa.",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("splitText() = %q, want %q", got, want)
	}
}

func TestSplitTextWordOverlap(t *testing.T) {
	// 12-byte chunks of 2-byte words with a 4-byte overlap keep the last
	// two words of each chunk as the head of the next.
	c := &Chunker{chunkSize: 12, overlap: 4}

	got := c.splitText("a b c d e f g h i j k l m n o p q r s t u v w x y z")
	want := []string{
		"a b c d e f",
		"e f g h i j",
		"i j k l m n",
		"m n o p q r",
		"q r s t u v",
		"u v w x y z",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("splitText() = %q, want %q", got, want)
	}
}

func TestSplitTextHardCut(t *testing.T) {
	c := &Chunker{chunkSize: 12, overlap: 0}

	got := c.splitText(strings.Repeat("x", 100))
	if len(got) != 9 {
		t.Fatalf("splitText() produced %d chunks, want 9", len(got))
	}
	for i, chunk := range got[:8] {
		if chunk != strings.Repeat("x", 12) {
			t.Errorf("chunk %d = %q, want 12 x's", i, chunk)
		}
	}
	if got[8] != "xxxx" {
		t.Errorf("last chunk = %q, want %q", got[8], "xxxx")
	}
}

func TestHardCutRuneBoundary(t *testing.T) {
	// Two-byte runes with an odd byte budget must back off to the rune
	// start, never splitting a rune.
	pieces := hardCut(strings.Repeat("é", 10), 3)
	if len(pieces) != 10 {
		t.Fatalf("hardCut() produced %d pieces, want 10", len(pieces))
	}
	for i, p := range pieces {
		if !utf8.ValidString(p) {
			t.Errorf("piece %d = %q is not valid UTF-8", i, p)
		}
		if p != "é" {
			t.Errorf("piece %d = %q, want %q", i, p, "é")
		}
	}
}

func TestSplitTextChunkSizeInvariant(t *testing.T) {
	c := &Chunker{chunkSize: 50, overlap: 10}

	text := strings.Repeat("lorem ipsum dolor sit amet. ", 20) +
		"\n\n" + strings.Repeat("consectetur ", 30)
	for i, chunk := range c.splitText(text) {
		if len(chunk) > c.chunkSize {
			t.Errorf("chunk %d is %d bytes, want <= %d", i, len(chunk), c.chunkSize)
		}
		if strings.TrimSpace(chunk) == "" {
			t.Errorf("chunk %d is blank", i)
		}
	}
}

func TestSplitCarriesDocumentIdentity(t *testing.T) {
	c := NewChunker(300, 50)
	doc := &domain.Document{
		DocID:    "doc-1",
		Path:     "email_data/u1/conv/doc-1",
		UserID:   "u1",
		Provider: domain.ProviderGoogleEmail,
		Kind:     domain.DocEmail,
		Title:    "Quarterly report",
		Body:     "short body text",
		Metadata: map[string]string{"sender": "alice@example.com"},
	}

	chunks := c.Split(doc)
	if len(chunks) != 1 {
		t.Fatalf("Split() produced %d chunks, want 1", len(chunks))
	}
	ch := chunks[0]
	if ch.DocID != "doc-1" || ch.Index != 0 {
		t.Errorf("identity = (%q, %d), want (doc-1, 0)", ch.DocID, ch.Index)
	}
	if ch.Path != doc.Path || ch.UserID != "u1" || ch.Provider != domain.ProviderGoogleEmail {
		t.Errorf("chunk carries (%q, %q, %q), want document values", ch.Path, ch.UserID, ch.Provider)
	}
	if ch.Metadata["sender"] != "alice@example.com" {
		t.Errorf("Metadata[sender] = %q, want alice@example.com", ch.Metadata["sender"])
	}
	if ch.Metadata["title"] != "Quarterly report" || ch.Metadata["kind"] != "email" {
		t.Errorf("Metadata title/kind = (%q, %q)", ch.Metadata["title"], ch.Metadata["kind"])
	}
	if ch.ChunkID() != "doc-1:0" {
		t.Errorf("ChunkID() = %q, want doc-1:0", ch.ChunkID())
	}
}

func TestNewChunkerDefaults(t *testing.T) {
	c := NewChunker(0, -1)
	if c.chunkSize != 300*charsPerToken {
		t.Errorf("chunkSize = %d, want %d", c.chunkSize, 300*charsPerToken)
	}
	if c.overlap != 50*charsPerToken {
		t.Errorf("overlap = %d, want %d", c.overlap, 50*charsPerToken)
	}
}
