package rag

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// fakeGateway embeds each text as a one-element vector of its global
// index so order survives batching.
type fakeGateway struct {
	batchSizes []int
	next       float32
	failBatch  int // 1-based batch number to fail, 0 disables
}

func (f *fakeGateway) Complete(ctx context.Context, prompt string) (string, error) {
	return "", nil
}

func (f *fakeGateway) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return "", nil
}

func (f *fakeGateway) Embedding(ctx context.Context, text string) ([]float32, error) {
	vectors, err := f.EmbeddingBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (f *fakeGateway) EmbeddingBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.batchSizes = append(f.batchSizes, len(texts))
	if f.failBatch > 0 && len(f.batchSizes) == f.failBatch {
		return nil, errors.New("embedding backend down")
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{f.next}
		f.next++
	}
	return vectors, nil
}

func TestEmbedBatchSplitsLargeInputs(t *testing.T) {
	gw := &fakeGateway{}
	e := NewEmbedder(gw)

	texts := make([]string, 250)
	for i := range texts {
		texts[i] = fmt.Sprintf("text %d", i)
	}

	vectors, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if len(vectors) != 250 {
		t.Fatalf("got %d vectors, want 250", len(vectors))
	}

	wantBatches := []int{100, 100, 50}
	if len(gw.batchSizes) != len(wantBatches) {
		t.Fatalf("batch count = %d, want %d", len(gw.batchSizes), len(wantBatches))
	}
	for i, want := range wantBatches {
		if gw.batchSizes[i] != want {
			t.Errorf("batch %d size = %d, want %d", i, gw.batchSizes[i], want)
		}
	}

	// Order preserved across sub-batches.
	for i, v := range vectors {
		if v[0] != float32(i) {
			t.Fatalf("vector %d = %v, want [%d]", i, v, i)
		}
	}
}

func TestEmbedBatchPropagatesFailure(t *testing.T) {
	gw := &fakeGateway{failBatch: 2}
	e := NewEmbedder(gw)

	texts := make([]string, 150)
	for i := range texts {
		texts[i] = "t"
	}

	if _, err := e.EmbedBatch(context.Background(), texts); err == nil {
		t.Fatal("EmbedBatch() error = nil, want failure from second sub-batch")
	}
}

func TestEmbedBatchEmpty(t *testing.T) {
	e := NewEmbedder(&fakeGateway{})
	vectors, err := e.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil) error = %v", err)
	}
	if vectors != nil {
		t.Errorf("EmbedBatch(nil) = %v, want nil", vectors)
	}
}
