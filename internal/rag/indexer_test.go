package rag_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/Yates-Labs/spoilerguard/internal/ingest/subtitle"
	"github.com/Yates-Labs/spoilerguard/internal/media"
	"github.com/Yates-Labs/spoilerguard/internal/rag"
	"github.com/Yates-Labs/spoilerguard/internal/rag/ragtest"
)

func srtTimestamp(seconds int) string {
	return fmt.Sprintf("%02d:%02d:%02d,000", seconds/3600, (seconds/60)%60, seconds%60)
}

// longSRT builds n cues of ~200 characters, each a full sentence, 5 seconds apart.
func longSRT(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		text := fmt.Sprintf("line %02d %s.", i, strings.Repeat("words ", 31))
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, srtTimestamp(i*5), srtTimestamp(i*5+4), text)
	}
	return b.String()
}

// flakyEmbedder succeeds for the first `ok` calls and fails afterwards.
type flakyEmbedder struct {
	inner *ragtest.Embedder
	ok    int

	mu    sync.Mutex
	calls int
}

func (f *flakyEmbedder) Embed(ctx context.Context, texts []string) ([]rag.EmbeddingRecord, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n > f.ok {
		return nil, fmt.Errorf("%w: rate limited", rag.ErrEmbeddingFailed)
	}
	return f.inner.Embed(ctx, texts)
}

func (f *flakyEmbedder) GetModel() string  { return "flaky" }
func (f *flakyEmbedder) GetDimension() int { return f.inner.Dimension }
func (f *flakyEmbedder) Space() rag.Space  { return rag.SpaceContent }

func TestIngestUnit_StoresEmbeddedChunks(t *testing.T) {
	unit := media.NewEpisode(1399, 1, 1)
	store := ragtest.NewChunkStore()
	embedder := &ragtest.Embedder{Dimension: testDim}
	chunker := subtitle.NewChunker(subtitle.DefaultChunkerConfig())

	result, err := rag.IngestUnit(context.Background(), unit, longSRT(40), chunker, embedder, store, rag.IndexOptions{BatchSize: 2})
	if err != nil {
		t.Fatalf("IngestUnit failed: %v", err)
	}
	if result.Lines != 40 {
		t.Errorf("Lines = %d, want 40", result.Lines)
	}
	if result.Chunks < 3 {
		t.Fatalf("expected several chunks, got %d", result.Chunks)
	}
	if result.Embedded != result.Chunks || result.Unembedded != 0 {
		t.Errorf("unexpected result %+v", result)
	}

	stored, _ := store.ListUnit(context.Background(), unit)
	if len(stored) != result.Chunks {
		t.Fatalf("stored %d chunks, want %d", len(stored), result.Chunks)
	}
	for i, c := range stored {
		if !c.Searchable() {
			t.Errorf("chunk %d not searchable", c.ChunkIndex)
		}
		if i > 0 && c.StartSeconds < stored[i-1].StartSeconds {
			t.Errorf("chunk %d starts before chunk %d", i, i-1)
		}
	}
}

func TestIngestUnit_Idempotent(t *testing.T) {
	ctx := context.Background()
	unit := media.NewMovie(603)
	store := ragtest.NewChunkStore()
	embedder := &ragtest.Embedder{Dimension: testDim}
	chunker := subtitle.NewChunker(subtitle.DefaultChunkerConfig())
	doc := longSRT(40)

	if _, err := rag.IngestUnit(ctx, unit, doc, chunker, embedder, store, rag.DefaultIndexOptions()); err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	before, _ := store.ListUnit(ctx, unit)
	calls := embedder.Calls()

	result, err := rag.IngestUnit(ctx, unit, doc, chunker, embedder, store, rag.DefaultIndexOptions())
	if err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}
	if result.Skipped != len(before) || result.Embedded != 0 {
		t.Errorf("expected every chunk skipped, got %+v", result)
	}
	if embedder.Calls() != calls {
		t.Error("re-ingestion must not call the embedder")
	}

	after, _ := store.ListUnit(ctx, unit)
	if len(after) != len(before) {
		t.Fatalf("chunk count changed: %d -> %d", len(before), len(after))
	}
	for i := range after {
		if after[i].StartSeconds != before[i].StartSeconds || after[i].EndSeconds != before[i].EndSeconds {
			t.Errorf("chunk %d timestamps changed", i)
		}
	}
}

func TestIngestUnit_PartialFailureKeepsEarlierBatches(t *testing.T) {
	ctx := context.Background()
	unit := media.NewEpisode(1399, 1, 2)
	store := ragtest.NewChunkStore()
	chunker := subtitle.NewChunker(subtitle.DefaultChunkerConfig())
	doc := longSRT(40)

	flaky := &flakyEmbedder{inner: &ragtest.Embedder{Dimension: testDim}, ok: 1}
	result, err := rag.IngestUnit(ctx, unit, doc, chunker, flaky, store, rag.IndexOptions{BatchSize: 1})
	if !errors.Is(err, rag.ErrEmbeddingFailed) {
		t.Fatalf("expected ErrEmbeddingFailed, got %v", err)
	}
	if result.Embedded != 1 || result.Unembedded != result.Chunks-1 {
		t.Errorf("unexpected result %+v", result)
	}

	existing, _ := store.ExistingIndexes(ctx, unit)
	if len(existing) != result.Chunks {
		t.Fatalf("expected every chunk stored, got %d of %d", len(existing), result.Chunks)
	}
	if !existing[0] {
		t.Error("first batch should stay embedded")
	}
	for idx := 1; idx < result.Chunks; idx++ {
		if existing[idx] {
			t.Errorf("chunk %d should be unembedded", idx)
		}
	}
	before, _ := store.ListUnit(ctx, unit)

	// A later run fills the gaps without touching timings.
	embedder := &ragtest.Embedder{Dimension: testDim}
	result, err = rag.IngestUnit(ctx, unit, doc, chunker, embedder, store, rag.IndexOptions{BatchSize: 4})
	if err != nil {
		t.Fatalf("backfill ingest failed: %v", err)
	}
	if result.Skipped != 1 || result.Embedded != result.Chunks-1 {
		t.Errorf("unexpected backfill result %+v", result)
	}

	after, _ := store.ListUnit(ctx, unit)
	for i := range after {
		if !after[i].Searchable() {
			t.Errorf("chunk %d still unembedded", i)
		}
		if after[i].StartSeconds != before[i].StartSeconds || after[i].EndSeconds != before[i].EndSeconds {
			t.Errorf("chunk %d timestamps changed", i)
		}
	}
}

func TestBackfill(t *testing.T) {
	ctx := context.Background()
	unit := media.NewMovie(603)
	embedded := makeChunk(unit, 0, 0, 60, "[00:00] a")
	pending := makeChunk(unit, 1, 50, 120, "[00:50] b")
	pending.Embedding = nil
	store := ragtest.NewChunkStore(embedded, pending)

	result, err := rag.Backfill(ctx, unit, &ragtest.Embedder{Dimension: testDim}, store, rag.DefaultIndexOptions())
	if err != nil {
		t.Fatalf("Backfill failed: %v", err)
	}
	if result.Skipped != 1 || result.Embedded != 1 {
		t.Errorf("unexpected result %+v", result)
	}
	existing, _ := store.ExistingIndexes(ctx, unit)
	if !existing[1] {
		t.Error("chunk 1 should now be embedded")
	}
}

func TestIngestUnit_EmptyDocument(t *testing.T) {
	store := ragtest.NewChunkStore()
	result, err := rag.IngestUnit(context.Background(), media.NewMovie(603), "", subtitle.NewChunker(subtitle.ChunkerConfig{}),
		&ragtest.Embedder{Dimension: testDim}, store, rag.DefaultIndexOptions())
	if err != nil {
		t.Fatalf("empty document should not fail: %v", err)
	}
	if result.Chunks != 0 || store.Upserts() != 0 {
		t.Errorf("expected nothing stored, got %+v", result)
	}
}

func TestIngestUnit_NilCollaborators(t *testing.T) {
	unit := media.NewMovie(603)
	chunker := subtitle.NewChunker(subtitle.DefaultChunkerConfig())
	embedder := &ragtest.Embedder{Dimension: testDim}
	store := ragtest.NewChunkStore()

	if _, err := rag.IngestUnit(context.Background(), unit, "", nil, embedder, store, rag.DefaultIndexOptions()); err == nil {
		t.Error("expected error for nil chunker")
	}
	if _, err := rag.IngestUnit(context.Background(), unit, "", chunker, nil, store, rag.DefaultIndexOptions()); err == nil {
		t.Error("expected error for nil embedder")
	}
	if _, err := rag.IngestUnit(context.Background(), unit, "", chunker, embedder, nil, rag.DefaultIndexOptions()); err == nil {
		t.Error("expected error for nil store")
	}
}

func TestIngestUnit_RejectsCompactEmbedder(t *testing.T) {
	unit := media.NewMovie(603)
	store := ragtest.NewChunkStore()
	compact := &ragtest.Embedder{Dimension: testDim, Kind: rag.SpaceCompact}

	_, err := rag.IngestUnit(context.Background(), unit, longSRT(4), subtitle.NewChunker(subtitle.DefaultChunkerConfig()), compact, store, rag.DefaultIndexOptions())
	if !errors.Is(err, rag.ErrSpaceMismatch) {
		t.Fatalf("expected ErrSpaceMismatch, got %v", err)
	}
	if _, err := rag.Backfill(context.Background(), unit, compact, store, rag.DefaultIndexOptions()); !errors.Is(err, rag.ErrSpaceMismatch) {
		t.Errorf("expected ErrSpaceMismatch from Backfill, got %v", err)
	}
	if compact.Calls() != 0 {
		t.Errorf("compact embedder should not be called, got %d calls", compact.Calls())
	}
	if has, _ := store.HasChunks(context.Background(), unit); has {
		t.Error("nothing should be stored")
	}
}
