package rag

import (
	"context"
	"fmt"

	"github.com/Yates-Labs/spoilerguard/internal/ingest/subtitle"
	"github.com/Yates-Labs/spoilerguard/internal/media"
)

// IngestResult summarizes one ingestion run.
type IngestResult struct {
	Unit       media.MediaUnit `json:"unit"`
	Lines      int             `json:"lines"`
	Chunks     int             `json:"chunks"`
	Skipped    int             `json:"skipped"`
	Embedded   int             `json:"embedded"`
	Unembedded int             `json:"unembedded"`
}

// IngestUnit parses a subtitle document for unit, chunks it, embeds chunks
// in batches and upserts them.
// Chunks already stored with an embedding are skipped. Stored chunks without
// one are re-embedded from their stored content, so their timings never
// change. When a batch fails to embed, that batch and every later new chunk
// are stored without a vector and the error is returned; batches stored
// before the failure remain searchable.
// A document with no parseable lines yields an empty result and no error.
func IngestUnit(
	ctx context.Context,
	unit media.MediaUnit,
	doc string,
	chunker *subtitle.Chunker,
	embedder Embedder,
	store ChunkStore,
	opts IndexOptions,
) (IngestResult, error) {
	result := IngestResult{Unit: unit}
	if err := unit.Validate(); err != nil {
		return result, err
	}
	if chunker == nil {
		return result, fmt.Errorf("chunker cannot be nil")
	}
	if embedder == nil {
		return result, fmt.Errorf("embedder cannot be nil")
	}
	if err := CheckSpace(embedder, SpaceContent); err != nil {
		return result, err
	}
	if store == nil {
		return result, fmt.Errorf("chunk store cannot be nil")
	}

	lines := subtitle.ParseSRT(doc)
	result.Lines = len(lines)
	chunks := chunker.Chunk(unit, lines)
	result.Chunks = len(chunks)
	if len(chunks) == 0 {
		return result, nil
	}

	existing, err := store.ExistingIndexes(ctx, unit)
	if err != nil {
		return result, fmt.Errorf("failed to check existing chunks: %w", err)
	}

	var stored map[int]media.SubtitleChunk
	pending := make([]media.SubtitleChunk, 0, len(chunks))
	for _, c := range chunks {
		embedded, ok := existing[c.ChunkIndex]
		if ok && embedded && !opts.ForceReembed {
			result.Skipped++
			continue
		}
		if ok {
			if stored == nil {
				if stored, err = storedByIndex(ctx, store, unit); err != nil {
					return result, err
				}
			}
			if s, found := stored[c.ChunkIndex]; found {
				c = s
			}
		}
		pending = append(pending, c)
	}

	embedded, err := embedAndStore(ctx, pending, existing, embedder, store, opts)
	result.Embedded = embedded
	result.Unembedded = len(pending) - embedded
	return result, err
}

// Backfill embeds every stored chunk of unit that has no vector yet.
func Backfill(ctx context.Context, unit media.MediaUnit, embedder Embedder, store ChunkStore, opts IndexOptions) (IngestResult, error) {
	result := IngestResult{Unit: unit}
	if err := CheckSpace(embedder, SpaceContent); err != nil {
		return result, err
	}
	chunks, err := store.ListUnit(ctx, unit)
	if err != nil {
		return result, fmt.Errorf("failed to list chunks: %w", err)
	}
	result.Chunks = len(chunks)

	existing := make(map[int]bool, len(chunks))
	pending := make([]media.SubtitleChunk, 0, len(chunks))
	for _, c := range chunks {
		existing[c.ChunkIndex] = c.Searchable()
		if c.Searchable() {
			result.Skipped++
			continue
		}
		pending = append(pending, c)
	}

	embedded, err := embedAndStore(ctx, pending, existing, embedder, store, opts)
	result.Embedded = embedded
	result.Unembedded = len(pending) - embedded
	return result, err
}

// embedAndStore embeds pending in batches and upserts each batch. After a
// failed batch, the remaining chunks not yet stored are written without a
// vector. It returns the number of chunks stored with a vector.
func embedAndStore(
	ctx context.Context,
	pending []media.SubtitleChunk,
	existing map[int]bool,
	embedder Embedder,
	store ChunkStore,
	opts IndexOptions,
) (int, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultIndexOptions().BatchSize
	}

	embedded := 0
	for batchStart := 0; batchStart < len(pending); batchStart += batchSize {
		batchEnd := batchStart + batchSize
		if batchEnd > len(pending) {
			batchEnd = len(pending)
		}
		batch := pending[batchStart:batchEnd]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}

		records, err := embedder.Embed(ctx, texts)
		if err == nil && len(records) != len(batch) {
			err = fmt.Errorf("%w: expected %d embeddings, got %d", ErrEmbeddingFailed, len(batch), len(records))
		}
		if err != nil {
			embedErr := fmt.Errorf("failed to generate embeddings for batch starting at %d: %w", batchStart, err)
			if storeErr := storeUnembedded(ctx, pending[batchStart:], existing, store); storeErr != nil {
				return embedded, fmt.Errorf("%w; %v", embedErr, storeErr)
			}
			return embedded, embedErr
		}

		out := make([]media.SubtitleChunk, len(batch))
		for i, c := range batch {
			c.Embedding = records[i].Embedding
			if c.ID == "" {
				c.ID = media.ChunkID(c.Unit, c.ChunkIndex)
			}
			out[i] = c
		}
		if err := store.Upsert(ctx, out); err != nil {
			return embedded, fmt.Errorf("failed to upsert batch starting at %d: %w", batchStart, err)
		}
		embedded += len(out)
	}
	return embedded, nil
}

// storeUnembedded writes chunks that are not stored yet with a nil vector.
// Stored rows are left alone so an existing vector is never cleared.
func storeUnembedded(ctx context.Context, chunks []media.SubtitleChunk, existing map[int]bool, store ChunkStore) error {
	fresh := make([]media.SubtitleChunk, 0, len(chunks))
	for _, c := range chunks {
		if _, ok := existing[c.ChunkIndex]; ok {
			continue
		}
		c.Embedding = nil
		if c.ID == "" {
			c.ID = media.ChunkID(c.Unit, c.ChunkIndex)
		}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		return nil
	}
	if err := store.Upsert(ctx, fresh); err != nil {
		return fmt.Errorf("failed to store unembedded chunks: %w", err)
	}
	return nil
}

func storedByIndex(ctx context.Context, store ChunkStore, unit media.MediaUnit) (map[int]media.SubtitleChunk, error) {
	chunks, err := store.ListUnit(ctx, unit)
	if err != nil {
		return nil, fmt.Errorf("failed to load stored chunks: %w", err)
	}
	byIndex := make(map[int]media.SubtitleChunk, len(chunks))
	for _, c := range chunks {
		c.Embedding = nil
		byIndex[c.ChunkIndex] = c
	}
	return byIndex, nil
}
