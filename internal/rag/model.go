package rag

import (
	"context"

	"github.com/Yates-Labs/spoilerguard/internal/media"
)

// TimeRange is the span of one persisted chunk.
type TimeRange struct {
	ChunkIndex   int     `json:"chunk_index"`
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
}

// ScoredChunk is a similarity search hit. Similarity is cosine similarity
// in [-1, 1].
type ScoredChunk struct {
	Chunk      media.SubtitleChunk
	Similarity float64
}

// SearchOptions scopes a content-space similarity search. Chunks of Unit are
// limited to those starting at or before MaxStartSeconds; earlier episodes are
// included only when widened.
type SearchOptions struct {
	Unit            media.MediaUnit
	MaxStartSeconds float64

	// PriorEpisodes adds earlier episodes of the same season.
	PriorEpisodes bool

	// PriorSeasons adds every episode of earlier seasons.
	PriorSeasons bool
}

// Matches reports whether an embedded chunk falls inside the search scope.
// It mirrors the filter expression sent to the vector store.
func (o SearchOptions) Matches(c media.SubtitleChunk) bool {
	if !c.Searchable() {
		return false
	}
	u := c.Unit
	if o.Unit.SameEpisode(u) {
		return c.StartSeconds <= o.MaxStartSeconds
	}
	if !o.Unit.IsTV() || u.TMDBID != o.Unit.TMDBID || u.Type != media.TV {
		return false
	}
	switch {
	case o.PriorSeasons:
		return u.Season < o.Unit.Season || (u.Season == o.Unit.Season && u.Episode < o.Unit.Episode)
	case o.PriorEpisodes:
		return u.Season == o.Unit.Season && u.Episode < o.Unit.Episode
	}
	return false
}

// ChunkStore persists subtitle chunks and answers the time-range and
// similarity queries retrieval needs. Writes are upserts keyed on
// (unit, chunkIndex) so concurrent writers converge.
type ChunkStore interface {
	// Upsert writes chunks. A chunk with a nil embedding is stored but never
	// returned by Search.
	Upsert(ctx context.Context, chunks []media.SubtitleChunk) error

	// ExistingIndexes maps each stored chunk index of unit to whether it is embedded.
	ExistingIndexes(ctx context.Context, unit media.MediaUnit) (map[int]bool, error)

	// TimeRanges returns the span of every stored chunk of unit.
	TimeRanges(ctx context.Context, unit media.MediaUnit) ([]TimeRange, error)

	// AnchorWindow returns chunks of unit with start <= cursor and end >= from,
	// ascending by start, at most limit.
	AnchorWindow(ctx context.Context, unit media.MediaUnit, from, cursor float64, limit int) ([]media.SubtitleChunk, error)

	// Latest returns the latest-ending chunks of unit that start at or before
	// maxStart, ascending by start, at most limit.
	Latest(ctx context.Context, unit media.MediaUnit, maxStart float64, limit int) ([]media.SubtitleChunk, error)

	// Search performs top-K similarity search over embedded chunks.
	Search(ctx context.Context, vector []float32, topK int, opts SearchOptions) ([]ScoredChunk, error)

	// ListUnit returns every chunk of unit ordered by chunk index.
	ListUnit(ctx context.Context, unit media.MediaUnit) ([]media.SubtitleChunk, error)

	// UpdateContent rewrites the content of existing chunks. Timings, indexes
	// and embeddings are kept from the stored rows.
	UpdateContent(ctx context.Context, unit media.MediaUnit, contents map[int]string) error

	// HasChunks reports whether any chunk exists for unit.
	HasChunks(ctx context.Context, unit media.MediaUnit) (bool, error)

	// Close releases resources and closes connections
	Close() error
}

// IndexOptions provides configuration for unit ingestion
type IndexOptions struct {
	// BatchSize determines how many chunks to embed at once
	BatchSize int

	// ForceReembed re-embeds chunks that already carry a vector
	ForceReembed bool
}

// DefaultIndexOptions returns sensible defaults for indexing
func DefaultIndexOptions() IndexOptions {
	return IndexOptions{
		BatchSize: 32,
	}
}
