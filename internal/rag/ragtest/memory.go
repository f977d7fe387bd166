// Package ragtest provides in-memory chunk and digest stores for tests.
package ragtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/Yates-Labs/spoilerguard/internal/media"
	"github.com/Yates-Labs/spoilerguard/internal/rag"
)

// ChunkStore is an in-memory rag.ChunkStore. Set SearchErr to make Search fail.
type ChunkStore struct {
	mu      sync.Mutex
	chunks  map[string]media.SubtitleChunk
	upserts int

	SearchErr error
}

// NewChunkStore returns a store seeded with chunks.
func NewChunkStore(chunks ...media.SubtitleChunk) *ChunkStore {
	s := &ChunkStore{chunks: make(map[string]media.SubtitleChunk)}
	for _, c := range chunks {
		s.put(c)
	}
	return s
}

func (s *ChunkStore) put(c media.SubtitleChunk) {
	c.ID = media.ChunkID(c.Unit, c.ChunkIndex)
	if c.Embedding != nil {
		c.Embedding = append([]float32(nil), c.Embedding...)
	}
	s.chunks[c.ID] = c
}

// Upserts returns how many Upsert calls wrote at least one chunk.
func (s *ChunkStore) Upserts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

func (s *ChunkStore) Upsert(ctx context.Context, chunks []media.SubtitleChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		if c.Content == "" {
			return fmt.Errorf("%w: empty content", rag.ErrInsertFailed)
		}
		s.put(c)
	}
	s.upserts++
	return nil
}

func (s *ChunkStore) unit(unit media.MediaUnit) []media.SubtitleChunk {
	var out []media.SubtitleChunk
	for _, c := range s.chunks {
		if c.Unit.SameEpisode(unit) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out
}

func (s *ChunkStore) ExistingIndexes(ctx context.Context, unit media.MediaUnit) (map[int]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := make(map[int]bool)
	for _, c := range s.unit(unit) {
		existing[c.ChunkIndex] = c.Searchable()
	}
	return existing, nil
}

func (s *ChunkStore) TimeRanges(ctx context.Context, unit media.MediaUnit) ([]rag.TimeRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ranges []rag.TimeRange
	for _, c := range s.unit(unit) {
		ranges = append(ranges, rag.TimeRange{ChunkIndex: c.ChunkIndex, StartSeconds: c.StartSeconds, EndSeconds: c.EndSeconds})
	}
	return ranges, nil
}

func (s *ChunkStore) AnchorWindow(ctx context.Context, unit media.MediaUnit, from, cursor float64, limit int) ([]media.SubtitleChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []media.SubtitleChunk
	for _, c := range s.unit(unit) {
		if c.StartSeconds <= cursor && c.EndSeconds >= from {
			c.Embedding = nil
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartSeconds < out[j].StartSeconds })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ChunkStore) Latest(ctx context.Context, unit media.MediaUnit, maxStart float64, limit int) ([]media.SubtitleChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []media.SubtitleChunk
	for _, c := range s.unit(unit) {
		if c.StartSeconds <= maxStart {
			c.Embedding = nil
			out = append(out, c)
		}
	}
	return rag.LatestEnding(out, limit), nil
}

func (s *ChunkStore) Search(ctx context.Context, vector []float32, topK int, opts rag.SearchOptions) ([]rag.ScoredChunk, error) {
	if s.SearchErr != nil {
		return nil, s.SearchErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var hits []rag.ScoredChunk
	for _, c := range s.chunks {
		if !opts.Matches(c) {
			continue
		}
		if len(c.Embedding) != len(vector) {
			return nil, fmt.Errorf("%w: expected %d, got %d", rag.ErrInvalidDimension, len(c.Embedding), len(vector))
		}
		hits = append(hits, rag.ScoredChunk{Chunk: c, Similarity: Cosine(vector, c.Embedding)})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Chunk.ID < hits[j].Chunk.ID
	})
	if topK >= 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *ChunkStore) ListUnit(ctx context.Context, unit media.MediaUnit) ([]media.SubtitleChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unit(unit), nil
}

func (s *ChunkStore) UpdateContent(ctx context.Context, unit media.MediaUnit, contents map[int]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range contents {
		if _, ok := s.chunks[media.ChunkID(unit, idx)]; !ok {
			return fmt.Errorf("%w: chunk %d of %s", rag.ErrChunkNotFound, idx, unit)
		}
	}
	for idx, content := range contents {
		id := media.ChunkID(unit, idx)
		c := s.chunks[id]
		c.Content = content
		s.chunks[id] = c
	}
	return nil
}

func (s *ChunkStore) HasChunks(ctx context.Context, unit media.MediaUnit) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unit(unit)) > 0, nil
}

func (s *ChunkStore) Close() error { return nil }

type digestKey struct {
	tmdbID int64
	season int
}

// DigestStore is an in-memory rag.DigestStore.
type DigestStore struct {
	mu      sync.Mutex
	digests map[digestKey]media.SeasonDigest

	SearchErr error
	// Searches records the k of every Search call.
	Searches []int
}

// NewDigestStore returns a store seeded with digests.
func NewDigestStore(digests ...media.SeasonDigest) *DigestStore {
	s := &DigestStore{digests: make(map[digestKey]media.SeasonDigest)}
	for _, d := range digests {
		s.digests[digestKey{d.TMDBID, d.SeasonNumber}] = d
	}
	return s
}

func (s *DigestStore) Insert(ctx context.Context, digest media.SeasonDigest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := digestKey{digest.TMDBID, digest.SeasonNumber}
	if _, ok := s.digests[key]; !ok {
		s.digests[key] = digest
	}
	return nil
}

func (s *DigestStore) Exists(ctx context.Context, tmdbID int64, season int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.digests[digestKey{tmdbID, season}]
	return ok, nil
}

func (s *DigestStore) MissingSeasons(ctx context.Context, tmdbID int64, beforeSeason int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var missing []int
	for season := 1; season < beforeSeason; season++ {
		if _, ok := s.digests[digestKey{tmdbID, season}]; !ok {
			missing = append(missing, season)
		}
	}
	return missing, nil
}

func (s *DigestStore) Search(ctx context.Context, tmdbID int64, beforeSeason int, vector []float32, k int) ([]rag.DigestMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Searches = append(s.Searches, k)
	if s.SearchErr != nil {
		return nil, s.SearchErr
	}

	var matches []rag.DigestMatch
	for key, d := range s.digests {
		if key.tmdbID != tmdbID || key.season >= beforeSeason || len(d.Embedding) != len(vector) {
			continue
		}
		matches = append(matches, rag.DigestMatch{Digest: d, Similarity: Cosine(vector, d.Embedding)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Digest.SeasonNumber < matches[j].Digest.SeasonNumber
	})
	if k >= 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Get returns the stored digest for a season.
func (s *DigestStore) Get(tmdbID int64, season int) (media.SeasonDigest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.digests[digestKey{tmdbID, season}]
	return d, ok
}

func (s *DigestStore) Close() error { return nil }

// Cosine returns the cosine similarity of a and b, or 0 when either is zero.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Embedder returns fixed-dimension vectors derived from text, so equal texts
// embed equally. Set Err to make every call fail.
type Embedder struct {
	Dimension int
	Err       error
	// Kind is the reported space; empty means the content space.
	Kind rag.Space

	mu    sync.Mutex
	calls int
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([]rag.EmbeddingRecord, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}
	if len(texts) == 0 {
		return nil, rag.ErrEmptyTexts
	}
	records := make([]rag.EmbeddingRecord, len(texts))
	for i, text := range texts {
		records[i] = rag.EmbeddingRecord{Text: text, Embedding: Vector(text, e.Dimension), Index: i, Model: "ragtest"}
	}
	return records, nil
}

// Calls returns the number of Embed calls made.
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *Embedder) GetModel() string  { return "ragtest" }
func (e *Embedder) GetDimension() int { return e.Dimension }

func (e *Embedder) Space() rag.Space {
	if e.Kind == "" {
		return rag.SpaceContent
	}
	return e.Kind
}

// Vector derives a deterministic non-zero vector from text.
func Vector(text string, dimension int) []float32 {
	vec := make([]float32, dimension)
	for i := range vec {
		vec[i] = 0.01
	}
	for i, r := range text {
		vec[(i+int(r))%dimension] += float32(r%17) / 17
	}
	return vec
}
