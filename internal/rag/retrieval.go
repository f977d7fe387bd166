package rag

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/Yates-Labs/spoilerguard/internal/logging"
	"github.com/Yates-Labs/spoilerguard/internal/media"
)

// Stage names the retrieval stage a candidate came from.
type Stage string

const (
	// StageAnchor chunks sit in the trailing window before the cursor.
	StageAnchor Stage = "anchor"
	// StageSemantic chunks were found by similarity and re-ranked.
	StageSemantic Stage = "semantic"
)

// Query is one retrieval request. CursorSeconds must already be clamped by
// the coverage tracker.
type Query struct {
	Unit          media.MediaUnit
	CursorSeconds float64
	Question      string
	// Vector is the question embedded in the content space.
	Vector []float32
}

// Candidate is a chunk annotated with its scores for one retrieval call.
// Anchor candidates carry no scores.
type Candidate struct {
	Chunk              media.SubtitleChunk `json:"chunk"`
	Stage              Stage               `json:"stage"`
	Similarity         float64             `json:"similarity"`
	TimestampProximity float64             `json:"timestamp_proximity"`
	EpisodeRecency     float64             `json:"episode_recency"`
	KeywordOverlap     float64             `json:"keyword_overlap"`
	FinalScore         float64             `json:"final_score"`
}

// HybridRetriever combines anchor chunks at the cursor with re-ranked
// semantic matches.
type HybridRetriever struct {
	store  ChunkStore
	config RetrievalConfig

	// DetectPast decides whether a question looks back at earlier content.
	// Defaults to ReferencesPastContent.
	DetectPast func(question string) bool
}

// NewHybridRetriever creates a retriever over store.
func NewHybridRetriever(store ChunkStore, config RetrievalConfig) (*HybridRetriever, error) {
	if store == nil {
		return nil, fmt.Errorf("chunk store cannot be nil")
	}
	return &HybridRetriever{
		store:      store,
		config:     config,
		DetectPast: ReferencesPastContent,
	}, nil
}

// Retrieve returns anchor candidates in ascending start order followed by
// semantic candidates in descending score order. When similarity search
// fails the anchors are returned alone. An error is returned only when no
// stage could read the store.
func (r *HybridRetriever) Retrieve(ctx context.Context, q Query) ([]Candidate, error) {
	if err := q.Unit.Validate(); err != nil {
		return nil, err
	}
	logger := logging.From(ctx)

	anchors, seen, anchorErr := r.anchors(ctx, q)
	if anchorErr != nil {
		logger.Warn().Err(anchorErr).Str("unit", q.Unit.Key()).Msg("anchor retrieval failed")
	}

	if len(q.Vector) == 0 {
		if anchorErr != nil {
			return nil, anchorErr
		}
		return anchors, nil
	}

	semantic, err := r.semantic(ctx, q, seen)
	if err != nil {
		if anchorErr != nil {
			return nil, errors.Join(anchorErr, err)
		}
		logger.Warn().Err(err).Str("unit", q.Unit.Key()).
			Int("anchors", len(anchors)).
			Msg("similarity search failed, using anchor evidence only")
		return anchors, nil
	}

	return append(anchors, semantic...), nil
}

// anchors runs Stage A. The returned set holds the ids of the anchors
// returned; chunks trimmed from the window stay eligible for Stage B.
func (r *HybridRetriever) anchors(ctx context.Context, q Query) ([]Candidate, map[string]bool, error) {
	cursor := q.CursorSeconds
	seen := make(map[string]bool)

	window, err := r.store.AnchorWindow(ctx, q.Unit, cursor-r.config.AnchorWindowSeconds, cursor, r.config.AnchorLimit)
	if err != nil {
		return nil, seen, fmt.Errorf("anchor window: %w", err)
	}
	if keep := r.config.AnchorKeep; keep > 0 && len(window) > keep {
		window = window[len(window)-keep:]
	}

	if len(window) == 0 {
		window, err = r.fallback(ctx, q)
		if err != nil {
			return nil, seen, err
		}
	}

	candidates := make([]Candidate, len(window))
	for i, c := range window {
		candidates[i] = Candidate{Chunk: c, Stage: StageAnchor}
		seen[chunkKey(c)] = true
	}
	return candidates, seen, nil
}

// fallback returns the latest-ending chunks that start before the cursor. If
// the cursor precedes every indexed chunk the earliest chunks are used so the
// anchor set is never empty while the unit has data.
func (r *HybridRetriever) fallback(ctx context.Context, q Query) ([]media.SubtitleChunk, error) {
	latest, err := r.store.Latest(ctx, q.Unit, q.CursorSeconds, r.config.FallbackLimit)
	if err != nil {
		return nil, fmt.Errorf("anchor fallback: %w", err)
	}
	if len(latest) > 0 {
		return latest, nil
	}

	all, err := r.store.ListUnit(ctx, q.Unit)
	if err != nil {
		return nil, fmt.Errorf("anchor fallback: %w", err)
	}
	sortByStart(all)
	if limit := r.config.FallbackLimit; limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	for i := range all {
		all[i].Embedding = nil
	}
	return all, nil
}

// semantic runs Stage B.
func (r *HybridRetriever) semantic(ctx context.Context, q Query, seen map[string]bool) ([]Candidate, error) {
	past := false
	if r.DetectPast != nil {
		past = r.DetectPast(q.Question)
	}

	opts := SearchOptions{
		Unit:            q.Unit,
		MaxStartSeconds: q.CursorSeconds,
		PriorEpisodes:   q.Unit.IsTV(),
		PriorSeasons:    q.Unit.IsTV() && past,
	}
	hits, err := r.store.Search(ctx, q.Vector, r.config.SemanticCandidates, opts)
	if err != nil {
		return nil, err
	}

	keywords := QuestionKeywords(q.Question, r.config.KeywordMinLength)
	candidates := make([]Candidate, 0, len(hits))
	for _, hit := range hits {
		key := chunkKey(hit.Chunk)
		if seen[key] || !beforeCursor(q, hit.Chunk) {
			continue
		}
		seen[key] = true

		proximity := r.config.TimestampProximity(q.Unit, q.CursorSeconds, hit.Chunk)
		recency := r.config.EpisodeRecency(q.Unit, hit.Chunk, proximity, past)
		keyword := r.config.KeywordOverlap(keywords, hit.Chunk.Content)

		chunk := hit.Chunk
		chunk.Embedding = nil
		candidates = append(candidates, Candidate{
			Chunk:              chunk,
			Stage:              StageSemantic,
			Similarity:         hit.Similarity,
			TimestampProximity: proximity,
			EpisodeRecency:     recency,
			KeywordOverlap:     keyword,
			FinalScore:         r.config.FinalScore(hit.Similarity, proximity, recency, keyword),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].FinalScore > candidates[j].FinalScore
	})
	if keep := r.config.SemanticKeep; keep > 0 && len(candidates) > keep {
		candidates = candidates[:keep]
	}
	return candidates, nil
}

// beforeCursor rejects any chunk past the viewer's position: later in the
// current unit, a later episode, or another title.
func beforeCursor(q Query, c media.SubtitleChunk) bool {
	u := c.Unit
	if u.TMDBID != q.Unit.TMDBID || u.Type != q.Unit.Type {
		return false
	}
	if q.Unit.SameEpisode(u) {
		return c.StartSeconds <= q.CursorSeconds && !math.IsNaN(c.StartSeconds)
	}
	if !q.Unit.IsTV() {
		return false
	}
	return u.Season < q.Unit.Season || (u.Season == q.Unit.Season && u.Episode < q.Unit.Episode)
}

func chunkKey(c media.SubtitleChunk) string {
	if c.ID != "" {
		return c.ID
	}
	return media.ChunkID(c.Unit, c.ChunkIndex)
}
