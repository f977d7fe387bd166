package rag

import (
	"math"
	"strings"

	"github.com/Yates-Labs/spoilerguard/internal/media"
)

// RetrievalConfig holds the Stage A window and the Stage B re-ranking
// constants. The weights are empirical and meant to be tuned.
type RetrievalConfig struct {
	// Stage A
	AnchorWindowSeconds float64 `yaml:"anchor_window_seconds"`
	AnchorLimit         int     `yaml:"anchor_limit"`
	AnchorKeep          int     `yaml:"anchor_keep"`
	FallbackLimit       int     `yaml:"fallback_limit"`

	// Stage B
	SemanticCandidates int `yaml:"semantic_candidates"`
	SemanticKeep       int `yaml:"semantic_keep"`

	SimilarityWeight float64 `yaml:"similarity_weight"`
	ProximityWeight  float64 `yaml:"proximity_weight"`
	RecencyWeight    float64 `yaml:"recency_weight"`
	KeywordWeight    float64 `yaml:"keyword_weight"`

	NearBoostSeconds float64 `yaml:"near_boost_seconds"`
	NearBoost        float64 `yaml:"near_boost"`

	SameSeasonBase       float64 `yaml:"same_season_base"`
	EpisodeDecay         float64 `yaml:"episode_decay"`
	OtherSeasonBase      float64 `yaml:"other_season_base"`
	SeasonDecay          float64 `yaml:"season_decay"`
	PastReferenceRecency float64 `yaml:"past_reference_recency"`

	KeywordHit       float64 `yaml:"keyword_hit"`
	KeywordCap       float64 `yaml:"keyword_cap"`
	KeywordMinLength int     `yaml:"keyword_min_length"`
}

// DefaultRetrievalConfig returns the tuned production constants.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		AnchorWindowSeconds: 300,
		AnchorLimit:         15,
		AnchorKeep:          10,
		FallbackLimit:       10,

		SemanticCandidates: 60,
		SemanticKeep:       10,

		SimilarityWeight: 0.25,
		ProximityWeight:  0.45,
		RecencyWeight:    0.20,
		KeywordWeight:    0.10,

		NearBoostSeconds: 300,
		NearBoost:        0.3,

		SameSeasonBase:       0.7,
		EpisodeDecay:         0.1,
		OtherSeasonBase:      0.3,
		SeasonDecay:          0.1,
		PastReferenceRecency: 0.5,

		KeywordHit:       0.15,
		KeywordCap:       0.4,
		KeywordMinLength: 4,
	}
}

// DigestConfig controls how many season digests are searched and how much of
// each is rendered.
type DigestConfig struct {
	Candidates            int `yaml:"candidates"`
	CrossSeasonCandidates int `yaml:"cross_season_candidates"`
	Keep                  int `yaml:"keep"`
	OverviewChars         int `yaml:"overview_chars"`
	EpisodesPerSeason     int `yaml:"episodes_per_season"`
	EpisodeChars          int `yaml:"episode_chars"`
}

// DefaultDigestConfig returns the default digest limits.
func DefaultDigestConfig() DigestConfig {
	return DigestConfig{
		Candidates:            3,
		CrossSeasonCandidates: 5,
		Keep:                  2,
		OverviewChars:         300,
		EpisodesPerSeason:     3,
		EpisodeChars:          100,
	}
}

// TimestampProximity scores how close a chunk ends to the cursor. Chunks
// from any other episode score 0.
func (c RetrievalConfig) TimestampProximity(query media.MediaUnit, cursor float64, chunk media.SubtitleChunk) float64 {
	if !query.SameEpisode(chunk.Unit) {
		return 0
	}
	dist := math.Abs(cursor - chunk.EndSeconds)

	score := 0.0
	if cursor > 0 {
		score = 1 - math.Min(dist/cursor, 1)
	}
	if dist <= c.NearBoostSeconds {
		score = math.Min(score+c.NearBoost, 1)
	}
	return score
}

// EpisodeRecency scores how close the chunk's episode is to the viewer's.
func (c RetrievalConfig) EpisodeRecency(query media.MediaUnit, chunk media.SubtitleChunk, proximity float64, pastReference bool) float64 {
	if !query.IsTV() {
		return proximity
	}
	if query.SameEpisode(chunk.Unit) {
		return 1.0
	}

	var score float64
	switch {
	case chunk.Unit.Season == query.Season:
		score = c.SameSeasonBase - c.EpisodeDecay*math.Abs(float64(query.Episode-chunk.Unit.Episode))
	case pastReference:
		score = c.PastReferenceRecency
	default:
		score = c.OtherSeasonBase - c.SeasonDecay*math.Abs(float64(query.Season-chunk.Unit.Season))
	}
	return math.Max(score, 0)
}

// KeywordOverlap adds KeywordHit for each keyword found in content, capped
// at KeywordCap.
func (c RetrievalConfig) KeywordOverlap(keywords []string, content string) float64 {
	lower := strings.ToLower(content)
	score := 0.0
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			score += c.KeywordHit
		}
	}
	return math.Min(score, c.KeywordCap)
}

// FinalScore blends the four signals with the configured weights.
func (c RetrievalConfig) FinalScore(similarity, proximity, recency, keyword float64) float64 {
	return c.SimilarityWeight*similarity +
		c.ProximityWeight*proximity +
		c.RecencyWeight*recency +
		c.KeywordWeight*keyword
}
