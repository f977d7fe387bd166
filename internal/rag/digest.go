package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Yates-Labs/spoilerguard/internal/logging"
	"github.com/Yates-Labs/spoilerguard/internal/media"
)

// DigestMatch is a season digest returned by similarity search.
type DigestMatch struct {
	Digest     media.SeasonDigest
	Similarity float64
}

// DigestStore persists season digests in the compact space.
type DigestStore interface {
	// Insert stores a digest; an existing (tmdbID, season) row is kept as is.
	Insert(ctx context.Context, digest media.SeasonDigest) error

	// Exists reports whether a digest exists for the season.
	Exists(ctx context.Context, tmdbID int64, season int) (bool, error)

	// MissingSeasons returns the seasons in [1, beforeSeason) without a digest.
	MissingSeasons(ctx context.Context, tmdbID int64, beforeSeason int) ([]int, error)

	// Search returns up to k digests of seasons strictly before beforeSeason,
	// most similar first.
	Search(ctx context.Context, tmdbID int64, beforeSeason int, vector []float32, k int) ([]DigestMatch, error)

	// Close releases resources and closes connections
	Close() error
}

// DigestRetriever renders the prior-season digests most relevant to a question.
type DigestRetriever struct {
	store  DigestStore
	config DigestConfig
}

// NewDigestRetriever creates a retriever over store.
func NewDigestRetriever(store DigestStore, config DigestConfig) (*DigestRetriever, error) {
	if store == nil {
		return nil, fmt.Errorf("digest store cannot be nil")
	}
	return &DigestRetriever{store: store, config: config}, nil
}

// Retrieve returns the formatted digest block for seasons before unit's, or
// "" for movies, first seasons and titles without digests. vector must be in
// the compact space.
func (r *DigestRetriever) Retrieve(ctx context.Context, unit media.MediaUnit, vector []float32, crossSeason bool) (string, error) {
	if !unit.IsTV() || unit.Season <= 1 || len(vector) == 0 {
		return "", nil
	}

	k := r.config.Candidates
	if crossSeason {
		k = r.config.CrossSeasonCandidates
	}

	matches, err := r.store.Search(ctx, unit.TMDBID, unit.Season, vector, k)
	if err != nil {
		return "", fmt.Errorf("failed to search season digests: %w", err)
	}

	kept := make([]media.SeasonDigest, 0, len(matches))
	for _, m := range matches {
		if m.Digest.SeasonNumber >= unit.Season {
			logging.From(ctx).Warn().Int("season", m.Digest.SeasonNumber).Msg("dropping digest at or after current season")
			continue
		}
		kept = append(kept, m.Digest)
		if r.config.Keep > 0 && len(kept) >= r.config.Keep {
			break
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].SeasonNumber < kept[j].SeasonNumber })

	return FormatDigests(kept, r.config), nil
}

// FormatDigests renders digests in the given order. Each season shows its
// overview and its first few episode summaries, truncated per config.
func FormatDigests(digests []media.SeasonDigest, config DigestConfig) string {
	if len(digests) == 0 {
		return ""
	}

	var b strings.Builder
	for i, d := range digests {
		if i > 0 {
			b.WriteString("\n")
		}
		name := d.SeasonName
		if name == "" {
			name = fmt.Sprintf("Season %d", d.SeasonNumber)
		}
		fmt.Fprintf(&b, "Season %d: %s\n", d.SeasonNumber, name)
		if overview := strings.TrimSpace(d.Overview); overview != "" {
			fmt.Fprintf(&b, "%s\n", Ellipsize(overview, config.OverviewChars))
		}

		shown := 0
		for _, ep := range d.EpisodeSummaries {
			if config.EpisodesPerSeason > 0 && shown >= config.EpisodesPerSeason {
				break
			}
			overview := strings.TrimSpace(ep.Overview)
			if overview == "" {
				continue
			}
			fmt.Fprintf(&b, "- E%d %s: %s\n", ep.EpisodeNumber, ep.Name, Ellipsize(overview, config.EpisodeChars))
			shown++
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Ellipsize cuts text to at most max runes, marking the cut with "...".
func Ellipsize(text string, max int) string {
	runes := []rune(text)
	if max <= 0 || len(runes) <= max {
		return text
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return strings.TrimSpace(string(runes[:max-3])) + "..."
}
