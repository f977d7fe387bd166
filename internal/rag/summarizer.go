package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Yates-Labs/spoilerguard/internal/media"
	"github.com/Yates-Labs/spoilerguard/internal/metadata/tmdb"
)

/*
Season 2: The North Remembers
Overview: Kings rise across Westeros as ...
E1 The North Remembers: Tyrion arrives at King's Landing ...
E2 The Night Lands: ...
*/

// SeasonFetcher loads season details from the metadata provider.
type SeasonFetcher interface {
	Season(ctx context.Context, showID int64, seasonNumber int) (tmdb.Season, error)
}

// BuildSeasonDigest converts TMDB season details into a digest ordered by
// episode number.
func BuildSeasonDigest(tmdbID int64, season tmdb.Season) media.SeasonDigest {
	episodes := make([]media.EpisodeSummary, 0, len(season.Episodes))
	for _, ep := range season.Episodes {
		episodes = append(episodes, media.EpisodeSummary{
			EpisodeNumber: ep.EpisodeNumber,
			Name:          strings.TrimSpace(ep.Name),
			Overview:      strings.TrimSpace(ep.Overview),
		})
	}
	sort.SliceStable(episodes, func(i, j int) bool {
		return episodes[i].EpisodeNumber < episodes[j].EpisodeNumber
	})

	name := strings.TrimSpace(season.Name)
	if name == "" {
		name = fmt.Sprintf("Season %d", season.SeasonNumber)
	}

	return media.SeasonDigest{
		TMDBID:           tmdbID,
		SeasonNumber:     season.SeasonNumber,
		SeasonName:       name,
		Overview:         strings.TrimSpace(season.Overview),
		EpisodeSummaries: episodes,
	}
}

// DigestText is the text embedded for a digest.
func DigestText(d media.SeasonDigest) string {
	lines := []string{fmt.Sprintf("Season %d: %s", d.SeasonNumber, d.SeasonName)}
	if d.Overview != "" {
		lines = append(lines, "Overview: "+d.Overview)
	}
	for _, ep := range d.EpisodeSummaries {
		line := fmt.Sprintf("E%d %s", ep.EpisodeNumber, ep.Name)
		if ep.Overview != "" {
			line += ": " + ep.Overview
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// GenerateSeasonDigest builds, embeds and stores the digest of one season
// unless it already exists. It reports whether a digest was inserted. Nothing
// is stored when embedding fails.
func GenerateSeasonDigest(
	ctx context.Context,
	tmdbID int64,
	season int,
	fetcher SeasonFetcher,
	embedder Embedder,
	store DigestStore,
) (bool, error) {
	if err := CheckSpace(embedder, SpaceCompact); err != nil {
		return false, err
	}
	exists, err := store.Exists(ctx, tmdbID, season)
	if err != nil {
		return false, fmt.Errorf("failed to check digest for season %d: %w", season, err)
	}
	if exists {
		return false, nil
	}

	details, err := fetcher.Season(ctx, tmdbID, season)
	if err != nil {
		return false, fmt.Errorf("failed to fetch season %d: %w", season, err)
	}
	if details.SeasonNumber == 0 {
		details.SeasonNumber = season
	}

	digest := BuildSeasonDigest(tmdbID, details)
	vector, err := EmbedOne(ctx, embedder, DigestText(digest))
	if err != nil {
		return false, fmt.Errorf("failed to embed digest for season %d: %w", season, err)
	}
	digest.Embedding = vector

	if err := store.Insert(ctx, digest); err != nil {
		return false, fmt.Errorf("failed to store digest for season %d: %w", season, err)
	}
	return true, nil
}
