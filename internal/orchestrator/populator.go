// Package orchestrator wires coverage, population, retrieval and synthesis
// into the single "answer a question" operation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Yates-Labs/spoilerguard/internal/enrich"
	"github.com/Yates-Labs/spoilerguard/internal/ingest/subtitle"
	"github.com/Yates-Labs/spoilerguard/internal/logging"
	"github.com/Yates-Labs/spoilerguard/internal/media"
	"github.com/Yates-Labs/spoilerguard/internal/rag"
	"github.com/Yates-Labs/spoilerguard/internal/transcript"
)

// PopulatorConfig bounds the work done by one Ensure call.
type PopulatorConfig struct {
	// IngestDelay separates consecutive episode ingestions.
	IngestDelay time.Duration
	// MaxPriorSeasons caps how many missing digests are generated per call.
	MaxPriorSeasons int
	EmbedBatchSize  int
}

// DefaultPopulatorConfig returns sensible defaults for population.
func DefaultPopulatorConfig() PopulatorConfig {
	return PopulatorConfig{
		IngestDelay:     500 * time.Millisecond,
		MaxPriorSeasons: 3,
		EmbedBatchSize:  rag.DefaultIndexOptions().BatchSize,
	}
}

// Populator makes sure chunks and season digests exist before retrieval.
type Populator struct {
	Chunks      rag.ChunkStore
	Transcripts transcript.Provider
	Chunker     *subtitle.Chunker
	Embedder    rag.Embedder

	// Digest generation is skipped when any of these is nil.
	Digests         rag.DigestStore
	Seasons         rag.SeasonFetcher
	CompactEmbedder rag.Embedder

	// Enrichment is skipped when Dispatcher is nil.
	Dispatcher enrich.Dispatcher

	Config PopulatorConfig
}

// Report describes what one Ensure call did.
type Report struct {
	Ingested   []media.MediaUnit `json:"ingested,omitempty"`
	NotFound   []media.MediaUnit `json:"not_found,omitempty"`
	Enrichment bool              `json:"enrichment_dispatched"`
	Digests    []int             `json:"digests,omitempty"`
}

// Changed reports whether new chunks were written for any unit.
func (r Report) Changed() bool {
	return len(r.Ingested) > 0
}

// Ensure ingests every missing unit up to and including unit (episodes 1..n
// of the current season for TV), dispatches enrichment for the current unit
// when it is stored but unannotated, and generates missing digests for prior
// seasons. Missing transcripts are not errors. Other failures are collected
// and returned together after every step has been attempted; partial progress
// stays stored.
func (p *Populator) Ensure(ctx context.Context, unit media.MediaUnit) (Report, error) {
	var report Report
	if err := unit.Validate(); err != nil {
		return report, err
	}
	if p.Chunks == nil || p.Transcripts == nil || p.Chunker == nil || p.Embedder == nil {
		return report, fmt.Errorf("populator is missing a chunk store, transcript provider, chunker or embedder")
	}
	if err := checkSpaces(p.Embedder, p.CompactEmbedder); err != nil {
		return report, err
	}
	log := logging.From(ctx).With().Str("component", "populator").Str("unit", unit.Key()).Logger()

	var errs []error
	ingestedBefore := false
	for _, u := range unitsThrough(unit) {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		has, err := p.Chunks.HasChunks(ctx, u)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to check chunks for %s: %w", u, err))
			continue
		}
		if has {
			if u == unit {
				report.Enrichment = p.maybeEnrich(ctx, unit)
			}
			continue
		}

		if ingestedBefore {
			if err := sleep(ctx, p.Config.IngestDelay); err != nil {
				return report, err
			}
		}
		ingestedBefore = true

		result, err := p.ingest(ctx, u)
		switch {
		case errors.Is(err, transcript.ErrNotFound):
			log.Info().Str("episode", u.Key()).Msg("no transcript available")
			report.NotFound = append(report.NotFound, u)
		case err != nil:
			errs = append(errs, err)
			if result.Embedded > 0 || result.Unembedded > 0 {
				report.Ingested = append(report.Ingested, u)
			}
		default:
			log.Info().
				Str("episode", u.Key()).
				Int("chunks", result.Chunks).
				Int("embedded", result.Embedded).
				Msg("ingested transcript")
			report.Ingested = append(report.Ingested, u)
		}
	}

	digests, err := p.ensureDigests(ctx, unit)
	report.Digests = digests
	if err != nil {
		errs = append(errs, err)
	}

	return report, errors.Join(errs...)
}

func (p *Populator) ingest(ctx context.Context, unit media.MediaUnit) (rag.IngestResult, error) {
	doc, err := p.Transcripts.Fetch(ctx, unit)
	if err != nil {
		return rag.IngestResult{Unit: unit}, fmt.Errorf("failed to fetch transcript for %s: %w", unit, err)
	}

	opts := rag.DefaultIndexOptions()
	if p.Config.EmbedBatchSize > 0 {
		opts.BatchSize = p.Config.EmbedBatchSize
	}
	result, err := rag.IngestUnit(ctx, unit, doc, p.Chunker, p.Embedder, p.Chunks, opts)
	if err != nil {
		return result, fmt.Errorf("failed to ingest %s: %w", unit, err)
	}
	return result, nil
}

// maybeEnrich dispatches enrichment when the stored chunks of unit carry no
// speaker markers. Lookup failures only skip enrichment.
func (p *Populator) maybeEnrich(ctx context.Context, unit media.MediaUnit) bool {
	if p.Dispatcher == nil {
		return false
	}
	chunks, err := p.Chunks.ListUnit(ctx, unit)
	if err != nil {
		logging.From(ctx).Debug().Err(err).Str("unit", unit.Key()).Msg("skipping enrichment check")
		return false
	}
	if enrich.Annotated(chunks) {
		return false
	}
	p.Dispatcher.Dispatch(ctx, unit)
	return true
}

// ensureDigests generates the missing digests of seasons before unit's,
// closest seasons first, up to MaxPriorSeasons.
func (p *Populator) ensureDigests(ctx context.Context, unit media.MediaUnit) ([]int, error) {
	if !unit.IsTV() || unit.Season <= 1 || p.Digests == nil || p.Seasons == nil || p.CompactEmbedder == nil {
		return nil, nil
	}

	missing, err := p.Digests.MissingSeasons(ctx, unit.TMDBID, unit.Season)
	if err != nil {
		return nil, fmt.Errorf("failed to list missing digests: %w", err)
	}
	missing = closestSeasons(missing, p.Config.MaxPriorSeasons)

	var generated []int
	var errs []error
	for _, season := range missing {
		inserted, err := rag.GenerateSeasonDigest(ctx, unit.TMDBID, season, p.Seasons, p.CompactEmbedder, p.Digests)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if inserted {
			generated = append(generated, season)
		}
	}
	if len(generated) > 0 {
		logging.From(ctx).Info().Int64("tmdb_id", unit.TMDBID).Ints("seasons", generated).Msg("generated season digests")
	}
	return generated, errors.Join(errs...)
}

// unitsThrough lists the units that must exist before answering about unit.
func unitsThrough(unit media.MediaUnit) []media.MediaUnit {
	if !unit.IsTV() {
		return []media.MediaUnit{unit}
	}
	units := make([]media.MediaUnit, 0, unit.Episode)
	for ep := 1; ep <= unit.Episode; ep++ {
		units = append(units, unit.WithEpisode(unit.Season, ep))
	}
	return units
}

// closestSeasons keeps the max highest season numbers of ascending seasons,
// in ascending order. max <= 0 keeps everything.
func closestSeasons(seasons []int, max int) []int {
	if max <= 0 || len(seasons) <= max {
		return seasons
	}
	return seasons[len(seasons)-max:]
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
