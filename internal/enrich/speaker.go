// Package enrich adds speaker names to stored subtitle chunks. The pass is
// best effort: it runs detached from question requests and its failures are
// only logged.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Yates-Labs/spoilerguard/internal/logging"
	"github.com/Yates-Labs/spoilerguard/internal/media"
	"github.com/Yates-Labs/spoilerguard/internal/metadata/tmdb"
	"github.com/Yates-Labs/spoilerguard/internal/narrative"
)

var (
	ErrNoCast = errors.New("no cast list available")
)

var (
	markerPattern  = regexp.MustCompile(`\[\d{1,2}:\d{2}(?::\d{2})?\]`)
	speakerPattern = regexp.MustCompile(`\[\d{1,2}:\d{2}(?::\d{2})?\]\s+[\p{Lu}][\p{L}'.\- ]{0,40}:\s`)
)

// HasSpeakerMarkers reports whether any "[mm:ss]" marker in content is
// followed by a "Name: " speaker prefix. Chunks join their lines on one
// line, so markers are matched anywhere in the text.
func HasSpeakerMarkers(content string) bool {
	return speakerPattern.MatchString(content)
}

// Annotated reports whether any chunk already carries speaker markers.
func Annotated(chunks []media.SubtitleChunk) bool {
	for _, c := range chunks {
		if HasSpeakerMarkers(c.Content) {
			return true
		}
	}
	return false
}

// ChunkRewriter is the part of the chunk store the annotator needs.
type ChunkRewriter interface {
	ListUnit(ctx context.Context, unit media.MediaUnit) ([]media.SubtitleChunk, error)
	UpdateContent(ctx context.Context, unit media.MediaUnit, contents map[int]string) error
}

// CastSource supplies the character list for a unit.
type CastSource interface {
	Metadata(ctx context.Context, unit media.MediaUnit) (tmdb.Metadata, error)
}

// Result summarizes one annotation pass.
type Result struct {
	Chunks   int  `json:"chunks"`
	Updated  int  `json:"updated"`
	Rejected int  `json:"rejected"`
	Skipped  bool `json:"skipped"`
}

// SpeakerAnnotator rewrites chunk content with speaker prefixes inferred by an LLM.
type SpeakerAnnotator struct {
	store       ChunkRewriter
	cast        CastSource
	llm         narrative.LLM
	concurrency int
}

// NewSpeakerAnnotator creates an annotator. concurrency bounds parallel LLM calls.
func NewSpeakerAnnotator(store ChunkRewriter, cast CastSource, llm narrative.LLM, concurrency int) (*SpeakerAnnotator, error) {
	if store == nil || cast == nil || llm == nil {
		return nil, fmt.Errorf("annotator requires a store, a cast source and an LLM")
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &SpeakerAnnotator{store: store, cast: cast, llm: llm, concurrency: concurrency}, nil
}

// Annotate attributes speakers in every chunk of unit. Units that already
// carry markers are skipped, so content is rewritten at most once. A rewrite
// that drops, adds or reorders a [mm:ss] marker is rejected and the chunk
// keeps its original text.
func (a *SpeakerAnnotator) Annotate(ctx context.Context, unit media.MediaUnit) (Result, error) {
	log := logging.From(ctx).With().Str("component", "enrich").Str("unit", unit.Key()).Logger()

	chunks, err := a.store.ListUnit(ctx, unit)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load chunks: %w", err)
	}
	result := Result{Chunks: len(chunks)}
	if len(chunks) == 0 || Annotated(chunks) {
		result.Skipped = true
		return result, nil
	}

	meta, err := a.cast.Metadata(ctx, unit)
	if err != nil {
		return result, fmt.Errorf("failed to load cast: %w", err)
	}
	if len(meta.Cast) == 0 {
		return result, fmt.Errorf("%w: %s", ErrNoCast, unit)
	}
	system := annotationPrompt(meta)

	var mu sync.Mutex
	contents := make(map[int]string)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, chunk := range chunks {
		g.Go(func() error {
			rewritten, err := a.llm.Generate(gctx, narrative.Prompt{System: system, User: chunk.Content})
			if err != nil {
				return fmt.Errorf("chunk %d: %w", chunk.ChunkIndex, err)
			}
			rewritten = strings.TrimSpace(rewritten)

			mu.Lock()
			defer mu.Unlock()
			if !MarkersPreserved(chunk.Content, rewritten) || rewritten == chunk.Content {
				result.Rejected++
				return nil
			}
			contents[chunk.ChunkIndex] = rewritten
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	if len(contents) > 0 {
		if err := a.store.UpdateContent(ctx, unit, contents); err != nil {
			return result, fmt.Errorf("failed to store annotated chunks: %w", err)
		}
	}
	result.Updated = len(contents)

	log.Info().
		Int("chunks", result.Chunks).
		Int("updated", result.Updated).
		Int("rejected", result.Rejected).
		Msg("speaker annotation finished")
	return result, nil
}

// MarkersPreserved reports whether rewritten has exactly the timestamp
// markers of original, in the same order.
func MarkersPreserved(original, rewritten string) bool {
	before := markerPattern.FindAllString(original, -1)
	after := markerPattern.FindAllString(rewritten, -1)
	return len(before) > 0 && slices.Equal(before, after)
}

func annotationPrompt(meta tmdb.Metadata) string {
	var b strings.Builder
	b.WriteString("You label who is speaking in subtitle lines.\n")
	b.WriteString("The text is a run of subtitle lines, each introduced by a [mm:ss] timestamp. ")
	b.WriteString("Return the text unchanged, with the same timestamps in the same order, ")
	b.WriteString("inserting the speaker's character name and a colon right after a timestamp, e.g. ")
	b.WriteString("\"[12:03] Jon Snow: We leave at dawn. [12:06] Arya Stark: I'm coming.\".\n")
	b.WriteString("Only use names from the character list. When the speaker is unclear, leave that line as it is. ")
	b.WriteString("Do not add, merge, drop or reword lines. Output only the text.\n\n")
	if meta.Title != "" {
		b.WriteString("Title: " + meta.Title + "\n")
	}
	b.WriteString("Characters:\n")
	for _, c := range meta.Cast {
		b.WriteString(fmt.Sprintf("- %s (%s)\n", c.Character, c.Actor))
	}
	return b.String()
}
