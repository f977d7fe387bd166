package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Yates-Labs/spoilerguard/internal/logging"
	"github.com/Yates-Labs/spoilerguard/internal/media"
	"github.com/Yates-Labs/spoilerguard/internal/metadata/tmdb"
	"github.com/Yates-Labs/spoilerguard/internal/narrative"
	"github.com/Yates-Labs/spoilerguard/internal/rag"
)

// NotEnoughContext is the answer returned when no evidence exists yet.
const NotEnoughContext = "There isn't enough context for this moment yet. Please try again shortly."

var (
	ErrInvalidRequest = errors.New("invalid question request")
)

// FailureKind classifies a failed answer for the caller.
type FailureKind string

const (
	FailureEmbedding FailureKind = "embedding_failed"
	FailureRetrieval FailureKind = "retrieval_failed"
	FailureRateLimit FailureKind = "rate_limited"
	FailureQuota     FailureKind = "quota_exhausted"
	FailureSynthesis FailureKind = "synthesis_failed"
)

// AnswerError is the single user-facing failure of an answer call.
type AnswerError struct {
	Kind       FailureKind
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (e *AnswerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *AnswerError) Unwrap() error {
	return e.Err
}

// Quota is the usage snapshot computed by the caller for this question. It
// is echoed back unchanged.
type Quota struct {
	RemainingFreeQuestions int `json:"remaining_free_questions"`
	CoinsConsumed          int `json:"coins_consumed"`
}

// AskRequest is one question at a point in the story.
type AskRequest struct {
	Unit          media.MediaUnit     `json:"unit"`
	CursorSeconds float64             `json:"cursor_seconds"`
	Question      string              `json:"question"`
	History       []narrative.Message `json:"history,omitempty"`
	Quota         Quota               `json:"quota"`
}

// AskResult is the outcome of a question. Answered is false when the
// not-enough-context message was returned instead of a synthesized answer.
type AskResult struct {
	Answer                 string               `json:"answer"`
	RemainingFreeQuestions int                  `json:"remaining_free_questions"`
	CoinsConsumed          int                  `json:"coins_consumed"`
	EvidenceCount          int                  `json:"evidence_count"`
	MaxAvailableSeconds    float64              `json:"max_available_seconds"`
	CoverageComplete       bool                 `json:"coverage_complete"`
	Answered               bool                 `json:"answered"`
	Citations              []narrative.Citation `json:"citations,omitempty"`
}

// MetadataSource supplies background metadata for the prompt.
type MetadataSource interface {
	Metadata(ctx context.Context, unit media.MediaUnit) (tmdb.Metadata, error)
}

// Companion answers spoiler-safe questions.
type Companion struct {
	Chunks      rag.ChunkStore
	Populator   *Populator
	Embedder    rag.Embedder
	Hybrid      *rag.HybridRetriever
	Synthesizer *narrative.Synthesizer

	// Optional collaborators. A nil value disables the step.
	CompactEmbedder rag.Embedder
	Digests         *rag.DigestRetriever
	Metadata        MetadataSource
}

// Answer runs the question pipeline: coverage, population, coverage again
// when new chunks arrived, question embedding, parallel retrieval, then
// synthesis. Background failures are logged. Failures in required steps are
// returned as *AnswerError.
func (c *Companion) Answer(ctx context.Context, req AskRequest) (AskResult, error) {
	if c.Chunks == nil || c.Embedder == nil || c.Hybrid == nil || c.Synthesizer == nil {
		return AskResult{}, fmt.Errorf("companion is missing a chunk store, embedder, retriever or synthesizer")
	}
	if err := checkSpaces(c.Embedder, c.CompactEmbedder); err != nil {
		return AskResult{}, err
	}
	req.Question = strings.TrimSpace(req.Question)
	if err := req.Unit.Validate(); err != nil {
		return AskResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Question == "" {
		return AskResult{}, fmt.Errorf("%w: question is empty", ErrInvalidRequest)
	}
	if req.CursorSeconds < 0 || math.IsNaN(req.CursorSeconds) || math.IsInf(req.CursorSeconds, 0) {
		return AskResult{}, fmt.Errorf("%w: cursor must be a non-negative number of seconds", ErrInvalidRequest)
	}
	log := logging.From(ctx).With().Str("component", "companion").Str("unit", req.Unit.Key()).Logger()

	coverage, err := rag.ComputeCoverage(ctx, c.Chunks, req.Unit, req.CursorSeconds)
	if err != nil {
		return AskResult{}, retrievalFailure(err)
	}

	if c.Populator != nil {
		report, err := c.Populator.Ensure(ctx, req.Unit)
		if err != nil {
			if ctx.Err() != nil {
				return AskResult{}, ctx.Err()
			}
			log.Warn().Err(err).Msg("cache population incomplete")
		}
		if report.Changed() {
			if coverage, err = rag.ComputeCoverage(ctx, c.Chunks, req.Unit, req.CursorSeconds); err != nil {
				return AskResult{}, retrievalFailure(err)
			}
		}
	}
	if coverage.Clamped() {
		log.Info().
			Float64("requested", req.CursorSeconds).
			Float64("adjusted", coverage.AdjustedCursorSeconds).
			Msg("cursor clamped to indexed data")
	}

	contentVec, compactVec, err := c.embedQuestion(ctx, req.Question)
	if err != nil {
		return AskResult{}, err
	}

	var (
		evidence []rag.Candidate
		digests  string
		meta     *tmdb.Metadata
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		evidence, err = c.Hybrid.Retrieve(gctx, rag.Query{
			Unit:          req.Unit,
			CursorSeconds: coverage.AdjustedCursorSeconds,
			Question:      req.Question,
			Vector:        contentVec,
		})
		return err
	})
	if c.Digests != nil {
		g.Go(func() error {
			text, err := c.Digests.Retrieve(gctx, req.Unit, compactVec, rag.ReferencesPastContent(req.Question))
			if err != nil {
				log.Warn().Err(err).Msg("season digests unavailable")
				return nil
			}
			digests = text
			return nil
		})
	}
	if c.Metadata != nil {
		g.Go(func() error {
			m, err := c.Metadata.Metadata(gctx, req.Unit)
			if err != nil {
				log.Warn().Err(err).Msg("metadata unavailable")
				return nil
			}
			meta = &m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return AskResult{}, retrievalFailure(err)
	}

	result := AskResult{
		RemainingFreeQuestions: req.Quota.RemainingFreeQuestions,
		CoinsConsumed:          req.Quota.CoinsConsumed,
		EvidenceCount:          len(evidence),
		MaxAvailableSeconds:    coverage.MaxAvailableSeconds,
		CoverageComplete:       coverage.CoverageComplete,
	}
	if len(evidence) == 0 {
		log.Info().Msg("no evidence available, declining to answer")
		result.Answer = NotEnoughContext
		return result, nil
	}

	answer, err := c.Synthesizer.Synthesize(ctx, narrative.Request{
		Input: narrative.PromptInput{
			Unit:             req.Unit,
			CursorSeconds:    coverage.AdjustedCursorSeconds,
			RequestedSeconds: req.CursorSeconds,
			CoverageComplete: !coverage.Clamped(),
			Metadata:         meta,
			Evidence:         evidence,
			Digests:          digests,
		},
		Question: req.Question,
		History:  req.History,
	})
	if err != nil {
		return AskResult{}, synthesisFailure(err)
	}

	log.Info().
		Int("evidence", len(evidence)).
		Int("citations", len(answer.Citations)).
		Bool("digests", digests != "").
		Msg("question answered")

	result.Answer = answer.Text
	result.Citations = answer.Citations
	result.Answered = true
	return result, nil
}

// embedQuestion embeds the question in the content space and, when a compact
// embedder is configured, the compact space. Only a content-space failure is
// fatal; without a compact vector digests are skipped.
func (c *Companion) embedQuestion(ctx context.Context, question string) ([]float32, []float32, error) {
	var content, compact []float32

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vec, err := rag.EmbedOne(gctx, c.Embedder, question)
		if err != nil {
			return err
		}
		content = vec
		return nil
	})
	if c.CompactEmbedder != nil && c.Digests != nil {
		g.Go(func() error {
			vec, err := rag.EmbedOne(gctx, c.CompactEmbedder, question)
			if err != nil {
				logging.From(ctx).Warn().Err(err).Msg("compact question embedding failed")
				return nil
			}
			compact = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if !errors.Is(err, rag.ErrEmbeddingFailed) {
			err = fmt.Errorf("%w: %v", rag.ErrEmbeddingFailed, err)
		}
		return nil, nil, &AnswerError{
			Kind:      FailureEmbedding,
			Message:   "We couldn't process your question right now. Please try again.",
			Retryable: true,
			Err:       err,
		}
	}
	return content, compact, nil
}

func retrievalFailure(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &AnswerError{
		Kind:      FailureRetrieval,
		Message:   "Scene search is unavailable right now. Please try again.",
		Retryable: true,
		Err:       err,
	}
}

func synthesisFailure(err error) error {
	var synth *narrative.SynthesisError
	if errors.As(err, &synth) {
		switch synth.Kind {
		case narrative.KindRateLimited:
			return &AnswerError{
				Kind:       FailureRateLimit,
				Message:    "The companion is busy. Please try again in a moment.",
				Retryable:  true,
				RetryAfter: synth.RetryAfter,
				Err:        err,
			}
		case narrative.KindQuotaExhausted:
			return &AnswerError{
				Kind:    FailureQuota,
				Message: "The companion is unavailable right now.",
				Err:     err,
			}
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &AnswerError{
		Kind:      FailureSynthesis,
		Message:   "We couldn't generate an answer. Please try again.",
		Retryable: true,
		Err:       err,
	}
}

// checkSpaces rejects embedders wired into the wrong space. compact may be nil.
func checkSpaces(content, compact rag.Embedder) error {
	if err := rag.CheckSpace(content, rag.SpaceContent); err != nil {
		return err
	}
	if compact != nil {
		return rag.CheckSpace(compact, rag.SpaceCompact)
	}
	return nil
}
