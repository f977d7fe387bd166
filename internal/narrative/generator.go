package narrative

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Yates-Labs/spoilerguard/internal/logging"
)

var (
	ErrSynthesisFailed = errors.New("answer synthesis failed")
)

// Answer is a synthesized response to one question.
type Answer struct {
	Text        string     `json:"text"`
	Citations   []Citation `json:"citations"`
	GeneratedAt time.Time  `json:"generated_at"`
	Model       string     `json:"model"`
}

// Request carries one question with its assembled context.
type Request struct {
	Input    PromptInput
	Question string
	History  []Message
}

// Synthesizer produces answers from evidence using an LLM.
// It performs no retrieval.
type Synthesizer struct {
	llm   LLM
	model string
}

// NewSynthesizer creates a synthesizer with the given LLM implementation.
func NewSynthesizer(llm LLM, model string) *Synthesizer {
	return &Synthesizer{llm: llm, model: model}
}

// Synthesize builds the prompt for req, calls the LLM and extracts citations.
// An answer without citations is returned with a warning logged.
// LLM failures come back classified by ClassifyError.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (*Answer, error) {
	if s.llm == nil {
		return nil, fmt.Errorf("%w: LLM is required", ErrSynthesisFailed)
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", ErrSynthesisFailed)
	}

	prompt := Prompt{
		System:  BuildSystemPrompt(req.Input),
		History: req.History,
		User:    question,
	}

	text, err := s.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, ClassifyError(err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty response", ErrLLMFailed)
	}

	citations := ExtractCitations(text)
	if len(citations) == 0 {
		logging.From(ctx).Warn().
			Str("unit", req.Input.Unit.Key()).
			Int("evidence", len(req.Input.Evidence)).
			Msg("answer contains no timestamp citation")
	}

	return &Answer{
		Text:        text,
		Citations:   citations,
		GeneratedAt: time.Now(),
		Model:       s.model,
	}, nil
}
