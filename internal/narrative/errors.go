package narrative

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"

	"github.com/Yates-Labs/spoilerguard/internal/retry"
)

// SynthesisKind separates retryable from terminal LLM failures.
type SynthesisKind string

const (
	KindRateLimited    SynthesisKind = "rate_limited"
	KindQuotaExhausted SynthesisKind = "quota_exhausted"
)

// SynthesisError is an LLM failure the caller can act on.
type SynthesisError struct {
	Kind       SynthesisKind
	RetryAfter time.Duration
	Err        error
}

func (e *SynthesisError) Error() string {
	if e.Kind == KindRateLimited && e.RetryAfter > 0 {
		return fmt.Sprintf("llm %s (retry after %s): %v", e.Kind, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("llm %s: %v", e.Kind, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later.
func (e *SynthesisError) Retryable() bool {
	return e.Kind == KindRateLimited
}

// ClassifyError maps a backend error to a *SynthesisError for rate limits and
// exhausted quota, and wraps anything else with ErrLLMFailed.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var synth *SynthesisError
	if errors.As(err, &synth) {
		return synth
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if isQuotaError(apiErr) {
			return &SynthesisError{Kind: KindQuotaExhausted, Err: err}
		}
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return &SynthesisError{Kind: KindRateLimited, RetryAfter: retryAfter(apiErr), Err: err}
		}
	}
	return fmt.Errorf("%w: %w", ErrLLMFailed, err)
}

// retryableRateLimit marks 429 and 5xx responses transient. Exhausted quota
// is terminal.
func retryableRateLimit(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) || isQuotaError(apiErr) {
		return err
	}
	if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError {
		return retry.Transient(err, retryAfter(apiErr))
	}
	return err
}

func isQuotaError(apiErr *openai.Error) bool {
	return apiErr.Code == "insufficient_quota" || apiErr.Type == "insufficient_quota"
}

func retryAfter(apiErr *openai.Error) time.Duration {
	if apiErr.Response == nil {
		return 0
	}
	d, _ := retry.ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
	return d
}
