// Package server exposes the question pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Yates-Labs/spoilerguard/internal/logging"
	"github.com/Yates-Labs/spoilerguard/internal/media"
	"github.com/Yates-Labs/spoilerguard/internal/orchestrator"
)

const maxBodyBytes = 64 << 10

// Answerer runs one question.
type Answerer interface {
	Answer(ctx context.Context, req orchestrator.AskRequest) (orchestrator.AskResult, error)
}

// AnswerRequest is the body of POST /v1/answer. Cursor, when set, takes
// precedence over cursor_seconds and accepts "mm:ss" or "h:mm:ss".
type AnswerRequest struct {
	orchestrator.AskRequest
	Cursor string `json:"cursor,omitempty"`
}

// ErrorResponse is returned for every non-2xx answer.
type ErrorResponse struct {
	Error             string `json:"error"`
	Kind              string `json:"kind,omitempty"`
	Retryable         bool   `json:"retryable"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	RequestID         string `json:"request_id,omitempty"`
}

// Server serves the answer endpoint and a health check.
type Server struct {
	answerer Answerer
	server   *http.Server
}

// New creates a server listening on address.
func New(address string, answerer Answerer) *Server {
	s := &Server{answerer: answerer}
	s.server = &http.Server{
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Answers wait on population, retrieval and the LLM.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/answer", s.handleAnswer)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return withRequestLogger(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	log := logging.Component("server")
	log.Info().Str("address", listener.Addr().String()).Msg("api server listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	log.Info().Msg("api server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body AnswerRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(ctx, w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if body.Cursor != "" {
		seconds, err := media.ParseCursor(body.Cursor)
		if err != nil {
			writeError(ctx, w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		body.CursorSeconds = seconds
	}

	result, err := s.answerer.Answer(ctx, body.AskRequest)
	if err != nil {
		status, resp := errorResponse(err)
		if status >= http.StatusInternalServerError {
			logging.From(ctx).Error().Err(err).Str("unit", body.Unit.Key()).Msg("answer failed")
		}
		writeError(ctx, w, status, resp)
		return
	}
	writeJSON(ctx, w, http.StatusOK, result)
}

// errorResponse maps pipeline failures to a status code and a body that is
// safe to show to viewers.
func errorResponse(err error) (int, ErrorResponse) {
	if errors.Is(err, orchestrator.ErrInvalidRequest) {
		return http.StatusBadRequest, ErrorResponse{Error: err.Error()}
	}

	var answerErr *orchestrator.AnswerError
	if errors.As(err, &answerErr) {
		resp := ErrorResponse{
			Error:     answerErr.Message,
			Kind:      string(answerErr.Kind),
			Retryable: answerErr.Retryable,
		}
		if answerErr.RetryAfter > 0 {
			resp.RetryAfterSeconds = int(math.Ceil(answerErr.RetryAfter.Seconds()))
		}
		if answerErr.Kind == orchestrator.FailureRateLimit {
			return http.StatusTooManyRequests, resp
		}
		return http.StatusServiceUnavailable, resp
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, ErrorResponse{Error: "the answer took too long", Retryable: true}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "internal error"}
}

func withRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, id := logging.WithRequest(r.Context())
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		logging.From(ctx).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.From(ctx).Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, resp ErrorResponse) {
	resp.RequestID = w.Header().Get("X-Request-ID")
	if resp.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfterSeconds))
	}
	writeJSON(ctx, w, status, resp)
}
