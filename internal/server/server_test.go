package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Yates-Labs/spoilerguard/internal/media"
	"github.com/Yates-Labs/spoilerguard/internal/orchestrator"
)

type answererStub struct {
	got    orchestrator.AskRequest
	result orchestrator.AskResult
	err    error
}

func (a *answererStub) Answer(ctx context.Context, req orchestrator.AskRequest) (orchestrator.AskResult, error) {
	a.got = req
	return a.result, a.err
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/answer", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandleAnswer_Success(t *testing.T) {
	stub := &answererStub{result: orchestrator.AskResult{Answer: "Six pups [S1E1 04:00-04:30].", Answered: true, EvidenceCount: 2}}
	h := New(":0", stub).Handler()

	w := post(t, h, `{"unit":{"tmdb_id":1399,"media_type":"tv","season_number":1,"episode_number":1},
		"cursor":"45:00","question":"What did Jon find?","quota":{"remaining_free_questions":3}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}

	if stub.got.Unit != media.NewEpisode(1399, 1, 1) {
		t.Errorf("unexpected unit %+v", stub.got.Unit)
	}
	if stub.got.CursorSeconds != 2700 {
		t.Errorf("cursor should be parsed, got %v", stub.got.CursorSeconds)
	}
	if stub.got.Quota.RemainingFreeQuestions != 3 {
		t.Errorf("quota not forwarded: %+v", stub.got.Quota)
	}

	var resp orchestrator.AskResult
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Answered || resp.EvidenceCount != 2 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestHandleAnswer_BadRequests(t *testing.T) {
	stub := &answererStub{}
	h := New(":0", stub).Handler()

	for _, body := range []string{
		`not json`,
		`{"question":"q","unexpected":true}`,
		`{"question":"q","cursor":"ten minutes"}`,
		`{"question":"q","cursor":"NaN"}`,
		`{"question":"q","cursor":"Inf"}`,
	} {
		if w := post(t, h, body); w.Code != http.StatusBadRequest {
			t.Errorf("body %s: expected 400, got %d", body, w.Code)
		}
	}

	stub.err = fmt.Errorf("%w: question is empty", orchestrator.ErrInvalidRequest)
	if w := post(t, h, `{"question":""}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid request, got %d", w.Code)
	}
}

func TestHandleAnswer_Failures(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		status     int
		retryAfter string
	}{
		{"rate limited", &orchestrator.AnswerError{Kind: orchestrator.FailureRateLimit, Message: "busy", Retryable: true, RetryAfter: 1500 * time.Millisecond, Err: errors.New("429")}, http.StatusTooManyRequests, "2"},
		{"quota", &orchestrator.AnswerError{Kind: orchestrator.FailureQuota, Message: "unavailable", Err: errors.New("quota")}, http.StatusServiceUnavailable, ""},
		{"embedding", &orchestrator.AnswerError{Kind: orchestrator.FailureEmbedding, Message: "try again", Retryable: true, Err: errors.New("down")}, http.StatusServiceUnavailable, ""},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := New(":0", &answererStub{err: tc.err}).Handler()
			w := post(t, h, `{"question":"q"}`)
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, w.Code)
			}
			if got := w.Header().Get("Retry-After"); got != tc.retryAfter {
				t.Errorf("Retry-After = %q, want %q", got, tc.retryAfter)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to decode error: %v", err)
			}
			if resp.Error == "" || resp.RequestID == "" {
				t.Errorf("incomplete error response %+v", resp)
			}
			if strings.Contains(resp.Error, "boom") {
				t.Error("internal errors must not leak")
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	h := New(":0", &answererStub{}).Handler()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/answer", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET /v1/answer, got %d", w.Code)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New("127.0.0.1:0", &answererStub{}).Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
