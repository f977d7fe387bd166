package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func recordingPolicy(attempts int, slept *[]time.Duration) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Sleeper: func(d time.Duration) {
			*slept = append(*slept, d)
		},
	}
}

func TestDo_SucceedsAfterRateLimit(t *testing.T) {
	var slept []time.Duration
	calls := 0
	err := Do(context.Background(), recordingPolicy(3, &slept), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{StatusCode: http.StatusTooManyRequests}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != 2*time.Second {
		t.Errorf("expected backoff 1s,2s, got %v", slept)
	}
}

func TestDo_HonorsRetryAfter(t *testing.T) {
	var slept []time.Duration
	calls := 0
	_ = Do(context.Background(), recordingPolicy(2, &slept), func(ctx context.Context) error {
		calls++
		return Transient(errors.New("slow down"), 7*time.Second)
	})
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	if len(slept) != 1 || slept[0] != 7*time.Second {
		t.Errorf("expected retry-after delay 7s, got %v", slept)
	}
}

func TestDo_CapsRetryAfter(t *testing.T) {
	var slept []time.Duration
	_ = Do(context.Background(), recordingPolicy(2, &slept), func(ctx context.Context) error {
		return Transient(errors.New("slow down"), time.Hour)
	})
	if len(slept) != 1 || slept[0] != 10*time.Second {
		t.Errorf("expected capped delay 10s, got %v", slept)
	}
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	var slept []time.Duration
	permanent := &StatusError{StatusCode: http.StatusUnauthorized}
	calls := 0
	err := Do(context.Background(), recordingPolicy(3, &slept), func(ctx context.Context) error {
		calls++
		return permanent
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if !errors.Is(err, permanent) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	var slept []time.Duration
	sentinel := errors.New("boom")
	calls := 0
	err := Do(context.Background(), recordingPolicy(3, &slept), func(ctx context.Context) error {
		calls++
		return Transient(sentinel, 0)
	})
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("expected wrapped sentinel, got %v", err)
	}
}

func TestDo_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		cancel()
		return Transient(errors.New("flaky"), 0)
	})
	if calls != 1 {
		t.Errorf("expected 1 call after cancel, got %d", calls)
	}
	if err == nil {
		t.Error("expected an error")
	}
}

func TestDoValue(t *testing.T) {
	got, err := DoValue(context.Background(), DefaultPolicy(), func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Errorf("expected ok, got %q %v", got, err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"429", &StatusError{StatusCode: 429}, true},
		{"503", &StatusError{StatusCode: 503}, true},
		{"404", &StatusError{StatusCode: 404}, false},
		{"transient", Transient(errors.New("x"), 0), true},
		{"plain", errors.New("x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := Classify(tt.err)
			if got != tt.retryable {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.retryable)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d, ok := ParseRetryAfter("12"); !ok || d != 12*time.Second {
		t.Errorf("expected 12s, got %v %v", d, ok)
	}
	if _, ok := ParseRetryAfter(""); ok {
		t.Error("empty value should not parse")
	}
	if _, ok := ParseRetryAfter("-1"); ok {
		t.Error("negative value should not parse")
	}
	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	if d, ok := ParseRetryAfter(future); !ok || d <= 0 || d > 31*time.Second {
		t.Errorf("expected ~30s from date, got %v %v", d, ok)
	}
}
