package enrich

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Yates-Labs/spoilerguard/internal/ingest/subtitle"
	"github.com/Yates-Labs/spoilerguard/internal/media"
	"github.com/Yates-Labs/spoilerguard/internal/metadata/tmdb"
	"github.com/Yates-Labs/spoilerguard/internal/narrative"
	"github.com/Yates-Labs/spoilerguard/internal/rag/ragtest"
)

func chunk(unit media.MediaUnit, index int, start float64, content string) media.SubtitleChunk {
	return media.SubtitleChunk{
		ID:           media.ChunkID(unit, index),
		Unit:         unit,
		ChunkIndex:   index,
		StartSeconds: start,
		EndSeconds:   start + 30,
		Content:      content,
	}
}

type fakeCast struct {
	cast []tmdb.CastMember
	err  error
}

func (f fakeCast) Metadata(ctx context.Context, unit media.MediaUnit) (tmdb.Metadata, error) {
	return tmdb.Metadata{Title: "Game of Thrones", Cast: f.cast}, f.err
}

var starks = []tmdb.CastMember{{Character: "Arya Stark", Actor: "Maisie Williams"}, {Character: "Jon Snow", Actor: "Kit Harington"}}

func TestHasSpeakerMarkers(t *testing.T) {
	cases := []struct {
		content string
		want    bool
	}{
		{"[00:05] Arya Stark: Stick them with the pointy end.", true},
		{"[00:01] Hello.\n[1:02:03] Jon Snow: Winter is coming.", true},
		{"[00:01] Hello. [00:04] Jon Snow: Winter is coming.", true},
		{"[00:01] Hello. [00:04] Winter is coming.", false},
		{"[00:05] Stick them with the pointy end.", false},
		{"[00:05] what time: now", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := HasSpeakerMarkers(tc.content); got != tc.want {
			t.Errorf("HasSpeakerMarkers(%q) = %v, want %v", tc.content, got, tc.want)
		}
	}
}

func TestMarkersPreserved(t *testing.T) {
	original := "[00:01] Go.\n[00:04] Now."
	if !MarkersPreserved(original, "[00:01] Jon Snow: Go.\n[00:04] Arya Stark: Now.") {
		t.Error("expected markers preserved")
	}
	if MarkersPreserved(original, "[00:01] Jon Snow: Go. Now.") {
		t.Error("dropped marker should be rejected")
	}
	if MarkersPreserved(original, "[00:04] Now.\n[00:01] Go.") {
		t.Error("reordered markers should be rejected")
	}
	if MarkersPreserved("no markers", "no markers") {
		t.Error("content without markers cannot be validated")
	}
}

func TestAnnotate_RewritesValidChunksOnly(t *testing.T) {
	unit := media.NewEpisode(1399, 1, 1)
	good := chunk(unit, 0, 0, "[00:01] Go.\n[00:04] Now.")
	bad := chunk(unit, 1, 30, "[00:31] Wait.")
	store := ragtest.NewChunkStore(good, bad)

	llm := &narrative.MockLLM{Respond: func(p narrative.Prompt) string {
		if strings.HasPrefix(p.User, "[00:01]") {
			return "[00:01] Jon Snow: Go.\n[00:04] Arya Stark: Now."
		}
		return "Arya Stark: Wait."
	}}
	a, err := NewSpeakerAnnotator(store, fakeCast{cast: starks}, llm, 2)
	if err != nil {
		t.Fatalf("NewSpeakerAnnotator failed: %v", err)
	}

	result, err := a.Annotate(context.Background(), unit)
	if err != nil {
		t.Fatalf("Annotate failed: %v", err)
	}
	if result.Updated != 1 || result.Rejected != 1 || result.Chunks != 2 {
		t.Errorf("unexpected result %+v", result)
	}
	if !strings.Contains(llm.LastPrompt().System, "Arya Stark (Maisie Williams)") {
		t.Error("prompt should list the cast")
	}

	stored, _ := store.ListUnit(context.Background(), unit)
	if !HasSpeakerMarkers(stored[0].Content) {
		t.Errorf("chunk 0 not annotated: %q", stored[0].Content)
	}
	if stored[1].Content != bad.Content {
		t.Errorf("rejected chunk changed: %q", stored[1].Content)
	}
	if stored[0].StartSeconds != good.StartSeconds || stored[0].EndSeconds != good.EndSeconds {
		t.Error("timings must not change")
	}

	// A second pass sees the markers and leaves content alone.
	calls := llm.Calls()
	result, err = a.Annotate(context.Background(), unit)
	if err != nil || !result.Skipped {
		t.Errorf("expected skip, got %+v, %v", result, err)
	}
	if llm.Calls() != calls {
		t.Error("annotated unit should not call the LLM")
	}
}

func TestAnnotate_ChunkerContentRewrittenOnce(t *testing.T) {
	unit := media.NewEpisode(1399, 1, 1)
	doc := "1\n00:00:01,000 --> 00:00:03,000\nHello.\n\n2\n00:00:04,000 --> 00:00:06,000\nWinter is coming.\n"
	chunks := subtitle.NewChunker(subtitle.DefaultChunkerConfig()).Chunk(unit, subtitle.ParseSRT(doc))
	if len(chunks) != 1 {
		t.Fatalf("expected one chunk, got %d", len(chunks))
	}
	store := ragtest.NewChunkStore(chunks...)

	// Only the second line gets a speaker.
	llm := &narrative.MockLLM{Respond: func(p narrative.Prompt) string {
		return strings.Replace(p.User, "[00:04] ", "[00:04] Jon Snow: ", 1)
	}}
	a, _ := NewSpeakerAnnotator(store, fakeCast{cast: starks}, llm, 1)

	result, err := a.Annotate(context.Background(), unit)
	if err != nil || result.Updated != 1 {
		t.Fatalf("first pass: %+v, %v", result, err)
	}
	stored, _ := store.ListUnit(context.Background(), unit)
	want := "[00:01] Hello. [00:04] Jon Snow: Winter is coming."
	if stored[0].Content != want {
		t.Fatalf("content = %q, want %q", stored[0].Content, want)
	}
	if !Annotated(stored) {
		t.Error("annotated chunk not detected")
	}

	calls := llm.Calls()
	result, err = a.Annotate(context.Background(), unit)
	if err != nil || !result.Skipped || result.Updated != 0 {
		t.Errorf("second pass should skip, got %+v, %v", result, err)
	}
	if llm.Calls() != calls {
		t.Error("second pass should not call the LLM")
	}
	stored, _ = store.ListUnit(context.Background(), unit)
	if stored[0].Content != want {
		t.Errorf("content rewritten twice: %q", stored[0].Content)
	}
}

func TestAnnotate_Failures(t *testing.T) {
	unit := media.NewMovie(603)
	store := ragtest.NewChunkStore(chunk(unit, 0, 0, "[00:01] Hi."))

	a, _ := NewSpeakerAnnotator(store, fakeCast{}, narrative.NewMockLLM("x"), 1)
	if _, err := a.Annotate(context.Background(), unit); !errors.Is(err, ErrNoCast) {
		t.Errorf("expected ErrNoCast, got %v", err)
	}

	a, _ = NewSpeakerAnnotator(store, fakeCast{cast: starks}, narrative.NewMockLLMWithError(narrative.ErrLLMFailed), 1)
	if _, err := a.Annotate(context.Background(), unit); !errors.Is(err, narrative.ErrLLMFailed) {
		t.Errorf("expected ErrLLMFailed, got %v", err)
	}

	empty, _ := NewSpeakerAnnotator(ragtest.NewChunkStore(), fakeCast{cast: starks}, narrative.NewMockLLM("x"), 1)
	if result, err := empty.Annotate(context.Background(), unit); err != nil || !result.Skipped {
		t.Errorf("expected skip for unit without chunks, got %+v, %v", result, err)
	}

	if _, err := NewSpeakerAnnotator(nil, fakeCast{}, narrative.NewMockLLM("x"), 1); err == nil {
		t.Error("expected error for nil store")
	}
}

type ctxKey struct{}

func TestDetachedDispatcher_SurvivesCallerCancellation(t *testing.T) {
	var ran atomic.Int32
	var sawValue atomic.Bool
	release := make(chan struct{})

	d := NewDetachedDispatcher(func(ctx context.Context, unit media.MediaUnit) error {
		<-release
		if ctx.Err() == nil {
			ran.Add(1)
		}
		sawValue.Store(ctx.Value(ctxKey{}) == "req")
		return errors.New("logged and dropped")
	}, time.Minute)

	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "req"))
	d.Dispatch(ctx, media.NewMovie(603))
	cancel()
	close(release)
	d.Wait()

	if ran.Load() != 1 {
		t.Error("job should run with a live context after the caller cancels")
	}
	if !sawValue.Load() {
		t.Error("job should keep request values")
	}
}

func TestDetachedDispatcher_Timeout(t *testing.T) {
	var deadline atomic.Bool
	d := NewDetachedDispatcher(func(ctx context.Context, unit media.MediaUnit) error {
		<-ctx.Done()
		deadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	}, 10*time.Millisecond)
	d.Dispatch(context.Background(), media.NewMovie(603))
	d.Wait()
	if !deadline.Load() {
		t.Error("expected job to hit its timeout")
	}
}

func TestDetachedDispatcher_RecoversPanic(t *testing.T) {
	d := NewDetachedDispatcher(func(ctx context.Context, unit media.MediaUnit) error {
		panic("boom")
	}, time.Second)
	d.Dispatch(context.Background(), media.NewMovie(603))
	d.Wait()
}

// fakeRedis implements queueClient in memory.
type fakeRedis struct {
	mu   sync.Mutex
	keys map[string]bool
	list []string
	err  error
	ttls []time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{keys: make(map[string]bool)}
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	f.ttls = append(f.ttls, expiration)
	if f.keys[key] {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = true
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.list = append(f.list, v.(string))
	}
	return redis.NewIntResult(int64(len(f.list)), nil)
}

func (f *fakeRedis) BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.list) == 0 {
		return redis.NewStringSliceResult(nil, redis.Nil)
	}
	head := f.list[0]
	f.list = f.list[1:]
	return redis.NewStringSliceResult([]string{keys[0], head}, nil)
}

func (f *fakeRedis) LLen(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return redis.NewIntResult(int64(len(f.list)), nil)
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisQueue_EnqueueDedupes(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	q := newRedisQueue(fake, "test:enrich", time.Minute)
	unit := media.NewEpisode(1399, 2, 3)

	added, err := q.Enqueue(ctx, unit)
	if err != nil || !added {
		t.Fatalf("first enqueue = %v, %v", added, err)
	}
	added, err = q.Enqueue(ctx, unit)
	if err != nil || added {
		t.Errorf("duplicate enqueue = %v, %v", added, err)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
	if fake.ttls[0] != time.Minute {
		t.Errorf("dedupe ttl = %v", fake.ttls[0])
	}
	if !fake.keys["test:enrich:seen:tv:1399:s02e03"] {
		t.Errorf("unexpected dedupe keys %v", fake.keys)
	}

	if _, err := q.Enqueue(ctx, media.MediaUnit{}); err == nil {
		t.Error("expected validation error")
	}
}

func TestRedisQueue_DispatchSwallowsErrors(t *testing.T) {
	fake := newFakeRedis()
	fake.err = errors.New("connection refused")
	q := newRedisQueue(fake, "", 0)
	q.Dispatch(context.Background(), media.NewMovie(603))
	if len(fake.list) != 0 {
		t.Error("nothing should be queued")
	}
}

func TestRedisQueue_Consume(t *testing.T) {
	fake := newFakeRedis()
	q := newRedisQueue(fake, "test:enrich", time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	units := []media.MediaUnit{media.NewMovie(603), media.NewEpisode(1399, 1, 1)}
	for _, u := range units {
		if _, err := q.Enqueue(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
	fake.list = append(fake.list, "not json")

	var got []media.MediaUnit
	err := q.Consume(ctx, func(ctx context.Context, unit media.MediaUnit) error {
		got = append(got, unit)
		if len(got) == len(units) {
			cancel()
		}
		return errors.New("failures are dropped")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(got) != 2 || got[0] != units[0] || got[1] != units[1] {
		t.Errorf("unexpected jobs %+v", got)
	}
}

// Integration test against a running Redis
func TestRedisQueue_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		t.Skip("REDIS_ADDRESS not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	key := "spoilerguard:test:" + time.Now().Format("150405.000")
	q, err := ConnectRedis(ctx, RedisConfig{Address: addr, Key: key, DedupeTTL: time.Minute})
	if err != nil {
		t.Fatalf("ConnectRedis failed: %v", err)
	}
	defer q.Close()
	q.pollTimeout = time.Second

	unit := media.NewEpisode(1399, 1, 1)
	if added, err := q.Enqueue(ctx, unit); err != nil || !added {
		t.Fatalf("Enqueue = %v, %v", added, err)
	}

	consumeCtx, stop := context.WithCancel(ctx)
	var got media.MediaUnit
	_ = q.Consume(consumeCtx, func(ctx context.Context, u media.MediaUnit) error {
		got = u
		stop()
		return nil
	})
	if got != unit {
		t.Errorf("consumed %+v, want %+v", got, unit)
	}
}
