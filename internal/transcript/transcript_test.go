package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Yates-Labs/spoilerguard/internal/media"
	"github.com/Yates-Labs/spoilerguard/internal/retry"
)

const sampleSRT = "1\n00:00:01,000 --> 00:00:03,000\nHello there.\n\n"

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Sleeper: func(time.Duration) {}}
}

func searchPayload(entries ...map[string]any) map[string]any {
	data := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		data = append(data, map[string]any{"id": "x", "attributes": e})
	}
	return map[string]any{"data": data}
}

func entry(fileID int64, downloads int, ai bool) map[string]any {
	return map[string]any{
		"language":       "en",
		"release":        "WEB",
		"download_count": downloads,
		"ai_translated":  ai,
		"files":          []map[string]any{{"file_id": fileID}},
	}
}

func TestOpenSubtitlesProvider_FetchEpisode(t *testing.T) {
	var searchQuery, downloadMethod string
	var serverURL string
	searches := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/subtitles", func(w http.ResponseWriter, r *http.Request) {
		searches++
		if searches == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		if r.Header.Get("Api-Key") != "abc" {
			t.Errorf("missing api key header")
		}
		searchQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(searchPayload(entry(1, 50, false), entry(2, 900, true), entry(3, 300, false)))
	})
	mux.HandleFunc("/download", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			FileID int64 `json:"file_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		downloadMethod = r.Method
		if body.FileID != 3 {
			t.Errorf("expected most downloaded human subtitle, got file %d", body.FileID)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"link": serverURL + "/files/3.srt"})
	})
	mux.HandleFunc("/files/3.srt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleSRT))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	serverURL = srv.URL

	p, err := NewOpenSubtitlesProvider(OpenSubtitlesConfig{APIKey: "abc", BaseURL: srv.URL, Policy: testPolicy()})
	if err != nil {
		t.Fatalf("NewOpenSubtitlesProvider failed: %v", err)
	}

	doc, err := p.Fetch(context.Background(), media.NewEpisode(1399, 1, 2))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if doc != sampleSRT {
		t.Errorf("unexpected document %q", doc)
	}
	if searches != 2 {
		t.Errorf("expected rate-limited search to be retried, got %d searches", searches)
	}
	if downloadMethod != http.MethodPost {
		t.Errorf("expected POST download negotiation, got %q", downloadMethod)
	}
	for _, want := range []string{"parent_tmdb_id=1399", "season_number=1", "episode_number=2", "type=episode", "languages=en"} {
		if !strings.Contains(searchQuery, want) {
			t.Errorf("search query %q missing %q", searchQuery, want)
		}
	}
}

func TestOpenSubtitlesProvider_NoHumanSubtitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(searchPayload(entry(9, 10, true)))
	}))
	defer srv.Close()

	p, _ := NewOpenSubtitlesProvider(OpenSubtitlesConfig{APIKey: "abc", BaseURL: srv.URL, Policy: testPolicy()})
	_, err := p.Fetch(context.Background(), media.NewMovie(603))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestOpenSubtitlesProvider_RequiresKey(t *testing.T) {
	if _, err := NewOpenSubtitlesProvider(OpenSubtitlesConfig{}); err == nil {
		t.Error("expected error without api key")
	}
}

func TestPickBest(t *testing.T) {
	if _, ok := PickBest(nil); ok {
		t.Error("expected no pick from empty list")
	}
	best, ok := PickBest([]Candidate{{FileID: 1, Downloads: 5}, {FileID: 2, Downloads: 50, AITranslated: true}, {FileID: 3, Downloads: 7}})
	if !ok || best.FileID != 3 {
		t.Errorf("expected file 3, got %+v", best)
	}
}

func TestDirProvider(t *testing.T) {
	dir := t.TempDir()
	p := DirProvider{Dir: dir}
	episode := media.NewEpisode(1399, 1, 2)

	if got := p.Path(episode); got != filepath.Join(dir, "tv", "1399", "s01e02.srt") {
		t.Errorf("unexpected path %s", got)
	}
	if got := p.Path(media.NewMovie(603)); got != filepath.Join(dir, "movie", "603.srt") {
		t.Errorf("unexpected path %s", got)
	}

	if _, err := p.Fetch(context.Background(), episode); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.Path(episode)), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p.Path(episode), []byte(sampleSRT), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err := p.Fetch(context.Background(), episode)
	if err != nil || doc != sampleSRT {
		t.Errorf("Fetch = %q, %v", doc, err)
	}
}

type stubProvider struct {
	doc   string
	err   error
	calls int
}

func (s *stubProvider) Fetch(ctx context.Context, unit media.MediaUnit) (string, error) {
	s.calls++
	return s.doc, s.err
}

func TestChain(t *testing.T) {
	unit := media.NewMovie(603)
	missing := &stubProvider{err: ErrNotFound}
	found := &stubProvider{doc: sampleSRT}
	never := &stubProvider{doc: "other"}

	doc, err := Chain{missing, nil, found, never}.Fetch(context.Background(), unit)
	if err != nil || doc != sampleSRT {
		t.Fatalf("Fetch = %q, %v", doc, err)
	}
	if never.calls != 0 {
		t.Error("chain should stop at the first hit")
	}

	broken := &stubProvider{err: errors.New("network down")}
	if _, err := (Chain{broken, found}).Fetch(context.Background(), unit); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("expected provider error to propagate, got %v", err)
	}

	if _, err := (Chain{missing}).Fetch(context.Background(), unit); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
