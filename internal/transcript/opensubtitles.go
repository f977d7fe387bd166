package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Yates-Labs/spoilerguard/internal/logging"
	"github.com/Yates-Labs/spoilerguard/internal/media"
	"github.com/Yates-Labs/spoilerguard/internal/retry"
)

const (
	defaultOpenSubtitlesURL = "https://api.opensubtitles.com/api/v1"
	defaultUserAgent        = "spoilerguard v0.1"
	defaultHTTPTimeout      = 45 * time.Second
	maxSubtitleBytes        = 8 << 20
)

// OpenSubtitlesConfig describes the OpenSubtitles client configuration.
type OpenSubtitlesConfig struct {
	APIKey     string
	UserAgent  string
	BaseURL    string
	Languages  []string
	HTTPClient *http.Client
	Policy     retry.Policy
}

// OpenSubtitlesProvider downloads the most popular human-made subtitle for a unit.
type OpenSubtitlesProvider struct {
	apiKey    string
	userAgent string
	languages []string
	baseURL   *url.URL
	http      *http.Client
	policy    retry.Policy
}

// Candidate is one subtitle file returned by a search.
type Candidate struct {
	FileID       int64
	Language     string
	Release      string
	Downloads    int
	AITranslated bool
}

// NewOpenSubtitlesProvider validates cfg and builds a provider.
func NewOpenSubtitlesProvider(cfg OpenSubtitlesConfig) (*OpenSubtitlesProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("opensubtitles: api key is required")
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = defaultOpenSubtitlesURL
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("opensubtitles: parse base url: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	policy := cfg.Policy
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy()
	}
	languages := cfg.Languages
	if len(languages) == 0 {
		languages = []string{"en"}
	}
	return &OpenSubtitlesProvider{
		apiKey:    apiKey,
		userAgent: userAgent,
		languages: languages,
		baseURL:   baseURL,
		http:      client,
		policy:    policy,
	}, nil
}

// Fetch searches for unit and downloads the best candidate as SRT.
func (p *OpenSubtitlesProvider) Fetch(ctx context.Context, unit media.MediaUnit) (string, error) {
	if err := unit.Validate(); err != nil {
		return "", err
	}
	candidates, err := p.Search(ctx, unit)
	if err != nil {
		return "", err
	}
	best, ok := PickBest(candidates)
	if !ok {
		return "", fmt.Errorf("%w: no opensubtitles match for %s", ErrNotFound, unit)
	}

	logging.From(ctx).Debug().
		Str("unit", unit.Key()).
		Int64("file_id", best.FileID).
		Int("downloads", best.Downloads).
		Str("release", best.Release).
		Msg("downloading subtitle")

	return p.Download(ctx, best.FileID)
}

// Search lists subtitle files for unit ordered by download count.
func (p *OpenSubtitlesProvider) Search(ctx context.Context, unit media.MediaUnit) ([]Candidate, error) {
	endpoint := p.baseURL.JoinPath("subtitles")
	params := url.Values{}
	if unit.IsTV() {
		params.Set("parent_tmdb_id", strconv.FormatInt(unit.TMDBID, 10))
		params.Set("season_number", strconv.Itoa(unit.Season))
		params.Set("episode_number", strconv.Itoa(unit.Episode))
		params.Set("type", "episode")
	} else {
		params.Set("tmdb_id", strconv.FormatInt(unit.TMDBID, 10))
		params.Set("type", "movie")
	}
	params.Set("languages", strings.Join(p.languages, ","))
	params.Set("order_by", "download_count")
	params.Set("order_direction", "desc")
	endpoint.RawQuery = params.Encode()

	var payload searchResponse
	err := retry.Do(ctx, p.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
		if err != nil {
			return fmt.Errorf("opensubtitles: build search request: %w", err)
		}
		p.applyHeaders(req)
		return p.doJSON(req, "search", &payload)
	})
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(payload.Data))
	for _, entry := range payload.Data {
		attrs := entry.Attributes
		if attrs.Language == "" || len(attrs.Files) == 0 || attrs.Files[0].FileID == 0 {
			continue
		}
		candidates = append(candidates, Candidate{
			FileID:       attrs.Files[0].FileID,
			Language:     attrs.Language,
			Release:      attrs.Release,
			Downloads:    attrs.DownloadCount,
			AITranslated: attrs.AITranslated || attrs.MachineTranslated,
		})
	}
	return candidates, nil
}

// PickBest returns the most downloaded candidate that was not machine translated.
func PickBest(candidates []Candidate) (Candidate, bool) {
	var best Candidate
	found := false
	for _, c := range candidates {
		if c.AITranslated {
			continue
		}
		if !found || c.Downloads > best.Downloads {
			best = c
			found = true
		}
	}
	return best, found
}

// Download negotiates a link for fileID and returns the SRT body.
func (p *OpenSubtitlesProvider) Download(ctx context.Context, fileID int64) (string, error) {
	if fileID <= 0 {
		return "", errors.New("opensubtitles: invalid file id")
	}
	body, err := json.Marshal(map[string]any{"file_id": fileID, "sub_format": "srt"})
	if err != nil {
		return "", fmt.Errorf("opensubtitles: encode download request: %w", err)
	}
	endpoint := p.baseURL.JoinPath("download")

	var info downloadResponse
	err = retry.Do(ctx, p.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("opensubtitles: build download request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		p.applyHeaders(req)
		return p.doJSON(req, "download", &info)
	})
	if err != nil {
		return "", err
	}
	if info.Link == "" {
		return "", errors.New("opensubtitles: download response missing link")
	}

	link, err := endpoint.Parse(info.Link)
	if err != nil {
		return "", fmt.Errorf("opensubtitles: parse download url: %w", err)
	}

	return retry.DoValue(ctx, p.policy, func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, link.String(), nil)
		if err != nil {
			return "", fmt.Errorf("opensubtitles: build link request: %w", err)
		}
		req.Header.Set("User-Agent", p.userAgent)
		resp, err := p.http.Do(req)
		if err != nil {
			return "", fmt.Errorf("opensubtitles: fetch subtitle payload: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return "", fmt.Errorf("opensubtitles: subtitle download: %w", retry.NewStatusError(resp, string(msg)))
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxSubtitleBytes))
		if err != nil {
			return "", fmt.Errorf("opensubtitles: read subtitle data: %w", err)
		}
		return string(data), nil
	})
}

func (p *OpenSubtitlesProvider) doJSON(req *http.Request, op string, target any) error {
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("opensubtitles: %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: opensubtitles %s returned 404", ErrNotFound, op)
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("opensubtitles: %s: %w", op, retry.NewStatusError(resp, string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("opensubtitles: decode %s response: %w", op, err)
	}
	return nil
}

func (p *OpenSubtitlesProvider) applyHeaders(req *http.Request) {
	req.Header.Set("Api-Key", p.apiKey)
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/json")
}

type searchResponse struct {
	Data []struct {
		ID         string           `json:"id"`
		Attributes searchAttributes `json:"attributes"`
	} `json:"data"`
}

type searchAttributes struct {
	Language          string `json:"language"`
	Release           string `json:"release"`
	DownloadCount     int    `json:"download_count"`
	AITranslated      bool   `json:"ai_translated"`
	MachineTranslated bool   `json:"machine_translated"`
	Files             []struct {
		FileID int64 `json:"file_id"`
	} `json:"files"`
}

type downloadResponse struct {
	Link      string `json:"link"`
	FileName  string `json:"file_name"`
	Remaining int    `json:"remaining"`
}
