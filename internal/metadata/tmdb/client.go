// Package tmdb fetches title metadata, cast lists and season details from
// The Movie Database.
package tmdb

import (
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

	"github.com/Yates-Labs/spoilerguard/internal/media"
	"github.com/Yates-Labs/spoilerguard/internal/retry"
)

// ErrNotFound is returned when TMDB has no record for the requested id.
var ErrNotFound = errors.New("tmdb: not found")

const defaultCastLimit = 20

// Genre is a TMDB genre entry.
type Genre struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Episode describes a single TMDB episode entry.
type Episode struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Overview      string `json:"overview"`
	SeasonNumber  int    `json:"season_number"`
	EpisodeNumber int    `json:"episode_number"`
	Runtime       int    `json:"runtime"`
	AirDate       string `json:"air_date"`
}

// Season captures the TMDB season payload (episodes included).
type Season struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Overview     string    `json:"overview"`
	SeasonNumber int       `json:"season_number"`
	AirDate      string    `json:"air_date"`
	Episodes     []Episode `json:"episodes"`
}

// Metadata is the background information attached to an answer prompt.
type Metadata struct {
	Title        string       `json:"title"`
	Year         int          `json:"year,omitempty"`
	Genres       []string     `json:"genres,omitempty"`
	Tagline      string       `json:"tagline,omitempty"`
	Overview     string       `json:"overview,omitempty"`
	EpisodeTitle string       `json:"episode_title,omitempty"`
	Runtime      int          `json:"runtime,omitempty"`
	SeasonCount  int          `json:"season_count,omitempty"`
	Cast         []CastMember `json:"cast,omitempty"`
}

type credits struct {
	Cast json.RawMessage `json:"cast"`
}

type movieDetails struct {
	Title       string  `json:"title"`
	ReleaseDate string  `json:"release_date"`
	Genres      []Genre `json:"genres"`
	Tagline     string  `json:"tagline"`
	Overview    string  `json:"overview"`
	Runtime     int     `json:"runtime"`
	Credits     credits `json:"credits"`
}

type tvDetails struct {
	Name             string  `json:"name"`
	FirstAirDate     string  `json:"first_air_date"`
	Genres           []Genre `json:"genres"`
	Tagline          string  `json:"tagline"`
	Overview         string  `json:"overview"`
	EpisodeRunTime   []int   `json:"episode_run_time"`
	NumberOfSeasons  int     `json:"number_of_seasons"`
	AggregateCredits credits `json:"aggregate_credits"`
}

// Client provides access to the TMDB API.
type Client struct {
	apiKey     string
	baseURL    string
	language   string
	castLimit  int
	policy     retry.Policy
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetryPolicy overrides the retry policy for rate-limited requests.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// New creates a TMDB client.
func New(apiKey, baseURL, language string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("tmdb api key required")
	}
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("tmdb base url required")
	}
	client := &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		language:   strings.TrimSpace(language),
		castLimit:  defaultCastLimit,
		policy:     retry.DefaultPolicy(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Metadata returns background metadata for unit. For episodes the cast comes
// from the episode's own credits when TMDB has them, else the series-wide
// aggregate credits.
func (c *Client) Metadata(ctx context.Context, unit media.MediaUnit) (Metadata, error) {
	if err := unit.Validate(); err != nil {
		return Metadata{}, err
	}
	if !unit.IsTV() {
		return c.movieMetadata(ctx, unit.TMDBID)
	}
	return c.episodeMetadata(ctx, unit)
}

func (c *Client) movieMetadata(ctx context.Context, movieID int64) (Metadata, error) {
	var details movieDetails
	path := fmt.Sprintf("/movie/%d", movieID)
	if err := c.get(ctx, path, url.Values{"append_to_response": {"credits"}}, &details); err != nil {
		return Metadata{}, err
	}

	cast, err := DecodeCast(details.Credits.Cast)
	if err != nil {
		return Metadata{}, err
	}

	return Metadata{
		Title:    details.Title,
		Year:     parseYear(details.ReleaseDate),
		Genres:   genreNames(details.Genres),
		Tagline:  details.Tagline,
		Overview: details.Overview,
		Runtime:  details.Runtime,
		Cast:     cast.Normalize(c.castLimit),
	}, nil
}

func (c *Client) episodeMetadata(ctx context.Context, unit media.MediaUnit) (Metadata, error) {
	var details tvDetails
	path := fmt.Sprintf("/tv/%d", unit.TMDBID)
	if err := c.get(ctx, path, url.Values{"append_to_response": {"aggregate_credits"}}, &details); err != nil {
		return Metadata{}, err
	}

	meta := Metadata{
		Title:       details.Name,
		Year:        parseYear(details.FirstAirDate),
		Genres:      genreNames(details.Genres),
		Tagline:     details.Tagline,
		Overview:    details.Overview,
		SeasonCount: details.NumberOfSeasons,
	}
	if len(details.EpisodeRunTime) > 0 {
		meta.Runtime = details.EpisodeRunTime[0]
	}

	var episode Episode
	episodePath := fmt.Sprintf("/tv/%d/season/%d/episode/%d", unit.TMDBID, unit.Season, unit.Episode)
	var episodeCredits credits
	if err := c.get(ctx, episodePath, nil, &episode); err == nil {
		meta.EpisodeTitle = episode.Name
		if episode.Runtime > 0 {
			meta.Runtime = episode.Runtime
		}
		if err := c.get(ctx, episodePath+"/credits", nil, &episodeCredits); err != nil && !errors.Is(err, ErrNotFound) {
			return Metadata{}, err
		}
	} else if !errors.Is(err, ErrNotFound) {
		return Metadata{}, err
	}

	cast, err := DecodeCast(episodeCredits.Cast)
	if err != nil {
		return Metadata{}, err
	}
	if cast.Empty() {
		if cast, err = DecodeCast(details.AggregateCredits.Cast); err != nil {
			return Metadata{}, err
		}
	}
	meta.Cast = cast.Normalize(c.castLimit)
	return meta, nil
}

// Season returns season details including every episode.
func (c *Client) Season(ctx context.Context, showID int64, seasonNumber int) (Season, error) {
	if seasonNumber < 0 {
		return Season{}, fmt.Errorf("invalid season number %d", seasonNumber)
	}
	var season Season
	path := fmt.Sprintf("/tv/%d/season/%d", showID, seasonNumber)
	if err := c.get(ctx, path, nil, &season); err != nil {
		return Season{}, err
	}
	return season, nil
}

// get performs a GET against the API, retrying rate limits and 5xx responses.
func (c *Client) get(ctx context.Context, path string, params url.Values, target any) error {
	endpoint, err := url.Parse(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("parse tmdb url: %w", err)
	}
	query := url.Values{}
	for k, v := range params {
		query[k] = v
	}
	query.Set("api_key", c.apiKey)
	if c.language != "" {
		query.Set("language", c.language)
	}
	endpoint.RawQuery = query.Encode()

	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("execute request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("tmdb %s: %w", path, retry.NewStatusError(resp, string(body)))
		}

		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("decode tmdb response: %w", err)
		}
		return nil
	})
}

func genreNames(genres []Genre) []string {
	names := make([]string, 0, len(genres))
	for _, g := range genres {
		if g.Name != "" {
			names = append(names, g.Name)
		}
	}
	return names
}

// parseYear reads the year from a YYYY-MM-DD date, returning 0 when absent.
func parseYear(date string) int {
	if len(date) < 4 {
		return 0
	}
	year, err := strconv.Atoi(date[:4])
	if err != nil {
		return 0
	}
	return year
}
