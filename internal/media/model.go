package media

import (
	"errors"
	"fmt"
)

// MediaType distinguishes feature films from episodic series
type MediaType string

const (
	Movie MediaType = "movie"
	TV    MediaType = "tv"
)

var (
	ErrInvalidUnit = errors.New("invalid media unit")
)

// MediaUnit identifies a piece of narrative content: a movie, or one episode of a series.
// Season and Episode are zero for movies.
type MediaUnit struct {
	TMDBID  int64     `json:"tmdb_id"`
	Type    MediaType `json:"media_type"`
	Season  int       `json:"season_number,omitempty"`
	Episode int       `json:"episode_number,omitempty"`
}

// NewMovie returns the unit for a movie.
func NewMovie(tmdbID int64) MediaUnit {
	return MediaUnit{TMDBID: tmdbID, Type: Movie}
}

// NewEpisode returns the unit for one TV episode.
func NewEpisode(tmdbID int64, season, episode int) MediaUnit {
	return MediaUnit{TMDBID: tmdbID, Type: TV, Season: season, Episode: episode}
}

// IsTV reports whether the unit is a series episode
func (u MediaUnit) IsTV() bool {
	return u.Type == TV
}

// Validate checks the identity fields for the unit's media type.
func (u MediaUnit) Validate() error {
	if u.TMDBID <= 0 {
		return fmt.Errorf("%w: tmdb id must be positive", ErrInvalidUnit)
	}
	switch u.Type {
	case Movie:
		if u.Season != 0 || u.Episode != 0 {
			return fmt.Errorf("%w: movies have no season or episode", ErrInvalidUnit)
		}
	case TV:
		if u.Season <= 0 || u.Episode <= 0 {
			return fmt.Errorf("%w: tv units need season and episode", ErrInvalidUnit)
		}
	default:
		return fmt.Errorf("%w: unknown media type %q", ErrInvalidUnit, u.Type)
	}
	return nil
}

// Key returns a stable identity string, e.g. "tv:1399:s01e02" or "movie:603".
func (u MediaUnit) Key() string {
	if u.IsTV() {
		return fmt.Sprintf("tv:%d:s%02de%02d", u.TMDBID, u.Season, u.Episode)
	}
	return fmt.Sprintf("movie:%d", u.TMDBID)
}

// String implements fmt.Stringer
func (u MediaUnit) String() string {
	return u.Key()
}

// SameEpisode reports whether both units name the same title, season and episode.
func (u MediaUnit) SameEpisode(other MediaUnit) bool {
	return u.TMDBID == other.TMDBID && u.Type == other.Type &&
		u.Season == other.Season && u.Episode == other.Episode
}

// WithEpisode returns the unit for another episode of the same series.
func (u MediaUnit) WithEpisode(season, episode int) MediaUnit {
	return MediaUnit{TMDBID: u.TMDBID, Type: u.Type, Season: season, Episode: episode}
}

// TimedLine is one parsed subtitle cue. It is never persisted.
type TimedLine struct {
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	Text         string  `json:"text"`
}

// SubtitleChunk is the persisted retrieval unit.
// StartSeconds, EndSeconds and ChunkIndex never change after creation; Content
// may be rewritten once by speaker attribution. A nil Embedding means the chunk
// is stored but not yet searchable.
type SubtitleChunk struct {
	ID           string    `json:"id"`
	Unit         MediaUnit `json:"unit"`
	ChunkIndex   int       `json:"chunk_index"`
	StartSeconds float64   `json:"start_seconds"`
	EndSeconds   float64   `json:"end_seconds"`
	Content      string    `json:"content"`
	Embedding    []float32 `json:"embedding,omitempty"`
}

// Searchable reports whether the chunk carries a vector.
func (c SubtitleChunk) Searchable() bool {
	return len(c.Embedding) > 0
}

// ChunkID derives the deterministic id for a chunk position within a unit.
func ChunkID(u MediaUnit, index int) string {
	return fmt.Sprintf("%s#%04d", u.Key(), index)
}

// EpisodeSummary is one entry in a season digest.
type EpisodeSummary struct {
	EpisodeNumber int    `json:"episode_number"`
	Name          string `json:"name"`
	Overview      string `json:"overview"`
}

// SeasonDigest is a compressed, embeddable summary of one season.
// Unique per (TMDBID, SeasonNumber).
type SeasonDigest struct {
	ID               int64            `json:"id,omitempty"`
	TMDBID           int64            `json:"tmdb_id"`
	SeasonNumber     int              `json:"season_number"`
	SeasonName       string           `json:"season_name"`
	Overview         string           `json:"overview"`
	EpisodeSummaries []EpisodeSummary `json:"episode_summaries"`
	Embedding        []float32        `json:"embedding,omitempty"`
}
