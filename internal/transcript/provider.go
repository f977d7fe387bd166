// Package transcript locates subtitle documents for media units.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Yates-Labs/spoilerguard/internal/logging"
	"github.com/Yates-Labs/spoilerguard/internal/media"
)

// ErrNotFound means no provider has a transcript for the unit.
var ErrNotFound = errors.New("transcript not found")

// Provider returns the raw SRT document for a unit.
type Provider interface {
	Fetch(ctx context.Context, unit media.MediaUnit) (string, error)
}

// DirProvider reads SRT files from a local tree:
//
//	<dir>/movie/<tmdb>.srt
//	<dir>/tv/<tmdb>/s01e02.srt
type DirProvider struct {
	Dir string
}

// Path returns the expected file location for unit.
func (p DirProvider) Path(unit media.MediaUnit) string {
	if unit.IsTV() {
		return filepath.Join(p.Dir, "tv", fmt.Sprint(unit.TMDBID), fmt.Sprintf("s%02de%02d.srt", unit.Season, unit.Episode))
	}
	return filepath.Join(p.Dir, "movie", fmt.Sprintf("%d.srt", unit.TMDBID))
}

func (p DirProvider) Fetch(ctx context.Context, unit media.MediaUnit) (string, error) {
	if err := unit.Validate(); err != nil {
		return "", err
	}
	if strings.TrimSpace(p.Dir) == "" {
		return "", fmt.Errorf("%w: no transcript directory configured", ErrNotFound)
	}
	data, err := os.ReadFile(p.Path(unit))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, unit)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read transcript: %w", err)
	}
	return string(data), nil
}

// Chain tries providers in order. The first result that is not ErrNotFound wins.
type Chain []Provider

func (c Chain) Fetch(ctx context.Context, unit media.MediaUnit) (string, error) {
	log := logging.From(ctx)
	for _, p := range c {
		if p == nil {
			continue
		}
		doc, err := p.Fetch(ctx, unit)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
		log.Debug().Str("unit", unit.Key()).Str("provider", fmt.Sprintf("%T", p)).Msg("transcript not found, trying next provider")
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, unit)
}
