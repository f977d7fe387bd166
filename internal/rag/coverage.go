package rag

import (
	"context"
	"fmt"

	"github.com/Yates-Labs/spoilerguard/internal/media"
)

// CoverageResult tells whether indexed evidence reaches the requested cursor.
// AdjustedCursorSeconds is the cursor every downstream step must use.
type CoverageResult struct {
	MaxAvailableSeconds   float64 `json:"max_available_seconds"`
	MinAvailableSeconds   float64 `json:"min_available_seconds"`
	HasData               bool    `json:"has_data"`
	CoverageComplete      bool    `json:"coverage_complete"`
	AdjustedCursorSeconds float64 `json:"adjusted_cursor_seconds"`
	ChunkCount            int     `json:"chunk_count"`
}

// Clamped reports whether the cursor was pulled back to the indexed maximum.
func (r CoverageResult) Clamped() bool {
	return r.HasData && !r.CoverageComplete
}

// ComputeCoverage reads the stored chunk spans of unit and clamps cursor to
// the latest indexed end time.
func ComputeCoverage(ctx context.Context, store ChunkStore, unit media.MediaUnit, cursor float64) (CoverageResult, error) {
	ranges, err := store.TimeRanges(ctx, unit)
	if err != nil {
		return CoverageResult{}, fmt.Errorf("failed to load time ranges for %s: %w", unit, err)
	}
	return CoverageFromRanges(ranges, cursor), nil
}

// CoverageFromRanges computes coverage from chunk spans. With no spans the
// cursor is echoed back and HasData is false.
func CoverageFromRanges(ranges []TimeRange, cursor float64) CoverageResult {
	if len(ranges) == 0 {
		return CoverageResult{AdjustedCursorSeconds: cursor}
	}

	minStart, maxEnd := ranges[0].StartSeconds, ranges[0].EndSeconds
	for _, r := range ranges[1:] {
		if r.StartSeconds < minStart {
			minStart = r.StartSeconds
		}
		if r.EndSeconds > maxEnd {
			maxEnd = r.EndSeconds
		}
	}

	result := CoverageResult{
		MaxAvailableSeconds:   maxEnd,
		MinAvailableSeconds:   minStart,
		HasData:               true,
		CoverageComplete:      cursor <= maxEnd,
		AdjustedCursorSeconds: cursor,
		ChunkCount:            len(ranges),
	}
	if !result.CoverageComplete {
		result.AdjustedCursorSeconds = maxEnd
	}
	return result
}
