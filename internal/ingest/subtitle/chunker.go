package subtitle

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/Yates-Labs/spoilerguard/internal/media"
)

// sentenceEndRe matches text ending in . ! or ? optionally followed by a closing quote.
var sentenceEndRe = regexp.MustCompile(`[.!?]["'”’]?$`)

// ChunkerConfig holds the token bounds for chunking.
type ChunkerConfig struct {
	// TargetTokens is the size at which a chunk closes on the next sentence boundary
	TargetTokens int `yaml:"target_tokens"`

	// HardCapTokens is never exceeded by adding a line to a non-empty chunk
	HardCapTokens int `yaml:"hard_cap_tokens"`

	// OverlapTokens bounds the trailing lines carried into the next chunk
	OverlapTokens int `yaml:"overlap_tokens"`
}

// DefaultChunkerConfig returns the standard bounds: 500 target, 800 cap, 75 overlap.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		TargetTokens:  500,
		HardCapTokens: 800,
		OverlapTokens: 75,
	}
}

// Chunker groups timed lines into overlapping token-bounded chunks.
type Chunker struct {
	config ChunkerConfig
}

// NewChunker creates a chunker, filling unset bounds with defaults.
func NewChunker(config ChunkerConfig) *Chunker {
	defaults := DefaultChunkerConfig()
	if config.TargetTokens <= 0 {
		config.TargetTokens = defaults.TargetTokens
	}
	if config.HardCapTokens <= 0 {
		config.HardCapTokens = defaults.HardCapTokens
	}
	if config.OverlapTokens < 0 {
		config.OverlapTokens = defaults.OverlapTokens
	}
	return &Chunker{config: config}
}

// EstimateTokens approximates the token count of text as ceil(chars / 4).
func EstimateTokens(text string) int {
	return int(math.Ceil(float64(len(text)) / 4))
}

// EndsSentence reports whether text ends at a natural sentence boundary.
func EndsSentence(text string) bool {
	return sentenceEndRe.MatchString(strings.TrimSpace(text))
}

// Chunk groups lines into chunks for unit. Chunk indexes start at 0 and grow
// with start time. Lines are never split, so a single line larger than the
// hard cap becomes its own chunk. Zero lines yield an empty slice.
func (c *Chunker) Chunk(unit media.MediaUnit, lines []media.TimedLine) []media.SubtitleChunk {
	chunks := []media.SubtitleChunk{}
	if len(lines) == 0 {
		return chunks
	}

	ordered := make([]media.TimedLine, len(lines))
	copy(ordered, lines)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].StartSeconds < ordered[j].StartSeconds
	})

	var current []media.TimedLine
	tokens := 0
	carried := 0 // leading lines of current that were already emitted as overlap

	emit := func() {
		chunks = append(chunks, buildChunk(unit, len(chunks), current))
		current, carried = c.overlap(current)
		tokens = 0
		for _, l := range current {
			tokens += EstimateTokens(l.Text)
		}
	}

	for _, line := range ordered {
		lineTokens := EstimateTokens(line.Text)

		if len(current) > 0 && tokens+lineTokens > c.config.HardCapTokens {
			if len(current) == carried {
				// Only overlap is pending; it already lives in the previous chunk.
				current, carried, tokens = nil, 0, 0
			} else {
				emit()
				if tokens+lineTokens > c.config.HardCapTokens {
					current, carried, tokens = nil, 0, 0
				}
			}
		}

		current = append(current, line)
		tokens += lineTokens

		if tokens >= c.config.TargetTokens && EndsSentence(line.Text) {
			emit()
		}
	}

	if len(current) > carried {
		chunks = append(chunks, buildChunk(unit, len(chunks), current))
	}

	return chunks
}

// overlap returns the trailing lines of a closed chunk, walking backward while
// the accumulated estimate stays within the overlap budget. The first line of
// the closed chunk is never carried.
func (c *Chunker) overlap(closed []media.TimedLine) ([]media.TimedLine, int) {
	if c.config.OverlapTokens == 0 || len(closed) < 2 {
		return nil, 0
	}
	acc := 0
	start := len(closed)
	for i := len(closed) - 1; i >= 1; i-- {
		t := EstimateTokens(closed[i].Text)
		if acc+t > c.config.OverlapTokens {
			break
		}
		acc += t
		start = i
	}
	if start == len(closed) {
		return nil, 0
	}
	carried := make([]media.TimedLine, len(closed)-start)
	copy(carried, closed[start:])
	return carried, len(carried)
}

func buildChunk(unit media.MediaUnit, index int, lines []media.TimedLine) media.SubtitleChunk {
	parts := make([]string, len(lines))
	end := lines[0].EndSeconds
	for i, l := range lines {
		parts[i] = "[" + media.FormatTimestamp(l.StartSeconds) + "] " + l.Text
		if l.EndSeconds > end {
			end = l.EndSeconds
		}
	}
	return media.SubtitleChunk{
		ID:           media.ChunkID(unit, index),
		Unit:         unit,
		ChunkIndex:   index,
		StartSeconds: lines[0].StartSeconds,
		EndSeconds:   end,
		Content:      strings.Join(parts, " "),
	}
}
