package narrative

import (
	"fmt"
	"strings"

	"github.com/Yates-Labs/spoilerguard/internal/media"
	"github.com/Yates-Labs/spoilerguard/internal/metadata/tmdb"
	"github.com/Yates-Labs/spoilerguard/internal/rag"
)

// PromptInput is everything the system instruction is built from.
type PromptInput struct {
	Unit media.MediaUnit
	// CursorSeconds is the safe cursor after coverage clamping.
	CursorSeconds float64
	// RequestedSeconds is where the viewer actually is.
	RequestedSeconds float64
	CoverageComplete bool
	Metadata         *tmdb.Metadata
	Evidence         []rag.Candidate
	Digests          string
}

// FormatCitation renders the bracket label for a span of unit.
func FormatCitation(unit media.MediaUnit, start, end float64) string {
	span := media.FormatTimestamp(start) + "-" + media.FormatTimestamp(end)
	if unit.IsTV() {
		return fmt.Sprintf("[S%dE%d %s]", unit.Season, unit.Episode, span)
	}
	return "[" + span + "]"
}

// CoverageDisclosure is the sentence telling the model where transcript data
// ends. Empty when coverage is complete.
func CoverageDisclosure(in PromptInput) string {
	if in.CoverageComplete {
		return ""
	}
	return fmt.Sprintf(
		"Transcript data for this %s is only available up to %s, although the viewer is at %s. "+
			"Answer from what happens up to %s and tell the viewer that later moments are not covered yet.",
		unitNoun(in.Unit), media.FormatTimestamp(in.CursorSeconds), media.FormatTimestamp(in.RequestedSeconds),
		media.FormatTimestamp(in.CursorSeconds))
}

// BuildSystemPrompt assembles the spoiler-safe instruction, background
// metadata, evidence and season digests.
func BuildSystemPrompt(in PromptInput) string {
	var b strings.Builder
	cursor := media.FormatTimestamp(in.CursorSeconds)

	b.WriteString("You are a spoiler-free viewing companion. You answer questions about a ")
	b.WriteString(unitNoun(in.Unit))
	b.WriteString(" the viewer is watching right now.\n\n")

	b.WriteString("# Viewer Position\n\n")
	if in.Unit.IsTV() {
		b.WriteString(fmt.Sprintf("**Season %d, Episode %d at %s.**\n", in.Unit.Season, in.Unit.Episode, cursor))
	} else {
		b.WriteString(fmt.Sprintf("**%s into the movie.**\n", cursor))
	}
	b.WriteString(fmt.Sprintf("Never reveal, hint at or speculate about anything that happens after %s", cursor))
	if in.Unit.IsTV() {
		b.WriteString(" of this episode, or in any later episode or season")
	}
	b.WriteString(".\n")
	if disclosure := CoverageDisclosure(in); disclosure != "" {
		b.WriteString(disclosure + "\n")
	}
	b.WriteString("\n")

	b.WriteString("# Rules\n\n")
	b.WriteString("1. Base every statement strictly on the transcript evidence and season recaps below. Do not invent plot facts, names or timestamps.\n")
	b.WriteString("2. Recent scenes are listed oldest first; the last one is closest to the viewer's position. Prefer them for questions about what just happened.\n")
	b.WriteString("3. Related moments are ordered by relevance and may come from earlier in the story.\n")
	if in.Unit.IsTV() {
		b.WriteString("4. Cite every factual claim with the bracketed label of its evidence, e.g. [S1E2 12:30-13:45].\n")
	} else {
		b.WriteString("4. Cite every factual claim with the bracketed label of its evidence, e.g. [12:30-13:45].\n")
	}
	b.WriteString("5. If the evidence does not answer the question, say so instead of guessing.\n\n")

	if in.Metadata != nil {
		writeMetadata(&b, in.Unit, *in.Metadata)
	}

	writeEvidence(&b, in.Evidence)

	if digests := strings.TrimSpace(in.Digests); digests != "" {
		b.WriteString("# Previous Seasons\n\n")
		b.WriteString(digests)
		b.WriteString("\n\n")
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

func writeMetadata(b *strings.Builder, unit media.MediaUnit, meta tmdb.Metadata) {
	b.WriteString("# Background (not for plot inference)\n\n")
	b.WriteString("Use this only to recognise names and tone. It says nothing about what has happened so far.\n\n")
	if meta.Title != "" {
		title := meta.Title
		if meta.Year > 0 {
			title = fmt.Sprintf("%s (%d)", title, meta.Year)
		}
		b.WriteString(fmt.Sprintf("**Title:** %s\n", title))
	}
	if unit.IsTV() && meta.EpisodeTitle != "" {
		b.WriteString(fmt.Sprintf("**Episode:** %s\n", meta.EpisodeTitle))
	}
	if len(meta.Genres) > 0 {
		b.WriteString(fmt.Sprintf("**Genres:** %s\n", strings.Join(meta.Genres, ", ")))
	}
	if meta.Tagline != "" {
		b.WriteString(fmt.Sprintf("**Tagline:** %s\n", meta.Tagline))
	}
	if len(meta.Cast) > 0 {
		b.WriteString("**Characters:**\n")
		for _, c := range meta.Cast {
			b.WriteString(fmt.Sprintf("- %s (played by %s)\n", c.Character, c.Actor))
		}
	}
	b.WriteString("\n")
}

func writeEvidence(b *strings.Builder, evidence []rag.Candidate) {
	var anchors, semantic []rag.Candidate
	for _, c := range evidence {
		if c.Stage == rag.StageAnchor {
			anchors = append(anchors, c)
		} else {
			semantic = append(semantic, c)
		}
	}

	if len(anchors) > 0 {
		b.WriteString("# Recent Scenes (oldest first)\n\n")
		for _, c := range anchors {
			writeChunk(b, c.Chunk)
		}
	}
	if len(semantic) > 0 {
		b.WriteString("# Related Moments (most relevant first)\n\n")
		for _, c := range semantic {
			writeChunk(b, c.Chunk)
		}
	}
}

func writeChunk(b *strings.Builder, c media.SubtitleChunk) {
	b.WriteString(FormatCitation(c.Unit, c.StartSeconds, c.EndSeconds))
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(c.Content))
	b.WriteString("\n\n")
}

func unitNoun(unit media.MediaUnit) string {
	if unit.IsTV() {
		return "episode"
	}
	return "movie"
}
