package narrative

import (
	"strings"
	"testing"

	"github.com/Yates-Labs/spoilerguard/internal/media"
	"github.com/Yates-Labs/spoilerguard/internal/metadata/tmdb"
	"github.com/Yates-Labs/spoilerguard/internal/rag"
)

func candidate(unit media.MediaUnit, stage rag.Stage, start, end float64, content string) rag.Candidate {
	return rag.Candidate{
		Chunk: media.SubtitleChunk{Unit: unit, StartSeconds: start, EndSeconds: end, Content: content},
		Stage: stage,
	}
}

func TestFormatCitation(t *testing.T) {
	if got := FormatCitation(media.NewEpisode(1399, 1, 2), 750, 825); got != "[S1E2 12:30-13:45]" {
		t.Errorf("got %s", got)
	}
	if got := FormatCitation(media.NewMovie(603), 3600, 3725); got != "[1:00:00-1:02:05]" {
		t.Errorf("got %s", got)
	}
}

func TestBuildSystemPrompt_CoverageDisclosure(t *testing.T) {
	unit := media.NewEpisode(1399, 3, 4)
	prompt := BuildSystemPrompt(PromptInput{
		Unit:             unit,
		CursorSeconds:    2400,
		RequestedSeconds: 2700,
		CoverageComplete: false,
		Evidence:         []rag.Candidate{candidate(unit, rag.StageAnchor, 2300, 2400, "[38:20] Run.")},
	})

	if !strings.Contains(prompt, "only available up to 40:00") {
		t.Fatalf("missing disclosure:\n%s", prompt)
	}
	if !strings.Contains(prompt, "45:00") {
		t.Error("disclosure should mention the requested position")
	}
	if !strings.Contains(prompt, "after 40:00") {
		t.Error("spoiler boundary should use the clamped cursor")
	}
}

func TestBuildSystemPrompt_NoDisclosureWhenComplete(t *testing.T) {
	prompt := BuildSystemPrompt(PromptInput{
		Unit:             media.NewMovie(603),
		CursorSeconds:    1200,
		RequestedSeconds: 1200,
		CoverageComplete: true,
	})
	if strings.Contains(prompt, "only available up to") {
		t.Error("unexpected disclosure")
	}
	if !strings.Contains(prompt, "[12:30-13:45]") {
		t.Error("movie prompt should show the movie citation format")
	}
	if strings.Contains(prompt, "later episode") {
		t.Error("movie prompt should not mention episodes")
	}
}

func TestBuildSystemPrompt_EvidenceSections(t *testing.T) {
	unit := media.NewEpisode(1399, 1, 3)
	earlier := media.NewEpisode(1399, 1, 1)
	prompt := BuildSystemPrompt(PromptInput{
		Unit:             unit,
		CursorSeconds:    1200,
		RequestedSeconds: 1200,
		CoverageComplete: true,
		Metadata: &tmdb.Metadata{
			Title:  "Game of Thrones",
			Year:   2011,
			Genres: []string{"Drama"},
			Cast:   []tmdb.CastMember{{Character: "Jon Snow", Actor: "Kit Harington"}},
		},
		Evidence: []rag.Candidate{
			candidate(unit, rag.StageAnchor, 900, 960, "first anchor"),
			candidate(unit, rag.StageAnchor, 1000, 1100, "second anchor"),
			candidate(earlier, rag.StageSemantic, 60, 120, "semantic hit"),
		},
		Digests: "Season 1: Winter Is Coming",
	})

	recent := strings.Index(prompt, "# Recent Scenes")
	related := strings.Index(prompt, "# Related Moments")
	if recent < 0 || related < 0 || recent > related {
		t.Fatalf("expected anchor section before semantic section:\n%s", prompt)
	}
	if strings.Index(prompt, "first anchor") > strings.Index(prompt, "second anchor") {
		t.Error("anchors must keep ascending order")
	}
	if !strings.Contains(prompt, "[S1E1 01:00-02:00]\nsemantic hit") {
		t.Error("semantic evidence should be labelled with its own episode")
	}
	if !strings.Contains(prompt, "not for plot inference") || !strings.Contains(prompt, "Jon Snow (played by Kit Harington)") {
		t.Error("missing background metadata")
	}
	if !strings.Contains(prompt, "# Previous Seasons\n\nSeason 1: Winter Is Coming") {
		t.Error("missing digest block")
	}
}

func TestBuildSystemPrompt_OmitsEmptySections(t *testing.T) {
	prompt := BuildSystemPrompt(PromptInput{Unit: media.NewMovie(603), CoverageComplete: true})
	for _, section := range []string{"# Background", "# Recent Scenes", "# Related Moments", "# Previous Seasons"} {
		if strings.Contains(prompt, section) {
			t.Errorf("unexpected section %q", section)
		}
	}
}

func TestExtractCitations(t *testing.T) {
	text := "Jon leaves [S1E2 12:30-13:45] and returns [1:02:10–1:03:00]. Not a cite: [note]."
	got := ExtractCitations(text)
	if len(got) != 2 {
		t.Fatalf("expected 2 citations, got %+v", got)
	}
	if got[0].Season != 1 || got[0].Episode != 2 || got[0].Start != "12:30" || got[0].End != "13:45" {
		t.Errorf("unexpected first citation %+v", got[0])
	}
	if got[1].Season != 0 || got[1].Start != "1:02:10" || got[1].End != "1:03:00" {
		t.Errorf("unexpected second citation %+v", got[1])
	}
	if HasCitation("no brackets here") {
		t.Error("expected no citation")
	}
}
