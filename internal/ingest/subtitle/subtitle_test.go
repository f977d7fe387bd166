package subtitle

import (
	"fmt"
	"strings"
	"testing"

	"github.com/Yates-Labs/spoilerguard/internal/media"
)

const sampleSRT = `1
00:00:01,000 --> 00:00:03,500
<i>Winter is coming.</i>

2
00:00:04,000 --> 00:00:06,000
[wind howling]

3
00:00:06,500 --> 00:00:09,250
(whispering) We should
head back.

4
00:01:10,000 --> 00:01:12,000
{\an8}Where are
   the   others?
`

func TestParseSRT(t *testing.T) {
	lines := ParseSRT(sampleSRT)

	if len(lines) != 3 {
		t.Fatalf("expected 3 lines (stage direction block dropped), got %d: %+v", len(lines), lines)
	}

	want := []media.TimedLine{
		{StartSeconds: 1, EndSeconds: 3.5, Text: "Winter is coming."},
		{StartSeconds: 6.5, EndSeconds: 9.25, Text: "We should head back."},
		{StartSeconds: 70, EndSeconds: 72, Text: "Where are the others?"},
	}
	for i, w := range want {
		if lines[i] != w {
			t.Errorf("line %d: expected %+v, got %+v", i, w, lines[i])
		}
	}
}

func TestParseSRT_CRLFAndDotMillis(t *testing.T) {
	doc := "\ufeff1\r\n00:00:01.500 --> 00:00:02.000\r\nHello.\r\n\r\n2\r\n00:00:03,000 --> 00:00:04,000\r\nWorld.\r\n"
	lines := ParseSRT(doc)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0].StartSeconds != 1.5 {
		t.Errorf("expected start 1.5, got %v", lines[0].StartSeconds)
	}
}

func TestParseSRT_Empty(t *testing.T) {
	for _, doc := range []string{"", "   \n\n", "WEBVTT\n\nNOTE nothing here"} {
		lines := ParseSRT(doc)
		if lines == nil || len(lines) != 0 {
			t.Errorf("expected empty non-nil slice for %q, got %v", doc, lines)
		}
	}
}

func TestParseSRT_InvalidTiming(t *testing.T) {
	doc := "1\nnot a time --> also not\nHello\n\n2\n00:00:01,000 --> 00:00:02,000\nKept."
	lines := ParseSRT(doc)
	if len(lines) != 1 || lines[0].Text != "Kept." {
		t.Errorf("expected only the valid block, got %+v", lines)
	}
}

func TestCleanText(t *testing.T) {
	tests := map[string]string{
		"<b>Bold</b> move":           "Bold move",
		"[laughs] Funny (aside) one": "Funny one",
		"  spaced\tout  ":            "spaced out",
		"[music]":                    "",
	}
	for in, want := range tests {
		if got := CleanText(in); got != want {
			t.Errorf("CleanText(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Errorf("expected ceil(5/4)=2, got %d", got)
	}
	if got := EstimateTokens(strings.Repeat("a", 400)); got != 100 {
		t.Errorf("expected 100, got %d", got)
	}
}

func TestEndsSentence(t *testing.T) {
	tests := map[string]bool{
		"Done.":           true,
		"Really?":         true,
		"Run!":            true,
		`He said "go."`:   true,
		"It's fine.'":     true,
		"and then":        false,
		"wait,":           false,
		"Done. ":          true,
		"ellipsis...more": false,
	}
	for in, want := range tests {
		if got := EndsSentence(in); got != want {
			t.Errorf("EndsSentence(%q) = %v, want %v", in, got, want)
		}
	}
}

// makeLine returns a line of exactly 200 characters (50 estimated tokens).
func makeLine(i int, sentence bool) media.TimedLine {
	text := fmt.Sprintf("line%02d ", i) + strings.Repeat("x", 193)
	if sentence {
		text = text[:199] + "."
	}
	return media.TimedLine{
		StartSeconds: float64(i * 10),
		EndSeconds:   float64(i*10 + 8),
		Text:         text,
	}
}

func TestChunk_SingleChunkForShortTranscript(t *testing.T) {
	unit := media.NewEpisode(1399, 1, 1)
	lines := []media.TimedLine{
		{StartSeconds: 5, EndSeconds: 9, Text: strings.Repeat("a", 299) + "."},
		{StartSeconds: 10, EndSeconds: 14, Text: strings.Repeat("b", 299) + "!"},
		{StartSeconds: 15, EndSeconds: 21, Text: strings.Repeat("c", 199) + "?"},
	}

	chunks := NewChunker(DefaultChunkerConfig()).Chunk(unit, lines)

	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	c := chunks[0]
	if c.ChunkIndex != 0 {
		t.Errorf("expected chunk index 0, got %d", c.ChunkIndex)
	}
	if c.StartSeconds != 5 || c.EndSeconds != 21 {
		t.Errorf("expected span 5-21, got %v-%v", c.StartSeconds, c.EndSeconds)
	}
	if !strings.HasPrefix(c.Content, "[00:05] aaa") {
		t.Errorf("unexpected content prefix: %q", c.Content[:20])
	}
	if c.ID != media.ChunkID(unit, 0) {
		t.Errorf("unexpected id %q", c.ID)
	}
}

func TestChunk_HardCapSplitCarriesOverlap(t *testing.T) {
	unit := media.NewMovie(603)
	var lines []media.TimedLine
	for i := 0; i < 17; i++ {
		lines = append(lines, makeLine(i, false))
	}

	chunks := NewChunker(DefaultChunkerConfig()).Chunk(unit, lines)

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	first, second := chunks[0], chunks[1]

	if got := strings.Count(first.Content, "line"); got != 16 {
		t.Errorf("expected first chunk to hold 16 lines (800 tokens), got %d", got)
	}
	// The second chunk starts with the trailing overlap from the first.
	if !strings.HasPrefix(second.Content, "[02:30] line15") {
		t.Errorf("expected second chunk to start with overlap line15, got %q", second.Content[:30])
	}
	if !strings.Contains(second.Content, "line16") {
		t.Error("expected second chunk to contain line16")
	}
	if second.ChunkIndex != 1 {
		t.Errorf("expected chunk index 1, got %d", second.ChunkIndex)
	}
}

func TestChunk_TargetSplitOnSentenceBoundary(t *testing.T) {
	unit := media.NewMovie(603)
	var lines []media.TimedLine
	for i := 0; i < 30; i++ {
		// every 4th line ends a sentence
		lines = append(lines, makeLine(i, i%4 == 3))
	}

	chunks := NewChunker(DefaultChunkerConfig()).Chunk(unit, lines)

	if len(chunks) < 2 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	for i, c := range chunks[:len(chunks)-1] {
		tokens := EstimateTokens(c.Content)
		if tokens > 1000 {
			t.Errorf("chunk %d unexpectedly large: %d tokens", i, tokens)
		}
		if !strings.HasSuffix(c.Content, ".") {
			t.Errorf("chunk %d should close on a sentence boundary: %q", i, c.Content[len(c.Content)-10:])
		}
	}
}

func TestChunk_OversizedLineStandsAlone(t *testing.T) {
	unit := media.NewMovie(603)
	lines := []media.TimedLine{
		{StartSeconds: 0, EndSeconds: 2, Text: "Short one"},
		{StartSeconds: 3, EndSeconds: 60, Text: strings.Repeat("y", 4000)},
		{StartSeconds: 61, EndSeconds: 62, Text: "After."},
	}

	chunks := NewChunker(DefaultChunkerConfig()).Chunk(unit, lines)

	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if !strings.Contains(chunks[1].Content, strings.Repeat("y", 4000)) {
		t.Error("oversized line must not be split")
	}
	if chunks[1].StartSeconds != 3 {
		t.Errorf("expected oversized chunk to start at 3, got %v", chunks[1].StartSeconds)
	}
}

func TestChunk_Empty(t *testing.T) {
	chunks := NewChunker(DefaultChunkerConfig()).Chunk(media.NewMovie(1), nil)
	if chunks == nil || len(chunks) != 0 {
		t.Errorf("expected empty slice, got %v", chunks)
	}
}

func TestChunk_Invariants(t *testing.T) {
	unit := media.NewEpisode(1, 1, 1)
	var lines []media.TimedLine
	for i := 0; i < 200; i++ {
		lines = append(lines, makeLine(i, i%7 == 0))
	}
	config := DefaultChunkerConfig()
	chunks := NewChunker(config).Chunk(unit, lines)

	// ordering: start times never decrease with chunk index
	for i := 1; i < len(chunks); i++ {
		if chunks[i].ChunkIndex != i {
			t.Fatalf("chunk %d has index %d", i, chunks[i].ChunkIndex)
		}
		if chunks[i].StartSeconds < chunks[i-1].StartSeconds {
			t.Errorf("chunk %d starts before chunk %d", i, i-1)
		}
	}

	// no content loss: every parsed line appears in at least one chunk
	var all strings.Builder
	for _, c := range chunks {
		if c.Content == "" {
			t.Fatal("chunk content must never be empty")
		}
		all.WriteString(c.Content)
		all.WriteString(" ")
	}
	for _, l := range lines {
		if !strings.Contains(all.String(), l.Text) {
			t.Fatalf("line text lost: %q", l.Text[:10])
		}
	}

	// overlap bound: shared lines between adjacent chunks stay within the budget
	for i := 1; i < len(chunks); i++ {
		shared := 0
		for _, l := range lines {
			if strings.Contains(chunks[i-1].Content, l.Text) && strings.Contains(chunks[i].Content, l.Text) {
				shared += EstimateTokens(l.Text)
			}
		}
		if shared > config.OverlapTokens {
			t.Errorf("chunks %d/%d overlap by %d tokens", i-1, i, shared)
		}
	}
}
