// Package subtitle turns timed-caption documents into persisted retrieval chunks.
// It parses SRT-style blocks into timed lines and groups those lines into
// overlapping, token-bounded chunks with chronological timestamps.
package subtitle

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Yates-Labs/spoilerguard/internal/media"
)

var (
	// styleTagRe matches HTML-like style markup (<i>, <font color=...>, </b>).
	styleTagRe = regexp.MustCompile(`<[^>]*>`)

	// assTagRe matches SSA/ASS override blocks such as {\an8}.
	assTagRe = regexp.MustCompile(`\{\\[^}]*\}`)

	// stageDirectionRe matches bracketed stage directions like [laughs].
	stageDirectionRe = regexp.MustCompile(`\[[^\]]*\]`)

	// parentheticalRe matches parenthetical asides like (whispering).
	parentheticalRe = regexp.MustCompile(`\([^)]*\)`)

	whitespaceRe = regexp.MustCompile(`\s+`)
)

// ParseSRT parses an SRT document into timed lines.
//
//	1
//	00:00:01,000 --> 00:00:03,500
//	I'm happy to
//	have you here today.
//
// Blocks are separated by blank lines. Blocks without a valid time range or
// whose cleaned text is empty are discarded.
func ParseSRT(doc string) []media.TimedLine {
	doc = strings.TrimPrefix(doc, "\ufeff")
	doc = strings.ReplaceAll(doc, "\r\n", "\n")
	doc = strings.ReplaceAll(doc, "\r", "\n")
	if strings.TrimSpace(doc) == "" {
		return []media.TimedLine{}
	}

	var lines []media.TimedLine
	for _, block := range splitBlocks(doc) {
		line, ok := parseBlock(block)
		if ok {
			lines = append(lines, line)
		}
	}
	if lines == nil {
		return []media.TimedLine{}
	}
	return lines
}

// splitBlocks splits on runs of blank (or whitespace-only) lines.
func splitBlocks(doc string) [][]string {
	var blocks [][]string
	var current []string
	for _, raw := range strings.Split(doc, "\n") {
		if strings.TrimSpace(raw) == "" {
			if len(current) > 0 {
				blocks = append(blocks, current)
				current = nil
			}
			continue
		}
		current = append(current, strings.TrimSpace(raw))
	}
	if len(current) > 0 {
		blocks = append(blocks, current)
	}
	return blocks
}

func parseBlock(block []string) (media.TimedLine, bool) {
	timingIdx := -1
	for i, l := range block {
		if strings.Contains(l, "-->") {
			timingIdx = i
			break
		}
	}
	if timingIdx < 0 {
		return media.TimedLine{}, false
	}

	start, end, err := parseTimeRange(block[timingIdx])
	if err != nil {
		return media.TimedLine{}, false
	}

	text := CleanText(strings.Join(block[timingIdx+1:], " "))
	if text == "" {
		return media.TimedLine{}, false
	}

	return media.TimedLine{
		StartSeconds: start,
		EndSeconds:   end,
		Text:         text,
	}, true
}

// CleanText strips style markup, bracketed stage directions and parenthetical
// asides, then collapses whitespace.
func CleanText(text string) string {
	text = styleTagRe.ReplaceAllString(text, " ")
	text = assTagRe.ReplaceAllString(text, " ")
	text = stageDirectionRe.ReplaceAllString(text, " ")
	text = parentheticalRe.ReplaceAllString(text, " ")
	text = whitespaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

func parseTimeRange(line string) (float64, float64, error) {
	parts := strings.SplitN(line, "-->", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time range %q", line)
	}
	start, err := parseTimestamp(parts[0])
	if err != nil {
		return 0, 0, err
	}
	// VTT cue settings may trail the end time ("00:00:03.000 align:start").
	endField := strings.Fields(parts[1])
	if len(endField) == 0 {
		return 0, 0, fmt.Errorf("invalid time range %q", line)
	}
	end, err := parseTimestamp(endField[0])
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		end = start
	}
	return start, end, nil
}

// parseTimestamp converts HH:MM:SS,mmm (or with a '.' separator) into seconds.
func parseTimestamp(value string) (float64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	value = strings.ReplaceAll(value, ".", ",")

	clock, millisText, found := strings.Cut(value, ",")
	millis := 0
	if found {
		ms, err := strconv.Atoi(millisText)
		if err != nil {
			return 0, fmt.Errorf("invalid timestamp %q", value)
		}
		millis = ms
	}

	hms := strings.Split(clock, ":")
	if len(hms) == 2 {
		hms = append([]string{"0"}, hms...)
	}
	if len(hms) != 3 {
		return 0, fmt.Errorf("invalid timestamp %q", value)
	}
	hours, errH := strconv.Atoi(hms[0])
	minutes, errM := strconv.Atoi(hms[1])
	seconds, errS := strconv.Atoi(hms[2])
	if errH != nil || errM != nil || errS != nil {
		return 0, fmt.Errorf("invalid timestamp %q", value)
	}
	return float64(hours*3600+minutes*60+seconds) + float64(millis)/1000, nil
}
