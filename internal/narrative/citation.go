package narrative

import (
	"regexp"
	"strconv"
)

// citationPattern matches [S1E2 12:30-13:45] and [12:30-1:02:10]. En dashes
// are accepted as separators.
var citationPattern = regexp.MustCompile(`\[(?:S(\d+)E(\d+)\s+)?(\d{1,2}:\d{2}(?::\d{2})?)\s*[-\x{2013}]\s*(\d{1,2}:\d{2}(?::\d{2})?)\]`)

// Citation is one bracketed evidence reference found in an answer.
type Citation struct {
	Raw     string `json:"raw"`
	Season  int    `json:"season,omitempty"`
	Episode int    `json:"episode,omitempty"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// ExtractCitations returns every citation in text in order of appearance.
func ExtractCitations(text string) []Citation {
	matches := citationPattern.FindAllStringSubmatch(text, -1)
	citations := make([]Citation, 0, len(matches))
	for _, m := range matches {
		c := Citation{Raw: m[0], Start: m[3], End: m[4]}
		if m[1] != "" {
			c.Season, _ = strconv.Atoi(m[1])
			c.Episode, _ = strconv.Atoi(m[2])
		}
		citations = append(citations, c)
	}
	return citations
}

// HasCitation reports whether text cites at least one timestamp span.
func HasCitation(text string) bool {
	return citationPattern.MatchString(text)
}
