package rag

import (
	"regexp"
	"strings"
	"unicode"
)

var pastPhrases = []string{
	"before",
	"earlier",
	"previously",
	"remember when",
	"last season",
	"last episode",
	"in the past",
	"happened to",
	"what happened with",
}

var explicitUnitPattern = regexp.MustCompile(`(?i)\b(season|episode)\s+\d+\b`)

// ReferencesPastContent reports whether a question looks back at earlier
// story content, either naming a season or episode number or using a
// retrospective phrase. It is a string heuristic.
func ReferencesPastContent(question string) bool {
	if explicitUnitPattern.MatchString(question) {
		return true
	}
	lower := strings.ToLower(question)
	for _, phrase := range pastPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// QuestionKeywords returns the distinct lowercased words of question with at
// least minLength letters or digits.
func QuestionKeywords(question string, minLength int) []string {
	words := strings.FieldsFunc(strings.ToLower(question), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})

	seen := make(map[string]bool, len(words))
	keywords := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.Trim(w, "'")
		if len([]rune(w)) < minLength || seen[w] {
			continue
		}
		seen[w] = true
		keywords = append(keywords, w)
	}
	return keywords
}
