package media

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FormatTimestamp renders seconds as m:ss (zero-padded minutes) or h:mm:ss past one hour.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	total := int(math.Floor(seconds))
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// ParseCursor accepts "hh:mm:ss", "mm:ss" or plain seconds and returns seconds.
func ParseCursor(value string) (float64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty cursor")
	}
	if !strings.Contains(value, ":") {
		secs, err := strconv.ParseFloat(value, 64)
		if err != nil || !validSeconds(secs) {
			return 0, fmt.Errorf("invalid cursor %q", value)
		}
		return secs, nil
	}

	parts := strings.Split(value, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid cursor %q", value)
	}
	var total float64
	for _, p := range parts {
		n, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || !validSeconds(n) {
			return 0, fmt.Errorf("invalid cursor %q", value)
		}
		total = total*60 + n
	}
	return total, nil
}

func validSeconds(n float64) bool {
	return n >= 0 && !math.IsNaN(n) && !math.IsInf(n, 0)
}
