package ident

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MaxAbstractRunes caps stored abstract length; longer texts are truncated
// with an ellipsis.
const MaxAbstractRunes = 5000

// dateLayouts pairs a shape check with the layout it selects. Shapes are
// disjoint, so the first match decides how the string is read; day-first
// forms are only reachable when the year cannot lead.
var dateLayouts = []struct {
	shape  *regexp.Regexp
	layout string
}{
	{regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`), "2006-01-02"},
	{regexp.MustCompile(`^\d{4}/\d{2}/\d{2}$`), "2006/01/02"},
	{regexp.MustCompile(`^\d{2}-\d{2}-\d{4}$`), "02-01-2006"},
	{regexp.MustCompile(`^\d{2}/\d{2}/\d{4}$`), "02/01/2006"},
	{regexp.MustCompile(`^\d{4}-\d{2}$`), "2006-01"},
	{regexp.MustCompile(`^\d{4}$`), "2006"},
}

// ParseDate reads a publication date in one of the accepted source formats:
// YYYY-MM-DD, YYYY/MM/DD, DD-MM-YYYY, DD/MM/YYYY, YYYY-MM, or YYYY.
// Anything else is rejected.
func ParseDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, dl := range dateLayouts {
		if !dl.shape.MatchString(s) {
			continue
		}
		t, err := time.ParseInLocation(dl.layout, s, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("malformed date %q: %w", raw, err)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized date format %q", raw)
}

// ExtractYear returns the year of a parsed date, or 0 for the zero time.
func ExtractYear(t time.Time) int {
	if t.IsZero() {
		return 0
	}
	return t.Year()
}

// CleanAbstract collapses whitespace runs and truncates overly long
// abstracts so cached records stay bounded.
func CleanAbstract(abstract string) string {
	s := strings.TrimSpace(whitespaceRuns.ReplaceAllString(abstract, " "))
	runes := []rune(s)
	if len(runes) <= MaxAbstractRunes {
		return s
	}
	return string(runes[:MaxAbstractRunes]) + "..."
}
