// Package ident provides canonical forms for the identifiers used to
// recognize the same paper across scholarly sources: DOIs, arXiv ids,
// normalized titles, and the stable paper_id derived from them.
package ident

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/crypto/blake2b"
)

var (
	doiPattern     = regexp.MustCompile(`^10\.[0-9]+/\S+$`)
	arxivVersion   = regexp.MustCompile(`[vV][0-9]+$`)
	whitespaceRuns = regexp.MustCompile(`\s+`)
)

// ErrNoIdentifier is returned when a record carries none of the fields a
// stable paper id can be derived from.
var ErrNoIdentifier = errors.New("record has no DOI, arXiv id, or (title, year, author)")

// NormalizeDOI strips URL and "doi:" prefixes, lowercases, and validates the
// remainder against the registrant/suffix shape. The second return value is
// false when the input does not contain a usable DOI.
func NormalizeDOI(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	lower := strings.ToLower(s)
	if idx := strings.LastIndex(lower, "doi.org/"); idx >= 0 {
		lower = lower[idx+len("doi.org/"):]
	}
	lower = strings.TrimPrefix(lower, "doi:")
	lower = strings.TrimSpace(lower)
	if !doiPattern.MatchString(lower) {
		return "", false
	}
	return lower, true
}

// NormalizeArxivID strips an "arXiv:" prefix and a trailing version suffix
// and lowercases the rest. Old-style ids (hep-th/9901001) and new-style ids
// (2103.12345) are both kept as-is after stripping. Returns "" for inputs
// that are empty once stripped.
func NormalizeArxivID(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if len(s) >= 6 && strings.EqualFold(s[:6], "arxiv:") {
		s = s[6:]
	}
	s = arxivVersion.ReplaceAllString(s, "")
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeTitle lowercases, removes punctuation, and collapses whitespace
// runs so that trivially different renderings of the same title compare
// equal.
func NormalizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.TrimSpace(whitespaceRuns.ReplaceAllString(b.String(), " "))
}

// TitleHash returns a stable 64-bit content hash of the normalized title,
// hex encoded. Identical titles hash identically across runs and platforms.
func TitleHash(title string) string {
	sum := blake2b.Sum256([]byte(NormalizeTitle(title)))
	return fmt.Sprintf("%x", sum[:8])
}

// SurnameOf extracts a lowercased surname from an author name, handling
// both "Given Surname" and "Surname, Given" orderings.
func SurnameOf(fullName string) string {
	name := strings.TrimSpace(fullName)
	if name == "" {
		return ""
	}
	if idx := strings.Index(name, ","); idx >= 0 {
		return strings.ToLower(strings.TrimSpace(name[:idx]))
	}
	fields := strings.Fields(name)
	return strings.ToLower(fields[len(fields)-1])
}

// DerivePaperID produces the stable identifier for a record: from the DOI
// when present, else from the arXiv id, else from the normalized title hash
// combined with year and first-author surname. The same inputs always yield
// the same id.
func DerivePaperID(doi, arxivID, title string, year int, firstAuthor string) (string, error) {
	if norm, ok := NormalizeDOI(doi); ok {
		return "doi:" + norm, nil
	}
	if norm := NormalizeArxivID(arxivID); norm != "" {
		return "arxiv:" + norm, nil
	}
	if NormalizeTitle(title) != "" && year > 0 {
		return fmt.Sprintf("title:%s:%d:%s", TitleHash(title), year, SurnameOf(firstAuthor)), nil
	}
	return "", ErrNoIdentifier
}
