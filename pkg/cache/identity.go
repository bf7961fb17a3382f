package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// queryIDLength is the hex length of a query identity.
const queryIDLength = 16

// NormalizeQuery produces the canonical query text used for identity
// hashing: lowercased with whitespace runs collapsed.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// FormatDate renders a date-range bound for identity hashing; the zero
// time renders empty.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}

// QueryID derives the deterministic identity of a search: two tasks with
// the same source, normalized query, date range, limit, and adapter
// configuration share one cache entry and therefore one set of pages.
func QueryID(source, query string, start, end time.Time, limit int, configJSON string) string {
	key := fmt.Sprintf("%s|%s|%s|%s|%d|%s",
		source,
		NormalizeQuery(query),
		FormatDate(start),
		FormatDate(end),
		limit,
		configJSON,
	)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:queryIDLength]
}
