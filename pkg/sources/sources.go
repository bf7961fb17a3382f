// Package sources defines the adapter contract for scholarly databases and
// ships built-in adapters for OpenAlex, Semantic Scholar, Crossref, and
// arXiv. An adapter translates one page request into one HTTP call and
// normalizes the native response into Paper records. Adapters never rate
// limit and never retry: pacing belongs to the rate limiter and retry
// policy belongs to the worker loop, so every call here maps to exactly
// one request on the wire.
package sources

import (
	"context"
	"fmt"
	"time"

	"github.com/papertrawl/papertrawl/pkg/core/paper"
)

// Registered source names for the built-in adapters.
const (
	SourceOpenAlex        = "openalex"
	SourceSemanticScholar = "semantic_scholar"
	SourceCrossref        = "crossref"
	SourceArxiv           = "arxiv"
)

// clientName identifies this client in User-Agent headers.
const clientName = "papertrawl/0.1.0"

// DateRange restricts a search to publication dates within [Start, End].
// A zero bound leaves that side open.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether neither bound is set.
func (r DateRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// SearchRequest asks an adapter for one page of results. Cursor is the
// opaque continuation token returned by the previous page; empty means the
// first page. Page is the zero-based page index, recorded in provenance.
type SearchRequest struct {
	Query   string
	Dates   DateRange
	Limit   int
	Page    int
	Cursor  string
	Options Options
}

// SearchPage is one page of normalized results. End reports that the
// source is exhausted; NextCursor is empty exactly when End is true. Raw
// is the unparsed response body, preserved for the page cache. Total is
// the source-reported result count, zero when the source does not say.
type SearchPage struct {
	Papers     []paper.Paper
	NextCursor string
	End        bool
	Raw        []byte
	Total      int
}

// Adapter is the contract every source implements. Search performs exactly
// one upstream request; failures come back as classified errors so the
// worker loop can pick the retry family.
type Adapter interface {
	Source() string
	Search(ctx context.Context, req SearchRequest) (SearchPage, error)
}

// userAgent builds the User-Agent header, appending the polite-pool
// contact address when one is configured.
func userAgent(politeEmail string) string {
	if politeEmail == "" {
		return clientName
	}
	return fmt.Sprintf("%s (mailto:%s)", clientName, politeEmail)
}
