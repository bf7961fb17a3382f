package sources

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/papertrawl/papertrawl/pkg/core/ident"
	"github.com/papertrawl/papertrawl/pkg/core/paper"
	"github.com/papertrawl/papertrawl/pkg/resilience"
)

const (
	arxivBaseURL     = "http://export.arxiv.org/api/query"
	arxivMaxPageSize = 2000
)

// Arxiv searches the arXiv export API, which speaks Atom XML and paginates
// by start index. The API has no server-side date filter, so results are
// filtered against the requested range after parsing; filtered-out entries
// still advance the cursor.
type Arxiv struct {
	opts    Options
	baseURL string
	http    *httpClient
}

// NewArxiv builds the adapter, validating options.
func NewArxiv(opts Options) (*Arxiv, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Arxiv{
		opts:    opts,
		baseURL: arxivBaseURL,
		http:    newHTTPClient(SourceArxiv, opts, nil),
	}, nil
}

// Source returns the registered source name.
func (a *Arxiv) Source() string { return SourceArxiv }

// Search fetches one page at the start index encoded in the request
// cursor.
func (a *Arxiv) Search(ctx context.Context, req SearchRequest) (SearchPage, error) {
	start, err := offsetCursor(SourceArxiv, req.Cursor)
	if err != nil {
		return SearchPage{}, err
	}

	params := url.Values{}
	params.Set("search_query", req.Query)
	params.Set("start", strconv.Itoa(start))
	params.Set("max_results", strconv.Itoa(a.opts.pageSize(arxivMaxPageSize)))
	params.Set("sortBy", "submittedDate")
	params.Set("sortOrder", "descending")

	body, err := a.http.get(ctx, a.baseURL, params)
	if err != nil {
		return SearchPage{}, err
	}

	var feed arxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return SearchPage{}, resilience.NewError(resilience.KindParse, SourceArxiv,
			fmt.Errorf("decoding atom feed: %w", err))
	}

	page := SearchPage{Raw: body, Total: feed.TotalResults}
	retrievedAt := time.Now().UTC()
	for _, entry := range feed.Entries {
		p, err := entry.toPaper(req, retrievedAt)
		if err != nil {
			log.WithFields(log.Fields{
				"source":   SourceArxiv,
				"entry_id": entry.ID,
				"error":    err,
			}).Warn("skipping unparseable entry")
			continue
		}
		if !inDateRange(p.PublicationDate, req.Dates) {
			continue
		}
		page.Papers = append(page.Papers, p)
	}

	nextStart := start + len(feed.Entries)
	if len(feed.Entries) == 0 || nextStart >= feed.TotalResults {
		page.End = true
	} else {
		page.NextCursor = strconv.Itoa(nextStart)
	}
	return page, nil
}

// BuildCategoryQuery combines arXiv category codes with a free-text query
// in the export API's syntax, e.g. "(cat:cs.AI OR cat:cs.LG) AND (...)".
func BuildCategoryQuery(query string, categories []string) string {
	if len(categories) == 0 {
		return query
	}
	cats := make([]string, len(categories))
	for i, c := range categories {
		cats[i] = "cat:" + c
	}
	catQuery := strings.Join(cats, " OR ")
	if query == "" {
		return catQuery
	}
	return fmt.Sprintf("(%s) AND (%s)", catQuery, query)
}

func inDateRange(date time.Time, dates DateRange) bool {
	if date.IsZero() || dates.IsZero() {
		return true
	}
	if !dates.Start.IsZero() && date.Before(dates.Start) {
		return false
	}
	if !dates.End.IsZero() && date.After(dates.End) {
		return false
	}
	return true
}

type arxivFeed struct {
	XMLName      xml.Name     `xml:"feed"`
	TotalResults int          `xml:"http://a9.com/-/spec/opensearch/1.1/ totalResults"`
	Entries      []arxivEntry `xml:"entry"`
}

type arxivEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	Authors   []struct {
		Name string `xml:"name"`
	} `xml:"author"`
	DOI             string `xml:"http://arxiv.org/schemas/atom doi"`
	PrimaryCategory struct {
		Term string `xml:"term,attr"`
	} `xml:"http://arxiv.org/schemas/atom primary_category"`
	Categories []struct {
		Term string `xml:"term,attr"`
	} `xml:"category"`
	Links []struct {
		Href  string `xml:"href,attr"`
		Rel   string `xml:"rel,attr"`
		Title string `xml:"title,attr"`
	} `xml:"link"`
}

func (e arxivEntry) toPaper(req SearchRequest, retrievedAt time.Time) (paper.Paper, error) {
	rawID := e.ID
	if i := strings.LastIndex(rawID, "/"); i >= 0 {
		rawID = rawID[i+1:]
	}
	arxivID := ident.NormalizeArxivID(rawID)

	authors := make([]paper.Author, 0, len(e.Authors))
	for _, a := range e.Authors {
		name := strings.TrimSpace(a.Name)
		if name != "" {
			authors = append(authors, paper.Author{Name: name})
		}
	}

	var pubDate time.Time
	if len(e.Published) >= 10 {
		if d, err := ident.ParseDate(e.Published[:10]); err == nil {
			pubDate = d
		}
	}

	var categories []string
	if e.PrimaryCategory.Term != "" {
		categories = append(categories, e.PrimaryCategory.Term)
	}
	for _, c := range e.Categories {
		if c.Term != "" && !containsString(categories, c.Term) {
			categories = append(categories, c.Term)
		}
	}

	pdfLink := ""
	for _, link := range e.Links {
		if link.Title == "pdf" {
			pdfLink = link.Href
			break
		}
	}

	externalIDs := map[string]string{"arxiv": arxivID}
	if doi, ok := ident.NormalizeDOI(e.DOI); ok {
		externalIDs["doi"] = doi
	}

	p := paper.Paper{
		DOI:             e.DOI,
		ArxivID:         arxivID,
		Title:           strings.TrimSpace(e.Title),
		Abstract:        e.Summary,
		Authors:         authors,
		PublicationDate: pubDate,
		Venue:           "arXiv",
		FieldsOfStudy:   categories,
		IsOpenAccess:    true,
		OpenAccessPDF:   pdfLink,
		ExternalIDs:     externalIDs,
		Source: paper.Provenance{
			Database:    SourceArxiv,
			Query:       req.Query,
			RetrievedAt: retrievedAt,
			Page:        req.Page,
			Cursor:      req.Cursor,
		},
	}
	if err := p.Finalize(); err != nil {
		return paper.Paper{}, err
	}
	return p, nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
