package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
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
	s2BaseURL     = "https://api.semanticscholar.org/graph/v1/paper/search"
	s2MaxPageSize = 100
)

// s2Fields is the field selection requested from the Graph API. Asking for
// exactly what the Paper record needs keeps responses small.
var s2Fields = strings.Join([]string{
	"paperId",
	"externalIds",
	"title",
	"abstract",
	"authors",
	"year",
	"publicationDate",
	"venue",
	"publicationTypes",
	"citationCount",
	"influentialCitationCount",
	"referenceCount",
	"isOpenAccess",
	"openAccessPdf",
	"fieldsOfStudy",
}, ",")

// SemanticScholar searches the Semantic Scholar Graph API with offset
// pagination. The cursor is the numeric offset rendered as a string. An
// api_key option is sent in the x-api-key header.
type SemanticScholar struct {
	opts    Options
	baseURL string
	http    *httpClient
}

// NewSemanticScholar builds the adapter, validating options.
func NewSemanticScholar(opts Options) (*SemanticScholar, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("User-Agent", clientName)
	if opts.APIKey != "" {
		// Keys pasted from env files sometimes keep their quotes.
		header.Set("x-api-key", strings.Trim(opts.APIKey, `'"`))
	}
	return &SemanticScholar{
		opts:    opts,
		baseURL: s2BaseURL,
		http:    newHTTPClient(SourceSemanticScholar, opts, header),
	}, nil
}

// Source returns the registered source name.
func (a *SemanticScholar) Source() string { return SourceSemanticScholar }

// Search fetches one page at the offset encoded in the request cursor.
func (a *SemanticScholar) Search(ctx context.Context, req SearchRequest) (SearchPage, error) {
	offset, err := offsetCursor(SourceSemanticScholar, req.Cursor)
	if err != nil {
		return SearchPage{}, err
	}

	params := url.Values{}
	params.Set("query", req.Query)
	params.Set("offset", strconv.Itoa(offset))
	params.Set("limit", strconv.Itoa(a.opts.pageSize(s2MaxPageSize)))
	params.Set("fields", s2Fields)
	if year := s2YearParam(req.Dates); year != "" {
		params.Set("year", year)
	}

	body, err := a.http.get(ctx, a.baseURL, params)
	if err != nil {
		return SearchPage{}, err
	}

	var resp s2Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return SearchPage{}, resilience.NewError(resilience.KindParse, SourceSemanticScholar,
			fmt.Errorf("decoding search response: %w", err))
	}

	page := SearchPage{Raw: body, Total: resp.Total}
	retrievedAt := time.Now().UTC()
	for _, record := range resp.Data {
		p, err := record.toPaper(req, retrievedAt)
		if err != nil {
			log.WithFields(log.Fields{
				"source":   SourceSemanticScholar,
				"paper_id": record.PaperID,
				"error":    err,
			}).Warn("skipping unparseable record")
			continue
		}
		page.Papers = append(page.Papers, p)
	}

	nextOffset := offset + len(resp.Data)
	if len(resp.Data) == 0 || nextOffset >= resp.Total {
		page.End = true
	} else {
		page.NextCursor = strconv.Itoa(nextOffset)
	}
	return page, nil
}

// s2YearParam renders the date range in the API's year syntax: "Y-",
// "-Y", or "Y-Y".
func s2YearParam(dates DateRange) string {
	switch {
	case !dates.Start.IsZero() && !dates.End.IsZero():
		return fmt.Sprintf("%d-%d", dates.Start.Year(), dates.End.Year())
	case !dates.Start.IsZero():
		return fmt.Sprintf("%d-", dates.Start.Year())
	case !dates.End.IsZero():
		return fmt.Sprintf("-%d", dates.End.Year())
	default:
		return ""
	}
}

// offsetCursor decodes a numeric offset cursor; empty means the start.
func offsetCursor(source, cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	offset, err := strconv.Atoi(cursor)
	if err != nil || offset < 0 {
		return 0, resilience.Errorf(resilience.KindValidation, source, "malformed offset cursor %q", cursor)
	}
	return offset, nil
}

type s2Response struct {
	Total  int        `json:"total"`
	Offset int        `json:"offset"`
	Data   []s2Record `json:"data"`
}

type s2Record struct {
	PaperID     string            `json:"paperId"`
	ExternalIDs map[string]string `json:"externalIds"`
	Title       string            `json:"title"`
	Abstract    string            `json:"abstract"`
	Authors     []struct {
		AuthorID string `json:"authorId"`
		Name     string `json:"name"`
	} `json:"authors"`
	Year                     int      `json:"year"`
	PublicationDate          string   `json:"publicationDate"`
	Venue                    string   `json:"venue"`
	CitationCount            int      `json:"citationCount"`
	InfluentialCitationCount int      `json:"influentialCitationCount"`
	ReferenceCount           int      `json:"referenceCount"`
	IsOpenAccess             bool     `json:"isOpenAccess"`
	OpenAccessPDF            *struct {
		URL string `json:"url"`
	} `json:"openAccessPdf"`
	FieldsOfStudy []string `json:"fieldsOfStudy"`
}

func (r s2Record) toPaper(req SearchRequest, retrievedAt time.Time) (paper.Paper, error) {
	authors := make([]paper.Author, 0, len(r.Authors))
	for _, a := range r.Authors {
		authors = append(authors, paper.Author{Name: a.Name, AuthorID: a.AuthorID})
	}

	var pubDate time.Time
	if r.PublicationDate != "" {
		if d, err := ident.ParseDate(r.PublicationDate); err == nil {
			pubDate = d
		}
	}

	externalIDs := map[string]string{"s2": r.PaperID}
	doi := r.ExternalIDs["DOI"]
	if norm, ok := ident.NormalizeDOI(doi); ok {
		externalIDs["doi"] = norm
	}
	arxivID := ident.NormalizeArxivID(r.ExternalIDs["ArXiv"])
	if arxivID != "" {
		externalIDs["arxiv"] = arxivID
	}

	openAccessPDF := ""
	if r.IsOpenAccess && r.OpenAccessPDF != nil {
		openAccessPDF = r.OpenAccessPDF.URL
	}

	p := paper.Paper{
		DOI:                      doi,
		ArxivID:                  arxivID,
		Title:                    r.Title,
		Abstract:                 r.Abstract,
		Authors:                  authors,
		Year:                     r.Year,
		PublicationDate:          pubDate,
		Venue:                    r.Venue,
		FieldsOfStudy:            r.FieldsOfStudy,
		CitationCount:            r.CitationCount,
		InfluentialCitationCount: r.InfluentialCitationCount,
		ReferenceCount:           r.ReferenceCount,
		IsOpenAccess:             r.IsOpenAccess,
		OpenAccessPDF:            openAccessPDF,
		ExternalIDs:              externalIDs,
		Source: paper.Provenance{
			Database:    SourceSemanticScholar,
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
