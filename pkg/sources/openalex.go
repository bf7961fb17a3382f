package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/papertrawl/papertrawl/pkg/core/ident"
	"github.com/papertrawl/papertrawl/pkg/core/paper"
	"github.com/papertrawl/papertrawl/pkg/resilience"
)

const (
	openalexBaseURL     = "https://api.openalex.org/works"
	openalexMaxPageSize = 200
	// conceptScoreFloor filters out weakly associated concepts.
	conceptScoreFloor = 0.3
)

// OpenAlex searches the OpenAlex works endpoint using cursor pagination.
// A polite_email option joins the polite pool via the User-Agent mailto
// convention.
type OpenAlex struct {
	opts    Options
	baseURL string
	http    *httpClient
}

// NewOpenAlex builds the adapter, validating options.
func NewOpenAlex(opts Options) (*OpenAlex, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("User-Agent", userAgent(opts.PoliteEmail))
	return &OpenAlex{
		opts:    opts,
		baseURL: openalexBaseURL,
		http:    newHTTPClient(SourceOpenAlex, opts, header),
	}, nil
}

// Source returns the registered source name.
func (a *OpenAlex) Source() string { return SourceOpenAlex }

// Search fetches one page. OpenAlex cursor pagination starts with the
// sentinel "*"; subsequent pages use meta.next_cursor verbatim.
func (a *OpenAlex) Search(ctx context.Context, req SearchRequest) (SearchPage, error) {
	params := url.Values{}
	params.Set("search", req.Query)
	params.Set("per_page", strconv.Itoa(a.opts.pageSize(openalexMaxPageSize)))
	if filter := openalexFilter(req.Dates); filter != "" {
		params.Set("filter", filter)
	}
	cursor := req.Cursor
	if cursor == "" {
		cursor = "*"
	}
	params.Set("cursor", cursor)

	body, err := a.http.get(ctx, a.baseURL, params)
	if err != nil {
		return SearchPage{}, err
	}

	var resp openalexResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return SearchPage{}, resilience.NewError(resilience.KindParse, SourceOpenAlex,
			fmt.Errorf("decoding works response: %w", err))
	}

	page := SearchPage{Raw: body, Total: resp.Meta.Count}
	retrievedAt := time.Now().UTC()
	for _, work := range resp.Results {
		p, err := work.toPaper(req, retrievedAt)
		if err != nil {
			log.WithFields(log.Fields{
				"source":  SourceOpenAlex,
				"work_id": work.ID,
				"error":   err,
			}).Warn("skipping unparseable work")
			continue
		}
		page.Papers = append(page.Papers, p)
	}

	page.NextCursor = resp.Meta.NextCursor
	if page.NextCursor == "" || len(resp.Results) == 0 {
		page.End = true
		page.NextCursor = ""
	}
	return page, nil
}

func openalexFilter(dates DateRange) string {
	var filters []string
	if !dates.Start.IsZero() {
		filters = append(filters, "from_publication_date:"+dates.Start.Format("2006-01-02"))
	}
	if !dates.End.IsZero() {
		filters = append(filters, "to_publication_date:"+dates.End.Format("2006-01-02"))
	}
	return strings.Join(filters, ",")
}

type openalexResponse struct {
	Meta struct {
		Count      int    `json:"count"`
		NextCursor string `json:"next_cursor"`
	} `json:"meta"`
	Results []openalexWork `json:"results"`
}

type openalexWork struct {
	ID                    string           `json:"id"`
	DOI                   string           `json:"doi"`
	Title                 string           `json:"title"`
	PublicationDate       string           `json:"publication_date"`
	PublicationYear       int              `json:"publication_year"`
	CitedByCount          int              `json:"cited_by_count"`
	ReferencedWorksCount  int              `json:"referenced_works_count"`
	AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`
	Authorships           []struct {
		Author struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
			ORCID       string `json:"orcid"`
		} `json:"author"`
		Institutions []struct {
			DisplayName string `json:"display_name"`
		} `json:"institutions"`
	} `json:"authorships"`
	OpenAccess struct {
		IsOA  bool   `json:"is_oa"`
		OAURL string `json:"oa_url"`
	} `json:"open_access"`
	PrimaryLocation struct {
		Source struct {
			DisplayName          string `json:"display_name"`
			HostOrganizationName string `json:"host_organization_name"`
		} `json:"source"`
	} `json:"primary_location"`
	Concepts []struct {
		DisplayName string  `json:"display_name"`
		Score       float64 `json:"score"`
	} `json:"concepts"`
}

func (w openalexWork) toPaper(req SearchRequest, retrievedAt time.Time) (paper.Paper, error) {
	nativeID := w.ID
	if i := strings.LastIndex(nativeID, "/"); i >= 0 {
		nativeID = nativeID[i+1:]
	}

	authors := make([]paper.Author, 0, len(w.Authorships))
	for _, as := range w.Authorships {
		author := paper.Author{
			Name:     as.Author.DisplayName,
			AuthorID: as.Author.ID,
			ORCID:    as.Author.ORCID,
		}
		if len(as.Institutions) > 0 {
			author.Affiliation = as.Institutions[0].DisplayName
		}
		authors = append(authors, author)
	}

	var fields []string
	for _, c := range w.Concepts {
		if c.Score > conceptScoreFloor && c.DisplayName != "" {
			fields = append(fields, c.DisplayName)
		}
	}

	var pubDate time.Time
	if w.PublicationDate != "" {
		if d, err := ident.ParseDate(w.PublicationDate); err == nil {
			pubDate = d
		}
	}

	externalIDs := map[string]string{"openalex": nativeID}
	if doi, ok := ident.NormalizeDOI(w.DOI); ok {
		externalIDs["doi"] = doi
	}

	openAccessPDF := ""
	if w.OpenAccess.IsOA {
		openAccessPDF = w.OpenAccess.OAURL
	}

	p := paper.Paper{
		DOI:             w.DOI,
		Title:           w.Title,
		Abstract:        reconstructAbstract(w.AbstractInvertedIndex),
		Authors:         authors,
		Year:            w.PublicationYear,
		PublicationDate: pubDate,
		Venue:           w.PrimaryLocation.Source.DisplayName,
		Publisher:       w.PrimaryLocation.Source.HostOrganizationName,
		FieldsOfStudy:   fields,
		CitationCount:   w.CitedByCount,
		ReferenceCount:  w.ReferencedWorksCount,
		IsOpenAccess:    w.OpenAccess.IsOA,
		OpenAccessPDF:   openAccessPDF,
		ExternalIDs:     externalIDs,
		Source: paper.Provenance{
			Database:    SourceOpenAlex,
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

// reconstructAbstract rebuilds plain text from OpenAlex's inverted index,
// which maps each word to the positions it occupies.
func reconstructAbstract(inverted map[string][]int) string {
	if len(inverted) == 0 {
		return ""
	}
	type positioned struct {
		pos  int
		word string
	}
	var words []positioned
	for word, positions := range inverted {
		for _, pos := range positions {
			words = append(words, positioned{pos: pos, word: word})
		}
	}
	sort.Slice(words, func(i, j int) bool { return words[i].pos < words[j].pos })
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = w.word
	}
	return strings.Join(parts, " ")
}
