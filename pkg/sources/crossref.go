package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/papertrawl/papertrawl/pkg/core/paper"
	"github.com/papertrawl/papertrawl/pkg/resilience"
)

const (
	crossrefBaseURL     = "https://api.crossref.org/works"
	crossrefMaxPageSize = 1000
)

// crossrefSelect trims response payloads to the fields the Paper record
// uses.
var crossrefSelect = strings.Join([]string{
	"DOI",
	"title",
	"abstract",
	"author",
	"published",
	"container-title",
	"publisher",
	"subject",
	"type",
	"is-referenced-by-count",
	"link",
}, ",")

// jatsMarkup matches the JATS XML tags Crossref embeds in abstracts.
var jatsMarkup = regexp.MustCompile(`<[^>]+>`)

// Crossref searches the Crossref works endpoint with offset pagination.
// Providing polite_email joins the polite pool, which Crossref rewards
// with a much higher request rate.
type Crossref struct {
	opts    Options
	baseURL string
	http    *httpClient
}

// NewCrossref builds the adapter, validating options.
func NewCrossref(opts Options) (*Crossref, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("User-Agent", userAgent(opts.PoliteEmail))
	return &Crossref{
		opts:    opts,
		baseURL: crossrefBaseURL,
		http:    newHTTPClient(SourceCrossref, opts, header),
	}, nil
}

// Source returns the registered source name.
func (a *Crossref) Source() string { return SourceCrossref }

// Search fetches one page at the offset encoded in the request cursor.
func (a *Crossref) Search(ctx context.Context, req SearchRequest) (SearchPage, error) {
	offset, err := offsetCursor(SourceCrossref, req.Cursor)
	if err != nil {
		return SearchPage{}, err
	}

	params := url.Values{}
	params.Set("query", req.Query)
	params.Set("offset", strconv.Itoa(offset))
	params.Set("rows", strconv.Itoa(a.opts.pageSize(crossrefMaxPageSize)))
	params.Set("select", crossrefSelect)
	if filter := crossrefFilter(req.Dates); filter != "" {
		params.Set("filter", filter)
	}

	body, err := a.http.get(ctx, a.baseURL, params)
	if err != nil {
		return SearchPage{}, err
	}

	var resp crossrefResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return SearchPage{}, resilience.NewError(resilience.KindParse, SourceCrossref,
			fmt.Errorf("decoding works response: %w", err))
	}

	page := SearchPage{Raw: body, Total: resp.Message.TotalResults}
	retrievedAt := time.Now().UTC()
	for _, work := range resp.Message.Items {
		p, err := work.toPaper(req, retrievedAt)
		if err != nil {
			log.WithFields(log.Fields{
				"source": SourceCrossref,
				"doi":    work.DOI,
				"error":  err,
			}).Warn("skipping unparseable work")
			continue
		}
		page.Papers = append(page.Papers, p)
	}

	nextOffset := offset + len(resp.Message.Items)
	if len(resp.Message.Items) == 0 || nextOffset >= resp.Message.TotalResults {
		page.End = true
	} else {
		page.NextCursor = strconv.Itoa(nextOffset)
	}
	return page, nil
}

func crossrefFilter(dates DateRange) string {
	var filters []string
	if !dates.Start.IsZero() {
		filters = append(filters, "from-pub-date:"+dates.Start.Format("2006-01-02"))
	}
	if !dates.End.IsZero() {
		filters = append(filters, "until-pub-date:"+dates.End.Format("2006-01-02"))
	}
	return strings.Join(filters, ",")
}

type crossrefResponse struct {
	Message struct {
		TotalResults int            `json:"total-results"`
		Items        []crossrefWork `json:"items"`
	} `json:"message"`
}

type crossrefWork struct {
	DOI      string   `json:"DOI"`
	Title    []string `json:"title"`
	Abstract string   `json:"abstract"`
	Author   []struct {
		Given       string `json:"given"`
		Family      string `json:"family"`
		ORCID       string `json:"ORCID"`
		Affiliation []struct {
			Name string `json:"name"`
		} `json:"affiliation"`
	} `json:"author"`
	Published struct {
		DateParts [][]int `json:"date-parts"`
	} `json:"published"`
	ContainerTitle      []string `json:"container-title"`
	Publisher           string   `json:"publisher"`
	Subject             []string `json:"subject"`
	IsReferencedByCount int      `json:"is-referenced-by-count"`
	Link                []struct {
		URL         string `json:"URL"`
		ContentType string `json:"content-type"`
	} `json:"link"`
}

func (w crossrefWork) toPaper(req SearchRequest, retrievedAt time.Time) (paper.Paper, error) {
	title := ""
	if len(w.Title) > 0 {
		title = w.Title[0]
	}

	authors := make([]paper.Author, 0, len(w.Author))
	for _, a := range w.Author {
		name := strings.TrimSpace(a.Given + " " + a.Family)
		author := paper.Author{Name: name, ORCID: a.ORCID}
		if len(a.Affiliation) > 0 {
			author.Affiliation = a.Affiliation[0].Name
		}
		authors = append(authors, author)
	}

	pubDate := crossrefDate(w.Published.DateParts)
	year := 0
	if !pubDate.IsZero() {
		year = pubDate.Year()
	}

	venue := ""
	if len(w.ContainerTitle) > 0 {
		venue = w.ContainerTitle[0]
	}

	openAccessPDF := ""
	for _, link := range w.Link {
		if link.ContentType == "application/pdf" {
			openAccessPDF = link.URL
			break
		}
	}

	p := paper.Paper{
		DOI:             w.DOI,
		Title:           title,
		Abstract:        jatsMarkup.ReplaceAllString(w.Abstract, " "),
		Authors:         authors,
		Year:            year,
		PublicationDate: pubDate,
		Venue:           venue,
		Publisher:       w.Publisher,
		FieldsOfStudy:   w.Subject,
		CitationCount:   w.IsReferencedByCount,
		IsOpenAccess:    openAccessPDF != "",
		OpenAccessPDF:   openAccessPDF,
		ExternalIDs:     map[string]string{"crossref": w.DOI},
		Source: paper.Provenance{
			Database:    SourceCrossref,
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

// crossrefDate converts the date-parts shape [[year, month, day]] into a
// time. Missing month or day default to 1.
func crossrefDate(parts [][]int) time.Time {
	if len(parts) == 0 || len(parts[0]) == 0 {
		return time.Time{}
	}
	p := parts[0]
	year := p[0]
	month, day := 1, 1
	if len(p) > 1 {
		month = p[1]
	}
	if len(p) > 2 {
		day = p[2]
	}
	if year <= 0 || month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}
