package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"testing"
	"time"
)

const arxivFixture = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom"
      xmlns:opensearch="http://a9.com/-/spec/opensearch/1.1/"
      xmlns:arxiv="http://arxiv.org/schemas/atom">
  <opensearch:totalResults>2</opensearch:totalResults>
  <entry>
    <id>http://arxiv.org/abs/1706.03762v5</id>
    <title>Attention Is All You Need</title>
    <summary>The dominant sequence transduction models are based on recurrent networks.</summary>
    <published>2017-06-12T17:57:34Z</published>
    <author><name>Ashish Vaswani</name></author>
    <author><name>Noam Shazeer</name></author>
    <arxiv:primary_category term="cs.CL"/>
    <category term="cs.CL"/>
    <category term="cs.LG"/>
    <arxiv:doi>10.48550/arXiv.1706.03762</arxiv:doi>
    <link href="http://arxiv.org/abs/1706.03762v5" rel="alternate" type="text/html"/>
    <link title="pdf" href="http://arxiv.org/pdf/1706.03762v5" rel="related" type="application/pdf"/>
  </entry>
  <entry>
    <id>http://arxiv.org/abs/2001.00001v1</id>
    <title>A Later Preprint</title>
    <summary>Another abstract.</summary>
    <published>2020-01-01T00:00:00Z</published>
    <author><name>Jane Roe</name></author>
    <category term="cs.AI"/>
  </entry>
</feed>`

func TestArxivSearch(t *testing.T) {
	var params url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		params = r.URL.Query()
		w.Header().Set("Content-Type", "application/atom+xml")
		w.Write([]byte(arxivFixture))
	}))
	defer server.Close()

	adapter, err := NewArxiv(Options{PageSize: 50})
	if err != nil {
		t.Fatalf("NewArxiv failed: %v", err)
	}
	adapter.baseURL = server.URL

	page, err := adapter.Search(context.Background(), SearchRequest{Query: "cat:cs.CL AND attention"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if params.Get("search_query") != "cat:cs.CL AND attention" {
		t.Errorf("Expected search_query param, got %q", params.Get("search_query"))
	}
	if params.Get("start") != "0" {
		t.Errorf("Expected start 0, got %q", params.Get("start"))
	}
	if params.Get("max_results") != "50" {
		t.Errorf("Expected max_results 50, got %q", params.Get("max_results"))
	}
	if params.Get("sortBy") != "submittedDate" || params.Get("sortOrder") != "descending" {
		t.Errorf("Expected submittedDate descending sort, got %q %q", params.Get("sortBy"), params.Get("sortOrder"))
	}

	if len(page.Papers) != 2 {
		t.Fatalf("Expected 2 papers, got %d", len(page.Papers))
	}
	first := page.Papers[0]
	if first.ArxivID != "1706.03762" {
		t.Errorf("Expected version-stripped arXiv id, got %q", first.ArxivID)
	}
	if first.DOI != "10.48550/arxiv.1706.03762" {
		t.Errorf("Expected normalized DOI from arxiv namespace, got %q", first.DOI)
	}
	if len(first.Authors) != 2 || first.Authors[0].Name != "Ashish Vaswani" {
		t.Errorf("Expected two authors, got %v", first.Authors)
	}
	expectedCats := []string{"cs.CL", "cs.LG"}
	if !reflect.DeepEqual(first.FieldsOfStudy, expectedCats) {
		t.Errorf("Expected de-duplicated categories %v, got %v", expectedCats, first.FieldsOfStudy)
	}
	if first.OpenAccessPDF != "http://arxiv.org/pdf/1706.03762v5" {
		t.Errorf("Expected pdf link, got %q", first.OpenAccessPDF)
	}
	if !first.IsOpenAccess {
		t.Error("Expected arXiv records to be open access")
	}
	if first.Venue != "arXiv" {
		t.Errorf("Expected venue arXiv, got %q", first.Venue)
	}
	if first.Year != 2017 {
		t.Errorf("Expected year from published date, got %d", first.Year)
	}

	second := page.Papers[1]
	if second.PaperID != "arxiv:2001.00001" {
		t.Errorf("Expected arXiv-derived id, got %q", second.PaperID)
	}

	if !page.End {
		t.Error("Expected End: 2 of 2 results returned")
	}
	if page.Total != 2 {
		t.Errorf("Expected total 2, got %d", page.Total)
	}
}

func TestArxivDateFiltering(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(arxivFixture))
	}))
	defer server.Close()

	adapter, _ := NewArxiv(Options{})
	adapter.baseURL = server.URL

	page, err := adapter.Search(context.Background(), SearchRequest{
		Query: "attention",
		Dates: DateRange{End: time.Date(2018, 12, 31, 0, 0, 0, 0, time.UTC)},
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(page.Papers) != 1 {
		t.Fatalf("Expected the 2020 entry filtered out, got %d papers", len(page.Papers))
	}
	if page.Papers[0].Year != 2017 {
		t.Errorf("Expected the 2017 entry to survive, got year %d", page.Papers[0].Year)
	}
	if !page.End {
		t.Error("Expected End even though entries were filtered")
	}
}

func TestArxivStartCursor(t *testing.T) {
	var params url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		params = r.URL.Query()
		w.Write([]byte(`<?xml version="1.0"?><feed xmlns="http://www.w3.org/2005/Atom" xmlns:opensearch="http://a9.com/-/spec/opensearch/1.1/"><opensearch:totalResults>500</opensearch:totalResults></feed>`))
	}))
	defer server.Close()

	adapter, _ := NewArxiv(Options{})
	adapter.baseURL = server.URL

	page, err := adapter.Search(context.Background(), SearchRequest{Query: "q", Cursor: "100"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if params.Get("start") != "100" {
		t.Errorf("Expected start 100 from cursor, got %q", params.Get("start"))
	}
	if !page.End {
		t.Error("Expected End on empty entry list")
	}
}

func TestBuildCategoryQuery(t *testing.T) {
	tests := []struct {
		query      string
		categories []string
		expected   string
	}{
		{"attention", nil, "attention"},
		{"", []string{"cs.AI"}, "cat:cs.AI"},
		{"attention", []string{"cs.AI", "cs.LG"}, "(cat:cs.AI OR cat:cs.LG) AND (attention)"},
	}
	for _, tt := range tests {
		if got := BuildCategoryQuery(tt.query, tt.categories); got != tt.expected {
			t.Errorf("BuildCategoryQuery(%q, %v) = %q, expected %q", tt.query, tt.categories, got, tt.expected)
		}
	}
}
