package paper

import (
	"errors"
	"testing"
	"time"
)

func TestFinalizeDerivesFields(t *testing.T) {
	p := &Paper{
		DOI:             "https://doi.org/10.1145/3442188.3445922",
		ArxivID:         "arXiv:2101.00001v3",
		Title:           "On the Dangers of Stochastic Parrots",
		Abstract:        "  a\n\nmessy   abstract ",
		PublicationDate: time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC),
		Authors:         []Author{{Name: "Emily Bender"}},
	}

	if err := p.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if p.DOI != "10.1145/3442188.3445922" {
		t.Errorf("DOI not canonicalized: %q", p.DOI)
	}
	if p.ArxivID != "2101.00001" {
		t.Errorf("arXiv id not canonicalized: %q", p.ArxivID)
	}
	if p.Year != 2021 {
		t.Errorf("year not filled from publication date: %d", p.Year)
	}
	if p.Abstract != "a messy abstract" {
		t.Errorf("abstract not cleaned: %q", p.Abstract)
	}
	if p.PaperID != "doi:10.1145/3442188.3445922" {
		t.Errorf("paper id not derived from DOI: %q", p.PaperID)
	}
	if p.TitleHash == "" {
		t.Error("title hash not computed")
	}
}

func TestFinalizeDropsInvalidDOI(t *testing.T) {
	p := &Paper{DOI: "not-a-doi", ArxivID: "2103.12345", Title: "x"}
	if err := p.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if p.DOI != "" {
		t.Errorf("invalid DOI should be cleared, got %q", p.DOI)
	}
	if p.PaperID != "arxiv:2103.12345" {
		t.Errorf("expected arxiv-derived id, got %q", p.PaperID)
	}
}

func TestValidateRejectsBareRecord(t *testing.T) {
	p := &Paper{Title: "Only a Title"}
	err := p.Finalize()
	if err == nil {
		t.Fatal("expected finalize to reject record with no identifiers and no year")
	}
	if !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("error should wrap ErrInvalidRecord, got %v", err)
	}
}

func TestValidateTitleYearSuffices(t *testing.T) {
	p := &Paper{Title: "A Title", Year: 2019, Authors: []Author{{Name: "Ada Lovelace"}}}
	if err := p.Finalize(); err != nil {
		t.Fatalf("title+year record should be valid: %v", err)
	}
	if p.PaperID == "" {
		t.Error("expected derived paper id")
	}
}

func TestValidateYearBounds(t *testing.T) {
	tests := []struct {
		year    int
		wantErr bool
	}{
		{1499, true},
		{1500, false},
		{time.Now().Year() + 1, false},
		{time.Now().Year() + 2, true},
	}
	for _, tt := range tests {
		p := &Paper{DOI: "10.1000/182", Title: "t", Year: tt.year}
		err := p.Finalize()
		if (err != nil) != tt.wantErr {
			t.Errorf("year %d: error = %v, wantErr %v", tt.year, err, tt.wantErr)
		}
	}
}

func TestCompletenessScore(t *testing.T) {
	empty := &Paper{}
	if got := empty.CompletenessScore(); got != 0 {
		t.Errorf("empty paper score = %d, want 0", got)
	}

	full := &Paper{
		Abstract:      "a",
		Venue:         "NeurIPS",
		Authors:       []Author{{Name: "x"}},
		Year:          2020,
		OpenAccessPDF: "https://example.org/p.pdf",
		FieldsOfStudy: []string{"cs"},
	}
	if got := full.CompletenessScore(); got != 6 {
		t.Errorf("full paper score = %d, want 6", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := &Paper{
		PaperID:     "doi:10.1/x",
		Authors:     []Author{{Name: "a"}},
		ExternalIDs: map[string]string{"openalex": "W1"},
	}
	cp := orig.Clone()
	cp.Authors[0].Name = "b"
	cp.ExternalIDs["s2"] = "abc"

	if orig.Authors[0].Name != "a" {
		t.Error("clone shares authors slice")
	}
	if _, ok := orig.ExternalIDs["s2"]; ok {
		t.Error("clone shares external id map")
	}
}

func TestReferenceCanonicalize(t *testing.T) {
	r := &Reference{CitingPaperID: "doi:10.1/x", CitedDOI: "https://doi.org/10.1000/182"}
	if !r.Canonicalize() {
		t.Fatal("expected usable DOI")
	}
	if r.CitedDOI != "10.1000/182" {
		t.Errorf("cited DOI not normalized: %q", r.CitedDOI)
	}

	bad := &Reference{CitedDOI: "garbage"}
	if bad.Canonicalize() {
		t.Error("expected canonicalize to reject garbage DOI")
	}
	if bad.CitedDOI != "" {
		t.Errorf("garbage DOI should be cleared, got %q", bad.CitedDOI)
	}
}
