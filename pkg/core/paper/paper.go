// Package paper defines the record types that flow through the acquisition
// pipeline. A Paper is a value: adapters construct one per source record,
// the cache stores it as JSON, and the deduplicator consumes snapshots.
// Validation happens when a record is finalized and again when it crosses
// the cache boundary.
package paper

import (
	"errors"
	"fmt"
	"time"

	"github.com/papertrawl/papertrawl/pkg/core/ident"
)

// Publication years outside this window are rejected as corrupt metadata.
const MinYear = 1500

// ErrInvalidRecord is wrapped by every validation failure so callers can
// classify record-shape problems without string matching.
var ErrInvalidRecord = errors.New("invalid paper record")

// Author is one entry in a paper's ordered author list.
type Author struct {
	Name        string `json:"name"`
	AuthorID    string `json:"author_id,omitempty"`
	ORCID       string `json:"orcid,omitempty"`
	Affiliation string `json:"affiliation,omitempty"`
}

// Provenance records where a paper came from: the source database, the
// query that surfaced it, and when it was retrieved.
type Provenance struct {
	Database    string    `json:"database"`
	Query       string    `json:"query"`
	RetrievedAt time.Time `json:"retrieved_at"`
	Page        int       `json:"page,omitempty"`
	Cursor      string    `json:"cursor,omitempty"`
}

// Paper is a single scholarly record normalized from a source's native
// shape. PaperID is derived deterministically (see ident.DerivePaperID) so
// the same work maps to the same id regardless of which source returned it.
type Paper struct {
	PaperID                  string            `json:"paper_id"`
	DOI                      string            `json:"doi,omitempty"`
	ArxivID                  string            `json:"arxiv_id,omitempty"`
	Title                    string            `json:"title"`
	TitleHash                string            `json:"title_hash,omitempty"`
	Abstract                 string            `json:"abstract,omitempty"`
	Authors                  []Author          `json:"authors,omitempty"`
	Year                     int               `json:"year,omitempty"`
	PublicationDate          time.Time         `json:"publication_date,omitempty"`
	Venue                    string            `json:"venue,omitempty"`
	Publisher                string            `json:"publisher,omitempty"`
	FieldsOfStudy            []string          `json:"fields_of_study,omitempty"`
	Keywords                 []string          `json:"keywords,omitempty"`
	CitationCount            int               `json:"citation_count"`
	InfluentialCitationCount int               `json:"influential_citation_count,omitempty"`
	ReferenceCount           int               `json:"reference_count,omitempty"`
	IsOpenAccess             bool              `json:"is_open_access,omitempty"`
	OpenAccessPDF            string            `json:"open_access_pdf,omitempty"`
	ExternalIDs              map[string]string `json:"external_ids,omitempty"`
	Source                   Provenance        `json:"source"`
}

// Finalize canonicalizes identifiers, fills derived fields, and validates
// the result. Adapters call it on every record before handing it back.
func (p *Paper) Finalize() error {
	if doi, ok := ident.NormalizeDOI(p.DOI); ok {
		p.DOI = doi
	} else {
		p.DOI = ""
	}
	p.ArxivID = ident.NormalizeArxivID(p.ArxivID)
	p.Abstract = ident.CleanAbstract(p.Abstract)
	if p.Year == 0 && !p.PublicationDate.IsZero() {
		p.Year = p.PublicationDate.Year()
	}
	if p.Title != "" {
		p.TitleHash = ident.TitleHash(p.Title)
	}
	if p.PaperID == "" {
		id, err := ident.DerivePaperID(p.DOI, p.ArxivID, p.Title, p.Year, p.FirstAuthor())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		p.PaperID = id
	}
	return p.Validate()
}

// Validate checks the record invariants: a stable id, at least one of
// {DOI, arXiv id, (title, year)}, and a plausible publication year.
func (p *Paper) Validate() error {
	if p.PaperID == "" {
		return fmt.Errorf("%w: missing paper_id", ErrInvalidRecord)
	}
	if p.DOI == "" && p.ArxivID == "" && (ident.NormalizeTitle(p.Title) == "" || p.Year == 0) {
		return fmt.Errorf("%w: no DOI, arXiv id, or (title, year)", ErrInvalidRecord)
	}
	if p.Year != 0 {
		if max := time.Now().Year() + 1; p.Year < MinYear || p.Year > max {
			return fmt.Errorf("%w: year %d outside [%d, %d]", ErrInvalidRecord, p.Year, MinYear, max)
		}
	}
	return nil
}

// FirstAuthor returns the name of the first listed author, or "".
func (p *Paper) FirstAuthor() string {
	if len(p.Authors) == 0 {
		return ""
	}
	return p.Authors[0].Name
}

// HasDOI reports whether the record carries a canonical DOI.
func (p *Paper) HasDOI() bool { return p.DOI != "" }

// HasArxivID reports whether the record carries a canonical arXiv id.
func (p *Paper) HasArxivID() bool { return p.ArxivID != "" }

// CompletenessScore counts the populated metadata fields among abstract,
// venue, authors, year, open-access PDF, and fields-of-study. Higher means
// a richer record.
func (p *Paper) CompletenessScore() int {
	score := 0
	if p.Abstract != "" {
		score++
	}
	if p.Venue != "" {
		score++
	}
	if len(p.Authors) > 0 {
		score++
	}
	if p.Year != 0 {
		score++
	}
	if p.OpenAccessPDF != "" {
		score++
	}
	if len(p.FieldsOfStudy) > 0 {
		score++
	}
	return score
}

// Clone returns a deep copy so a merged canonical record never aliases the
// slices or maps of its cluster members.
func (p *Paper) Clone() *Paper {
	out := *p
	if p.Authors != nil {
		out.Authors = make([]Author, len(p.Authors))
		copy(out.Authors, p.Authors)
	}
	if p.FieldsOfStudy != nil {
		out.FieldsOfStudy = append([]string(nil), p.FieldsOfStudy...)
	}
	if p.Keywords != nil {
		out.Keywords = append([]string(nil), p.Keywords...)
	}
	if p.ExternalIDs != nil {
		out.ExternalIDs = make(map[string]string, len(p.ExternalIDs))
		for k, v := range p.ExternalIDs {
			out.ExternalIDs[k] = v
		}
	}
	return &out
}
