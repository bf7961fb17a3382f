package paper

import "github.com/papertrawl/papertrawl/pkg/core/ident"

// Reference is one edge of the citation input contract: a paper in the
// corpus citing a work identified by DOI. CitedPaperID is filled in when
// the cited work resolves to a corpus member.
type Reference struct {
	CitingPaperID string `json:"citing_paper_id"`
	CitedDOI      string `json:"cited_doi,omitempty"`
	CitedTitle    string `json:"cited_title,omitempty"`
	CitedPaperID  string `json:"cited_paper_id,omitempty"`
	Year          int    `json:"year,omitempty"`
	Source        string `json:"source,omitempty"`
}

// Canonicalize normalizes the cited DOI in place and reports whether the
// reference carries one usable for resolution.
func (r *Reference) Canonicalize() bool {
	doi, ok := ident.NormalizeDOI(r.CitedDOI)
	if !ok {
		r.CitedDOI = ""
		return false
	}
	r.CitedDOI = doi
	return true
}
