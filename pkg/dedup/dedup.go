// Package dedup collapses a combined result set into canonical records.
// Three passes run in order: exact DOI, exact arXiv id, then fuzzy title
// matching within a publication year. A record claimed by an earlier pass
// does not participate in later ones. The deduplicator is pure: it performs
// no I/O, never mutates its input, and the same input always produces the
// same output.
package dedup

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/papertrawl/papertrawl/pkg/core/ident"
	"github.com/papertrawl/papertrawl/pkg/core/paper"
	"github.com/papertrawl/papertrawl/pkg/resilience"
)

// DefaultThreshold is the minimum token-set similarity for a fuzzy title
// match.
const DefaultThreshold = 0.90

// Match kinds, one per pass.
const (
	MatchDOI        = "doi"
	MatchArxiv      = "arxiv"
	MatchFuzzyTitle = "fuzzy-title"
)

// Cluster reports one group of records judged to be the same work. Size
// counts merged records, which can exceed the distinct ids when the same
// work arrived from several sources under one derived paper_id.
type Cluster struct {
	CanonicalID  string   `json:"canonical_id"`
	DuplicateIDs []string `json:"duplicate_ids,omitempty"`
	MatchKind    string   `json:"match_kind"`
	Confidence   float64  `json:"confidence"`
	Size         int      `json:"size"`
}

// Result is the full deduplication outcome. Every input paper_id appears
// exactly once as a DuplicateMap key, mapping to itself when the record is
// canonical or a singleton.
type Result struct {
	Papers       []paper.Paper     `json:"papers"`
	DuplicateMap map[string]string `json:"duplicate_map"`
	Clusters     []Cluster         `json:"clusters,omitempty"`
}

// Deduplicator holds the fuzzy threshold. Zero value is not usable; use New.
type Deduplicator struct {
	threshold float64
	log       *logrus.Logger
}

// New creates a deduplicator. A threshold outside (0, 1] falls back to
// DefaultThreshold; a nil logger falls back to the standard one.
func New(threshold float64, logger *logrus.Logger) *Deduplicator {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Deduplicator{threshold: threshold, log: logger}
}

// group is one pending cluster: record indices into the input slice.
type group struct {
	indices    []int
	kind       string
	confidence float64
}

// Deduplicate clusters the input and returns canonical records, the
// id-to-canonical map, and the clusters. Malformed records are rejected
// before any clustering happens.
func (d *Deduplicator) Deduplicate(records []paper.Paper) (Result, error) {
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return Result{}, resilience.NewError(resilience.KindValidation, "",
				fmt.Errorf("record %d (%q): %w", i, records[i].PaperID, err))
		}
	}

	claimed := make([]bool, len(records))
	var groups []group
	groups = appendExactGroups(groups, records, claimed, MatchDOI, func(p *paper.Paper) string {
		norm, _ := ident.NormalizeDOI(p.DOI)
		return norm
	})
	groups = appendExactGroups(groups, records, claimed, MatchArxiv, func(p *paper.Paper) string {
		return ident.NormalizeArxivID(p.ArxivID)
	})
	groups = d.appendFuzzyGroups(groups, records, claimed)

	result := Result{DuplicateMap: make(map[string]string, len(records))}

	type entry struct {
		firstIdx  int
		canonical paper.Paper
	}
	entries := make([]entry, 0, len(records))

	for _, g := range groups {
		canonical, cluster := buildCluster(records, g)
		result.Clusters = append(result.Clusters, cluster)

		first := g.indices[0]
		for _, idx := range g.indices {
			if idx < first {
				first = idx
			}
			result.DuplicateMap[records[idx].PaperID] = cluster.CanonicalID
		}
		entries = append(entries, entry{firstIdx: first, canonical: canonical})
	}
	for i := range records {
		if claimed[i] {
			continue
		}
		entries = append(entries, entry{firstIdx: i, canonical: records[i]})
		result.DuplicateMap[records[i].PaperID] = records[i].PaperID
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].firstIdx < entries[j].firstIdx })
	result.Papers = make([]paper.Paper, len(entries))
	for i, e := range entries {
		result.Papers[i] = e.canonical
	}

	d.log.WithFields(logrus.Fields{
		"input":    len(records),
		"output":   len(result.Papers),
		"clusters": len(result.Clusters),
	}).Info("deduplication complete")
	return result, nil
}

// appendExactGroups groups unclaimed records by an exact key. Groups with
// two or more records claim their members and become clusters with
// confidence 1.0.
func appendExactGroups(groups []group, records []paper.Paper, claimed []bool, kind string, keyOf func(*paper.Paper) string) []group {
	byKey := make(map[string][]int)
	var order []string
	for i := range records {
		if claimed[i] {
			continue
		}
		key := keyOf(&records[i])
		if key == "" {
			continue
		}
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], i)
	}
	for _, key := range order {
		indices := byKey[key]
		if len(indices) < 2 {
			continue
		}
		for _, i := range indices {
			claimed[i] = true
		}
		groups = append(groups, group{indices: indices, kind: kind, confidence: 1.0})
	}
	return groups
}

// appendFuzzyGroups pairs unclaimed records within the same publication
// year (including the unknown-year bucket) whose titles meet the
// similarity threshold, merged transitively. A component's confidence is
// the weakest pairwise similarity that joined it.
func (d *Deduplicator) appendFuzzyGroups(groups []group, records []paper.Paper, claimed []bool) []group {
	byYear := make(map[int][]int)
	var yearOrder []int
	sets := make(map[int]map[string]struct{})
	for i := range records {
		if claimed[i] {
			continue
		}
		year := records[i].Year
		if _, seen := byYear[year]; !seen {
			yearOrder = append(yearOrder, year)
		}
		byYear[year] = append(byYear[year], i)
		sets[i] = tokenSet(records[i].Title)
	}

	uf := newUnionFind(len(records))
	for _, year := range yearOrder {
		bucket := byYear[year]
		for i := 0; i < len(bucket)-1; i++ {
			for j := i + 1; j < len(bucket); j++ {
				a, b := bucket[i], bucket[j]
				if len(sets[a]) == 0 || len(sets[b]) == 0 {
					continue
				}
				if sim := setSimilarity(sets[a], sets[b]); sim >= d.threshold {
					uf.union(a, b, sim)
				}
			}
		}
	}

	components := make(map[int][]int)
	var rootOrder []int
	for i := range records {
		if claimed[i] {
			continue
		}
		root := uf.find(i)
		if _, seen := components[root]; !seen {
			rootOrder = append(rootOrder, root)
		}
		components[root] = append(components[root], i)
	}
	for _, root := range rootOrder {
		indices := components[root]
		if len(indices) < 2 {
			continue
		}
		for _, i := range indices {
			claimed[i] = true
		}
		groups = append(groups, group{indices: indices, kind: MatchFuzzyTitle, confidence: uf.conf[root]})
	}
	return groups
}

// buildCluster selects the canonical record and merges the rest into it.
func buildCluster(records []paper.Paper, g group) (paper.Paper, Cluster) {
	members := append([]int(nil), g.indices...)
	sort.SliceStable(members, func(i, j int) bool {
		return betterRecord(&records[members[i]], &records[members[j]])
	})

	canonical := records[members[0]].Clone()
	for _, idx := range members[1:] {
		mergeInto(canonical, &records[idx])
	}

	cluster := Cluster{
		CanonicalID: canonical.PaperID,
		MatchKind:   g.kind,
		Confidence:  g.confidence,
		Size:        len(members),
	}
	seen := map[string]bool{canonical.PaperID: true}
	for _, idx := range members[1:] {
		if id := records[idx].PaperID; !seen[id] {
			seen[id] = true
			cluster.DuplicateIDs = append(cluster.DuplicateIDs, id)
		}
	}
	return *canonical, cluster
}

// betterRecord ranks a before b on the canonical-selection tuple: has DOI,
// has arXiv id, citation count, completeness; ties break on earliest
// retrieval, then paper_id.
func betterRecord(a, b *paper.Paper) bool {
	if a.HasDOI() != b.HasDOI() {
		return a.HasDOI()
	}
	if a.HasArxivID() != b.HasArxivID() {
		return a.HasArxivID()
	}
	if a.CitationCount != b.CitationCount {
		return a.CitationCount > b.CitationCount
	}
	if ca, cb := a.CompletenessScore(), b.CompletenessScore(); ca != cb {
		return ca > cb
	}
	at, bt := a.Source.RetrievedAt, b.Source.RetrievedAt
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return a.PaperID < b.PaperID
}

// mergeInto enriches the canonical record from one cluster member: empty
// fields fill in, id maps and subject lists union, and the largest counts
// win.
func mergeInto(dst *paper.Paper, src *paper.Paper) {
	if dst.DOI == "" {
		dst.DOI = src.DOI
	}
	if dst.ArxivID == "" {
		dst.ArxivID = src.ArxivID
	}
	if dst.TitleHash == "" {
		dst.TitleHash = src.TitleHash
	}
	if dst.Abstract == "" {
		dst.Abstract = src.Abstract
	}
	if len(dst.Authors) == 0 && len(src.Authors) > 0 {
		dst.Authors = make([]paper.Author, len(src.Authors))
		copy(dst.Authors, src.Authors)
	}
	if dst.Year == 0 {
		dst.Year = src.Year
	}
	if dst.PublicationDate.IsZero() {
		dst.PublicationDate = src.PublicationDate
	}
	if dst.Venue == "" {
		dst.Venue = src.Venue
	}
	if dst.Publisher == "" {
		dst.Publisher = src.Publisher
	}
	if dst.OpenAccessPDF == "" {
		dst.OpenAccessPDF = src.OpenAccessPDF
	}
	if src.IsOpenAccess {
		dst.IsOpenAccess = true
	}
	if src.CitationCount > dst.CitationCount {
		dst.CitationCount = src.CitationCount
	}
	if src.InfluentialCitationCount > dst.InfluentialCitationCount {
		dst.InfluentialCitationCount = src.InfluentialCitationCount
	}
	if src.ReferenceCount > dst.ReferenceCount {
		dst.ReferenceCount = src.ReferenceCount
	}
	dst.FieldsOfStudy = unionSorted(dst.FieldsOfStudy, src.FieldsOfStudy)
	dst.Keywords = unionSorted(dst.Keywords, src.Keywords)
	if len(src.ExternalIDs) > 0 {
		if dst.ExternalIDs == nil {
			dst.ExternalIDs = make(map[string]string, len(src.ExternalIDs))
		}
		for k, v := range src.ExternalIDs {
			if _, ok := dst.ExternalIDs[k]; !ok {
				dst.ExternalIDs[k] = v
			}
		}
	}
}

func unionSorted(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
