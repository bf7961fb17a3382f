// Package enrich resolves reference lists against the acquired corpus.
// Given the canonical papers and a set of citation edges keyed by DOI, it
// fills in which cited works are themselves corpus members, counts
// in-corpus citations per paper, and summarizes how much of the reference
// graph stayed inside the corpus. It never fetches anything and never
// scores anything; the input contract is DOI strings.
package enrich

import (
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sirupsen/logrus"

	"github.com/papertrawl/papertrawl/pkg/core/ident"
	"github.com/papertrawl/papertrawl/pkg/core/paper"
)

// bloomFalsePositiveRate sizes the prefilter. False positives only cost
// one extra map lookup, so 1% keeps the filter small.
const bloomFalsePositiveRate = 0.01

// Stats summarizes one resolution pass.
type Stats struct {
	// TotalReferences is the number of input references, resolvable or not.
	TotalReferences int `json:"total_references"`
	// InCorpusCitations counts references whose cited DOI matched a
	// corpus paper.
	InCorpusCitations int `json:"in_corpus_citations"`
	// ExternalCitations counts the rest: unknown DOIs and references that
	// carry no usable DOI at all.
	ExternalCitations int `json:"external_citations"`
	// CitedPapers is the number of distinct corpus papers that received
	// at least one in-corpus citation.
	CitedPapers int `json:"cited_papers"`
}

// Result is the output of Resolve.
type Result struct {
	// Resolved holds only the references that matched a corpus paper,
	// with CitedPaperID filled in.
	Resolved []paper.Reference `json:"resolved"`
	// InDegree maps a corpus paper id to the number of in-corpus
	// references pointing at it.
	InDegree map[string]int `json:"in_degree"`
	Stats    Stats          `json:"stats"`
}

// Resolver matches cited DOIs against a fixed corpus. The corpus is
// indexed once at construction; Resolve may then be called any number of
// times and from multiple goroutines.
type Resolver struct {
	byDOI  map[string]string
	filter *bloom.BloomFilter
	log    *logrus.Logger
}

// NewResolver indexes the corpus by normalized DOI. Papers without a DOI
// cannot be cited through this contract and are skipped. When two corpus
// papers carry the same DOI the first one wins; a deduplicated corpus
// never has two.
func NewResolver(corpus []paper.Paper, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	byDOI := make(map[string]string)
	for i := range corpus {
		doi, ok := ident.NormalizeDOI(corpus[i].DOI)
		if !ok {
			continue
		}
		if _, exists := byDOI[doi]; exists {
			logger.WithField("doi", doi).Warn("duplicate DOI in corpus, keeping first")
			continue
		}
		byDOI[doi] = corpus[i].PaperID
	}

	// Most cited works live outside any given corpus, so a membership
	// prefilter rejects the bulk of lookups before they touch the index.
	capacity := uint(len(byDOI))
	if capacity == 0 {
		capacity = 1
	}
	filter := bloom.NewWithEstimates(capacity, bloomFalsePositiveRate)
	for doi := range byDOI {
		filter.AddString(doi)
	}

	logger.WithFields(logrus.Fields{
		"papers":   len(corpus),
		"with_doi": len(byDOI),
	}).Debug("reference resolver indexed corpus")

	return &Resolver{byDOI: byDOI, filter: filter, log: logger}
}

// Size returns the number of indexed DOIs.
func (r *Resolver) Size() int {
	return len(r.byDOI)
}

// Resolve matches each reference's cited DOI against the corpus. The
// input is not modified; resolved references are returned as copies with
// CitedPaperID set.
func (r *Resolver) Resolve(refs []paper.Reference) Result {
	result := Result{
		InDegree: make(map[string]int),
		Stats:    Stats{TotalReferences: len(refs)},
	}

	for _, ref := range refs {
		if !ref.Canonicalize() {
			result.Stats.ExternalCitations++
			continue
		}
		if !r.filter.TestString(ref.CitedDOI) {
			result.Stats.ExternalCitations++
			continue
		}
		id, ok := r.byDOI[ref.CitedDOI]
		if !ok {
			// Bloom false positive.
			result.Stats.ExternalCitations++
			continue
		}

		ref.CitedPaperID = id
		result.Resolved = append(result.Resolved, ref)
		result.InDegree[id]++
		result.Stats.InCorpusCitations++
	}

	result.Stats.CitedPapers = len(result.InDegree)

	r.log.WithFields(logrus.Fields{
		"references": result.Stats.TotalReferences,
		"in_corpus":  result.Stats.InCorpusCitations,
		"external":   result.Stats.ExternalCitations,
	}).Debug("references resolved")

	return result
}
