package sources

import (
	"sort"
	"strings"
)

// s2MaxQueryTerms caps query length for Semantic Scholar, whose relevance
// search degrades sharply past a few terms.
const s2MaxQueryTerms = 4

// TermSet holds the vocabulary a systematic search is generated from.
// Core terms carry the topic; method and context terms narrow it.
type TermSet struct {
	Core    []string
	Method  []string
	Context []string
}

// CorePairs returns one query per unordered pair of core terms. Pairing
// keeps each query broad while still anchoring two concepts.
func CorePairs(terms []string) []string {
	var queries []string
	for i := 0; i < len(terms); i++ {
		for j := i + 1; j < len(terms); j++ {
			queries = append(queries, terms[i]+" "+terms[j])
		}
	}
	return queries
}

// Augment extends each core query with combinations of up to
// maxAugmentations augmentation terms. The unaugmented core query is
// always included.
func Augment(coreQueries, augmentationTerms []string, maxAugmentations int) []string {
	var queries []string
	for _, core := range coreQueries {
		queries = append(queries, core)
		if len(augmentationTerms) == 0 {
			continue
		}
		k := maxAugmentations
		if k > len(augmentationTerms) {
			k = len(augmentationTerms)
		}
		for _, combo := range combinations(augmentationTerms, k) {
			queries = append(queries, core+" "+strings.Join(combo, " "))
		}
	}
	return queries
}

// SystematicQueries generates the full sorted, de-duplicated query set for
// a term vocabulary: core pairs plus method- and context-augmented
// variants.
func SystematicQueries(terms TermSet, includeAugmented bool) []string {
	seen := make(map[string]struct{})
	add := func(qs []string) {
		for _, q := range qs {
			seen[q] = struct{}{}
		}
	}

	corePairs := CorePairs(terms.Core)
	add(corePairs)
	if includeAugmented {
		if len(terms.Method) > 0 {
			add(Augment(corePairs, terms.Method, 2))
		}
		if len(terms.Context) > 0 {
			add(Augment(corePairs, terms.Context, 2))
		}
	}

	queries := make([]string, 0, len(seen))
	for q := range seen {
		queries = append(queries, q)
	}
	sort.Strings(queries)
	return queries
}

// OptimizeForSource adjusts a query to a source's sweet spot. Currently
// only Semantic Scholar needs trimming.
func OptimizeForSource(query, source string) string {
	if source == SourceSemanticScholar {
		terms := strings.Fields(query)
		if len(terms) > s2MaxQueryTerms {
			return strings.Join(terms[:s2MaxQueryTerms], " ")
		}
	}
	return query
}

// combinations returns all k-element subsets of items, preserving input
// order within each subset.
func combinations(items []string, k int) [][]string {
	if k <= 0 || k > len(items) {
		return nil
	}
	var result [][]string
	indices := make([]int, k)
	for i := range indices {
		indices[i] = i
	}
	for {
		combo := make([]string, k)
		for i, idx := range indices {
			combo[i] = items[idx]
		}
		result = append(result, combo)

		i := k - 1
		for i >= 0 && indices[i] == len(items)-k+i {
			i--
		}
		if i < 0 {
			return result
		}
		indices[i]++
		for j := i + 1; j < k; j++ {
			indices[j] = indices[j-1] + 1
		}
	}
}
