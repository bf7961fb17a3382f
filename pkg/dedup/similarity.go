package dedup

import (
	"strings"

	"github.com/papertrawl/papertrawl/pkg/core/ident"
)

// TokenSetSimilarity scores two titles on their normalized word sets using
// the Sørensen-Dice coefficient 2·|A∩B| / (|A|+|B|). Case, punctuation,
// word order, and repetition do not matter; 1.0 means identical sets, 0
// means nothing shared or an empty side.
func TokenSetSimilarity(a, b string) float64 {
	return setSimilarity(tokenSet(a), tokenSet(b))
}

func tokenSet(title string) map[string]struct{} {
	norm := ident.NormalizeTitle(title)
	if norm == "" {
		return nil
	}
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(norm) {
		set[tok] = struct{}{}
	}
	return set
}

func setSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(b) < len(a) {
		a, b = b, a
	}
	shared := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			shared++
		}
	}
	if shared == 0 {
		return 0
	}
	return 2 * float64(shared) / float64(len(a)+len(b))
}

// unionFind merges fuzzy-matched records transitively and tracks the lowest
// pairwise similarity accepted into each component.
type unionFind struct {
	parent []int
	rank   []int
	conf   []float64
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{
		parent: make([]int, n),
		rank:   make([]int, n),
		conf:   make([]float64, n),
	}
	for i := range uf.parent {
		uf.parent[i] = i
		uf.conf[i] = 1.0
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int, confidence float64) {
	ra, rb := u.find(a), u.find(b)
	merged := u.conf[ra]
	if u.conf[rb] < merged {
		merged = u.conf[rb]
	}
	if confidence < merged {
		merged = confidence
	}
	if ra == rb {
		u.conf[ra] = merged
		return
	}
	if u.rank[ra] < u.rank[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	if u.rank[ra] == u.rank[rb] {
		u.rank[ra]++
	}
	u.conf[ra] = merged
}
