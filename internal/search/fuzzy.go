package search

import (
	"context"
	"fmt"
	"sort"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
)

// fuzzyMatch looks for the wordlist term closest to kw among the terms that
// share its first PrefixLength runes. It returns false when none is within
// MaxDistance.
func fuzzyMatch(ctx context.Context, store *sqlstore.Client, table, kw string, cfg config.FuzzyConfig) (term, bool, error) {
	runes := []rune(kw)
	prefixLen := cfg.PrefixLength
	if prefixLen <= 0 {
		prefixLen = 2
	}
	if len(runes) < prefixLen {
		return term{}, false, nil
	}
	limit := cfg.MaxExpansions
	if limit <= 0 {
		limit = 50
	}
	candidates, err := queryTerms(ctx, store, fmt.Sprintf(
		`SELECT id, term, hit_count FROM %s WHERE term LIKE ? ESCAPE '\' ORDER BY hit_count DESC, term LIMIT %d`,
		sqlstore.QuoteIdent(table), limit), sqlstore.EscapeLike(string(runes[:prefixLen]))+"%")
	if err != nil {
		return term{}, false, err
	}
	ranked := rankCandidates(kw, candidates, cfg.MaxDistance)
	if len(ranked) == 0 {
		return term{}, false, nil
	}
	return ranked[0], true, nil
}

// rankCandidates keeps candidates within maxDistance of kw, closest first and
// then by hit count.
func rankCandidates(kw string, candidates []term, maxDistance int) []term {
	if maxDistance <= 0 {
		maxDistance = 1
	}
	type scored struct {
		term
		dist int
	}
	var kept []scored
	for _, c := range candidates {
		if d := Levenshtein(kw, c.Term); d <= maxDistance {
			kept = append(kept, scored{term: c, dist: d})
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].dist != kept[j].dist {
			return kept[i].dist < kept[j].dist
		}
		return kept[i].HitCount > kept[j].HitCount
	})
	out := make([]term, len(kept))
	for i, k := range kept {
		out[i] = k.term
	}
	return out
}

// Levenshtein returns the edit distance between a and b in runes.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
