package search

import (
	"context"
	"fmt"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/source"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
)

var (
	benchColors = []string{"red", "blue", "black", "green", "white"}
	benchItems  = []string{"shoes", "boots", "socks", "jacket", "hat", "dress", "sneakers"}
)

func benchCatalog(b *testing.B, n int) *catalog {
	b.Helper()
	c := newCatalog(b)
	docs := make([]source.Document, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("%s %s %d", benchColors[i%len(benchColors)], benchItems[i%len(benchItems)], i)
		docs = append(docs, source.Document{ID: int64(i + 1), Name: name, Description: "leather " + name})
	}
	return c.add(docs...)
}

func BenchmarkSearch(b *testing.B) {
	for _, n := range []int{100, 1000} {
		c := benchCatalog(b, n)
		for _, scorer := range []string{ScorerHits, ScorerBM25} {
			cfg := searchConfig()
			cfg.Scorer = scorer
			e := c.engine(cfg)
			b.Run(fmt.Sprintf("docs_%d/%s", n, scorer), func(b *testing.B) {
				ctx := context.Background()
				b.ReportAllocs()
				for i := 0; i < b.N; i++ {
					_ = e.Search(ctx, Query{Phrase: "red leather shoes"})
				}
			})
		}
	}
}

func BenchmarkSearchCached(b *testing.B) {
	c := benchCatalog(b, 1000)
	parts := index.Partitions([]string{"en"}, []string{"product", "post"})
	qc := cache.New(cache.NewSQLStore(c.db, prefix), parts, 256, nil)
	cfg := searchConfig()
	cfg.CacheThreshold = 0
	e := c.engine(cfg, WithCache(qc))
	ctx := context.Background()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = e.Search(ctx, Query{Phrase: "leather"})
	}
}

func BenchmarkFuzzyFallback(b *testing.B) {
	c := benchCatalog(b, 1000)
	cfg := searchConfig()
	cfg.Fuzzy.Enabled = true
	cfg.Fuzzy.PrefixLength = 2
	cfg.Fuzzy.MaxExpansions = 50
	cfg.Fuzzy.MaxDistance = 1
	e := c.engine(cfg)
	ctx := context.Background()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = e.Search(ctx, Query{Phrase: "bots"})
	}
}

func BenchmarkLevenshtein(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = Levenshtein("sneakers", "snekaers")
	}
}

func BenchmarkSearchGrouped(b *testing.B) {
	c := benchCatalog(b, 1000)
	cfg := searchConfig()
	cfg.Groups = []config.GroupConfig{
		{Name: "product", Weight: 3, Limit: 5},
		{Name: "post", Weight: 1, Limit: 5},
	}
	cfg.FlexibleLimits = true
	e := c.engine(cfg)
	ctx := context.Background()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = e.SearchGrouped(ctx, Query{Phrase: "blue jacket"})
	}
}
