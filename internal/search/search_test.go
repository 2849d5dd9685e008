package search

import (
	"context"
	"math"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/source"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/text"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prefix = "cs_"

type catalog struct {
	t        testing.TB
	db       *sqlstore.Client
	pipeline *text.Pipeline
	session  *index.Session
	indexer  *indexer.Indexer
}

func newCatalog(t testing.TB) *catalog {
	t.Helper()
	p, err := text.NewPipeline(config.IndexConfig{Stemmer: "suffix", StopWords: []string{"a", "the"}})
	require.NoError(t, err)
	db := sqlstore.OpenTest(t)
	parts := index.Partitions([]string{"en"}, []string{"product", "post"})
	require.NoError(t, index.Tables{Prefix: prefix}.Create(context.Background(), db, db.DB, index.Main, parts))
	return &catalog{
		t:        t,
		db:       db,
		pipeline: p,
		session:  index.NewSession(db, prefix, index.Main, "en"),
		indexer:  indexer.New(p),
	}
}

func (c *catalog) add(docs ...source.Document) *catalog {
	c.t.Helper()
	ctx := context.Background()
	for _, doc := range docs {
		if doc.Subtype == "" {
			doc.Subtype = "product"
		}
		doc.Lang = "en"
		_, err := c.indexer.Insert(ctx, c.session, c.db.DB, doc)
		require.NoError(c.t, err)
		require.NoError(c.t, indexer.ReadableWriter{}.Put(ctx, c.session, c.db.DB, doc))
	}
	return c
}

func (c *catalog) addTerm(terms ...source.TaxonomyTerm) *catalog {
	c.t.Helper()
	for _, term := range terms {
		require.NoError(c.t, indexer.TaxonomyWriter{Pipeline: c.pipeline}.Put(context.Background(), c.session, c.db.DB, term))
	}
	return c
}

func (c *catalog) addVariation(vs ...source.Variation) *catalog {
	c.t.Helper()
	for _, v := range vs {
		require.NoError(c.t, indexer.VariationWriter{}.Put(context.Background(), c.session, c.db.DB, v))
	}
	return c
}

func searchConfig() config.SearchConfig {
	return config.SearchConfig{
		DefaultLimit:   10,
		MaxResults:     100,
		ExactMaxLength: 3,
		RestrictLimit:  500,
		Scorer:         ScorerHits,
		DefaultLang:    "en",
		DefaultSubtype: "product",
		VendorTaxonomy: "vendor",
		TotalLimit:     10,
	}
}

func (c *catalog) engine(cfg config.SearchConfig, opts ...Option) *Engine {
	c.t.Helper()
	e, err := New(c.db, prefix, cfg, c.pipeline, opts...)
	require.NoError(c.t, err)
	return e
}

func shoes(t *testing.T) *catalog {
	return newCatalog(t).add(
		source.Document{ID: 1, Name: "Red shoes"},
		source.Document{ID: 2, Name: "Blue shoes"},
	)
}

func TestRedBlueShoes(t *testing.T) {
	ctx := context.Background()
	e := shoes(t).engine(searchConfig())

	assert.Equal(t, []int64{1, 2}, e.Search(ctx, Query{Phrase: "shoes"}).IDs)
	assert.Equal(t, []int64{1}, e.Search(ctx, Query{Phrase: "red shoes"}).IDs)
	assert.Empty(t, e.Search(ctx, Query{Phrase: "red boots"}).IDs)
	assert.Empty(t, e.Search(ctx, Query{Phrase: "   "}).IDs)
}

func TestFuzzyFallback(t *testing.T) {
	ctx := context.Background()
	c := shoes(t)
	cfg := searchConfig()

	assert.Empty(t, c.engine(cfg).Search(ctx, Query{Phrase: "shoo"}).IDs)

	cfg.Fuzzy = config.FuzzyConfig{Enabled: true, PrefixLength: 2, MaxExpansions: 50, MaxDistance: 1}
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	res := c.engine(cfg, WithMetrics(m)).Search(ctx, Query{Phrase: "shoo"})
	assert.Equal(t, []int64{1, 2}, res.IDs)
	assert.Equal(t, map[string]string{"shoo": "shoe"}, res.Fuzzy)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FuzzyExpansionsTotal))

	assert.Empty(t, c.engine(cfg).Search(ctx, Query{Phrase: "shxxx"}).IDs)
}

func TestPhraseResultsAreSubsetOfKeywordResults(t *testing.T) {
	ctx := context.Background()
	e := newCatalog(t).add(
		source.Document{ID: 1, Name: "Red running shoes"},
		source.Document{ID: 2, Name: "Red hat"},
		source.Document{ID: 3, Name: "Trail running shoes"},
		source.Document{ID: 4, Name: "Wool socks", Description: "for running"},
	).engine(searchConfig())

	phrase := e.Search(ctx, Query{Phrase: "red running shoes"}).IDs
	require.Equal(t, []int64{1}, phrase)
	for _, kw := range []string{"red", "running", "shoes"} {
		assert.Subset(t, e.Search(ctx, Query{Phrase: kw}).IDs, phrase, kw)
	}
	assert.ElementsMatch(t, e.Search(ctx, Query{Phrase: "running shoes"}).IDs,
		e.Search(ctx, Query{Phrase: "shoes running"}).IDs)
}

func TestRestrictedAndUnrestrictedResolutionAgree(t *testing.T) {
	ctx := context.Background()
	c := newCatalog(t)
	for id := int64(1); id <= 30; id++ {
		name := "plain shirt"
		if id%3 == 0 {
			name = "striped shirt"
		}
		c.add(source.Document{ID: id, Name: name})
	}
	open := searchConfig()
	open.RestrictLimit = 1
	narrow := searchConfig()
	narrow.RestrictLimit = 1000

	want := c.engine(open).Search(ctx, Query{Phrase: "striped shirt", Limit: 100})
	got := c.engine(narrow).Search(ctx, Query{Phrase: "striped shirt", Limit: 100})
	assert.Len(t, want.IDs, 10)
	assert.Equal(t, want.IDs, got.IDs)
	assert.Equal(t, 10, got.Total)
}

func TestLimitKeepsTotal(t *testing.T) {
	ctx := context.Background()
	c := newCatalog(t)
	for id := int64(1); id <= 5; id++ {
		c.add(source.Document{ID: id, Name: "linen shirt"})
	}
	res := c.engine(searchConfig()).Search(ctx, Query{Phrase: "shirt", Limit: 2})
	assert.Equal(t, []int64{1, 2}, res.IDs)
	assert.Equal(t, 5, res.Total)
}

func TestHitsScorerBoostsNameMatches(t *testing.T) {
	ctx := context.Background()
	e := newCatalog(t).add(
		source.Document{ID: 1, Name: "Sandal", Description: "not quite shoes"},
		source.Document{ID: 2, Name: "Trail shoes"},
	).engine(searchConfig())

	res := e.Search(ctx, Query{Phrase: "shoes"})
	require.Len(t, res.Hits, 2)
	assert.Equal(t, int64(2), res.Hits[0].ID)
	assert.Equal(t, float64(1+nameBoost), res.Hits[0].Score)
	assert.Equal(t, float64(1), res.Hits[1].Score)
}

func TestBM25Scorer(t *testing.T) {
	ctx := context.Background()
	cfg := searchConfig()
	cfg.Scorer = ScorerBM25
	e := newCatalog(t).add(
		source.Document{ID: 1, Name: "Red shoes"},
		source.Document{ID: 2, Name: "Blue shoes"},
		source.Document{ID: 3, Name: "Red hat"},
		source.Document{ID: 4, Name: "Green socks"},
	).engine(cfg)

	res := e.Search(ctx, Query{Phrase: "red shoes"})
	require.Len(t, res.Hits, 1)
	assert.Equal(t, int64(1), res.Hits[0].ID)
	assert.InDelta(t, 2*math.Log(4.0/2.0), res.Hits[0].Score, 1e-9)

	res = e.Search(ctx, Query{Phrase: "hat"})
	require.Len(t, res.Hits, 1)
	assert.InDelta(t, math.Log(4.0), res.Hits[0].Score, 1e-9)
}

func TestUnknownScorer(t *testing.T) {
	_, err := LookupScorer("tfidf")
	assert.ErrorIs(t, err, apperrors.ErrUnknownScorer)

	cfg := searchConfig()
	cfg.Scorer = "tfidf"
	_, err = New(nil, prefix, cfg, nil)
	assert.ErrorIs(t, err, apperrors.ErrUnknownScorer)

	assert.Error(t, RegisterScorer(ScorerHits, ScorerFunc(scoreHits)))
}

func TestMissingTablesDegradeToEmpty(t *testing.T) {
	ctx := context.Background()
	c := shoes(t)
	e, err := New(c.db, "absent_", searchConfig(), c.pipeline)
	require.NoError(t, err)

	res := e.Search(ctx, Query{Phrase: "shoes"})
	assert.Empty(t, res.IDs)
	assert.True(t, res.Degraded)

	grouped := e.SearchGrouped(ctx, Query{Phrase: "shoes"})
	assert.Empty(t, grouped.Groups)
}

func TestCachedResolution(t *testing.T) {
	ctx := context.Background()
	c := shoes(t)
	parts := index.Partitions([]string{"en"}, []string{"product"})
	qc := cache.New(cache.NewSQLStore(c.db, prefix), parts, 16, nil)
	cfg := searchConfig()
	cfg.CacheThreshold = 0
	e := c.engine(cfg, WithCache(qc))

	first := e.Search(ctx, Query{Phrase: "shoes"})
	assert.False(t, first.Cached)
	second := e.Search(ctx, Query{Phrase: "shoes"})
	assert.True(t, second.Cached)
	assert.Equal(t, first.IDs, second.IDs)

	ids, ok := qc.Get(ctx, index.Main, index.Partition{Lang: "en", Subtype: "product"}, "shoe*")
	assert.True(t, ok)
	assert.Equal(t, []int64{1, 2}, ids)
}

func TestModeFor(t *testing.T) {
	cases := []struct {
		kw   text.Keyword
		want Mode
	}{
		{text.Keyword{Term: "red", Final: true}, Prefix},
		{text.Keyword{Term: "x"}, Prefix},
		{text.Keyword{Term: "red"}, Exact},
		{text.Keyword{Term: "shoe"}, Substring},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ModeFor(tc.kw, 3), tc.kw.Term)
	}
	assert.Equal(t, "=red", pattern("red", Exact))
	assert.Equal(t, "red*", pattern("red", Prefix))
	assert.Equal(t, "*red*", pattern("red", Substring))
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, Levenshtein("shoe", "shoe"))
	assert.Equal(t, 1, Levenshtein("shoo", "shoe"))
	assert.Equal(t, 3, Levenshtein("kitten", "sitting"))
	assert.Equal(t, 4, Levenshtein("", "boot"))
	assert.Equal(t, 1, Levenshtein("café", "cafe"))
}

func TestRankCandidates(t *testing.T) {
	ranked := rankCandidates("shoo", []term{
		{ID: 1, Term: "shop", HitCount: 2},
		{ID: 2, Term: "shoe", HitCount: 9},
		{ID: 3, Term: "shoot", HitCount: 50},
		{ID: 4, Term: "shovel", HitCount: 99},
	}, 1)
	ids := make([]int64, len(ranked))
	for i, r := range ranked {
		ids[i] = r.ID
	}
	assert.Equal(t, []int64{3, 2, 1}, ids)
}

func groupedCatalog(t *testing.T) *catalog {
	return newCatalog(t).add(
		source.Document{ID: 1, Name: "Red shoes", URL: "/p/red-shoes"},
		source.Document{ID: 2, Name: "Blue shoes"},
		source.Document{ID: 3, Name: "Green shoes"},
		source.Document{ID: 4, Name: "Caring for shoes", Subtype: "post"},
	).addTerm(
		source.TaxonomyTerm{ID: 10, Taxonomy: "category", Name: "Running shoes", URL: "/c/running", Count: 5},
		source.TaxonomyTerm{ID: 11, Taxonomy: "vendor", Name: "Shoe Co", Count: 2},
		source.TaxonomyTerm{ID: 12, Taxonomy: "category", Name: "Hats", Count: 9},
	).addVariation(
		source.Variation{ID: 20, ParentID: 1, Lang: "en", SKU: "RS-42"},
	)
}

func groupConfig() config.SearchConfig {
	cfg := searchConfig()
	cfg.Groups = []config.GroupConfig{
		{Name: "post", Limit: 2, Weight: 40},
		{Name: "product", Limit: 2, Weight: 100},
		{Name: "vendor", Limit: 1, Weight: 60},
		{Name: GroupTaxonomy, Limit: 1, Weight: 80},
	}
	return cfg
}

func groupIDs(res *GroupedResult) map[string][]int64 {
	out := make(map[string][]int64, len(res.Groups))
	for _, g := range res.Groups {
		for _, it := range g.Items {
			out[g.Name] = append(out[g.Name], it.ID)
		}
	}
	return out
}

func groupNames(res *GroupedResult) []string {
	names := make([]string, len(res.Groups))
	for i, g := range res.Groups {
		names[i] = g.Name
	}
	return names
}

func TestSearchGroupedFixedLimits(t *testing.T) {
	ctx := context.Background()
	res := groupedCatalog(t).engine(groupConfig()).SearchGrouped(ctx, Query{Phrase: "shoes"})

	assert.Equal(t, []string{"product", GroupTaxonomy, "vendor", "post"}, groupNames(res))
	assert.Equal(t, map[string][]int64{
		"product":     {1, 2},
		GroupTaxonomy: {10},
		"vendor":      {11},
		"post":        {4},
	}, groupIDs(res))
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, "Red shoes", res.Groups[0].Items[0].Title)
	assert.Equal(t, "/p/red-shoes", res.Groups[0].Items[0].URL)
	assert.Equal(t, "/c/running", res.Groups[1].Items[0].URL)
}

func TestSearchGroupedUnsetLimitFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	cfg := groupConfig()
	cfg.Groups[1].Limit = 0
	res := groupedCatalog(t).engine(cfg).SearchGrouped(ctx, Query{Phrase: "shoes"})

	assert.Equal(t, "product", res.Groups[0].Name)
	assert.ElementsMatch(t, []int64{1, 2, 3}, groupIDs(res)["product"])
}

func TestSearchGroupedFlexibleLimits(t *testing.T) {
	ctx := context.Background()
	cfg := groupConfig()
	cfg.FlexibleLimits = true
	cfg.TotalLimit = 3
	res := groupedCatalog(t).engine(cfg).SearchGrouped(ctx, Query{Phrase: "shoes"})

	assert.Equal(t, map[string][]int64{
		"product":     {1},
		GroupTaxonomy: {10},
		"vendor":      {11},
	}, groupIDs(res))
	assert.Equal(t, 3, res.Total)
}

func TestSearchGroupedAddsVariationParents(t *testing.T) {
	ctx := context.Background()
	c := groupedCatalog(t)

	res := c.engine(groupConfig()).SearchGrouped(ctx, Query{Phrase: "RS-42"})
	assert.Empty(t, res.Groups)

	res = c.engine(groupConfig(), WithVariationSKU(true)).SearchGrouped(ctx, Query{Phrase: "RS-42"})
	require.Len(t, res.Groups, 1)
	assert.Equal(t, "product", res.Groups[0].Name)
	require.Len(t, res.Groups[0].Items, 1)
	assert.Equal(t, int64(1), res.Groups[0].Items[0].ID)
	assert.Equal(t, "Red shoes", res.Groups[0].Items[0].Title)
}

func TestFlexibleLimitsTrimsLargestLightestFirst(t *testing.T) {
	items := func(n int) []Item { return make([]Item, n) }
	groups := FlexibleLimits([]Group{
		{Name: "a", Weight: 100, Items: items(4)},
		{Name: "b", Weight: 50, Items: items(4)},
		{Name: "c", Weight: 10, Items: items(1)},
	}, 6)
	assert.Len(t, groups[0].Items, 3)
	assert.Len(t, groups[1].Items, 2)
	assert.Len(t, groups[2].Items, 1)

	groups = FlexibleLimits([]Group{{Name: "a", Items: items(2)}}, 5)
	assert.Len(t, groups[0].Items, 2)
}
