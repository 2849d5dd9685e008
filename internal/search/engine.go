// Package search answers catalog queries against the main index. A phrase is
// normalized, split into stemmed keywords and resolved keyword by keyword
// against the partition wordlist, narrowing a candidate set until every
// keyword has matched. Failures degrade to an empty result.
package search

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/text"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/tracing"
)

// Query is one search request. Zero fields take the configured defaults.
type Query struct {
	Phrase  string `json:"q"`
	Limit   int    `json:"limit"`
	Lang    string `json:"lang"`
	Subtype string `json:"subtype"`
}

// Result is the outcome of a search. IDs follow Hits order.
type Result struct {
	Query    string            `json:"query"`
	Keywords []string          `json:"keywords"`
	IDs      []int64           `json:"ids"`
	Hits     []Hit             `json:"hits"`
	Total    int               `json:"total"`
	Fuzzy    map[string]string `json:"fuzzy,omitempty"`
	Cached   bool              `json:"cached"`
	Degraded bool              `json:"degraded,omitempty"`
	Took     time.Duration     `json:"-"`
	TookMs   float64           `json:"took_ms"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache memoizes unrestricted keyword resolutions.
func WithCache(c *cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithVariationSKU makes grouped searches add the parents of variations whose
// SKU starts with the phrase.
func WithVariationSKU(enabled bool) Option {
	return func(e *Engine) { e.variationSKU = enabled }
}

// Engine is safe for concurrent use.
type Engine struct {
	store        *sqlstore.Client
	prefix       string
	cfg          config.SearchConfig
	pipeline     *text.Pipeline
	normalizer   *text.Normalizer
	scorer       Scorer
	cache        *cache.Cache
	metrics      *metrics.Metrics
	variationSKU bool
	logger       *slog.Logger
}

// New returns an engine reading the main tables under prefix. The configured
// scorer must be registered.
func New(store *sqlstore.Client, prefix string, cfg config.SearchConfig, pipeline *text.Pipeline, opts ...Option) (*Engine, error) {
	scorer, err := LookupScorer(cfg.Scorer)
	if err != nil {
		return nil, err
	}
	if cfg.Scorer == "" {
		cfg.Scorer = ScorerHits
	}
	e := &Engine{
		store:      store,
		prefix:     prefix,
		cfg:        cfg,
		pipeline:   pipeline,
		normalizer: text.NewNormalizer(cfg.MaxPhraseLength, cfg.Replace, cfg.Remove),
		scorer:     scorer,
		logger:     slog.Default().With("component", "search"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the search settings in use.
func (e *Engine) Config() config.SearchConfig {
	return e.cfg
}

func (e *Engine) defaults(q Query) Query {
	if q.Lang == "" {
		q.Lang = e.cfg.DefaultLang
	}
	if q.Subtype == "" {
		q.Subtype = e.cfg.DefaultSubtype
	}
	if q.Limit <= 0 {
		q.Limit = e.cfg.DefaultLimit
	}
	if e.cfg.MaxResults > 0 && (q.Limit <= 0 || q.Limit > e.cfg.MaxResults) {
		q.Limit = e.cfg.MaxResults
	}
	return q
}

// Search runs q against the main index. It never fails: datastore errors,
// missing tables and unmatched keywords all yield an empty result.
func (e *Engine) Search(ctx context.Context, q Query) *Result {
	start := time.Now()
	q = e.defaults(q)
	ctx, span := tracing.Start(ctx, "search")
	defer span.End()

	res := &Result{Query: q.Phrase, IDs: []int64{}, Hits: []Hit{}}
	keywords := e.pipeline.Keywords(e.normalizer.Normalize(q.Phrase))
	for _, kw := range keywords {
		res.Keywords = append(res.Keywords, kw.Term)
	}
	span.SetAttr("keywords", len(keywords))

	if len(keywords) > 0 {
		s := index.NewSession(e.store, e.prefix, index.Main, q.Lang)
		hits, err := e.rank(ctx, s, q.Subtype, keywords, res)
		if err != nil {
			res.Degraded = true
			if !sqlstore.IsMissingTable(err) {
				e.logger.Warn("search degraded", "query", q.Phrase, "lang", q.Lang, "subtype", q.Subtype, "error", err)
			}
		} else {
			res.Total = len(hits)
			if q.Limit > 0 && len(hits) > q.Limit {
				hits = hits[:q.Limit]
			}
			res.Hits = hits
			for _, h := range hits {
				res.IDs = append(res.IDs, h.ID)
			}
		}
	}

	res.Took = time.Since(start)
	res.TookMs = float64(res.Took.Microseconds()) / 1000
	e.observe(res)
	return res
}

// rank resolves keywords in order, narrowing the candidate set, then scores
// the documents that matched all of them.
func (e *Engine) rank(ctx context.Context, s *index.Session, subtype string, keywords []text.Keyword, res *Result) ([]Hit, error) {
	var candidates map[int64]struct{}
	resolved := make([]Resolved, 0, len(keywords))
	for _, kw := range keywords {
		r, ids, cached, err := e.resolve(ctx, s, subtype, kw, candidates)
		if err != nil {
			return nil, err
		}
		if cached {
			res.Cached = true
		}
		if r.Fuzzy {
			if res.Fuzzy == nil {
				res.Fuzzy = make(map[string]string)
			}
			res.Fuzzy[kw.Term] = r.terms[0].Term
		}
		next := make(map[int64]struct{}, len(ids))
		for _, id := range ids {
			if candidates == nil {
				next[id] = struct{}{}
			} else if _, ok := candidates[id]; ok {
				next[id] = struct{}{}
			}
		}
		if len(next) == 0 {
			return []Hit{}, nil
		}
		candidates = next
		resolved = append(resolved, r)
	}

	ids := make([]int64, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	doclist := s.Doclist(subtype)
	for i := range resolved {
		tf, err := postings(ctx, s.Store, doclist, resolved[i].terms, candidates)
		if err != nil {
			return nil, err
		}
		resolved[i].TF = tf
	}

	ctx, span := tracing.Start(ctx, "score")
	defer span.End()
	span.SetAttr("candidates", len(ids))
	return e.scorer.Score(ctx, ScoreInput{Session: s, Subtype: subtype, Keywords: resolved, Candidates: ids})
}

// resolve matches one keyword and returns the documents containing it. With a
// small enough candidate set the lookup is restricted to it; otherwise the
// resolution goes through the cache.
func (e *Engine) resolve(ctx context.Context, s *index.Session, subtype string, kw text.Keyword,
	candidates map[int64]struct{}) (Resolved, []int64, bool, error) {
	ctx, span := tracing.Start(ctx, "resolve")
	defer span.End()
	span.SetAttr("keyword", kw.Term)

	mode := ModeFor(kw, e.exactMaxLength())
	r := Resolved{Keyword: kw.Term, Mode: mode}
	wordlist := s.Wordlist(subtype)
	terms, err := matchTerms(ctx, s.Store, wordlist, kw.Term, mode)
	if err != nil {
		return r, nil, false, err
	}
	pat := pattern(kw.Term, mode)
	if len(terms) == 0 && e.cfg.Fuzzy.Enabled {
		t, ok, err := fuzzyMatch(ctx, s.Store, wordlist, kw.Term, e.cfg.Fuzzy)
		if err != nil {
			return r, nil, false, err
		}
		if ok {
			terms = []term{t}
			r.Fuzzy = true
			pat = pattern(t.Term, Exact)
			if e.metrics != nil {
				e.metrics.FuzzyExpansionsTotal.Inc()
			}
		}
	}
	r.terms = terms
	span.SetAttr("terms", len(terms))
	if len(terms) == 0 {
		return r, nil, false, nil
	}

	doclist := s.Doclist(subtype)
	if candidates != nil && len(candidates) < e.restrictLimit() {
		tf, err := postings(ctx, s.Store, doclist, terms, candidates)
		if err != nil {
			return r, nil, false, err
		}
		return r, sortedIDs(tf), false, nil
	}

	compute := func(ctx context.Context) ([]int64, error) {
		tf, err := postings(ctx, s.Store, doclist, terms, nil)
		if err != nil {
			return nil, err
		}
		return sortedIDs(tf), nil
	}
	if e.cache == nil {
		ids, err := compute(ctx)
		return r, ids, false, err
	}
	ids, hit, err := e.cache.Resolve(ctx, s.Role, s.Partition(subtype), pat, e.cfg.CacheThreshold, compute)
	span.SetAttr("cached", hit)
	return r, ids, hit, err
}

func (e *Engine) exactMaxLength() int {
	if e.cfg.ExactMaxLength > 0 {
		return e.cfg.ExactMaxLength
	}
	return 3
}

func (e *Engine) restrictLimit() int {
	if e.cfg.RestrictLimit > 0 {
		return e.cfg.RestrictLimit
	}
	return 500
}

func (e *Engine) observe(res *Result) {
	if e.metrics == nil {
		return
	}
	resultType := "hit"
	switch {
	case res.Degraded:
		resultType = "degraded"
	case len(res.IDs) == 0:
		resultType = "zero_result"
	}
	e.metrics.SearchQueriesTotal.WithLabelValues(resultType).Inc()
	e.metrics.SearchLatency.WithLabelValues(e.cfg.Scorer).Observe(res.Took.Seconds())
	e.metrics.SearchResultsCount.Observe(float64(len(res.IDs)))
}

func sortedIDs(tf map[int64]int) []int64 {
	ids := make([]int64, 0, len(tf))
	for id := range tf {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
