package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/kafka"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	// latencyWindow is how many recent latencies the percentiles cover.
	latencyWindow = 10000
	// trackedQueries bounds each frequency table; the least recently seen
	// entry is forgotten first.
	trackedQueries = 50000
)

// AggregatedStats is a point-in-time view of the aggregator.
type AggregatedStats struct {
	TotalSearches     int64            `json:"total_searches"`
	CachedSearches    int64            `json:"cached_searches"`
	FuzzySearches     int64            `json:"fuzzy_searches"`
	DegradedSearches  int64            `json:"degraded_searches"`
	ZeroResultCount   int64            `json:"zero_result_count"`
	DocumentsUpdated  int64            `json:"documents_updated"`
	DocumentsDeleted  int64            `json:"documents_deleted"`
	SearchesByLang    map[string]int64 `json:"searches_by_lang,omitempty"`
	AvgLatencyMs      float64          `json:"avg_latency_ms"`
	P50LatencyMs      float64          `json:"p50_latency_ms"`
	P95LatencyMs      float64          `json:"p95_latency_ms"`
	P99LatencyMs      float64          `json:"p99_latency_ms"`
	TopQueries        []QueryCount     `json:"top_queries"`
	ZeroResultQueries []QueryCount     `json:"zero_result_queries"`
	TopKeywords       []QueryCount     `json:"top_keywords,omitempty"`
	QueriesPerMinute  float64          `json:"queries_per_minute"`
}

type QueryCount struct {
	Query string `json:"query"`
	Count int64  `json:"count"`
}

// Aggregator folds search and document events into running statistics. It
// is safe for concurrent use.
type Aggregator struct {
	mu       sync.Mutex
	totals   AggregatedStats
	byLang   map[string]int64
	latency  ring
	queries  *frequencies
	zero     *frequencies
	keywords *frequencies
	started  time.Time
	logger   *slog.Logger
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		byLang:   make(map[string]int64),
		queries:  newFrequencies(trackedQueries),
		zero:     newFrequencies(trackedQueries),
		keywords: newFrequencies(trackedQueries),
		started:  time.Now(),
		logger:   slog.Default().With("component", "analytics-aggregator"),
	}
}

// HandleEvent feeds events consumed from the analytics topic into agg.
// Messages that do not decode, or carry an unknown type, are skipped.
func HandleEvent(agg *Aggregator) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		var head struct {
			Type EventType `json:"type"`
		}
		if err := json.Unmarshal(value, &head); err != nil {
			agg.logger.Error("failed to decode analytics event", "error", err)
			return fmt.Errorf("%w: %v", kafka.ErrSkip, err)
		}
		switch head.Type {
		case EventDocuments:
			event, err := kafka.DecodeJSON[DocumentEvent](value)
			if err != nil {
				return fmt.Errorf("%w: %v", kafka.ErrSkip, err)
			}
			agg.RecordDocuments(event)
		case EventSearch, EventZeroResult:
			event, err := kafka.DecodeJSON[SearchEvent](value)
			if err != nil {
				return fmt.Errorf("%w: %v", kafka.ErrSkip, err)
			}
			agg.RecordSearch(event)
		default:
			return fmt.Errorf("%w: unknown analytics event type %q", kafka.ErrSkip, head.Type)
		}
		return nil
	}
}

// RecordSearch counts one answered query. Queries are compared trimmed and
// lower-cased.
func (a *Aggregator) RecordSearch(event SearchEvent) {
	query := strings.ToLower(strings.TrimSpace(event.Query))

	a.mu.Lock()
	defer a.mu.Unlock()
	t := &a.totals
	t.TotalSearches++
	if event.Cached {
		t.CachedSearches++
	}
	if event.Fuzzy {
		t.FuzzySearches++
	}
	if event.Degraded {
		t.DegradedSearches++
	}
	if event.Lang != "" {
		a.byLang[event.Lang]++
	}
	a.latency.add(event.LatencyMs)
	a.queries.inc(query)
	if event.Total == 0 {
		t.ZeroResultCount++
		a.zero.inc(query)
	}
	for _, kw := range event.Keywords {
		a.keywords.inc(kw)
	}
}

func (a *Aggregator) RecordDocuments(event DocumentEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if event.Op == "delete" {
		a.totals.DocumentsDeleted += int64(event.Count)
		return
	}
	a.totals.DocumentsUpdated += int64(event.Count)
}

// DefaultTop is how many entries Stats lists per ranking.
const DefaultTop = 10

func (a *Aggregator) Stats() AggregatedStats {
	return a.StatsTop(DefaultTop)
}

// StatsTop is Stats listing top entries per ranking.
func (a *Aggregator) StatsTop(top int) AggregatedStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := a.totals
	if len(a.byLang) > 0 {
		stats.SearchesByLang = make(map[string]int64, len(a.byLang))
		for lang, n := range a.byLang {
			stats.SearchesByLang[lang] = n
		}
	}
	if sorted := a.latency.sorted(); len(sorted) > 0 {
		var sum float64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = sum / float64(len(sorted))
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}
	stats.TopQueries = a.queries.top(top)
	stats.ZeroResultQueries = a.zero.top(top)
	if kws := a.keywords.top(top); len(kws) > 0 {
		stats.TopKeywords = kws
	}
	if minutes := time.Since(a.started).Minutes(); minutes > 0 {
		stats.QueriesPerMinute = float64(stats.TotalSearches) / minutes
	}
	return stats
}

// ring keeps the last latencyWindow samples.
type ring struct {
	samples []float64
	next    int
}

func (r *ring) add(v float64) {
	if len(r.samples) < latencyWindow {
		r.samples = append(r.samples, v)
		return
	}
	r.samples[r.next] = v
	r.next = (r.next + 1) % latencyWindow
}

func (r *ring) sorted() []float64 {
	out := slices.Clone(r.samples)
	slices.Sort(out)
	return out
}

// frequencies counts strings in a bounded LRU. It relies on the caller's
// lock.
type frequencies struct {
	counts *simplelru.LRU[string, int64]
}

func newFrequencies(size int) *frequencies {
	counts, err := simplelru.NewLRU[string, int64](size, nil)
	if err != nil {
		panic(err) // only for a non-positive size
	}
	return &frequencies{counts: counts}
}

func (f *frequencies) inc(s string) {
	if s == "" {
		return
	}
	n, _ := f.counts.Peek(s)
	f.counts.Add(s, n+1)
}

// top returns the n most frequent entries, ties broken alphabetically.
func (f *frequencies) top(n int) []QueryCount {
	out := make([]QueryCount, 0, f.counts.Len())
	for _, k := range f.counts.Keys() {
		c, _ := f.counts.Peek(k)
		out = append(out, QueryCount{Query: k, Count: c})
	}
	slices.SortFunc(out, func(a, b QueryCount) int {
		if a.Count != b.Count {
			if a.Count > b.Count {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Query, b.Query)
	})
	return out[:min(n, len(out))]
}

// percentile uses the nearest-rank method on sorted.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}
