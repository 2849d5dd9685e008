package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// sample is one finished request. status is 0 when the transport failed.
type sample struct {
	latency time.Duration
	status  int
	cached  bool
	fuzzy   bool
	empty   bool
}

type recorder struct {
	mu      sync.Mutex
	samples []sample
}

func (r *recorder) add(s sample) {
	r.mu.Lock()
	r.samples = append(r.samples, s)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// searchBody is the slice of a search response the report needs.
type searchBody struct {
	Total  int               `json:"total"`
	Cached bool              `json:"cached"`
	Fuzzy  map[string]string `json:"fuzzy"`
}

func (o options) searchURL(phrase string) string {
	v := url.Values{"q": {phrase}, "limit": {strconv.Itoa(o.limit)}}
	if o.grouped {
		v.Set("grouped", "true")
	}
	return o.target + "/api/v1/search?" + v.Encode()
}

// run keeps every worker busy until ctx ends and returns what they recorded.
// Worker i starts at phrase i so the phrases are spread across workers.
func run(ctx context.Context, o options) []sample {
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: o.workers,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	defer client.CloseIdleConnections()

	rec := &recorder{}
	if o.reportEvery > 0 {
		go progress(ctx, rec, o.reportEvery)
	}

	g, ctx := errgroup.WithContext(ctx)
	for w := range o.workers {
		g.Go(func() error {
			for i := w; ctx.Err() == nil; i++ {
				if s, ok := probe(ctx, client, o.searchURL(o.phrases[i%len(o.phrases)]), o.grouped); ok {
					rec.add(s)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return rec.samples
}

// probe issues one search. Requests cut short by the end of the run are not
// reported.
func probe(ctx context.Context, client *http.Client, target string, grouped bool) (sample, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return sample{}, false
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return sample{latency: time.Since(start)}, ctx.Err() == nil
	}
	defer resp.Body.Close()

	s := sample{status: resp.StatusCode}
	if !grouped && resp.StatusCode == http.StatusOK {
		var body searchBody
		if json.NewDecoder(resp.Body).Decode(&body) == nil {
			s.cached, s.fuzzy, s.empty = body.Cached, len(body.Fuzzy) > 0, body.Total == 0
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	s.latency = time.Since(start)
	return s, true
}

func progress(ctx context.Context, rec *recorder, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fmt.Printf("  %d requests so far\n", rec.len())
		}
	}
}
