package main

import (
	"fmt"
	"io"
	"math"
	"slices"
	"time"
)

type report struct {
	total     int
	ok        int
	cached    int
	fuzzy     int
	empty     int
	latencies []time.Duration
	codes     map[int]int
}

func summarize(samples []sample) report {
	r := report{total: len(samples), codes: make(map[int]int)}
	for _, s := range samples {
		r.codes[s.status]++
		if s.status == 0 {
			continue
		}
		r.latencies = append(r.latencies, s.latency)
		if s.status < 200 || s.status >= 300 {
			continue
		}
		r.ok++
		if s.cached {
			r.cached++
		}
		if s.fuzzy {
			r.fuzzy++
		}
		if s.empty {
			r.empty++
		}
	}
	slices.Sort(r.latencies)
	return r
}

// write prints the report and reports whether anything completed.
func (r report) write(w io.Writer, elapsed time.Duration) bool {
	if r.total == 0 {
		fmt.Fprintln(w, "no requests completed; is the searcher running?")
		return false
	}
	failed := r.total - r.ok
	fmt.Fprintf(w, "requests     %d (%.1f/s)\n", r.total, float64(r.total)/elapsed.Seconds())
	fmt.Fprintf(w, "failed       %d (%.2f%%)\n", failed, share(failed, r.total))
	if r.ok > 0 {
		fmt.Fprintf(w, "cached       %.2f%%\n", share(r.cached, r.ok))
		fmt.Fprintf(w, "fuzzy        %.2f%%\n", share(r.fuzzy, r.ok))
		fmt.Fprintf(w, "zero result  %.2f%%\n", share(r.empty, r.ok))
	}

	if n := len(r.latencies); n > 0 {
		var sum time.Duration
		for _, l := range r.latencies {
			sum += l
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "latency  min %s  avg %s  max %s\n", r.latencies[0], sum/time.Duration(n), r.latencies[n-1])
		fmt.Fprintf(w, "         p50 %s  p90 %s  p99 %s\n",
			percentile(r.latencies, 50), percentile(r.latencies, 90), percentile(r.latencies, 99))
	}

	fmt.Fprintln(w)
	codes := make([]int, 0, len(r.codes))
	for c := range r.codes {
		codes = append(codes, c)
	}
	slices.Sort(codes)
	for _, c := range codes {
		label := fmt.Sprint(c)
		if c == 0 {
			label = "err"
		}
		fmt.Fprintf(w, "status %s: %d\n", label, r.codes[c])
	}
	return true
}

func share(n, of int) float64 {
	return float64(n) / float64(of) * 100
}

// percentile uses the nearest-rank method on sorted.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}
