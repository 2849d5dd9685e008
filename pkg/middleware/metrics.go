// Package middleware holds the HTTP middleware shared by the searcher and
// analytics servers.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/metrics"
)

// Metrics counts and times requests by method, route pattern and status. It
// must wrap the mux directly so the matched pattern is visible afterwards.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.HTTPRequestsInFlight.Inc()
			rec := &recorder{ResponseWriter: w}
			start := time.Now()
			defer func() {
				m.HTTPRequestsInFlight.Dec()
				route := routeLabel(r)
				m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.code())).Inc()
				m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// recorder remembers the first status written.
type recorder struct {
	http.ResponseWriter
	status int
}

func (rc *recorder) WriteHeader(code int) {
	if rc.status == 0 {
		rc.status = code
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *recorder) Write(p []byte) (int, error) {
	if rc.status == 0 {
		rc.status = http.StatusOK
	}
	return rc.ResponseWriter.Write(p)
}

func (rc *recorder) Unwrap() http.ResponseWriter { return rc.ResponseWriter }

func (rc *recorder) code() int {
	if rc.status == 0 {
		return http.StatusOK
	}
	return rc.status
}

// routeLabel keeps label cardinality bounded: the mux pattern, or one shared
// value for requests no route matched.
func routeLabel(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	return r.Pattern
}
