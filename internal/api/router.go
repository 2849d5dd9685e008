package api

import (
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/middleware"
)

// RouterOptions carries the optional parts of the HTTP surface.
type RouterOptions struct {
	Analytics   *analytics.Handler
	History     http.HandlerFunc
	Health      *health.Checker
	Limiter     *ratelimit.Limiter
	Metrics     *metrics.Metrics
	CORSOrigins []string
	Timeout     time.Duration
	// Ingest, if set, accepts catalog pushes.
	Ingest *ingestion.Handler
	// Admin, if set, wraps the routes that change the index.
	Admin func(http.Handler) http.Handler
}

// NewRouter builds the HTTP handler.
//
// Route table:
//
//	GET    /api/v1/search            search, or grouped search with grouped=true
//	GET    /api/v1/index/status      status records of both roles
//	POST   /api/v1/index/build       prepare and start a full build
//	POST   /api/v1/index/cancel      cancel the running build
//	POST   /api/v1/index/documents   re-index documents by id
//	DELETE /api/v1/index/documents   remove documents by id
//	PUT    /api/v1/catalog/documents store and re-index pushed documents
//	GET    /api/v1/cache/stats       query cache statistics
//	GET    /api/v1/analytics         aggregated search analytics
//	GET    /api/v1/analytics/history persisted analytics snapshots
//	GET    /health/live, /health/ready
//	GET    /metrics
//
// build, cancel, the documents routes and catalog pushes go through
// opts.Admin.
//
// Middleware chain (outermost first):
//
//	RequestID → CORS → RateLimit → Timeout → Metrics → mux
//
// Metrics sits next to the mux so the matched route pattern is visible to it.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/search", h.Search)

	admin := func(fn http.HandlerFunc) http.Handler {
		if opts.Admin == nil {
			return fn
		}
		return opts.Admin(fn)
	}
	mux.HandleFunc("GET /api/v1/index/status", h.IndexStatus)
	mux.Handle("POST /api/v1/index/build", admin(h.Build))
	mux.Handle("POST /api/v1/index/cancel", admin(h.Cancel))
	mux.Handle("POST /api/v1/index/documents", admin(h.UpdateDocuments))
	mux.Handle("DELETE /api/v1/index/documents", admin(h.DeleteDocuments))
	if opts.Ingest != nil {
		mux.Handle("PUT /api/v1/catalog/documents", admin(opts.Ingest.Push))
	}

	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)

	if opts.Analytics == nil {
		opts.Analytics = analytics.NewHandler(nil)
	}
	mux.HandleFunc("GET /api/v1/analytics", opts.Analytics.Stats)
	if opts.History != nil {
		mux.HandleFunc("GET /api/v1/analytics/history", opts.History)
	}

	checker := opts.Health
	if checker == nil {
		checker = health.NewChecker()
	}
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())
	mux.Handle("GET /metrics", metrics.Handler())

	var chain http.Handler = mux
	if opts.Metrics != nil {
		chain = middleware.Metrics(opts.Metrics)(chain)
	}
	if opts.Timeout > 0 {
		chain = middleware.Timeout(opts.Timeout)(chain)
	}
	if opts.Limiter != nil {
		chain = middleware.RateLimit(opts.Limiter, opts.Metrics)(chain)
	}
	chain = middleware.CORS(middleware.DefaultCORSConfig(opts.CORSOrigins...))(chain)
	chain = middleware.RequestID(chain)
	return chain
}
