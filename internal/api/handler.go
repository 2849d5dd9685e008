// Package api serves search, index administration, cache statistics and
// analytics over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/search"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/status"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/logger"
)

// maxDocumentIDs bounds one live update request.
const maxDocumentIDs = 1000

type Searcher interface {
	Search(ctx context.Context, q search.Query) *search.Result
	SearchGrouped(ctx context.Context, q search.Query) *search.GroupedResult
}

// Indexer is the build side the API drives.
type Indexer interface {
	PrepareBuild(ctx context.Context) (*status.Record, error)
	BuildProcess(ctx context.Context) error
	CancelBuildIndex(ctx context.Context, resetStarts bool) error
	ActiveRole(ctx context.Context) (index.Role, error)
	Status(ctx context.Context, role index.Role) (*status.Record, error)
	UpdateDocuments(ctx context.Context, ids []int64) error
	DeleteDocuments(ctx context.Context, ids []int64) error
}

type CacheStats interface {
	Stats() cache.Stats
}

// Tracker receives analytics events.
type Tracker interface {
	TrackSearch(analytics.SearchEvent)
	TrackDocuments(analytics.DocumentEvent)
}

type Handler struct {
	searcher   Searcher
	indexer    Indexer
	cache      CacheStats
	tracker    Tracker
	maxResults int
	builds     sync.WaitGroup
	logger     *slog.Logger
}

// New returns a handler. indexer, cacheStats and tracker may be nil; the
// endpoints depending on them then report the feature as disabled.
func New(searcher Searcher, indexer Indexer, cacheStats CacheStats, tracker Tracker, maxResults int) *Handler {
	return &Handler{
		searcher:   searcher,
		indexer:    indexer,
		cache:      cacheStats,
		tracker:    tracker,
		maxResults: maxResults,
		logger:     slog.Default().With("component", "api"),
	}
}

// Search handles GET /api/v1/search?q=&limit=&lang=&subtype=&grouped=.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params := r.URL.Query()

	phrase := strings.TrimSpace(params.Get("q"))
	if phrase == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	q := search.Query{Phrase: phrase, Lang: params.Get("lang"), Subtype: params.Get("subtype")}
	if limitStr := params.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if h.maxResults > 0 && limit > h.maxResults {
			limit = h.maxResults
		}
		q.Limit = limit
	}
	grouped := false
	if v := params.Get("grouped"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "grouped must be a boolean")
			return
		}
		grouped = parsed
	}

	event := analytics.SearchEvent{
		Query:     phrase,
		Lang:      q.Lang,
		Subtype:   q.Subtype,
		Grouped:   grouped,
		Timestamp: time.Now().UTC(),
		RequestID: logger.RequestID(ctx),
	}
	if grouped {
		res := h.searcher.SearchGrouped(ctx, q)
		event.Total, event.Returned, event.LatencyMs = res.Total, res.Total, res.TookMs
		h.track(event)
		h.writeJSON(w, http.StatusOK, res)
		return
	}

	res := h.searcher.Search(ctx, q)
	event.Keywords = res.Keywords
	event.Total, event.Returned, event.LatencyMs = res.Total, len(res.IDs), res.TookMs
	event.Cached, event.Fuzzy, event.Degraded = res.Cached, len(res.Fuzzy) > 0, res.Degraded
	h.track(event)

	logger.FromContext(ctx).Info("search completed",
		"query", phrase,
		"total", res.Total,
		"returned", len(res.IDs),
		"cached", res.Cached,
		"took_ms", res.TookMs,
	)
	h.writeJSON(w, http.StatusOK, res)
}

type statusResponse struct {
	Active index.Role     `json:"active"`
	Main   *status.Record `json:"main"`
	Tmp    *status.Record `json:"tmp,omitempty"`
}

// IndexStatus handles GET /api/v1/index/status.
func (h *Handler) IndexStatus(w http.ResponseWriter, r *http.Request) {
	if !h.requireIndexer(w) {
		return
	}
	ctx := r.Context()
	active, err := h.indexer.ActiveRole(ctx)
	if err != nil {
		h.fail(w, r, "loading index status", err)
		return
	}
	resp := statusResponse{Active: active}
	if resp.Main, err = h.indexer.Status(ctx, index.Main); err != nil {
		h.fail(w, r, "loading index status", err)
		return
	}
	tmp, err := h.indexer.Status(ctx, index.Tmp)
	if err != nil {
		h.fail(w, r, "loading index status", err)
		return
	}
	if tmp.Status != status.NotExist {
		resp.Tmp = tmp
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Build handles POST /api/v1/index/build. The build is prepared before the
// response and runs detached from the request.
func (h *Handler) Build(w http.ResponseWriter, r *http.Request) {
	if !h.requireIndexer(w) {
		return
	}
	rec, err := h.indexer.PrepareBuild(r.Context())
	if err != nil {
		h.fail(w, r, "preparing build", err)
		return
	}

	ctx := logger.WithBuildID(context.WithoutCancel(r.Context()), rec.BuildID)
	h.builds.Add(1)
	go func() {
		defer h.builds.Done()
		if err := h.indexer.BuildProcess(ctx); err != nil {
			logger.FromContext(ctx).Error("build failed", "error", err)
		}
	}()
	h.writeJSON(w, http.StatusAccepted, rec)
}

// Cancel handles POST /api/v1/index/cancel. ?reset=true also clears the
// phase start timestamps.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if !h.requireIndexer(w) {
		return
	}
	reset, _ := strconv.ParseBool(r.URL.Query().Get("reset"))
	if err := h.indexer.CancelBuildIndex(r.Context(), reset); err != nil {
		h.fail(w, r, "cancelling build", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": string(status.NotExist)})
}

type documentsRequest struct {
	IDs []int64 `json:"ids"`
}

// UpdateDocuments handles POST /api/v1/index/documents.
func (h *Handler) UpdateDocuments(w http.ResponseWriter, r *http.Request) {
	h.documents(w, r, "update", func(ctx context.Context, ids []int64) error {
		return h.indexer.UpdateDocuments(ctx, ids)
	})
}

// DeleteDocuments handles DELETE /api/v1/index/documents.
func (h *Handler) DeleteDocuments(w http.ResponseWriter, r *http.Request) {
	h.documents(w, r, "delete", func(ctx context.Context, ids []int64) error {
		return h.indexer.DeleteDocuments(ctx, ids)
	})
}

func (h *Handler) documents(w http.ResponseWriter, r *http.Request, op string, apply func(context.Context, []int64) error) {
	if !h.requireIndexer(w) {
		return
	}
	ids, err := decodeIDs(w, r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := apply(r.Context(), ids); err != nil {
		h.fail(w, r, op+" documents", err)
		return
	}
	if h.tracker != nil {
		h.tracker.TrackDocuments(analytics.DocumentEvent{
			Op:        op,
			Count:     len(ids),
			Timestamp: time.Now().UTC(),
			RequestID: logger.RequestID(r.Context()),
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"op": op, "count": len(ids)})
}

func decodeIDs(w http.ResponseWriter, r *http.Request) ([]int64, error) {
	var req documentsRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid request body: %v", err)
	}
	if len(req.IDs) == 0 {
		return nil, errors.New("ids must not be empty")
	}
	if len(req.IDs) > maxDocumentIDs {
		return nil, fmt.Errorf("at most %d ids per request", maxDocumentIDs)
	}
	for _, id := range req.IDs {
		if id <= 0 {
			return nil, fmt.Errorf("invalid document id %d", id)
		}
	}
	return req.IDs, nil
}

// CacheStats handles GET /api/v1/cache/stats.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	stats := h.cache.Stats()
	total := stats.Hits + stats.Misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     stats.Hits,
		"misses":   stats.Misses,
		"writes":   stats.Writes,
		"lru_size": stats.LRUSize,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

// Wait blocks until builds started through Build have returned.
func (h *Handler) Wait() {
	h.builds.Wait()
}

func (h *Handler) track(event analytics.SearchEvent) {
	if h.tracker != nil {
		h.tracker.TrackSearch(event)
	}
}

func (h *Handler) requireIndexer(w http.ResponseWriter) bool {
	if h.indexer == nil {
		h.writeError(w, http.StatusServiceUnavailable, "index administration is disabled")
		return false
	}
	return true
}

// fail maps err to a status code; server-side failures are logged.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, action string, err error) {
	code := apperrors.HTTPStatusCode(err)
	if code >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error(action+" failed", "error", err)
		h.writeError(w, code, action+" failed")
		return
	}
	h.writeError(w, code, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
