package analytics

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

const maxTop = 100

// Handler serves the running statistics of an Aggregator. A nil aggregator
// answers 503.
type Handler struct {
	aggregator *Aggregator
	logger     *slog.Logger
}

func NewHandler(aggregator *Aggregator) *Handler {
	return &Handler{
		aggregator: aggregator,
		logger:     slog.Default().With("component", "analytics"),
	}
}

// Stats handles GET /api/v1/analytics?top=N.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.aggregator == nil {
		h.write(w, http.StatusServiceUnavailable, map[string]string{"error": "analytics disabled"})
		return
	}
	top := DefaultTop
	if v := r.URL.Query().Get("top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxTop {
			h.write(w, http.StatusBadRequest, map[string]string{"error": "top must be between 1 and 100"})
			return
		}
		top = n
	}
	h.write(w, http.StatusOK, h.aggregator.StatsTop(top))
}

func (h *Handler) write(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to write analytics response", "error", err)
	}
}
