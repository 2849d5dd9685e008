package ingestion

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/source"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/logger"
)

type Handler struct {
	writer    Writer
	reindexer Reindexer
	validator Validator
	logger    *slog.Logger
}

func NewHandler(w Writer, r Reindexer, v Validator) *Handler {
	return &Handler{
		writer:    w,
		reindexer: r,
		validator: v,
		logger:    slog.Default().With("component", "ingestion"),
	}
}

type pushRequest struct {
	Documents []source.Document `json:"documents"`
}

// Push handles PUT /api/v1/catalog/documents.
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req pushRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20)).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if err := h.validator.Normalize(req.Documents); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": verr.Fields})
			return
		}
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ids, err := Push(ctx, h.writer, h.reindexer, req.Documents)
	if err != nil {
		code := apperrors.HTTPStatusCode(err)
		logger.FromContext(ctx).Error("catalog push failed", "error", err, "status_code", code)
		h.writeJSON(w, code, map[string]string{"error": "catalog push failed"})
		return
	}
	logger.FromContext(ctx).Info("catalog documents pushed", "count", len(ids))
	h.writeJSON(w, http.StatusOK, map[string]any{"indexed": len(ids), "ids": ids})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}
