package apikey

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/logger"
)

type contextKey struct{}

// Require rejects requests without a valid key with 401. The key is read
// from "Authorization: Bearer" or X-API-Key.
func Require(store *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := fromRequest(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing api key")
				return
			}
			key, err := store.Validate(r.Context(), raw)
			switch {
			case errors.Is(err, ErrInvalidKey), errors.Is(err, ErrExpiredKey):
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			case err != nil:
				logger.FromContext(r.Context()).Error("api key check failed", "error", err)
				writeError(w, http.StatusInternalServerError, "authentication failed")
				return
			}
			logger.FromContext(r.Context()).Info("admin request", "key", key.Name, "route", r.Method+" "+r.URL.Path)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, key)))
		})
	}
}

// FromContext returns the key that authorized the request, or nil.
func FromContext(ctx context.Context) *Key {
	k, _ := ctx.Value(contextKey{}).(*Key)
	return k
}

func fromRequest(r *http.Request) string {
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	return r.Header.Get("X-API-Key")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
