package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/api"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/app"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/auth/apikey"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/source"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
)

// stack serves the full HTTP surface of the searcher over a temp SQLite file.
type stack struct {
	t      *testing.T
	server *httptest.Server
	key    string
}

func newStack(t *testing.T) (*stack, *app.App, *api.Handler) {
	t.Helper()
	ctx := context.Background()
	cfg := config.Default()
	cfg.Datastore.Path = filepath.Join(t.TempDir(), "catalog.db")
	cfg.Index.LockDir = filepath.Join(t.TempDir(), "locks")
	cfg.Index.Taxonomies = nil
	cfg.Search.CacheThreshold = time.Hour

	a, err := app.Open(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	engine, err := a.Engine()
	require.NoError(t, err)

	keys := apikey.NewStore(a.DB, cfg.Index.TablePrefix)
	require.NoError(t, keys.EnsureSchema(ctx))
	key, err := keys.Create(ctx, "stack-test", 0)
	require.NoError(t, err)

	h := api.New(engine, a.Orchestrator, a.Cache, nil, cfg.Search.MaxResults)
	srv := httptest.NewServer(api.NewRouter(h, api.RouterOptions{
		Health: a.Health,
		Admin:  apikey.Require(keys),
		Ingest: ingestion.NewHandler(a.Source, a.Orchestrator, ingestion.Validator{
			Languages: cfg.Index.Languages,
			Subtypes:  cfg.Index.Subtypes,
		}),
	}))
	t.Cleanup(srv.Close)
	return &stack{t: t, server: srv, key: key}, a, h
}

func (s *stack) call(method, path, body string, authorized bool) (int, map[string]any) {
	s.t.Helper()
	req, err := http.NewRequest(method, s.server.URL+path, strings.NewReader(body))
	require.NoError(s.t, err)
	if authorized {
		req.Header.Set("Authorization", "Bearer "+s.key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(s.t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestBuildPushAndSearchOverHTTP(t *testing.T) {
	s, a, h := newStack(t)
	require.NoError(t, a.Source.PutDocument(context.Background(),
		source.Document{ID: 1, Lang: "en", Subtype: "product", Name: "Red shoes"}))

	code, _ := s.call(http.MethodPost, "/api/v1/index/build", "", false)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.call(http.MethodPost, "/api/v1/index/build", "", true)
	require.Equal(t, http.StatusAccepted, code)
	h.Wait()

	code, body := s.call(http.MethodGet, "/api/v1/index/status", "", false)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "main", body["active"])
	assert.Equal(t, "completed", body["main"].(map[string]any)["status"])

	code, body = s.call(http.MethodGet, "/api/v1/search?q=red+shoes", "", false)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, body["total"])

	code, body = s.call(http.MethodPut, "/api/v1/catalog/documents",
		`{"documents":[{"id":2,"name":"Red boots"}]}`, true)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, 1.0, body["indexed"])

	code, body = s.call(http.MethodGet, "/api/v1/search?q=red", "", false)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2.0, body["total"])

	code, _ = s.call(http.MethodDelete, "/api/v1/index/documents", `{"ids":[1]}`, true)
	require.Equal(t, http.StatusOK, code)
	code, body = s.call(http.MethodGet, "/api/v1/search?q=red", "", false)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, body["total"])
}
