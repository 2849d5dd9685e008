package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunReportsWorstStatus(t *testing.T) {
	c := NewChecker()
	c.Register("db", Ping(func(context.Context) error { return nil }))
	c.Register("redis", Optional(Ping(func(context.Context) error { return errors.New("connection refused") })))

	report := c.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, StatusUp, report.Components["db"].Status)
	assert.Equal(t, StatusDegraded, report.Components["redis"].Status)
	assert.Equal(t, "connection refused", report.Components["redis"].Message)

	c.Register("db", Ping(func(context.Context) error { return errors.New("locked") }))
	assert.Equal(t, StatusDown, c.Run(context.Background()).Status)
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker()
	c.Register("db", Ping(func(context.Context) error { return nil }))

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var report Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, StatusUp, report.Status)

	c.Register("db", Ping(func(context.Context) error { return errors.New("gone") }))
	rec = httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLiveHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChecker().LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())
}

func TestChecksGetTheirOwnDeadline(t *testing.T) {
	c := NewChecker()
	c.timeout = 10 * time.Millisecond
	c.Register("stuck", Ping(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	report := c.Run(context.Background())
	assert.Equal(t, StatusDown, report.Status)
	assert.Contains(t, report.Components["stuck"].Message, "deadline exceeded")
}
