// Package aggregator keeps a history of aggregated search analytics in the
// index datastore, so stats outlive the process and trends can be charted.
package aggregator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
)

const (
	defaultHistory = 24
	maxHistory     = 1000
)

// Snapshot is the aggregate as it stood at CapturedAt.
type Snapshot struct {
	ID         int64                     `json:"id"`
	CapturedAt time.Time                 `json:"captured_at"`
	Stats      analytics.AggregatedStats `json:"stats"`
}

// Store keeps snapshots in "<prefix>analytics_snapshots".
type Store struct {
	db     *sqlstore.Client
	table  string
	now    func() time.Time
	logger *slog.Logger
}

func NewStore(db *sqlstore.Client, prefix string) *Store {
	return &Store{
		db:     db,
		table:  sqlstore.QuoteIdent(prefix + "analytics_snapshots"),
		now:    time.Now,
		logger: slog.Default().With("component", "analytics-store"),
	}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, s.db.DB, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id %s,
		captured_at BIGINT NOT NULL,
		data TEXT NOT NULL
	)`, s.table, s.db.SerialPrimaryKey()))
	if err != nil {
		return fmt.Errorf("creating analytics snapshot table: %w", err)
	}
	return nil
}

// Save records stats as captured now.
func (s *Store) Save(ctx context.Context, stats analytics.AggregatedStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encoding analytics snapshot: %w", err)
	}
	_, err = s.db.Exec(ctx, s.db.DB, fmt.Sprintf(`INSERT INTO %s (captured_at, data) VALUES (?, ?)`, s.table),
		s.now().UTC().UnixMilli(), string(data))
	if err != nil {
		return fmt.Errorf("saving analytics snapshot: %w", err)
	}
	return nil
}

// Latest returns the newest snapshot, or nil when there is none.
func (s *Store) Latest(ctx context.Context) (*Snapshot, error) {
	list, err := s.List(ctx, 1, time.Time{})
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

// List returns up to limit snapshots captured at or after since, newest
// first. Rows that no longer decode are skipped.
func (s *Store) List(ctx context.Context, limit int, since time.Time) ([]Snapshot, error) {
	rows, err := s.db.Query(ctx, s.db.DB, fmt.Sprintf(
		`SELECT id, captured_at, data FROM %s WHERE captured_at >= ? ORDER BY captured_at DESC, id DESC LIMIT ?`, s.table),
		since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("listing analytics snapshots: %w", err)
	}
	defer rows.Close()

	out := []Snapshot{}
	for rows.Next() {
		var (
			snap Snapshot
			ms   int64
			data string
		)
		if err := rows.Scan(&snap.ID, &ms, &data); err != nil {
			return nil, fmt.Errorf("scanning analytics snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &snap.Stats); err != nil {
			s.logger.Warn("skipping undecodable snapshot", "id", snap.ID, "error", err)
			continue
		}
		snap.CapturedAt = time.UnixMilli(ms).UTC()
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Prune deletes all but the newest keep snapshots and returns how many went.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	var cutoff int64
	err := s.db.QueryRow(ctx, s.db.DB, fmt.Sprintf(
		`SELECT id FROM %s ORDER BY captured_at DESC, id DESC LIMIT 1 OFFSET ?`, s.table), keep-1).Scan(&cutoff)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("finding snapshot retention cutoff: %w", err)
	}
	res, err := s.db.Exec(ctx, s.db.DB, fmt.Sprintf(`DELETE FROM %s WHERE id < ?`, s.table), cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning analytics snapshots: %w", err)
	}
	return res.RowsAffected()
}

// Run snapshots agg every interval, keeping the newest keep snapshots, until
// ctx ends; a last snapshot is taken on the way out.
func (s *Store) Run(ctx context.Context, agg *analytics.Aggregator, interval time.Duration, keep int) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.capture(ctx, agg, keep)
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			s.capture(final, agg, keep)
			cancel()
			return
		}
	}
}

func (s *Store) capture(ctx context.Context, agg *analytics.Aggregator, keep int) {
	stats := agg.Stats()
	if err := s.Save(ctx, stats); err != nil {
		s.logger.Error("analytics snapshot failed", "error", err)
		return
	}
	pruned, err := s.Prune(ctx, keep)
	if err != nil {
		s.logger.Warn("analytics snapshot pruning failed", "error", err)
	}
	s.logger.Info("analytics snapshot saved", "total_searches", stats.TotalSearches, "pruned", pruned)
}

// HistoryHandler serves GET /api/v1/analytics/history?limit=N&since=RFC3339,
// newest first. limit defaults to 24 and is capped at 1000.
func (s *Store) HistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := defaultHistory
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
				return
			}
			limit = min(n, maxHistory)
		}
		var since time.Time
		if v := q.Get("since"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be an RFC 3339 timestamp"})
				return
			}
			since = t
		}

		list, err := s.List(r.Context(), limit, since)
		if err != nil {
			s.logger.Error("listing analytics snapshots failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "listing snapshots failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"snapshots": list})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
