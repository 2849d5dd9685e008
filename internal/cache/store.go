package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
)

// Store persists pattern -> ids entries per role and partition.
type Store interface {
	Get(ctx context.Context, role index.Role, part index.Partition, pattern string) ([]int64, bool, error)
	Set(ctx context.Context, role index.Role, part index.Partition, pattern string, ids []int64) error
	DeleteContaining(ctx context.Context, role index.Role, part index.Partition, ids []int64) error
	Purge(ctx context.Context, role index.Role, part index.Partition) error
	// Generation returns a value that changes whenever entries of role are
	// invalidated. A role never invalidated reads as zero.
	Generation(ctx context.Context, role index.Role) (int64, error)
	// Bump changes the generation of role.
	Bump(ctx context.Context, role index.Role) error
}

// SQLStore keeps entries in the partition's cache table, next to the
// wordlist it was computed from. A missing table reads as a miss.
type SQLStore struct {
	store  *sqlstore.Client
	tables index.Tables
}

func NewSQLStore(store *sqlstore.Client, prefix string) *SQLStore {
	return &SQLStore{store: store, tables: index.Tables{Prefix: prefix}}
}

func (s *SQLStore) table(role index.Role, part index.Partition) string {
	return sqlstore.QuoteIdent(s.tables.Cache(role, part))
}

func (s *SQLStore) Get(ctx context.Context, role index.Role, part index.Partition, pattern string) ([]int64, bool, error) {
	var raw string
	err := s.store.QueryRow(ctx, s.store.DB,
		fmt.Sprintf(`SELECT ids FROM %s WHERE pattern = ?`, s.table(role, part)), pattern).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || sqlstore.IsMissingTable(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading cache entry: %w", err)
	}
	ids, err := decodeIDs(raw)
	if err != nil {
		return nil, false, err
	}
	return ids, true, nil
}

func (s *SQLStore) Set(ctx context.Context, role index.Role, part index.Partition, pattern string, ids []int64) error {
	raw, err := encodeIDs(ids)
	if err != nil {
		return err
	}
	_, err = s.store.Exec(ctx, s.store.DB, fmt.Sprintf(`INSERT INTO %s (pattern, ids) VALUES (?, ?)
		ON CONFLICT (pattern) DO UPDATE SET ids = excluded.ids`, s.table(role, part)), pattern, raw)
	if err != nil && !sqlstore.IsMissingTable(err) {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// DeleteContaining removes every entry whose id list holds one of ids. The
// lists are stored as JSON arrays without spaces, so an id is matched as a
// whole element at the start, middle or end of the array.
func (s *SQLStore) DeleteContaining(ctx context.Context, role index.Role, part index.Partition, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	var (
		clauses []string
		args    []any
	)
	for _, id := range ids {
		n := strconv.FormatInt(id, 10)
		clauses = append(clauses, `ids = ?`, `ids LIKE ?`, `ids LIKE ?`, `ids LIKE ?`)
		args = append(args, "["+n+"]", "["+n+",%", "%,"+n+",%", "%,"+n+"]")
	}
	_, err := s.store.Exec(ctx, s.store.DB, fmt.Sprintf(`DELETE FROM %s WHERE %s`,
		s.table(role, part), strings.Join(clauses, " OR ")), args...)
	if err != nil && !sqlstore.IsMissingTable(err) {
		return fmt.Errorf("invalidating cache entries: %w", err)
	}
	return nil
}

func (s *SQLStore) Purge(ctx context.Context, role index.Role, part index.Partition) error {
	_, err := s.store.Exec(ctx, s.store.DB, fmt.Sprintf(`DELETE FROM %s`, s.table(role, part)))
	if err != nil && !sqlstore.IsMissingTable(err) {
		return fmt.Errorf("purging cache: %w", err)
	}
	return nil
}

func (s *SQLStore) Generation(ctx context.Context, role index.Role) (int64, error) {
	var gen int64
	err := s.store.QueryRow(ctx, s.store.DB, fmt.Sprintf(`SELECT generation FROM %s WHERE role = ?`,
		sqlstore.QuoteIdent(s.tables.CacheGenerations())), string(role)).Scan(&gen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || sqlstore.IsMissingTable(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading cache generation: %w", err)
	}
	return gen, nil
}

// Bump stamps role with the current time in nanoseconds.
func (s *SQLStore) Bump(ctx context.Context, role index.Role) error {
	table := sqlstore.QuoteIdent(s.tables.CacheGenerations())
	if _, err := s.store.Exec(ctx, s.store.DB, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		role TEXT PRIMARY KEY,
		generation BIGINT NOT NULL
	)`, table)); err != nil {
		return fmt.Errorf("creating cache generation table: %w", err)
	}
	_, err := s.store.Exec(ctx, s.store.DB, fmt.Sprintf(`INSERT INTO %s (role, generation) VALUES (?, ?)
		ON CONFLICT (role) DO UPDATE SET generation = excluded.generation`, table), string(role), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("bumping cache generation: %w", err)
	}
	return nil
}

// RedisStore keeps one hash per role and partition. Every call goes through
// a circuit breaker so an unavailable Redis degrades to cache misses quickly.
type RedisStore struct {
	client  *pkgredis.Client
	breaker *resilience.Breaker
}

func NewRedisStore(client *pkgredis.Client, m *metrics.Metrics) *RedisStore {
	cfg := resilience.BreakerConfig{}
	if m != nil {
		cfg.OnChange = func(name string, s resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(s))
		}
	}
	return &RedisStore{client: client, breaker: resilience.NewBreaker("cache-redis", cfg)}
}

func (s *RedisStore) key(role index.Role, part index.Partition) string {
	return "cache:" + string(role) + ":" + part.Subtype + ":" + part.Lang
}

func (s *RedisStore) do(fn func() error) error {
	return s.breaker.Do(fn)
}

func (s *RedisStore) Get(ctx context.Context, role index.Role, part index.Partition, pattern string) ([]int64, bool, error) {
	var raw string
	err := s.do(func() error {
		v, err := s.client.HGet(ctx, s.key(role, part), pattern)
		if pkgredis.IsNilError(err) {
			return nil
		}
		raw = v
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("reading cache entry: %w", err)
	}
	if raw == "" {
		return nil, false, nil
	}
	ids, err := decodeIDs(raw)
	if err != nil {
		return nil, false, err
	}
	return ids, true, nil
}

func (s *RedisStore) Set(ctx context.Context, role index.Role, part index.Partition, pattern string, ids []int64) error {
	raw, err := encodeIDs(ids)
	if err != nil {
		return err
	}
	return s.do(func() error {
		return s.client.HSet(ctx, s.key(role, part), pattern, raw)
	})
}

func (s *RedisStore) DeleteContaining(ctx context.Context, role index.Role, part index.Partition, ids []int64) error {
	return s.do(func() error {
		key := s.key(role, part)
		entries, err := s.client.HGetAll(ctx, key)
		if err != nil {
			return err
		}
		var stale []string
		for pattern, raw := range entries {
			cached, err := decodeIDs(raw)
			if err != nil || containsAny(cached, ids) {
				stale = append(stale, pattern)
			}
		}
		if len(stale) == 0 {
			return nil
		}
		return s.client.HDel(ctx, key, stale...)
	})
}

func (s *RedisStore) Purge(ctx context.Context, role index.Role, part index.Partition) error {
	return s.do(func() error {
		return s.client.Del(ctx, s.key(role, part))
	})
}

func (s *RedisStore) generationKey(role index.Role) string {
	return "cache-generation:" + string(role)
}

func (s *RedisStore) Generation(ctx context.Context, role index.Role) (int64, error) {
	var gen int64
	err := s.do(func() error {
		v, err := s.client.Get(ctx, s.generationKey(role))
		if pkgredis.IsNilError(err) {
			return nil
		}
		if err != nil {
			return err
		}
		gen, err = strconv.ParseInt(v, 10, 64)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reading cache generation: %w", err)
	}
	return gen, nil
}

func (s *RedisStore) Bump(ctx context.Context, role index.Role) error {
	return s.do(func() error {
		_, err := s.client.IncrBy(ctx, s.generationKey(role), 1)
		return err
	})
}

func encodeIDs(ids []int64) (string, error) {
	if ids == nil {
		ids = []int64{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encoding cached ids: %w", err)
	}
	return string(b), nil
}

func decodeIDs(raw string) ([]int64, error) {
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decoding cached ids: %w", err)
	}
	return ids, nil
}

func containsAny(haystack, needles []int64) bool {
	if len(needles) == 0 {
		return false
	}
	set := make(map[int64]struct{}, len(needles))
	for _, id := range needles {
		set[id] = struct{}{}
	}
	for _, id := range haystack {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}
