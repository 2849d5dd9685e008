// Package cache memoizes keyword resolution: a normalized keyword pattern
// maps to the sorted ids it matched in one partition. Entries live in a
// Store and are fronted by an in-process LRU. They are dropped only when a
// document they contain changes or the role is swapped. Invalidations bump a
// per-role generation in the Store; a front that sees the generation move
// empties itself, so invalidations made by another process reach it within
// one sync interval.
package cache

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"
)

const (
	defaultLRUSize      = 1024
	defaultSyncInterval = time.Second
)

// Stats reports cache effectiveness since startup.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Writes  int64 `json:"writes"`
	LRUSize int   `json:"lru_size"`
}

// Option configures a Cache.
type Option func(*Cache)

// WithSyncInterval sets how long the front trusts the last generation it
// read. Zero checks the Store on every read.
func WithSyncInterval(d time.Duration) Option {
	return func(c *Cache) { c.syncInterval = d }
}

type generation struct {
	value   int64
	checked time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	store        Store
	parts        []index.Partition
	front        *lru.Cache[uint64, []int64]
	group        singleflight.Group
	syncInterval time.Duration
	syncMu       sync.Mutex
	seen         map[index.Role]generation
	metrics      *metrics.Metrics
	logger       *slog.Logger
	hits         atomic.Int64
	misses       atomic.Int64
	writes       atomic.Int64
}

// New wraps store. parts lists every partition invalidation has to reach.
func New(store Store, parts []index.Partition, lruSize int, m *metrics.Metrics, opts ...Option) *Cache {
	if lruSize <= 0 {
		lruSize = defaultLRUSize
	}
	front, _ := lru.New[uint64, []int64](lruSize)
	c := &Cache{
		store:        store,
		parts:        parts,
		front:        front,
		syncInterval: defaultSyncInterval,
		seen:         make(map[index.Role]generation),
		metrics:      m,
		logger:       slog.Default().With("component", "query-cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewStore picks the backend named by the search settings.
func NewStore(cfg config.SearchConfig, prefix string, db *sqlstore.Client, client *pkgredis.Client, m *metrics.Metrics) Store {
	if cfg.CacheBackend == config.BackendRedis && client != nil {
		return NewRedisStore(client, m)
	}
	return NewSQLStore(db, prefix)
}

func key(role index.Role, part index.Partition, pattern string) uint64 {
	return xxhash.Sum64String(string(role) + "\x00" + part.Subtype + "\x00" + part.Lang + "\x00" + pattern)
}

// Get returns the cached ids of pattern. Store errors count as misses.
func (c *Cache) Get(ctx context.Context, role index.Role, part index.Partition, pattern string) ([]int64, bool) {
	c.sync(ctx, role)
	k := key(role, part, pattern)
	if ids, ok := c.front.Get(k); ok {
		c.hit()
		return ids, true
	}
	ids, ok, err := c.store.Get(ctx, role, part, pattern)
	if err != nil {
		c.logger.Warn("cache read failed", "role", role, "partition", part, "error", err)
	}
	if err != nil || !ok {
		c.miss()
		return nil, false
	}
	c.front.Add(k, ids)
	c.hit()
	return ids, true
}

// Set stores ids for pattern. Failures are logged; the cache is best effort.
func (c *Cache) Set(ctx context.Context, role index.Role, part index.Partition, pattern string, ids []int64) {
	if err := c.store.Set(ctx, role, part, pattern, ids); err != nil {
		c.logger.Warn("cache write failed", "role", role, "partition", part, "error", err)
		return
	}
	c.sync(ctx, role)
	c.front.Add(key(role, part, pattern), ids)
	c.writes.Add(1)
	if c.metrics != nil {
		c.metrics.CacheWritesTotal.Inc()
	}
}

// Resolve returns the cached ids of pattern or computes them. Concurrent
// callers for the same pattern share one computation. The result is stored
// only when computing took at least threshold.
func (c *Cache) Resolve(ctx context.Context, role index.Role, part index.Partition, pattern string, threshold time.Duration,
	compute func(ctx context.Context) ([]int64, error)) ([]int64, bool, error) {
	if ids, ok := c.Get(ctx, role, part, pattern); ok {
		return ids, true, nil
	}
	k := key(role, part, pattern)
	v, err, _ := c.group.Do(strconv.FormatUint(k, 16), func() (any, error) {
		if ids, ok := c.front.Get(k); ok {
			return ids, nil
		}
		start := time.Now()
		ids, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if time.Since(start) >= threshold {
			c.Set(ctx, role, part, pattern, ids)
		}
		return ids, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]int64), false, nil
}

// DeleteContaining drops every entry of role holding one of ids, in every
// partition.
func (c *Cache) DeleteContaining(ctx context.Context, role index.Role, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	for _, k := range c.front.Keys() {
		if cached, ok := c.front.Peek(k); ok && containsAny(cached, ids) {
			c.front.Remove(k)
		}
	}
	var errs *multierror.Error
	for _, part := range c.parts {
		if err := c.store.DeleteContaining(ctx, role, part, ids); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := c.store.Bump(ctx, role); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// Purge drops every entry of role.
func (c *Cache) Purge(ctx context.Context, role index.Role) error {
	c.front.Purge()
	var errs *multierror.Error
	for _, part := range c.parts {
		if err := c.store.Purge(ctx, role, part); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := c.store.Bump(ctx, role); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}
	c.logger.Info("cache purged", "role", role)
	return nil
}

// sync empties the front when the generation of role moved since the last
// check. The first check of a role empties it too, since entries may have
// been added before any generation was known.
func (c *Cache) sync(ctx context.Context, role index.Role) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	last, known := c.seen[role]
	if known && c.syncInterval > 0 && time.Since(last.checked) < c.syncInterval {
		return
	}
	gen, err := c.store.Generation(ctx, role)
	if err != nil {
		c.logger.Warn("cache generation check failed", "role", role, "error", err)
		c.front.Purge()
		delete(c.seen, role)
		return
	}
	if !known || gen != last.value {
		c.front.Purge()
	}
	c.seen[role] = generation{value: gen, checked: time.Now()}
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Writes:  c.writes.Load(),
		LRUSize: c.front.Len(),
	}
}

func (c *Cache) hit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
}

func (c *Cache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}
