package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prefix = "cs_"

var (
	en    = index.Partition{Lang: "en", Subtype: "product"}
	fr    = index.Partition{Lang: "fr", Subtype: "product"}
	parts = []index.Partition{en, fr}
)

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	db := sqlstore.OpenTest(t)
	require.NoError(t, index.Tables{Prefix: prefix}.Create(context.Background(), db, db.DB, index.Main, parts))
	return NewSQLStore(db, prefix)
}

func fixed(ids ...int64) func(context.Context) ([]int64, error) {
	return func(context.Context) ([]int64, error) { return ids, nil }
}

func TestSQLStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newSQLStore(t)

	_, ok, err := s.Get(ctx, index.Main, en, "shoe*")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, index.Main, en, "shoe*", []int64{1, 5}))
	require.NoError(t, s.Set(ctx, index.Main, en, "shoe*", []int64{1, 5, 9}))
	ids, ok, err := s.Get(ctx, index.Main, en, "shoe*")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int64{1, 5, 9}, ids)

	_, ok, err = s.Get(ctx, index.Main, fr, "shoe*")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLStoreMissingTableIsAMiss(t *testing.T) {
	ctx := context.Background()
	s := newSQLStore(t)

	_, ok, err := s.Get(ctx, index.Tmp, en, "hat")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.Set(ctx, index.Tmp, en, "hat", []int64{2}))
	require.NoError(t, s.DeleteContaining(ctx, index.Tmp, en, []int64{2}))
	require.NoError(t, s.Purge(ctx, index.Tmp, en))
}

func TestSQLStoreDeleteContainingMatchesWholeIDs(t *testing.T) {
	ctx := context.Background()
	s := newSQLStore(t)
	entries := map[string][]int64{
		"only":   {1},
		"first":  {1, 20},
		"middle": {3, 1, 4},
		"last":   {30, 1},
		"near":   {11, 21, 101},
		"empty":  {},
	}
	for pattern, ids := range entries {
		require.NoError(t, s.Set(ctx, index.Main, en, pattern, ids))
	}

	require.NoError(t, s.DeleteContaining(ctx, index.Main, en, []int64{1}))

	for pattern := range entries {
		_, ok, err := s.Get(ctx, index.Main, en, pattern)
		require.NoError(t, err)
		kept := pattern == "near" || pattern == "empty"
		assert.Equal(t, kept, ok, pattern)
	}
}

func TestResolveStoresSlowComputations(t *testing.T) {
	ctx := context.Background()
	store := newSQLStore(t)
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	c := New(store, parts, 16, m)

	ids, hit, err := c.Resolve(ctx, index.Main, en, "red", time.Hour, fixed(1, 2))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []int64{1, 2}, ids)
	_, ok, _ := store.Get(ctx, index.Main, en, "red")
	assert.False(t, ok, "fast result must not be cached")

	_, _, err = c.Resolve(ctx, index.Main, en, "blue", 0, fixed(3))
	require.NoError(t, err)
	ids, hit, err = c.Resolve(ctx, index.Main, en, "blue", 0, fixed(99))
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []int64{3}, ids)

	fresh := New(store, parts, 16, nil)
	ids, ok = fresh.Get(ctx, index.Main, en, "blue")
	assert.True(t, ok)
	assert.Equal(t, []int64{3}, ids)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Writes)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheWritesTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheHitsTotal))
}

func TestResolveSharesConcurrentComputations(t *testing.T) {
	ctx := context.Background()
	c := New(newSQLStore(t), parts, 16, nil)
	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) ([]int64, error) {
		calls.Add(1)
		<-release
		return []int64{7}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids, _, err := c.Resolve(ctx, index.Main, en, "sock", 0, compute)
			assert.NoError(t, err)
			assert.Equal(t, []int64{7}, ids)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestInvalidationReachesEveryPartition(t *testing.T) {
	ctx := context.Background()
	store := newSQLStore(t)
	c := New(store, parts, 16, nil)
	c.Set(ctx, index.Main, en, "shoe", []int64{1, 2})
	c.Set(ctx, index.Main, fr, "chaussure", []int64{2})
	c.Set(ctx, index.Main, en, "hat", []int64{3})

	require.NoError(t, c.DeleteContaining(ctx, index.Main, []int64{2}))

	_, ok := c.Get(ctx, index.Main, en, "shoe")
	assert.False(t, ok)
	_, ok = c.Get(ctx, index.Main, fr, "chaussure")
	assert.False(t, ok)
	_, ok = c.Get(ctx, index.Main, en, "hat")
	assert.True(t, ok)

	require.NoError(t, c.Purge(ctx, index.Main))
	_, ok = c.Get(ctx, index.Main, en, "hat")
	assert.False(t, ok)
	assert.Zero(t, c.Stats().LRUSize)
}

func TestSQLStoreGenerationMovesOnBump(t *testing.T) {
	ctx := context.Background()
	s := newSQLStore(t)

	gen, err := s.Generation(ctx, index.Main)
	require.NoError(t, err)
	assert.Zero(t, gen)

	require.NoError(t, s.Bump(ctx, index.Main))
	first, err := s.Generation(ctx, index.Main)
	require.NoError(t, err)
	assert.NotZero(t, first)

	require.NoError(t, s.Bump(ctx, index.Main))
	second, err := s.Generation(ctx, index.Main)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	tmp, err := s.Generation(ctx, index.Tmp)
	require.NoError(t, err)
	assert.Zero(t, tmp)
}

func TestInvalidationFromAnotherInstanceReachesFront(t *testing.T) {
	ctx := context.Background()
	store := newSQLStore(t)
	searcher := New(store, parts, 16, nil, WithSyncInterval(0))
	worker := New(store, parts, 16, nil)

	ids, hit, err := searcher.Resolve(ctx, index.Main, en, "shoe", 0, fixed(1, 2))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []int64{1, 2}, ids)
	ids, hit, err = searcher.Resolve(ctx, index.Main, en, "shoe", 0, fixed(99))
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []int64{1, 2}, ids)

	require.NoError(t, worker.DeleteContaining(ctx, index.Main, []int64{1}))

	ids, hit, err = searcher.Resolve(ctx, index.Main, en, "shoe", 0, fixed(2, 3))
	require.NoError(t, err)
	assert.False(t, hit, "entry invalidated elsewhere must be recomputed")
	assert.Equal(t, []int64{2, 3}, ids)

	_, _, err = searcher.Resolve(ctx, index.Main, en, "hat", 0, fixed(4))
	require.NoError(t, err)
	require.NoError(t, worker.Purge(ctx, index.Main))

	ids, hit, err = searcher.Resolve(ctx, index.Main, en, "hat", 0, fixed(5))
	require.NoError(t, err)
	assert.False(t, hit, "purge elsewhere must empty the front")
	assert.Equal(t, []int64{5}, ids)
}

func TestFrontTrustsGenerationWithinSyncInterval(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: newSQLStore(t)}
	c := New(store, parts, 16, nil, WithSyncInterval(time.Hour))

	c.Set(ctx, index.Main, en, "sock", []int64{7})
	for i := 0; i < 5; i++ {
		_, ok := c.Get(ctx, index.Main, en, "sock")
		assert.True(t, ok)
	}
	assert.Equal(t, int32(1), store.generations.Load())
}

type countingStore struct {
	Store
	generations atomic.Int32
}

func (s *countingStore) Generation(ctx context.Context, role index.Role) (int64, error) {
	s.generations.Add(1)
	return s.Store.Generation(ctx, role)
}
