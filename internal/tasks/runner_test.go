package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/lock"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/status"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]int64
	calls   int
	fn      func(ctx context.Context, b Batch) (int, error)
}

func (r *recorder) ProcessBatch(ctx context.Context, b Batch) (int, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.fn != nil {
		return r.fn(ctx, b)
	}
	for range b.IDs {
		if err := b.Check(ctx); err != nil {
			return 0, err
		}
	}
	r.mu.Lock()
	r.batches = append(r.batches, b.IDs)
	r.mu.Unlock()
	return len(b.IDs), nil
}

type fixture struct {
	runner  *Runner
	status  *status.SQLStore
	queues  *SQLQueue
	locks   *lock.Local
	procs   map[index.Kind]*recorder
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := sqlstore.OpenTest(t)
	st := status.NewSQLStore(db, "cs_")
	require.NoError(t, st.EnsureSchema(ctx))
	q := NewSQLQueue(db, "cs_")
	require.NoError(t, q.EnsureSchema(ctx))

	f := &fixture{
		status:  st,
		queues:  q,
		locks:   lock.NewLocal(),
		procs:   make(map[index.Kind]*recorder),
		metrics: metrics.NewWithRegistry(prometheus.NewRegistry()),
	}
	registry := make(map[index.Kind]BatchProcessor)
	for _, kind := range index.Kinds {
		rec := &recorder{}
		f.procs[kind] = rec
		registry[kind] = rec
	}
	r, err := NewRunner(q, st, f.locks, registry, Options{Metrics: f.metrics})
	require.NoError(t, err)
	f.runner = r
	return f
}

func (f *fixture) building(t *testing.T, role index.Role) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, status.Transition(ctx, f.status, role, status.Preparing))
	require.NoError(t, status.Transition(ctx, f.status, role, status.Building))
}

func TestChunk(t *testing.T) {
	assert.Equal(t, [][]int64{{1, 2}, {3, 4}, {5}}, Chunk([]int64{1, 2, 3, 4, 5}, 2))
	assert.Nil(t, Chunk(nil, 50))
	assert.Equal(t, [][]int64{{1, 2, 3}}, Chunk([]int64{1, 2, 3}, 0))
}

func TestNewRunnerRequiresEveryKind(t *testing.T) {
	_, err := NewRunner(nil, nil, nil, map[index.Kind]BatchProcessor{
		index.Searchable: ProcessorFunc(func(context.Context, Batch) (int, error) { return 0, nil }),
	}, Options{})
	require.ErrorIs(t, err, apperrors.ErrUnknownKind)
}

func TestDrainProcessesInOrderAndCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.building(t, index.Main)

	completed := 0
	f.runner.OnComplete(index.Searchable, func(ctx context.Context, role index.Role) error {
		completed++
		assert.Equal(t, index.Main, role)
		return nil
	})

	require.NoError(t, f.runner.Enqueue(ctx, index.Main, index.Searchable, Chunk([]int64{1, 2, 3, 4, 5}, 2)))
	pending, err := f.runner.Pending(ctx, index.Main, index.Searchable)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)

	require.NoError(t, f.runner.Drain(ctx, index.Main, index.Searchable))

	assert.Equal(t, [][]int64{{1, 2}, {3, 4}, {5}}, f.procs[index.Searchable].batches)
	assert.Equal(t, 1, completed)

	rec, err := status.Load(ctx, f.status, index.Main)
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.Phases[index.Searchable].Processed)
	assert.NotZero(t, rec.Phases[index.Searchable].EndTS)
	assert.NotZero(t, rec.LastActionTS)

	pending, err = f.runner.Pending(ctx, index.Main, index.Searchable)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.BatchesTotal.WithLabelValues("searchable", "ok")))
}

func TestDrainLeavesQueueWhenNotBuilding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.runner.Enqueue(ctx, index.Tmp, index.Readable, [][]int64{{1}}))

	require.NoError(t, f.runner.Drain(ctx, index.Tmp, index.Readable))

	assert.Zero(t, f.procs[index.Readable].calls)
	pending, err := f.runner.Pending(ctx, index.Tmp, index.Readable)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestCheckAbortsBatchOnCancellation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.building(t, index.Main)

	seen := 0
	f.procs[index.Searchable].fn = func(ctx context.Context, b Batch) (int, error) {
		for i := range b.IDs {
			if err := b.Check(ctx); err != nil {
				return i, err
			}
			seen++
			if i == 0 {
				require.NoError(t, status.Transition(ctx, f.status, index.Main, status.Cancellation))
			}
		}
		return len(b.IDs), nil
	}
	completed := false
	f.runner.OnComplete(index.Searchable, func(context.Context, index.Role) error {
		completed = true
		return nil
	})

	require.NoError(t, f.runner.Enqueue(ctx, index.Main, index.Searchable, [][]int64{{1, 2, 3}}))
	require.NoError(t, f.runner.Drain(ctx, index.Main, index.Searchable))

	assert.Equal(t, 1, seen)
	assert.False(t, completed)
}

func TestNonCriticalBatchIsRetriedThenDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.building(t, index.Main)

	f.procs[index.Taxonomy].fn = func(context.Context, Batch) (int, error) {
		return 0, apperrors.NonCritical(apperrors.TypeLockTimeout, errors.New("database is locked"))
	}

	require.NoError(t, f.runner.Enqueue(ctx, index.Main, index.Taxonomy, [][]int64{{7}, {8}}))
	require.NoError(t, f.runner.Drain(ctx, index.Main, index.Taxonomy))

	assert.Equal(t, 6, f.procs[index.Taxonomy].calls)
	rec, err := status.Load(ctx, f.status, index.Main)
	require.NoError(t, err)
	assert.Contains(t, rec.NonCriticalErrors, apperrors.TypeLockTimeout)
	assert.Equal(t, status.Building, rec.Status)
	assert.NotZero(t, rec.Phases[index.Taxonomy].EndTS)
}

func TestCriticalErrorRunsFailureHandler(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.building(t, index.Main)

	boom := apperrors.Critical(apperrors.TypeDatastore, errors.New("disk full"))
	f.procs[index.Variation].fn = func(context.Context, Batch) (int, error) {
		return 0, boom
	}
	var failedKind index.Kind
	f.runner.OnFailure(func(ctx context.Context, role index.Role, kind index.Kind, err error) {
		failedKind = kind
		assert.ErrorIs(t, err, boom)
	})

	require.NoError(t, f.runner.Enqueue(ctx, index.Main, index.Variation, [][]int64{{1}}))
	err := f.runner.Drain(ctx, index.Main, index.Variation)

	require.ErrorIs(t, err, boom)
	assert.Equal(t, index.Variation, failedKind)
	assert.Equal(t, 1, f.procs[index.Variation].calls)
}

func TestRunProcessesBatchesWithoutQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.building(t, index.Main)

	completed := 0
	f.runner.OnComplete(index.Readable, func(context.Context, index.Role) error {
		completed++
		return nil
	})

	require.NoError(t, f.runner.Run(ctx, index.Main, index.Readable, Chunk([]int64{7, 8, 9}, 2)))

	assert.Equal(t, [][]int64{{7, 8}, {9}}, f.procs[index.Readable].batches)
	assert.Equal(t, 1, completed)
	rec, err := status.Load(ctx, f.status, index.Main)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Phases[index.Readable].Processed)
	assert.NotZero(t, rec.Phases[index.Readable].EndTS)

	pending, err := f.runner.Pending(ctx, index.Main, index.Readable)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRunStopsAtFirstCriticalBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.building(t, index.Main)

	boom := apperrors.Critical(apperrors.TypeSource, errors.New("catalog gone"))
	f.procs[index.Searchable].fn = func(context.Context, Batch) (int, error) {
		return 0, boom
	}
	failures := 0
	f.runner.OnFailure(func(context.Context, index.Role, index.Kind, error) { failures++ })
	completed := 0
	f.runner.OnComplete(index.Searchable, func(context.Context, index.Role) error {
		completed++
		return nil
	})

	err := f.runner.Run(ctx, index.Main, index.Searchable, [][]int64{{1}, {2}})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, failures)
	assert.Equal(t, 1, f.procs[index.Searchable].calls)
	assert.Zero(t, completed)
}

func TestRunSkipsRoleThatIsNotBuilding(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.runner.Run(context.Background(), index.Tmp, index.Taxonomy, [][]int64{{1}}))
	assert.Zero(t, f.procs[index.Taxonomy].calls)
}

type dispatchLog struct {
	mu    sync.Mutex
	kinds []index.Kind
}

func (d *dispatchLog) Dispatch(_ context.Context, _ index.Role, kind index.Kind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kinds = append(d.kinds, kind)
	return nil
}

func TestDrainNextProcessesOneBatchAndRedispatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.building(t, index.Main)
	d := &dispatchLog{}
	f.runner.SetDispatcher(d)

	require.NoError(t, f.runner.Enqueue(ctx, index.Main, index.Readable, [][]int64{{1}, {2}}))

	more, err := f.runner.DrainNext(ctx, index.Main, index.Readable)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, [][]int64{{1}}, f.procs[index.Readable].batches)
	assert.Equal(t, []index.Kind{index.Readable}, d.kinds)

	more, err = f.runner.DrainNext(ctx, index.Main, index.Readable)
	require.NoError(t, err)
	assert.True(t, more)

	more, err = f.runner.DrainNext(ctx, index.Main, index.Readable)
	require.NoError(t, err)
	assert.False(t, more)
	end, err := status.GetInt(ctx, f.status, index.Main, status.EndKey(index.Readable))
	require.NoError(t, err)
	assert.NotZero(t, end)
}

func TestConcurrentDrainIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.building(t, index.Main)
	require.NoError(t, f.runner.Enqueue(ctx, index.Main, index.Searchable, [][]int64{{1}}))

	unlock, err := f.locks.Acquire(ctx, "drain:main:searchable", time.Second)
	require.NoError(t, err)
	require.NoError(t, f.runner.Drain(ctx, index.Main, index.Searchable))
	assert.Zero(t, f.procs[index.Searchable].calls)
	unlock()

	require.NoError(t, f.runner.Drain(ctx, index.Main, index.Searchable))
	assert.Equal(t, 1, f.procs[index.Searchable].calls)
}

func TestCancelAllClearsEveryKind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, kind := range index.Kinds {
		require.NoError(t, f.runner.Enqueue(ctx, index.Tmp, kind, [][]int64{{1}, {2}}))
	}
	require.NoError(t, f.runner.Enqueue(ctx, index.Main, index.Searchable, [][]int64{{1}}))

	require.NoError(t, f.runner.CancelAll(ctx, index.Tmp))

	for _, kind := range index.Kinds {
		n, err := f.runner.Pending(ctx, index.Tmp, kind)
		require.NoError(t, err)
		assert.Zero(t, n, kind)
	}
	n, err := f.runner.Pending(ctx, index.Main, index.Searchable)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
