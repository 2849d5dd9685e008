package build

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/failure"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/lock"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/source"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/status"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/tasks"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prefix = "cs_"

type reports struct {
	mu     sync.Mutex
	events []failure.Event
}

func (r *reports) Report(_ context.Context, e failure.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type invalidations struct {
	ids    []int64
	purged int
}

func (i *invalidations) DeleteContaining(_ context.Context, _ index.Role, ids []int64) error {
	i.ids = append(i.ids, ids...)
	return nil
}

func (i *invalidations) Purge(context.Context, index.Role) error {
	i.purged++
	return nil
}

type parked struct{}

func (parked) Dispatch(context.Context, index.Role, index.Kind) error { return nil }

type brokenSource struct {
	*source.Memory
}

func (brokenSource) Documents(context.Context, []int64) ([]source.Document, error) {
	return nil, errors.New("catalog offline")
}

type fixture struct {
	o       *Orchestrator
	db      *sqlstore.Client
	src     *source.Memory
	status  *status.SQLStore
	reports *reports
	cache   *invalidations
	metrics *metrics.Metrics
}

func indexConfig() config.IndexConfig {
	return config.IndexConfig{
		TablePrefix: prefix,
		RunMode:     config.RunModeSync,
		Languages:   []string{"en"},
		Subtypes:    []string{"product"},
		Stemmer:     "suffix",
		StopWords:   []string{"a", "the", "and"},
		LockWait:    time.Second,
	}
}

func catalog() *source.Memory {
	m := source.NewMemory()
	m.PutDocument(source.Document{ID: 1, Subtype: "product", Lang: "en", Name: "Red shoes", Description: "A red leather shoe"})
	m.PutDocument(source.Document{ID: 2, Subtype: "product", Lang: "en", Name: "Blue hat"})
	m.PutDocument(source.Document{ID: 3, Subtype: "product", Lang: "en", Name: "Green socks"})
	m.PutTerm(source.TaxonomyTerm{ID: 10, Taxonomy: "product_cat", Lang: "en", Name: "Footwear"})
	m.PutVariation(source.Variation{ID: 20, ParentID: 1, Lang: "en", SKU: "RS-42"})
	return m
}

func newFixture(t *testing.T, cfg config.IndexConfig, src source.Source) *fixture {
	t.Helper()
	return newFixtureWithStatus(t, cfg, src, nil)
}

// newFixtureWithStatus lets wrap replace the status store the orchestrator
// sees; the fixture keeps the underlying SQL store.
func newFixtureWithStatus(t *testing.T, cfg config.IndexConfig, src source.Source, wrap func(status.Store) status.Store) *fixture {
	t.Helper()
	ctx := context.Background()
	db := sqlstore.OpenTest(t)
	st := status.NewSQLStore(db, prefix)
	require.NoError(t, st.EnsureSchema(ctx))
	q := tasks.NewSQLQueue(db, prefix)
	require.NoError(t, q.EnsureSchema(ctx))

	f := &fixture{
		db:      db,
		status:  st,
		reports: &reports{},
		cache:   &invalidations{},
		metrics: metrics.NewWithRegistry(prometheus.NewRegistry()),
	}
	if m, ok := src.(*source.Memory); ok {
		f.src = m
	}
	var seen status.Store = st
	if wrap != nil {
		seen = wrap(st)
	}
	o, err := New(cfg, Deps{
		Store:    db,
		Status:   seen,
		Locks:    lock.NewLocal(),
		Queues:   q,
		Source:   src,
		Reporter: f.reports,
		Cache:    f.cache,
		Metrics:  f.metrics,
	})
	require.NoError(t, err)
	f.o = o
	return f
}

func (f *fixture) build(t *testing.T) *status.Record {
	t.Helper()
	ctx := context.Background()
	rec, err := f.o.PrepareBuild(ctx)
	require.NoError(t, err)
	require.NoError(t, f.o.BuildProcess(ctx))
	return rec
}

func (f *fixture) tables(t *testing.T, role index.Role) []string {
	t.Helper()
	names, err := index.Tables{Prefix: prefix}.RoleTables(context.Background(), f.db, f.db.DB, role)
	require.NoError(t, err)
	return names
}

func (f *fixture) hasTerm(t *testing.T, role index.Role, term string) bool {
	t.Helper()
	s := index.NewSession(f.db, prefix, role, "en")
	var n int
	require.NoError(t, f.db.QueryRow(context.Background(), f.db.DB,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE term = ?`, sqlstore.QuoteIdent(s.Wordlist("product"))), term).Scan(&n))
	return n > 0
}

func (f *fixture) record(t *testing.T, role index.Role) *status.Record {
	t.Helper()
	rec, err := f.o.Status(context.Background(), role)
	require.NoError(t, err)
	return rec
}

func TestPrepareBuildWritesFreshRecord(t *testing.T) {
	f := newFixture(t, indexConfig(), catalog())

	rec, err := f.o.PrepareBuild(context.Background())
	require.NoError(t, err)

	assert.Equal(t, status.Preparing, rec.Status)
	assert.Equal(t, index.Main, rec.Role)
	assert.NotEmpty(t, rec.BuildID)
	assert.Equal(t, "suffix", rec.Stemmer)
	assert.Equal(t, []string{"en"}, rec.Languages)
	assert.NotEmpty(t, rec.Logs)
}

func TestBuildProcessRequiresPreparing(t *testing.T) {
	f := newFixture(t, indexConfig(), catalog())
	err := f.o.BuildProcess(context.Background())
	require.ErrorIs(t, err, apperrors.ErrInvalidState)
}

func TestSyncBuildCompletesWithoutOptionalKinds(t *testing.T) {
	f := newFixture(t, indexConfig(), catalog())
	f.build(t)

	rec := f.record(t, index.Main)
	assert.Equal(t, status.Completed, rec.Status)
	assert.Equal(t, status.NotApplicable, rec.Phases[index.Taxonomy].EndTS)
	assert.Equal(t, status.NotApplicable, rec.Phases[index.Variation].EndTS)
	assert.Equal(t, int64(3), rec.Phases[index.Searchable].Processed)
	assert.Equal(t, int64(3), rec.Phases[index.Searchable].Total)
	assert.Equal(t, int64(3), rec.Phases[index.Readable].Processed)
	assert.NotZero(t, rec.EndTS)

	assert.True(t, f.hasTerm(t, index.Main, "shoe"))
	assert.True(t, f.hasTerm(t, index.Main, "sock"))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.BuildsTotal.WithLabelValues("completed")))
}

func TestDirectBuildRunsDependentKinds(t *testing.T) {
	cfg := indexConfig()
	cfg.RunMode = config.RunModeDirect
	cfg.Taxonomies = []string{"product_cat"}
	cfg.VariationSKU = true
	f := newFixture(t, cfg, catalog())
	f.build(t)

	rec := f.record(t, index.Main)
	assert.Equal(t, status.Completed, rec.Status)
	for _, kind := range index.Kinds {
		assert.Positive(t, rec.Phases[kind].EndTS, kind)
	}
	assert.Equal(t, int64(1), rec.Phases[index.Taxonomy].Processed)
	assert.Equal(t, int64(1), rec.Phases[index.Variation].Processed)

	var sku string
	require.NoError(t, f.db.QueryRow(context.Background(), f.db.DB,
		fmt.Sprintf(`SELECT sku FROM %s`, sqlstore.QuoteIdent(index.Tables{Prefix: prefix}.Variation(index.Main)))).Scan(&sku))
	assert.Equal(t, "rs-42", sku)
}

func TestDirectBuildLeavesQueuesUntouched(t *testing.T) {
	cfg := indexConfig()
	cfg.RunMode = config.RunModeDirect
	cfg.Taxonomies = []string{"product_cat"}
	f := newFixture(t, cfg, catalog())
	f.o.SetDispatcher(parked{})
	ctx := context.Background()
	f.build(t)

	assert.Equal(t, status.Completed, f.record(t, index.Main).Status)
	for _, kind := range index.Kinds {
		pending, err := f.o.Runner().Pending(ctx, index.Main, kind)
		require.NoError(t, err)
		assert.Zero(t, pending, kind)
	}
}

func TestAsyncBuildWaitsForDispatchedWork(t *testing.T) {
	cfg := indexConfig()
	cfg.RunMode = config.RunModeAsync
	f := newFixture(t, cfg, catalog())
	f.o.SetDispatcher(parked{})
	ctx := context.Background()
	f.build(t)

	assert.Equal(t, status.Building, f.record(t, index.Main).Status)
	done, err := f.o.MaybeMarkAsCompleted(ctx, index.Main)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, f.o.Drain(ctx, index.Main, index.Searchable))
	assert.Equal(t, status.Building, f.record(t, index.Main).Status)
	require.NoError(t, f.o.Drain(ctx, index.Main, index.Readable))
	assert.Equal(t, status.Completed, f.record(t, index.Main).Status)
}

func TestParallelBuildSwapsTmpIntoMain(t *testing.T) {
	cfg := indexConfig()
	cfg.ParallelBuild = true
	f := newFixture(t, cfg, catalog())
	first := f.build(t)
	assert.Equal(t, index.Main, first.Role)

	f.src.PutDocument(source.Document{ID: 4, Subtype: "product", Lang: "en", Name: "Yellow scarf"})
	second := f.build(t)
	assert.Equal(t, index.Tmp, second.Role)

	assert.Empty(t, f.tables(t, index.Tmp))
	assert.NotEmpty(t, f.tables(t, index.Main))
	assert.True(t, f.hasTerm(t, index.Main, "scarf"))

	main := f.record(t, index.Main)
	assert.Equal(t, second.BuildID, main.BuildID)
	assert.Equal(t, status.Completed, main.Status)
	assert.Equal(t, status.NotExist, f.record(t, index.Tmp).Status)
	assert.Equal(t, 1, f.cache.purged)

	role, err := f.o.ActiveRole(context.Background())
	require.NoError(t, err)
	assert.Equal(t, index.Main, role)
}

// unreliableStatus hides the transactional copy and, once armed, garbles
// Set and rejects Add for one main key until failures writes have happened.
type unreliableStatus struct {
	status.Store
	key      string
	failures int

	mu     sync.Mutex
	armed  bool
	writes int
}

func (s *unreliableStatus) arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = true
}

func (s *unreliableStatus) failing(role index.Role, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed || role != index.Main || key != s.key {
		return false
	}
	s.writes++
	return s.writes <= s.failures
}

func (s *unreliableStatus) Set(ctx context.Context, role index.Role, key, value string) error {
	if s.failing(role, key) {
		return s.Store.Set(ctx, role, key, "garbled")
	}
	return s.Store.Set(ctx, role, key, value)
}

func (s *unreliableStatus) Add(ctx context.Context, role index.Role, key, value string) (bool, error) {
	if s.failing(role, key) {
		return false, errors.New("status backend unavailable")
	}
	return s.Store.Add(ctx, role, key, value)
}

func swapThroughUnreliableStatus(t *testing.T, failures int) (*fixture, *status.Record, error) {
	t.Helper()
	cfg := indexConfig()
	cfg.ParallelBuild = true
	unreliable := &unreliableStatus{key: status.KeyBuildID, failures: failures}
	f := newFixtureWithStatus(t, cfg, catalog(), func(st status.Store) status.Store {
		unreliable.Store = st
		return unreliable
	})
	_, isTx := f.o.status.(status.TxCopier)
	require.False(t, isTx)
	f.build(t)

	unreliable.arm()
	f.src.PutDocument(source.Document{ID: 4, Subtype: "product", Lang: "en", Name: "Yellow scarf"})
	ctx := context.Background()
	rec, err := f.o.PrepareBuild(ctx)
	require.NoError(t, err)
	require.Equal(t, index.Tmp, rec.Role)
	return f, rec, f.o.BuildProcess(ctx)
}

func TestKeyCopySwapRecoversOnFinalAttempt(t *testing.T) {
	f, second, err := swapThroughUnreliableStatus(t, 2)
	require.NoError(t, err)

	main := f.record(t, index.Main)
	assert.Equal(t, second.BuildID, main.BuildID)
	assert.Equal(t, status.Completed, main.Status)
	assert.Equal(t, status.NotExist, f.record(t, index.Tmp).Status)
	assert.Empty(t, f.tables(t, index.Tmp))
	assert.True(t, f.hasTerm(t, index.Main, "scarf"))
	assert.Equal(t, 1, f.cache.purged)
	assert.Empty(t, f.reports.events)
}

func TestKeyCopySwapFailsAfterEveryAttempt(t *testing.T) {
	f, second, err := swapThroughUnreliableStatus(t, 3)
	require.Error(t, err)
	assert.ErrorContains(t, err, "status backend unavailable")
	assert.True(t, apperrors.IsCritical(err))

	require.Len(t, f.reports.events, 1)
	event := f.reports.events[0]
	assert.Equal(t, index.Tmp, event.Role)
	assert.Equal(t, second.BuildID, event.BuildID)
	assert.Equal(t, apperrors.TypeDatastore, event.Code)
	assert.Zero(t, f.cache.purged)

	main := f.record(t, index.Main)
	assert.NotEqual(t, second.BuildID, main.BuildID)
}

func TestSwapIsNoopWithoutCompletedTmp(t *testing.T) {
	cfg := indexConfig()
	cfg.ParallelBuild = true
	f := newFixture(t, cfg, catalog())
	f.build(t)

	require.NoError(t, f.o.Swap(context.Background()))
	assert.Equal(t, status.Completed, f.record(t, index.Main).Status)
	assert.NotEmpty(t, f.tables(t, index.Main))
	assert.Zero(t, f.cache.purged)
}

func TestCancelLeavesNoTables(t *testing.T) {
	cfg := indexConfig()
	cfg.RunMode = config.RunModeAsync
	f := newFixture(t, cfg, catalog())
	f.o.SetDispatcher(parked{})
	ctx := context.Background()
	f.build(t)
	require.NotEmpty(t, f.tables(t, index.Main))

	require.NoError(t, f.o.CancelBuildIndex(ctx, true))

	assert.Empty(t, f.tables(t, index.Main))
	rec := f.record(t, index.Main)
	assert.Equal(t, status.NotExist, rec.Status)
	for _, kind := range index.Kinds {
		assert.Zero(t, rec.Phases[kind].StartTS, kind)
		n, err := f.o.Runner().Pending(ctx, index.Main, kind)
		require.NoError(t, err)
		assert.Zero(t, n, kind)
	}

	_, err := f.o.PrepareBuild(ctx)
	require.NoError(t, err)
}

func TestPrepareBuildRejectsBuildInFlight(t *testing.T) {
	cfg := indexConfig()
	cfg.RunMode = config.RunModeAsync
	f := newFixture(t, cfg, catalog())
	f.o.SetDispatcher(parked{})
	f.build(t)

	_, err := f.o.PrepareBuild(context.Background())
	require.ErrorIs(t, err, apperrors.ErrBuildInFlight)
}

func TestStalledBuildFailsOnHeartbeat(t *testing.T) {
	cfg := indexConfig()
	cfg.RunMode = config.RunModeAsync
	cfg.StallTimeout = 10 * time.Minute
	f := newFixture(t, cfg, catalog())
	f.o.SetDispatcher(parked{})
	ctx := context.Background()
	now := time.Now()
	f.o.now = func() time.Time { return now }
	rec := f.build(t)

	stalled, err := f.o.IsIndexerWorkingTooLong(ctx, index.Main)
	require.NoError(t, err)
	assert.False(t, stalled)

	now = now.Add(11 * time.Minute)
	stalled, err = f.o.IsIndexerWorkingTooLong(ctx, index.Main)
	require.NoError(t, err)
	assert.True(t, stalled)

	require.NoError(t, f.o.Heartbeat(ctx))
	assert.Equal(t, status.Error, f.record(t, index.Main).Status)
	assert.Empty(t, f.tables(t, index.Main))
	require.Len(t, f.reports.events, 1)
	assert.Equal(t, apperrors.TypeStalled, f.reports.events[0].Code)
	assert.Equal(t, rec.BuildID, f.reports.events[0].BuildID)

	_, err = f.o.PrepareBuild(ctx)
	require.NoError(t, err)
}

func TestExternalTriggerShortensStallTimeout(t *testing.T) {
	cfg := indexConfig()
	cfg.RunMode = config.RunModeAsync
	cfg.StallTimeout = time.Hour
	cfg.StallTimeoutWithTrigger = 3 * time.Minute
	cfg.ExternalTrigger = true
	f := newFixture(t, cfg, catalog())
	f.o.SetDispatcher(parked{})
	now := time.Now()
	f.o.now = func() time.Time { return now }
	f.build(t)

	now = now.Add(4 * time.Minute)
	stalled, err := f.o.IsIndexerWorkingTooLong(context.Background(), index.Main)
	require.NoError(t, err)
	assert.True(t, stalled)
}

func TestCriticalFailureDropsTablesAndReports(t *testing.T) {
	f := newFixture(t, indexConfig(), brokenSource{catalog()})
	ctx := context.Background()
	_, err := f.o.PrepareBuild(ctx)
	require.NoError(t, err)

	err = f.o.BuildProcess(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.IsCritical(err))

	assert.Equal(t, status.Error, f.record(t, index.Main).Status)
	assert.Empty(t, f.tables(t, index.Main))
	require.Len(t, f.reports.events, 1)
	assert.Equal(t, apperrors.TypeSource, f.reports.events[0].Code)
	assert.Contains(t, f.reports.events[0].Message, "catalog offline")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.BuildsTotal.WithLabelValues("error")))
}

func TestLiveDocumentUpdates(t *testing.T) {
	f := newFixture(t, indexConfig(), catalog())
	ctx := context.Background()
	f.build(t)

	f.src.PutDocument(source.Document{ID: 2, Subtype: "product", Lang: "en", Name: "Blue cap"})
	require.NoError(t, f.o.UpdateDocuments(ctx, []int64{2}))
	assert.True(t, f.hasTerm(t, index.Main, "cap"))
	assert.False(t, f.hasTerm(t, index.Main, "hat"))

	require.NoError(t, f.o.DeleteDocuments(ctx, []int64{3}))
	assert.False(t, f.hasTerm(t, index.Main, "sock"))
	assert.Equal(t, []int64{2, 3}, f.cache.ids)
}

func TestLiveUpdatesSkipMissingIndex(t *testing.T) {
	f := newFixture(t, indexConfig(), catalog())
	require.NoError(t, f.o.UpdateDocuments(context.Background(), []int64{1}))
	assert.Empty(t, f.tables(t, index.Main))
	assert.Equal(t, []int64{1}, f.cache.ids)
}
