// Package build orchestrates full index builds: it prepares a role, creates
// its tables, queues every catalog id in batches, drives the task runner
// according to the run mode and, once every applicable kind has finished,
// marks the build completed and promotes a tmp build to main.
package build

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/failure"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/lock"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/source"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/status"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/tasks"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/text"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
	"github.com/google/uuid"
)

// Dispatcher schedules the drain of one queue.
type Dispatcher = tasks.Dispatcher

// Invalidator drops cached query results.
type Invalidator interface {
	DeleteContaining(ctx context.Context, role index.Role, ids []int64) error
	Purge(ctx context.Context, role index.Role) error
}

// Default batch sizes per kind.
const (
	DefaultReadableBatch   = 50
	DefaultSearchableBatch = 50
	DefaultTaxonomyBatch   = 100
	DefaultVariationBatch  = 100
)

// Deps are the collaborators of an Orchestrator. Pipeline, Reporter, Cache
// and Metrics are optional.
type Deps struct {
	Store    *sqlstore.Client
	Status   status.Store
	Locks    lock.Locker
	Queues   tasks.QueueStore
	Source   source.Source
	Pipeline *text.Pipeline
	Reporter failure.Reporter
	Cache    Invalidator
	Metrics  *metrics.Metrics
}

// Orchestrator runs the build state machine.
type Orchestrator struct {
	cfg        config.IndexConfig
	store      *sqlstore.Client
	tables     index.Tables
	status     status.Store
	locks      lock.Locker
	source     source.Source
	batcher    *indexer.Batcher
	runner     *tasks.Runner
	reporter   failure.Reporter
	cache      Invalidator
	metrics    *metrics.Metrics
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

type dispatchFunc func(ctx context.Context, role index.Role, kind index.Kind) error

func (f dispatchFunc) Dispatch(ctx context.Context, role index.Role, kind index.Kind) error {
	return f(ctx, role, kind)
}

func New(cfg config.IndexConfig, deps Deps) (*Orchestrator, error) {
	pipeline := deps.Pipeline
	if pipeline == nil {
		var err error
		if pipeline, err = text.NewPipeline(cfg); err != nil {
			return nil, err
		}
	}
	ix := indexer.New(pipeline)
	batcher := &indexer.Batcher{
		Store:      deps.Store,
		Prefix:     cfg.TablePrefix,
		Source:     deps.Source,
		Indexer:    ix,
		Languages:  cfg.Languages,
		Subtypes:   cfg.Subtypes,
		Taxonomies: cfg.Taxonomies,
		Taxonomy:   indexer.TaxonomyWriter{Pipeline: pipeline},
	}
	runner, err := tasks.NewRunner(deps.Queues, deps.Status, deps.Locks, batcher.Processors(), tasks.Options{
		LivenessInterval: cfg.LivenessInterval,
		LockWait:         cfg.LockWait,
		Metrics:          deps.Metrics,
	})
	if err != nil {
		return nil, err
	}
	reporter := deps.Reporter
	if reporter == nil {
		reporter = failure.NewLog()
	}
	o := &Orchestrator{
		cfg:      cfg,
		store:    deps.Store,
		tables:   index.Tables{Prefix: cfg.TablePrefix},
		status:   deps.Status,
		locks:    deps.Locks,
		source:   deps.Source,
		batcher:  batcher,
		runner:   runner,
		reporter: reporter,
		cache:    deps.Cache,
		metrics:  deps.Metrics,
		logger:   slog.Default().With("component", "build"),
		now:      time.Now,
	}
	o.SetDispatcher(dispatchFunc(runner.Drain))

	runner.OnComplete(index.Searchable, o.kindDone)
	runner.OnComplete(index.Readable, o.readableDone)
	runner.OnComplete(index.Taxonomy, o.kindDone)
	runner.OnComplete(index.Variation, o.kindDone)
	runner.OnFailure(o.onFailure)
	return o, nil
}

// SetDispatcher replaces the inline dispatcher used for async work.
func (o *Orchestrator) SetDispatcher(d Dispatcher) {
	o.dispatcher = d
	o.runner.SetDispatcher(d)
}

// Runner exposes the task runner to scheduler adapters.
func (o *Orchestrator) Runner() *tasks.Runner {
	return o.runner
}

// Config returns the index settings the orchestrator was built with.
func (o *Orchestrator) Config() config.IndexConfig {
	return o.cfg
}

func (o *Orchestrator) batchSize(kind index.Kind) int {
	sizes := o.cfg.BatchSizes
	pick := func(configured, fallback int) int {
		if configured > 0 {
			return configured
		}
		return fallback
	}
	switch kind {
	case index.Readable:
		return pick(sizes.Readable, DefaultReadableBatch)
	case index.Taxonomy:
		return pick(sizes.Taxonomy, DefaultTaxonomyBatch)
	case index.Variation:
		return pick(sizes.Variation, DefaultVariationBatch)
	default:
		return pick(sizes.Searchable, DefaultSearchableBatch)
	}
}

// applicable reports whether kind is built at all with the current settings.
func (o *Orchestrator) applicable(kind index.Kind) bool {
	switch kind {
	case index.Taxonomy:
		return len(o.cfg.Taxonomies) > 0
	case index.Variation:
		return o.cfg.VariationSKU
	default:
		return true
	}
}

// ActiveRole returns the role a build is running or last ran on: tmp while
// a parallel build exists, main otherwise.
func (o *Orchestrator) ActiveRole(ctx context.Context) (index.Role, error) {
	if !o.cfg.ParallelBuild {
		return index.Main, nil
	}
	state, err := status.Current(ctx, o.status, index.Tmp)
	if err != nil {
		return "", err
	}
	if state != status.NotExist {
		return index.Tmp, nil
	}
	return index.Main, nil
}

// Status returns the record of role.
func (o *Orchestrator) Status(ctx context.Context, role index.Role) (*status.Record, error) {
	return status.Load(ctx, o.status, role)
}

// targetRole picks where a new build goes: tmp when main is serving a
// completed index and parallel building is on.
func (o *Orchestrator) targetRole(ctx context.Context) (index.Role, error) {
	if !o.cfg.ParallelBuild {
		return index.Main, nil
	}
	state, err := status.Current(ctx, o.status, index.Main)
	if err != nil {
		return "", err
	}
	if state == status.Completed {
		return index.Tmp, nil
	}
	return index.Main, nil
}

// PrepareBuild writes a fresh status record with status preparing and
// returns it. A build still making progress on the target role is rejected;
// a stalled one is failed first.
func (o *Orchestrator) PrepareBuild(ctx context.Context) (*status.Record, error) {
	unlock, err := o.locks.Acquire(ctx, "prepare", 0)
	if apperrors.Is(err, apperrors.ErrLockTimeout) {
		return nil, fmt.Errorf("%w: another build is being prepared", apperrors.ErrBuildInFlight)
	}
	if err != nil {
		return nil, err
	}
	defer unlock()

	role, err := o.targetRole(ctx)
	if err != nil {
		return nil, err
	}
	state, err := status.Current(ctx, o.status, role)
	if err != nil {
		return nil, err
	}
	if state == status.Preparing || state == status.Building {
		stalled, err := o.IsIndexerWorkingTooLong(ctx, role)
		if err != nil {
			return nil, err
		}
		if !stalled {
			return nil, fmt.Errorf("%w: %s build is %s", apperrors.ErrBuildInFlight, role, state)
		}
		o.handleFailure(ctx, role, apperrors.Critical(apperrors.TypeStalled,
			fmt.Errorf("%w: replaced by a new build", apperrors.ErrStalled)))
	}

	if err := o.runner.CancelAll(ctx, role); err != nil {
		return nil, err
	}
	now := strconv.FormatInt(o.now().Unix(), 10)
	buildID := uuid.NewString()
	fields := map[string]string{
		status.KeyBuildID:       buildID,
		status.KeyStatus:        string(status.Preparing),
		status.KeyStartTS:       now,
		status.KeyLastActionTS:  now,
		status.KeyLanguages:     strings.Join(o.cfg.Languages, ","),
		status.KeyPluginVersion: o.cfg.Version,
		status.KeyStemmer:       o.batcher.Indexer.Pipeline().Stemmer(),
		status.KeyLogs:          "[]",
	}
	if err := status.Reset(ctx, o.status, role, fields); err != nil {
		return nil, err
	}
	ctx = logger.WithBuildID(ctx, buildID)
	o.log(ctx, role, "build prepared")
	return status.Load(ctx, o.status, role)
}

// BuildProcess starts the prepared build: it creates the role's tables,
// queues the searchable and readable ids and runs them per run mode.
func (o *Orchestrator) BuildProcess(ctx context.Context) error {
	role, err := o.ActiveRole(ctx)
	if err != nil {
		return err
	}
	rec, err := status.Load(ctx, o.status, role)
	if err != nil {
		return err
	}
	if rec.Status != status.Preparing {
		return fmt.Errorf("%w: %s build is %s, expected %s", apperrors.ErrInvalidState, role, rec.Status, status.Preparing)
	}
	ctx = logger.WithBuildID(ctx, rec.BuildID)
	if err := status.Transition(ctx, o.status, role, status.Building); err != nil {
		return err
	}
	if err := status.SetInt(ctx, o.status, role, status.KeyLastActionTS, o.now().Unix()); err != nil {
		return err
	}

	if err := o.createTables(ctx, role); err != nil {
		return o.abort(ctx, role, apperrors.Critical(apperrors.TypeDatastore, err))
	}
	for _, kind := range index.Kinds {
		if o.applicable(kind) {
			continue
		}
		if err := status.SetInt(ctx, o.status, role, status.EndKey(kind), status.NotApplicable); err != nil {
			return o.abort(ctx, role, apperrors.Critical(apperrors.TypeDatastore, err))
		}
	}
	o.log(ctx, role, "build started in "+o.runMode()+" mode")
	if o.runMode() == config.RunModeDirect {
		return o.runInline(ctx, role)
	}
	for _, kind := range []index.Kind{index.Searchable, index.Readable} {
		if err := o.enqueue(ctx, role, kind); err != nil {
			return o.abort(ctx, role, err)
		}
	}

	switch o.runMode() {
	case config.RunModeAsync:
		for _, kind := range []index.Kind{index.Searchable, index.Readable} {
			if err := o.dispatcher.Dispatch(ctx, role, kind); err != nil {
				return o.abort(ctx, role, apperrors.Critical(apperrors.TypeInternal, err))
			}
		}
		return nil
	default:
		// Sync mode drains the queues from this goroutine. The batches stay
		// queued until acked, so a crash leaves them for a worker to resume.
		if err := o.runner.Drain(ctx, role, index.Searchable); err != nil {
			return err
		}
		return o.runner.Drain(ctx, role, index.Readable)
	}
}

func (o *Orchestrator) runMode() string {
	if o.cfg.RunMode == "" {
		return config.RunModeSync
	}
	return o.cfg.RunMode
}

// createTables replaces whatever the role had with empty tables.
func (o *Orchestrator) createTables(ctx context.Context, role index.Role) error {
	return o.store.InTx(ctx, func(tx *sql.Tx) error {
		if err := o.tables.Drop(ctx, o.store, tx, role); err != nil {
			return err
		}
		return o.tables.Create(ctx, o.store, tx, role, index.Partitions(o.cfg.Languages, o.cfg.Subtypes))
	})
}

// runInline processes every applicable kind in the calling goroutine, in
// phase order, without touching the batch queues.
func (o *Orchestrator) runInline(ctx context.Context, role index.Role) error {
	for _, kind := range index.Kinds {
		if !o.applicable(kind) {
			continue
		}
		batches, err := o.plan(ctx, role, kind)
		if err != nil {
			return o.abort(ctx, role, err)
		}
		if err := o.runner.Run(ctx, role, kind, batches); err != nil {
			return err
		}
		state, err := status.Current(ctx, o.status, role)
		if err != nil {
			return err
		}
		if state != status.Building {
			return nil
		}
	}
	return nil
}

// plan records the start and total of kind and splits its ids into batches.
func (o *Orchestrator) plan(ctx context.Context, role index.Role, kind index.Kind) ([][]int64, error) {
	ids, err := o.source.IDs(ctx, kind)
	if err != nil {
		return nil, apperrors.Critical(apperrors.TypeSource, fmt.Errorf("listing %s ids: %w", kind, err))
	}
	if err := status.SetInt(ctx, o.status, role, status.StartKey(kind), o.now().Unix()); err != nil {
		return nil, apperrors.Critical(apperrors.TypeDatastore, err)
	}
	if err := status.SetInt(ctx, o.status, role, status.TotalKey(kind), int64(len(ids))); err != nil {
		return nil, apperrors.Critical(apperrors.TypeDatastore, err)
	}
	return tasks.Chunk(ids, o.batchSize(kind)), nil
}

// enqueue plans kind and queues its batches.
func (o *Orchestrator) enqueue(ctx context.Context, role index.Role, kind index.Kind) error {
	batches, err := o.plan(ctx, role, kind)
	if err != nil {
		return err
	}
	if err := o.runner.Enqueue(ctx, role, kind, batches); err != nil {
		return apperrors.Critical(apperrors.TypeDatastore, err)
	}
	o.logger.Info("queued ids", "role", role, "kind", kind, "batches", len(batches), "batch_size", o.batchSize(kind))
	return nil
}

// log appends line to the role's build log under the status lock and
// mirrors it to slog.
func (o *Orchestrator) log(ctx context.Context, role index.Role, line string) {
	logger.FromContext(ctx).Info(line, "component", "build", "role", role)
	unlock, err := o.locks.Acquire(ctx, "status:"+string(role), o.cfg.LockWait)
	if err != nil {
		o.logger.Warn("skipping build log line", "role", role, "error", err)
		return
	}
	defer unlock()
	if err := status.AppendLog(ctx, o.status, role, line); err != nil {
		o.logger.Warn("appending build log failed", "role", role, "error", err)
	}
}
