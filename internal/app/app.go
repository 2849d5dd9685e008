// Package app assembles the stores, caches and services shared by the
// binaries from one Config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/build"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/failure"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/lock"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/scheduler"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/search"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/source"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/status"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/tasks"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/text"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
	"github.com/hashicorp/go-multierror"
)

// App holds the long-lived components of a process.
type App struct {
	Config       *config.Config
	DB           *sqlstore.Client
	Redis        *pkgredis.Client
	Metrics      *metrics.Metrics
	Pipeline     *text.Pipeline
	Source       *source.SQLSource
	Cache        *cache.Cache
	Orchestrator *build.Orchestrator
	Health       *health.Checker

	pool    *scheduler.Pool
	closers []func() error
	logger  *slog.Logger
}

// Open connects to the datastore (and Redis when configured), creates the
// bookkeeping tables and wires the orchestrator. m may be nil.
func Open(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*App, error) {
	a := &App{
		Config:  cfg,
		Metrics: m,
		Health:  health.NewChecker(),
		logger:  slog.Default().With("component", "app"),
	}

	db, err := sqlstore.New(cfg.Datastore)
	if err != nil {
		return nil, fmt.Errorf("connecting to datastore: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)
	a.Health.Register("datastore", health.Ping(db.Ping))

	if cfg.Redis.Addr != "" {
		client, err := pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		a.Redis = client
		a.closers = append(a.closers, client.Close)
		a.Health.Register("redis", health.Optional(health.Ping(client.Ping)))
	}

	if a.Pipeline, err = text.NewPipeline(cfg.Index); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config
	prefix := cfg.Index.TablePrefix

	var statusStore status.Store
	if cfg.Index.StatusBackend == config.BackendRedis {
		statusStore = status.NewRedisStore(a.Redis)
	} else {
		st := status.NewSQLStore(a.DB, prefix)
		if err := st.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("creating status table: %w", err)
		}
		statusStore = st
	}

	var queues tasks.QueueStore
	if cfg.Index.QueueBackend == config.BackendRedis {
		queues = tasks.NewRedisQueue(a.Redis)
	} else {
		q := tasks.NewSQLQueue(a.DB, prefix)
		if err := q.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("creating queue table: %w", err)
		}
		queues = q
	}

	locks, err := lock.New(cfg.Index, a.Redis)
	if err != nil {
		return err
	}

	src := source.NewSQLSource(a.DB, cfg.Source)
	if err := src.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("creating catalog tables: %w", err)
	}
	a.Source = src

	parts := index.Partitions(cfg.Index.Languages, cfg.Index.Subtypes)
	a.Cache = cache.New(cache.NewStore(cfg.Search, prefix, a.DB, a.Redis, a.Metrics), parts, cfg.Search.CacheLRUSize, a.Metrics,
		cache.WithSyncInterval(cfg.Search.CacheSyncInterval))

	reporter := failure.Reporter(failure.NewLog())
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexFailure, kafka.WithMetrics(a.Metrics))
		a.closers = append(a.closers, producer.Close)
		reporter = failure.Multi{reporter, failure.NewKafka(producer, 5*time.Second)}
	}

	a.Orchestrator, err = build.New(cfg.Index, build.Deps{
		Store:    a.DB,
		Status:   statusStore,
		Locks:    locks,
		Queues:   queues,
		Source:   src,
		Pipeline: a.Pipeline,
		Reporter: reporter,
		Cache:    a.Cache,
		Metrics:  a.Metrics,
	})
	if err != nil {
		return err
	}

	if cfg.Index.RunMode == config.RunModeAsync {
		if cfg.Kafka.Enabled {
			producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexDrain, kafka.WithMetrics(a.Metrics))
			a.closers = append(a.closers, producer.Close)
			a.Orchestrator.SetDispatcher(scheduler.NewKafka(producer))
			a.logger.Info("async drains dispatched over kafka", "topic", cfg.Kafka.Topics.IndexDrain)
		} else {
			a.pool = scheduler.NewPool(a.Orchestrator.Runner(), cfg.Index.DispatchConcurrency)
			a.Orchestrator.SetDispatcher(a.pool)
			a.logger.Info("async drains dispatched in process", "concurrency", cfg.Index.DispatchConcurrency)
		}
	}
	a.Health.Register("index", a.indexHealth)
	return nil
}

// indexHealth is degraded until main holds a completed build, since searches
// answer empty results before that.
func (a *App) indexHealth(ctx context.Context) health.ComponentHealth {
	rec, err := a.Orchestrator.Status(ctx, index.Main)
	if err != nil {
		return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
	}
	if rec.Status != status.Completed {
		return health.ComponentHealth{Status: health.StatusDegraded, Message: "main index is " + string(rec.Status)}
	}
	return health.ComponentHealth{Status: health.StatusUp, Message: "build " + rec.BuildID}
}

// Engine builds a search engine over the main index sharing the app cache.
func (a *App) Engine() (*search.Engine, error) {
	opts := []search.Option{
		search.WithCache(a.Cache),
		search.WithVariationSKU(a.Config.Index.VariationSKU),
	}
	if a.Metrics != nil {
		opts = append(opts, search.WithMetrics(a.Metrics))
	}
	return search.New(a.DB, a.Config.Index.TablePrefix, a.Config.Search, a.Pipeline, opts...)
}

// Close stops the dispatch pool and releases connections in reverse order.
func (a *App) Close() error {
	if a.pool != nil {
		a.pool.Close()
	}
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}
