// Command analytics folds the search events every searcher publishes into one
// aggregate. It consumes the analytics topic, keeps running totals, latency
// percentiles and query rankings in memory, snapshots them to the datastore
// and serves GET /api/v1/analytics and GET /api/v1/analytics/history.
//
// Usage:
//
//	go run ./cmd/analytics [-config configs/development.yaml] [-port 8082]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/analytics"
	snapshots "github.com/Adithya-Monish-Kumar-K/catalog-search/internal/analytics/aggregator"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	port := flag.Int("port", 8082, "HTTP port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg, *port); err != nil {
		slog.Error("analytics service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("analytics service stopped")
}

func run(cfg *config.Config, port int) error {
	if !cfg.Kafka.Enabled {
		return errors.New("the analytics service consumes kafka; set kafka.enabled")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlstore.New(cfg.Datastore)
	if err != nil {
		return fmt.Errorf("connecting to datastore: %w", err)
	}
	defer db.Close()

	store := snapshots.NewStore(db, cfg.Index.TablePrefix)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	if latest, err := store.Latest(ctx); err != nil {
		slog.Warn("could not load latest snapshot", "error", err)
	} else if latest != nil {
		slog.Info("previous snapshot found",
			"captured_at", latest.CapturedAt,
			"total_searches", latest.Stats.TotalSearches,
		)
	}

	m := metrics.New()
	agg := analytics.NewAggregator()
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.SearchAnalytics, analytics.HandleEvent(agg), kafka.WithMetrics(m))

	checker := health.NewChecker()
	checker.Register("datastore", health.Ping(db.Ping))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/analytics", analytics.NewHandler(agg).Stats)
	mux.HandleFunc("GET /api/v1/analytics/history", store.HistoryHandler())
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())
	mux.Handle("GET /metrics", metrics.Handler())

	handler := middleware.RequestID(
		middleware.CORS(middleware.DefaultCORSConfig(cfg.Server.CORSOrigins...))(
			middleware.Metrics(m)(mux)))
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Start(gctx) })
	g.Go(func() error {
		store.Run(gctx, agg, cfg.Analytics.SnapshotInterval, cfg.Analytics.SnapshotRetention)
		return nil
	})
	g.Go(func() error {
		slog.Info("analytics service listening", "addr", server.Addr, "topic", cfg.Kafka.Topics.SearchAnalytics)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdown, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdown)
	})
	return g.Wait()
}
