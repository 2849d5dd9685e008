// Command searcher serves catalog search, index administration, live
// document updates, cache statistics and analytics over HTTP.
//
// Usage:
//
//	go run ./cmd/searcher [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/analytics"
	snapshots "github.com/Adithya-Monish-Kumar-K/catalog-search/internal/analytics/aggregator"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/api"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/app"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/auth/apikey"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/scheduler"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting search service",
		"port", cfg.Server.Port,
		"datastore", cfg.Datastore.Driver,
		"run_mode", cfg.Index.RunMode,
		"scorer", cfg.Search.Scorer,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	a, err := app.Open(ctx, cfg, m)
	if err != nil {
		slog.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	engine, err := a.Engine()
	if err != nil {
		slog.Error("failed to create search engine", "error", err)
		os.Exit(1)
	}

	var (
		tracker          api.Tracker
		collector        *analytics.Collector
		analyticsHandler *analytics.Handler
		history          http.HandlerFunc
	)
	if cfg.Analytics.Enabled {
		aggregator := analytics.NewAggregator()
		store := snapshots.NewStore(a.DB, cfg.Index.TablePrefix)
		if err := store.EnsureSchema(ctx); err != nil {
			slog.Error("failed to create analytics snapshot table", "error", err)
			os.Exit(1)
		}
		go store.Run(ctx, aggregator, cfg.Analytics.SnapshotInterval, cfg.Analytics.SnapshotRetention)

		var publisher kafka.Publisher
		if cfg.Kafka.Enabled {
			producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.SearchAnalytics, kafka.WithMetrics(m))
			defer producer.Close()
			publisher = producer
		}
		collector = analytics.NewCollector(publisher, aggregator,
			cfg.Analytics.BatchSize, cfg.Analytics.BufferSize, cfg.Analytics.FlushInterval)
		collector.Start(ctx)
		defer collector.Close()

		tracker = collector
		analyticsHandler = analytics.NewHandler(aggregator)
		history = store.HistoryHandler()
		slog.Info("analytics enabled", "kafka", cfg.Kafka.Enabled, "snapshot_interval", cfg.Analytics.SnapshotInterval)
	}

	go scheduler.Heartbeat(ctx, a.Orchestrator, cfg.Index.HeartbeatInterval)

	limiter := ratelimit.New(cfg.Server.RateLimit, cfg.Server.RateWindow)

	var admin func(http.Handler) http.Handler
	if cfg.Server.AdminAuth {
		keys := apikey.NewStore(a.DB, cfg.Index.TablePrefix)
		if err := keys.EnsureSchema(ctx); err != nil {
			slog.Error("failed to create api key table", "error", err)
			os.Exit(1)
		}
		admin = apikey.Require(keys)
		slog.Info("index administration requires an api key")
	}

	h := api.New(engine, a.Orchestrator, a.Cache, tracker, cfg.Search.MaxResults)
	router := api.NewRouter(h, api.RouterOptions{
		Admin:       admin,
		Ingest: ingestion.NewHandler(a.Source, a.Orchestrator, ingestion.Validator{
			Languages: cfg.Index.Languages,
			Subtypes:  cfg.Index.Subtypes,
		}),
		Analytics:   analyticsHandler,
		History:     history,
		Health:      a.Health,
		Limiter:     limiter,
		Metrics:     m,
		CORSOrigins: cfg.Server.CORSOrigins,
		Timeout:     cfg.Server.RequestTimeout,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("search service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	h.Wait()
	slog.Info("search service stopped")
}
