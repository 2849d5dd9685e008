// Command indexer is the background build worker. It runs the stall
// heartbeat and the recurring full rebuild and, when Kafka is enabled,
// consumes drain requests so async builds spread across workers.
//
// Usage:
//
//	go run ./cmd/indexer [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/app"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/scheduler"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/metrics"
	"golang.org/x/sync/errgroup"
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
	slog.Info("starting indexer service",
		"run_mode", cfg.Index.RunMode,
		"languages", cfg.Index.Languages,
		"subtypes", cfg.Index.Subtypes,
		"kafka", cfg.Kafka.Enabled,
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

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Port) })
	}

	g.Go(func() error {
		scheduler.Heartbeat(gctx, a.Orchestrator, cfg.Index.HeartbeatInterval)
		return nil
	})

	if cfg.Index.Rebuild.Enabled {
		recurring := scheduler.NewRecurring(a.Orchestrator, cfg.Index.Rebuild.Interval, cfg.Index.Rebuild.StartHour)
		g.Go(func() error { return recurring.Run(gctx) })
		slog.Info("recurring rebuild enabled",
			"interval", cfg.Index.Rebuild.Interval,
			"start_hour", cfg.Index.Rebuild.StartHour,
		)
	}

	if cfg.Kafka.Enabled {
		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.IndexDrain, scheduler.HandleDrain(a.Orchestrator.Runner()), kafka.WithMetrics(m))
		g.Go(func() error { return consumer.Start(gctx) })
		slog.Info("consuming drain requests",
			"topic", cfg.Kafka.Topics.IndexDrain,
			"group", cfg.Kafka.ConsumerGroup,
		)
	}

	slog.Info("indexer service ready")
	if err := g.Wait(); err != nil {
		slog.Error("indexer stopped with error", "error", err)
	}
	slog.Info("indexer service stopped")
}
