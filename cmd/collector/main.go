package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"osrsprices/internal/config"
	"osrsprices/internal/database"
	"osrsprices/internal/feed"
	"osrsprices/internal/ingest"
	"osrsprices/internal/logging"
	"osrsprices/internal/model"
	"osrsprices/internal/observability"
	"osrsprices/internal/prices"
	"osrsprices/internal/scheduler"
	"osrsprices/internal/wiki"
)

func main() {
	var (
		configPath = flag.String("config", ".", "directory containing config.yaml and .env")
		job        = flag.String("job", "all", "job to run once: latest, 5m, 1h, mapping, all or backfill")
		schedule   = flag.Bool("schedule", false, "run every job on its configured interval until interrupted")
		skipSchema = flag.Bool("skip-schema", false, "skip the up-front schema sync (drift is still repaired per row)")
		at         = flag.String("at", "", "historical snapshot time for 5m/1h (date, RFC3339 or unix epoch)")
		itemID     = flag.Int("item", 0, "restrict to one item id (required for backfill)")
		timestep   = flag.String("timestep", "5m", "backfill timestep: 5m or 1h")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}
	if *skipSchema {
		cfg.Ingest.SkipSchemaSync = true
	}

	logger := logging.New(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	params := wiki.Params{ItemID: *itemID}
	if *at != "" {
		ts, err := prices.NormalizeTime(*at)
		if err != nil {
			logger.Error("Invalid -at value", "value", *at, "error", err)
			os.Exit(2)
		}
		params.Timestamp = ts.Unix()
	}

	if err := run(ctx, logger, cfg, *schedule, *job, params, *timestep); err != nil {
		logger.Error("Collector failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config, schedule bool, job string, params wiki.Params, timestep string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg, cfg.Metrics.Namespace)

	pool, err := database.NewPool(ctx, cfg.Database.DSN())
	if err != nil {
		return err
	}
	defer pool.Close()

	repo := database.NewPostgresRepository(logger, pool, metrics)
	if err := repo.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	client := wiki.NewClient(logger, cfg.Wiki, metrics)
	pipeline := ingest.NewPipeline(logger, client, repo, metrics, cfg.Ingest)

	if !schedule {
		return runOnce(ctx, pipeline, job, params, timestep)
	}

	if cfg.Metrics.Addr != "" {
		go serve(ctx, logger, "metrics", cfg.Metrics.Addr, observability.Handler(reg))
	}
	if cfg.Feed.Addr != "" {
		hub := feed.NewHub(logger)
		pipeline.SetPublisher(hub)
		go hub.Run(ctx)

		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		go serve(ctx, logger, "feed", cfg.Feed.Addr, mux)
	}

	s := scheduler.New(logger, metrics, cfg.Schedule.Workers)
	jobs := []scheduler.Job{
		{Name: string(model.Latest), Interval: cfg.Schedule.Latest, Run: discard(pipeline.CollectLatest)},
		{Name: string(model.FiveMinute), Interval: cfg.Schedule.FiveMinute, Run: discard(pipeline.CollectFiveMinute)},
		{Name: string(model.OneHour), Interval: cfg.Schedule.OneHour, Run: discard(pipeline.CollectOneHour)},
		{Name: ingest.JobMapping, Interval: cfg.Schedule.Mapping, Run: discard(pipeline.SyncMapping)},
	}
	for _, j := range jobs {
		if err := s.Add(j); err != nil {
			return err
		}
	}
	return s.Run(ctx)
}

func runOnce(ctx context.Context, pipeline *ingest.Pipeline, job string, params wiki.Params, timestep string) error {
	switch job {
	case "all":
		_, mapErr := pipeline.SyncMapping(ctx)
		_, err := pipeline.CollectAll(ctx, params)
		return errors.Join(mapErr, err)
	case ingest.JobMapping:
		_, err := pipeline.SyncMapping(ctx)
		return err
	case ingest.JobBackfill:
		if params.ItemID == 0 {
			return errors.New("backfill requires -item")
		}
		_, err := pipeline.Backfill(ctx, params.ItemID, timestep)
		return err
	}

	g, err := model.ParseGranularity(job)
	if err != nil {
		return fmt.Errorf("unknown job %q", job)
	}
	if g == model.Latest {
		params.Timestamp = 0
	}
	_, err = pipeline.Collect(ctx, g, params)
	return err
}

func discard(fn func(context.Context) (*ingest.BatchReport, error)) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := fn(ctx)
		return err
	}
}

// serve runs an HTTP server until ctx is cancelled.
func serve(ctx context.Context, logger *slog.Logger, name, addr string, h http.Handler) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown failed", "server", name, "error", err)
		}
	}()

	logger.Info("HTTP server listening", "server", name, "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("HTTP server failed", "server", name, "error", err)
	}
}
