// Package di provides dependency injection wiring and initialization.
package di

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel-ingest/internal/archival"
	"github.com/aristath/sentinel-ingest/internal/clients/fmp"
	"github.com/aristath/sentinel-ingest/internal/config"
	"github.com/aristath/sentinel-ingest/internal/database"
	"github.com/aristath/sentinel-ingest/internal/fetchlog"
	"github.com/aristath/sentinel-ingest/internal/ingest"
	"github.com/aristath/sentinel-ingest/internal/metrics"
	"github.com/aristath/sentinel-ingest/internal/pipeline"
	"github.com/aristath/sentinel-ingest/internal/provider"
	"github.com/aristath/sentinel-ingest/internal/tasklog"
)

// Wire initializes all dependencies and returns a fully configured container.
// Order of operations:
// 1. Metrics registry
// 2. Connection pool and schema
// 3. Task and fetch logs
// 4. Provider client, pipeline, archival
// 5. Universe refresh and daily runner
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{Registry: prometheus.NewRegistry()}
	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.Metrics = metrics.New(c.Registry)

	// Step 2: store
	if err := initializeStore(ctx, c, cfg, log); err != nil {
		return nil, err
	}

	// Step 3: logs
	c.TaskLog = tasklog.NewStore(c.Pool, log)
	c.FetchLog = fetchlog.NewStore(c.Pool, log)

	// Step 4: services
	if err := initializeServices(ctx, c, cfg, log); err != nil {
		c.Close()
		return nil, err
	}

	// Step 5: runner. Typed nil interfaces would defeat the runner's nil
	// checks, so the fetchers stay untyped nil without a client.
	var (
		prices     provider.PriceFetcher
		valuations provider.ValuationFetcher
		news       provider.NewsFetcher
	)
	if c.FMP != nil {
		prices, valuations, news = c.FMP, c.FMP, c.FMP
	}
	c.Runner = ingest.NewRunner(c.Pipeline, prices, valuations, news, c.Archival, cfg.Jobs, log)
	if cfg.Jobs.UniverseFile != "" {
		c.Universe = ingest.NewUniverse(c.Pool, c.TaskLog, cfg.Jobs, log)
		c.Runner.SetUniverse(c.Universe)
	}

	log.Info().Msg("Dependency injection wiring completed successfully")

	return c, nil
}

func initializeStore(ctx context.Context, c *Container, cfg *config.Config, log zerolog.Logger) error {
	pool := database.NewPool(database.PoolConfig{
		Addr:           cfg.DatabaseURL,
		Profile:        database.ProfileStandard,
		Name:           "ingest",
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		Retry:          cfg.Pool.RetryPolicy(),
		Metrics:        c.Metrics,
	}, log)

	if err := pool.Initialize(ctx, cfg.Pool.Min, cfg.Pool.Max); err != nil {
		return fmt.Errorf("failed to initialize connection pool: %w", err)
	}
	if err := pool.Migrate(ctx); err != nil {
		pool.Shutdown()
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	c.Metrics.RegisterPoolGauges(func() (int, int) {
		s := pool.Stats()
		return s.Live, s.InUse
	})
	c.Pool = pool
	return nil
}

func initializeServices(ctx context.Context, c *Container, cfg *config.Config, log zerolog.Logger) error {
	if cfg.FMP.APIKey != "" {
		c.FMP = fmp.NewClient(cfg.FMP, log)
	} else {
		log.Warn().Msg("FMP_API_KEY not set, provider steps are disabled")
	}

	c.Pipeline = pipeline.New(c.Pool, c.TaskLog, c.FetchLog, cfg.Pipeline, log, c.Metrics)

	var uploader archival.Uploader
	if cfg.S3.Enabled() {
		u, err := archival.NewS3Uploader(ctx, cfg.S3, cfg.Pool.RetryPolicy(), log)
		if err != nil {
			return fmt.Errorf("failed to initialize archive uploader: %w", err)
		}
		c.Uploader = u
		uploader = u
	}
	c.Archival = archival.NewJob(c.Pool, c.TaskLog, cfg.Archival, log, c.Metrics, uploader)

	return nil
}
