// Package main is the entry point for the market data ingest service.
// It pulls prices, valuations and news from the provider into the store,
// then archives aged rows into date-partitioned CSV files.
//
// Usage:
//
//	ingest [sync|archive|status]
//
// sync (the default) runs the full daily sequence, archive runs only the
// archival step and status prints the latest task runs and fetch sessions.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel-ingest/internal/config"
	"github.com/aristath/sentinel-ingest/internal/di"
	"github.com/aristath/sentinel-ingest/pkg/logger"
)

// main orchestrates the run:
// 1. Loads configuration from environment variables and the optional TOML file
// 2. Initializes logging
// 3. Wires the store, logs, provider client, pipeline and archival job
// 4. Starts the metrics endpoint when METRICS_ADDR is set
// 5. Runs the requested command until it finishes or a signal arrives
//
// The process exits with status 1 when any step failed.
func main() {
	command := "sync"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(cfg.Log)

	// Cancel on SIGINT/SIGTERM. In-flight fetches are abandoned, but run
	// completions are still written.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, command, cfg, log); err != nil {
		log.Error().Err(err).Str("command", command).Msg("Ingest failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, cfg *config.Config, log zerolog.Logger) error {
	switch command {
	case "sync", "archive", "status":
	default:
		return fmt.Errorf("unknown command %q (expected sync, archive or status)", command)
	}

	if command == "sync" && cfg.FMP.APIKey == "" {
		return errors.New("FMP_API_KEY is required for sync")
	}

	container, err := di.Wire(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to wire dependencies: %w", err)
	}
	defer container.Close()

	if cfg.MetricsAddr != "" && command != "status" {
		srv := startMetricsServer(cfg.MetricsAddr, container, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	switch command {
	case "status":
		return printStatus(ctx, container, os.Stdout)

	case "archive":
		res, err := container.Archival.Run(ctx)
		log.Info().Int64("rows", res.Rows()).Msg("Archival completed")
		return err

	default:
		report := container.Runner.RunDaily(ctx)
		if !report.Success() {
			return fmt.Errorf("daily sync failed steps: %v", report.Failed())
		}
		return nil
	}
}

func startMetricsServer(addr string, container *di.Container, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(container.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := container.Pool.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return srv
}

func printStatus(ctx context.Context, container *di.Container, out *os.File) error {
	runs, err := container.TaskLog.LatestPerTask(ctx)
	if err != nil {
		return fmt.Errorf("failed to load task runs: %w", err)
	}

	w := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tROWS\tSTARTED\tDURATION\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%.1fs\t%s\n",
			r.TaskName, r.Status, r.RowsUpdated, r.StartedAt.Local().Format(time.DateTime), r.DurationSeconds, r.ErrorMessage)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	sessions, err := container.FetchLog.RecentSessions(ctx, 5)
	if err != nil {
		return fmt.Errorf("failed to load fetch sessions: %w", err)
	}

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTARTED\tTICKERS\tOK\tFAILED\tSKIPPED\tRECORDS")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			s.SessionID, s.StartedAt.Local().Format(time.DateTime), s.TickersProcessed,
			s.Successful, s.Failed, s.Skipped, s.TotalRecords)
	}
	return w.Flush()
}
