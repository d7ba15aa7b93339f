/**
 * Package di provides dependency injection type definitions.
 *
 * This package defines the Container type which holds every long-lived
 * component of the ingest service. The Container is built once by Wire()
 * and handed to the command that runs.
 */
package di

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aristath/sentinel-ingest/internal/archival"
	"github.com/aristath/sentinel-ingest/internal/clients/fmp"
	"github.com/aristath/sentinel-ingest/internal/database"
	"github.com/aristath/sentinel-ingest/internal/fetchlog"
	"github.com/aristath/sentinel-ingest/internal/ingest"
	"github.com/aristath/sentinel-ingest/internal/metrics"
	"github.com/aristath/sentinel-ingest/internal/pipeline"
	"github.com/aristath/sentinel-ingest/internal/tasklog"
)

/**
 * Container holds all dependencies for the application.
 *
 * Architecture:
 * - Store: one pooled connection set (SQLite file or PostgreSQL server)
 * - Logs: task run log and per-ticker fetch log, both in the store
 * - Client: FMP market data provider (nil when no API key is configured)
 * - Pipeline: bounded-concurrency sync engine shared by every ingest job
 * - Archival: moves aged rows into CSV files, optionally mirrored to S3
 * - Universe: refreshes the securities table from the ticker list file
 * - Runner: the daily sequence tying the above together
 */
type Container struct {
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Pool *database.Pool

	TaskLog  *tasklog.Store
	FetchLog *fetchlog.Store

	FMP      *fmp.Client
	Pipeline *pipeline.Pipeline
	Archival *archival.Job
	Uploader *archival.S3Uploader // nil when S3 is not configured
	Universe *ingest.Universe     // nil when no universe file is configured
	Runner   *ingest.Runner
}

// Close releases the store connections.
func (c *Container) Close() {
	if c == nil || c.Pool == nil {
		return
	}
	c.Pool.Shutdown()
}
