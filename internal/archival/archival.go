// Package archival moves aged rows out of the primary store into
// append-only CSV day files, optionally replicated to object storage.
//
// A day bucket is written and synced to disk before its rows are deleted, so
// a crash between the two leaves duplicates in the file rather than lost
// rows.
package archival

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/sentinel-ingest/internal/database"
	"github.com/aristath/sentinel-ingest/internal/metrics"
	"github.com/aristath/sentinel-ingest/internal/tasklog"
)

// Config tunes the archival job.
type Config struct {
	Dir            string
	BatchSize      int
	PriceRetention time.Duration
	NewsRetention  time.Duration
	Now            func() time.Time
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Dir:            "archive",
		BatchSize:      5000,
		PriceRetention: 5 * 365 * 24 * time.Hour,
		NewsRetention:  30 * 24 * time.Hour,
		Now:            time.Now,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Dir == "" {
		c.Dir = def.Dir
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.PriceRetention <= 0 {
		c.PriceRetention = def.PriceRetention
	}
	if c.NewsRetention <= 0 {
		c.NewsRetention = def.NewsRetention
	}
	if c.Now == nil {
		c.Now = def.Now
	}
	return c
}

// Uploader replicates a finished day file to object storage.
type Uploader interface {
	Upload(ctx context.Context, key, localPath string) error
}

// Tracker records a unit of work in the task run log.
type Tracker interface {
	Track(ctx context.Context, taskName string, metadata map[string]any, fn tasklog.TrackFunc) (int64, error)
}

// SourceResult is the outcome of archiving one source.
type SourceResult struct {
	Category     string
	Rows         int64
	Days         int
	Files        []string // local paths touched, in write order
	Uploaded     int
	UploadFailed int
	Err          error
}

// Result is the outcome of a Run.
type Result struct {
	Sources []SourceResult
}

// Rows is the total number of archived rows.
func (r Result) Rows() int64 {
	var n int64
	for _, s := range r.Sources {
		n += s.Rows
	}
	return n
}

// Job archives aged rows.
type Job struct {
	pool     *database.Pool
	runs     Tracker
	cfg      Config
	log      zerolog.Logger
	metrics  *metrics.Metrics
	uploader Uploader
	sources  []Source
}

// NewJob creates an archival job over the price and news sources.
// uploader and m may be nil.
func NewJob(pool *database.Pool, runs Tracker, cfg Config, log zerolog.Logger, m *metrics.Metrics, uploader Uploader) *Job {
	cfg = cfg.withDefaults()
	return &Job{
		pool:     pool,
		runs:     runs,
		cfg:      cfg,
		log:      log.With().Str("job", "archival").Logger(),
		metrics:  m,
		uploader: uploader,
		sources: []Source{
			PriceSource(cfg.PriceRetention),
			NewsSource(cfg.NewsRetention),
		},
	}
}

// Run archives every source in turn. A failing source does not stop the
// others; the first error is returned alongside the full result.
func (j *Job) Run(ctx context.Context) (Result, error) {
	var (
		res      Result
		firstErr error
	)

	for _, src := range j.sources {
		if err := ctx.Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}

		sr, err := j.RunSource(ctx, src)
		res.Sources = append(res.Sources, sr)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if res.Rows() > 0 {
		if err := j.pool.Checkpoint(ctx); err != nil {
			j.log.Warn().Err(err).Msg("WAL checkpoint after archival failed")
		}
	}

	return res, firstErr
}

// RunSource archives one source, recorded in the task run log as
// archive_<category>.
func (j *Job) RunSource(ctx context.Context, src Source) (SourceResult, error) {
	cutoff := j.cfg.Now().Add(-src.Retention)
	sr := SourceResult{Category: src.Category}

	meta := map[string]any{
		"cutoff":     cutoff.UTC().Format(time.RFC3339),
		"batch_size": j.cfg.BatchSize,
	}

	_, err := j.runs.Track(ctx, "archive_"+src.Category, meta, func(ctx context.Context) (int64, map[string]any, error) {
		err := j.archive(ctx, src, cutoff, &sr)
		out := map[string]any{
			"days":          sr.Days,
			"files":         len(sr.Files),
			"uploaded":      sr.Uploaded,
			"upload_failed": sr.UploadFailed,
		}
		return sr.Rows, out, err
	})
	sr.Err = err

	event := j.log.Info()
	if err != nil {
		event = j.log.Error().Err(err)
	}
	event.
		Str("category", src.Category).
		Int64("rows", sr.Rows).
		Int("days", sr.Days).
		Int("upload_failed", sr.UploadFailed).
		Msg("Archival finished")

	return sr, err
}

func (j *Job) archive(ctx context.Context, src Source, cutoff time.Time, sr *SourceResult) error {
	seenFiles := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var records []Record
		err := j.pool.WithConn(ctx, func(ctx context.Context, conn *database.Conn) error {
			var err error
			records, err = src.Aged(ctx, conn, cutoff, j.cfg.BatchSize)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to select aged %s: %w", src.Category, err)
		}
		if len(records) == 0 {
			return nil
		}

		var deletedThisRound int64
		for _, bucket := range groupByDay(records) {
			n, err := j.archiveDay(ctx, src, bucket)
			if err != nil {
				return err
			}
			deletedThisRound += n

			p := j.localPath(src.Category, bucket.day)
			if !seenFiles[p] {
				seenFiles[p] = true
				sr.Files = append(sr.Files, p)
				sr.Days++
			}
			if j.uploader != nil {
				if j.upload(ctx, src.Category, bucket.day, p) {
					sr.Uploaded++
				} else {
					sr.UploadFailed++
				}
			}
		}

		sr.Rows += int64(len(records))
		j.metrics.AddArchived(src.Category, len(records))

		if deletedThisRound == 0 {
			return fmt.Errorf("archived %d %s rows but deleted none", len(records), src.Category)
		}
		if len(records) < j.cfg.BatchSize {
			return nil
		}
	}
}

type dayBucket struct {
	day     string
	ids     []int64
	records [][]string
}

// groupByDay buckets records by day, keeping first-seen order.
func groupByDay(records []Record) []*dayBucket {
	var (
		order []*dayBucket
		byDay = make(map[string]*dayBucket)
	)
	for _, r := range records {
		b, ok := byDay[r.Day]
		if !ok {
			b = &dayBucket{day: r.Day}
			byDay[r.Day] = b
			order = append(order, b)
		}
		b.ids = append(b.ids, r.ID)
		b.records = append(b.records, r.Fields)
	}
	return order
}

func (j *Job) localPath(category, day string) string {
	return filepath.Join(j.cfg.Dir, filepath.FromSlash(DayKey(category, day)))
}

// archiveDay makes the bucket durable on disk, then deletes its rows.
func (j *Job) archiveDay(ctx context.Context, src Source, b *dayBucket) (int64, error) {
	p := j.localPath(src.Category, b.day)

	created, err := appendDay(p, src.Header, b.records)
	if err != nil {
		return 0, err
	}

	var deleted int64
	err = j.pool.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		deleted, err = src.Delete(ctx, tx, b.ids)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete archived %s rows for %s: %w", src.Category, b.day, err)
	}

	j.log.Debug().
		Str("category", src.Category).
		Str("day", b.day).
		Int("rows", len(b.ids)).
		Bool("created", created).
		Msg("Archived day bucket")

	return deleted, nil
}

func (j *Job) upload(ctx context.Context, category, day, localPath string) bool {
	key := DayKey(category, day)
	if err := j.uploader.Upload(ctx, key, localPath); err != nil {
		j.metrics.ObserveUpload("error")
		j.log.Warn().Err(err).Str("key", key).Msg("Archive upload failed, local file kept")
		return false
	}
	j.metrics.ObserveUpload("ok")
	return true
}
