// Package pipeline drives bounded-concurrency fetch, transform and store
// cycles over a worklist of targets.
//
// A run selects its targets through the pool, splits them into batches of
// Concurrency × BatchMultiplier, fetches each batch with at most Concurrency
// requests in flight, stores every payload in its own transaction and paces
// between groups of batches. Every run is recorded in the task run log and
// every target in the fetch log.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/sentinel-ingest/internal/database"
	"github.com/aristath/sentinel-ingest/internal/fetchlog"
	"github.com/aristath/sentinel-ingest/internal/metrics"
	"github.com/aristath/sentinel-ingest/internal/tasklog"
)

// Config tunes a pipeline.
type Config struct {
	Concurrency     int           // fetches in flight per batch
	BatchMultiplier int           // batch size is Concurrency × BatchMultiplier
	FetchTimeout    time.Duration // per-fetch deadline
	PaceEvery       int           // pause after this many batches
	PaceDelay       time.Duration // length of the pause
	MaxErrors       int           // error strings kept in the summary

	// Sleep waits between batch groups. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// Now is the clock for durations.
	Now func() time.Time
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Concurrency:     5,
		BatchMultiplier: 3,
		FetchTimeout:    30 * time.Second,
		PaceEvery:       4,
		PaceDelay:       time.Second,
		MaxErrors:       20,
		Sleep:           database.SleepContext,
		Now:             time.Now,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Concurrency < 1 {
		c.Concurrency = def.Concurrency
	}
	if c.BatchMultiplier < 1 {
		c.BatchMultiplier = def.BatchMultiplier
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = def.FetchTimeout
	}
	if c.PaceEvery < 1 {
		c.PaceEvery = def.PaceEvery
	}
	if c.PaceDelay < 0 {
		c.PaceDelay = 0
	}
	if c.MaxErrors < 1 {
		c.MaxErrors = def.MaxErrors
	}
	if c.Sleep == nil {
		c.Sleep = def.Sleep
	}
	if c.Now == nil {
		c.Now = def.Now
	}
	return c
}

// BatchSize is the number of targets per batch.
func (c Config) BatchSize() int {
	c = c.withDefaults()
	return c.Concurrency * c.BatchMultiplier
}

// RunRecorder is the task run log as seen by the pipeline.
type RunRecorder interface {
	Start(ctx context.Context, taskName string, metadata map[string]any) (int64, error)
	Complete(ctx context.Context, runID int64, c tasklog.Completion) error
}

// FetchRecorder is the fetch log as seen by the pipeline.
type FetchRecorder interface {
	Record(ctx context.Context, e fetchlog.Entry) error
}

// Pipeline executes jobs against a pool.
type Pipeline struct {
	pool    *database.Pool
	runs    RunRecorder
	fetches FetchRecorder
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a pipeline. fetches and m may be nil.
func New(pool *database.Pool, runs RunRecorder, fetches FetchRecorder, cfg Config, log zerolog.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		pool:    pool,
		runs:    runs,
		fetches: fetches,
		cfg:     cfg.withDefaults(),
		log:     log.With().Str("component", "pipeline").Logger(),
		metrics: m,
	}
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Run executes job. Per-target failures are tallied, never returned; the
// error is non-nil only when selection fails, the task run cannot be
// started, or the run is aborted because the store became unreachable or ctx
// ended. The summary is partial in the abort case.
func Run[R any](ctx context.Context, p *Pipeline, job Job[R]) (Summary, error) {
	started := p.cfg.Now()
	sessionID := fetchlog.NewSessionID()
	log := p.log.With().Str("task", job.Name).Str("session_id", sessionID).Logger()

	startMeta := map[string]any{"session_id": sessionID, "fetch_type": job.FetchType}
	for k, v := range job.Metadata {
		startMeta[k] = v
	}

	runID, err := p.runs.Start(ctx, job.Name, startMeta)
	if err != nil {
		p.metrics.ObserveRun(job.Name, "error")
		return Summary{Task: job.Name, SessionID: sessionID}, fmt.Errorf("failed to start %s: %w", job.Name, err)
	}

	sum := Summary{Task: job.Name, RunID: runID, SessionID: sessionID}

	var targets []Target
	err = p.pool.WithConn(ctx, func(ctx context.Context, conn *database.Conn) error {
		var err error
		targets, err = job.SelectTargets(ctx, conn)
		return err
	})
	if err != nil {
		err = fmt.Errorf("failed to select targets for %s: %w", job.Name, err)
		sum.Aborted = true
		sum.Duration = p.cfg.Now().Sub(started)
		p.complete(ctx, log, &sum, err)
		return sum, err
	}

	sum.Total = len(targets)
	if len(targets) == 0 {
		log.Info().Msg("No targets to process")
		sum.Duration = p.cfg.Now().Sub(started)
		p.complete(ctx, log, &sum, nil)
		return sum, nil
	}

	batches := partition(targets, p.cfg.Concurrency*p.cfg.BatchMultiplier)
	log.Info().
		Int("targets", len(targets)).
		Int("batches", len(batches)).
		Int("concurrency", p.cfg.Concurrency).
		Msg("Starting pipeline run")

	var fatal error
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			fatal = err
			break
		}

		for _, o := range runBatch(ctx, p, job, sessionID, batch) {
			sum.add(o, p.cfg.MaxErrors)
			if o.fatal && fatal == nil {
				fatal = o.Err
			}
		}

		log.Info().
			Int("batch", i+1).
			Int("of", len(batches)).
			Int("successful", sum.Successful).
			Int("failed", sum.Failed).
			Int("records", sum.Records).
			Msg("Batch complete")

		if fatal != nil {
			break
		}

		last := i == len(batches)-1
		if !last && (i+1)%p.cfg.PaceEvery == 0 && p.cfg.PaceDelay > 0 {
			log.Debug().Dur("delay", p.cfg.PaceDelay).Msg("Pacing between batches")
			if err := p.cfg.Sleep(ctx, p.cfg.PaceDelay); err != nil {
				fatal = err
				break
			}
		}
	}

	if fatal == nil && ctx.Err() != nil {
		fatal = ctx.Err()
	}

	sum.Duration = p.cfg.Now().Sub(started)
	if fatal != nil {
		sum.Aborted = true
		fatal = fmt.Errorf("%s aborted after %d of %d targets: %w", job.Name, sum.Processed(), sum.Total, fatal)
	}
	p.complete(ctx, log, &sum, fatal)

	return sum, fatal
}

// runBatch processes one batch with at most Concurrency fetches in flight.
func runBatch[R any](ctx context.Context, p *Pipeline, job Job[R], sessionID string, batch []Target) []Outcome {
	outcomes := make([]Outcome, len(batch))

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, t := range batch {
		g.Go(func() error {
			outcomes[i] = process(ctx, p, job, t)
			p.recordFetch(ctx, job.FetchType, sessionID, outcomes[i])
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// process fetches then stores one target. It never panics.
func process[R any](ctx context.Context, p *Pipeline, job Job[R], t Target) (out Outcome) {
	started := p.cfg.Now()
	out.Target = t

	defer func() {
		if r := recover(); r != nil {
			out.Success = false
			out.Skipped = false
			out.Err = fmt.Errorf("panic: %v", r)
			out.Reason = out.Err.Error()
		}
		out.Duration = p.cfg.Now().Sub(started)

		result := "success"
		switch {
		case out.Skipped:
			result = "skipped"
		case !out.Success:
			result = "failed"
		}
		p.metrics.ObserveFetch(job.Name, result, out.Duration)
		p.metrics.AddRecords(job.Name, out.Records)
	}()

	payload, err := fetchWithTimeout(ctx, p.cfg.FetchTimeout, job.Fetch, t)
	if errors.Is(err, ErrUpToDate) {
		out.Success = true
		out.Skipped = true
		out.Reason = "up to date"
		return out
	}
	if err != nil {
		return failed(out, err)
	}

	if job.Describe != nil {
		out.Metadata = job.Describe(payload)
	}

	var n int
	err = p.pool.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		n, err = job.Store(ctx, tx, t, payload)
		return err
	})
	if err != nil {
		out = failed(out, fmt.Errorf("store: %w", err))
		// a cancelled run surfaces as ctx.Err, not as a dead store
		out.fatal = errors.Is(err, database.ErrConnection) && ctx.Err() == nil
		return out
	}

	out.Success = true
	out.Records = n
	return out
}

func failed(out Outcome, err error) Outcome {
	out.Success = false
	out.Err = err
	out.Reason = err.Error()
	if errors.Is(err, ErrFetchTimeout) {
		out.Reason = "timeout"
	}
	return out
}

// fetchWithTimeout runs fetch under a deadline. A fetch that ignores its
// context is abandoned when the deadline passes; its result is discarded.
func fetchWithTimeout[R any](ctx context.Context, timeout time.Duration, fetch func(context.Context, Target) (R, error), t Target) (R, error) {
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   R
		err error
	}
	ch := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("panic in fetch: %v", r)}
			}
		}()
		v, err := fetch(fctx, t)
		ch <- result{v: v, err: err}
	}()

	var zero R
	select {
	case r := <-ch:
		if r.err != nil && ctx.Err() == nil && errors.Is(fctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s: %v", ErrFetchTimeout, timeout, r.err)
		}
		return r.v, r.err
	case <-fctx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%w after %s", ErrFetchTimeout, timeout)
	}
}

func (p *Pipeline) recordFetch(ctx context.Context, fetchType, sessionID string, o Outcome) {
	if p.fetches == nil {
		return
	}

	status := fetchlog.StatusSuccess
	switch {
	case o.Skipped:
		status = fetchlog.StatusSkipped
	case !o.Success:
		status = fetchlog.StatusFailed
	}

	completed := p.cfg.Now()
	entry := fetchlog.Entry{
		SessionID:       sessionID,
		Ticker:          o.Target.Ticker,
		FetchType:       fetchType,
		Status:          status,
		RecordsFetched:  o.Records,
		StartedAt:       completed.Add(-o.Duration),
		CompletedAt:     completed,
		DurationSeconds: o.Duration.Seconds(),
		Metadata:        o.Metadata,
	}
	if !o.Success {
		entry.ErrorMessage = o.Reason
	}

	if err := p.fetches.Record(context.WithoutCancel(ctx), entry); err != nil {
		p.log.Warn().Err(err).Str("ticker", o.Target.Ticker).Msg("Failed to write fetch log entry")
	}
}

// complete writes the final task run record. Failures are logged only.
func (p *Pipeline) complete(ctx context.Context, log zerolog.Logger, sum *Summary, runErr error) {
	status := tasklog.StatusSuccess
	errMsg := ""
	switch {
	case runErr != nil:
		status = tasklog.StatusFailed
		errMsg = runErr.Error()
	case !sum.Succeeded():
		status = tasklog.StatusFailed
		errMsg = fmt.Sprintf("all %d targets failed", sum.Total)
	case sum.Failed > 0:
		errMsg = fmt.Sprintf("%d of %d targets failed", sum.Failed, sum.Total)
	}

	meta := map[string]any{
		"total":      sum.Total,
		"successful": sum.Successful,
		"failed":     sum.Failed,
		"skipped":    sum.Skipped,
		"aborted":    sum.Aborted,
	}
	if len(sum.Errors) > 0 {
		meta["errors"] = sum.Errors
	}

	err := p.runs.Complete(context.WithoutCancel(ctx), sum.RunID, tasklog.Completion{
		Status:       status,
		RowsUpdated:  int64(sum.Records),
		ErrorMessage: errMsg,
		Metadata:     meta,
	})
	if err != nil {
		log.Error().Err(err).Int64("run_id", sum.RunID).Msg("Failed to complete task run")
	}

	p.metrics.ObserveRun(sum.Task, string(status))

	event := log.Info()
	if status == tasklog.StatusFailed {
		event = log.Error().Err(runErr)
	}
	event.
		Int("total", sum.Total).
		Int("successful", sum.Successful).
		Int("failed", sum.Failed).
		Int("skipped", sum.Skipped).
		Int("records", sum.Records).
		Dur("duration", sum.Duration).
		Bool("aborted", sum.Aborted).
		Msg("Pipeline run finished")
}

func (s *Summary) add(o Outcome, maxErrors int) {
	if o.Success {
		s.Successful++
		if o.Skipped {
			s.Skipped++
		}
		s.Records += o.Records
		return
	}
	s.Failed++
	if len(s.Errors) < maxErrors {
		s.Errors = append(s.Errors, fmt.Sprintf("%s: %s", o.Target.Ticker, o.Reason))
	}
}

func partition(targets []Target, size int) [][]Target {
	var batches [][]Target
	for start := 0; start < len(targets); start += size {
		batches = append(batches, targets[start:min(start+size, len(targets))])
	}
	return batches
}
