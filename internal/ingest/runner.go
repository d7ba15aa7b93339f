package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/sentinel-ingest/internal/archival"
	"github.com/aristath/sentinel-ingest/internal/pipeline"
	"github.com/aristath/sentinel-ingest/internal/provider"
)

// Archiver is the archival step of the daily run.
type Archiver interface {
	Run(ctx context.Context) (archival.Result, error)
}

// UniverseSyncer refreshes the securities the jobs select from.
type UniverseSyncer interface {
	Sync(ctx context.Context) (int, error)
}

// StepResult is the outcome of one daily step.
type StepResult struct {
	Name     string
	Success  bool
	Tickers  int // universe step only
	Summary  *pipeline.Summary
	Archive  *archival.Result
	Err      error
	Duration time.Duration
}

// Report is the outcome of a daily run.
type Report struct {
	Steps    []StepResult
	Duration time.Duration
}

// Success reports whether every step succeeded.
func (r Report) Success() bool {
	for _, s := range r.Steps {
		if !s.Success {
			return false
		}
	}
	return true
}

// Failed returns the names of the failed steps.
func (r Report) Failed() []string {
	var out []string
	for _, s := range r.Steps {
		if !s.Success {
			out = append(out, s.Name)
		}
	}
	return out
}

// Runner executes the daily sequence: universe, prices, valuations, news,
// archival.
type Runner struct {
	universe   UniverseSyncer
	pipeline   *pipeline.Pipeline
	prices     provider.PriceFetcher
	valuations provider.ValuationFetcher
	news       provider.NewsFetcher
	archiver   Archiver
	cfg        Config
	log        zerolog.Logger
}

// NewRunner creates a daily runner. A nil fetcher or archiver skips its step.
func NewRunner(p *pipeline.Pipeline, prices provider.PriceFetcher, valuations provider.ValuationFetcher,
	news provider.NewsFetcher, archiver Archiver, cfg Config, log zerolog.Logger) *Runner {
	return &Runner{
		pipeline:   p,
		prices:     prices,
		valuations: valuations,
		news:       news,
		archiver:   archiver,
		cfg:        cfg.withDefaults(),
		log:        log.With().Str("component", "daily_runner").Logger(),
	}
}

// SetUniverse makes the universe refresh the first daily step.
func (r *Runner) SetUniverse(u UniverseSyncer) {
	r.universe = u
}

type step struct {
	name string
	run  func(ctx context.Context) StepResult
}

func pipelineStep[R any](r *Runner, job pipeline.Job[R]) step {
	return step{
		name: job.Name,
		run: func(ctx context.Context) StepResult {
			sum, err := pipeline.Run(ctx, r.pipeline, job)
			return StepResult{Name: job.Name, Success: err == nil && sum.Succeeded(), Summary: &sum, Err: err}
		},
	}
}

func (r *Runner) steps() []step {
	var steps []step
	if r.universe != nil {
		steps = append(steps, step{
			name: TaskUniverse,
			run: func(ctx context.Context) StepResult {
				n, err := r.universe.Sync(ctx)
				return StepResult{Name: TaskUniverse, Success: err == nil, Tickers: n, Err: err}
			},
		})
	}
	if r.prices != nil {
		steps = append(steps, pipelineStep(r, PriceJob(r.prices, r.cfg)))
	}
	if r.valuations != nil {
		steps = append(steps, pipelineStep(r, ValuationJob(r.valuations, r.cfg)))
	}
	if r.news != nil {
		steps = append(steps, pipelineStep(r, NewsJob(r.news, r.cfg)))
	}
	if r.archiver != nil {
		steps = append(steps, step{
			name: "archival",
			run: func(ctx context.Context) StepResult {
				res, err := r.archiver.Run(ctx)
				return StepResult{Name: "archival", Success: err == nil, Archive: &res, Err: err}
			},
		})
	}
	return steps
}

// RunDaily runs every step in order. A failed step does not stop the ones
// after it; a cancelled context does.
func (r *Runner) RunDaily(ctx context.Context) Report {
	started := time.Now()
	var report Report

	r.log.Info().Msg("Starting daily sync")

	for _, s := range r.steps() {
		if err := ctx.Err(); err != nil {
			report.Steps = append(report.Steps, StepResult{Name: s.name, Err: err})
			continue
		}

		stepStart := time.Now()
		res := s.run(ctx)
		res.Duration = time.Since(stepStart)
		report.Steps = append(report.Steps, res)

		event := r.log.Info()
		if !res.Success {
			event = r.log.Error().Err(res.Err)
		}
		if res.Summary != nil {
			event = event.
				Int("successful", res.Summary.Successful).
				Int("failed", res.Summary.Failed).
				Int("records", res.Summary.Records)
		}
		if res.Name == TaskUniverse {
			event = event.Int("tickers", res.Tickers)
		}
		if res.Archive != nil {
			event = event.Int64("archived", res.Archive.Rows())
		}
		event.Str("step", res.Name).Dur("duration", res.Duration).Msg("Daily step finished")
	}

	report.Duration = time.Since(started)

	if report.Success() {
		r.log.Info().Dur("duration", report.Duration).Msg("Daily sync completed")
	} else {
		r.log.Error().Strs("failed", report.Failed()).Dur("duration", report.Duration).Msg("Daily sync completed with failures")
	}
	return report
}
