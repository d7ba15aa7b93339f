package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/sentinel-ingest/internal/database"
)

var (
	// ErrUpToDate is returned by a job's Fetch when there is nothing new to
	// fetch for a target. The target is counted as skipped.
	ErrUpToDate = errors.New("target is up to date")

	// ErrFetchTimeout marks a fetch abandoned after Config.FetchTimeout.
	ErrFetchTimeout = errors.New("timeout")
)

// DataError is an unusable payload: empty, all zero, or failing validation.
type DataError struct {
	Ticker string
	Reason string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("invalid data for %s: %s", e.Ticker, e.Reason)
}

// Target is one entity to synchronize.
type Target struct {
	Ticker      string
	LastDate    time.Time // newest stored data date, zero when nothing is stored
	LastUpdated time.Time // last write for the ticker, zero when nothing is stored
}

// Job describes one synchronization task. R is the fetched payload type.
type Job[R any] struct {
	// Name is the task name recorded in the task run log.
	Name string
	// FetchType labels fetch log entries (prices, valuations, news).
	FetchType string
	// Metadata is recorded when the run starts.
	Metadata map[string]any

	// SelectTargets builds the worklist.
	SelectTargets func(ctx context.Context, q database.Querier) ([]Target, error)
	// Fetch retrieves the payload for one target. It must honour ctx.
	Fetch func(ctx context.Context, t Target) (R, error)
	// Store persists a payload inside a transaction and returns rows written.
	Store func(ctx context.Context, q database.Querier, t Target, payload R) (int, error)
	// Describe returns fetch log metadata for a payload. Optional.
	Describe func(payload R) map[string]any
}

// Outcome is the result of processing one target.
type Outcome struct {
	Target   Target
	Success  bool
	Skipped  bool
	Records  int
	Reason   string
	Err      error
	Duration time.Duration
	Metadata map[string]any

	// fatal is set when the store itself is unreachable.
	fatal bool
}

// Summary aggregates a pipeline run.
type Summary struct {
	Task       string
	RunID      int64
	SessionID  string
	Total      int
	Successful int
	Failed     int
	Skipped    int
	Records    int
	Duration   time.Duration
	Errors     []string
	Aborted    bool
}

// Processed is the number of targets that produced an outcome.
func (s Summary) Processed() int {
	return s.Successful + s.Failed
}

// Succeeded reports whether the run counts as successful: it was not aborted
// and at least one target did not fail.
func (s Summary) Succeeded() bool {
	return !s.Aborted && (s.Total == 0 || s.Failed < s.Total)
}
