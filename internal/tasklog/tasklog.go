// Package tasklog records the lifecycle of synchronization task runs.
//
// A run is inserted as running by Start and finalized exactly once by
// Complete. Records are never deleted here.
package tasklog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/sentinel-ingest/internal/database"
)

// Status is the state of a task run.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

var (
	// ErrNotFound is returned when completing a run id that does not exist.
	ErrNotFound = errors.New("task run not found")
	// ErrAlreadyCompleted is returned when completing a run that is no longer running.
	ErrAlreadyCompleted = errors.New("task run already completed")
	// ErrInvalidStatus is returned when a completion status is not final.
	ErrInvalidStatus = errors.New("invalid completion status")
)

// Run is one recorded execution of a named task.
type Run struct {
	ID              int64
	TaskName        string
	Status          Status
	RowsUpdated     int64
	ErrorMessage    string
	StartedAt       time.Time
	CompletedAt     time.Time // zero while running
	DurationSeconds float64
	Metadata        map[string]any
}

// Running reports whether the run has not been completed yet.
func (r Run) Running() bool {
	return r.Status == StatusRunning
}

// Completion is the final outcome passed to Complete.
type Completion struct {
	Status       Status
	RowsUpdated  int64
	ErrorMessage string
	Metadata     map[string]any // merged into the start metadata; new keys win
}

// Store persists task runs.
type Store struct {
	pool *database.Pool
	log  zerolog.Logger
	now  func() time.Time
}

// NewStore creates a task run store.
func NewStore(pool *database.Pool, log zerolog.Logger) *Store {
	return &Store{
		pool: pool,
		log:  log.With().Str("component", "tasklog").Logger(),
		now:  time.Now,
	}
}

// SetClock replaces the wall clock used for start and completion times.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Start records a running task and returns its id. Concurrent runs of the
// same task are allowed.
func (s *Store) Start(ctx context.Context, taskName string, metadata map[string]any) (int64, error) {
	meta, err := database.EncodeMetadata(metadata)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.pool.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			INSERT INTO sync_task_runs (task_name, status, rows_updated, started_at, metadata)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, taskName, string(StatusRunning), 0, s.now().UnixMilli(), meta).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to start task run %s: %w", taskName, err)
	}

	s.log.Debug().Str("task", taskName).Int64("run_id", id).Msg("Task run started")
	return id, nil
}

// Complete finalizes a running task. The duration is the wall time since
// Start and metadata is merged with what Start recorded.
func (s *Store) Complete(ctx context.Context, runID int64, c Completion) error {
	if c.Status != StatusSuccess && c.Status != StatusFailed {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, c.Status)
	}

	var duration float64
	err := s.pool.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var (
			startedAt int64
			status    string
			rawMeta   sql.NullString
		)
		err := tx.QueryRowContext(ctx, `
			SELECT started_at, status, metadata FROM sync_task_runs WHERE id = $1
		`, runID).Scan(&startedAt, &status, &rawMeta)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: id %d", ErrNotFound, runID)
		}
		if err != nil {
			return fmt.Errorf("failed to read task run %d: %w", runID, err)
		}
		if Status(status) != StatusRunning {
			return fmt.Errorf("%w: id %d is %s", ErrAlreadyCompleted, runID, status)
		}

		existing, err := database.DecodeMetadata(rawMeta)
		if err != nil {
			return err
		}
		meta, err := database.EncodeMetadata(mergeMetadata(existing, c.Metadata))
		if err != nil {
			return err
		}

		completedAt := s.now()
		duration = completedAt.Sub(time.UnixMilli(startedAt)).Seconds()
		if duration < 0 {
			duration = 0
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE sync_task_runs
			SET status = $1, rows_updated = $2, error_message = $3, completed_at = $4,
				duration_seconds = $5, metadata = $6
			WHERE id = $7
		`, string(c.Status), c.RowsUpdated, database.NullString(c.ErrorMessage), completedAt.UnixMilli(), duration, meta, runID)
		if err != nil {
			return fmt.Errorf("failed to update task run %d: %w", runID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Debug().
		Int64("run_id", runID).
		Str("status", string(c.Status)).
		Int64("rows", c.RowsUpdated).
		Float64("duration_s", duration).
		Msg("Task run completed")
	return nil
}

const runColumns = `id, task_name, status, rows_updated, error_message, started_at, completed_at, duration_seconds, metadata`

// Running rows (NULL completed_at) sort first, then newest completion.
const runOrder = `ORDER BY (completed_at IS NULL) DESC, completed_at DESC, id DESC`

// Get returns one run by id.
func (s *Store) Get(ctx context.Context, runID int64) (*Run, error) {
	runs, err := s.query(ctx, `SELECT `+runColumns+` FROM sync_task_runs WHERE id = $1`, runID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, runID)
	}
	return &runs[0], nil
}

// Latest returns the most recent run of a task, or nil when it never ran.
func (s *Store) Latest(ctx context.Context, taskName string) (*Run, error) {
	runs, err := s.query(ctx, `SELECT `+runColumns+` FROM sync_task_runs WHERE task_name = $1 `+runOrder+` LIMIT 1`, taskName)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// LatestPerTask returns the most recent run of every task, ordered by task name.
func (s *Store) LatestPerTask(ctx context.Context) ([]Run, error) {
	return s.query(ctx, `
		SELECT `+runColumns+` FROM sync_task_runs r
		WHERE r.id = (
			SELECT r2.id FROM sync_task_runs r2
			WHERE r2.task_name = r.task_name
			ORDER BY (r2.completed_at IS NULL) DESC, r2.completed_at DESC, r2.id DESC
			LIMIT 1
		)
		ORDER BY r.task_name
	`)
}

// Recent returns up to limit runs across all tasks.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.query(ctx, `SELECT `+runColumns+` FROM sync_task_runs `+runOrder+` LIMIT $1`, limit)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Run, error) {
	var runs []Run
	err := s.pool.WithConn(ctx, func(ctx context.Context, conn *database.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query task runs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			run, err := scanRun(rows)
			if err != nil {
				return err
			}
			runs = append(runs, run)
		}
		return rows.Err()
	})
	return runs, err
}

func scanRun(rows *sql.Rows) (Run, error) {
	var (
		run         Run
		status      string
		errMsg      sql.NullString
		startedAt   int64
		completedAt sql.NullInt64
		duration    sql.NullFloat64
		rawMeta     sql.NullString
	)
	if err := rows.Scan(&run.ID, &run.TaskName, &status, &run.RowsUpdated, &errMsg,
		&startedAt, &completedAt, &duration, &rawMeta); err != nil {
		return Run{}, fmt.Errorf("failed to scan task run: %w", err)
	}

	run.Status = Status(status)
	run.ErrorMessage = errMsg.String
	run.StartedAt = time.UnixMilli(startedAt)
	if completedAt.Valid {
		run.CompletedAt = time.UnixMilli(completedAt.Int64)
	}
	run.DurationSeconds = duration.Float64

	meta, err := database.DecodeMetadata(rawMeta)
	if err != nil {
		return Run{}, err
	}
	run.Metadata = meta
	return run, nil
}

func mergeMetadata(existing, update map[string]any) map[string]any {
	if len(existing) == 0 && len(update) == 0 {
		return nil
	}
	merged := make(map[string]any, len(existing)+len(update))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range update {
		merged[k] = v
	}
	return merged
}
