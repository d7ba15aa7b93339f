package tasklog

import (
	"context"
)

// TrackFunc does the work of a tracked task and reports the rows it touched
// plus metadata to merge into the run record.
type TrackFunc func(ctx context.Context) (rows int64, metadata map[string]any, err error)

// Track wraps fn in a task run: Start, fn, then Complete as success or failed.
// The completion is written even if ctx was cancelled while fn ran.
// It returns fn's error, or the recording error when fn succeeded.
func (s *Store) Track(ctx context.Context, taskName string, metadata map[string]any, fn TrackFunc) (int64, error) {
	runID, err := s.Start(ctx, taskName, metadata)
	if err != nil {
		return 0, err
	}

	rows, meta, fnErr := fn(ctx)

	completion := Completion{
		Status:      StatusSuccess,
		RowsUpdated: rows,
		Metadata:    meta,
	}
	if fnErr != nil {
		completion.Status = StatusFailed
		completion.ErrorMessage = fnErr.Error()
	}

	if err := s.Complete(context.WithoutCancel(ctx), runID, completion); err != nil {
		s.log.Error().Err(err).Str("task", taskName).Int64("run_id", runID).Msg("Failed to record task completion")
		if fnErr == nil {
			return runID, err
		}
	}

	return runID, fnErr
}
