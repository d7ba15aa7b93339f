// Package fetchlog keeps one record per target per pipeline session so a
// ticker's fetch history can be audited after the fact.
package fetchlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel-ingest/internal/database"
)

// Status is the result of one fetch.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Entry is one fetch of one ticker.
type Entry struct {
	ID              int64
	SessionID       string
	Ticker          string
	FetchType       string
	Status          Status
	RecordsFetched  int
	ErrorMessage    string
	StartedAt       time.Time
	CompletedAt     time.Time
	DurationSeconds float64
	Metadata        map[string]any
}

// Session aggregates the entries of one session.
type Session struct {
	SessionID            string
	StartedAt            time.Time
	CompletedAt          time.Time
	TickersProcessed     int
	TotalFetches         int
	Successful           int
	Failed               int
	Skipped              int
	TotalRecords         int64
	TotalDurationSeconds float64
}

// SessionDetail is a session with all of its entries.
type SessionDetail struct {
	Session
	Entries []Entry
}

// Store persists fetch log entries.
type Store struct {
	pool *database.Pool
	log  zerolog.Logger
}

// NewStore creates a fetch log store.
func NewStore(pool *database.Pool, log zerolog.Logger) *Store {
	return &Store{
		pool: pool,
		log:  log.With().Str("component", "fetchlog").Logger(),
	}
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Record inserts one entry. A zero DurationSeconds is derived from the
// start and completion times.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.SessionID == "" || e.Ticker == "" {
		return fmt.Errorf("fetch log entry needs a session and a ticker")
	}
	if e.CompletedAt.IsZero() {
		e.CompletedAt = time.Now()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = e.CompletedAt
	}
	if e.DurationSeconds == 0 {
		e.DurationSeconds = e.CompletedAt.Sub(e.StartedAt).Seconds()
	}

	meta, err := database.EncodeMetadata(e.Metadata)
	if err != nil {
		return err
	}

	return s.pool.WithConn(ctx, func(ctx context.Context, conn *database.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO fetch_logs (session_id, ticker, fetch_type, status, records_fetched, error_message,
				started_at, completed_at, duration_seconds, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, e.SessionID, e.Ticker, e.FetchType, string(e.Status), e.RecordsFetched, database.NullString(e.ErrorMessage),
			e.StartedAt.UnixMilli(), e.CompletedAt.UnixMilli(), e.DurationSeconds, meta, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to record fetch of %s: %w", e.Ticker, err)
		}
		return nil
	})
}

const entryColumns = `id, session_id, ticker, fetch_type, status, records_fetched, error_message,
	started_at, completed_at, duration_seconds, metadata`

// TickerHistory returns the latest entries for a ticker, newest first.
func (s *Store) TickerHistory(ctx context.Context, ticker string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM fetch_logs
		WHERE ticker = $1
		ORDER BY started_at DESC, id DESC
		LIMIT $2
	`, ticker, limit)
}

// SessionSummary returns a session and its entries, or nil when the session
// has no entries.
func (s *Store) SessionSummary(ctx context.Context, sessionID string) (*SessionDetail, error) {
	sessions, err := s.querySessions(ctx, `WHERE session_id = $1`, ``, sessionID)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}

	entries, err := s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM fetch_logs
		WHERE session_id = $1
		ORDER BY ticker, fetch_type, id
	`, sessionID)
	if err != nil {
		return nil, err
	}

	return &SessionDetail{Session: sessions[0], Entries: entries}, nil
}

// RecentSessions returns aggregates of the most recent sessions.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.querySessions(ctx, ``, `LIMIT $1`, limit)
}

// querySessions aggregates fetch_logs per session. Sums are cast so
// Postgres returns BIGINT rather than NUMERIC.
func (s *Store) querySessions(ctx context.Context, filter, limit string, args ...any) ([]Session, error) {
	query := `
		SELECT
			session_id,
			MIN(started_at),
			MAX(completed_at),
			COUNT(DISTINCT ticker),
			COUNT(*),
			CAST(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END) AS BIGINT),
			CAST(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) AS BIGINT),
			CAST(SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END) AS BIGINT),
			CAST(SUM(records_fetched) AS BIGINT),
			SUM(duration_seconds)
		FROM fetch_logs
		` + filter + `
		GROUP BY session_id
		ORDER BY MIN(started_at) DESC
		` + limit

	var sessions []Session
	err := s.pool.WithConn(ctx, func(ctx context.Context, conn *database.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query fetch sessions: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				sess                 Session
				startedAt, completed int64
				duration             sql.NullFloat64
			)
			if err := rows.Scan(&sess.SessionID, &startedAt, &completed, &sess.TickersProcessed,
				&sess.TotalFetches, &sess.Successful, &sess.Failed, &sess.Skipped,
				&sess.TotalRecords, &duration); err != nil {
				return fmt.Errorf("failed to scan fetch session: %w", err)
			}
			sess.StartedAt = time.UnixMilli(startedAt)
			sess.CompletedAt = time.UnixMilli(completed)
			sess.TotalDurationSeconds = duration.Float64
			sessions = append(sessions, sess)
		}
		return rows.Err()
	})
	return sessions, err
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	var entries []Entry
	err := s.pool.WithConn(ctx, func(ctx context.Context, conn *database.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query fetch logs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				e                    Entry
				status               string
				errMsg, rawMeta      sql.NullString
				startedAt, completed int64
			)
			if err := rows.Scan(&e.ID, &e.SessionID, &e.Ticker, &e.FetchType, &status, &e.RecordsFetched,
				&errMsg, &startedAt, &completed, &e.DurationSeconds, &rawMeta); err != nil {
				return fmt.Errorf("failed to scan fetch log: %w", err)
			}
			e.Status = Status(status)
			e.ErrorMessage = errMsg.String
			e.StartedAt = time.UnixMilli(startedAt)
			e.CompletedAt = time.UnixMilli(completed)
			if e.Metadata, err = database.DecodeMetadata(rawMeta); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	return entries, err
}
