// Package marketdata is the persistence layer for the securities universe and
// the time series ingested into it.
//
// Every function takes a database.Querier so the caller chooses the scope:
// a pooled connection for reads, a transaction for writes.
package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/sentinel-ingest/internal/database"
)

// maxRowsPerStatement bounds multi-row inserts so parameter counts stay well
// under SQLite's limit.
const maxRowsPerStatement = 200

// deleteChunkSize is how many ids go into one DELETE ... IN (...) statement.
const deleteChunkSize = 500

// Security is a member of the ingestion universe.
type Security struct {
	Ticker   string
	Name     string
	Exchange string
	Sector   string
	Active   bool
}

// TickerState is what the store already holds for one ticker: the newest
// data date and the last time anything was written.
type TickerState struct {
	Ticker      string
	LastDate    string    // YYYY-MM-DD, empty when nothing is stored
	LastUpdated time.Time // zero when nothing is stored
}

// HasData reports whether any rows exist for the ticker.
func (s TickerState) HasData() bool {
	return s.LastDate != "" || !s.LastUpdated.IsZero()
}

// UpsertSecurity inserts or refreshes a security. Empty descriptive fields
// keep the stored values.
func UpsertSecurity(ctx context.Context, q database.Querier, sec Security, now time.Time) error {
	active := 0
	if sec.Active {
		active = 1
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO securities (ticker, name, exchange, sector, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (ticker) DO UPDATE SET
			name = COALESCE(NULLIF(excluded.name, ''), securities.name),
			exchange = COALESCE(NULLIF(excluded.exchange, ''), securities.exchange),
			sector = COALESCE(NULLIF(excluded.sector, ''), securities.sector),
			active = excluded.active,
			updated_at = excluded.updated_at
	`, sec.Ticker, sec.Name, sec.Exchange, sec.Sector, active, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert security %s: %w", sec.Ticker, err)
	}
	return nil
}

// ActiveSecurities returns active securities ordered by ticker.
func ActiveSecurities(ctx context.Context, q database.Querier) ([]Security, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT ticker, name, exchange, sector FROM securities WHERE active = 1 ORDER BY ticker
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query securities: %w", err)
	}
	defer rows.Close()

	var out []Security
	for rows.Next() {
		sec := Security{Active: true}
		if err := rows.Scan(&sec.Ticker, &sec.Name, &sec.Exchange, &sec.Sector); err != nil {
			return nil, fmt.Errorf("failed to scan security: %w", err)
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

// scanStates reads (ticker, last_date, last_updated) rows.
func scanStates(rows *sql.Rows) ([]TickerState, error) {
	defer rows.Close()

	var out []TickerState
	for rows.Next() {
		var (
			st       TickerState
			lastDate sql.NullString
			updated  sql.NullInt64
		)
		if err := rows.Scan(&st.Ticker, &lastDate, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan ticker state: %w", err)
		}
		st.LastDate = lastDate.String
		if updated.Valid {
			st.LastUpdated = time.UnixMilli(updated.Int64)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// placeholders returns "($s, $s+1, ...), (...)" for rows of width columns,
// numbered from 1.
func placeholders(rowCount, width int) string {
	var b strings.Builder
	n := 1
	for r := 0; r < rowCount; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < width; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}

// deleteByIDs removes rows of table by primary key in chunks and returns the
// number deleted.
func deleteByIDs(ctx context.Context, q database.Querier, table string, ids []int64) (int64, error) {
	var total int64
	for start := 0; start < len(ids); start += deleteChunkSize {
		end := min(start+deleteChunkSize, len(ids))
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		marks := make([]string, len(chunk))
		for i, id := range chunk {
			args[i] = id
			marks[i] = fmt.Sprintf("$%d", i+1)
		}

		res, err := q.ExecContext(ctx,
			"DELETE FROM "+table+" WHERE id IN ("+strings.Join(marks, ", ")+")", args...)
		if err != nil {
			return total, fmt.Errorf("failed to delete from %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to count deleted rows in %s: %w", table, err)
		}
		total += n
	}
	return total, nil
}
