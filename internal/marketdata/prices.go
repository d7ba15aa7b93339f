package marketdata

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/sentinel-ingest/internal/database"
	"github.com/aristath/sentinel-ingest/internal/provider"
)

// PriceRow is a stored daily bar.
type PriceRow struct {
	ID     int64
	Ticker string
	provider.PriceBar
	UpdatedAt time.Time
}

// PriceStates returns every active security with the newest stored bar date.
func PriceStates(ctx context.Context, q database.Querier) ([]TickerState, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT s.ticker, MAX(p.date), MAX(p.updated_at)
		FROM securities s
		LEFT JOIN stock_prices p ON p.ticker = s.ticker
		WHERE s.active = 1
		GROUP BY s.ticker
		ORDER BY s.ticker
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query price state: %w", err)
	}
	return scanStates(rows)
}

// dedupeBars keeps the last bar per date, sorted by date. Postgres rejects an
// upsert that touches the same key twice in one statement.
func dedupeBars(bars []provider.PriceBar) []provider.PriceBar {
	byDate := make(map[string]provider.PriceBar, len(bars))
	for _, b := range bars {
		byDate[b.Date] = b
	}
	out := make([]provider.PriceBar, 0, len(byDate))
	for _, b := range byDate {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// UpsertPrices writes bars keyed by (ticker, date) and returns how many were
// written. Existing bars are overwritten.
func UpsertPrices(ctx context.Context, q database.Querier, ticker string, bars []provider.PriceBar, now time.Time) (int, error) {
	bars = dedupeBars(bars)
	ts := now.UnixMilli()

	const width = 10
	for start := 0; start < len(bars); start += maxRowsPerStatement {
		chunk := bars[start:min(start+maxRowsPerStatement, len(bars))]

		args := make([]any, 0, len(chunk)*width)
		for _, b := range chunk {
			args = append(args, ticker, b.Date, b.Open, b.High, b.Low, b.Close, b.AdjustedClose, b.Volume, ts, ts)
		}

		_, err := q.ExecContext(ctx, `
			INSERT INTO stock_prices (ticker, date, open, high, low, close, adjusted_close, volume, created_at, updated_at)
			VALUES `+placeholders(len(chunk), width)+`
			ON CONFLICT (ticker, date) DO UPDATE SET
				open = excluded.open,
				high = excluded.high,
				low = excluded.low,
				close = excluded.close,
				adjusted_close = excluded.adjusted_close,
				volume = excluded.volume,
				updated_at = excluded.updated_at
		`, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to upsert prices for %s: %w", ticker, err)
		}
	}
	return len(bars), nil
}

// PricesForTicker returns stored bars for a ticker ordered by date.
func PricesForTicker(ctx context.Context, q database.Querier, ticker string) ([]PriceRow, error) {
	return queryPrices(ctx, q, `WHERE ticker = $1 ORDER BY date`, ticker)
}

// AgedPrices returns up to limit bars dated before cutoff (YYYY-MM-DD),
// oldest first.
func AgedPrices(ctx context.Context, q database.Querier, cutoff string, limit int) ([]PriceRow, error) {
	return queryPrices(ctx, q, `WHERE date < $1 ORDER BY date, id LIMIT $2`, cutoff, limit)
}

// DeletePricesByIDs removes bars by id.
func DeletePricesByIDs(ctx context.Context, q database.Querier, ids []int64) (int64, error) {
	return deleteByIDs(ctx, q, "stock_prices", ids)
}

func queryPrices(ctx context.Context, q database.Querier, clause string, args ...any) ([]PriceRow, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, ticker, date, open, high, low, close, adjusted_close, volume, updated_at
		FROM stock_prices `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	defer rows.Close()

	var out []PriceRow
	for rows.Next() {
		var (
			r       PriceRow
			updated int64
		)
		if err := rows.Scan(&r.ID, &r.Ticker, &r.Date, &r.Open, &r.High, &r.Low, &r.Close,
			&r.AdjustedClose, &r.Volume, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan price: %w", err)
		}
		r.UpdatedAt = time.UnixMilli(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}
