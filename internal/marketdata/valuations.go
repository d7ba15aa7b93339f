package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/sentinel-ingest/internal/database"
	"github.com/aristath/sentinel-ingest/internal/provider"
)

// ValuationRow is a stored valuation metric.
type ValuationRow struct {
	Ticker string
	provider.ValuationMetric
	UpdatedAt time.Time
}

// ValuationStates returns every active security with the last time any of
// its valuation metrics was written.
func ValuationStates(ctx context.Context, q database.Querier) ([]TickerState, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT s.ticker, MAX(v.as_of), MAX(v.updated_at)
		FROM securities s
		LEFT JOIN valuation_metrics v ON v.ticker = s.ticker
		WHERE s.active = 1
		GROUP BY s.ticker
		ORDER BY s.ticker
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query valuation state: %w", err)
	}
	return scanStates(rows)
}

// UpsertValuations writes metrics keyed by (ticker, metric), keeping one row
// per metric, and returns how many were written.
func UpsertValuations(ctx context.Context, q database.Querier, ticker string, metrics []provider.ValuationMetric, now time.Time) (int, error) {
	byName := make(map[string]provider.ValuationMetric, len(metrics))
	order := make([]string, 0, len(metrics))
	for _, m := range metrics {
		if _, seen := byName[m.Metric]; !seen {
			order = append(order, m.Metric)
		}
		byName[m.Metric] = m
	}
	if len(order) == 0 {
		return 0, nil
	}

	const width = 6
	args := make([]any, 0, len(order)*width)
	for _, name := range order {
		m := byName[name]
		args = append(args, ticker, m.Metric, m.Value, m.AsOf, m.Source, now.UnixMilli())
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO valuation_metrics (ticker, metric, value, as_of, source, updated_at)
		VALUES `+placeholders(len(order), width)+`
		ON CONFLICT (ticker, metric) DO UPDATE SET
			value = excluded.value,
			as_of = excluded.as_of,
			source = excluded.source,
			updated_at = excluded.updated_at
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert valuations for %s: %w", ticker, err)
	}
	return len(order), nil
}

// ValuationsForTicker returns stored metrics for a ticker ordered by name.
func ValuationsForTicker(ctx context.Context, q database.Querier, ticker string) ([]ValuationRow, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT ticker, metric, value, as_of, source, updated_at
		FROM valuation_metrics WHERE ticker = $1 ORDER BY metric
	`, ticker)
	if err != nil {
		return nil, fmt.Errorf("failed to query valuations: %w", err)
	}
	defer rows.Close()

	var out []ValuationRow
	for rows.Next() {
		var (
			r       ValuationRow
			updated int64
		)
		if err := rows.Scan(&r.Ticker, &r.Metric, &r.Value, &r.AsOf, &r.Source, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan valuation: %w", err)
		}
		r.UpdatedAt = time.UnixMilli(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}
