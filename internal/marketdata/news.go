package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/sentinel-ingest/internal/database"
	"github.com/aristath/sentinel-ingest/internal/provider"
)

// NewsRow is a stored news article.
type NewsRow struct {
	ID     int64
	Ticker string
	provider.NewsArticle
}

// NewsStates returns every active security with the publish time of its
// newest stored article. LastDate carries that day.
func NewsStates(ctx context.Context, q database.Querier) ([]TickerState, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT s.ticker, MAX(n.published_at)
		FROM securities s
		LEFT JOIN news_articles n ON n.ticker = s.ticker
		WHERE s.active = 1
		GROUP BY s.ticker
		ORDER BY s.ticker
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query news state: %w", err)
	}
	defer rows.Close()

	var out []TickerState
	for rows.Next() {
		var (
			st        TickerState
			published sql.NullInt64
		)
		if err := rows.Scan(&st.Ticker, &published); err != nil {
			return nil, fmt.Errorf("failed to scan news state: %w", err)
		}
		if published.Valid {
			st.LastUpdated = time.UnixMilli(published.Int64)
			st.LastDate = st.LastUpdated.UTC().Format(provider.DateLayout)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpsertNews writes articles keyed by (ticker, headline, published_at) and
// returns how many were written. Articles without a headline are dropped.
func UpsertNews(ctx context.Context, q database.Querier, ticker string, articles []provider.NewsArticle, now time.Time) (int, error) {
	type key struct {
		headline  string
		published int64
	}
	seen := make(map[key]bool, len(articles))
	unique := make([]provider.NewsArticle, 0, len(articles))
	for _, a := range articles {
		if a.Headline == "" {
			continue
		}
		k := key{a.Headline, a.PublishedAt.UnixMilli()}
		if seen[k] {
			continue
		}
		seen[k] = true
		unique = append(unique, a)
	}

	const width = 7
	for start := 0; start < len(unique); start += maxRowsPerStatement {
		chunk := unique[start:min(start+maxRowsPerStatement, len(unique))]

		args := make([]any, 0, len(chunk)*width)
		for _, a := range chunk {
			args = append(args, ticker, a.Headline, a.Summary, a.URL, a.Source, a.PublishedAt.UnixMilli(), now.UnixMilli())
		}

		_, err := q.ExecContext(ctx, `
			INSERT INTO news_articles (ticker, headline, summary, url, source, published_at, created_at)
			VALUES `+placeholders(len(chunk), width)+`
			ON CONFLICT (ticker, headline, published_at) DO UPDATE SET
				summary = excluded.summary,
				url = excluded.url,
				source = excluded.source
		`, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to upsert news for %s: %w", ticker, err)
		}
	}
	return len(unique), nil
}

// NewsForTicker returns stored articles for a ticker, newest first.
func NewsForTicker(ctx context.Context, q database.Querier, ticker string) ([]NewsRow, error) {
	return queryNews(ctx, q, `WHERE ticker = $1 ORDER BY published_at DESC, id DESC`, ticker)
}

// AgedNews returns up to limit articles published before cutoff, oldest first.
func AgedNews(ctx context.Context, q database.Querier, cutoff time.Time, limit int) ([]NewsRow, error) {
	return queryNews(ctx, q, `WHERE published_at < $1 ORDER BY published_at, id LIMIT $2`, cutoff.UnixMilli(), limit)
}

// DeleteNewsByIDs removes articles by id.
func DeleteNewsByIDs(ctx context.Context, q database.Querier, ids []int64) (int64, error) {
	return deleteByIDs(ctx, q, "news_articles", ids)
}

func queryNews(ctx context.Context, q database.Querier, clause string, args ...any) ([]NewsRow, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, ticker, headline, summary, url, source, published_at
		FROM news_articles `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query news: %w", err)
	}
	defer rows.Close()

	var out []NewsRow
	for rows.Next() {
		var (
			r         NewsRow
			published int64
		)
		if err := rows.Scan(&r.ID, &r.Ticker, &r.Headline, &r.Summary, &r.URL, &r.Source, &published); err != nil {
			return nil, fmt.Errorf("failed to scan news: %w", err)
		}
		r.PublishedAt = time.UnixMilli(published).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
