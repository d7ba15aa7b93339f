package archival

import (
	"context"
	"strconv"
	"time"

	"github.com/aristath/sentinel-ingest/internal/database"
	"github.com/aristath/sentinel-ingest/internal/marketdata"
	"github.com/aristath/sentinel-ingest/internal/provider"
)

// Record is one aged row rendered for a CSV day file.
type Record struct {
	ID     int64
	Day    string // YYYY-MM-DD bucket
	Fields []string
}

// Source describes one archivable table.
type Source struct {
	// Category names the archive subdirectory and the task (archive_<category>).
	Category  string
	Retention time.Duration
	Header    []string

	// Aged returns up to limit rows older than cutoff, oldest first.
	Aged func(ctx context.Context, q database.Querier, cutoff time.Time, limit int) ([]Record, error)
	// Delete removes rows by id.
	Delete func(ctx context.Context, q database.Querier, ids []int64) (int64, error)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// PriceSource archives daily bars whose trading date is older than retention.
func PriceSource(retention time.Duration) Source {
	return Source{
		Category:  "prices",
		Retention: retention,
		Header:    []string{"ticker", "date", "open", "high", "low", "close", "adjusted_close", "volume"},
		Aged: func(ctx context.Context, q database.Querier, cutoff time.Time, limit int) ([]Record, error) {
			rows, err := marketdata.AgedPrices(ctx, q, cutoff.UTC().Format(provider.DateLayout), limit)
			if err != nil {
				return nil, err
			}
			out := make([]Record, 0, len(rows))
			for _, r := range rows {
				out = append(out, Record{
					ID:  r.ID,
					Day: r.Date,
					Fields: []string{
						r.Ticker,
						r.Date,
						formatFloat(r.Open),
						formatFloat(r.High),
						formatFloat(r.Low),
						formatFloat(r.Close),
						formatFloat(r.AdjustedClose),
						strconv.FormatInt(r.Volume, 10),
					},
				})
			}
			return out, nil
		},
		Delete: marketdata.DeletePricesByIDs,
	}
}

// NewsSource archives articles published before the retention window.
func NewsSource(retention time.Duration) Source {
	return Source{
		Category:  "news",
		Retention: retention,
		Header:    []string{"ticker", "published_at", "headline", "summary", "url", "source"},
		Aged: func(ctx context.Context, q database.Querier, cutoff time.Time, limit int) ([]Record, error) {
			rows, err := marketdata.AgedNews(ctx, q, cutoff, limit)
			if err != nil {
				return nil, err
			}
			out := make([]Record, 0, len(rows))
			for _, r := range rows {
				published := r.PublishedAt.UTC()
				out = append(out, Record{
					ID:  r.ID,
					Day: published.Format(provider.DateLayout),
					Fields: []string{
						r.Ticker,
						published.Format(time.RFC3339),
						r.Headline,
						r.Summary,
						r.URL,
						r.Source,
					},
				})
			}
			return out, nil
		},
		Delete: marketdata.DeleteNewsByIDs,
	}
}
