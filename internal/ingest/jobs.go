// Package ingest defines the concrete synchronization jobs run by the
// pipeline and the daily runner that sequences them.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/sentinel-ingest/internal/database"
	"github.com/aristath/sentinel-ingest/internal/marketdata"
	"github.com/aristath/sentinel-ingest/internal/pipeline"
	"github.com/aristath/sentinel-ingest/internal/provider"
)

// Task names recorded in the task run log.
const (
	TaskPrices     = "sync_prices"
	TaskValuations = "sync_valuations"
	TaskNews       = "sync_news"
)

// Config tunes the jobs.
type Config struct {
	// PriceHistoryDays is the window fetched for a ticker with no stored prices.
	PriceHistoryDays int
	// ValuationMaxAge is how old stored valuations may get before a refetch.
	ValuationMaxAge time.Duration
	// NewsLookbackDays is the window fetched for a ticker with no stored news.
	NewsLookbackDays int
	// UniverseFile is the ticker list loaded by the universe refresh.
	// Empty disables the refresh.
	UniverseFile string
	// Now is the clock used for windows and write timestamps.
	Now func() time.Time
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		PriceHistoryDays: 1825,
		ValuationMaxAge:  24 * time.Hour,
		NewsLookbackDays: 7,
		Now:              time.Now,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PriceHistoryDays <= 0 {
		c.PriceHistoryDays = def.PriceHistoryDays
	}
	if c.ValuationMaxAge <= 0 {
		c.ValuationMaxAge = def.ValuationMaxAge
	}
	if c.NewsLookbackDays <= 0 {
		c.NewsLookbackDays = def.NewsLookbackDays
	}
	if c.Now == nil {
		c.Now = def.Now
	}
	return c
}

func today(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// toTargets maps stored state to pipeline targets.
func toTargets(states []marketdata.TickerState) []pipeline.Target {
	targets := make([]pipeline.Target, 0, len(states))
	for _, st := range states {
		t := pipeline.Target{Ticker: st.Ticker, LastUpdated: st.LastUpdated}
		if st.LastDate != "" {
			if d, err := time.Parse(provider.DateLayout, st.LastDate); err == nil {
				t.LastDate = d
			}
		}
		targets = append(targets, t)
	}
	return targets
}

// PricePayload is a validated price fetch.
type PricePayload struct {
	Bars    []provider.PriceBar
	Quality marketdata.PriceQuality
	From    time.Time
	To      time.Time
}

// PriceWindow returns the date range to fetch for t. ok is false when the
// stored series already reaches today.
func PriceWindow(t pipeline.Target, now time.Time, historyDays int) (from, to time.Time, ok bool) {
	to = today(now)
	if t.LastDate.IsZero() {
		return to.AddDate(0, 0, -historyDays), to, true
	}
	from = t.LastDate.AddDate(0, 0, 1)
	return from, to, !from.After(to)
}

// PriceJob synchronizes daily bars: the full history for new tickers, the
// gap since the newest stored date for the rest.
func PriceJob(fetcher provider.PriceFetcher, cfg Config) pipeline.Job[PricePayload] {
	cfg = cfg.withDefaults()

	return pipeline.Job[PricePayload]{
		Name:      TaskPrices,
		FetchType: "prices",
		Metadata:  map[string]any{"history_days": cfg.PriceHistoryDays},
		SelectTargets: func(ctx context.Context, q database.Querier) ([]pipeline.Target, error) {
			states, err := marketdata.PriceStates(ctx, q)
			if err != nil {
				return nil, err
			}
			return toTargets(states), nil
		},
		Fetch: func(ctx context.Context, t pipeline.Target) (PricePayload, error) {
			from, to, ok := PriceWindow(t, cfg.Now(), cfg.PriceHistoryDays)
			if !ok {
				return PricePayload{}, pipeline.ErrUpToDate
			}

			bars, err := fetcher.FetchDailyPrices(ctx, t.Ticker, from, to)
			if err != nil {
				return PricePayload{}, err
			}

			if len(bars) == 0 {
				if !t.LastDate.IsZero() {
					// nothing traded since the last stored date
					return PricePayload{}, pipeline.ErrUpToDate
				}
				return PricePayload{}, &pipeline.DataError{Ticker: t.Ticker, Reason: "no prices returned"}
			}

			valid, quality := marketdata.AssessPrices(bars)
			if quality.AllZero() {
				return PricePayload{}, &pipeline.DataError{Ticker: t.Ticker,
					Reason: fmt.Sprintf("all %d prices are zero", quality.Fetched)}
			}
			if len(valid) == 0 {
				return PricePayload{}, &pipeline.DataError{Ticker: t.Ticker,
					Reason: fmt.Sprintf("none of %d prices are valid", quality.Fetched)}
			}

			return PricePayload{Bars: valid, Quality: quality, From: from, To: to}, nil
		},
		Store: func(ctx context.Context, q database.Querier, t pipeline.Target, p PricePayload) (int, error) {
			return marketdata.UpsertPrices(ctx, q, t.Ticker, p.Bars, cfg.Now())
		},
		Describe: func(p PricePayload) map[string]any {
			meta := p.Quality.Metadata()
			meta["from"] = p.From.Format(provider.DateLayout)
			meta["to"] = p.To.Format(provider.DateLayout)
			return meta
		},
	}
}

// ValuationJob refreshes valuation metrics older than ValuationMaxAge.
func ValuationJob(fetcher provider.ValuationFetcher, cfg Config) pipeline.Job[[]provider.ValuationMetric] {
	cfg = cfg.withDefaults()

	return pipeline.Job[[]provider.ValuationMetric]{
		Name:      TaskValuations,
		FetchType: "valuations",
		Metadata:  map[string]any{"max_age_hours": cfg.ValuationMaxAge.Hours()},
		SelectTargets: func(ctx context.Context, q database.Querier) ([]pipeline.Target, error) {
			states, err := marketdata.ValuationStates(ctx, q)
			if err != nil {
				return nil, err
			}
			return toTargets(states), nil
		},
		Fetch: func(ctx context.Context, t pipeline.Target) ([]provider.ValuationMetric, error) {
			if !t.LastUpdated.IsZero() && cfg.Now().Sub(t.LastUpdated) < cfg.ValuationMaxAge {
				return nil, pipeline.ErrUpToDate
			}

			metrics, err := fetcher.FetchValuation(ctx, t.Ticker)
			if err != nil {
				return nil, err
			}
			if len(metrics) == 0 {
				return nil, &pipeline.DataError{Ticker: t.Ticker, Reason: "no valuation metrics returned"}
			}
			return metrics, nil
		},
		Store: func(ctx context.Context, q database.Querier, t pipeline.Target, metrics []provider.ValuationMetric) (int, error) {
			return marketdata.UpsertValuations(ctx, q, t.Ticker, metrics, cfg.Now())
		},
		Describe: func(metrics []provider.ValuationMetric) map[string]any {
			meta := map[string]any{"metrics": len(metrics)}
			for _, m := range metrics {
				if m.Metric == "dcf" {
					meta["dcf"] = m.Value
					meta["as_of"] = m.AsOf
				}
			}
			return meta
		},
	}
}

// NewsPayload is a news fetch.
type NewsPayload struct {
	Articles []provider.NewsArticle
	From     time.Time
	To       time.Time
}

// NewsWindow returns the publish-time range to fetch for t.
func NewsWindow(t pipeline.Target, now time.Time, lookbackDays int) (from, to time.Time) {
	to = now.UTC()
	if t.LastUpdated.IsZero() {
		return today(now).AddDate(0, 0, -lookbackDays), to
	}
	return t.LastUpdated.UTC().Add(time.Second), to
}

// NewsJob fetches articles published since the newest stored one.
func NewsJob(fetcher provider.NewsFetcher, cfg Config) pipeline.Job[NewsPayload] {
	cfg = cfg.withDefaults()

	return pipeline.Job[NewsPayload]{
		Name:      TaskNews,
		FetchType: "news",
		Metadata:  map[string]any{"lookback_days": cfg.NewsLookbackDays},
		SelectTargets: func(ctx context.Context, q database.Querier) ([]pipeline.Target, error) {
			states, err := marketdata.NewsStates(ctx, q)
			if err != nil {
				return nil, err
			}
			return toTargets(states), nil
		},
		Fetch: func(ctx context.Context, t pipeline.Target) (NewsPayload, error) {
			from, to := NewsWindow(t, cfg.Now(), cfg.NewsLookbackDays)

			articles, err := fetcher.FetchNews(ctx, t.Ticker, from, to)
			if err != nil {
				return NewsPayload{}, err
			}
			if len(articles) == 0 {
				return NewsPayload{}, pipeline.ErrUpToDate
			}
			return NewsPayload{Articles: articles, From: from, To: to}, nil
		},
		Store: func(ctx context.Context, q database.Querier, t pipeline.Target, p NewsPayload) (int, error) {
			return marketdata.UpsertNews(ctx, q, t.Ticker, p.Articles, cfg.Now())
		},
		Describe: func(p NewsPayload) map[string]any {
			return map[string]any{
				"articles": len(p.Articles),
				"from":     p.From.Format(time.RFC3339),
				"to":       p.To.Format(time.RFC3339),
			}
		},
	}
}
