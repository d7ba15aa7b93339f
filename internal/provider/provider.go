// Package provider defines the fetch capability implemented by market data
// API clients and the records they return.
package provider

import (
	"context"
	"time"
)

// DateLayout is the layout of trading dates exchanged with providers and
// stored in the database.
const DateLayout = "2006-01-02"

// PriceBar is one daily OHLCV bar.
type PriceBar struct {
	Date          string // YYYY-MM-DD
	Open          float64
	High          float64
	Low           float64
	Close         float64
	AdjustedClose float64
	Volume        int64
}

// ValuationMetric is one named valuation figure for a ticker.
type ValuationMetric struct {
	Metric string
	Value  float64
	AsOf   string // YYYY-MM-DD
	Source string
}

// NewsArticle is a single news item about a ticker.
type NewsArticle struct {
	Headline    string
	Summary     string
	URL         string
	Source      string
	PublishedAt time.Time
}

// PriceFetcher fetches daily bars for [from, to], both inclusive.
type PriceFetcher interface {
	FetchDailyPrices(ctx context.Context, ticker string, from, to time.Time) ([]PriceBar, error)
}

// ValuationFetcher fetches the latest valuation metrics for a ticker.
type ValuationFetcher interface {
	FetchValuation(ctx context.Context, ticker string) ([]ValuationMetric, error)
}

// NewsFetcher fetches news published in [from, to].
type NewsFetcher interface {
	FetchNews(ctx context.Context, ticker string, from, to time.Time) ([]NewsArticle, error)
}
