package testing

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/sentinel-ingest/internal/provider"
)

// MockPriceFetcher is a mock implementation of provider.PriceFetcher for testing
type MockPriceFetcher struct {
	mu     sync.Mutex
	bars   map[string][]provider.PriceBar
	errs   map[string]error
	delays map[string]time.Duration
	calls  []string
}

// NewMockPriceFetcher creates a new mock price fetcher
func NewMockPriceFetcher() *MockPriceFetcher {
	return &MockPriceFetcher{
		bars:   make(map[string][]provider.PriceBar),
		errs:   make(map[string]error),
		delays: make(map[string]time.Duration),
	}
}

// SetBars sets the bars returned for ticker
func (m *MockPriceFetcher) SetBars(ticker string, bars []provider.PriceBar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bars[ticker] = bars
}

// SetError makes fetches for ticker fail with err
func (m *MockPriceFetcher) SetError(ticker string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[ticker] = err
}

// SetDelay makes fetches for ticker block for d or until the context ends
func (m *MockPriceFetcher) SetDelay(ticker string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[ticker] = d
}

// Calls returns the tickers fetched so far, in call order
func (m *MockPriceFetcher) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// FetchDailyPrices returns bars for ticker whose date falls inside [from, to]
func (m *MockPriceFetcher) FetchDailyPrices(ctx context.Context, ticker string, from, to time.Time) ([]provider.PriceBar, error) {
	m.mu.Lock()
	m.calls = append(m.calls, ticker)
	bars, err, delay := m.bars[ticker], m.errs[ticker], m.delays[ticker]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	lo, hi := from.Format(provider.DateLayout), to.Format(provider.DateLayout)
	var out []provider.PriceBar
	for _, b := range bars {
		if b.Date >= lo && b.Date <= hi {
			out = append(out, b)
		}
	}
	return out, nil
}

// MockValuationFetcher is a mock implementation of provider.ValuationFetcher for testing
type MockValuationFetcher struct {
	mu      sync.Mutex
	metrics map[string][]provider.ValuationMetric
	errs    map[string]error
}

// NewMockValuationFetcher creates a new mock valuation fetcher
func NewMockValuationFetcher() *MockValuationFetcher {
	return &MockValuationFetcher{
		metrics: make(map[string][]provider.ValuationMetric),
		errs:    make(map[string]error),
	}
}

// SetMetrics sets the metrics returned for ticker
func (m *MockValuationFetcher) SetMetrics(ticker string, metrics []provider.ValuationMetric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[ticker] = metrics
}

// SetError makes fetches for ticker fail with err
func (m *MockValuationFetcher) SetError(ticker string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[ticker] = err
}

// FetchValuation returns the configured metrics for ticker
func (m *MockValuationFetcher) FetchValuation(ctx context.Context, ticker string) ([]provider.ValuationMetric, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[ticker]; err != nil {
		return nil, err
	}
	return m.metrics[ticker], nil
}

// MockNewsFetcher is a mock implementation of provider.NewsFetcher for testing
type MockNewsFetcher struct {
	mu       sync.Mutex
	articles map[string][]provider.NewsArticle
	errs     map[string]error
}

// NewMockNewsFetcher creates a new mock news fetcher
func NewMockNewsFetcher() *MockNewsFetcher {
	return &MockNewsFetcher{
		articles: make(map[string][]provider.NewsArticle),
		errs:     make(map[string]error),
	}
}

// SetArticles sets the articles returned for ticker
func (m *MockNewsFetcher) SetArticles(ticker string, articles []provider.NewsArticle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.articles[ticker] = articles
}

// SetError makes fetches for ticker fail with err
func (m *MockNewsFetcher) SetError(ticker string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[ticker] = err
}

// FetchNews returns articles for ticker published inside [from, to]
func (m *MockNewsFetcher) FetchNews(ctx context.Context, ticker string, from, to time.Time) ([]provider.NewsArticle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[ticker]; err != nil {
		return nil, err
	}

	var out []provider.NewsArticle
	for _, a := range m.articles[ticker] {
		if !a.PublishedAt.Before(from) && !a.PublishedAt.After(to) {
			out = append(out, a)
		}
	}
	return out, nil
}
