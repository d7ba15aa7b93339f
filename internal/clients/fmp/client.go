// Package fmp provides a client for the Financial Modeling Prep API.
// It implements the provider fetch interfaces for daily prices, discounted
// cash flow valuations and ticker news.
package fmp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aristath/sentinel-ingest/internal/provider"
)

const (
	DefaultBaseURL = "https://financialmodelingprep.com/stable"
	providerName   = "fmp"

	// FMP returns news timestamps in US/Eastern without a zone suffix.
	newsTimeLayout = "2006-01-02 15:04:05"
	maxErrorBody   = 512
)

var newsLocation = loadLocation("America/New_York")

func loadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Config configures the client.
type Config struct {
	APIKey            string
	BaseURL           string        // defaults to DefaultBaseURL
	RequestsPerSecond float64       // 0 disables client-side rate limiting
	Timeout           time.Duration // per HTTP request, defaults to 30s
}

// Client is the FMP API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger
}

// NewClient creates a new FMP client.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		burst := max(1, int(cfg.RequestsPerSecond))
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		log:        log.With().Str("component", "fmp").Logger(),
	}
}

type priceResponse struct {
	Date     string  `json:"date"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	AdjClose float64 `json:"adjClose"`
	Volume   float64 `json:"volume"`
}

// FetchDailyPrices returns daily bars for [from, to], oldest first.
func (c *Client) FetchDailyPrices(ctx context.Context, ticker string, from, to time.Time) ([]provider.PriceBar, error) {
	params := url.Values{}
	params.Set("symbol", ticker)
	params.Set("from", from.Format(provider.DateLayout))
	params.Set("to", to.Format(provider.DateLayout))

	var raw json.RawMessage
	if err := c.get(ctx, ticker, "/historical-price-eod/full", params, &raw); err != nil {
		return nil, err
	}

	items, err := decodePrices(raw)
	if err != nil {
		return nil, c.malformed(ticker, err)
	}

	bars := make([]provider.PriceBar, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		adj := it.AdjClose
		if adj == 0 {
			adj = it.Close
		}
		bars = append(bars, provider.PriceBar{
			Date:          it.Date,
			Open:          it.Open,
			High:          it.High,
			Low:           it.Low,
			Close:         it.Close,
			AdjustedClose: adj,
			Volume:        int64(it.Volume),
		})
	}

	c.log.Debug().Str("ticker", ticker).Int("bars", len(bars)).Msg("Fetched daily prices")
	return bars, nil
}

// decodePrices accepts the flat array of the stable API and the
// {"historical": [...]} envelope of the legacy one. Both are newest first.
func decodePrices(raw json.RawMessage) ([]priceResponse, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var items []priceResponse
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		return items, nil
	}

	var envelope struct {
		Historical []priceResponse `json:"historical"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}
	return envelope.Historical, nil
}

type dcfResponse struct {
	Symbol     string  `json:"symbol"`
	Date       string  `json:"date"`
	DCF        float64 `json:"dcf"`
	StockPrice float64 `json:"Stock Price"`
}

// FetchValuation returns the latest discounted cash flow figures: the DCF
// value, the reference stock price and the implied upside in percent.
func (c *Client) FetchValuation(ctx context.Context, ticker string) ([]provider.ValuationMetric, error) {
	params := url.Values{}
	params.Set("symbol", ticker)

	var items []dcfResponse
	if err := c.get(ctx, ticker, "/discounted-cash-flow", params, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, &provider.Error{Kind: provider.KindNotFound, Provider: providerName, Ticker: ticker,
			Err: errors.New("no valuation returned")}
	}

	it := items[0]
	asOf := it.Date
	if len(asOf) > len(provider.DateLayout) {
		asOf = asOf[:len(provider.DateLayout)]
	}

	metrics := []provider.ValuationMetric{
		{Metric: "dcf", Value: it.DCF, AsOf: asOf, Source: providerName},
		{Metric: "stock_price", Value: it.StockPrice, AsOf: asOf, Source: providerName},
	}
	if it.StockPrice > 0 {
		metrics = append(metrics, provider.ValuationMetric{
			Metric: "upside_percent",
			Value:  (it.DCF - it.StockPrice) / it.StockPrice * 100,
			AsOf:   asOf,
			Source: providerName,
		})
	}
	return metrics, nil
}

type newsResponse struct {
	Symbol        string `json:"symbol"`
	PublishedDate string `json:"publishedDate"`
	Publisher     string `json:"publisher"`
	Title         string `json:"title"`
	Text          string `json:"text"`
	URL           string `json:"url"`
	Site          string `json:"site"`
}

// FetchNews returns articles published in [from, to]. Articles with an
// unparseable publish time are skipped.
func (c *Client) FetchNews(ctx context.Context, ticker string, from, to time.Time) ([]provider.NewsArticle, error) {
	params := url.Values{}
	params.Set("symbols", ticker)
	params.Set("from", from.Format(provider.DateLayout))
	params.Set("to", to.Format(provider.DateLayout))
	params.Set("limit", "250")

	var items []newsResponse
	if err := c.get(ctx, ticker, "/news/stock", params, &items); err != nil {
		return nil, err
	}

	articles := make([]provider.NewsArticle, 0, len(items))
	skipped := 0
	for _, it := range items {
		published, err := time.ParseInLocation(newsTimeLayout, it.PublishedDate, newsLocation)
		if err != nil {
			skipped++
			continue
		}
		published = published.UTC()
		if published.Before(from) || published.After(to) {
			continue
		}

		source := it.Publisher
		if source == "" {
			source = it.Site
		}
		articles = append(articles, provider.NewsArticle{
			Headline:    strings.TrimSpace(it.Title),
			Summary:     it.Text,
			URL:         it.URL,
			Source:      source,
			PublishedAt: published,
		})
	}

	if skipped > 0 {
		c.log.Warn().Str("ticker", ticker).Int("skipped", skipped).Msg("Skipped news items with unparseable publish time")
	}
	return articles, nil
}

// get performs a rate-limited GET and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, ticker, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return c.classifyTransport(ticker, err)
	}

	params.Set("apikey", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.classifyTransport(ticker, err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("path", path).
		Str("ticker", ticker).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("FMP request")

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &provider.Error{
			Kind:       kindForStatus(resp.StatusCode),
			Provider:   providerName,
			Ticker:     ticker,
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.classifyTransport(ticker, err)
	}

	// FMP reports some failures (bad key, exhausted plan) as a 200 with an
	// error object.
	var apiErr struct {
		Message string `json:"Error Message"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		return &provider.Error{Kind: provider.KindUnknown, Provider: providerName, Ticker: ticker,
			StatusCode: resp.StatusCode, Err: errors.New(apiErr.Message)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return c.malformed(ticker, err)
	}
	return nil
}

func (c *Client) malformed(ticker string, err error) error {
	return &provider.Error{Kind: provider.KindMalformed, Provider: providerName, Ticker: ticker,
		Err: fmt.Errorf("failed to decode response: %w", err)}
}

func (c *Client) classifyTransport(ticker string, err error) error {
	kind := provider.KindUnknown
	var netErr interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = provider.KindTimeout
	}
	return &provider.Error{Kind: kind, Provider: providerName, Ticker: ticker, Err: err}
}

func kindForStatus(status int) provider.ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return provider.KindRateLimited
	case status == http.StatusNotFound:
		return provider.KindNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return provider.KindTimeout
	case status >= 500:
		return provider.KindServer
	default:
		return provider.KindUnknown
	}
}

var (
	_ provider.PriceFetcher     = (*Client)(nil)
	_ provider.ValuationFetcher = (*Client)(nil)
	_ provider.NewsFetcher      = (*Client)(nil)
)
