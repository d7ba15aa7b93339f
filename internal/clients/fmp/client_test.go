package fmp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel-ingest/internal/provider"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{APIKey: "test-key", BaseURL: server.URL}, zerolog.Nop())
}

func day(s string) time.Time {
	d, _ := time.Parse(provider.DateLayout, s)
	return d
}

func TestNewClient_Defaults(t *testing.T) {
	client := NewClient(Config{}, zerolog.Nop())
	assert.Equal(t, DefaultBaseURL, client.baseURL)
	assert.Equal(t, 30*time.Second, client.httpClient.Timeout)

	client = NewClient(Config{BaseURL: "http://localhost:9000/"}, zerolog.Nop())
	assert.Equal(t, "http://localhost:9000", client.baseURL)
}

func TestFetchDailyPrices_Success(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/historical-price-eod/full", r.URL.Path)
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		assert.Equal(t, "2025-06-02", r.URL.Query().Get("from"))
		assert.Equal(t, "2025-06-03", r.URL.Query().Get("to"))
		assert.Equal(t, "test-key", r.URL.Query().Get("apikey"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"symbol":"AAPL","date":"2025-06-03","open":201,"high":203.5,"low":200,"close":203,"volume":4.6e7},
			{"symbol":"AAPL","date":"2025-06-02","open":200,"high":202,"low":199,"close":201.7,"adjClose":201.5,"volume":35000000}
		]`))
	})

	bars, err := client.FetchDailyPrices(context.Background(), "AAPL", day("2025-06-02"), day("2025-06-03"))
	require.NoError(t, err)
	require.Len(t, bars, 2)

	assert.Equal(t, "2025-06-02", bars[0].Date)
	assert.Equal(t, 201.5, bars[0].AdjustedClose)
	assert.Equal(t, int64(35000000), bars[0].Volume)
	assert.Equal(t, "2025-06-03", bars[1].Date)
	assert.Equal(t, 203.0, bars[1].AdjustedClose)
	assert.Equal(t, int64(46000000), bars[1].Volume)
}

func TestFetchDailyPrices_LegacyEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"MSFT","historical":[{"date":"2025-06-02","open":1,"high":2,"low":1,"close":2,"volume":10}]}`))
	})

	bars, err := client.FetchDailyPrices(context.Background(), "MSFT", day("2025-06-02"), day("2025-06-02"))
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 2.0, bars[0].Close)
}

func TestFetchDailyPrices_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   provider.ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, provider.KindRateLimited},
		{"not found", http.StatusNotFound, provider.KindNotFound},
		{"server error", http.StatusBadGateway, provider.KindServer},
		{"gateway timeout", http.StatusGatewayTimeout, provider.KindTimeout},
		{"forbidden", http.StatusForbidden, provider.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})

			_, err := client.FetchDailyPrices(context.Background(), "AAPL", day("2025-06-02"), day("2025-06-03"))
			require.Error(t, err)

			var perr *provider.Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.kind, perr.Kind)
			assert.Equal(t, tt.status, perr.StatusCode)
			assert.Equal(t, "AAPL", perr.Ticker)
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestFetchDailyPrices_Malformed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"date": 12}`))
	})

	_, err := client.FetchDailyPrices(context.Background(), "AAPL", day("2025-06-02"), day("2025-06-03"))
	assert.Equal(t, provider.KindMalformed, provider.KindOf(err))
}

func TestGet_ErrorMessageWithOKStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Error Message":"Invalid API KEY."}`))
	})

	_, err := client.FetchValuation(context.Background(), "AAPL")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid API KEY.")
	assert.Equal(t, provider.KindUnknown, provider.KindOf(err))
}

func TestGet_Timeout(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.FetchValuation(ctx, "AAPL")
	require.Error(t, err)
	assert.Equal(t, provider.KindTimeout, provider.KindOf(err))
	assert.True(t, provider.IsTransient(err))
}

func TestFetchValuation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/discounted-cash-flow", r.URL.Path)
		w.Write([]byte(`[{"symbol":"AAPL","date":"2025-06-02","dcf":250,"Stock Price":200}]`))
	})

	metrics, err := client.FetchValuation(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Len(t, metrics, 3)

	byName := map[string]provider.ValuationMetric{}
	for _, m := range metrics {
		byName[m.Metric] = m
		assert.Equal(t, "2025-06-02", m.AsOf)
		assert.Equal(t, "fmp", m.Source)
	}
	assert.Equal(t, 250.0, byName["dcf"].Value)
	assert.Equal(t, 200.0, byName["stock_price"].Value)
	assert.InDelta(t, 25.0, byName["upside_percent"].Value, 1e-9)
}

func TestFetchValuation_Empty(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})

	_, err := client.FetchValuation(context.Background(), "ZZZZ")
	assert.Equal(t, provider.KindNotFound, provider.KindOf(err))
}

func TestFetchNews(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/news/stock", r.URL.Path)
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbols"))
		w.Write([]byte(`[
			{"symbol":"AAPL","publishedDate":"2025-06-02 10:00:00","publisher":"Reuters","title":" Apple beats ","text":"...","url":"https://x/1","site":"reuters.com"},
			{"symbol":"AAPL","publishedDate":"2025-06-02 11:30:00","title":"Apple ships","url":"https://x/2","site":"cnbc.com"},
			{"symbol":"AAPL","publishedDate":"yesterday","title":"Broken"},
			{"symbol":"AAPL","publishedDate":"2025-05-01 09:00:00","title":"Too old"}
		]`))
	})

	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)
	articles, err := client.FetchNews(context.Background(), "AAPL", from, to)
	require.NoError(t, err)
	require.Len(t, articles, 2)

	assert.Equal(t, "Apple beats", articles[0].Headline)
	assert.Equal(t, "Reuters", articles[0].Source)
	// 10:00 New York summer time
	assert.Equal(t, time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC), articles[0].PublishedAt)
	assert.Equal(t, "cnbc.com", articles[1].Source)
}

func TestRateLimiter(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, RequestsPerSecond: 20}, zerolog.Nop())

	start := time.Now()
	for range 25 {
		_, err := client.FetchDailyPrices(context.Background(), "AAPL", day("2025-06-02"), day("2025-06-03"))
		require.NoError(t, err)
	}

	// burst of 20, then 5 more at 20/s
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.EqualValues(t, 25, calls.Load())
}

func TestRateLimiter_HonoursContext(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1", RequestsPerSecond: 0.001}, zerolog.Nop())
	client.limiter.Allow() // drain the single token

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := client.FetchNews(ctx, "AAPL", day("2025-06-01"), day("2025-06-02"))
	require.Error(t, err)
	var perr *provider.Error
	assert.ErrorAs(t, err, &perr)
}
