package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel-ingest/internal/database"
	"github.com/aristath/sentinel-ingest/internal/provider"
	testingpkg "github.com/aristath/sentinel-ingest/internal/testing"
)

var now = time.Date(2025, 6, 2, 22, 0, 0, 0, time.UTC)

func bar(date string, close float64) provider.PriceBar {
	return provider.PriceBar{Date: date, Open: close, High: close + 1, Low: close - 1, Close: close, AdjustedClose: close, Volume: 100}
}

func withTx(t *testing.T, pool *database.Pool, fn func(ctx context.Context, tx *sql.Tx) error) {
	t.Helper()
	require.NoError(t, pool.WithTx(context.Background(), fn))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "($1, $2, $3)", placeholders(1, 3))
	assert.Equal(t, "($1, $2), ($3, $4), ($5, $6)", placeholders(3, 2))
}

func TestSecurities(t *testing.T) {
	pool := testingpkg.NewTestPool(t, 2)
	testingpkg.SeedSecurities(t, pool, testingpkg.NewSecurityFixtures()...)

	withTx(t, pool, func(ctx context.Context, tx *sql.Tx) error {
		return UpsertSecurity(ctx, tx, Security{Ticker: "AAPL", Name: "Apple", Exchange: "NASDAQ", Sector: "Tech", Active: false}, now)
	})

	var secs []Security
	require.NoError(t, pool.WithConn(context.Background(), func(ctx context.Context, conn *database.Conn) error {
		var err error
		secs, err = ActiveSecurities(ctx, conn)
		return err
	}))

	tickers := make([]string, 0, len(secs))
	for _, s := range secs {
		tickers = append(tickers, s.Ticker)
	}
	assert.Equal(t, []string{"JPM", "META", "MSFT", "XOM"}, tickers)
}

func TestUpsertPrices_OverwritesByKey(t *testing.T) {
	pool := testingpkg.NewTestPool(t, 2)

	withTx(t, pool, func(ctx context.Context, tx *sql.Tx) error {
		n, err := UpsertPrices(ctx, tx, "AAPL", []provider.PriceBar{
			bar("2025-01-02", 100), bar("2025-01-03", 101), bar("2025-01-02", 102),
		}, now)
		assert.Equal(t, 2, n, "duplicate dates collapse to the last bar")
		return err
	})

	withTx(t, pool, func(ctx context.Context, tx *sql.Tx) error {
		_, err := UpsertPrices(ctx, tx, "AAPL", []provider.PriceBar{bar("2025-01-03", 150)}, now.Add(time.Hour))
		return err
	})

	var rows []PriceRow
	require.NoError(t, pool.WithConn(context.Background(), func(ctx context.Context, conn *database.Conn) error {
		var err error
		rows, err = PricesForTicker(ctx, conn, "AAPL")
		return err
	}))

	require.Len(t, rows, 2)
	assert.Equal(t, 102.0, rows[0].Close)
	assert.Equal(t, 150.0, rows[1].Close)
	assert.Equal(t, now.Add(time.Hour).UnixMilli(), rows[1].UpdatedAt.UnixMilli())
}

func TestUpsertPrices_ConcurrentSameKeyLeavesOneRow(t *testing.T) {
	pool := testingpkg.NewTestPool(t, 4)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- pool.WithTx(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
				_, err := UpsertPrices(ctx, tx, "AAPL", []provider.PriceBar{bar("2025-01-02", float64(100+i))}, now)
				return err
			})
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, testingpkg.CountRows(t, pool, "stock_prices"))

	var rows []PriceRow
	require.NoError(t, pool.WithConn(context.Background(), func(ctx context.Context, conn *database.Conn) error {
		var err error
		rows, err = PricesForTicker(ctx, conn, "AAPL")
		return err
	}))
	require.Len(t, rows, 1)
	assert.GreaterOrEqual(t, rows[0].Close, 100.0)
	assert.Less(t, rows[0].Close, 108.0)
}

func TestPriceStates(t *testing.T) {
	pool := testingpkg.NewTestPool(t, 2)
	testingpkg.SeedSecurities(t, pool,
		testingpkg.SecurityFixture{Ticker: "AAPL", Active: true},
		testingpkg.SecurityFixture{Ticker: "MSFT", Active: true},
		testingpkg.SecurityFixture{Ticker: "TWTR", Active: false},
	)
	testingpkg.SeedPrice(t, pool, "AAPL", "2025-05-30", 200)
	testingpkg.SeedPrice(t, pool, "AAPL", "2025-06-02", 201)

	var states []TickerState
	require.NoError(t, pool.WithConn(context.Background(), func(ctx context.Context, conn *database.Conn) error {
		var err error
		states, err = PriceStates(ctx, conn)
		return err
	}))

	require.Len(t, states, 2)
	assert.Equal(t, "AAPL", states[0].Ticker)
	assert.Equal(t, "2025-06-02", states[0].LastDate)
	assert.True(t, states[0].HasData())
	assert.Equal(t, "MSFT", states[1].Ticker)
	assert.False(t, states[1].HasData())
}

func TestAgedPricesAndChunkedDelete(t *testing.T) {
	pool := testingpkg.NewTestPool(t, 2)

	start := time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]provider.PriceBar, 0, 1200)
	for i := 0; i < 1200; i++ {
		bars = append(bars, bar(start.AddDate(0, 0, i).Format(provider.DateLayout), 10))
	}
	withTx(t, pool, func(ctx context.Context, tx *sql.Tx) error {
		n, err := UpsertPrices(ctx, tx, "AAPL", bars, now)
		assert.Equal(t, 1200, n)
		return err
	})

	cutoff := start.AddDate(0, 0, 1100).Format(provider.DateLayout)

	var aged []PriceRow
	require.NoError(t, pool.WithConn(context.Background(), func(ctx context.Context, conn *database.Conn) error {
		var err error
		aged, err = AgedPrices(ctx, conn, cutoff, 5000)
		return err
	}))
	require.Len(t, aged, 1100)
	assert.Equal(t, "2018-01-01", aged[0].Date)

	ids := make([]int64, len(aged))
	for i, r := range aged {
		ids[i] = r.ID
	}
	withTx(t, pool, func(ctx context.Context, tx *sql.Tx) error {
		n, err := DeletePricesByIDs(ctx, tx, ids)
		assert.Equal(t, int64(1100), n)
		return err
	})

	assert.Equal(t, 100, testingpkg.CountRows(t, pool, "stock_prices"))
}

func TestValuations(t *testing.T) {
	pool := testingpkg.NewTestPool(t, 2)
	testingpkg.SeedSecurities(t, pool, testingpkg.SecurityFixture{Ticker: "AAPL", Active: true})

	withTx(t, pool, func(ctx context.Context, tx *sql.Tx) error {
		n, err := UpsertValuations(ctx, tx, "AAPL", []provider.ValuationMetric{
			{Metric: "dcf", Value: 180.5, AsOf: "2025-06-01", Source: "fmp"},
			{Metric: "stock_price", Value: 201.2, AsOf: "2025-06-01", Source: "fmp"},
		}, now)
		assert.Equal(t, 2, n)
		return err
	})
	withTx(t, pool, func(ctx context.Context, tx *sql.Tx) error {
		_, err := UpsertValuations(ctx, tx, "AAPL", []provider.ValuationMetric{
			{Metric: "dcf", Value: 190, AsOf: "2025-06-02", Source: "fmp"},
		}, now.Add(24*time.Hour))
		return err
	})

	assert.Equal(t, 2, testingpkg.CountRows(t, pool, "valuation_metrics"))

	require.NoError(t, pool.WithConn(context.Background(), func(ctx context.Context, conn *database.Conn) error {
		rows, err := ValuationsForTicker(ctx, conn, "AAPL")
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "dcf", rows[0].Metric)
		assert.Equal(t, 190.0, rows[0].Value)
		assert.Equal(t, "2025-06-02", rows[0].AsOf)

		states, err := ValuationStates(ctx, conn)
		require.NoError(t, err)
		require.Len(t, states, 1)
		assert.Equal(t, now.Add(24*time.Hour).UnixMilli(), states[0].LastUpdated.UnixMilli())
		return nil
	}))
}

func TestNews(t *testing.T) {
	pool := testingpkg.NewTestPool(t, 2)
	testingpkg.SeedSecurities(t, pool, testingpkg.SecurityFixture{Ticker: "AAPL", Active: true})

	published := time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)
	articles := []provider.NewsArticle{
		{Headline: "Apple ships", URL: "https://example.com/1", Source: "wire", PublishedAt: published},
		{Headline: "Apple ships", URL: "https://example.com/1b", Source: "wire", PublishedAt: published},
		{Headline: "", PublishedAt: published},
		{Headline: "Apple earnings", PublishedAt: published.Add(-48 * time.Hour)},
	}

	withTx(t, pool, func(ctx context.Context, tx *sql.Tx) error {
		n, err := UpsertNews(ctx, tx, "AAPL", articles, now)
		assert.Equal(t, 2, n)
		return err
	})
	withTx(t, pool, func(ctx context.Context, tx *sql.Tx) error {
		_, err := UpsertNews(ctx, tx, "AAPL", articles[:1], now)
		return err
	})

	assert.Equal(t, 2, testingpkg.CountRows(t, pool, "news_articles"))

	require.NoError(t, pool.WithConn(context.Background(), func(ctx context.Context, conn *database.Conn) error {
		states, err := NewsStates(ctx, conn)
		require.NoError(t, err)
		require.Len(t, states, 1)
		assert.Equal(t, "2025-06-01", states[0].LastDate)
		assert.Equal(t, published.UnixMilli(), states[0].LastUpdated.UnixMilli())

		aged, err := AgedNews(ctx, conn, published.Add(-time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, aged, 1)
		assert.Equal(t, "Apple earnings", aged[0].Headline)
		return nil
	}))
}

func TestAssessPrices(t *testing.T) {
	bars := []provider.PriceBar{
		bar("2025-01-02", 10),
		bar("2025-01-03", 12),
		bar("2025-01-06", 14),
		{Date: "2025-01-07", Close: 0},
		{Date: "not-a-date", Close: 5, High: 6, Low: 4},
	}

	valid, q := AssessPrices(bars)
	require.Len(t, valid, 3)
	assert.Equal(t, 5, q.Fetched)
	assert.Equal(t, 3, q.Valid)
	assert.Equal(t, 1, q.Zero)
	assert.Equal(t, 1, q.Invalid)
	assert.InDelta(t, 12.0, q.MeanClose, 1e-9)
	assert.InDelta(t, 2.0, q.StdDevClose, 1e-9)
	assert.Equal(t, "2025-01-02", q.FirstDate)
	assert.Equal(t, "2025-01-06", q.LastDate)
	assert.False(t, q.AllZero())

	meta := q.Metadata()
	assert.Equal(t, 3, meta["valid_prices"])
	assert.Equal(t, 1, meta["invalid_prices"])

	_, zeros := AssessPrices([]provider.PriceBar{{Date: "2025-01-02"}, {Date: "2025-01-03"}})
	assert.True(t, zeros.AllZero())

	_, single := AssessPrices([]provider.PriceBar{bar("2025-01-02", 10)})
	assert.Equal(t, 0.0, single.StdDevClose)
	assert.Equal(t, fmt.Sprint(10.0), fmt.Sprint(single.MeanClose))
}
