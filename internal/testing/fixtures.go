package testing

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/aristath/sentinel-ingest/internal/database"
)

// SecurityFixture is a row for the securities table.
type SecurityFixture struct {
	Ticker   string
	Name     string
	Exchange string
	Sector   string
	Active   bool
}

// NewSecurityFixtures returns a set of test securities for use in tests
func NewSecurityFixtures() []SecurityFixture {
	return []SecurityFixture{
		{Ticker: "AAPL", Name: "Apple Inc.", Exchange: "NASDAQ", Sector: "Technology", Active: true},
		{Ticker: "MSFT", Name: "Microsoft Corporation", Exchange: "NASDAQ", Sector: "Technology", Active: true},
		{Ticker: "META", Name: "Meta Platforms Inc.", Exchange: "NASDAQ", Sector: "Technology", Active: true},
		{Ticker: "JPM", Name: "JPMorgan Chase & Co.", Exchange: "NYSE", Sector: "Financial Services", Active: true},
		{Ticker: "XOM", Name: "Exxon Mobil Corporation", Exchange: "NYSE", Sector: "Energy", Active: true},
		{Ticker: "TWTR", Name: "Twitter Inc.", Exchange: "NYSE", Sector: "Technology", Active: false},
	}
}

// SeedSecurities inserts securities directly, bypassing repositories.
func SeedSecurities(t *testing.T, pool *database.Pool, fixtures ...SecurityFixture) {
	t.Helper()

	now := time.Now().UnixMilli()
	err := pool.WithTx(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		for _, f := range fixtures {
			active := 0
			if f.Active {
				active = 1
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO securities (ticker, name, exchange, sector, active, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, f.Ticker, f.Name, f.Exchange, f.Sector, active, now, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to seed securities: %v", err)
	}
}

// SeedPrice inserts one daily bar with identical OHLC values.
func SeedPrice(t *testing.T, pool *database.Pool, ticker, date string, close float64) {
	t.Helper()

	now := time.Now().UnixMilli()
	err := pool.WithConn(context.Background(), func(ctx context.Context, conn *database.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO stock_prices (ticker, date, open, high, low, close, adjusted_close, volume, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, ticker, date, close, close, close, close, close, 1000, now, now)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to seed price %s %s: %v", ticker, date, err)
	}
}

// SeedNews inserts one news article.
func SeedNews(t *testing.T, pool *database.Pool, ticker, headline string, publishedAt time.Time) {
	t.Helper()

	err := pool.WithConn(context.Background(), func(ctx context.Context, conn *database.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO news_articles (ticker, headline, summary, url, source, published_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, ticker, headline, "", "https://example.com/"+ticker, "test", publishedAt.UnixMilli(), time.Now().UnixMilli())
		return err
	})
	if err != nil {
		t.Fatalf("Failed to seed news %s: %v", ticker, err)
	}
}
