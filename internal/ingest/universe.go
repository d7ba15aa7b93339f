package ingest

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/sentinel-ingest/internal/database"
	"github.com/aristath/sentinel-ingest/internal/marketdata"
	"github.com/aristath/sentinel-ingest/internal/tasklog"
)

// TaskUniverse is the task run log name of the universe refresh.
const TaskUniverse = "sync_universe"

// Tracker records a unit of work in the task run log.
type Tracker interface {
	Track(ctx context.Context, taskName string, metadata map[string]any, fn tasklog.TrackFunc) (int64, error)
}

// Universe refreshes the securities table from a ticker list file.
type Universe struct {
	pool *database.Pool
	runs Tracker
	path string
	now  func() time.Time
	log  zerolog.Logger
}

// NewUniverse creates a universe refresh reading cfg.UniverseFile.
func NewUniverse(pool *database.Pool, runs Tracker, cfg Config, log zerolog.Logger) *Universe {
	cfg = cfg.withDefaults()
	return &Universe{
		pool: pool,
		runs: runs,
		path: cfg.UniverseFile,
		now:  cfg.Now,
		log:  log.With().Str("component", "universe").Logger(),
	}
}

// Sync loads the list and upserts every ticker as an active security in one
// transaction. Tickers missing from the list are left as they are.
func (u *Universe) Sync(ctx context.Context) (int, error) {
	var count int

	_, err := u.runs.Track(ctx, TaskUniverse, map[string]any{"source": u.path}, func(ctx context.Context) (int64, map[string]any, error) {
		secs, err := LoadUniverse(u.path)
		if err != nil {
			return 0, nil, err
		}

		now := u.now()
		err = u.pool.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			for _, sec := range secs {
				if err := marketdata.UpsertSecurity(ctx, tx, sec, now); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, nil, err
		}

		count = len(secs)
		return int64(count), map[string]any{"ticker_count": count}, nil
	})
	if err != nil {
		return 0, err
	}

	u.log.Info().Int("tickers", count).Str("source", u.path).Msg("Universe refreshed")
	return count, nil
}

// LoadUniverse reads a ticker list. A .csv file takes the ticker from the
// first column and, when its header names them, name, exchange and sector
// columns too. Any other file is whitespace-separated tickers. Tickers are
// upper-cased and deduplicated, first occurrence wins.
func LoadUniverse(path string) ([]marketdata.Security, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open universe file: %w", err)
	}
	defer f.Close()

	var secs []marketdata.Security
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		secs, err = readUniverseCSV(f)
	} else {
		secs, err = readUniverseText(f)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read universe file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(secs))
	out := secs[:0]
	for _, s := range secs {
		s.Ticker = strings.ToUpper(strings.TrimSpace(s.Ticker))
		if s.Ticker == "" || seen[s.Ticker] {
			continue
		}
		seen[s.Ticker] = true
		s.Active = true
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no tickers in universe file %s", path)
	}
	return out, nil
}

func readUniverseCSV(r io.Reader) ([]marketdata.Security, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	cols := map[string]int{"ticker": 0}
	var secs []marketdata.Security
	for line := 0; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) == 0 {
			continue
		}

		if line == 0 && isHeader(rec[0]) {
			for i, name := range rec {
				cols[strings.ToLower(strings.TrimSpace(name))] = i
			}
			if _, ok := cols["symbol"]; ok {
				cols["ticker"] = cols["symbol"]
			}
			continue
		}

		field := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		secs = append(secs, marketdata.Security{
			Ticker:   field("ticker"),
			Name:     field("name"),
			Exchange: field("exchange"),
			Sector:   field("sector"),
		})
	}
	return secs, nil
}

func isHeader(first string) bool {
	switch strings.ToLower(strings.TrimSpace(first)) {
	case "ticker", "symbol":
		return true
	}
	return false
}

func readUniverseText(r io.Reader) ([]marketdata.Security, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(string(data))
	secs := make([]marketdata.Security, 0, len(fields))
	for _, t := range fields {
		secs = append(secs, marketdata.Security{Ticker: t})
	}
	return secs, nil
}
