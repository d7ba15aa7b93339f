package archival

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel-ingest/internal/database"
	"github.com/aristath/sentinel-ingest/internal/tasklog"
	testingpkg "github.com/aristath/sentinel-ingest/internal/testing"
)

var now = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

type recordingUploader struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (u *recordingUploader) Upload(_ context.Context, key, localPath string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	u.keys = append(u.keys, key)
	return u.err
}

func newJob(t *testing.T, pool *database.Pool, cfg Config, uploader Uploader) (*Job, *tasklog.Store) {
	t.Helper()
	runs := tasklog.NewStore(pool, zerolog.Nop())
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	cfg.Now = func() time.Time { return now }
	return NewJob(pool, runs, cfg, zerolog.Nop(), nil, uploader), runs
}

func readLines(t *testing.T, p string) []string {
	t.Helper()
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestDayKey(t *testing.T) {
	assert.Equal(t, "prices/2019/01/2019-01-02.csv", DayKey("prices", "2019-01-02"))
}

func TestRun_ArchivesThreeDaysIntoThreeFiles(t *testing.T) {
	pool := testingpkg.NewTestPool(t, 2)
	for _, d := range []string{"2019-01-02", "2019-01-03", "2019-01-04"} {
		testingpkg.SeedPrice(t, pool, "AAPL", d, 40)
		testingpkg.SeedPrice(t, pool, "MSFT", d, 100)
	}
	testingpkg.SeedPrice(t, pool, "AAPL", "2025-06-01", 200)

	job, runs := newJob(t, pool, Config{}, nil)
	res, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Sources, 2)

	prices := res.Sources[0]
	assert.Equal(t, "prices", prices.Category)
	assert.EqualValues(t, 6, prices.Rows)
	assert.Equal(t, 3, prices.Days)
	require.Len(t, prices.Files, 3)

	for _, p := range prices.Files {
		lines := readLines(t, p)
		require.Len(t, lines, 3)
		assert.Equal(t, "ticker,date,open,high,low,close,adjusted_close,volume", lines[0])
	}
	assert.Equal(t, filepath.Join(job.cfg.Dir, "prices", "2019", "01", "2019-01-02.csv"), prices.Files[0])
	assert.Contains(t, readLines(t, prices.Files[0]), "AAPL,2019-01-02,40,40,40,40,40,1000")

	assert.Equal(t, 1, testingpkg.CountRows(t, pool, "stock_prices"))

	run, err := runs.Latest(context.Background(), "archive_prices")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, tasklog.StatusSuccess, run.Status)
	assert.EqualValues(t, 6, run.RowsUpdated)
	assert.EqualValues(t, 3, run.Metadata["days"])
}

func TestRun_RerunIsNoOp(t *testing.T) {
	pool := testingpkg.NewTestPool(t, 2)
	testingpkg.SeedPrice(t, pool, "AAPL", "2019-01-02", 40)

	job, _ := newJob(t, pool, Config{}, nil)
	first, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Sources[0].Files, 1)

	p := first.Sources[0].Files[0]
	before, err := os.ReadFile(p)
	require.NoError(t, err)
	info, err := os.Stat(p)
	require.NoError(t, err)

	second, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, second.Rows())
	assert.Empty(t, second.Sources[0].Files)

	after, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	info2, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), info2.ModTime())
}

func TestRun_AppendsToExistingDayFileWithoutHeader(t *testing.T) {
	pool := testingpkg.NewTestPool(t, 2)
	job, _ := newJob(t, pool, Config{}, nil)

	testingpkg.SeedPrice(t, pool, "AAPL", "2019-01-02", 40)
	_, err := job.Run(context.Background())
	require.NoError(t, err)

	testingpkg.SeedPrice(t, pool, "MSFT", "2019-01-02", 100)
	res, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Sources[0].Files, 1)

	lines := readLines(t, res.Sources[0].Files[0])
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ticker,"))
	assert.True(t, strings.HasPrefix(lines[1], "AAPL,"))
	assert.True(t, strings.HasPrefix(lines[2], "MSFT,"))
}

func TestRun_SelectsInRounds(t *testing.T) {
	pool := testingpkg.NewTestPool(t, 2)
	for _, ticker := range []string{"A", "B", "C", "D", "E"} {
		testingpkg.SeedPrice(t, pool, ticker, "2019-01-02", 10)
	}

	job, _ := newJob(t, pool, Config{BatchSize: 2}, nil)
	res, err := job.Run(context.Background())
	require.NoError(t, err)

	prices := res.Sources[0]
	assert.EqualValues(t, 5, prices.Rows)
	assert.Equal(t, 1, prices.Days)
	require.Len(t, prices.Files, 1)
	assert.Len(t, readLines(t, prices.Files[0]), 6)
	assert.Equal(t, 0, testingpkg.CountRows(t, pool, "stock_prices"))
}

func TestRun_ArchivesNews(t *testing.T) {
	pool := testingpkg.NewTestPool(t, 2)
	testingpkg.SeedNews(t, pool, "AAPL", "Old, with a comma", now.AddDate(0, -2, 0))
	testingpkg.SeedNews(t, pool, "AAPL", "Fresh", now.Add(-time.Hour))

	job, _ := newJob(t, pool, Config{}, nil)
	res, err := job.Run(context.Background())
	require.NoError(t, err)

	news := res.Sources[1]
	assert.Equal(t, "news", news.Category)
	assert.EqualValues(t, 1, news.Rows)
	require.Len(t, news.Files, 1)
	assert.Equal(t, filepath.Join(job.cfg.Dir, "news", "2025", "04", "2025-04-02.csv"), news.Files[0])

	lines := readLines(t, news.Files[0])
	require.Len(t, lines, 2)
	assert.Equal(t, "ticker,published_at,headline,summary,url,source", lines[0])
	assert.Contains(t, lines[1], `"Old, with a comma"`)

	assert.Equal(t, 1, testingpkg.CountRows(t, pool, "news_articles"))
}

func TestRun_UploadsEachDayFile(t *testing.T) {
	pool := testingpkg.NewTestPool(t, 2)
	testingpkg.SeedPrice(t, pool, "AAPL", "2019-01-02", 40)
	testingpkg.SeedPrice(t, pool, "AAPL", "2019-02-01", 41)

	uploader := &recordingUploader{}
	job, _ := newJob(t, pool, Config{}, uploader)
	res, err := job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"prices/2019/01/2019-01-02.csv", "prices/2019/02/2019-02-01.csv"}, uploader.keys)
	assert.Equal(t, 2, res.Sources[0].Uploaded)
	assert.Equal(t, 0, res.Sources[0].UploadFailed)
}

func TestRun_UploadFailureDoesNotBlockDeletion(t *testing.T) {
	pool := testingpkg.NewTestPool(t, 2)
	testingpkg.SeedPrice(t, pool, "AAPL", "2019-01-02", 40)

	uploader := &recordingUploader{err: errors.New("bucket unavailable")}
	job, _ := newJob(t, pool, Config{}, uploader)
	res, err := job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Sources[0].UploadFailed)
	assert.Equal(t, 0, testingpkg.CountRows(t, pool, "stock_prices"))
	_, statErr := os.Stat(res.Sources[0].Files[0])
	assert.NoError(t, statErr)
}

func TestRun_WriteFailureKeepsRows(t *testing.T) {
	pool := testingpkg.NewTestPool(t, 2)
	testingpkg.SeedPrice(t, pool, "AAPL", "2019-01-02", 40)

	// a regular file where the archive directory should be
	blocker := filepath.Join(t.TempDir(), "archive")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	job, runs := newJob(t, pool, Config{Dir: blocker}, nil)
	_, err := job.Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, 1, testingpkg.CountRows(t, pool, "stock_prices"))

	run, err := runs.Latest(context.Background(), "archive_prices")
	require.NoError(t, err)
	assert.Equal(t, tasklog.StatusFailed, run.Status)
}

func TestGroupByDay(t *testing.T) {
	buckets := groupByDay([]Record{
		{ID: 1, Day: "2019-01-02"},
		{ID: 2, Day: "2019-01-03"},
		{ID: 3, Day: "2019-01-02"},
	})
	require.Len(t, buckets, 2)
	assert.Equal(t, "2019-01-02", buckets[0].day)
	assert.Equal(t, []int64{1, 3}, buckets[0].ids)
	assert.Equal(t, []int64{2}, buckets[1].ids)
}
