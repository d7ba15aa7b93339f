package archival

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// DayKey returns the archive key of a day bucket: <category>/YYYY/MM/YYYY-MM-DD.csv.
// Keys always use forward slashes so they double as object storage keys.
func DayKey(category, day string) string {
	return path.Join(category, day[:4], day[5:7], day+".csv")
}

// appendDay appends rows to the CSV file at p, creating it with header when it
// does not exist yet. The file is flushed and synced before it is closed.
func appendDay(p string, header []string, rows [][]string) (created bool, err error) {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return false, fmt.Errorf("failed to create archive directory: %w", err)
	}

	_, statErr := os.Stat(p)
	switch {
	case errors.Is(statErr, fs.ErrNotExist):
		created = true
	case statErr != nil:
		return false, fmt.Errorf("failed to stat %s: %w", p, statErr)
	}

	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", p, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", p, cerr)
		}
	}()

	w := csv.NewWriter(f)
	if created {
		if err := w.Write(header); err != nil {
			return created, fmt.Errorf("failed to write header to %s: %w", p, err)
		}
	}
	if err := w.WriteAll(rows); err != nil {
		return created, fmt.Errorf("failed to write rows to %s: %w", p, err)
	}
	if err := f.Sync(); err != nil {
		return created, fmt.Errorf("failed to sync %s: %w", p, err)
	}
	return created, nil
}
