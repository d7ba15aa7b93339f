// Package database provides the pooled, health-checked connection layer for
// the ingestion store.
//
// Three drivers are supported and chosen from the store address:
//   - postgres:// and postgresql:// open through pgx
//   - sqlite3:// opens through the cgo mattn/go-sqlite3 driver
//   - anything else is a file path (or file: URI) opened through the pure Go
//     modernc SQLite driver
package database

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver ("pgx")
	_ "github.com/mattn/go-sqlite3"    // cgo SQLite driver ("sqlite3")
	_ "modernc.org/sqlite"             // Pure Go SQLite driver ("sqlite")
)

// DatabaseProfile defines different configuration profiles for SQLite stores
type DatabaseProfile string

const (
	// ProfileLedger - Maximum safety, every commit is fsynced
	ProfileLedger DatabaseProfile = "ledger"
	// ProfileCache - Maximum speed for rebuildable data
	ProfileCache DatabaseProfile = "cache"
	// ProfileStandard - Balanced configuration for most stores
	ProfileStandard DatabaseProfile = "standard"
)

// Dialect names the SQL flavour behind a store address.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// busyTimeoutMS is how long a SQLite writer waits for the lock before failing.
const busyTimeoutMS = 5000

// Target is a resolved store address: which driver to open and with what DSN.
type Target struct {
	Driver  string
	DSN     string
	Dialect Dialect
}

// Redacted returns a printable form of the address without credentials.
func (t Target) Redacted() string {
	if t.Dialect != DialectPostgres {
		return t.DSN
	}
	u, err := url.Parse(t.DSN)
	if err != nil {
		return t.Driver
	}
	return u.Redacted()
}

// ResolveTarget maps a store address to a driver and connection string.
func ResolveTarget(addr string, profile DatabaseProfile) (Target, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return Target{}, fmt.Errorf("%w: no database address configured", ErrConfiguration)
	}

	// Default to standard profile if not specified
	if profile == "" {
		profile = ProfileStandard
	}

	switch {
	case strings.HasPrefix(addr, "postgres://"), strings.HasPrefix(addr, "postgresql://"):
		return Target{Driver: "pgx", DSN: addr, Dialect: DialectPostgres}, nil

	case strings.HasPrefix(addr, "sqlite3://"):
		path, err := prepareSQLitePath(strings.TrimPrefix(addr, "sqlite3://"))
		if err != nil {
			return Target{}, err
		}
		return Target{Driver: "sqlite3", DSN: buildMattnConnectionString(path, profile), Dialect: DialectSQLite}, nil

	default:
		path, err := prepareSQLitePath(strings.TrimPrefix(addr, "sqlite://"))
		if err != nil {
			return Target{}, err
		}
		return Target{Driver: "sqlite", DSN: buildConnectionString(path, profile), Dialect: DialectSQLite}, nil
	}
}

// prepareSQLitePath makes a file path absolute and creates its directory.
func prepareSQLitePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty SQLite path", ErrConfiguration)
	}

	// file: URIs (used for shared in-memory databases) are passed through as-is
	if strings.HasPrefix(path, "file:") || path == ":memory:" {
		return path, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve database path to absolute: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create database directory: %w", err)
	}
	return absPath, nil
}

func joinQuery(path string) string {
	if strings.Contains(path, "?") {
		return path + "&"
	}
	return path + "?"
}

// buildConnectionString creates a modernc SQLite connection string with
// profile-specific PRAGMAs
func buildConnectionString(path string, profile DatabaseProfile) string {
	// busy_timeout must come first: PRAGMAs run in order, and the WAL switch
	// on a fresh file takes a lock that concurrent first connections wait on
	connStr := joinQuery(path) + fmt.Sprintf("_pragma=busy_timeout(%d)", busyTimeoutMS)
	connStr += "&_pragma=journal_mode(WAL)"
	connStr += "&_txlock=immediate"

	switch profile {
	case ProfileLedger:
		connStr += "&_pragma=synchronous(FULL)" // Fsync after every write
		connStr += "&_pragma=auto_vacuum(NONE)" // Never shrink

	case ProfileCache:
		connStr += "&_pragma=synchronous(OFF)"   // No fsync
		connStr += "&_pragma=auto_vacuum(FULL)"  // Auto-reclaim space
		connStr += "&_pragma=temp_store(MEMORY)" // Temp tables in RAM

	case ProfileStandard:
		connStr += "&_pragma=synchronous(NORMAL)"      // Fsync at checkpoints
		connStr += "&_pragma=auto_vacuum(INCREMENTAL)" // Gradual space reclamation
		connStr += "&_pragma=temp_store(MEMORY)"       // Temp tables in RAM
	}

	// Common PRAGMAs for all profiles
	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=wal_autocheckpoint(1000)" // Checkpoint every 1000 pages
	connStr += "&_pragma=cache_size(-64000)"       // 64MB cache (negative = KB)

	return connStr
}

// buildMattnConnectionString is buildConnectionString for the cgo driver,
// which takes its settings as underscore query parameters.
func buildMattnConnectionString(path string, profile DatabaseProfile) string {
	connStr := joinQuery(path) + fmt.Sprintf("_busy_timeout=%d", busyTimeoutMS)
	connStr += "&_journal_mode=WAL"
	connStr += "&_txlock=immediate"
	connStr += "&_foreign_keys=1"

	switch profile {
	case ProfileLedger:
		connStr += "&_synchronous=FULL&_auto_vacuum=none"
	case ProfileCache:
		connStr += "&_synchronous=OFF&_auto_vacuum=full"
	default:
		connStr += "&_synchronous=NORMAL&_auto_vacuum=incremental"
	}

	return connStr
}

// configureConnectionPool bounds the driver-level pool to the same size as the
// owning Pool so the two can never disagree about how many connections exist.
func configureConnectionPool(db *sql.DB, max int, profile DatabaseProfile) {
	db.SetMaxOpenConns(max)
	db.SetMaxIdleConns(max)

	// Connections are pinned by Pool and recycled only through discard, so
	// lifetimes here only apply to connections returned to database/sql.
	db.SetConnMaxLifetime(24 * time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if profile == ProfileCache {
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
}

// open resolves addr and opens the driver-level handle.
func open(addr string, max int, profile DatabaseProfile) (*sql.DB, Target, error) {
	target, err := ResolveTarget(addr, profile)
	if err != nil {
		return nil, Target{}, err
	}

	db, err := sql.Open(target.Driver, target.DSN)
	if err != nil {
		return nil, Target{}, fmt.Errorf("%w: failed to open %s: %v", ErrConfiguration, target.Redacted(), err)
	}

	configureConnectionPool(db, max, profile)
	return db, target, nil
}
