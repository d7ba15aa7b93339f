package database

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned when no store address can be resolved or
	// the pool bounds are invalid. It is never retried.
	ErrConfiguration = errors.New("database configuration error")

	// ErrConnection is returned when a healthy connection could not be
	// obtained within the retry budget.
	ErrConnection = errors.New("database connection error")

	// ErrPoolClosed is returned by Acquire on a pool that is not initialized
	// or has been shut down.
	ErrPoolClosed = fmt.Errorf("%w: pool is closed", ErrConnection)
)

// IsConnectionError reports whether err means the connection it came from
// can no longer be trusted.
func IsConnectionError(err error) bool {
	return errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, ErrConnection)
}
