package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel-ingest/internal/metrics"
)

// Querier is the statement surface shared by *sql.DB, *sql.Conn, *sql.Tx and *Conn.
// Repositories accept it so the caller decides the transaction scope.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ProbeFunc checks that a connection is usable before it is handed out.
type ProbeFunc func(ctx context.Context, conn *sql.Conn) error

// PoolConfig holds pool configuration
type PoolConfig struct {
	Addr    string          // Store address (see ResolveTarget)
	Profile DatabaseProfile // SQLite PRAGMA profile
	Name    string          // Friendly name for logging

	// AcquireTimeout bounds the wait for a free slot. Zero means only the
	// caller's context bounds it.
	AcquireTimeout time.Duration

	Retry   RetryPolicy
	Probe   ProbeFunc
	Metrics *metrics.Metrics
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Live      int   // connections owned by the pool, idle or borrowed
	InUse     int   // connections currently borrowed
	Idle      int   // connections waiting to be reused
	Max       int   // upper bound on Live
	Discarded int64 // connections closed after a failed probe or broken scope
}

type poolState int

const (
	stateUninitialized poolState = iota
	stateOpen
	stateClosed
)

// Pool hands out health-checked connections, at most max at a time.
type Pool struct {
	cfg PoolConfig
	log zerolog.Logger

	initMu sync.Mutex // serializes Initialize and Shutdown

	mu        sync.Mutex
	state     poolState
	db        *sql.DB
	target    Target
	slots     chan struct{}
	closed    chan struct{}
	idle      []*sql.Conn
	live      int
	inUse     int
	max       int
	discarded int64
	gen       uint64
}

// Conn is a pooled connection borrowed by exactly one operation.
type Conn struct {
	*sql.Conn

	pool     *Pool
	slots    chan struct{}
	gen      uint64
	released bool
}

// NewPool creates an uninitialized pool.
func NewPool(cfg PoolConfig, log zerolog.Logger) *Pool {
	if cfg.Name == "" {
		cfg.Name = "store"
	}
	if cfg.Probe == nil {
		cfg.Probe = SelectOneProbe
	}
	return &Pool{
		cfg: cfg,
		log: log.With().Str("component", "db_pool").Str("database", cfg.Name).Logger(),
	}
}

// SelectOneProbe runs SELECT 1 on the connection.
func SelectOneProbe(ctx context.Context, conn *sql.Conn) error {
	var one int
	return conn.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// Initialize opens the store and pre-warms min connections. Calling it on an
// open pool is a no-op.
func (p *Pool) Initialize(ctx context.Context, min, max int) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	p.mu.Lock()
	if p.state == stateOpen {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if max < 1 || min < 0 || min > max {
		return fmt.Errorf("%w: invalid pool bounds min=%d max=%d", ErrConfiguration, min, max)
	}

	db, target, err := open(p.cfg.Addr, max, p.cfg.Profile)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.db = db
	p.target = target
	p.slots = make(chan struct{}, max)
	p.closed = make(chan struct{})
	p.idle = nil
	p.live = 0
	p.inUse = 0
	p.max = max
	p.gen++
	p.state = stateOpen
	p.mu.Unlock()

	warm := make([]*Conn, 0, min)
	for i := 0; i < min; i++ {
		c, err := p.Acquire(ctx)
		if err != nil {
			for _, w := range warm {
				p.Release(w, nil)
			}
			p.shutdown()
			return fmt.Errorf("failed to pre-warm pool %s: %w", p.cfg.Name, err)
		}
		warm = append(warm, c)
	}
	for _, w := range warm {
		p.Release(w, nil)
	}

	p.log.Info().
		Str("driver", target.Driver).
		Str("dialect", string(target.Dialect)).
		Int("min", min).
		Int("max", max).
		Msg("Connection pool initialized")

	return nil
}

// Dialect returns the SQL flavour of the open store.
func (p *Pool) Dialect() Dialect {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target.Dialect
}

// Acquire borrows a probed connection. The caller must hand it back with
// Release (or use WithConn / WithTx).
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.state != stateOpen {
		p.mu.Unlock()
		p.cfg.Metrics.ObserveAcquire("error")
		return nil, ErrPoolClosed
	}
	slots, closed, gen := p.slots, p.closed, p.gen
	p.mu.Unlock()

	waitCtx := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	select {
	case slots <- struct{}{}:
	case <-closed:
		p.cfg.Metrics.ObserveAcquire("error")
		return nil, ErrPoolClosed
	case <-waitCtx.Done():
		p.cfg.Metrics.ObserveAcquire("error")
		return nil, fmt.Errorf("%w: waiting for a free connection: %v", ErrConnection, waitCtx.Err())
	}

	policy := p.cfg.Retry
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, err error, wait time.Duration) {
			p.log.Warn().
				Err(err).
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("Connection probe failed, retrying")
		}
	}

	raw, err := Retry(ctx, policy, func(ctx context.Context) (*sql.Conn, error) {
		return p.checkout(ctx, gen)
	})
	if err != nil {
		<-slots
		p.cfg.Metrics.ObserveAcquire("error")
		if errors.Is(err, ErrConnection) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	p.mu.Lock()
	p.inUse++
	p.mu.Unlock()
	p.cfg.Metrics.ObserveAcquire("ok")

	return &Conn{Conn: raw, pool: p, slots: slots, gen: gen}, nil
}

// checkout takes an idle connection or opens a new one, then probes it.
func (p *Pool) checkout(ctx context.Context, gen uint64) (*sql.Conn, error) {
	p.mu.Lock()
	if p.state != stateOpen || p.gen != gen {
		p.mu.Unlock()
		return nil, backoff.Permanent(ErrPoolClosed)
	}
	var conn *sql.Conn
	if n := len(p.idle); n > 0 {
		conn = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	db := p.db
	if conn == nil {
		p.live++
	}
	p.mu.Unlock()

	if conn == nil {
		var err error
		conn, err = db.Conn(ctx)
		if err != nil {
			p.mu.Lock()
			p.live--
			p.mu.Unlock()
			return nil, fmt.Errorf("open connection: %w", err)
		}
	}

	if err := p.cfg.Probe(ctx, conn); err != nil {
		p.discard(conn, err)
		return nil, fmt.Errorf("probe: %w", err)
	}

	return conn, nil
}

// discard closes conn at the driver level so it is never reused.
func (p *Pool) discard(conn *sql.Conn, cause error) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	if err := conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		p.log.Warn().Err(err).Msg("Failed to close discarded connection")
	}

	p.mu.Lock()
	p.live--
	p.discarded++
	p.mu.Unlock()

	p.cfg.Metrics.ObserveDiscard()
	p.log.Debug().Err(cause).Msg("Connection discarded")
}

// Release hands conn back. A connection-class err, or a pool that was shut
// down meanwhile, discards it instead of returning it to the idle set.
// Releasing twice is a no-op.
func (p *Pool) Release(c *Conn, err error) {
	if c == nil {
		return
	}

	p.mu.Lock()
	if c.released {
		p.mu.Unlock()
		return
	}
	c.released = true
	sameGen := p.gen == c.gen
	active := sameGen && p.state == stateOpen
	if sameGen {
		p.inUse--
	}
	keep := active && !IsConnectionError(err)
	if keep {
		p.idle = append(p.idle, c.Conn)
	}
	if sameGen && !active {
		p.live--
	}
	p.mu.Unlock()

	switch {
	case keep:
	case active:
		p.discard(c.Conn, err)
	default:
		// Pool was shut down while this connection was out
		if cerr := c.Conn.Close(); cerr != nil && !errors.Is(cerr, sql.ErrConnDone) {
			p.log.Warn().Err(cerr).Msg("Failed to close connection after shutdown")
		}
	}

	<-c.slots
}

// Release hands the connection back to its pool.
func (c *Conn) Release(err error) {
	c.pool.Release(c, err)
}

// WithConn runs fn on a borrowed connection without a transaction.
func (p *Pool) WithConn(ctx context.Context, fn func(ctx context.Context, conn *Conn) error) (err error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in connection scope: %v", r)
		}
		p.Release(conn, err)
	}()

	return fn(ctx, conn)
}

// WithTx runs fn inside a transaction on a borrowed connection.
// It commits when fn returns nil and rolls back on error or panic. A failed
// commit or rollback discards the connection.
func (p *Pool) WithTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	broken, err := withTransaction(ctx, conn.Conn, fn)
	if broken {
		p.Release(conn, driver.ErrBadConn)
	} else {
		p.Release(conn, err)
	}
	return err
}

// withTransaction executes fn within a transaction on conn.
// It handles begin, commit, rollback and panic recovery. broken reports that
// the connection is in an unknown transaction state.
func withTransaction(ctx context.Context, conn *sql.Conn, fn func(context.Context, *sql.Tx) error) (broken bool, err error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return IsConnectionError(err), fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Use named return variables to capture the panic value
	defer func() {
		if r := recover(); r != nil {
			// Panic occurred - rollback and convert panic to error
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				broken = true
			}
			err = fmt.Errorf("panic in transaction: %v", r)
			return
		}

		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				broken = true
				err = fmt.Errorf("transaction failed: %w (rollback also failed: %v)", err, rbErr)
				return
			}
			err = fmt.Errorf("transaction failed: %w", err)
			return
		}

		if commitErr := tx.Commit(); commitErr != nil {
			broken = true
			err = fmt.Errorf("failed to commit transaction: %w", commitErr)
		}
	}()

	err = fn(ctx, tx)
	return false, err
}

// Shutdown closes idle connections and the driver handle. Borrowed
// connections are closed when released. Acquire fails with ErrPoolClosed
// until Initialize is called again.
func (p *Pool) Shutdown() {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	p.shutdown()
}

func (p *Pool) shutdown() {
	p.mu.Lock()
	if p.state != stateOpen {
		p.mu.Unlock()
		return
	}
	p.state = stateClosed
	close(p.closed)
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	db := p.db
	p.mu.Unlock()

	for _, conn := range idle {
		if err := conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			p.log.Warn().Err(err).Msg("Failed to close idle connection")
		}
	}
	if err := db.Close(); err != nil {
		p.log.Warn().Err(err).Msg("Failed to close database handle")
	}

	p.log.Info().Msg("Connection pool shut down")
}

// Stats returns the current pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		Live:      p.live,
		InUse:     p.inUse,
		Idle:      len(p.idle),
		Max:       p.max,
		Discarded: p.discarded,
	}
}

// HealthCheck borrows a connection, which runs the probe.
func (p *Pool) HealthCheck(ctx context.Context) error {
	return p.WithConn(ctx, func(context.Context, *Conn) error { return nil })
}

// Checkpoint truncates the SQLite write-ahead log after bulk deletes.
// It is a no-op on Postgres.
func (p *Pool) Checkpoint(ctx context.Context) error {
	if p.Dialect() != DialectSQLite {
		return nil
	}
	return p.WithConn(ctx, func(ctx context.Context, conn *Conn) error {
		if _, err := conn.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			return fmt.Errorf("WAL checkpoint failed for %s: %w", p.cfg.Name, err)
		}
		return nil
	})
}
