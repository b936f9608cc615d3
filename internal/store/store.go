// Package store owns the database handle shared by the job queue and the
// idempotency store: driver selection, schema migrations and retry of
// transient lock errors.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know by name.
	sqlx.BindDriver(string(DriverSQLite), sqlx.QUESTION)
}

type Config struct {
	Driver       Driver
	Path         string // sqlite file, used when DSN is empty
	DSN          string
	MaxOpenConns int
	BusyTimeout  time.Duration
	MaxRetries   uint64
}

// DB wraps sqlx.DB with the dialect it was opened for.
type DB struct {
	*sqlx.DB
	driver     Driver
	log        zerolog.Logger
	maxRetries uint64
}

// Open connects to the configured database and applies pending migrations.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	var (
		conn *sqlx.DB
		err  error
	)
	switch cfg.Driver {
	case DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			if cfg.Path == "" {
				return nil, errors.New("store: sqlite path is required")
			}
			dsn = fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)",
				cfg.Path, cfg.BusyTimeout.Milliseconds())
		}
		conn, err = sqlx.Open(string(DriverSQLite), dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		conn.SetMaxOpenConns(1) // SQLite single writer
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, errors.New("store: postgres dsn is required")
		}
		conn, err = sqlx.Open(string(DriverPostgres), cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			conn.SetMaxOpenConns(cfg.MaxOpenConns)
		}
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	db := &DB{DB: conn, driver: cfg.Driver, log: logger.With().Str("component", "store").Logger(), maxRetries: cfg.MaxRetries}
	if err := db.Migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Dialect() Driver { return d.driver }

// SkipLocked returns the row-locking suffix for the claim subquery.
func (d *DB) SkipLocked() string {
	if d.driver == DriverPostgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// Retry runs fn, retrying with exponential backoff while it fails with a
// transient lock error. Any other error is returned as is.
func (d *DB) Retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, d.maxRetries), ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		d.log.Warn().Err(err).Str("op", op).Dur("wait", wait).Msg("transient store error, retrying")
	})
}

// IsTransient reports whether err is a lock or serialization failure that may
// succeed when retried.
func IsTransient(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		switch pe.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}

// Nanos converts t to the integer representation stored in timestamp columns.
func Nanos(t time.Time) int64 { return t.UTC().UnixNano() }

// FromNanos is the inverse of Nanos.
func FromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
