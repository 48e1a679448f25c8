// Package pgstore talks to PostgreSQL through a pgx connection pool.
//
// Gateway owns the pool and classifies driver errors into
// storage.ConnectionError and storage.QueryError. Store builds the paste
// operations on top of it.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pastebin/internal/storage"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("gateway closed")

// Config describes how to reach the database and how large the pool may grow.
type Config struct {
	ConnString string
	storage.Options
}

// Gateway issues parameterized statements against a pooled connection set.
type Gateway struct {
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	pool   *pgxpool.Pool
	closed bool
}

// Open builds the pool. Connections are dialed on first use, so Open does not
// fail when the database is down.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Gateway, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}
	pcfg.MinConns = 0
	if cfg.IdleTimeout > 0 {
		pcfg.MaxConnIdleTime = cfg.IdleTimeout
		pcfg.HealthCheckPeriod = cfg.IdleTimeout
	}
	if cfg.ConnectTimeout > 0 {
		pcfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	return &Gateway{
		timeout: cfg.QueryTimeout,
		logger:  logger,
		pool:    pool,
	}, nil
}

func (g *Gateway) acquirePool() (*pgxpool.Pool, error) {
	if g == nil {
		return nil, ErrClosed
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed || g.pool == nil {
		return nil, ErrClosed
	}
	return g.pool, nil
}

// Exec runs a statement and returns the number of affected rows.
func (g *Gateway) Exec(ctx context.Context, op, sql string, args ...any) (int64, error) {
	pool, err := g.acquirePool()
	if err != nil {
		return 0, &storage.ConnectionError{Op: op, Err: err}
	}
	ctx, cancel := storage.WithTimeout(ctx, g.timeout)
	defer cancel()

	tag, err := pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, Classify(op, err)
	}
	return tag.RowsAffected(), nil
}

// QueryRow runs a statement expected to return at most one row and scans it
// into dest. pgx.ErrNoRows is returned unchanged.
func (g *Gateway) QueryRow(ctx context.Context, op, sql string, args []any, dest ...any) error {
	pool, err := g.acquirePool()
	if err != nil {
		return &storage.ConnectionError{Op: op, Err: err}
	}
	ctx, cancel := storage.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := pool.QueryRow(ctx, sql, args...).Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		return Classify(op, err)
	}
	return nil
}

// Ping runs a trivial round-trip query.
func (g *Gateway) Ping(ctx context.Context) error {
	var connected int
	if err := g.QueryRow(ctx, "ping", `SELECT 1 AS connected`, nil, &connected); err != nil {
		return err
	}
	if connected != 1 {
		return &storage.QueryError{Op: "ping", Err: fmt.Errorf("unexpected result %d", connected)}
	}
	return nil
}

// HealthCheck reports whether the database answers. It never returns an error.
func (g *Gateway) HealthCheck(ctx context.Context) bool {
	if err := g.Ping(ctx); err != nil {
		if g != nil && g.logger != nil {
			g.logger.Warn("database health check failed", "error", err)
		}
		return false
	}
	return true
}

// Close releases every pooled connection. It is safe to call on a nil or
// already closed gateway.
func (g *Gateway) Close() error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	if g.pool != nil {
		g.pool.Close()
	}
	return nil
}

// Classify maps a driver error onto the storage error taxonomy.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if storage.IsContextError(err) || pgconn.Timeout(err) {
		return &storage.ConnectionError{Op: op, Err: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08":
			// connection_exception class
			return &storage.ConnectionError{Op: op, Err: err}
		case pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			// server shutting down or not yet accepting connections
			return &storage.ConnectionError{Op: op, Err: err}
		}
		return &storage.QueryError{Op: op, Err: err}
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connectErr),
		errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, ErrClosed),
		pgconn.SafeToRetry(err):
		return &storage.ConnectionError{Op: op, Err: err}
	}
	return &storage.QueryError{Op: op, Err: err}
}
