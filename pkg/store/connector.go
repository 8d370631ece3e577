package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
)

// Connector acquires a usable *sql.Conn, preferring the shared pool but
// falling back to a single direct connection (outside the pool) when the
// pool is unhealthy — guarded by a circuit breaker so a sustained database
// outage doesn't pile up retrying goroutines. This is the capability
// interface for the pooled and no-pool fallback variants.
type Connector struct {
	dsn  string
	pool *sql.DB
	cb   *gobreaker.CircuitBreaker
}

// NewConnector wraps pool with a gobreaker-guarded direct-connection
// fallback path.
func NewConnector(dsn string, pool *sql.DB) *Connector {
	settings := gobreaker.Settings{
		Name:        "artifact-store-db",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Connector{
		dsn:  dsn,
		pool: pool,
		cb:   gobreaker.NewCircuitBreaker(settings),
	}
}

// CircuitOpen reports whether the direct-connection breaker is currently
// tripped (surfaced on /health).
func (c *Connector) CircuitOpen() bool {
	return c.cb.State() == gobreaker.StateOpen
}

// Acquire returns a pooled connection, retrying with backoff on transient
// failure (100ms, 200ms, 400ms) before falling back to a
// direct, unpooled connection guarded by the circuit breaker.
func (c *Connector) Acquire(ctx context.Context) (*sql.Conn, error) {
	conn, err := acquireWithBackoff(ctx, c.pool)
	if err == nil {
		return conn, nil
	}

	result, cbErr := c.cb.Execute(func() (interface{}, error) {
		return acquireDirect(ctx, c.dsn)
	})
	if cbErr != nil {
		return nil, fmt.Errorf("pool acquire failed (%w) and direct fallback failed: %w", err, cbErr)
	}
	return result.(*sql.Conn), nil
}

func acquireWithBackoff(ctx context.Context, pool *sql.DB) (*sql.Conn, error) {
	op := func() (*sql.Conn, error) {
		conn, err := pool.Conn(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	// One initial attempt plus three retries, waiting 100ms, 200ms, 400ms.
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(4),
	)
}

func acquireDirect(ctx context.Context, dsn string) (*sql.Conn, error) {
	direct, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening direct connection: %w", err)
	}
	direct.SetMaxOpenConns(1)

	conn, err := direct.Conn(ctx)
	if err != nil {
		_ = direct.Close()
		return nil, fmt.Errorf("acquiring direct connection: %w", err)
	}
	return conn, nil
}
