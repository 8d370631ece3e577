// Package store implements job and artifact persistence over PostgreSQL: a
// pooled database/sql connection, embedded golang-migrate migrations, and a
// health-reporting Connector. Data access is hand-written raw SQL rather
// than a generated client, since the retrieval pack carries only a
// hand-written schema and none of the generated code `go generate` would
// normally produce (see DESIGN.md).
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/contentforge/jobserver/pkg/config"
)

//go:embed migrations
var migrationsFS embed.FS

// Store is the Artifact Store: a pooled PostgreSQL connection plus a
// circuit-breaking Connector whose breaker state Health reports. The query
// methods of this package run on the pool directly; none of them goes
// through the Connector, so they have no direct (no-pool) fallback.
type Store struct {
	db        *sql.DB
	connector *Connector
}

// Open connects to cfg.DatabaseURL, applies embedded migrations, and
// configures the connection pool from cfg.PoolSize/PoolOverflow (the
// POOL_SIZE/POOL_OVERFLOW env vars).
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.PoolSize + cfg.PoolOverflow)
	db.SetMaxIdleConns(cfg.PoolSize)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(15 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{
		db:        db,
		connector: NewConnector(cfg.DatabaseURL, db),
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func runMigrations(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating postgres migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}

	return source.Close()
}

// HealthStatus reports pool occupancy and connectivity, surfaced by the
// /health endpoint.
type HealthStatus struct {
	Status          string `json:"status"`
	ResponseTime    int64  `json:"response_time_ms"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
	CircuitOpen     bool   `json:"circuit_open"`
}

// Health pings the pool and reports its current statistics plus whether
// the direct-connection circuit breaker has tripped.
func (s *Store) Health(ctx context.Context) HealthStatus {
	start := time.Now()
	err := s.db.PingContext(ctx)
	stats := s.db.Stats()

	status := "healthy"
	if err != nil {
		status = "unhealthy"
	}

	return HealthStatus{
		Status:          status,
		ResponseTime:    time.Since(start).Milliseconds(),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		CircuitOpen:     s.connector.CircuitOpen(),
	}
}
