// Package pgstore implements pkg/storage's repository interfaces against
// PostgreSQL via pgx, for multi-session or dashboard-attached
// deployments. Schema is managed with embedded golang-migrate
// migrations, the same shape as a production pgx-based database client.
package pgstore

import (
	"context"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver for database/sql, used only by golang-migrate
	stdsql "database/sql"

	"github.com/codeready-toolchain/conductor/pkg/config"
)

//go:embed migrations
var migrationsFS embed.FS

// Store wraps a pgx connection pool and the repository implementations
// built on it.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres, runs pending migrations, and returns a
// ready-to-use Store.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(dsn, cfg.Database); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{pool: pool}, nil
}

// runMigrations applies embedded SQL migrations via golang-migrate,
// using a short-lived database/sql connection (through the pgx stdlib
// driver) purely for migration bookkeeping, separate from the pool the
// repositories use for queries.
func runMigrations(dsn, databaseName string) error {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres migration driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, databaseName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return sourceDriver.Close()
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
