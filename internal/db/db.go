package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"listing-chat/internal/db/migrations"
	"listing-chat/internal/logging"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Options configures the database connection.
type Options struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// Connect opens the database and applies pending migrations.
func Connect(opts Options) (*sqlx.DB, error) {
	conn, err := sqlx.Connect(opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	switch opts.Driver {
	case DriverSQLite:
		// sqlite allows a single writer; one connection keeps transactions serialized.
		conn.SetMaxOpenConns(1)
	default:
		if opts.MaxOpenConns > 0 {
			conn.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			conn.SetMaxIdleConns(opts.MaxIdleConns)
		}
	}

	if err := runMigrations(conn.DB, opts.Driver); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return conn, nil
}

func runMigrations(conn *sql.DB, driverName string) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	var driver database.Driver
	switch driverName {
	case DriverPostgres:
		driver, err = postgres.WithInstance(conn, &postgres.Config{})
	case DriverSQLite:
		driver, err = sqlite3.WithInstance(conn, &sqlite3.Config{})
	default:
		return fmt.Errorf("unsupported driver %q", driverName)
	}
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, driverName, driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up: %w", err)
	}

	version, dirty, _ := m.Version()
	logging.Info().Str("driver", driverName).Uint("version", version).Bool("dirty", dirty).Msg("database migrations applied")
	return nil
}
