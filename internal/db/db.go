package db

import (
	"embed"
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
)

//go:embed migrations
var migrationsFS embed.FS

// Connect opens the store for driver ("postgres" or "sqlite3") and applies the embedded migrations.
func Connect(driver, dsn string) (*sqlx.DB, error) {
	conn, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if driver == "sqlite3" {
		// one writer; an in-memory database also lives on a single connection
		conn.SetMaxOpenConns(1)
	}

	if err := runMigrations(conn, driver); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return conn, nil
}

// OpenMemory returns a migrated in-memory sqlite database.
func OpenMemory() (*sqlx.DB, error) {
	return Connect("sqlite3", "file::memory:?_foreign_keys=on")
}

func runMigrations(conn *sqlx.DB, driver string) error {
	src, err := iofs.New(migrationsFS, "migrations/"+driver)
	if err != nil {
		return err
	}

	var target database.Driver
	switch driver {
	case "postgres":
		target, err = postgres.WithInstance(conn.DB, &postgres.Config{})
	case "sqlite3":
		target, err = sqlite3.WithInstance(conn.DB, &sqlite3.Config{})
	default:
		return fmt.Errorf("unsupported driver %q", driver)
	}
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, target)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
