// Package store is the engine's embedded relational store: agents,
// approval tokens, and the audit summary index. Its connection-pool and
// embedded-migration shape is retargeted from Postgres+ent onto a
// pure-Go, cgo-free SQLite file (modernc.org/sqlite) with hand-written
// database/sql queries in place of a generated ORM client, since that
// codegen cannot run in this environment.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// Config controls the embedded store's connection.
type Config struct {
	// Path is the SQLite file path, or ":memory:" for an ephemeral store
	// (tests, --simulate runs that don't need durable agent/token state).
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Client wraps the embedded SQLite database/sql handle.
type Client struct {
	DB *sql.DB
}

// Open opens the SQLite store at cfg.Path, applies pool settings, and
// runs embedded migrations to the latest version.
func Open(cfg Config) (*Client, error) {
	if cfg.Path == ":memory:" {
		// Every SQLite connection to ":memory:" opens its own empty
		// database, so an in-memory store is pinned to one connection
		// that stays open for the Client's lifetime.
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 4 // SQLite serializes writers regardless; a small pool avoids lock contention.
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Client{DB: db}, nil
}

// runMigrations applies every embedded migration up to the latest
// version: an embedded source, an explicit driver instance, and
// deliberately no m.Close() call, since that would close the shared
// *sql.DB underneath the returned Client.
func runMigrations(db *sql.DB) error {
	srcDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (c *Client) Close() error {
	return c.DB.Close()
}
