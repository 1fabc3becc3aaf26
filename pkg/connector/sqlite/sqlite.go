// Package sqlite provides connpool hooks for SQLite databases. Each pool
// slot owns one database handle pinned to a single underlying connection, so
// pragmas applied at dial time stick for the lease's lifetime.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/hotfetch/hotfetch/internal/connpool"
	"github.com/hotfetch/hotfetch/pkg/errors"
)

// Config describes how connections are opened and tuned.
type Config struct {
	// Path is the database file; ":memory:" opens an in-memory database.
	Path string `yaml:"path"`

	// BusyTimeout is how long a statement waits on a locked database.
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// JournalMode defaults to WAL.
	JournalMode string `yaml:"journal_mode"`

	// CacheSize is the page-cache size in pages; zero keeps the SQLite
	// default.
	CacheSize int `yaml:"cache_size"`

	// ForeignKeys enables foreign key enforcement.
	ForeignKeys bool `yaml:"foreign_keys"`
}

// Factory returns a connpool dial function for the configured database.
func Factory(config Config) (connpool.Factory[*sql.DB], error) {
	if config.Path == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "sqlite path must not be empty").
			WithComponent("connector/sqlite")
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}

	return func(ctx context.Context) (*sql.DB, error) {
		db, err := sql.Open("sqlite", config.Path)
		if err != nil {
			return nil, err
		}
		// One underlying connection per handle; the pool does the pooling.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)

		pragmas := []string{
			fmt.Sprintf("PRAGMA busy_timeout = %d", config.BusyTimeout.Milliseconds()),
			fmt.Sprintf("PRAGMA journal_mode = %s", config.JournalMode),
		}
		if config.CacheSize != 0 {
			pragmas = append(pragmas, fmt.Sprintf("PRAGMA cache_size = %d", config.CacheSize))
		}
		if config.ForeignKeys {
			pragmas = append(pragmas, "PRAGMA foreign_keys = ON")
		}
		for _, pragma := range pragmas {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		return db, nil
	}, nil
}

// Validator probes liveness with SELECT 1.
func Validator() connpool.Validator[*sql.DB] {
	return func(ctx context.Context, db *sql.DB) bool {
		var one int
		if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
			return false
		}
		return one == 1
	}
}

// Closer tears down the handle.
func Closer() connpool.Closer[*sql.DB] {
	return func(db *sql.DB) error {
		return db.Close()
	}
}

// NewPool builds a validated connection pool over the configured database.
func NewPool(config Config, poolConfig connpool.Config) (*connpool.Pool[*sql.DB], error) {
	factory, err := Factory(config)
	if err != nil {
		return nil, err
	}
	return connpool.New(poolConfig, factory, Validator(), Closer())
}
