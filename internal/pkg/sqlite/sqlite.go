// Package sqlite provides embedded SQLite database utilities.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

// Config contains SQLite configuration.
type Config struct {
	// Path is a file path or ":memory:".
	Path            string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// Open opens the database and checks that it is usable. An in-memory
// database is limited to one connection so every query sees the same data.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1
	}
	lifetime := cfg.ConnMaxLifetime
	if isMemory(cfg.Path) {
		// The database lives and dies with its only connection.
		maxOpen = 1
		lifetime = 0
		db.SetConnMaxIdleTime(0)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(lifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	slog.Info("opened sqlite database", "path", cfg.Path, "max_open_conns", maxOpen)
	return db, nil
}

// Migrate applies all pending migrations from fsys. The migrator is not
// closed because closing it would close db.
func Migrate(db *sql.DB, fsys fs.FS) error {
	src, err := iofs.New(fsys, "sqlite")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func dsn(cfg Config) string {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	params := []string{fmt.Sprintf("_pragma=busy_timeout(%d)", busy.Milliseconds())}
	if !isMemory(cfg.Path) {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	params = append(params, "_pragma=foreign_keys(1)")

	sep := "?"
	if strings.Contains(cfg.Path, "?") {
		sep = "&"
	}
	return cfg.Path + sep + strings.Join(params, "&")
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}
