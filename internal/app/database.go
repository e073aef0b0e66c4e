package app

import (
	"context"
	"fmt"

	"github.com/proxyshop/notifycore/internal/config"
	"github.com/proxyshop/notifycore/internal/notifications"
	notificationspostgres "github.com/proxyshop/notifycore/internal/notifications/postgres"
	notificationssqlite "github.com/proxyshop/notifycore/internal/notifications/sqlite"
	"github.com/proxyshop/notifycore/internal/pkg/metrics"
	"github.com/proxyshop/notifycore/internal/pkg/postgres"
	"github.com/proxyshop/notifycore/internal/pkg/sqlite"
	"github.com/proxyshop/notifycore/migrations"
)

// database is an opened store with its driver-specific hooks.
type database struct {
	repo          notifications.Repository
	recordMetrics func()
	close         func()
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*database, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		if cfg.MigrateOnStart {
			if err := postgres.Migrate(migrations.Postgres, cfg.URL); err != nil {
				return nil, err
			}
		}

		pool, err := postgres.Connect(ctx, postgres.Config{
			URL:             cfg.URL,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnectAttempts: cfg.ConnectAttempts,
		})
		if err != nil {
			return nil, err
		}

		return &database{
			repo:          notificationspostgres.NewRepository(pool),
			recordMetrics: func() { metrics.RecordDBPoolMetrics(pool) },
			close:         pool.Close,
		}, nil

	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, sqlite.Config{
			Path:            cfg.URL,
			MaxOpenConns:    cfg.MaxOpenConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			BusyTimeout:     cfg.BusyTimeout,
		})
		if err != nil {
			return nil, err
		}

		if cfg.MigrateOnStart {
			if err := sqlite.Migrate(db, migrations.SQLite); err != nil {
				_ = db.Close()
				return nil, err
			}
		}

		return &database{
			repo:          notificationssqlite.NewRepository(db),
			recordMetrics: func() { metrics.RecordSQLDBMetrics(db) },
			close:         func() { _ = db.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
