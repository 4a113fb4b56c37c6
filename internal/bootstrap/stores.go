// Package bootstrap opens the storage backends shared by the dispensary
// binaries.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-dispensary/internal/config"
	"github.com/drfirst/go-dispensary/internal/domain/inventory"
	"github.com/drfirst/go-dispensary/internal/infrastructure/memory"
	"github.com/drfirst/go-dispensary/internal/infrastructure/postgres"
	"github.com/drfirst/go-dispensary/internal/infrastructure/sqlite"
	"github.com/drfirst/go-dispensary/internal/notification"
)

// Stores is the opened storage for one process.
type Stores struct {
	Inventory     inventory.Store
	Notifications notification.Store
	// Pool is set for the postgres driver only.
	Pool *pgxpool.Pool
	// Embedded is true when no outbox exists and events must be delivered
	// in process.
	Embedded bool

	closers []func()
}

// Close releases every backend.
func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// OpenStores connects to the driver selected in cfg and applies migrations.
func OpenStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Stores, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("connected to database", zap.String("driver", cfg.StoreDriver))
		return &Stores{
			Inventory:     postgres.NewStore(pool, postgres.DefaultStoreConfig(), logger),
			Notifications: postgres.NewNotificationStore(pool, logger),
			Pool:          pool,
			closers:       []func(){pool.Close},
		}, nil

	case config.DriverSQLite:
		store, err := sqlite.New(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("opened database", zap.String("driver", cfg.StoreDriver), zap.String("path", cfg.SQLitePath))
		return &Stores{
			Inventory:     store,
			Notifications: store.Notifications(),
			Embedded:      true,
			closers:       []func(){func() { store.Close() }},
		}, nil

	case config.DriverMemory:
		logger.Warn("using in-memory store; data is lost on exit")
		return &Stores{
			Inventory:     memory.New(),
			Notifications: memory.NewNotificationStore(),
			Embedded:      true,
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// OpenPostgres connects and pings a pool.
func OpenPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, nil
}
