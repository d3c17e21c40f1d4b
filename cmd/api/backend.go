package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"storyboard/api/internal/app"
	"storyboard/api/internal/config"
	"storyboard/api/internal/ordering"
	"storyboard/api/internal/scopelock"
	"storyboard/api/internal/store"
)

// backend is the service plus whatever has to be closed on shutdown.
type backend struct {
	service *app.Service
	closers []func() error
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger, migrate bool) (*backend, error) {
	b := &backend{}

	locker, err := openLocker(cfg, logger, b)
	if err != nil {
		return nil, err
	}

	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory store, data is lost on exit")
		b.service = app.NewService(cfg, store.NewMemoryStore(), locker, logger)
		return b, nil

	case config.StorePostgres:
		db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{MaxOpenConns: cfg.DBMaxOpenConns})
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		b.closers = append(b.closers, db.Close)

		if migrate {
			applied, err := store.ApplyMigrations(ctx, db, store.Migrations(cfg.MigrationsDir))
			if err != nil {
				_ = b.Close()
				return nil, fmt.Errorf("migrations failed: %w", err)
			}
			if len(applied) > 0 {
				logger.Info("migrations applied", "files", applied)
			}
		}
		b.service = app.NewService(cfg, store.NewPostgresStore(db), locker, logger)
		return b, nil

	default:
		_ = b.Close()
		return nil, fmt.Errorf("unsupported store %q", cfg.Store)
	}
}

func openLocker(cfg config.Config, logger *slog.Logger, b *backend) (ordering.Locker, error) {
	if cfg.RedisURL == "" {
		logger.Info("using in-process scope locks")
		return scopelock.NewLocal(), nil
	}
	locker, err := scopelock.NewRedis(cfg.RedisURL, scopelock.RedisOptions{
		TTL:    cfg.LockTTL(),
		Wait:   cfg.LockWait(),
		Logger: logger.With("component", "scopelock"),
	})
	if err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	b.closers = append(b.closers, locker.Close)
	logger.Info("using redis scope locks")
	return locker, nil
}
