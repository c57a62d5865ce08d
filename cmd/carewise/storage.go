package main

import (
	"context"
	"fmt"

	"github.com/liliang-cn/carewise/internal/config"
	"github.com/liliang-cn/carewise/internal/repository"
)

// openKV opens the configured key-value backend and returns its closer
func openKV(ctx context.Context, cfg config.StorageConfig) (repository.KV, func() error, error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := repository.NewDB(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	case "redis":
		kv, err := repository.NewRedisKV(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return kv, kv.Close, nil
	case "memory":
		return repository.NewMemoryKV(), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}
