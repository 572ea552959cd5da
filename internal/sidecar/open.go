package sidecar

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/webdav-core/internal/config"
)

// Open 根据配置创建旁路存储
func Open(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (Store, error) {
	log := logger.WithField("backend", cfg.Sidecar.Backend)

	var (
		store Store
		err   error
	)
	switch cfg.Sidecar.Backend {
	case "", "file":
		store, err = NewFileStore(cfg.Storage.RootPath, log)
	case "memory":
		store = NewMemoryStore()
	case "sqlite":
		store, err = NewSQLiteStore(cfg.Sidecar.SQLitePath, log)
	case "postgres":
		store, err = NewPostgresStore(cfg.Sidecar.PostgresDSN, log)
	case "badger":
		store, err = NewBadgerStore(cfg.Sidecar.BadgerPath, log)
	case "redis":
		store, err = NewRedisStore(ctx, RedisOptions{
			Address:   cfg.Sidecar.Redis.Address,
			Password:  cfg.Sidecar.Redis.Password,
			DB:        cfg.Sidecar.Redis.DB,
			KeyPrefix: cfg.Sidecar.Redis.KeyPrefix,
		}, log)
	default:
		return nil, fmt.Errorf("unknown sidecar backend %q", cfg.Sidecar.Backend)
	}
	if err != nil {
		return nil, err
	}

	log.Info("Sidecar store initialized")
	return store, nil
}
