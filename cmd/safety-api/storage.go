package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/api/handlers"
	"github.com/drfirst/go-medsafe/internal/config"
	"github.com/drfirst/go-medsafe/internal/infrastructure/postgres"
	"github.com/drfirst/go-medsafe/internal/infrastructure/redis"
	"github.com/drfirst/go-medsafe/internal/storage/kv"
)

// storage is an opened KV backend.
type storage struct {
	store kv.Store
	ping  handlers.Pinger
	close func()
}

func openStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*storage, error) {
	switch cfg.StorageBackend {
	case config.StorageMemory:
		logger.Warn("using in-memory storage; state is lost on restart")
		return &storage{
			store: kv.NewMemoryStore(),
			ping:  handlers.PingFunc(func(context.Context) error { return nil }),
			close: func() {},
		}, nil

	case config.StoragePostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to database")
		store := postgres.NewKVStore(pool, logger)
		return &storage{store: store, ping: store, close: pool.Close}, nil

	case config.StorageRedis:
		client, err := redis.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to redis")
		store := redis.NewKVStore(client, redis.DefaultConfig(), logger)
		return &storage{
			store: store,
			ping:  store,
			close: func() {
				if err := client.Close(); err != nil {
					logger.Warn("redis close failed", zap.Error(err))
				}
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}
