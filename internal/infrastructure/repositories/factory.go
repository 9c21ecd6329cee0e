package repositories

import (
	"context"
	"fmt"

	"duocall/internal/core/ports"
	"duocall/internal/infrastructure/repositories/memory"
	redisrepo "duocall/internal/infrastructure/repositories/redis"
	"duocall/internal/infrastructure/signal"
	"duocall/pkg/config"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NewCallRecordStore builds the store selected by cfg.Store.Backend. A redis
// backend that cannot be reached falls back to memory when allowed.
func NewCallRecordStore(cfg *config.Config, logger *zap.SugaredLogger) (ports.ManagedStore, error) {
	switch cfg.Store.Backend {
	case config.StoreRedis:
		client, err := redisrepo.NewRedisClient(redisrepo.ClientConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			if !cfg.Store.FallbackToMemory {
				return nil, err
			}
			logger.Warnw("failed to connect to Redis, falling back to memory store",
				"error", err,
			)
			return memory.NewMemoryCallRepository(), nil
		}
		logger.Info("using Redis call record store")
		return redisrepo.NewRedisCallRepository(client, redisrepo.Options{
			EndedTTL:   cfg.Store.RecordTTL,
			InstanceID: uuid.NewString(),
		}, logger), nil

	case config.StoreRemote:
		logger.Infow("using remote call record store", "url", cfg.Store.RemoteURL)
		return signal.NewRemoteStore(cfg.Store.RemoteURL, logger), nil

	case config.StoreMemory, "":
		logger.Info("using memory call record store")
		return memory.NewMemoryCallRepository(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// HealthCheck reports whether store can serve requests.
func HealthCheck(ctx context.Context, store ports.ManagedStore) error {
	if err := store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("call record store unhealthy: %w", err)
	}
	return nil
}
