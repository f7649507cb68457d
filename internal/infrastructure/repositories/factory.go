package repositories

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sfusignal/internal/core/ports"
	"sfusignal/internal/infrastructure/repositories/memory"
	redisrepo "sfusignal/internal/infrastructure/repositories/redis"
	"sfusignal/pkg/circuitbreaker"
	"sfusignal/pkg/config"
	"sfusignal/pkg/retry"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	cfg         *config.Config
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when it is enabled. A Redis that
// cannot be reached is not fatal: the factory falls back to memory.
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{cfg: cfg, logger: logger}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, retry.DefaultPolicy(), logger)
		if err != nil {
			logger.Warnw("Failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
		} else {
			factory.redisClient = client
		}
	}

	if factory.redisClient != nil {
		logger.Info("Using Redis repositories")
	} else {
		logger.Info("Using memory repositories")
	}
	return factory
}

// CreateSessionRepository returns the Redis store behind a circuit breaker,
// or the memory store.
func (f *RepositoryFactory) CreateSessionRepository() ports.SessionRepository {
	if f.redisClient != nil {
		repo := redisrepo.NewRedisSessionRepository(f.redisClient, f.cfg.Redis.SessionTTL)
		return newGuardedRepository(repo, circuitbreaker.DefaultConfig(), f.logger)
	}
	return memory.NewMemorySessionRepository()
}

// RedisClient is nil when the factory fell back to memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}
