package repositories

import (
	"context"
	"time"

	"carelink/internal/core/ports"
	"carelink/internal/infrastructure/reliability"
	"carelink/internal/infrastructure/repositories/memory"
	redisrepo "carelink/internal/infrastructure/repositories/redis"
	"carelink/pkg/circuitbreaker"
	"carelink/pkg/config"
	"carelink/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories, falling back to memory when Redis is unreachable.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	cfg         *config.Config
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		cfg:      cfg,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory
}

// CreateRoomRepository returns the Redis store behind retries and a circuit
// breaker, or the in-process store.
func (f *RepositoryFactory) CreateRoomRepository() ports.RoomRepository {
	if f.useRedis && f.redisClient != nil {
		retryConfig := retry.DefaultConfig()
		retryConfig.MaxAttempts = 2
		retryConfig.InitialDelay = 50 * time.Millisecond
		retryConfig.MaxDelay = 500 * time.Millisecond

		cbConfig := circuitbreaker.DefaultConfig()
		cbConfig.Timeout = 10 * time.Second

		return reliability.NewRoomRepository(
			redisrepo.NewRedisRoomRepository(f.redisClient, f.cfg.Redis.RoomTTL),
			retryConfig,
			cbConfig,
			f.logger,
		)
	}
	return memory.NewMemoryRoomRepository()
}

// CreateRoomLocker returns a cross-instance room lock when rooms live in
// Redis. It returns nil on memory, where the room service mutex suffices.
func (f *RepositoryFactory) CreateRoomLocker() ports.RoomLocker {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRoomLocker(f.redisClient, f.logger)
	}
	return nil
}

// RedisClient returns the shared client, or nil when running on memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if !f.useRedis {
		return nil
	}
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
