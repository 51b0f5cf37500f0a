package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coursehub/server/internal/shared/config"
)

const connectTimeout = 5 * time.Second

// NewRedisClient connects the cache backing price lookups and idempotency
// keys. Both sit on the checkout path, so dials and commands run on tight
// timeouts rather than the client defaults; a slow cache must fail fast
// and let the caller fall through to the database.
func NewRedisClient(cfg *config.RedisConfig) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return client, nil
}

// Close closes the Redis client.
func Close(client redis.UniversalClient) error {
	return client.Close()
}
