package redis

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/config"
)

// NewClient creates a Redis client from configuration. Retries are disabled in the
// driver, the coordination client applies its own bounded retry.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   -1,
	})
}
