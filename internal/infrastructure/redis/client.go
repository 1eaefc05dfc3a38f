package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/checkout/internal/infrastructure/config"
	"github.com/cassiomorais/checkout/pkg/retry"
	"github.com/redis/go-redis/v9"
)

// NewClient creates a Redis client and waits until it answers PING.
func NewClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
		MaxRetries:   3,

		// lets a cancelled long-poll abandon its BLPOP
		ContextTimeoutEnabled: true,
	})

	retryCfg := retry.Config{
		MaxAttempts:  uint(cfg.ConnectRetries),
		InitialDelay: cfg.ConnectRetryDelay,
		MaxDelay:     10 * time.Second,
	}
	if retryCfg.MaxAttempts == 0 {
		retryCfg.MaxAttempts = 5
	}
	if retryCfg.InitialDelay <= 0 {
		retryCfg.InitialDelay = time.Second
	}

	err := retry.Do(ctx, retryCfg, func() error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", retryCfg.MaxAttempts, err)
	}

	return client, nil
}
