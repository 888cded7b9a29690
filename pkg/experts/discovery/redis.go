// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/experthub/pkg/experts"
)

// Default Redis settings.
const (
	DefaultKeyPrefix    = "experthub:"
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	servicesKey = "services"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix namespaces the registry hash: "<prefix>services".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Redis resolves names from a Redis hash mapping service name to base URL.
// Services register themselves with HSET <prefix>services <name> <url>.
type Redis struct {
	client redis.UniversalClient
	key    string
}

var _ experts.ServiceDiscovery = (*Redis)(nil)

// NewRedis connects to Redis and verifies connectivity.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{cfg.Addr},
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisWithClient creates a Redis discovery with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisWithClient(client redis.UniversalClient, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Redis{
		client: client,
		key:    keyPrefix + servicesKey,
	}
}

// Resolve implements experts.ServiceDiscovery.
func (r *Redis) Resolve(ctx context.Context, name string) (string, error) {
	url, err := r.client.HGet(ctx, r.key, name).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s from redis: %w", name, err)
	}
	return url, nil
}

// Register publishes the base URL of a service.
func (r *Redis) Register(ctx context.Context, name, url string) error {
	if err := r.client.HSet(ctx, r.key, name, url).Err(); err != nil {
		return fmt.Errorf("failed to register %s in redis: %w", name, err)
	}
	return nil
}

// Deregister removes a service from the registry.
func (r *Redis) Deregister(ctx context.Context, name string) error {
	if err := r.client.HDel(ctx, r.key, name).Err(); err != nil {
		return fmt.Errorf("failed to deregister %s from redis: %w", name, err)
	}
	return nil
}

// Services returns every registered service.
func (r *Redis) Services(ctx context.Context) (map[string]string, error) {
	services, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list services from redis: %w", err)
	}
	return services, nil
}

// Ping checks Redis connectivity (health check).
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
