// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"

	"github.com/stacklok/toolhive-core/env"

	"github.com/stacklok/experthub/pkg/experts"
	"github.com/stacklok/experthub/pkg/experts/config"
)

// FromConfig builds the discovery chain described by cfg: static URLs from
// the service list first, then environment variables, then Redis.
// The returned close function releases the Redis connection, if any.
func FromConfig(ctx context.Context, cfg *config.Config, envReader env.Reader) (Chain, func() error, error) {
	sources := []experts.ServiceDiscovery{NewStatic(cfg.StaticEndpoints())}
	closeFn := func() error { return nil }

	if d := cfg.Discovery; d != nil {
		if d.Env != nil {
			sources = append(sources, NewEnvWithReader(d.Env.Prefix, envReader))
		}
		if d.Redis != nil {
			rd, err := RedisFromConfig(ctx, d.Redis, envReader)
			if err != nil {
				return nil, nil, err
			}
			sources = append(sources, rd)
			closeFn = rd.Close
		}
	}
	return NewChain(sources...), closeFn, nil
}

// RedisFromConfig connects the Redis registry described by cfg. The password
// is read from the environment variable named by cfg.PasswordEnv.
func RedisFromConfig(ctx context.Context, cfg *config.RedisDiscoveryConfig, envReader env.Reader) (*Redis, error) {
	var password string
	if cfg.PasswordEnv != "" {
		password = envReader.Getenv(cfg.PasswordEnv)
	}
	return NewRedis(ctx, RedisConfig{
		Addr:      cfg.Addr,
		Username:  cfg.Username,
		Password:  password,
		DB:        cfg.DB,
		KeyPrefix: cfg.KeyPrefix,
	})
}
