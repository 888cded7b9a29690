// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"dario.cat/mergo"

	"github.com/stacklok/experthub/pkg/experts/client"
	"github.com/stacklok/experthub/pkg/experts/health"
	"github.com/stacklok/experthub/pkg/experts/pool"
)

// DefaultServerAddress is the admin API listen address used when none is configured.
const DefaultServerAddress = "127.0.0.1:8090"

// DefaultSamplingRate is the trace sampling ratio used when none is configured.
const DefaultSamplingRate = 0.05

// DefaultServiceDefaults returns fully populated service defaults.
// This is the single source of truth for per-service defaults in configuration.
func DefaultServiceDefaults() ServiceDefaults {
	maxRetries := client.DefaultMaxRetries
	prewarm := true
	return ServiceDefaults{
		ToolTimeout:     Duration(client.DefaultToolTimeout),
		ResourceTimeout: Duration(client.DefaultResourceTimeout),
		MaxRetries:      &maxRetries,
		RetryDelay:      Duration(client.DefaultRetryDelay),
		MaxConnections:  pool.DefaultMaxConnections,
		Prewarm:         &prewarm,
		CircuitBreaker: &CircuitBreakerConfig{
			FailureThreshold: health.DefaultFailureThreshold,
			RecoveryTime:     Duration(health.DefaultRecoveryTime),
		},
	}
}

// EnsureDefaults fills every zero/nil setting with defaults while preserving
// user-provided values: global defaults first, then each service inherits
// the resulting global defaults. Scalar pointers (maxRetries, prewarm) are
// kept as given; circuitBreaker and rateLimit are completed field by field.
func (c *Config) EnsureDefaults() error {
	if c == nil {
		return nil
	}

	if err := mergeDefaults(&c.Defaults, DefaultServiceDefaults()); err != nil {
		return err
	}
	for i := range c.Services {
		if err := mergeDefaults(&c.Services[i].ServiceDefaults, cloneDefaults(c.Defaults)); err != nil {
			return err
		}
	}

	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	if c.Server.Address == "" {
		c.Server.Address = DefaultServerAddress
	}
	if t := c.Server.Telemetry; t != nil {
		if t.Tracing == nil {
			t.Tracing = ptr(true)
		}
		if t.Metrics == nil {
			t.Metrics = ptr(true)
		}
		if t.SamplingRate == nil {
			t.SamplingRate = ptr(DefaultSamplingRate)
		}
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}

// mergeDefaults fills dst from src. Non-nil pointers in dst are not replaced,
// so nested settings structs are merged separately.
func mergeDefaults(dst *ServiceDefaults, src ServiceDefaults) error {
	if dst.CircuitBreaker != nil && src.CircuitBreaker != nil {
		if err := mergo.Merge(dst.CircuitBreaker, *src.CircuitBreaker); err != nil {
			return err
		}
	}
	if dst.RateLimit != nil && src.RateLimit != nil {
		if err := mergo.Merge(dst.RateLimit, *src.RateLimit); err != nil {
			return err
		}
	}
	return mergo.Merge(dst, src, mergo.WithoutDereference)
}

// cloneDefaults deep-copies pointer fields so services never share them.
func cloneDefaults(d ServiceDefaults) ServiceDefaults {
	out := d
	if d.MaxRetries != nil {
		v := *d.MaxRetries
		out.MaxRetries = &v
	}
	if d.Prewarm != nil {
		v := *d.Prewarm
		out.Prewarm = &v
	}
	if d.CircuitBreaker != nil {
		v := *d.CircuitBreaker
		out.CircuitBreaker = &v
	}
	if d.RateLimit != nil {
		v := *d.RateLimit
		out.RateLimit = &v
	}
	return out
}
