// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config provides the configuration model for the expert hub.
//
// A configuration lists the domain expert services, the defaults every
// service inherits, and how service names are resolved to base URLs.
// Per-service settings are explicit fields validated at startup; nothing is
// looked up dynamically by name.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stacklok/experthub/pkg/experts/client"
	"github.com/stacklok/experthub/pkg/experts/health"
)

// Duration is a wrapper around time.Duration that marshals to/from JSON and YAML as a duration string.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// Config is the expert hub configuration.
type Config struct {
	// Defaults are inherited by every service that does not override them.
	// +optional
	Defaults ServiceDefaults `json:"defaults,omitempty" yaml:"defaults,omitempty"`

	// Services lists the domain expert services.
	Services []ServiceConfig `json:"services" yaml:"services"`

	// Discovery configures dynamic resolution of service names.
	// Services with a static URL are always resolved from configuration first.
	// +optional
	Discovery *DiscoveryConfig `json:"discovery,omitempty" yaml:"discovery,omitempty"`

	// StatusRefreshInterval enables periodic status checks when positive.
	// +optional
	StatusRefreshInterval Duration `json:"statusRefreshInterval,omitempty" yaml:"statusRefreshInterval,omitempty"`

	// Server configures the admin HTTP API.
	// +optional
	Server *ServerConfig `json:"server,omitempty" yaml:"server,omitempty"`
}

// ServiceDefaults holds the tunable settings of a service.
type ServiceDefaults struct {
	// ToolTimeout is the per-attempt timeout of tool calls (default 30s).
	ToolTimeout Duration `json:"toolTimeout,omitempty" yaml:"toolTimeout,omitempty"`

	// ResourceTimeout is the per-attempt timeout of resource reads (default 60s).
	ResourceTimeout Duration `json:"resourceTimeout,omitempty" yaml:"resourceTimeout,omitempty"`

	// MaxRetries is the number of retries after the first attempt (default 3).
	// A pointer so that an explicit 0 disables retries.
	MaxRetries *int `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`

	// RetryDelay is the initial backoff interval (default 1s).
	RetryDelay Duration `json:"retryDelay,omitempty" yaml:"retryDelay,omitempty"`

	// MaxConnections bounds the connection pool (default 10).
	MaxConnections int `json:"maxConnections,omitempty" yaml:"maxConnections,omitempty"`

	// Prewarm opens one connection on connect (default true).
	Prewarm *bool `json:"prewarm,omitempty" yaml:"prewarm,omitempty"`

	// CircuitBreaker configures the service's breaker.
	CircuitBreaker *CircuitBreakerConfig `json:"circuitBreaker,omitempty" yaml:"circuitBreaker,omitempty"`

	// RateLimit limits call admission. Disabled by default.
	RateLimit *RateLimitConfig `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failed calls that opens the circuit (default 3).
	FailureThreshold int `json:"failureThreshold,omitempty" yaml:"failureThreshold,omitempty"`

	// RecoveryTime is how long the circuit stays open before a trial call is admitted (default 60s).
	RecoveryTime Duration `json:"recoveryTime,omitempty" yaml:"recoveryTime,omitempty"`
}

// RateLimitConfig configures a token bucket rate limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requestsPerSecond,omitempty" yaml:"requestsPerSecond,omitempty"`
	Burst             int     `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// ServiceConfig is one domain expert service.
type ServiceConfig struct {
	// Name is the logical service name.
	Name string `json:"name" yaml:"name"`

	// Type is the expert type, e.g. "coding" or "research".
	// +optional
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// URL is a static base URL. When empty the name is resolved through discovery.
	// +optional
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// ServiceDefaults overrides the global defaults for this service.
	ServiceDefaults `json:",inline" yaml:",inline"`
}

// DiscoveryConfig configures dynamic service discovery sources.
// Sources are consulted in order: static URLs, environment, Redis.
type DiscoveryConfig struct {
	// Env resolves <prefix><NAME>_URL environment variables.
	// +optional
	Env *EnvDiscoveryConfig `json:"env,omitempty" yaml:"env,omitempty"`

	// Redis resolves names from a Redis hash.
	// +optional
	Redis *RedisDiscoveryConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// EnvDiscoveryConfig configures environment variable discovery.
type EnvDiscoveryConfig struct {
	// Prefix of the variables (default "EXPERTHUB_").
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// RedisDiscoveryConfig configures Redis discovery.
type RedisDiscoveryConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`

	// PasswordEnv names the environment variable holding the password.
	PasswordEnv string `json:"passwordEnv,omitempty" yaml:"passwordEnv,omitempty"`

	DB        int    `json:"db,omitempty" yaml:"db,omitempty"`
	KeyPrefix string `json:"keyPrefix,omitempty" yaml:"keyPrefix,omitempty"`
}

// ServerConfig configures the admin HTTP API.
type ServerConfig struct {
	// Address to listen on (default "127.0.0.1:8090").
	Address string `json:"address,omitempty" yaml:"address,omitempty"`

	// Metrics exposes Prometheus metrics on /metrics.
	Metrics bool `json:"metrics,omitempty" yaml:"metrics,omitempty"`

	// Telemetry configures OTLP export of traces and metrics.
	// +optional
	Telemetry *TelemetryConfig `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`
}

// TelemetryConfig configures the OTLP collector.
type TelemetryConfig struct {
	// Endpoint is the collector host:port, without scheme.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Headers are sent with every export request. Values support ${VAR}
	// expansion like the rest of the file.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Insecure uses plain HTTP.
	Insecure bool `json:"insecure,omitempty" yaml:"insecure,omitempty"`

	// Tracing exports traces (default true).
	Tracing *bool `json:"tracing,omitempty" yaml:"tracing,omitempty"`

	// Metrics pushes metrics (default true).
	Metrics *bool `json:"metrics,omitempty" yaml:"metrics,omitempty"`

	// SamplingRate is the trace sampling ratio in [0, 1] (default 0.05).
	SamplingRate *float64 `json:"samplingRate,omitempty" yaml:"samplingRate,omitempty"`
}

// ServiceNames returns the configured names in declaration order.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for _, s := range c.Services {
		names = append(names, s.Name)
	}
	return names
}

// StaticEndpoints returns the services that carry a static URL.
func (c *Config) StaticEndpoints() map[string]string {
	endpoints := make(map[string]string)
	for _, s := range c.Services {
		if s.URL != "" {
			endpoints[s.Name] = s.URL
		}
	}
	return endpoints
}

// ClientSettings converts the service's effective settings for the network client.
// Call EnsureDefaults first so that every field is populated.
func (s *ServiceConfig) ClientSettings() client.ServiceSettings {
	settings := client.DefaultServiceSettings()
	if s.ToolTimeout > 0 {
		settings.ToolTimeout = time.Duration(s.ToolTimeout)
	}
	if s.ResourceTimeout > 0 {
		settings.ResourceTimeout = time.Duration(s.ResourceTimeout)
	}
	if s.MaxRetries != nil {
		settings.MaxRetries = *s.MaxRetries
	}
	if s.RetryDelay > 0 {
		settings.RetryDelay = time.Duration(s.RetryDelay)
	}
	if s.MaxConnections > 0 {
		settings.MaxConnections = s.MaxConnections
	}
	if s.Prewarm != nil {
		settings.Prewarm = *s.Prewarm
	}
	if cb := s.CircuitBreaker; cb != nil {
		settings.CircuitBreaker = health.Config{
			FailureThreshold: cb.FailureThreshold,
			RecoveryTime:     time.Duration(cb.RecoveryTime),
		}
	}
	if rl := s.RateLimit; rl != nil {
		settings.RequestsPerSecond = rl.RequestsPerSecond
		settings.Burst = rl.Burst
	}
	return settings
}
