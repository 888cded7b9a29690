// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/stacklok/experthub/pkg/experts"
)

// serviceNamePattern restricts names to values usable in URL paths and
// environment variable names.
var serviceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9._-]*[a-zA-Z0-9])?$`)

// Validator validates a configuration.
type Validator interface {
	Validate(cfg *Config) error
}

// DefaultValidator implements configuration validation.
type DefaultValidator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *DefaultValidator {
	return &DefaultValidator{}
}

// Validate checks the configuration and reports every problem found at once.
func (v *DefaultValidator) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is nil", experts.ErrInvalidConfig)
	}

	var errors []string

	if err := v.validateDefaults("defaults", &cfg.Defaults); err != nil {
		errors = append(errors, err.Error())
	}

	errors = append(errors, v.validateServices(cfg)...)

	if err := v.validateDiscovery(cfg.Discovery); err != nil {
		errors = append(errors, err.Error())
	}

	if cfg.StatusRefreshInterval < 0 {
		errors = append(errors, "statusRefreshInterval must not be negative")
	}

	if cfg.Server != nil {
		if err := v.validateTelemetry(cfg.Server.Telemetry); err != nil {
			errors = append(errors, err.Error())
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("%w:\n  - %s", experts.ErrInvalidConfig, strings.Join(errors, "\n  - "))
	}

	return nil
}

func (v *DefaultValidator) validateServices(cfg *Config) []string {
	if len(cfg.Services) == 0 {
		return []string{"at least one service is required"}
	}

	dynamic := cfg.Discovery != nil && (cfg.Discovery.Env != nil || cfg.Discovery.Redis != nil)

	var errors []string
	seen := make(map[string]bool, len(cfg.Services))
	for i := range cfg.Services {
		svc := &cfg.Services[i]
		field := fmt.Sprintf("services[%d]", i)

		switch {
		case svc.Name == "":
			errors = append(errors, fmt.Sprintf("%s.name is required", field))
		case !serviceNamePattern.MatchString(svc.Name):
			errors = append(errors, fmt.Sprintf("%s.name %q is invalid", field, svc.Name))
		case seen[svc.Name]:
			errors = append(errors, fmt.Sprintf("%s.name %q is duplicated", field, svc.Name))
		}
		seen[svc.Name] = true

		if svc.URL != "" {
			if err := validateURL(svc.URL); err != nil {
				errors = append(errors, fmt.Sprintf("%s.url: %v", field, err))
			}
		} else if !dynamic {
			errors = append(errors, fmt.Sprintf("%s: url is required when no discovery source is configured", field))
		}

		if err := v.validateDefaults(field, &svc.ServiceDefaults); err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}

func (*DefaultValidator) validateDefaults(field string, d *ServiceDefaults) error {
	if d.ToolTimeout < 0 {
		return fmt.Errorf("%s.toolTimeout must not be negative", field)
	}
	if d.ResourceTimeout < 0 {
		return fmt.Errorf("%s.resourceTimeout must not be negative", field)
	}
	if d.RetryDelay < 0 {
		return fmt.Errorf("%s.retryDelay must not be negative", field)
	}
	if d.MaxRetries != nil && (*d.MaxRetries < 0 || *d.MaxRetries > 10) {
		return fmt.Errorf("%s.maxRetries must be between 0 and 10", field)
	}
	if d.MaxConnections < 0 {
		return fmt.Errorf("%s.maxConnections must not be negative", field)
	}
	if cb := d.CircuitBreaker; cb != nil {
		if cb.FailureThreshold < 0 {
			return fmt.Errorf("%s.circuitBreaker.failureThreshold must not be negative", field)
		}
		if cb.RecoveryTime < 0 {
			return fmt.Errorf("%s.circuitBreaker.recoveryTime must not be negative", field)
		}
	}
	if rl := d.RateLimit; rl != nil {
		if rl.RequestsPerSecond < 0 {
			return fmt.Errorf("%s.rateLimit.requestsPerSecond must not be negative", field)
		}
		if rl.Burst < 0 {
			return fmt.Errorf("%s.rateLimit.burst must not be negative", field)
		}
	}
	return nil
}

func (*DefaultValidator) validateDiscovery(d *DiscoveryConfig) error {
	if d == nil || d.Redis == nil {
		return nil
	}
	if d.Redis.Addr == "" {
		return fmt.Errorf("discovery.redis.addr is required")
	}
	if d.Redis.DB < 0 {
		return fmt.Errorf("discovery.redis.db must not be negative")
	}
	return nil
}

func (*DefaultValidator) validateTelemetry(t *TelemetryConfig) error {
	if t == nil {
		return nil
	}
	if t.Endpoint == "" {
		return fmt.Errorf("server.telemetry.endpoint is required")
	}
	if t.SamplingRate != nil && (*t.SamplingRate < 0 || *t.SamplingRate > 1) {
		return fmt.Errorf("server.telemetry.samplingRate must be between 0 and 1")
	}
	if t.Tracing != nil && !*t.Tracing && t.Metrics != nil && !*t.Metrics {
		return fmt.Errorf("server.telemetry enables neither tracing nor metrics")
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
