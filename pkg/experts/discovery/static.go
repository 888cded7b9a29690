// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package discovery provides ServiceDiscovery implementations: a static map
// from configuration, environment variables, a Redis hash, and an ordered
// chain of sources.
package discovery

import (
	"context"
	"maps"
	"strings"

	"github.com/stacklok/toolhive-core/env"

	"github.com/stacklok/experthub/pkg/experts"
)

// Static resolves names from a fixed map.
type Static struct {
	endpoints map[string]string
}

var _ experts.ServiceDiscovery = (*Static)(nil)

// NewStatic creates a Static discovery. The map is copied.
func NewStatic(endpoints map[string]string) *Static {
	return &Static{endpoints: maps.Clone(endpoints)}
}

// Resolve implements experts.ServiceDiscovery.
func (s *Static) Resolve(_ context.Context, name string) (string, error) {
	return s.endpoints[name], nil
}

// DefaultEnvPrefix is the prefix of environment variables read by Env.
const DefaultEnvPrefix = "EXPERTHUB_"

// Env resolves a name from the environment variable <prefix><NAME>_URL,
// where NAME is upper-cased with dashes and dots replaced by underscores.
type Env struct {
	prefix string
	reader env.Reader
}

var _ experts.ServiceDiscovery = (*Env)(nil)

// NewEnv creates an Env discovery reading the process environment.
func NewEnv(prefix string) *Env {
	return NewEnvWithReader(prefix, &env.OSReader{})
}

// NewEnvWithReader creates an Env discovery reading from r.
func NewEnvWithReader(prefix string, r env.Reader) *Env {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return &Env{prefix: prefix, reader: r}
}

// Resolve implements experts.ServiceDiscovery.
func (e *Env) Resolve(_ context.Context, name string) (string, error) {
	v := e.reader.Getenv(EnvVarName(e.prefix, name))
	return strings.TrimSpace(v), nil
}

// EnvVarName returns the environment variable Env reads for name.
func EnvVarName(prefix, name string) string {
	key := strings.NewReplacer("-", "_", ".", "_").Replace(strings.ToUpper(name))
	return prefix + key + "_URL"
}
