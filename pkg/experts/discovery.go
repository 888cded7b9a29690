// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package experts

import "context"

// ServiceDiscovery resolves a logical service name to a base URL.
//
// Resolve returns an empty string and a nil error when the name has no
// discoverable endpoint; callers translate that into ErrServiceNotFound.
// A non-nil error means discovery itself failed.
//
//go:generate mockgen -destination=mocks/mock_discovery.go -package=mocks -source=discovery.go ServiceDiscovery
type ServiceDiscovery interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// DiscoveryFunc adapts a function to ServiceDiscovery.
type DiscoveryFunc func(ctx context.Context, name string) (string, error)

// Resolve implements ServiceDiscovery.
func (f DiscoveryFunc) Resolve(ctx context.Context, name string) (string, error) {
	return f(ctx, name)
}
