// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/stacklok/experthub/pkg/experts"
)

// Chain tries each source in order and returns the first non-empty URL.
// A failing source does not stop the chain; its error is returned only
// when no later source resolves the name.
type Chain []experts.ServiceDiscovery

var _ experts.ServiceDiscovery = Chain(nil)

// NewChain creates a Chain, skipping nil sources.
func NewChain(sources ...experts.ServiceDiscovery) Chain {
	chain := make(Chain, 0, len(sources))
	for _, s := range sources {
		if s != nil {
			chain = append(chain, s)
		}
	}
	return chain
}

// Resolve implements experts.ServiceDiscovery.
func (c Chain) Resolve(ctx context.Context, name string) (string, error) {
	var errs []error
	for i, source := range c {
		url, err := source.Resolve(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("discovery source %d: %w", i, err))
			continue
		}
		if url != "" {
			return url, nil
		}
	}
	return "", errors.Join(errs...)
}
