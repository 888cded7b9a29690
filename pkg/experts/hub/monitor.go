// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// monitor refreshes expert status periodically.
type monitor struct {
	hub      *Hub
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	stopped bool
	wg      sync.WaitGroup
}

func newMonitor(h *Hub, interval time.Duration) *monitor {
	return &monitor{hub: h, interval: interval}
}

// start launches the refresh loop. The loop outlives ctx cancellation only
// until stop is called; it never outlives the hub.
func (m *monitor) start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return fmt.Errorf("monitor has been stopped and cannot be restarted")
	}
	if m.started {
		return fmt.Errorf("monitor already started")
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.started = true

	m.hub.logger.Info("starting status monitor", "interval", m.interval)

	m.wg.Add(1)
	go m.run(ctx)
	return nil
}

func (m *monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.hub.refresh(ctx)
		}
	}
}

// stop cancels the loop and waits for it to exit. It is safe to call when
// the monitor was never started.
func (m *monitor) stop() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.stopped = true
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.stopped = true
	m.mu.Unlock()

	m.wg.Wait()
	m.hub.logger.Info("status monitor stopped")
}
