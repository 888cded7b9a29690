// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"slices"
	"sync"
	"time"

	"github.com/stacklok/experthub/pkg/experts"
	"github.com/stacklok/experthub/pkg/experts/client"
)

// expert is the per-service triple owned by the hub: client, breaker (held by
// the client) and status record.
type expert struct {
	name   string
	typ    string
	client *client.Client

	mu     sync.RWMutex
	status experts.ExpertStatus
}

func newExpert(name, typ string, cl *client.Client) *expert {
	return &expert{
		name:   name,
		typ:    typ,
		client: cl,
		status: experts.ExpertStatus{
			Name:         name,
			Type:         typ,
			State:        experts.CircuitClosed,
			Capabilities: []string{},
		},
	}
}

// snapshot returns a copy of the status with the current breaker state.
func (e *expert) snapshot() experts.ExpertStatus {
	state := e.client.State(e.name)

	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.status
	s.State = state
	s.Capabilities = slices.Clone(e.status.Capabilities)
	return s
}

// endpoint returns the service's name, type and resolved base URL. BaseURL
// stays empty until the service has connected.
func (e *expert) endpoint() experts.ServiceEndpoint {
	baseURL, ok := e.client.BaseURL(e.name)
	if !ok {
		baseURL = ""
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return experts.ServiceEndpoint{Name: e.name, Type: e.status.Type, BaseURL: baseURL}
}

// markHealthy records a successful handshake or call.
// A nil handshake keeps the known capability set.
func (e *expert) markHealthy(hs *experts.Handshake) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.Available = true
	e.status.LastError = ""
	e.status.LastChecked = time.Now()
	if hs != nil {
		e.status.Capabilities = slices.Clone(hs.Capabilities)
		if e.status.Type == "" {
			if t, ok := hs.Metadata["type"].(string); ok {
				e.status.Type = t
			}
		}
	}
}

// markFailed records a failure that says the service is unhealthy.
func (e *expert) markFailed(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.Available = false
	e.status.LastError = err.Error()
	e.status.LastChecked = time.Now()
}

// record updates the status from a call outcome. Caller errors such as an
// unknown tool or a rejected request say nothing about service health and
// leave availability untouched.
func (e *expert) record(err error) {
	if err == nil {
		e.markHealthy(nil)
		return
	}
	switch experts.KindOf(err) {
	case experts.KindToolNotFound, experts.KindResourceNotFound,
		experts.KindInvalidRequest, experts.KindCancelled:
		return
	}
	e.markFailed(err)
}
