// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package experts

import (
	"encoding/json"
	"time"
)

// This file contains shared domain types used across the experts subpackages.

// ServiceEndpoint is one configured backend ("domain expert").
type ServiceEndpoint struct {
	// Name is the logical service name used for discovery and lookups.
	Name string

	// Type is the declared expert type from configuration (e.g. "coding", "research").
	Type string

	// BaseURL is the resolved base URL. It is empty until the service is connected
	// and is re-resolved only on reconnect.
	BaseURL string
}

// CircuitState is the externally visible state of a service's circuit breaker.
type CircuitState string

const (
	// CircuitClosed indicates normal operation - calls pass through.
	CircuitClosed CircuitState = "closed"
	// CircuitOpen indicates failing state - calls are rejected immediately.
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen indicates recovery testing - one trial call is admitted.
	CircuitHalfOpen CircuitState = "half_open"
)

// ExpertStatus is the aggregated health view of one service.
type ExpertStatus struct {
	Name         string       `json:"name"`
	Type         string       `json:"type,omitempty"`
	Available    bool         `json:"available"`
	State        CircuitState `json:"state"`
	LastError    string       `json:"lastError,omitempty"`
	Capabilities []string     `json:"capabilities"`
	LastChecked  time.Time    `json:"lastChecked,omitempty"`
}

// Handshake is the metadata a service advertises about itself through
// GET /status and GET /tools.
type Handshake struct {
	// Capabilities is the advertised capability set, tool names included.
	Capabilities []string

	// Tools lists the tool names returned by GET /tools.
	Tools []string

	// Metadata is the decoded GET /status body when it is a JSON object.
	Metadata map[string]any
}

// ToolResult is the outcome of a successful tool call.
type ToolResult struct {
	// Value is the decoded "result" field of the response.
	Value any `json:"result"`

	// Raw is the undecoded "result" field.
	Raw json.RawMessage `json:"-"`

	// Attempts is the number of network attempts the call made.
	Attempts int `json:"-"`
}
