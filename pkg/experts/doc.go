// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package experts holds the shared domain model of the domain expert RPC layer.
//
// Domain experts are independently hosted HTTP services. The layer reaches them
// through a small wire protocol:
//
//	GET  /status                      health check and capability metadata
//	GET  /tools                       {"tools": [...]}
//	POST /tool/{name}                 {"arguments": {...}} -> {"result": ...}
//	GET  /resource/{name}[/{id}]      text/event-stream of "data: <json>" frames
//
// Subpackages:
//
//   - pool: bounded per-service HTTP connection pools
//   - health: the per-service circuit breaker
//   - client: the network client (discovery, pooling, retries, breaker enforcement)
//   - discovery: ServiceDiscovery implementations
//   - config: YAML configuration and validation
//   - hub: the Integration Hub façade consumed by the rest of the application
//
// Errors returned across package boundaries are either sentinels defined here
// or *Error values tagged with a Kind; use errors.Is or KindOf to inspect them.
package experts
