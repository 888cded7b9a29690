// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package experts

import (
	"errors"
	"fmt"
	"net/http"
)

// Domain errors shared by the experts subpackages.
// These errors should be checked using errors.Is().
var (
	// ErrServiceNotFound indicates service discovery returned no endpoint for a name.
	ErrServiceNotFound = errors.New("service not found")

	// ErrToolNotFound indicates the backend does not expose the requested tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrResourceNotFound indicates the backend does not expose the requested resource.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrToolExecution indicates the backend returned an error status for a tool call.
	ErrToolExecution = errors.New("tool execution failed")

	// ErrResourceAccess indicates the backend returned an error status for a resource read.
	ErrResourceAccess = errors.New("resource access failed")

	// ErrInvalidRequest indicates the backend rejected a request as malformed (4xx).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrCircuitOpen indicates the circuit breaker rejected the call without a network attempt.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrConnection indicates a network-level failure talking to the backend.
	ErrConnection = errors.New("connection error")

	// ErrTimeout indicates a call exceeded its timeout.
	ErrTimeout = errors.New("operation timed out")

	// ErrCancelled indicates the caller cancelled the call.
	ErrCancelled = errors.New("operation cancelled")

	// ErrUnknownExpert indicates a lookup for a service name that is not configured.
	ErrUnknownExpert = errors.New("unknown expert")

	// ErrDomainExpert is the generic failure for anything outside the taxonomy.
	ErrDomainExpert = errors.New("domain expert error")

	// ErrInvalidConfig indicates invalid configuration was provided.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Kind tags an Error with its place in the taxonomy.
type Kind int

// Error kinds.
const (
	KindUnknown Kind = iota
	KindServiceNotFound
	KindToolNotFound
	KindResourceNotFound
	KindToolExecution
	KindResourceAccess
	KindInvalidRequest
	KindCircuitOpen
	KindConnection
	KindTimeout
	KindCancelled
)

var kindSentinels = map[Kind]error{
	KindServiceNotFound:  ErrServiceNotFound,
	KindToolNotFound:     ErrToolNotFound,
	KindResourceNotFound: ErrResourceNotFound,
	KindToolExecution:    ErrToolExecution,
	KindResourceAccess:   ErrResourceAccess,
	KindInvalidRequest:   ErrInvalidRequest,
	KindCircuitOpen:      ErrCircuitOpen,
	KindConnection:       ErrConnection,
	KindTimeout:          ErrTimeout,
	KindCancelled:        ErrCancelled,
}

// String returns the sentinel message for the kind.
func (k Kind) String() string {
	if s, ok := kindSentinels[k]; ok {
		return s.Error()
	}
	return "unknown"
}

// Retryable reports whether a failure of this kind may succeed on another attempt.
// Only transport-level failures and upstream 5xx responses qualify.
func (k Kind) Retryable() bool {
	switch k {
	case KindConnection, KindTimeout, KindToolExecution, KindResourceAccess:
		return true
	default:
		return false
	}
}

// CountsAsFailure reports whether a failure of this kind is a service-health signal
// that the circuit breaker must record. Caller errors (bad names, malformed
// requests, cancellation) are not.
func (k Kind) CountsAsFailure() bool {
	return k.Retryable()
}

// Error is the typed error returned by the network client.
// It carries the service and the tool or resource the call targeted.
type Error struct {
	// Kind is the taxonomy tag.
	Kind Kind

	// Service is the logical service name.
	Service string

	// Target is the tool or resource name (empty for connection-level operations).
	Target string

	// StatusCode is the upstream HTTP status, zero when no response was received.
	StatusCode int

	// Message is the upstream error message, if any.
	Message string

	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Service != "" {
		msg = fmt.Sprintf("%s: service %s", msg, e.Service)
	}
	if e.Target != "" {
		msg = fmt.Sprintf("%s, %s", msg, e.Target)
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel that corresponds to the error's kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// NewError builds an Error of the given kind.
func NewError(kind Kind, service, target string, err error) *Error {
	return &Error{Kind: kind, Service: service, Target: target, Err: err}
}

// KindOf returns the taxonomy kind of err, or KindUnknown if err is not part of it.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for k, s := range kindSentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return KindUnknown
}

// IsRetryable reports whether err is a transient service failure: a transport
// failure, a timeout, or an upstream 5xx. Retryable errors are also the only
// ones recorded as circuit breaker failures.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if !e.Kind.Retryable() {
		return false
	}
	return e.StatusCode == 0 || e.StatusCode >= http.StatusInternalServerError
}

// IsTaxonomyError reports whether err already belongs to the transport/tool taxonomy.
func IsTaxonomyError(err error) bool {
	return KindOf(err) != KindUnknown
}

// HTTPStatus maps an error to the HTTP status an upstream routing layer should answer with.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, ErrUnknownExpert) {
		return http.StatusNotFound
	}
	switch KindOf(err) {
	case KindToolNotFound, KindResourceNotFound:
		return http.StatusNotFound
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindToolExecution, KindResourceAccess:
		return http.StatusBadGateway
	case KindCancelled:
		return http.StatusRequestTimeout
	case KindCircuitOpen, KindConnection, KindServiceNotFound:
		return http.StatusServiceUnavailable
	default:
		return http.StatusServiceUnavailable
	}
}
