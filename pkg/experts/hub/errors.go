// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"fmt"
	"net/http"

	"github.com/stacklok/experthub/pkg/experts"
)

// ExpertError wraps a failure that is not part of the transport/tool
// taxonomy so callers can map it uniformly. It matches experts.ErrDomainExpert.
type ExpertError struct {
	// Service is the logical service name.
	Service string

	// Target is the tool name or resource URI.
	Target string

	// StatusCode is the HTTP status upstream layers should answer with.
	StatusCode int

	// Err is the underlying cause.
	Err error
}

func newExpertError(service, target string, err error) *ExpertError {
	return &ExpertError{
		Service:    service,
		Target:     target,
		StatusCode: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// Error implements error.
func (e *ExpertError) Error() string {
	return fmt.Sprintf("%s: service %s, %s: %v", experts.ErrDomainExpert, e.Service, e.Target, e.Err)
}

// Unwrap exposes both the generic sentinel and the cause.
func (e *ExpertError) Unwrap() []error {
	return []error{experts.ErrDomainExpert, e.Err}
}

// wrap passes taxonomy errors through and wraps anything else.
func wrap(service, target string, err error) error {
	if err == nil || experts.IsTaxonomyError(err) {
		return err
	}
	return newExpertError(service, target, err)
}
