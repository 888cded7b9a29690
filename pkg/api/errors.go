// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/stacklok/experthub/pkg/experts"
)

// HandlerWithError is an HTTP handler that can return an error.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// errorResponse is the JSON body of a failed request.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// errorHandler wraps a HandlerWithError and converts returned errors into
// JSON responses with the status mapped by experts.HTTPStatus.
func errorHandler(logger *slog.Logger, fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		code := experts.HTTPStatus(err)
		if code >= http.StatusInternalServerError {
			logger.Warn("request failed", "path", r.URL.Path, "status", code, "error", err)
		} else {
			logger.Debug("request rejected", "path", r.URL.Path, "status", code, "error", err)
		}

		resp := errorResponse{Error: err.Error()}
		if kind := experts.KindOf(err); kind != experts.KindUnknown {
			resp.Kind = kind.String()
		}
		writeJSON(w, code, resp)
	}
}

// badRequest marks a malformed admin API request.
func badRequest(msg string) error {
	return experts.NewError(experts.KindInvalidRequest, "", "", errors.New(msg))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
