// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/experthub/pkg/experts"
)

// ExpertsRouter sets up the expert routes.
func ExpertsRouter(h Hub, logger *slog.Logger) http.Handler {
	routes := &expertsRoutes{hub: h}

	r := chi.NewRouter()
	r.Get("/", routes.listExperts)
	r.Get("/status", routes.getStatus)
	r.Post("/{name}/tools/{tool}", errorHandler(logger, routes.invokeTool))
	r.Get("/{name}/resources/*", errorHandler(logger, routes.readResource))
	return r
}

type expertsRoutes struct {
	hub Hub
}

type listExpertsResponse struct {
	Experts []string `json:"experts"`
}

type statusResponse struct {
	Experts map[string]experts.ExpertStatus `json:"experts"`
}

type resultResponse struct {
	Result   any `json:"result"`
	Attempts int `json:"attempts,omitempty"`
}

func (e *expertsRoutes) listExperts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, listExpertsResponse{Experts: e.hub.ListExperts()})
}

func (e *expertsRoutes) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Experts: e.hub.GetExpertStatus(r.Context())})
}

func (e *expertsRoutes) invokeTool(w http.ResponseWriter, r *http.Request) error {
	name := chi.URLParam(r, "name")
	tool := chi.URLParam(r, "tool")

	var args map[string]any
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("request body must be a JSON object of tool arguments")
	}

	result, err := e.hub.InvokeExpertTool(r.Context(), name, tool, args)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resultResponse{Result: result.Value, Attempts: result.Attempts})
	return nil
}

func (e *expertsRoutes) readResource(w http.ResponseWriter, r *http.Request) error {
	name := chi.URLParam(r, "name")
	uri := chi.URLParam(r, "*")
	if uri == "" {
		return badRequest("resource name is required")
	}
	if r.URL.RawQuery != "" {
		uri += "?" + r.URL.RawQuery
	}

	value, err := e.hub.ReadExpertResource(r.Context(), name, uri)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resultResponse{Result: value})
	return nil
}
