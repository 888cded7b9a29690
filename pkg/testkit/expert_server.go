// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package testkit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ExpertServer is a fake domain expert backend.
type ExpertServer struct {
	*httptest.Server

	expertType   string
	capabilities []string
	statusCode   int
	toolsStatus  int
	statusDelay  time.Duration
	middlewares  []func(http.Handler) http.Handler

	mu        sync.Mutex
	tools     map[string]ToolHandler
	resources map[string]ResourceHandler
	hits      map[string]int
	requests  []*http.Request
}

// ExpertServerOption configures an ExpertServer.
type ExpertServerOption func(*ExpertServer)

// WithType sets the expert type reported by GET /status.
func WithType(t string) ExpertServerOption {
	return func(s *ExpertServer) {
		s.expertType = t
	}
}

// WithCapabilities sets the capabilities reported by GET /status.
func WithCapabilities(caps ...string) ExpertServerOption {
	return func(s *ExpertServer) {
		s.capabilities = caps
	}
}

// WithStatusCode makes GET /status answer with code.
func WithStatusCode(code int) ExpertServerOption {
	return func(s *ExpertServer) {
		s.statusCode = code
	}
}

// WithStatusDelay delays every GET /status answer.
func WithStatusDelay(d time.Duration) ExpertServerOption {
	return func(s *ExpertServer) {
		s.statusDelay = d
	}
}

// WithToolsStatusCode makes GET /tools answer with code.
func WithToolsStatusCode(code int) ExpertServerOption {
	return func(s *ExpertServer) {
		s.toolsStatus = code
	}
}

// WithTool registers a tool handler.
func WithTool(name string, h ToolHandler) ExpertServerOption {
	return func(s *ExpertServer) {
		s.tools[name] = h
	}
}

// WithResource registers a resource handler.
func WithResource(name string, h ResourceHandler) ExpertServerOption {
	return func(s *ExpertServer) {
		s.resources[name] = h
	}
}

// WithMiddlewares wraps the router with the given middlewares.
func WithMiddlewares(middlewares ...func(http.Handler) http.Handler) ExpertServerOption {
	return func(s *ExpertServer) {
		s.middlewares = append(s.middlewares, middlewares...)
	}
}

// NewExpertServer starts a fake expert. Callers must Close it.
func NewExpertServer(opts ...ExpertServerOption) *ExpertServer {
	s := &ExpertServer{
		expertType: "test",
		statusCode: http.StatusOK,
		tools:      make(map[string]ToolHandler),
		resources:  make(map[string]ResourceHandler),
		hits:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.middlewares...)
	r.Use(s.count)
	r.Get("/status", s.handleStatus)
	r.Get("/tools", s.handleTools)
	r.Post("/tool/{name}", s.handleTool)
	r.Get("/resource/{name}", s.handleResource)
	r.Get("/resource/{name}/{id}", s.handleResource)

	s.Server = httptest.NewServer(r)
	return s
}

// Hits returns how many requests were received for path.
func (s *ExpertServer) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// Requests returns a copy of every request received so far.
func (s *ExpertServer) Requests() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*http.Request(nil), s.requests...)
}

// SetTool replaces or adds a tool handler on a running server.
func (s *ExpertServer) SetTool(name string, h ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[name] = h
}

func (s *ExpertServer) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.requests = append(s.requests, r.Clone(r.Context()))
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *ExpertServer) attempt(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *ExpertServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !sleep(r, s.statusDelay) {
		return
	}
	if s.statusCode != http.StatusOK {
		writeJSON(w, s.statusCode, map[string]any{"error": "unavailable"})
		return
	}
	caps := s.capabilities
	if caps == nil {
		caps = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"type":         s.expertType,
		"capabilities": caps,
	})
}

func (s *ExpertServer) handleTools(w http.ResponseWriter, _ *http.Request) {
	if s.toolsStatus != 0 && s.toolsStatus != http.StatusOK {
		writeJSON(w, s.toolsStatus, map[string]any{"error": "unavailable"})
		return
	}

	s.mu.Lock()
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	tools := make([]map[string]any, 0, len(names))
	for _, name := range names {
		tools = append(tools, map[string]any{"name": name})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (s *ExpertServer) handleTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	s.mu.Lock()
	h, ok := s.tools[name]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": fmt.Sprintf("tool %s not found", name)})
		return
	}

	var body struct {
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed body"})
		return
	}

	resp := h(s.attempt(r.URL.Path), body.Arguments)
	if !sleep(r, resp.Delay) {
		return
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if resp.Body != "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp.Body))
		return
	}
	if status >= http.StatusBadRequest {
		writeJSON(w, status, map[string]any{"error": http.StatusText(status)})
		return
	}
	writeJSON(w, status, map[string]any{"result": resp.Result})
}

func (s *ExpertServer) handleResource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	s.mu.Lock()
	h, ok := s.resources[name]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": fmt.Sprintf("resource %s not found", name)})
		return
	}

	resp := h(s.attempt(r.URL.Path), chi.URLParam(r, "id"), r.URL.Query())
	if !sleep(r, resp.Delay) {
		return
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "text/event-stream"
	}

	body := resp.Body
	if body == "" && status < http.StatusBadRequest {
		encoded, err := EncodeSSE(resp.Frames...)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		body = encoded
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if f, ok := w.(http.Flusher); ok && status == http.StatusOK {
		f.Flush()
	}
	_, _ = w.Write([]byte(body))
}

// sleep waits for d or until the client goes away. It reports whether the
// handler should continue.
func sleep(r *http.Request, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.Context().Done():
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
