// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/experthub/pkg/experts/config"
	"github.com/stacklok/experthub/pkg/experts/discovery"
	"github.com/stacklok/experthub/pkg/experts/hub"
	"github.com/stacklok/experthub/pkg/testkit"
)

func newTestRouter(t *testing.T, opts ...Option) http.Handler {
	t.Helper()

	coding := testkit.NewExpertServer(
		testkit.WithType("coding"),
		testkit.WithTool("echo", testkit.Echo()),
		testkit.WithTool("crash", testkit.Failing(http.StatusInternalServerError, "crashed")),
		testkit.WithTool("reject", testkit.Failing(http.StatusUnprocessableEntity, "bad input")),
		testkit.WithResource("feed", testkit.Frames(1, 2, 3)),
		testkit.WithResource("doc", testkit.Frames(map[string]any{"title": "x"})),
	)
	t.Cleanup(coding.Close)

	cfg := &config.Config{
		Defaults: config.ServiceDefaults{
			RetryDelay: config.Duration(time.Millisecond),
			MaxRetries: new(int),
		},
		Services: []config.ServiceConfig{{Name: "coding"}, {Name: "offline"}},
	}
	require.NoError(t, cfg.EnsureDefaults())

	h, err := hub.New(cfg, discovery.NewStatic(map[string]string{"coding": coding.URL}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })

	return NewRouter(h, opts...)
}

func do(t *testing.T, handler http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(method, target, reader))

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestRouter_Healthz(t *testing.T) {
	t.Parallel()

	rec, _ := do(t, newTestRouter(t), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestRouter_ListAndStatus(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t)

	rec, body := do(t, router, http.MethodGet, "/experts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"coding", "offline"}, body["experts"])

	rec, body = do(t, router, http.MethodGet, "/experts/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	statuses, ok := body["experts"].(map[string]any)
	require.True(t, ok)
	coding := statuses["coding"].(map[string]any)
	assert.Equal(t, true, coding["available"])
	assert.Equal(t, "closed", coding["state"])
	offline := statuses["offline"].(map[string]any)
	assert.Equal(t, false, offline["available"])
	assert.Contains(t, offline["lastError"], "service not found")
}

func TestRouter_InvokeTool(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantKind   string
	}{
		{name: "success", path: "/experts/coding/tools/echo", body: `{"q":"hi"}`, wantStatus: http.StatusOK},
		{name: "empty body", path: "/experts/coding/tools/echo", wantStatus: http.StatusOK},
		{name: "malformed body", path: "/experts/coding/tools/echo", body: `[1,2]`,
			wantStatus: http.StatusBadRequest, wantKind: "invalid request"},
		{name: "unknown expert", path: "/experts/nope/tools/echo", body: `{}`, wantStatus: http.StatusNotFound},
		{name: "unknown tool", path: "/experts/coding/tools/missing", body: `{}`,
			wantStatus: http.StatusNotFound, wantKind: "tool not found"},
		{name: "upstream failure", path: "/experts/coding/tools/crash", body: `{}`,
			wantStatus: http.StatusBadGateway, wantKind: "tool execution failed"},
		{name: "upstream rejection", path: "/experts/coding/tools/reject", body: `{}`,
			wantStatus: http.StatusBadRequest, wantKind: "invalid request"},
		{name: "service not found", path: "/experts/offline/tools/echo", body: `{}`,
			wantStatus: http.StatusServiceUnavailable, wantKind: "service not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec, body := do(t, router, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus == http.StatusOK {
				assert.Contains(t, body, "result")
				return
			}
			assert.NotEmpty(t, body["error"])
			if tt.wantKind != "" {
				assert.Equal(t, tt.wantKind, body["kind"])
			}
		})
	}
}

func TestRouter_InvokeTool_Echo(t *testing.T) {
	t.Parallel()

	rec, body := do(t, newTestRouter(t), http.MethodPost, "/experts/coding/tools/echo", `{"q":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"q": "hi"}, body["result"])
	assert.Equal(t, float64(1), body["attempts"])
}

func TestRouter_ReadResource(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t)

	rec, body := do(t, router, http.MethodGet, "/experts/coding/resources/feed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, body["result"])

	rec, body = do(t, router, http.MethodGet, "/experts/coding/resources/doc/7?lang=en", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"title": "x"}, body["result"])

	rec, body = do(t, router, http.MethodGet, "/experts/coding/resources/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "resource not found", body["kind"])

	rec, _ = do(t, router, http.MethodGet, "/experts/coding/resources/", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_Metrics(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("experthub_metric 1\n"))
	})

	rec, _ := do(t, newTestRouter(t, WithMetricsHandler(metrics)), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "experthub_metric")

	rec, _ = do(t, newTestRouter(t), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestBodySizeLimitMiddleware(t *testing.T) {
	t.Parallel()

	const maxBodySize = 16
	handler := requestBodySizeLimitMiddleware(maxBodySize)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(make([]byte, maxBodySize))))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(make([]byte, maxBodySize+1))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "Request Entity Too Large")
}

func TestServe(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	router := newTestRouter(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, listener, router, slog.Default())
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + listener.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
