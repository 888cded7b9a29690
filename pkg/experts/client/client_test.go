// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/experthub/pkg/experts"
	"github.com/stacklok/experthub/pkg/experts/health"
	"github.com/stacklok/experthub/pkg/experts/mocks"
	"github.com/stacklok/experthub/pkg/testkit"
)

// testSettings keeps retries fast and skips pre-warming so server hit
// counts only reflect calls under test.
func testSettings() ServiceSettings {
	s := DefaultServiceSettings()
	s.ToolTimeout = 2 * time.Second
	s.ResourceTimeout = 2 * time.Second
	s.RetryDelay = time.Millisecond
	s.Prewarm = false
	s.CircuitBreaker = health.Config{FailureThreshold: 100, RecoveryTime: time.Minute}
	return s
}

func staticDiscovery(endpoints map[string]string) experts.ServiceDiscovery {
	return experts.DiscoveryFunc(func(_ context.Context, name string) (string, error) {
		return endpoints[name], nil
	})
}

func newTestClient(t *testing.T, srv *testkit.ExpertServer, settings ServiceSettings, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithDefaults(settings)}, opts...)
	c, err := New(staticDiscovery(map[string]string{"expert": srv.URL}), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newExpert(t *testing.T, opts ...testkit.ExpertServerOption) *testkit.ExpertServer {
	t.Helper()
	srv := testkit.NewExpertServer(opts...)
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_RequiresDiscovery(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	assert.Error(t, err)
}

func TestClient_CallTool(t *testing.T) {
	t.Parallel()

	t.Run("success returns decoded result", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t, testkit.WithTool("echo", testkit.Echo()))
		c := newTestClient(t, srv, testSettings())

		res, err := c.CallTool(context.Background(), "expert", "echo", map[string]any{"q": "go"})
		require.NoError(t, err)

		assert.Equal(t, map[string]any{"q": "go"}, res.Value)
		assert.JSONEq(t, `{"q":"go"}`, string(res.Raw))
		assert.Equal(t, 1, res.Attempts)
		assert.Equal(t, experts.CircuitClosed, c.State("expert"))
	})

	t.Run("sends arguments envelope", func(t *testing.T) {
		t.Parallel()
		var (
			mu   sync.Mutex
			body []byte
		)
		capture := func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodPost {
					raw, _ := io.ReadAll(r.Body)
					mu.Lock()
					body = raw
					mu.Unlock()
					r.Body = io.NopCloser(bytes.NewReader(raw))
				}
				next.ServeHTTP(w, r)
			})
		}
		srv := newExpert(t, testkit.WithTool("noop", testkit.Static(nil)), testkit.WithMiddlewares(capture))
		c := newTestClient(t, srv, testSettings())

		_, err := c.CallTool(context.Background(), "expert", "noop", nil)
		require.NoError(t, err)

		mu.Lock()
		defer mu.Unlock()
		assert.JSONEq(t, `{"arguments":{}}`, string(body))
	})

	t.Run("flaky endpoint succeeds after k retries", func(t *testing.T) {
		t.Parallel()
		const k = 2
		srv := newExpert(t, testkit.WithTool("flaky", testkit.Flaky(k, "done")))
		c := newTestClient(t, srv, testSettings())

		res, err := c.CallTool(context.Background(), "expert", "flaky", nil, WithMaxRetries(3))
		require.NoError(t, err)

		assert.Equal(t, "done", res.Value)
		assert.Equal(t, k+1, res.Attempts)
		assert.Equal(t, k+1, srv.Hits("/tool/flaky"))
		assert.Equal(t, 0, c.Breaker("expert").FailureCount())
	})

	t.Run("retries exhausted returns tool execution error", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t, testkit.WithTool("broken", testkit.Failing(http.StatusInternalServerError, "kaboom")))
		c := newTestClient(t, srv, testSettings())

		_, err := c.CallTool(context.Background(), "expert", "broken", nil, WithMaxRetries(2))
		require.Error(t, err)

		assert.ErrorIs(t, err, experts.ErrToolExecution)
		var e *experts.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, "expert", e.Service)
		assert.Equal(t, "broken", e.Target)
		assert.Equal(t, http.StatusInternalServerError, e.StatusCode)
		assert.Equal(t, "kaboom", e.Message)
		assert.Equal(t, 3, srv.Hits("/tool/broken"))
		assert.Equal(t, 1, c.Breaker("expert").FailureCount(), "one failure is recorded per call")
	})

	t.Run("404 is never retried nor counted", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t)
		c := newTestClient(t, srv, testSettings())

		_, err := c.CallTool(context.Background(), "expert", "missing", nil)

		assert.ErrorIs(t, err, experts.ErrToolNotFound)
		assert.Equal(t, 1, srv.Hits("/tool/missing"))
		assert.Equal(t, 0, c.Breaker("expert").FailureCount())
	})

	t.Run("other 4xx is a validation error with body text", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t, testkit.WithTool("strict", testkit.Failing(http.StatusUnprocessableEntity, "query is required")))
		c := newTestClient(t, srv, testSettings())

		_, err := c.CallTool(context.Background(), "expert", "strict", nil)

		assert.ErrorIs(t, err, experts.ErrInvalidRequest)
		assert.Contains(t, err.Error(), "query is required")
		assert.Equal(t, 1, srv.Hits("/tool/strict"))
		assert.Equal(t, 0, c.Breaker("expert").FailureCount())
	})

	t.Run("per-attempt timeout is retried", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t, testkit.WithTool("slow", testkit.Slow(time.Second, "late")))
		c := newTestClient(t, srv, testSettings())

		_, err := c.CallTool(context.Background(), "expert", "slow", nil,
			WithTimeout(20*time.Millisecond), WithMaxRetries(1))

		assert.ErrorIs(t, err, experts.ErrTimeout)
		assert.Equal(t, 2, srv.Hits("/tool/slow"))
		assert.Equal(t, 1, c.Breaker("expert").FailureCount())
	})

	t.Run("caller cancellation is not a service failure", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t, testkit.WithTool("slow", testkit.Slow(time.Second, "late")))
		c := newTestClient(t, srv, testSettings())

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := c.CallTool(ctx, "expert", "slow", nil)

		assert.ErrorIs(t, err, experts.ErrCancelled)
		assert.Equal(t, 1, srv.Hits("/tool/slow"))
		assert.Equal(t, 0, c.Breaker("expert").FailureCount())
	})

	t.Run("malformed success body is not retried", func(t *testing.T) {
		t.Parallel()
		garbage := func(int, map[string]any) testkit.Response {
			return testkit.Response{Body: "not json"}
		}
		srv := newExpert(t, testkit.WithTool("garbage", garbage))
		c := newTestClient(t, srv, testSettings())

		_, err := c.CallTool(context.Background(), "expert", "garbage", nil)

		assert.ErrorIs(t, err, experts.ErrToolExecution)
		assert.Equal(t, 1, srv.Hits("/tool/garbage"))
	})
}

func TestClient_CallTool_ConnectionRefused(t *testing.T) {
	t.Parallel()

	srv := testkit.NewExpertServer()
	deadURL := srv.URL
	srv.Close()

	settings := testSettings()
	settings.MaxRetries = 1
	c, err := New(staticDiscovery(map[string]string{"expert": deadURL}), WithDefaults(settings))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.CallTool(context.Background(), "expert", "any", nil)

	assert.ErrorIs(t, err, experts.ErrConnection)
	assert.Equal(t, 1, c.Breaker("expert").FailureCount())
}

func TestClient_CircuitBreaker(t *testing.T) {
	t.Parallel()

	t.Run("opens after threshold and rejects without network I/O", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t, testkit.WithTool("x", testkit.Failing(http.StatusInternalServerError, "down")))
		settings := testSettings()
		settings.MaxRetries = 0
		settings.CircuitBreaker = health.Config{FailureThreshold: 2, RecoveryTime: time.Minute}
		c := newTestClient(t, srv, settings)
		ctx := context.Background()

		_, err := c.CallTool(ctx, "expert", "x", nil)
		assert.ErrorIs(t, err, experts.ErrToolExecution)
		assert.Equal(t, experts.CircuitClosed, c.State("expert"))

		_, err = c.CallTool(ctx, "expert", "x", nil)
		assert.ErrorIs(t, err, experts.ErrToolExecution)
		assert.Equal(t, experts.CircuitOpen, c.State("expert"))

		hits := srv.Hits("/tool/x")
		_, err = c.CallTool(ctx, "expert", "x", nil)
		assert.ErrorIs(t, err, experts.ErrCircuitOpen)
		assert.Equal(t, hits, srv.Hits("/tool/x"), "an open circuit makes no network attempt")
	})

	t.Run("half-open trial success closes the circuit", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t, testkit.WithTool("x", testkit.Failing(http.StatusServiceUnavailable, "down")))
		settings := testSettings()
		settings.MaxRetries = 0
		settings.CircuitBreaker = health.Config{FailureThreshold: 1, RecoveryTime: 50 * time.Millisecond}
		c := newTestClient(t, srv, settings)
		ctx := context.Background()

		_, err := c.CallTool(ctx, "expert", "x", nil)
		require.ErrorIs(t, err, experts.ErrToolExecution)
		require.Equal(t, experts.CircuitOpen, c.State("expert"))

		srv.SetTool("x", testkit.Static("recovered"))
		time.Sleep(60 * time.Millisecond)

		res, err := c.CallTool(ctx, "expert", "x", nil)
		require.NoError(t, err)
		assert.Equal(t, "recovered", res.Value)
		assert.Equal(t, experts.CircuitClosed, c.State("expert"))
		assert.Equal(t, 0, c.Breaker("expert").FailureCount())
	})

	t.Run("half-open trial failure reopens the circuit", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t, testkit.WithTool("x", testkit.Failing(http.StatusInternalServerError, "down")))
		settings := testSettings()
		settings.MaxRetries = 0
		settings.CircuitBreaker = health.Config{FailureThreshold: 1, RecoveryTime: 50 * time.Millisecond}
		c := newTestClient(t, srv, settings)
		ctx := context.Background()

		_, _ = c.CallTool(ctx, "expert", "x", nil)
		time.Sleep(60 * time.Millisecond)

		_, err := c.CallTool(ctx, "expert", "x", nil)
		assert.ErrorIs(t, err, experts.ErrToolExecution)
		assert.Equal(t, experts.CircuitOpen, c.State("expert"))
		assert.Equal(t, 2, srv.Hits("/tool/x"))
	})

	t.Run("half-open trial ending in 404 frees the trial slot", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t, testkit.WithTool("x", testkit.Failing(http.StatusInternalServerError, "down")))
		settings := testSettings()
		settings.MaxRetries = 0
		settings.CircuitBreaker = health.Config{FailureThreshold: 1, RecoveryTime: 50 * time.Millisecond}
		c := newTestClient(t, srv, settings)
		ctx := context.Background()

		_, _ = c.CallTool(ctx, "expert", "x", nil)
		time.Sleep(60 * time.Millisecond)

		_, err := c.CallTool(ctx, "expert", "missing", nil)
		require.ErrorIs(t, err, experts.ErrToolNotFound)
		assert.Equal(t, experts.CircuitHalfOpen, c.State("expert"))

		srv.SetTool("x", testkit.Static("ok"))
		_, err = c.CallTool(ctx, "expert", "x", nil)
		require.NoError(t, err)
		assert.Equal(t, experts.CircuitClosed, c.State("expert"))
	})

	t.Run("retry loop stops once another call opens the circuit", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t, testkit.WithTool("x", testkit.Failing(http.StatusInternalServerError, "down")))
		settings := testSettings()
		settings.CircuitBreaker = health.Config{FailureThreshold: 1, RecoveryTime: time.Minute}
		c := newTestClient(t, srv, settings)
		ctx := context.Background()

		errCh := make(chan error, 1)
		go func() {
			_, err := c.CallTool(ctx, "expert", "x", nil, WithMaxRetries(50), WithRetryDelay(20*time.Millisecond))
			errCh <- err
		}()
		require.Eventually(t, func() bool { return srv.Hits("/tool/x") >= 1 }, time.Second, time.Millisecond)

		_, err := c.CallTool(ctx, "expert", "x", nil, WithMaxRetries(0))
		require.ErrorIs(t, err, experts.ErrToolExecution)
		require.Equal(t, experts.CircuitOpen, c.State("expert"))

		select {
		case err = <-errCh:
		case <-time.After(5 * time.Second):
			t.Fatal("retrying call did not stop after the circuit opened")
		}
		assert.ErrorIs(t, err, experts.ErrCircuitOpen)
		assert.Less(t, srv.Hits("/tool/x"), 10)
	})
}

func TestClient_Connect(t *testing.T) {
	t.Parallel()

	t.Run("second connect is a no-op", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t)
		ctrl := gomock.NewController(t)
		discovery := mocks.NewMockServiceDiscovery(ctrl)
		discovery.EXPECT().Resolve(gomock.Any(), "expert").Return(srv.URL, nil).Times(1)

		settings := testSettings()
		settings.Prewarm = true
		c, err := New(discovery, WithDefaults(settings))
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })

		require.NoError(t, c.Connect(context.Background(), "expert"))
		require.NoError(t, c.Connect(context.Background(), "expert"))

		assert.Equal(t, 1, srv.Hits("/status"), "setup, including the warm-up check, runs once")
		baseURL, ok := c.BaseURL("expert")
		assert.True(t, ok)
		assert.Equal(t, srv.URL, baseURL)
		stats, ok := c.PoolStats("expert")
		require.True(t, ok)
		assert.Equal(t, 1, stats.Idle)
	})

	t.Run("concurrent connects collapse into one setup", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t)
		ctrl := gomock.NewController(t)
		discovery := mocks.NewMockServiceDiscovery(ctrl)
		discovery.EXPECT().Resolve(gomock.Any(), "expert").Return(srv.URL, nil).Times(1)

		c, err := New(discovery, WithDefaults(testSettings()))
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, c.Connect(context.Background(), "expert"))
			}()
		}
		wg.Wait()
	})

	t.Run("unresolvable name is service not found", func(t *testing.T) {
		t.Parallel()
		c, err := New(staticDiscovery(nil))
		require.NoError(t, err)

		err = c.Connect(context.Background(), "ghost")
		assert.ErrorIs(t, err, experts.ErrServiceNotFound)

		_, err = c.CallTool(context.Background(), "ghost", "x", nil)
		assert.ErrorIs(t, err, experts.ErrServiceNotFound)
	})

	t.Run("discovery failure is a connection error and is retried on next connect", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t)
		ctrl := gomock.NewController(t)
		discovery := mocks.NewMockServiceDiscovery(ctrl)
		gomock.InOrder(
			discovery.EXPECT().Resolve(gomock.Any(), "expert").Return("", errors.New("registry down")),
			discovery.EXPECT().Resolve(gomock.Any(), "expert").Return(srv.URL, nil),
		)

		c, err := New(discovery, WithDefaults(testSettings()))
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })

		err = c.Connect(context.Background(), "expert")
		assert.ErrorIs(t, err, experts.ErrConnection)
		assert.NoError(t, c.Connect(context.Background(), "expert"))
	})

	t.Run("invalid base URL", func(t *testing.T) {
		t.Parallel()
		c, err := New(staticDiscovery(map[string]string{"expert": "ftp://example.com"}))
		require.NoError(t, err)

		err = c.Connect(context.Background(), "expert")
		assert.ErrorIs(t, err, experts.ErrConnection)
	})

	t.Run("warm-up failure does not fail connect", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t, testkit.WithStatusCode(http.StatusServiceUnavailable))
		settings := testSettings()
		settings.Prewarm = true
		c := newTestClient(t, srv, settings)

		require.NoError(t, c.Connect(context.Background(), "expert"))
		stats, ok := c.PoolStats("expert")
		require.True(t, ok)
		assert.Equal(t, 0, stats.Open)
	})
}

func TestClient_GetResource(t *testing.T) {
	t.Parallel()

	t.Run("single frame returns the bare value", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t, testkit.WithResource("doc", testkit.Frames(map[string]any{"title": "Go"})))
		c := newTestClient(t, srv, testSettings())

		v, err := c.GetResource(context.Background(), "expert", "doc")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"title": "Go"}, v)
	})

	t.Run("three frames return an ordered list", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t, testkit.WithResource("log", testkit.Frames("a", "b", "c")))
		c := newTestClient(t, srv, testSettings())

		v, err := c.GetResource(context.Background(), "expert", "log")
		require.NoError(t, err)
		assert.Equal(t, []any{"a", "b", "c"}, v)

		frames, err := c.GetResourceFrames(context.Background(), "expert", "log")
		require.NoError(t, err)
		assert.Len(t, frames, 3)
	})

	t.Run("id and params reach the backend", func(t *testing.T) {
		t.Parallel()
		var (
			mu      sync.Mutex
			gotID   string
			gotPage string
		)
		handler := func(_ int, id string, q url.Values) testkit.ResourceResponse {
			mu.Lock()
			defer mu.Unlock()
			gotID, gotPage = id, q.Get("page")
			return testkit.ResourceResponse{Frames: []any{id}}
		}
		srv := newExpert(t, testkit.WithResource("items", handler))
		c := newTestClient(t, srv, testSettings())

		v, err := c.GetResource(context.Background(), "expert", "items",
			WithResourceID("42"), WithParams(url.Values{"page": {"2"}}))
		require.NoError(t, err)
		assert.Equal(t, "42", v)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "42", gotID)
		assert.Equal(t, "2", gotPage)

		reqs := srv.Requests()
		require.NotEmpty(t, reqs)
		assert.Equal(t, "text/event-stream", reqs[len(reqs)-1].Header.Get("Accept"))
	})

	t.Run("404 is resource not found", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t)
		c := newTestClient(t, srv, testSettings())

		_, err := c.GetResource(context.Background(), "expert", "nope")
		assert.ErrorIs(t, err, experts.ErrResourceNotFound)
		assert.Equal(t, 1, srv.Hits("/resource/nope"))
	})

	t.Run("other 4xx is resource access without retry", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t, testkit.WithResource("secret", testkit.FailingResource(http.StatusForbidden, "forbidden")))
		c := newTestClient(t, srv, testSettings())

		_, err := c.GetResource(context.Background(), "expert", "secret")
		assert.ErrorIs(t, err, experts.ErrResourceAccess)
		assert.Equal(t, 1, srv.Hits("/resource/secret"))
		assert.Equal(t, 0, c.Breaker("expert").FailureCount())
	})

	t.Run("5xx is retried and counted", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t, testkit.WithResource("flaky", testkit.FailingResource(http.StatusBadGateway, "upstream")))
		c := newTestClient(t, srv, testSettings())

		_, err := c.GetResource(context.Background(), "expert", "flaky", WithResourceMaxRetries(2))
		assert.ErrorIs(t, err, experts.ErrResourceAccess)
		assert.Equal(t, 3, srv.Hits("/resource/flaky"))
		assert.Equal(t, 1, c.Breaker("expert").FailureCount())
	})

	t.Run("malformed stream", func(t *testing.T) {
		t.Parallel()
		bad := func(int, string, url.Values) testkit.ResourceResponse {
			return testkit.ResourceResponse{Body: "data: {broken\n\n"}
		}
		srv := newExpert(t, testkit.WithResource("bad", bad))
		c := newTestClient(t, srv, testSettings())

		_, err := c.GetResource(context.Background(), "expert", "bad")
		assert.ErrorIs(t, err, experts.ErrResourceAccess)
		assert.Equal(t, 1, srv.Hits("/resource/bad"))
	})
}

func TestClient_StatusAndHandshake(t *testing.T) {
	t.Parallel()

	t.Run("handshake merges capabilities and tool names", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t,
			testkit.WithType("coding"),
			testkit.WithCapabilities("review", "lint"),
			testkit.WithTool("lint", testkit.Echo()),
			testkit.WithTool("format", testkit.Echo()),
		)
		c := newTestClient(t, srv, testSettings())

		hs, err := c.Handshake(context.Background(), "expert")
		require.NoError(t, err)

		assert.Equal(t, []string{"format", "lint", "review"}, hs.Capabilities)
		assert.Equal(t, []string{"format", "lint"}, hs.Tools)
		assert.Equal(t, "coding", hs.Metadata["type"])
	})

	t.Run("tools failure is a connection error", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t, testkit.WithToolsStatusCode(http.StatusInternalServerError))
		c := newTestClient(t, srv, testSettings())

		_, err := c.Handshake(context.Background(), "expert")
		assert.ErrorIs(t, err, experts.ErrConnection)
	})

	t.Run("non-200 status is a connection error and not a breaker failure", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t, testkit.WithStatusCode(http.StatusServiceUnavailable))
		c := newTestClient(t, srv, testSettings())

		_, err := c.Status(context.Background(), "expert")
		assert.ErrorIs(t, err, experts.ErrConnection)
		var e *experts.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, http.StatusServiceUnavailable, e.StatusCode)
		assert.Equal(t, 0, c.Breaker("expert").FailureCount())
	})

	t.Run("status returns metadata", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t, testkit.WithType("research"))
		c := newTestClient(t, srv, testSettings())

		md, err := c.Status(context.Background(), "expert")
		require.NoError(t, err)
		assert.Equal(t, "ok", md["status"])
	})
}

func TestClient_Close(t *testing.T) {
	t.Parallel()

	srv := newExpert(t, testkit.WithTool("x", testkit.Static(1)))
	c := newTestClient(t, srv, testSettings())

	_, err := c.CallTool(context.Background(), "expert", "x", nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.CallTool(context.Background(), "expert", "x", nil)
	assert.ErrorIs(t, err, experts.ErrConnection)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestClient_RateLimit(t *testing.T) {
	t.Parallel()

	srv := newExpert(t, testkit.WithTool("x", testkit.Static(1)))
	settings := testSettings()
	settings.RequestsPerSecond = 0.1
	settings.Burst = 1
	c := newTestClient(t, srv, settings)

	_, err := c.CallTool(context.Background(), "expert", "x", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.CallTool(ctx, "expert", "x", nil)

	assert.ErrorIs(t, err, experts.ErrTimeout)
	assert.Equal(t, 1, srv.Hits("/tool/x"))
	assert.Equal(t, 0, c.Breaker("expert").FailureCount())
}

func TestClient_RateLimit_OpenCircuit(t *testing.T) {
	t.Parallel()

	t.Run("open circuit rejects before waiting for a token", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t, testkit.WithTool("x", testkit.Failing(http.StatusInternalServerError, "down")))
		settings := testSettings()
		settings.MaxRetries = 0
		settings.RequestsPerSecond = 0.1
		settings.Burst = 1
		settings.CircuitBreaker = health.Config{FailureThreshold: 1, RecoveryTime: time.Minute}
		c := newTestClient(t, srv, settings)

		_, err := c.CallTool(context.Background(), "expert", "x", nil)
		require.ErrorIs(t, err, experts.ErrToolExecution)
		require.Equal(t, experts.CircuitOpen, c.State("expert"))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = c.CallTool(ctx, "expert", "x", nil)
		assert.ErrorIs(t, err, experts.ErrCircuitOpen)
		assert.NotErrorIs(t, err, experts.ErrTimeout)
		assert.Equal(t, 1, srv.Hits("/tool/x"))
	})

	t.Run("rate limited half-open call frees the trial slot", func(t *testing.T) {
		t.Parallel()
		srv := newExpert(t, testkit.WithTool("x", testkit.Failing(http.StatusInternalServerError, "down")))
		settings := testSettings()
		settings.MaxRetries = 0
		settings.RequestsPerSecond = 0.1
		settings.Burst = 1
		settings.CircuitBreaker = health.Config{FailureThreshold: 1, RecoveryTime: 20 * time.Millisecond}
		c := newTestClient(t, srv, settings)

		_, err := c.CallTool(context.Background(), "expert", "x", nil)
		require.ErrorIs(t, err, experts.ErrToolExecution)
		time.Sleep(30 * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = c.CallTool(ctx, "expert", "x", nil)
		assert.ErrorIs(t, err, experts.ErrTimeout)
		assert.Equal(t, experts.CircuitHalfOpen, c.State("expert"))
		assert.False(t, c.Breaker("expert").IsOpen(), "a new trial call is admitted")
		assert.Equal(t, 1, srv.Hits("/tool/x"))
	})
}

func TestClient_Telemetry(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	spans := tracetest.NewSpanRecorder()
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	srv := newExpert(t,
		testkit.WithTool("ok", testkit.Static(true)),
		testkit.WithTool("flaky", testkit.Flaky(1, true)),
	)
	c := newTestClient(t, srv, testSettings(),
		WithMeterProvider(meterProvider), WithTracerProvider(tracerProvider))

	ctx := context.Background()
	_, err := c.CallTool(ctx, "expert", "ok", nil)
	require.NoError(t, err)
	_, err = c.CallTool(ctx, "expert", "flaky", nil)
	require.NoError(t, err)
	_, err = c.CallTool(ctx, "expert", "missing", nil)
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.Equal(t, int64(3), sumCounter(t, rm, "experthub_expert_requests", opCallTool))
	assert.Equal(t, int64(1), sumCounter(t, rm, "experthub_expert_errors", opCallTool))
	assert.Equal(t, int64(1), sumCounter(t, rm, "experthub_expert_retries", opCallTool))

	var names []string
	for _, s := range spans.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "call_tool ok")
	assert.Contains(t, names, "call_tool missing")
}

func TestClient_PropagatesTraceContext(t *testing.T) {
	t.Parallel()

	otel.SetTextMapPropagator(propagation.TraceContext{})
	tracerProvider := sdktrace.NewTracerProvider()

	srv := newExpert(t, testkit.WithTool("ok", testkit.Static(true)))
	c := newTestClient(t, srv, testSettings(), WithTracerProvider(tracerProvider))

	_, err := c.CallTool(context.Background(), "expert", "ok", nil)
	require.NoError(t, err)

	var traceparent string
	for _, r := range srv.Requests() {
		if r.URL.Path == "/tool/ok" {
			traceparent = r.Header.Get("Traceparent")
		}
	}
	assert.NotEmpty(t, traceparent)
}

// sumCounter adds the data points of an int64 sum for one operation.
func sumCounter(t *testing.T, rm metricdata.ResourceMetrics, name, operation string) int64 {
	t.Helper()
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attrOperation); ok && v.AsString() == operation {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestExtractMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"error string", `{"error":"bad"}`, "bad"},
		{"nested error message", `{"error":{"message":"nested"}}`, "nested"},
		{"detail", `{"detail":"fastapi style"}`, "fastapi style"},
		{"message", `{"message":"plain"}`, "plain"},
		{"raw text", "Internal Server Error\n", "Internal Server Error"},
		{"json without message", `{"code":1}`, `{"code":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, extractMessage([]byte(tt.body)))
		})
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short", "down", "down"},
		{"exact limit", strings.Repeat("a", maxErrorMessageLength), strings.Repeat("a", maxErrorMessageLength)},
		{"ascii over limit", strings.Repeat("a", maxErrorMessageLength+1), strings.Repeat("a", maxErrorMessageLength) + "..."},
		{"multibyte at boundary", "a" + strings.Repeat("é", maxErrorMessageLength), "a" + strings.Repeat("é", (maxErrorMessageLength-1)/2) + "..."},
		{"cjk", strings.Repeat("错", maxErrorMessageLength), strings.Repeat("错", maxErrorMessageLength/3) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := truncate(tt.in)
			assert.True(t, utf8.ValidString(got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractToolNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"a", "b"}, extractToolNames([]byte(`{"tools":["a","b"]}`)))
	assert.Equal(t, []string{"a"}, extractToolNames([]byte(`{"tools":[{"name":"a"},{"description":"no name"}]}`)))
	assert.Equal(t, []string{}, extractToolNames([]byte(`{}`)))
}

func TestServiceSettings_Normalize(t *testing.T) {
	t.Parallel()

	s := ServiceSettings{MaxRetries: 50, RequestsPerSecond: 5}.normalize()

	assert.Equal(t, DefaultToolTimeout, s.ToolTimeout)
	assert.Equal(t, DefaultResourceTimeout, s.ResourceTimeout)
	assert.Equal(t, maxRetryCount, s.MaxRetries)
	assert.Equal(t, DefaultRetryDelay, s.RetryDelay)
	assert.Equal(t, 10, s.MaxConnections)
	assert.Equal(t, 1, s.Burst)
	assert.Equal(t, DefaultServiceSettings().CircuitBreaker, ServiceSettings{}.normalize().CircuitBreaker)
}
