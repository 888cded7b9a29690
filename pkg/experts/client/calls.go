// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/stacklok/experthub/pkg/experts"
	"github.com/stacklok/experthub/pkg/experts/pool"
)

// maxErrorMessageLength bounds upstream error text carried in errors.
const maxErrorMessageLength = 512

// callOptions are the parameters of one tool invocation.
type callOptions struct {
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
}

// CallOption configures a single tool call.
type CallOption func(*callOptions)

// WithTimeout sets the per-attempt timeout of a tool call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) CallOption {
	return func(o *callOptions) {
		if n >= 0 {
			o.maxRetries = min(n, maxRetryCount)
		}
	}
}

// WithRetryDelay sets the initial backoff interval between attempts.
func WithRetryDelay(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.retryDelay = d
		}
	}
}

// resourceOptions are the parameters of one resource read.
type resourceOptions struct {
	callOptions
	id     string
	params url.Values
}

// ResourceOption configures a single resource read.
type ResourceOption func(*resourceOptions)

// WithResourceID appends an id path segment to the resource path.
func WithResourceID(id string) ResourceOption {
	return func(o *resourceOptions) {
		o.id = id
	}
}

// WithParams sets the query parameters of a resource read.
func WithParams(params url.Values) ResourceOption {
	return func(o *resourceOptions) {
		o.params = params
	}
}

// WithResourceTimeout sets the per-attempt timeout of a resource read.
func WithResourceTimeout(d time.Duration) ResourceOption {
	return func(o *resourceOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithResourceMaxRetries sets the number of retries of a resource read.
func WithResourceMaxRetries(n int) ResourceOption {
	return func(o *resourceOptions) {
		if n >= 0 {
			o.maxRetries = min(n, maxRetryCount)
		}
	}
}

// request describes one logical RPC, independent of attempts.
type request struct {
	operation string
	target    string
	method    string
	path      string
	query     url.Values
	body      []byte
	accept    string

	// notFound and failure are the kinds a 404 and other error statuses map to.
	notFound experts.Kind
	failure  experts.Kind

	callOptions
}

// CallTool invokes a tool on a service with POST /tool/{tool}.
//
// The call fails immediately with ErrCircuitOpen when the service's breaker
// rejects it. Transport failures, timeouts and 5xx responses are retried with
// exponential backoff; 4xx responses never are. The breaker records one
// success or failure per call.
func (c *Client) CallTool(
	ctx context.Context, name, tool string, args map[string]any, opts ...CallOption,
) (_ *experts.ToolResult, retErr error) {
	ctx, done := c.telemetry.record(ctx, opCallTool, name, tool, &retErr)
	defer done()

	svc, err := c.connect(ctx, name)
	if err != nil {
		return nil, err
	}

	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(map[string]any{"arguments": args})
	if err != nil {
		return nil, &experts.Error{
			Kind: experts.KindInvalidRequest, Service: name, Target: tool,
			Message: "arguments are not JSON serializable", Err: err,
		}
	}

	o := callOptions{
		timeout:    svc.settings.ToolTimeout,
		maxRetries: svc.settings.MaxRetries,
		retryDelay: svc.settings.RetryDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}

	req := &request{
		operation:   opCallTool,
		target:      tool,
		method:      http.MethodPost,
		path:        "/tool/" + url.PathEscape(tool),
		body:        body,
		accept:      "application/json",
		notFound:    experts.KindToolNotFound,
		failure:     experts.KindToolExecution,
		callOptions: o,
	}

	var result *experts.ToolResult
	attempts, err := c.execute(ctx, svc, req, func(resp *http.Response) error {
		r, err := decodeToolResult(name, tool, resp)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Attempts = attempts
	return result, nil
}

// GetResource reads a resource with GET /resource/{resource}[/{id}].
//
// The response is read as an event stream of JSON frames. A single frame is
// returned as its decoded value; zero or several frames are returned as an
// ordered []any. Use GetResourceFrames for a uniform shape.
func (c *Client) GetResource(ctx context.Context, name, resource string, opts ...ResourceOption) (any, error) {
	frames, err := c.GetResourceFrames(ctx, name, resource, opts...)
	if err != nil {
		return nil, err
	}
	return collapseFrames(frames), nil
}

// GetResourceFrames reads a resource and returns its frames in order.
func (c *Client) GetResourceFrames(
	ctx context.Context, name, resource string, opts ...ResourceOption,
) (_ []any, retErr error) {
	ctx, done := c.telemetry.record(ctx, opGetResource, name, resource, &retErr)
	defer done()

	svc, err := c.connect(ctx, name)
	if err != nil {
		return nil, err
	}

	o := resourceOptions{
		callOptions: callOptions{
			timeout:    svc.settings.ResourceTimeout,
			maxRetries: svc.settings.MaxRetries,
			retryDelay: svc.settings.RetryDelay,
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	path := "/resource/" + url.PathEscape(resource)
	if o.id != "" {
		path += "/" + url.PathEscape(o.id)
	}

	req := &request{
		operation:   opGetResource,
		target:      resource,
		method:      http.MethodGet,
		path:        path,
		query:       o.params,
		accept:      eventStreamMediaType,
		notFound:    experts.KindResourceNotFound,
		failure:     experts.KindResourceAccess,
		callOptions: o.callOptions,
	}

	var frames []any
	_, err = c.execute(ctx, svc, req, func(resp *http.Response) error {
		f, err := decodeFrames(resp.Header.Get("Content-Type"), resp.Body)
		if err != nil {
			var fe *frameError
			if errors.As(err, &fe) {
				return &experts.Error{
					Kind: experts.KindResourceAccess, Service: name, Target: resource,
					StatusCode: resp.StatusCode, Message: "malformed resource stream", Err: err,
				}
			}
			return err
		}
		frames = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return frames, nil
}

// Status performs GET /status against a service. A non-200 answer is a
// connection error. The decoded body is returned when it is a JSON object.
// Status checks do not feed the circuit breaker.
func (c *Client) Status(ctx context.Context, name string) (_ map[string]any, retErr error) {
	ctx, done := c.telemetry.record(ctx, opStatus, name, "", &retErr)
	defer done()

	svc, err := c.connect(ctx, name)
	if err != nil {
		return nil, err
	}
	raw, err := c.get(ctx, svc, "/status")
	if err != nil {
		return nil, err
	}
	return decodeMetadata(raw), nil
}

// Handshake fetches a service's self-description from GET /status and
// GET /tools. The capability set is the union of the advertised
// capabilities and the tool names.
func (c *Client) Handshake(ctx context.Context, name string) (_ *experts.Handshake, retErr error) {
	ctx, done := c.telemetry.record(ctx, opHandshake, name, "", &retErr)
	defer done()

	svc, err := c.connect(ctx, name)
	if err != nil {
		return nil, err
	}

	status, err := c.get(ctx, svc, "/status")
	if err != nil {
		return nil, err
	}
	tools, err := c.get(ctx, svc, "/tools")
	if err != nil {
		return nil, err
	}

	toolNames := extractToolNames(tools)
	caps := make(map[string]struct{})
	gjson.GetBytes(status, "capabilities").ForEach(func(_, v gjson.Result) bool {
		if v.Type == gjson.String && v.String() != "" {
			caps[v.String()] = struct{}{}
		}
		return true
	})
	for _, t := range toolNames {
		caps[t] = struct{}{}
	}

	capabilities := make([]string, 0, len(caps))
	for capName := range caps {
		capabilities = append(capabilities, capName)
	}
	sort.Strings(capabilities)

	return &experts.Handshake{
		Capabilities: capabilities,
		Tools:        toolNames,
		Metadata:     decodeMetadata(status),
	}, nil
}

// execute runs req with breaker enforcement and retries. decode consumes a
// 2xx response. It returns the number of network attempts made.
func (c *Client) execute(
	ctx context.Context, svc *service, req *request, decode func(*http.Response) error,
) (int, error) {
	if svc.breaker.IsOpen() {
		return 0, experts.NewError(experts.KindCircuitOpen, svc.name, req.target, nil)
	}

	if svc.limiter != nil {
		if err := svc.limiter.Wait(ctx); err != nil {
			svc.breaker.ReleaseTrial()
			// Wait fails early when the next token would outlive the deadline.
			kind := experts.KindCancelled
			if ctx.Err() == nil {
				kind = experts.KindTimeout
			}
			return 0, experts.NewError(kind, svc.name, req.target, err)
		}
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = req.retryDelay
	expBackoff.MaxInterval = 60 * req.retryDelay // Cap at 60x the initial delay
	expBackoff.Reset()

	attempts := 0
	operation := func() (struct{}, error) {
		if attempts > 0 && svc.breaker.State() == experts.CircuitOpen {
			return struct{}{}, backoff.Permanent(experts.NewError(experts.KindCircuitOpen, svc.name, req.target, nil))
		}
		attempts++
		err := c.attempt(ctx, svc, req, decode)
		if err == nil {
			return struct{}{}, nil
		}
		if !experts.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		c.logger.Warn("expert request failed",
			"service", svc.name, "operation", req.operation, "target", req.target,
			"attempt", attempts, "max_attempts", req.maxRetries+1, "error", err)
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(req.maxRetries+1)), // #nosec G115 -- +1 because it includes the initial attempt
		backoff.WithNotify(func(_ error, duration time.Duration) {
			c.telemetry.retried(ctx, req.operation, svc.name)
			c.logger.Debug("retrying expert request",
				"service", svc.name, "operation", req.operation, "target", req.target, "delay", duration)
		}),
	)

	switch {
	case err == nil:
		svc.breaker.RecordSuccess()
		return attempts, nil
	case !experts.IsTaxonomyError(err):
		// Retry gave up waiting because the caller's context ended.
		err = c.cancelled(svc.name, req.target, err)
	}

	switch {
	case experts.IsRetryable(err):
		svc.breaker.RecordFailure()
	case experts.KindOf(err) != experts.KindCircuitOpen:
		svc.breaker.ReleaseTrial()
	}
	return attempts, err
}

// attempt performs one network attempt of req over a pooled connection.
func (c *Client) attempt(ctx context.Context, svc *service, req *request, decode func(*http.Response) error) error {
	p, baseURL := svc.connection()

	conn, err := p.Acquire(ctx)
	if err != nil {
		if errors.Is(err, pool.ErrPoolClosed) {
			return experts.NewError(experts.KindConnection, svc.name, req.target, err)
		}
		return c.cancelled(svc.name, req.target, err)
	}
	defer p.Release(conn)

	attemptCtx, cancel := context.WithTimeout(ctx, req.timeout)
	defer cancel()

	u := baseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.method, u, body)
	if err != nil {
		return &experts.Error{
			Kind: experts.KindInvalidRequest, Service: svc.name, Target: req.target,
			Message: "failed to build request", Err: err,
		}
	}
	httpReq.Header.Set("Accept", req.accept)
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(attemptCtx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := conn.Do(httpReq)
	if err != nil {
		return c.transportError(ctx, svc.name, req.target, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		if err := decode(resp); err != nil {
			if experts.IsTaxonomyError(err) {
				return err
			}
			return c.transportError(ctx, svc.name, req.target, err)
		}
		return nil
	}

	raw, _ := io.ReadAll(resp.Body)
	return statusError(svc.name, req, resp.StatusCode, raw)
}

// get performs a single GET against a service without retries or breaker
// involvement. Any non-200 answer is a connection error.
func (c *Client) get(ctx context.Context, svc *service, path string) ([]byte, error) {
	p, baseURL := svc.connection()
	conn, err := p.Acquire(ctx)
	if err != nil {
		if errors.Is(err, pool.ErrPoolClosed) {
			return nil, experts.NewError(experts.KindConnection, svc.name, "", err)
		}
		return nil, c.cancelled(svc.name, "", err)
	}
	defer p.Release(conn)
	return c.fetch(ctx, svc, conn, baseURL, path, svc.settings.ToolTimeout)
}

func (c *Client) fetch(
	ctx context.Context, svc *service, conn *pool.Conn, baseURL, path string, timeout time.Duration,
) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return nil, experts.NewError(experts.KindConnection, svc.name, "", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := conn.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, svc.name, "", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.transportError(ctx, svc.name, "", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &experts.Error{
			Kind: experts.KindConnection, Service: svc.name, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("GET %s: %s", path, extractMessage(raw)),
		}
	}
	return raw, nil
}

// transportError classifies a failure that produced no HTTP status.
// parent is the caller's context, not the per-attempt one.
func (*Client) transportError(parent context.Context, service, target string, err error) error {
	if parent.Err() != nil {
		return experts.NewError(experts.KindCancelled, service, target, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return experts.NewError(experts.KindTimeout, service, target, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return experts.NewError(experts.KindTimeout, service, target, err)
	}
	return experts.NewError(experts.KindConnection, service, target, err)
}

// cancelled classifies a failure caused by the caller's context.
func (*Client) cancelled(service, target string, err error) error {
	return experts.NewError(experts.KindCancelled, service, target, err)
}

// statusError maps an error status to the taxonomy.
func statusError(service string, req *request, status int, body []byte) error {
	e := &experts.Error{
		Service:    service,
		Target:     req.target,
		StatusCode: status,
		Message:    extractMessage(body),
	}
	switch {
	case status == http.StatusNotFound:
		e.Kind = req.notFound
	case status >= http.StatusInternalServerError:
		e.Kind = req.failure
	case req.failure == experts.KindToolExecution:
		e.Kind = experts.KindInvalidRequest
	default:
		e.Kind = req.failure
	}
	return e
}

func decodeToolResult(service, tool string, resp *http.Response) (*experts.ToolResult, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(raw) {
		return nil, &experts.Error{
			Kind: experts.KindToolExecution, Service: service, Target: tool,
			StatusCode: resp.StatusCode, Message: "malformed response body",
		}
	}

	result := &experts.ToolResult{}
	r := gjson.GetBytes(raw, "result")
	if !r.Exists() {
		return result, nil
	}
	result.Raw = json.RawMessage(r.Raw)
	if err := json.Unmarshal(result.Raw, &result.Value); err != nil {
		return nil, &experts.Error{
			Kind: experts.KindToolExecution, Service: service, Target: tool,
			StatusCode: resp.StatusCode, Message: "malformed result", Err: err,
		}
	}
	return result, nil
}

// extractMessage pulls a human readable message out of an upstream error body.
func extractMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "error", "detail", "message"} {
			if r := gjson.GetBytes(body, path); r.Type == gjson.String && r.String() != "" {
				return truncate(r.String())
			}
		}
	}
	return truncate(strings.TrimSpace(string(body)))
}

// extractToolNames accepts both {"tools":["a"]} and {"tools":[{"name":"a"}]}.
func extractToolNames(body []byte) []string {
	names := []string{}
	gjson.GetBytes(body, "tools").ForEach(func(_, v gjson.Result) bool {
		name := v.String()
		if v.IsObject() {
			name = v.Get("name").String()
		}
		if name != "" {
			names = append(names, name)
		}
		return true
	})
	return names
}

func decodeMetadata(raw []byte) map[string]any {
	metadata := map[string]any{}
	if !gjson.ParseBytes(raw).IsObject() {
		return metadata
	}
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return map[string]any{}
	}
	return metadata
}

func truncate(s string) string {
	if len(s) <= maxErrorMessageLength {
		return s
	}
	n := maxErrorMessageLength
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
