// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package pool provides bounded, per-service pools of reusable HTTP connections.
//
// A Pool is bound to exactly one base URL and is never shared across services.
// Each pooled connection owns a dedicated transport limited to a single TCP
// connection, so the pool size is the ceiling on concurrent requests to the service.
package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrPoolClosed is returned by Acquire once the pool has been closed.
var ErrPoolClosed = errors.New("connection pool closed")

const (
	// DefaultMaxConnections is the pool size used when none is configured.
	DefaultMaxConnections = 10

	// RequestIDHeader is stamped on every outgoing request that lacks one.
	RequestIDHeader = "X-Request-ID"

	// maxResponseSize is the maximum size in bytes read from a single backend response.
	// Backends needing larger payloads should stream them as resource frames.
	maxResponseSize = 100 * 1024 * 1024 // 100 MB

	idleConnTimeout = 90 * time.Second
)

// WarmUpFunc exercises a freshly created connection, e.g. with a health request.
type WarmUpFunc func(ctx context.Context, c *Conn) error

// Conn is a reusable HTTP client bound to one base URL.
// A Conn is held by at most one in-flight call at a time.
type Conn struct {
	pool      *Pool
	client    *http.Client
	transport *http.Transport
	createdAt time.Time

	// inUse is guarded by pool.mu.
	inUse bool
}

// Do sends an HTTP request over this connection.
func (c *Conn) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}

// BaseURL returns the base URL the connection is bound to.
func (c *Conn) BaseURL() string {
	return c.pool.baseURL
}

// CreatedAt returns when the connection was created.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

func (c *Conn) close() {
	c.transport.CloseIdleConnections()
}

// Stats is a point-in-time view of pool usage.
type Stats struct {
	Open  int
	Idle  int
	InUse int
	Max   int
}

// Pool owns a bounded set of connections to one service.
type Pool struct {
	baseURL  string
	maxConns int
	prewarm  bool
	warmUp   WarmUpFunc
	logger   *slog.Logger

	// sem holds one token per connection handed out.
	sem  chan struct{}
	done chan struct{}

	mu          sync.Mutex
	idle        []*Conn
	open        map[*Conn]struct{}
	closed      bool
	initialized bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithMaxConnections sets the maximum number of connections. Values < 1 are ignored.
func WithMaxConnections(n int) Option {
	return func(p *Pool) {
		if n >= 1 {
			p.maxConns = n
		}
	}
}

// WithPrewarm enables or disables pre-warming one connection in Initialize.
func WithPrewarm(enabled bool) Option {
	return func(p *Pool) {
		p.prewarm = enabled
	}
}

// WithWarmUp sets the function used to exercise the pre-warmed connection.
func WithWarmUp(fn WarmUpFunc) Option {
	return func(p *Pool) {
		p.warmUp = fn
	}
}

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a pool for baseURL. Connections are created lazily.
func New(baseURL string, opts ...Option) *Pool {
	p := &Pool{
		baseURL:  baseURL,
		maxConns: DefaultMaxConnections,
		prewarm:  true,
		logger:   slog.Default(),
		done:     make(chan struct{}),
		open:     make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.sem = make(chan struct{}, p.maxConns)
	return p
}

// BaseURL returns the base URL the pool is bound to.
func (p *Pool) BaseURL() string {
	return p.baseURL
}

// Initialize pre-warms one connection when pre-warming is enabled.
// It is idempotent and never fails: a failed warm-up is logged and the
// connection is discarded, deferring connection setup to the first real call.
func (p *Pool) Initialize(ctx context.Context) {
	p.mu.Lock()
	if p.initialized || p.closed {
		p.mu.Unlock()
		return
	}
	p.initialized = true
	p.mu.Unlock()

	if !p.prewarm {
		return
	}

	c, err := p.Acquire(ctx)
	if err != nil {
		p.logger.Warn("failed to pre-warm connection", "url", p.baseURL, "error", err)
		return
	}
	if p.warmUp != nil {
		if err := p.warmUp(ctx, c); err != nil {
			p.logger.Warn("connection warm-up failed, deferring to first use", "url", p.baseURL, "error", err)
			p.discard(c)
			return
		}
	}
	p.logger.Debug("pre-warmed connection", "url", p.baseURL)
	p.Release(c)
}

// Acquire returns an idle connection if one exists, otherwise creates a new one
// while below the maximum. At capacity it blocks until a connection is released,
// the pool is closed, or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	select {
	case <-p.done:
		return nil, ErrPoolClosed
	default:
	}

	select {
	case p.sem <- struct{}{}:
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return nil, ErrPoolClosed
	}

	var c *Conn
	if n := len(p.idle); n > 0 {
		c = p.idle[n-1]
		p.idle = p.idle[:n-1]
	} else {
		c = p.newConn()
		p.open[c] = struct{}{}
	}
	c.inUse = true
	p.mu.Unlock()

	return c, nil
}

// Release returns a connection to the idle set. Connections are only closed
// on release when the pool itself has been closed in the meantime.
// Releasing a connection twice, or one from another pool, is a no-op.
func (p *Pool) Release(c *Conn) {
	if c == nil || c.pool != p {
		return
	}

	p.mu.Lock()
	if !c.inUse {
		p.mu.Unlock()
		return
	}
	c.inUse = false

	if p.closed {
		delete(p.open, c)
		p.mu.Unlock()
		c.close()
		<-p.sem
		return
	}

	p.idle = append(p.idle, c)
	p.mu.Unlock()
	<-p.sem
}

// Close closes all idle connections and fails pending and future acquires.
// Connections still in use are closed when released. Calling Close more than once is a no-op.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)

	idle := p.idle
	p.idle = nil
	for _, c := range idle {
		delete(p.open, c)
	}
	p.mu.Unlock()

	for _, c := range idle {
		c.close()
	}
	p.logger.Debug("connection pool closed", "url", p.baseURL, "closed_idle", len(idle))
	return nil
}

// Stats returns current pool usage.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Open:  len(p.open),
		Idle:  len(p.idle),
		InUse: len(p.open) - len(p.idle),
		Max:   p.maxConns,
	}
}

// discard drops an acquired connection instead of returning it to the idle set.
func (p *Pool) discard(c *Conn) {
	p.mu.Lock()
	if !c.inUse {
		p.mu.Unlock()
		return
	}
	c.inUse = false
	delete(p.open, c)
	p.mu.Unlock()
	c.close()
	<-p.sem
}

// newConn must be called with mu held.
func (p *Pool) newConn() *Conn {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = 1
	transport.MaxIdleConnsPerHost = 1
	transport.IdleConnTimeout = idleConnTimeout

	// Transport chain: request ID → size limit → HTTP
	sizeLimited := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		resp, err := transport.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		resp.Body = struct {
			io.Reader
			io.Closer
		}{
			Reader: io.LimitReader(resp.Body, maxResponseSize),
			Closer: resp.Body,
		}
		return resp, nil
	})

	withRequestID := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if req.Header.Get(RequestIDHeader) == "" {
			req = req.Clone(req.Context())
			req.Header.Set(RequestIDHeader, uuid.NewString())
		}
		return sizeLimited.RoundTrip(req)
	})

	return &Conn{
		pool:      p,
		client:    &http.Client{Transport: withRequestID},
		transport: transport,
		createdAt: time.Now(),
	}
}

// roundTripperFunc is a function adapter for http.RoundTripper.
type roundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip implements http.RoundTripper.
func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
