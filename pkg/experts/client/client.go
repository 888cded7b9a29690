// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package client provides the NetworkClient used to reach domain expert
// services over HTTP.
//
// Each service gets its own connection pool and circuit breaker for the
// lifetime of the Client. Tool calls and resource reads are retried with
// exponential backoff on transport failures, timeouts and 5xx responses, and
// every attempt is gated by the service's circuit breaker.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/stacklok/experthub/pkg/experts"
	"github.com/stacklok/experthub/pkg/experts/health"
	"github.com/stacklok/experthub/pkg/experts/pool"
)

// ErrClientClosed is wrapped by connection errors returned after Close.
var ErrClientClosed = errors.New("client closed")

// Default per-service settings.
const (
	DefaultToolTimeout     = 30 * time.Second
	DefaultResourceTimeout = 60 * time.Second
	DefaultMaxRetries      = 3
	DefaultRetryDelay      = time.Second

	// maxRetryCount caps retries to prevent unbounded retry loops.
	maxRetryCount = 10
)

// ServiceSettings holds the per-service tuning of a Client.
// Start from DefaultServiceSettings and override fields.
type ServiceSettings struct {
	// ToolTimeout is the per-attempt timeout of tool calls and status checks.
	ToolTimeout time.Duration

	// ResourceTimeout is the per-attempt timeout of resource reads.
	ResourceTimeout time.Duration

	// MaxRetries is the number of retries after the first attempt. Zero disables retries.
	MaxRetries int

	// RetryDelay is the initial backoff interval between attempts.
	RetryDelay time.Duration

	// MaxConnections bounds the service's connection pool.
	MaxConnections int

	// Prewarm opens and exercises one connection on connect.
	Prewarm bool

	// CircuitBreaker configures the service's breaker.
	CircuitBreaker health.Config

	// RequestsPerSecond limits call admission. Zero disables rate limiting.
	RequestsPerSecond float64

	// Burst is the rate limiter bucket size. Defaults to 1 when limiting is enabled.
	Burst int
}

// DefaultServiceSettings returns the defaults: 30s tool timeout, 60s resource
// timeout, 3 retries, 10 pooled connections with pre-warming, 3 failures / 60s breaker.
func DefaultServiceSettings() ServiceSettings {
	return ServiceSettings{
		ToolTimeout:     DefaultToolTimeout,
		ResourceTimeout: DefaultResourceTimeout,
		MaxRetries:      DefaultMaxRetries,
		RetryDelay:      DefaultRetryDelay,
		MaxConnections:  pool.DefaultMaxConnections,
		Prewarm:         true,
		CircuitBreaker:  health.DefaultConfig(),
	}
}

// normalize replaces out-of-range values with defaults.
func (s ServiceSettings) normalize() ServiceSettings {
	d := DefaultServiceSettings()
	if s.ToolTimeout <= 0 {
		s.ToolTimeout = d.ToolTimeout
	}
	if s.ResourceTimeout <= 0 {
		s.ResourceTimeout = d.ResourceTimeout
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = d.MaxRetries
	}
	if s.MaxRetries > maxRetryCount {
		s.MaxRetries = maxRetryCount
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = d.RetryDelay
	}
	if s.MaxConnections < 1 {
		s.MaxConnections = d.MaxConnections
	}
	if s.RequestsPerSecond > 0 && s.Burst < 1 {
		s.Burst = 1
	}
	return s
}

// Client executes RPCs against logically named services.
// It is safe for concurrent use.
type Client struct {
	discovery experts.ServiceDiscovery
	logger    *slog.Logger

	defaults  ServiceSettings
	overrides map[string]ServiceSettings
	listeners []health.StateChangeListener

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	telemetry      *instruments

	mu       sync.Mutex
	services map[string]*service
	closed   bool
}

// service is the per-service state owned by a Client.
type service struct {
	name     string
	settings ServiceSettings
	breaker  *health.CircuitBreaker
	limiter  *rate.Limiter

	// connectMu serializes connection setup.
	connectMu sync.Mutex

	mu      sync.Mutex
	baseURL string
	pool    *pool.Pool
}

func (s *service) connection() (*pool.Pool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool, s.baseURL
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDefaults sets the settings used by services without an override.
func WithDefaults(s ServiceSettings) Option {
	return func(c *Client) {
		c.defaults = s
	}
}

// WithServiceSettings overrides the settings of one service.
func WithServiceSettings(name string, s ServiceSettings) Option {
	return func(c *Client) {
		c.overrides[name] = s
	}
}

// WithStateChangeListener registers a listener on every breaker the client creates.
func WithStateChangeListener(l health.StateChangeListener) Option {
	return func(c *Client) {
		if l != nil {
			c.listeners = append(c.listeners, l)
		}
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider. Defaults to noop.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Client) {
		if mp != nil {
			c.meterProvider = mp
		}
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider. Defaults to noop.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracerProvider = tp
		}
	}
}

// New creates a Client resolving services through discovery.
func New(discovery experts.ServiceDiscovery, opts ...Option) (*Client, error) {
	if discovery == nil {
		return nil, fmt.Errorf("service discovery is required")
	}

	c := &Client{
		discovery:      discovery,
		logger:         slog.Default(),
		defaults:       DefaultServiceSettings(),
		overrides:      make(map[string]ServiceSettings),
		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
		services:       make(map[string]*service),
	}
	for _, opt := range opts {
		opt(c)
	}

	inst, err := newInstruments(c.meterProvider, c.tracerProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create client telemetry: %w", err)
	}
	c.telemetry = inst
	return c, nil
}

// Breaker returns the circuit breaker guarding a service, creating the
// service's state if needed. It returns nil once the client is closed.
func (c *Client) Breaker(name string) *health.CircuitBreaker {
	svc, err := c.service(name)
	if err != nil {
		return nil
	}
	return svc.breaker
}

// State returns the circuit state of a service.
func (c *Client) State(name string) experts.CircuitState {
	if cb := c.Breaker(name); cb != nil {
		return cb.State()
	}
	return experts.CircuitClosed
}

// BaseURL returns the resolved base URL of a connected service.
func (c *Client) BaseURL(name string) (string, bool) {
	c.mu.Lock()
	svc, ok := c.services[name]
	c.mu.Unlock()
	if !ok {
		return "", false
	}
	p, baseURL := svc.connection()
	return baseURL, p != nil
}

// PoolStats returns the connection pool usage of a connected service.
func (c *Client) PoolStats(name string) (pool.Stats, bool) {
	c.mu.Lock()
	svc, ok := c.services[name]
	c.mu.Unlock()
	if !ok {
		return pool.Stats{}, false
	}
	p, _ := svc.connection()
	if p == nil {
		return pool.Stats{}, false
	}
	return p.Stats(), true
}

// service returns the state of a service, creating it on first use.
// The breaker is created here so it outlives failed connection attempts.
func (c *Client) service(name string) (*service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, experts.NewError(experts.KindConnection, name, "", ErrClientClosed)
	}
	if svc, ok := c.services[name]; ok {
		return svc, nil
	}

	settings, ok := c.overrides[name]
	if !ok {
		settings = c.defaults
	}
	settings = settings.normalize()

	breakerOpts := []health.Option{
		health.WithLogger(c.logger),
		health.WithStateChangeListener(func(service string, from, to experts.CircuitState) {
			c.telemetry.transitioned(service, from, to)
		}),
	}
	for _, l := range c.listeners {
		breakerOpts = append(breakerOpts, health.WithStateChangeListener(l))
	}

	svc := &service{
		name:     name,
		settings: settings,
		breaker:  health.NewCircuitBreaker(name, settings.CircuitBreaker, breakerOpts...),
	}
	if settings.RequestsPerSecond > 0 {
		svc.limiter = rate.NewLimiter(rate.Limit(settings.RequestsPerSecond), settings.Burst)
	}
	c.services[name] = svc
	return svc, nil
}

// Connect resolves the service's base URL and creates its connection pool.
// It is idempotent: once a service is connected, further calls return nil
// without any discovery lookup or network activity.
func (c *Client) Connect(ctx context.Context, name string) (retErr error) {
	ctx, done := c.telemetry.record(ctx, opConnect, name, "", &retErr)
	defer done()

	_, err := c.connect(ctx, name)
	return err
}

// connect returns the service state, connecting lazily.
func (c *Client) connect(ctx context.Context, name string) (*service, error) {
	svc, err := c.service(name)
	if err != nil {
		return nil, err
	}

	svc.connectMu.Lock()
	defer svc.connectMu.Unlock()

	if p, _ := svc.connection(); p != nil {
		return svc, nil
	}

	baseURL, err := c.discovery.Resolve(ctx, name)
	if err != nil {
		return nil, experts.NewError(experts.KindConnection, name, "",
			fmt.Errorf("service discovery failed: %w", err))
	}
	if baseURL == "" {
		return nil, experts.NewError(experts.KindServiceNotFound, name, "", nil)
	}
	baseURL, err = normalizeBaseURL(baseURL)
	if err != nil {
		return nil, experts.NewError(experts.KindConnection, name, "", err)
	}

	p := pool.New(baseURL,
		pool.WithMaxConnections(svc.settings.MaxConnections),
		pool.WithPrewarm(svc.settings.Prewarm),
		pool.WithWarmUp(c.warmUp(svc, baseURL)),
		pool.WithLogger(c.logger.With("service", name)),
	)
	p.Initialize(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = p.Close()
		return nil, experts.NewError(experts.KindConnection, name, "", ErrClientClosed)
	}
	svc.mu.Lock()
	svc.pool = p
	svc.baseURL = baseURL
	svc.mu.Unlock()

	c.logger.Debug("connected to expert service", "service", name, "url", baseURL)
	return svc, nil
}

// warmUp exercises a fresh pooled connection with a health check.
func (c *Client) warmUp(svc *service, baseURL string) pool.WarmUpFunc {
	return func(ctx context.Context, conn *pool.Conn) error {
		_, err := c.fetch(ctx, svc, conn, baseURL, "/status", svc.settings.ToolTimeout)
		return err
	}
}

// Close closes every pool the client owns. Calling Close more than once is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	services := make([]*service, 0, len(c.services))
	for _, svc := range c.services {
		services = append(services, svc)
	}
	c.mu.Unlock()

	var errs []error
	for _, svc := range services {
		p, _ := svc.connection()
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close pool for %s: %w", svc.name, err))
		}
	}
	return errors.Join(errs...)
}

func normalizeBaseURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid base URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid base URL %q: missing host", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}
