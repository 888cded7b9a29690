// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package hub provides the IntegrationHub: the single façade over every
// configured domain expert service.
//
// The hub owns one network client, circuit breaker and status record per
// service. It connects to all services concurrently at startup, isolating
// failures per service, and exposes listing, status, tool invocation and
// resource reads to upstream layers.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/experthub/pkg/experts"
	"github.com/stacklok/experthub/pkg/experts/client"
	"github.com/stacklok/experthub/pkg/experts/config"
	"github.com/stacklok/experthub/pkg/experts/health"
)

// Hub is the IntegrationHub. Create it once at process start with New and
// pass it to whatever needs it. It is safe for concurrent use.
type Hub struct {
	logger  *slog.Logger
	names   []string
	experts map[string]*expert
	monitor *monitor

	listeners      []health.StateChangeListener
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger used by the hub and its clients.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithStateChangeListener registers a listener for every service's breaker transitions.
func WithStateChangeListener(l health.StateChangeListener) Option {
	return func(h *Hub) {
		if l != nil {
			h.listeners = append(h.listeners, l)
		}
	}
}

// WithMeterProvider sets the meter provider passed to every client.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(h *Hub) {
		h.meterProvider = mp
	}
}

// WithTracerProvider sets the tracer provider passed to every client.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(h *Hub) {
		h.tracerProvider = tp
	}
}

// New creates a hub for the configured services. The configuration must have
// been defaulted and validated. Services are resolved through discovery.
func New(cfg *config.Config, discovery experts.ServiceDiscovery, opts ...Option) (*Hub, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration is nil", experts.ErrInvalidConfig)
	}
	if discovery == nil {
		return nil, fmt.Errorf("service discovery is required")
	}

	h := &Hub{
		logger:  slog.Default(),
		experts: make(map[string]*expert, len(cfg.Services)),
	}
	for _, opt := range opts {
		opt(h)
	}

	for i := range cfg.Services {
		svc := &cfg.Services[i]
		if _, dup := h.experts[svc.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate service %q", experts.ErrInvalidConfig, svc.Name)
		}

		cl, err := client.New(discovery, h.clientOptions(svc)...)
		if err != nil {
			h.closeClients()
			return nil, fmt.Errorf("failed to create client for %s: %w", svc.Name, err)
		}
		h.experts[svc.Name] = newExpert(svc.Name, svc.Type, cl)
		h.names = append(h.names, svc.Name)
	}
	slices.Sort(h.names)

	if interval := time.Duration(cfg.StatusRefreshInterval); interval > 0 {
		h.monitor = newMonitor(h, interval)
	}
	return h, nil
}

func (h *Hub) clientOptions(svc *config.ServiceConfig) []client.Option {
	opts := []client.Option{
		client.WithLogger(h.logger.With("service", svc.Name)),
		client.WithDefaults(svc.ClientSettings()),
		client.WithStateChangeListener(func(service string, from, to experts.CircuitState) {
			h.logger.Info("expert circuit state changed", "service", service, "from", from, "to", to)
		}),
	}
	for _, l := range h.listeners {
		opts = append(opts, client.WithStateChangeListener(l))
	}
	if h.meterProvider != nil {
		opts = append(opts, client.WithMeterProvider(h.meterProvider))
	}
	if h.tracerProvider != nil {
		opts = append(opts, client.WithTracerProvider(h.tracerProvider))
	}
	return opts
}

// Startup connects to every service concurrently and records the outcome in
// each service's status. A service that fails to connect is reported as
// unavailable; startup itself never fails. The status monitor is started
// when a refresh interval is configured.
func (h *Hub) Startup(ctx context.Context) {
	h.logger.Info("starting integration hub", "services", len(h.names))

	var g errgroup.Group
	for _, name := range h.names {
		e := h.experts[name]
		g.Go(func() error {
			h.handshake(ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	available := 0
	for _, name := range h.names {
		if h.experts[name].snapshot().Available {
			available++
		}
	}
	h.logger.Info("integration hub started", "available", available, "services", len(h.names))

	if h.monitor != nil {
		if err := h.monitor.start(context.WithoutCancel(ctx)); err != nil {
			h.logger.Warn("status monitor not started", "error", err)
		}
	}
}

// handshake connects a service and refreshes its capabilities.
func (h *Hub) handshake(ctx context.Context, e *expert) {
	if err := e.client.Connect(ctx, e.name); err != nil {
		h.logger.Warn("failed to connect to expert", "service", e.name, "error", err)
		e.markFailed(err)
		return
	}
	hs, err := e.client.Handshake(ctx, e.name)
	if err != nil {
		h.logger.Warn("expert handshake failed", "service", e.name, "error", err)
		e.markFailed(err)
		return
	}
	e.markHealthy(hs)
	h.logger.Debug("expert connected", "service", e.name, "capabilities", len(hs.Capabilities))
}

// Shutdown stops the status monitor and closes every client concurrently.
// Close failures are logged, not returned; an error is returned only when
// ctx ends before every client has closed.
func (h *Hub) Shutdown(ctx context.Context) error {
	if h.monitor != nil {
		h.monitor.stop()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.closeClients()
	}()

	select {
	case <-done:
		h.logger.Info("integration hub stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown interrupted: %w", ctx.Err())
	}
}

func (h *Hub) closeClients() {
	var g errgroup.Group
	for name, e := range h.experts {
		g.Go(func() error {
			if err := e.client.Close(); err != nil {
				h.logger.Warn("failed to close expert client", "service", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ListExperts returns the configured service names, sorted.
func (h *Hub) ListExperts() []string {
	return slices.Clone(h.names)
}

// Endpoints returns the endpoint of every service, in name order.
func (h *Hub) Endpoints() []experts.ServiceEndpoint {
	out := make([]experts.ServiceEndpoint, 0, len(h.names))
	for _, name := range h.names {
		out = append(out, h.experts[name].endpoint())
	}
	return out
}

// GetExpertStatus refreshes and returns the status of every service.
// Services whose circuit is open are not checked.
func (h *Hub) GetExpertStatus(ctx context.Context) map[string]experts.ExpertStatus {
	h.refresh(ctx)
	return h.Statuses()
}

// Statuses returns the last known status of every service without probing.
func (h *Hub) Statuses() map[string]experts.ExpertStatus {
	out := make(map[string]experts.ExpertStatus, len(h.experts))
	for name, e := range h.experts {
		out[name] = e.snapshot()
	}
	return out
}

// refresh checks every service whose circuit is not open, concurrently.
func (h *Hub) refresh(ctx context.Context) {
	var g errgroup.Group
	for _, e := range h.experts {
		if e.client.State(e.name) == experts.CircuitOpen {
			continue
		}
		g.Go(func() error {
			h.handshake(ctx, e)
			return nil
		})
	}
	_ = g.Wait()
}

func (h *Hub) lookup(name string) (*expert, error) {
	e, ok := h.experts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", experts.ErrUnknownExpert, name)
	}
	return e, nil
}

// InvokeExpertTool calls a tool on a configured service.
//
// An unconfigured name yields experts.ErrUnknownExpert without any network
// activity. Errors from the network client are returned as is; anything
// outside the error taxonomy is wrapped in an *ExpertError.
func (h *Hub) InvokeExpertTool(
	ctx context.Context, service, tool string, args map[string]any, opts ...client.CallOption,
) (*experts.ToolResult, error) {
	e, err := h.lookup(service)
	if err != nil {
		return nil, err
	}

	result, err := e.client.CallTool(ctx, service, tool, args, opts...)
	e.record(err)
	if err != nil {
		h.logger.Debug("expert tool call failed", "service", service, "tool", tool, "error", err)
		return nil, wrap(service, tool, err)
	}
	return result, nil
}

// ReadExpertResource reads a resource from a configured service.
//
// The uri has the form name[/id][?query]. A single streamed frame is
// returned as a bare value; several frames are returned as an ordered list.
func (h *Hub) ReadExpertResource(ctx context.Context, service, uri string) (any, error) {
	e, err := h.lookup(service)
	if err != nil {
		return nil, err
	}

	resource, opts, err := parseResourceURI(uri)
	if err != nil {
		return nil, wrap(service, uri, err)
	}

	value, err := e.client.GetResource(ctx, service, resource, opts...)
	e.record(err)
	if err != nil {
		h.logger.Debug("expert resource read failed", "service", service, "uri", uri, "error", err)
		return nil, wrap(service, uri, err)
	}
	return value, nil
}

// errEmptyResource is returned for a resource URI without a name.
var errEmptyResource = errors.New("resource name is required")

// parseResourceURI splits name[/id][?query] into the resource name and options.
// The path is split by hand so names such as "notes:today" are not taken for
// a URI scheme.
func parseResourceURI(uri string) (string, []client.ResourceOption, error) {
	path, rawQuery, _ := strings.Cut(uri, "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", nil, fmt.Errorf("invalid resource query %q: %w", rawQuery, err)
	}

	name, id, _ := strings.Cut(strings.Trim(path, "/"), "/")
	if name == "" {
		return "", nil, errEmptyResource
	}

	var opts []client.ResourceOption
	if id != "" {
		opts = append(opts, client.WithResourceID(id))
	}
	if len(query) > 0 {
		opts = append(opts, client.WithParams(query))
	}
	return name, opts, nil
}
