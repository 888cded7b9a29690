// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"

	"github.com/stacklok/experthub/pkg/api"
	"github.com/stacklok/experthub/pkg/experts/config"
	"github.com/stacklok/experthub/pkg/experts/discovery"
	"github.com/stacklok/experthub/pkg/experts/hub"
	"github.com/stacklok/experthub/pkg/telemetry"
)

const shutdownTimeout = 30 * time.Second

// newServeCmd creates the serve command for starting the admin API
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the expert hub",
		Long: `Start the expert hub: connect to every configured service concurrently and
serve the admin API. A service that cannot be reached is reported as
unavailable; it does not prevent the hub from starting.`,
		RunE: runServe,
	}

	cmd.Flags().String("address", "", "Admin API listen address (overrides server.address)")
	if err := viper.BindPFlag("address", cmd.Flags().Lookup("address")); err != nil {
		slog.Error(fmt.Sprintf("Error binding address flag: %v", err))
	}
	return cmd
}

// runServe implements the serve command logic
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var opts []hub.Option
	var metricsHandler http.Handler
	if tcfg, ok := telemetryConfig(cfg); ok {
		provider, err := telemetry.NewProvider(ctx, tcfg)
		if err != nil {
			return fmt.Errorf("failed to create telemetry provider: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				slog.Warn("failed to shut down telemetry provider", "error", err)
			}
		}()
		opts = append(opts,
			hub.WithMeterProvider(provider.MeterProvider()),
			hub.WithTracerProvider(provider.TracerProvider()),
		)
		metricsHandler = provider.Handler()
	}

	h, cleanup, err := startHub(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer cleanup()

	address := cfg.Server.Address
	if a := viper.GetString("address"); a != "" {
		address = a
	}

	router := api.NewRouter(h, api.WithLogger(slog.Default()), api.WithMetricsHandler(metricsHandler))
	return api.Serve(ctx, address, router, slog.Default())
}

// telemetryConfig maps the server settings to the telemetry provider
// configuration. It reports false when neither /metrics nor OTLP export is on.
func telemetryConfig(cfg *config.Config) (telemetry.Config, bool) {
	srv := cfg.Server
	if srv == nil || (!srv.Metrics && srv.Telemetry == nil) {
		return telemetry.Config{}, false
	}

	tcfg := telemetry.Config{
		ServiceName:           "experthub",
		ServiceVersion:        getVersion(),
		EnableMetricsPath:     srv.Metrics,
		IncludeRuntimeMetrics: srv.Metrics,
	}
	if t := srv.Telemetry; t != nil {
		tcfg.Endpoint = t.Endpoint
		tcfg.Headers = t.Headers
		tcfg.Insecure = t.Insecure
		tcfg.TracingEnabled = t.Tracing == nil || *t.Tracing
		tcfg.MetricsEnabled = t.Metrics == nil || *t.Metrics
		if t.SamplingRate != nil {
			tcfg.SamplingRate = *t.SamplingRate
		} else {
			tcfg.SamplingRate = config.DefaultSamplingRate
		}
	}
	return tcfg, true
}

// startHub builds discovery and the hub from cfg and runs startup. The
// returned cleanup shuts the hub down and releases discovery resources.
func startHub(ctx context.Context, cfg *config.Config, opts ...hub.Option) (*hub.Hub, func(), error) {
	chain, closeDiscovery, err := discovery.FromConfig(ctx, cfg, &env.OSReader{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create service discovery: %w", err)
	}

	opts = append([]hub.Option{hub.WithLogger(slog.Default())}, opts...)
	h, err := hub.New(cfg, chain, opts...)
	if err != nil {
		_ = closeDiscovery()
		return nil, nil, fmt.Errorf("failed to create hub: %w", err)
	}

	h.Startup(ctx)

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := h.Shutdown(shutdownCtx); err != nil {
			slog.Warn("hub shutdown incomplete", "error", err)
		}
		if err := closeDiscovery(); err != nil {
			slog.Warn("failed to close service discovery", "error", err)
		}
	}
	return h, cleanup, nil
}
