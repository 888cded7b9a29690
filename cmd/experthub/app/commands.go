// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the experthub command-line application.
package app

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"

	"github.com/stacklok/experthub/pkg/experts/config"
)

// NewRootCmd creates a new root command for the experthub CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "experthub",
		DisableAutoGenTag: true,
		Short:             "Expert hub - resilient access to domain expert services",
		Long: `experthub reaches independently hosted domain expert services over HTTP.
It provides:

- Per-service connection pooling
- Circuit breaking and bounded retries with backoff
- Aggregation of streamed resource reads
- An admin API exposing status, tool invocation and resource reads`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			var opts []logging.Option
			if viper.GetBool("debug") {
				opts = append(opts, logging.WithLevel(slog.LevelDebug))
			}
			slog.SetDefault(logging.New(opts...))
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		slog.Error(fmt.Sprintf("Error binding debug flag: %v", err))
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to experthub configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		slog.Error(fmt.Sprintf("Error binding config flag: %v", err))
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newCallCmd())
	rootCmd.AddCommand(newReadCmd())
	rootCmd.AddCommand(newRegistryCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "experthub version: %s\n", getVersion())
		},
	}
}

// version is set at build time with -ldflags "-X .../app.version=...".
var version = "dev"

func getVersion() string {
	return version
}

// newValidateCmd creates the validate command for checking configuration
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the experthub configuration file for syntax and semantic errors.

This command checks:
- YAML syntax validity and unknown fields
- Service names, URLs and per-service settings
- Discovery configuration`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "✓ Configuration is valid")
			fmt.Fprintf(out, "  Services: %d\n", len(cfg.Services))
			for _, svc := range cfg.Services {
				target := svc.URL
				if target == "" {
					target = "(discovered)"
				}
				fmt.Fprintf(out, "    - %s %s\n", svc.Name, target)
			}
			if d := cfg.Discovery; d != nil {
				if d.Env != nil {
					fmt.Fprintln(out, "  Discovery: environment")
				}
				if d.Redis != nil {
					fmt.Fprintf(out, "  Discovery: redis %s\n", d.Redis.Addr)
				}
			}
			return nil
		},
	}
}

// loadConfig loads, defaults and validates the configuration named by --config.
func loadConfig() (*config.Config, error) {
	configPath := viper.GetString("config")
	if configPath == "" {
		return nil, fmt.Errorf("no configuration file specified, use --config flag")
	}

	slog.Debug("loading configuration", "path", configPath)

	cfg, err := config.NewYAMLLoader(configPath, &env.OSReader{}).Load()
	if err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}

	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}
