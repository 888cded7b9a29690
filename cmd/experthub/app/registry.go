// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/stacklok/toolhive-core/env"

	"github.com/stacklok/experthub/pkg/experts/discovery"
)

var errNoRedisDiscovery = errors.New("configuration has no discovery.redis section")

// newRegistryCmd creates the registry command group managing the Redis service registry
func newRegistryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Manage the Redis service registry",
		Long: `Manage the Redis hash that maps service names to base URLs.
Services registered here are resolved by the hub when discovery.redis is configured.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "register <service> <url>",
		Short: "Publish the base URL of a service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(r *discovery.Redis) error {
				if err := r.Register(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Registered %s at %s\n", args[0], args[1])
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "deregister <service>",
		Short: "Remove a service from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(r *discovery.Redis) error {
				if err := r.Deregister(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deregistered %s\n", args[0])
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRegistry(cmd.Context(), func(r *discovery.Redis) error {
				services, err := r.Services(cmd.Context())
				if err != nil {
					return err
				}
				names := make([]string, 0, len(services))
				for name := range services {
					names = append(names, name)
				}
				slices.Sort(names)
				for _, name := range names {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, services[name])
				}
				return nil
			})
		},
	})

	return cmd
}

// withRegistry connects the configured Redis registry and runs fn against it.
func withRegistry(ctx context.Context, fn func(*discovery.Redis) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Discovery == nil || cfg.Discovery.Redis == nil {
		return errNoRedisDiscovery
	}

	r, err := discovery.RedisFromConfig(ctx, cfg.Discovery.Redis, &env.OSReader{})
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	return fn(r)
}
