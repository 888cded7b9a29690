// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stacklok/experthub/cmd/experthub/app/ui"
	"github.com/stacklok/experthub/pkg/experts"
)

// Output formats.
const (
	formatTable = "table"
	formatJSON  = "json"
)

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Connect to every configured service and show its status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != formatTable && format != formatJSON {
				return fmt.Errorf("invalid format %q, must be %s or %s", format, formatTable, formatJSON)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			h, cleanup, err := startHub(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			statuses := h.Statuses()
			if format == formatJSON {
				return printJSON(cmd.OutOrStdout(), statuses)
			}
			return ui.RenderStatusTable(cmd.OutOrStdout(), sortedStatuses(statuses))
		},
	}
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format (table or json)")
	return cmd
}

// newCallCmd creates the call command
func newCallCmd() *cobra.Command {
	var rawArgs string

	cmd := &cobra.Command{
		Use:   "call <service> <tool>",
		Short: "Invoke a tool on a domain expert service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs map[string]any
			if strings.TrimSpace(rawArgs) != "" {
				if err := json.Unmarshal([]byte(rawArgs), &toolArgs); err != nil {
					return fmt.Errorf("--args must be a JSON object: %w", err)
				}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			h, cleanup, err := startHub(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := h.InvokeExpertTool(cmd.Context(), args[0], args[1], toolArgs)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result.Value)
		},
	}
	cmd.Flags().StringVar(&rawArgs, "args", "", "Tool arguments as a JSON object")
	return cmd
}

// newReadCmd creates the read command
func newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <service> <resource[/id][?query]>",
		Short: "Read a resource from a domain expert service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			h, cleanup, err := startHub(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			value, err := h.ReadExpertResource(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), value)
		},
	}
}

func sortedStatuses(statuses map[string]experts.ExpertStatus) []experts.ExpertStatus {
	out := make([]experts.ExpertStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b experts.ExpertStatus) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
