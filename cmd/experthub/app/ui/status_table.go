// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ui renders CLI output.
package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/stacklok/experthub/pkg/experts"
)

// maxErrorWidth truncates long errors in the table.
const maxErrorWidth = 60

// RenderStatusTable renders the expert status table to w.
func RenderStatusTable(w io.Writer, statuses []experts.ExpertStatus) error {
	if len(statuses) == 0 {
		_, err := fmt.Fprintln(w, "No experts configured.")
		return err
	}

	headers := []string{"Expert", "Type", "Available", "Circuit", "Capabilities", "Last Error"}
	table := tablewriter.NewWriter(w)
	table.Options(
		tablewriter.WithHeader(headers),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(len(headers), tw.AlignLeft)),
	)

	for _, s := range statuses {
		available := "❌ No"
		if s.Available {
			available = "✅ Yes"
		}
		if err := table.Append([]string{
			s.Name,
			s.Type,
			available,
			string(s.State),
			strings.Join(s.Capabilities, ", "),
			shorten(s.LastError),
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

func shorten(s string) string {
	if len(s) <= maxErrorWidth {
		return s
	}
	return s[:maxErrorWidth-3] + "..."
}
