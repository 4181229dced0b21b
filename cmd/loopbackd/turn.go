// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sigil-dev/loopback/internal/store"
)

func newTurnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "turn <id>",
		Short: "Show a turn's loopback marker and attachments",
		Args:  cobra.ExactArgs(1),
		RunE:  runTurn,
	}
}

func runTurn(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	stores, err := store.Open(store.Config{Backend: cfg.Storage.Backend, Path: cfg.Storage.Path})
	if err != nil {
		return err
	}
	defer func() { _ = stores.Close() }()

	id := args[0]
	marker, err := stores.Markers.GetTurnMarker(ctx, id)
	if err != nil {
		return err
	}
	atts, err := stores.History.ListAttachments(ctx, id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	state := string(marker.State)
	if marker.State == store.MarkerAbsent {
		state = "absent"
	}
	_, _ = fmt.Fprintf(out, "Turn:    %s\n", id)
	_, _ = fmt.Fprintf(out, "State:   %s\n", state)
	if !marker.UpdatedAt.IsZero() {
		_, _ = fmt.Fprintf(out, "Updated: %s\n", marker.UpdatedAt.Format(time.RFC3339))
	}
	if len(atts) == 0 {
		_, _ = fmt.Fprintln(out, "No attachments.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "FILE\tNAME\tTYPE\tSIZE\tURL")
	for _, a := range atts {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", a.FileID, a.Name, a.ContentType, a.Size, a.URL)
	}
	return tw.Flush()
}
