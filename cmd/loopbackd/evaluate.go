// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sigil-dev/loopback/internal/loopback"
	"github.com/sigil-dev/loopback/internal/server"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

func newEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate <body.json|->",
		Short: "Dry-run the eligibility gate against an outlet body",
		Long: "Parse an outlet request body, read the turn marker and print the gate decision for every " +
			"tool result. Nothing is uploaded or dispatched.",
		Args: cobra.ExactArgs(1),
		RunE: runEvaluate,
	}
	cmd.Flags().String("model", "", "evaluate as if the body named this model")
	return cmd
}

// evaluation is the printed result of the evaluate command.
type evaluation struct {
	TurnID    string                `json:"turn_id"`
	Model     string                `json:"model"`
	Decisions []server.DecisionView `json:"decisions"`
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	raw, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}
	env, err := loopback.ParseOutlet(raw)
	if err != nil {
		return sigilerr.Wrap(err, sigilerr.CodeCLIInputInvalid, "parsing outlet body")
	}
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		env.Turn.Model = model
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	d, err := WireDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	snap := cfg.Snapshot(env.Turn.Model)
	out := evaluation{TurnID: env.Turn.ID, Model: env.Turn.Model, Decisions: []server.DecisionView{}}
	for _, r := range env.Results {
		dec, err := d.Engine.Evaluate(ctx, snap, env.Turn, r)
		if err != nil {
			return err
		}
		out.Decisions = append(out.Decisions, server.DecisionView{
			Tool:     r.ToolName,
			Eligible: dec.Eligible,
			Reason:   dec.Reason,
			Selected: len(dec.Selected),
			Discards: dec.Discards,
		})
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// readInput reads a file argument, or stdin for "-".
func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		raw, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, sigilerr.Errorf(sigilerr.CodeCLIInputInvalid, "reading stdin: %w", err)
		}
		return raw, nil
	}
	raw, err := os.ReadFile(name)
	if err != nil {
		return nil, sigilerr.Errorf(sigilerr.CodeCLIInputInvalid, "reading %s: %w", name, err)
	}
	return raw, nil
}
