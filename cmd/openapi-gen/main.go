// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sigil-dev/loopback/internal/loopback"
	"github.com/sigil-dev/loopback/internal/server"
	"github.com/sigil-dev/loopback/internal/store"
	"github.com/sigil-dev/loopback/internal/store/inmem"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

func main() {
	spec, err := generateSpec()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	outPath := "api/openapi/loopback.json"
	if len(os.Args) > 1 {
		outPath = os.Args[1]
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error creating output dir: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(outPath, spec, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "error writing spec: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("OpenAPI document written to %s\n", outPath)
}

// generateSpec creates a server with every route registered and extracts the
// OpenAPI document huma derives from the handler types.
func generateSpec() ([]byte, error) {
	svc, err := server.NewServices(stubEngine{}, server.ValvesFunc(func(string) loopback.Config {
		return loopback.DefaultConfig()
	}), inmem.NewChatHistory(), server.PipelineInfo{}, nil)
	if err != nil {
		return nil, sigilerr.Wrap(err, sigilerr.CodeCLISetupFailure, "creating services")
	}

	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"}, svc)
	if err != nil {
		return nil, sigilerr.Wrap(err, sigilerr.CodeCLISetupFailure, "creating server")
	}
	defer func() { _ = srv.Close() }()

	return json.MarshalIndent(srv.API().OpenAPI(), "", "  ")
}

// stubEngine satisfies server.Engine for schema discovery. Handlers are
// never invoked.
type stubEngine struct{}

func (stubEngine) ProcessAll(context.Context, loopback.Config, loopback.Turn, []loopback.ToolResult) []loopback.Outcome {
	return nil
}

func (stubEngine) Evaluate(context.Context, loopback.Config, loopback.Turn, loopback.ToolResult) (loopback.Decision, error) {
	return loopback.Decision{}, nil
}

func (stubEngine) Marker(context.Context, string) (store.TurnMarker, error) {
	return store.TurnMarker{}, nil
}

func (stubEngine) Stats() *loopback.Stats { return &loopback.Stats{} }
