// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package config

import (
	"io"
	"log/slog"
	"strings"
)

// Logger builds the process logger. Level "off" discards everything.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	level, off := parseLevel(l.Level)
	if off {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, false
	case "info":
		return slog.LevelInfo, false
	case "error":
		return slog.LevelError, false
	case "off", "none", "disabled", "false", "0":
		return 0, true
	default:
		return slog.LevelWarn, false
	}
}
