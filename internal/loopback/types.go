// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package loopback decides whether a tool result that carries images should
// be looped back to the model, and runs the follow-up turn when it should.
package loopback

import (
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/sigil-dev/loopback/internal/provider"
	"github.com/sigil-dev/loopback/internal/store"
)

// Defaults for the operator-facing valves.
const (
	DefaultMaxBytes  int64 = 8 * 1024 * 1024
	DefaultMaxImages       = 2
	DefaultTool            = "generate_image"
	DefaultTimeout         = 30 * time.Second
	DefaultPrompt          = "Analyze the attached generated image. If it contains text, transcribe it. " +
		"If it contains people, describe posture, expressions, and notable details. " +
		"Then continue the task."
)

// DefaultMIMETypes is the default image allowlist.
var DefaultMIMETypes = []string{"image/png", "image/jpeg", "image/webp"}

// FailurePolicy decides what a failed dispatch leaves behind.
type FailurePolicy string

const (
	// FailureRetry releases the claim so a later tool result in the same
	// turn may try again.
	FailureRetry FailurePolicy = "retry"
	// FailureSuppress records a failed marker that blocks further attempts.
	FailureSuppress FailurePolicy = "suppress"
)

// Valid reports whether p is a known policy.
func (p FailurePolicy) Valid() bool {
	return p == FailureRetry || p == FailureSuppress
}

// Config is the immutable configuration snapshot for one decision.
type Config struct {
	Enabled          bool
	AllowedTools     []string
	AllowedMIMETypes []string
	MaxBytes         int64
	MaxImages        int
	PromptTemplate   string
	AllowURLFetch    bool
	BaseURL          string
	Credential       string
	FailurePolicy    FailurePolicy
	Timeout          time.Duration
}

// DefaultConfig returns the valve defaults. Loopback is disabled.
func DefaultConfig() Config {
	return Config{
		AllowedTools:     []string{DefaultTool},
		AllowedMIMETypes: append([]string(nil), DefaultMIMETypes...),
		MaxBytes:         DefaultMaxBytes,
		MaxImages:        DefaultMaxImages,
		PromptTemplate:   DefaultPrompt,
		FailurePolicy:    FailureRetry,
		Timeout:          DefaultTimeout,
	}
}

func (c Config) toolAllowed(name string) bool {
	return lo.Contains(c.AllowedTools, strings.TrimSpace(name))
}

func (c Config) mimeAllowed(mimeType string) bool {
	return lo.ContainsBy(c.AllowedMIMETypes, func(allowed string) bool {
		return NormalizeMIME(allowed) == mimeType
	})
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// claimLease is how long a pending claim blocks other workers. A claim
// covers one dispatch plus the attachment and marker writes after it.
func (c Config) claimLease() time.Duration {
	return 2 * c.timeout()
}

func (c Config) policy() FailurePolicy {
	if c.FailurePolicy == FailureSuppress {
		return FailureSuppress
	}
	return FailureRetry
}

// ImagePayload is one image candidate from a tool result.
type ImagePayload struct {
	Data     []byte
	MIMEType string
	// Size is the byte length used for gating. It may exceed len(Data) when
	// a fetch stopped reading at the size limit.
	Size int64
	// URL is set when the tool declared the image by address only.
	URL    string
	Source string
}

// NewImage builds a payload from raw bytes and a declared MIME type. An empty
// MIME type is sniffed from the content.
func NewImage(data []byte, mimeType string) ImagePayload {
	mt := NormalizeMIME(mimeType)
	if mt == "" {
		mt = SniffMIME(data)
	}
	return ImagePayload{Data: data, MIMEType: mt, Size: int64(len(data))}
}

// ToolResult is the output of one tool invocation.
type ToolResult struct {
	ToolName string
	Images   []ImagePayload
	// Fields holds the non-image fields, passed through untouched.
	Fields map[string]any
}

// Turn identifies the conversation turn a tool result belongs to.
type Turn struct {
	ID      string
	ChatID  string
	Model   string
	History []provider.Message
	Auth    store.AuthContext
	// LoopbackDone is set when the inbound request already carries the
	// loopback marker, which is the case for the follow-up's own outlet.
	LoopbackDone bool
}

// RegisteredFile is an image uploaded through the file storage pathway.
type RegisteredFile struct {
	FileID   string
	Hash     string
	MIMEType string
	Size     int64
}
