// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package provider

import (
	"context"
)

// Provider is the model-provider collaborator used for follow-up turns.
type Provider interface {
	Name() string
	// PayloadMode tells the payload builder which vision representation the
	// provider consumes.
	PayloadMode() PayloadMode
	Capabilities(model string) (ModelCapabilities, bool)
	SubmitTurn(ctx context.Context, req TurnRequest) (*TurnResponse, error)
	Close() error
}

// PayloadMode is the closed set of vision payload shapes.
type PayloadMode string

const (
	// PayloadInline carries base64 image bytes in the request.
	PayloadInline PayloadMode = "inline"
	// PayloadReference carries file identifiers the backend resolves itself.
	PayloadReference PayloadMode = "reference"
)

// Valid reports whether m is a supported payload mode.
func (m PayloadMode) Valid() bool {
	return m == PayloadInline || m == PayloadReference
}

// MessageRole defines the role of a message sender.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
	MessageRoleTool      MessageRole = "tool"
)

// CanonicalRole maps the role aliases chat frontends send onto the four
// roles adapters understand. It reports false for roles with no equivalent.
func CanonicalRole(r MessageRole) (MessageRole, bool) {
	switch r {
	case MessageRoleUser, MessageRoleAssistant, MessageRoleSystem, MessageRoleTool:
		return r, true
	case "developer":
		return MessageRoleSystem, true
	case "function", "ipython":
		return MessageRoleTool, true
	}
	return "", false
}

// Message represents a conversation message.
type Message struct {
	Role     MessageRole
	Content  string
	Metadata map[string]any
}

// InlineImage is one base64-encoded image of an inline payload.
type InlineImage struct {
	FileID   string
	MIMEType string
	Base64   string
}

// FileReference points at a registered file for reference-mode providers.
type FileReference struct {
	ID       string
	URL      string
	MIMEType string
	Name     string
}

// VisionPayload is the provider-shaped image set of a follow-up turn.
// Exactly one of Images or Files is populated, matching Mode.
type VisionPayload struct {
	Mode   PayloadMode
	Images []InlineImage
	Files  []FileReference
}

// Len returns the number of images carried by the payload.
func (v VisionPayload) Len() int {
	if v.Mode == PayloadReference {
		return len(v.Files)
	}
	return len(v.Images)
}

// Base64 returns the inline image strings in payload order.
func (v VisionPayload) Base64() []string {
	out := make([]string, 0, len(v.Images))
	for _, img := range v.Images {
		out = append(out, img.Base64)
	}
	return out
}

// TurnFlags qualify a submitted turn.
type TurnFlags struct {
	// SystemTriggered marks turns the gateway issued on its own. Such turns
	// never carry tool definitions and are tagged so the tool layer does not
	// run tools from them.
	SystemTriggered bool
}

// TurnRequest is a follow-up model turn.
type TurnRequest struct {
	Model   string
	ChatID  string
	TurnID  string
	History []Message
	Prompt  Message
	Vision  VisionPayload
	Flags   TurnFlags
	// Token is forwarded by backends that authenticate per user.
	Token string
}

// TurnResponse is the provider's answer to a follow-up turn.
type TurnResponse struct {
	Model   string
	Content string
}

// ModelCapabilities declares what a model supports.
type ModelCapabilities struct {
	SupportsTools  bool
	SupportsVision bool
}

// Metadata keys stamped on system-triggered turns.
const (
	MetadataLoopbackDone    = "loopback_done"
	MetadataSystemTriggered = "system_triggered"
)

// TurnMetadata returns the metadata map a backend attaches to req.
func TurnMetadata(req TurnRequest) map[string]any {
	md := map[string]any{}
	for k, v := range req.Prompt.Metadata {
		md[k] = v
	}
	if req.Flags.SystemTriggered {
		md[MetadataLoopbackDone] = true
		md[MetadataSystemTriggered] = true
	}
	return md
}
