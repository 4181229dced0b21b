// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package openai

import (
	openaisdk "github.com/openai/openai-go"

	"github.com/sigil-dev/loopback/internal/provider"
)

// BuildParams exposes buildParams for white-box testing.
var BuildParams = func(req provider.TurnRequest) (openaisdk.ChatCompletionNewParams, error) {
	return buildParams(req)
}
