// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package google

import (
	"google.golang.org/genai"

	"github.com/sigil-dev/loopback/internal/provider"
)

// ConvertTurn exposes convertTurn for white-box testing.
var ConvertTurn = func(req provider.TurnRequest) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	return convertTurn(req)
}
