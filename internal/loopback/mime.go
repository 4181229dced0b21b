// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package loopback

import (
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// NormalizeMIME lowercases a MIME type and strips its parameters.
func NormalizeMIME(mimeType string) string {
	mt := strings.TrimSpace(mimeType)
	if mt == "" {
		return ""
	}
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		return parsed
	}
	base, _, _ := strings.Cut(mt, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// SniffMIME detects the MIME type of data. Empty input yields "".
func SniffMIME(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return NormalizeMIME(mimetype.Detect(data).String())
}

// extensionFor returns a file extension for mimeType, including the dot.
func extensionFor(mimeType string) string {
	if m := mimetype.Lookup(mimeType); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
