// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package loopback

import (
	"context"
	"encoding/base64"
	"log/slog"

	"github.com/sourcegraph/conc/iter"

	"github.com/sigil-dev/loopback/internal/provider"
	"github.com/sigil-dev/loopback/internal/store"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

// payloadStrategy builds one payload mode. It returns the payload and the
// number of files it had to drop.
type payloadStrategy func(ctx context.Context, files []RegisteredFile, atts []*store.Attachment, auth store.AuthContext) (provider.VisionPayload, int)

// PayloadBuilder turns registered files into a provider-shaped payload.
type PayloadBuilder struct {
	files      store.FileStore
	strategies map[provider.PayloadMode]payloadStrategy
	// ReadConcurrency bounds parallel byte reads in inline mode.
	ReadConcurrency int
}

// NewPayloadBuilder creates a builder that reads bytes from files.
func NewPayloadBuilder(files store.FileStore) *PayloadBuilder {
	b := &PayloadBuilder{files: files, ReadConcurrency: 4}
	b.strategies = map[provider.PayloadMode]payloadStrategy{
		provider.PayloadInline:    b.inline,
		provider.PayloadReference: b.reference,
	}
	return b
}

// Build renders files in the given order. atts may be nil; when set it is
// index-aligned with files and supplies display names and URLs. A file whose
// bytes cannot be read is dropped; if none remain the build fails.
func (b *PayloadBuilder) Build(ctx context.Context, files []RegisteredFile, atts []*store.Attachment, mode provider.PayloadMode, auth store.AuthContext) (provider.VisionPayload, int, error) {
	strategy, ok := b.strategies[mode]
	if !ok {
		return provider.VisionPayload{}, 0, sigilerr.Errorf(sigilerr.CodeProviderModeUnsupported, "unsupported payload mode %q", mode)
	}

	payload, dropped := strategy(ctx, files, atts, auth)
	if payload.Len() == 0 {
		return payload, dropped, sigilerr.New(sigilerr.CodeLoopbackPayloadBuildFailure, "no images left for vision payload")
	}
	return payload, dropped, nil
}

type readResult struct {
	image provider.InlineImage
	err   error
}

func (b *PayloadBuilder) inline(ctx context.Context, files []RegisteredFile, _ []*store.Attachment, auth store.AuthContext) (provider.VisionPayload, int) {
	mapper := iter.Mapper[RegisteredFile, readResult]{MaxGoroutines: b.ReadConcurrency}
	results := mapper.Map(files, func(f *RegisteredFile) readResult {
		data, err := b.files.ReadBytes(ctx, f.FileID, auth)
		if err != nil {
			return readResult{err: err}
		}
		return readResult{image: provider.InlineImage{
			FileID:   f.FileID,
			MIMEType: f.MIMEType,
			Base64:   base64.StdEncoding.EncodeToString(data),
		}}
	})

	payload := provider.VisionPayload{Mode: provider.PayloadInline}
	dropped := 0
	for i, r := range results {
		if r.err != nil {
			dropped++
			slog.Warn("loopback: dropping image from payload", "file_id", files[i].FileID, "error", r.err)
			continue
		}
		payload.Images = append(payload.Images, r.image)
	}
	return payload, dropped
}

func (b *PayloadBuilder) reference(_ context.Context, files []RegisteredFile, atts []*store.Attachment, _ store.AuthContext) (provider.VisionPayload, int) {
	payload := provider.VisionPayload{Mode: provider.PayloadReference}
	for i, f := range files {
		ref := provider.FileReference{ID: f.FileID, MIMEType: f.MIMEType}
		if i < len(atts) && atts[i] != nil {
			ref.URL = atts[i].URL
			ref.Name = atts[i].Name
		}
		payload.Files = append(payload.Files, ref)
	}
	return payload, 0
}
