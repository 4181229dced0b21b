// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package loopback_test

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/sigil-dev/loopback/internal/loopback"
	"github.com/sigil-dev/loopback/internal/provider"
	"github.com/sigil-dev/loopback/internal/store"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerAll(t *testing.T, files *fakeFiles, blobs ...[]byte) []loopback.RegisteredFile {
	t.Helper()
	r := loopback.NewRegistrar(files)
	out := make([]loopback.RegisteredFile, 0, len(blobs))
	for _, b := range blobs {
		f, _, err := r.Register(context.Background(), loopback.NewImage(b, "image/png"), owner)
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

func TestBuildInlinePreservesOrder(t *testing.T) {
	files := newFakeFiles()
	blobs := [][]byte{pngOf(64, 1), pngOf(64, 2), pngOf(64, 3), pngOf(64, 4), pngOf(64, 5)}
	registered := registerAll(t, files, blobs...)

	b := loopback.NewPayloadBuilder(files)
	b.ReadConcurrency = 3
	payload, dropped, err := b.Build(context.Background(), registered, nil, provider.PayloadInline, owner)
	require.NoError(t, err)

	assert.Zero(t, dropped)
	assert.Equal(t, provider.PayloadInline, payload.Mode)
	require.Len(t, payload.Images, len(blobs))
	for i, img := range payload.Images {
		assert.Equal(t, registered[i].FileID, img.FileID)
		assert.Equal(t, base64.StdEncoding.EncodeToString(blobs[i]), img.Base64)
		assert.Equal(t, "image/png", img.MIMEType)
	}
}

func TestBuildInlineKeepsDuplicates(t *testing.T) {
	files := newFakeFiles()
	registered := registerAll(t, files, pngOf(64, 1))
	dup := []loopback.RegisteredFile{registered[0], registered[0]}

	payload, _, err := loopback.NewPayloadBuilder(files).Build(context.Background(), dup, nil, provider.PayloadInline, owner)
	require.NoError(t, err)
	assert.Equal(t, 2, payload.Len())
}

func TestBuildInlineDropsUnreadableFile(t *testing.T) {
	files := newFakeFiles()
	registered := registerAll(t, files, pngOf(64, 1), pngOf(64, 2), pngOf(64, 3))
	files.failRead(registered[1].FileID)

	payload, dropped, err := loopback.NewPayloadBuilder(files).Build(context.Background(), registered, nil, provider.PayloadInline, owner)
	require.NoError(t, err)

	assert.Equal(t, 1, dropped)
	require.Len(t, payload.Images, 2)
	assert.Equal(t, registered[0].FileID, payload.Images[0].FileID)
	assert.Equal(t, registered[2].FileID, payload.Images[1].FileID)
}

func TestBuildInlineAllUnreadable(t *testing.T) {
	files := newFakeFiles()
	registered := registerAll(t, files, pngOf(64, 1))
	files.failRead(registered[0].FileID)

	_, dropped, err := loopback.NewPayloadBuilder(files).Build(context.Background(), registered, nil, provider.PayloadInline, owner)
	require.Error(t, err)
	assert.Equal(t, 1, dropped)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeLoopbackPayloadBuildFailure))
}

func TestBuildInlineRespectsACL(t *testing.T) {
	files := newFakeFiles()
	registered := registerAll(t, files, pngOf(64, 1))

	_, _, err := loopback.NewPayloadBuilder(files).Build(context.Background(), registered, nil, provider.PayloadInline, store.AuthContext{UserID: "intruder"})
	require.Error(t, err)
}

func TestBuildReference(t *testing.T) {
	files := newFakeFiles()
	registered := registerAll(t, files, pngOf(64, 1), pngOf(64, 2))
	synth := loopback.Synthesizer{FileURL: func(id string) string { return "/files/" + id }}
	atts := []*store.Attachment{synth.Synthesize(registered[0], 0), synth.Synthesize(registered[1], 1)}

	payload, _, err := loopback.NewPayloadBuilder(files).Build(context.Background(), registered, atts, provider.PayloadReference, owner)
	require.NoError(t, err)

	assert.Zero(t, files.reads.Load(), "reference mode reads no bytes")
	require.Len(t, payload.Files, 2)
	assert.Equal(t, registered[0].FileID, payload.Files[0].ID)
	assert.Equal(t, "/files/"+registered[1].FileID, payload.Files[1].URL)
	assert.Equal(t, "generated-image-2.png", payload.Files[1].Name)
}

func TestBuildUnsupportedMode(t *testing.T) {
	_, _, err := loopback.NewPayloadBuilder(newFakeFiles()).Build(context.Background(), nil, nil, provider.PayloadMode("url"), owner)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeProviderModeUnsupported))
}

func TestSynthesizeLooksLikeUpload(t *testing.T) {
	att := loopback.Synthesizer{}.Synthesize(loopback.RegisteredFile{FileID: "f1", MIMEType: "image/jpeg", Size: 42}, 0)

	assert.NotEmpty(t, att.ID)
	assert.Equal(t, "image", att.Type)
	assert.Equal(t, "f1", att.FileID)
	assert.Equal(t, "image/jpeg", att.ContentType)
	assert.Equal(t, "generated-image-1.jpg", att.Name)
	assert.Equal(t, int64(42), att.Size)
	assert.Equal(t, store.AttachmentStatusUploaded, att.Status)
	assert.Empty(t, att.URL)
	assert.False(t, att.CreatedAt.IsZero())
}
