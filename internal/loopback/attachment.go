// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package loopback

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sigil-dev/loopback/internal/store"
)

// Synthesizer builds attachment records that look like user uploads.
type Synthesizer struct {
	// FileURL maps a file id to the URL the UI renders. Nil leaves URL empty.
	FileURL func(fileID string) string
	Now     func() time.Time
}

// Synthesize builds the record for the index-th image (0-based) of a batch.
func (s Synthesizer) Synthesize(file RegisteredFile, index int) *store.Attachment {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	att := &store.Attachment{
		ID:          uuid.NewString(),
		Type:        "image",
		FileID:      file.FileID,
		Name:        fmt.Sprintf("generated-image-%d%s", index+1, extensionFor(file.MIMEType)),
		ContentType: file.MIMEType,
		Size:        file.Size,
		Status:      store.AttachmentStatusUploaded,
		CreatedAt:   now().UTC(),
	}
	if s.FileURL != nil {
		att.URL = s.FileURL(file.FileID)
	}
	return att
}
