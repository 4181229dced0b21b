// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package openwebui adapts an Open WebUI instance as file storage and as a
// reference-mode model provider. Uploads go through the same /api/v1/files/
// endpoint the UI uses, so loopback files get user-upload permissions.
package openwebui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/sigil-dev/loopback/internal/provider"
	"github.com/sigil-dev/loopback/internal/store"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

const defaultBaseURL = "http://localhost:8080"

// Config holds Open WebUI connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client implements store.FileStore and provider.Provider.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	caps    *provider.CapabilityTable
}

var (
	_ provider.Provider = (*Client)(nil)
	_ store.FileStore   = (*Client)(nil)
)

// New creates a Client. Returns an error if the API key is missing.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, sigilerr.New(sigilerr.CodeLoopbackUnconfigured, "openwebui: missing api key", sigilerr.FieldProvider("openwebui"))
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeConfigValidateInvalidValue, "openwebui: invalid base url %q", base)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Client{
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		caps:    provider.NewCapabilityTable(nil),
	}, nil
}

func (c *Client) Name() string { return "openwebui" }

func (c *Client) PayloadMode() provider.PayloadMode { return provider.PayloadReference }

func (c *Client) Capabilities(model string) (provider.ModelCapabilities, bool) {
	return c.caps.Lookup(model)
}

// CapabilityTable exposes the table for configuration overrides.
func (c *Client) CapabilityTable() *provider.CapabilityTable { return c.caps }

func (c *Client) Close() error { return nil }

// FileContentURL is the path the UI uses to render an uploaded file.
func FileContentURL(fileID string) string {
	return "/api/v1/files/" + url.PathEscape(fileID) + "/content"
}

func (c *Client) bearer(token string) string {
	if token != "" {
		return "Bearer " + token
	}
	return "Bearer " + c.apiKey
}

// Upload posts data as a multipart file, exactly as a user upload would.
func (c *Client) Upload(ctx context.Context, data []byte, mimeType string, auth store.AuthContext) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image"`)
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", sigilerr.Wrapf(err, sigilerr.CodeLoopbackUploadFailure, "openwebui: building upload")
	}
	if _, err := part.Write(data); err != nil {
		return "", sigilerr.Wrapf(err, sigilerr.CodeLoopbackUploadFailure, "openwebui: building upload")
	}
	if err := mw.Close(); err != nil {
		return "", sigilerr.Wrapf(err, sigilerr.CodeLoopbackUploadFailure, "openwebui: building upload")
	}

	endpoint := c.baseURL + "/api/v1/files/?process=false&process_in_background=false"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", sigilerr.Wrapf(err, sigilerr.CodeLoopbackUploadFailure, "openwebui: creating upload request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", c.bearer(auth.Token))

	raw, err := c.do(req)
	if err != nil {
		return "", sigilerr.Reclassify(err, sigilerr.CodeLoopbackUploadFailure, "openwebui: uploading file")
	}

	id := gjson.GetBytes(raw, "id").String()
	if id == "" {
		id = gjson.GetBytes(raw, "file_id").String()
	}
	if id == "" {
		return "", sigilerr.New(sigilerr.CodeLoopbackUploadFailure, "openwebui: upload response has no file id")
	}
	return id, nil
}

// ReadBytes downloads the content of a previously uploaded file.
func (c *Client) ReadBytes(ctx context.Context, fileID string, auth store.AuthContext) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+FileContentURL(fileID), nil)
	if err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeLoopbackPayloadBuildFailure, "openwebui: creating read request")
	}
	req.Header.Set("Authorization", c.bearer(auth.Token))

	raw, err := c.do(req)
	if err != nil {
		return nil, sigilerr.With(err, sigilerr.FieldFileID(fileID))
	}
	return raw, nil
}

type fileRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	URL  string `json:"url,omitempty"`
	Name string `json:"name,omitempty"`
}

type chatMessage struct {
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Files    []fileRef      `json:"files"`
	Metadata map[string]any `json:"metadata"`
	ChatID   string         `json:"chat_id,omitempty"`
	Stream   bool           `json:"stream"`
	ToolIDs  []string       `json:"tool_ids"`
}

// BuildRequest renders req into a /api/chat/completions body.
func BuildRequest(req provider.TurnRequest) ([]byte, error) {
	if req.Vision.Mode != provider.PayloadReference {
		return nil, sigilerr.Errorf(sigilerr.CodeProviderModeUnsupported, "openwebui: payload mode %q not supported", req.Vision.Mode)
	}

	md := provider.TurnMetadata(req)
	msgs := make([]chatMessage, 0, len(req.History)+1)
	for _, m := range req.History {
		msgs = append(msgs, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	msgs = append(msgs, chatMessage{Role: string(provider.MessageRoleUser), Content: req.Prompt.Content, Metadata: md})

	files := make([]fileRef, 0, len(req.Vision.Files))
	for _, f := range req.Vision.Files {
		files = append(files, fileRef{Type: "image", ID: f.ID, URL: f.URL, Name: f.Name})
	}

	body := chatRequest{
		Model:    req.Model,
		Messages: msgs,
		Files:    files,
		Metadata: md,
		ChatID:   req.ChatID,
		Stream:   false,
	}
	if req.Flags.SystemTriggered {
		body.ToolIDs = []string{}
	}
	return json.Marshal(body)
}

func (c *Client) SubmitTurn(ctx context.Context, req provider.TurnRequest) (*provider.TurnResponse, error) {
	body, err := BuildRequest(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeProviderRequestInvalid, "openwebui: creating request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", c.bearer(req.Token))

	raw, err := c.do(httpReq)
	if err != nil {
		return nil, sigilerr.With(err, sigilerr.FieldModel(req.Model))
	}

	return &provider.TurnResponse{
		Model:   gjson.GetBytes(raw, "model").String(),
		Content: gjson.GetBytes(raw, "choices.0.message.content").String(),
	}, nil
}

// RefreshModels loads /api/models and records each model's vision flag.
func (c *Client) RefreshModels(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/models", nil)
	if err != nil {
		return 0, sigilerr.Wrapf(err, sigilerr.CodeProviderRequestInvalid, "openwebui: creating models request")
	}
	req.Header.Set("Authorization", c.bearer(""))

	raw, err := c.do(req)
	if err != nil {
		return 0, err
	}

	n := 0
	gjson.GetBytes(raw, "data").ForEach(func(_, model gjson.Result) bool {
		id := model.Get("id").String()
		if id == "" {
			return true
		}
		c.caps.Set(id, provider.ModelCapabilities{
			SupportsVision: model.Get("info.meta.capabilities.vision").Bool(),
			SupportsTools:  len(model.Get("info.meta.toolIds").Array()) > 0,
		})
		n++
		return true
	})
	return n, nil
}

// do executes req and returns the body of a 2xx response.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeProviderUpstreamFailure, "openwebui: %s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeProviderUpstreamFailure, "openwebui: reading response")
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, sigilerr.New(sigilerr.CodeStoreFileNotFound, fmt.Sprintf("openwebui: %s not found", req.URL.Path))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, sigilerr.New(sigilerr.CodeStoreFileAccessDenied, fmt.Sprintf("openwebui: %s: status %d", req.URL.Path, resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		detail := gjson.GetBytes(raw, "detail").String()
		if detail == "" {
			detail = string(raw)
			if len(detail) > 200 {
				detail = detail[:200] + "..."
			}
		}
		return nil, sigilerr.New(sigilerr.CodeProviderUpstreamFailure, fmt.Sprintf("openwebui: %s: status %d: %s", req.URL.Path, resp.StatusCode, detail))
	}
	return raw, nil
}
