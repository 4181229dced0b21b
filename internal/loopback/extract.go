// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package loopback

import (
	"encoding/base64"
	"log/slog"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/sigil-dev/loopback/internal/provider"
	"github.com/sigil-dev/loopback/internal/store"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

const defaultImageMIME = "image/png"

// Envelope is a parsed outlet request.
type Envelope struct {
	// Body is the chat request body, returned unchanged to the caller.
	Body    []byte
	Turn    Turn
	Results []ToolResult
}

// ParseOutlet reads a filter outlet request. It accepts the bare chat body
// or the pipelines form {"body": {...}, "user": {...}}.
func ParseOutlet(raw []byte) (Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return Envelope{}, sigilerr.New(sigilerr.CodeLoopbackExtractInvalid, "request body is not valid JSON")
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Envelope{}, sigilerr.New(sigilerr.CodeLoopbackExtractInvalid, "request body must be a JSON object")
	}

	body, user := root, root.Get("user")
	if inner := root.Get("body"); inner.IsObject() {
		body = inner
	}

	env := Envelope{Body: []byte(body.Raw), Results: currentTurnResults(body)}
	env.Turn = parseTurn(body, user)
	return env, nil
}

// currentTurnResults extracts the tool results of the turn being answered:
// top-level fields of the body and the messages after the last user
// message. Results from earlier turns stay in the history untouched.
func currentTurnResults(body gjson.Result) []ToolResult {
	if tr, ok := toolResult(body); ok {
		return []ToolResult{tr}
	}

	var out []ToolResult
	body.ForEach(func(k, v gjson.Result) bool {
		if k.String() != "messages" {
			walk(v, &out)
		}
		return true
	})

	msgs := body.Get("messages").Array()
	for _, msg := range msgs[lastUserIndex(msgs)+1:] {
		walk(msg, &out)
	}
	return out
}

// lastUserIndex returns the index of the last user message, or -1.
func lastUserIndex(msgs []gjson.Result) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if provider.MessageRole(msgs[i].Get("role").String()) == provider.MessageRoleUser {
			return i
		}
	}
	return -1
}

func parseTurn(body, user gjson.Result) Turn {
	t := Turn{
		Model:  body.Get("model").String(),
		ChatID: firstString(body, "chat_id", "conversation_id", "metadata.chat_id"),
		Auth:   store.AuthContext{UserID: user.Get("id").String()},
	}
	if t.Auth.UserID == "" {
		t.Auth.UserID = body.Get("user.id").String()
	}

	msgs := body.Get("messages").Array()
	users := 0
	for _, msg := range msgs {
		role := provider.MessageRole(msg.Get("role").String())
		if role == provider.MessageRoleUser {
			users++
		}
		t.History = append(t.History, provider.Message{Role: role, Content: messageText(msg.Get("content"))})
	}

	// Follow-up prompts of earlier turns stay in the history, so only the
	// last user message can mark this turn.
	t.LoopbackDone = body.Get("metadata." + provider.MetadataLoopbackDone).Bool()
	if i := lastUserIndex(msgs); i >= 0 {
		t.LoopbackDone = t.LoopbackDone || msgs[i].Get("metadata."+provider.MetadataLoopbackDone).Bool()
	}

	msgID := firstString(body, "id", "message_id", "metadata.message_id")
	switch {
	case t.ChatID != "" && msgID != "":
		t.ID = t.ChatID + ":" + msgID
	case t.ChatID != "":
		t.ID = t.ChatID + ":" + strconv.Itoa(users)
	default:
		t.ID = "anon:" + HashBytes([]byte(body.Get("messages").Raw))[:16]
	}
	return t
}

func messageText(content gjson.Result) string {
	if !content.IsArray() {
		return content.String()
	}
	var parts []string
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			parts = append(parts, part.Get("text").String())
		}
		return true
	})
	return strings.Join(parts, "\n")
}

// ExtractToolResults walks v and returns every object that names a tool and
// carries images, in document order. JSON nested in string values is
// walked too, since tool outputs often arrive serialized.
func ExtractToolResults(v gjson.Result) []ToolResult {
	var out []ToolResult
	walk(v, &out)
	return out
}

func walk(v gjson.Result, out *[]ToolResult) {
	switch {
	case v.IsObject():
		if tr, ok := toolResult(v); ok {
			*out = append(*out, tr)
			return
		}
		v.ForEach(func(_, child gjson.Result) bool {
			walk(child, out)
			return true
		})
	case v.IsArray():
		v.ForEach(func(_, child gjson.Result) bool {
			walk(child, out)
			return true
		})
	case v.Type == gjson.String:
		s := strings.TrimSpace(v.Str)
		if (strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")) && gjson.Valid(s) {
			walk(gjson.Parse(s), out)
		}
	}
}

var imageKeys = []string{"images", "image", "output.images"}

func toolResult(obj gjson.Result) (ToolResult, bool) {
	name := firstString(obj, "tool_name", "tool", "name")
	if name == "" {
		return ToolResult{}, false
	}

	var raw gjson.Result
	var key string
	for _, k := range imageKeys {
		if r := obj.Get(k); r.Exists() && truthy(r) {
			raw, key = r, k
			break
		}
	}
	if key == "" {
		return ToolResult{}, false
	}

	if raw.Type == gjson.String {
		s := strings.TrimSpace(raw.Str)
		if strings.HasPrefix(s, "data:") {
			raw = gjson.Parse("[" + strconv.Quote(s) + "]")
		} else {
			raw = gjson.Parse(s)
		}
	}
	if raw.IsObject() {
		raw = gjson.Parse("[" + raw.Raw + "]")
	}

	tr := ToolResult{ToolName: name, Fields: map[string]any{}}
	raw.ForEach(func(_, item gjson.Result) bool {
		if img, ok := parseImage(item, name); ok {
			tr.Images = append(tr.Images, img)
		}
		return true
	})

	top, _, _ := strings.Cut(key, ".")
	obj.ForEach(func(k, val gjson.Result) bool {
		if k.String() != top {
			tr.Fields[k.String()] = val.Value()
		}
		return true
	})
	return tr, true
}

func parseImage(item gjson.Result, source string) (ImagePayload, bool) {
	if item.Type == gjson.String {
		data, mt, ok := decodeDataURI(item.Str)
		if !ok {
			return ImagePayload{}, false
		}
		img := NewImage(data, mt)
		img.Source = source
		return img, true
	}
	if !item.IsObject() {
		return ImagePayload{}, false
	}

	mt := firstString(item, "mime_type", "content_type")

	var encoded string
	for _, k := range []string{"b64_json", "data", "base64"} {
		if r := item.Get(k); r.Exists() {
			encoded = r.String()
			break
		}
	}

	if encoded == "" {
		u := item.Get("url").String()
		if u == "" {
			return ImagePayload{}, false
		}
		if data, uriMIME, ok := decodeDataURI(u); ok {
			if mt == "" {
				mt = uriMIME
			}
			img := NewImage(data, mt)
			img.Source = source
			return img, true
		}
		if mt == "" {
			mt = defaultImageMIME
		}
		return ImagePayload{MIMEType: NormalizeMIME(mt), URL: u, Source: source}, true
	}

	var data []byte
	if d, uriMIME, ok := decodeDataURI(encoded); ok {
		data = d
		if mt == "" {
			mt = uriMIME
		}
	} else if d, ok := decodeBase64(encoded); ok {
		data = d
	} else {
		slog.Debug("loopback: skipping image with invalid base64", "tool", source)
		return ImagePayload{}, false
	}
	if mt == "" {
		mt = defaultImageMIME
	}
	img := NewImage(data, mt)
	img.Source = source
	return img, true
}

// decodeDataURI decodes a base64 data: URI.
func decodeDataURI(s string) ([]byte, string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), "data:")
	if !ok {
		return nil, "", false
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, "", false
	}
	data, ok := decodeBase64(payload)
	if !ok {
		return nil, "", false
	}
	return data, NormalizeMIME(strings.TrimSuffix(meta, ";base64")), true
}

func decodeBase64(s string) ([]byte, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if data, err := enc.DecodeString(s); err == nil && len(data) > 0 {
			return data, true
		}
	}
	return nil, false
}

func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if r := v.Get(p); r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
	}
	return ""
}

func truthy(r gjson.Result) bool {
	switch {
	case r.IsArray():
		return len(r.Array()) > 0
	case r.IsObject():
		return r.Raw != "{}"
	case r.Type == gjson.String:
		return r.Str != ""
	}
	return false
}
