package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ChatRequest is an OpenAI-style chat completion body. The fields the gateway acts on are typed;
// everything else is kept in Extra and sent upstream unchanged.
type ChatRequest struct {
	Model       string
	Messages    []json.RawMessage
	Stream      bool
	Temperature *float64
	MaxTokens   *int

	Extra map[string]json.RawMessage
}

var coreFields = map[string]struct{}{
	"model":       {},
	"messages":    {},
	"stream":      {},
	"temperature": {},
	"max_tokens":  {},
}

// ErrInvalidRequest marks a body that fails validation.
var ErrInvalidRequest = errors.New("invalid request")

// UnmarshalJSON splits the body into the typed core and the opaque field bag.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = ChatRequest{}
	if v, ok := raw["model"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &r.Model); err != nil {
			return fmt.Errorf("model: %w", err)
		}
	}
	if v, ok := raw["messages"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &r.Messages); err != nil {
			return fmt.Errorf("'messages' must be a list: %w", err)
		}
	}
	if v, ok := raw["stream"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &r.Stream); err != nil {
			return fmt.Errorf("stream: %w", err)
		}
	}
	if v, ok := raw["temperature"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &r.Temperature); err != nil {
			return fmt.Errorf("temperature: %w", err)
		}
	}
	if v, ok := raw["max_tokens"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &r.MaxTokens); err != nil {
			return fmt.Errorf("max_tokens: %w", err)
		}
	}

	for k, v := range raw {
		if _, core := coreFields[k]; core {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]json.RawMessage)
		}
		r.Extra[k] = v
	}
	return nil
}

// MarshalJSON writes the typed core and the field bag back into one object.
func (r ChatRequest) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.Extra)+5)
	for k, v := range r.Extra {
		out[k] = v
	}

	set := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		out[key] = b
		return nil
	}

	if err := set("model", r.Model); err != nil {
		return nil, err
	}
	if err := set("messages", r.Messages); err != nil {
		return nil, err
	}
	if err := set("stream", r.Stream); err != nil {
		return nil, err
	}
	if r.Temperature != nil {
		if err := set("temperature", *r.Temperature); err != nil {
			return nil, err
		}
	}
	if r.MaxTokens != nil {
		if err := set("max_tokens", *r.MaxTokens); err != nil {
			return nil, err
		}
	}

	// Stable key order keeps upstream bodies reproducible.
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(out[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Validate checks the message list: non-empty, and every message an object with role and content.
func (r *ChatRequest) Validate() error {
	if r.Messages == nil {
		return fmt.Errorf("%w: missing 'messages' field", ErrInvalidRequest)
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: 'messages' cannot be empty", ErrInvalidRequest)
	}
	for i, m := range r.Messages {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(m, &fields); err != nil || fields == nil {
			return fmt.Errorf("%w: message %d must be an object", ErrInvalidRequest, i)
		}
		_, hasRole := fields["role"]
		_, hasContent := fields["content"]
		if !hasRole || !hasContent {
			return fmt.Errorf("%w: message %d must have 'role' and 'content' fields", ErrInvalidRequest, i)
		}
	}
	return nil
}

// PromptChars counts the characters of string message contents, and of text parts in multi-part contents.
func (r *ChatRequest) PromptChars() int {
	total := 0
	for _, m := range r.Messages {
		var msg struct {
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(m, &msg); err != nil {
			continue
		}
		var s string
		if err := json.Unmarshal(msg.Content, &s); err == nil {
			total += len([]rune(s))
			continue
		}
		var parts []struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(msg.Content, &parts); err == nil {
			for _, p := range parts {
				total += len([]rune(p.Text))
			}
		}
	}
	return total
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}
