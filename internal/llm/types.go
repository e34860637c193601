// Package llm defines the request/response contract with the LLM service and
// the Gateway that every component uses to call it.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Role tags a message part.
type Role string

// Supported message roles.
const (
	RoleDeveloper Role = "developer"
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged part of a prompt.
type Message struct {
	Role    Role   `json:"role" validate:"required,oneof=developer system user assistant"`
	Content string `json:"content"`
}

// Schema describes the structured object the model must return.
type Schema struct {
	Name       string         `json:"name" validate:"required"`
	Definition map[string]any `json:"schema" validate:"required"`
}

// Request is one logical LLM call.
type Request struct {
	Model       string    `json:"model" validate:"required"`
	Messages    []Message `json:"messages" validate:"required,min=1,dive"`
	Temperature float64   `json:"temperature" validate:"gte=0,lte=2"`
	Schema      *Schema   `json:"schema,omitempty"`
	// Purpose labels the call in usage accounting and metrics.
	Purpose string `json:"purpose,omitempty"`
}

// Response is what the service returned for a Request.
type Response struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// Client is implemented by each provider.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ErrorKind classifies the outcome of a Gateway call.
type ErrorKind string

// Outcome classes. KindNone means success.
const (
	KindNone             ErrorKind = ""
	KindTransient        ErrorKind = "transient"
	KindTimeoutExhausted ErrorKind = "timeout-exhausted"
	KindAbort            ErrorKind = "abort"
)

// String returns "ok" for success and the kind otherwise.
func (k ErrorKind) String() string {
	if k == KindNone {
		return "ok"
	}
	return string(k)
}

// Retryable reports whether the caller may repeat the same unit of work.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindTimeoutExhausted
}

// Outcome is the result of Gateway.Call.
type Outcome struct {
	Response Response
	Kind     ErrorKind
	// Detail carries the raw error text for non-success kinds.
	Detail   string
	Attempts int
}

// OK reports success.
func (o Outcome) OK() bool { return o.Kind == KindNone }

// Prompt builds the usual two-part conversation: an instruction followed by content.
func Prompt(instruction, content string) []Message {
	msgs := make([]Message, 0, 2)
	if instruction != "" {
		msgs = append(msgs, Message{Role: RoleDeveloper, Content: instruction})
	}
	return append(msgs, Message{Role: RoleUser, Content: content})
}

// ObjectSchema builds a strict object schema where every property is required
// and no other properties are allowed.
func ObjectSchema(name string, properties map[string]any) *Schema {
	required := make([]string, 0, len(properties))
	for k := range properties {
		required = append(required, k)
	}
	sort.Strings(required)
	return &Schema{
		Name: name,
		Definition: map[string]any{
			"type":                 "object",
			"properties":           properties,
			"required":             required,
			"additionalProperties": false,
		},
	}
}

// StringProp is a string property for ObjectSchema.
func StringProp() map[string]any { return map[string]any{"type": "string"} }

// IntegerProp is an integer property.
func IntegerProp() map[string]any { return map[string]any{"type": "integer"} }

// BooleanProp is a boolean property.
func BooleanProp() map[string]any { return map[string]any{"type": "boolean"} }

// StringArrayProp is an array of strings.
func StringArrayProp() map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
}

// ErrEmptyContent is returned by DecodeJSON when there is nothing to decode.
var ErrEmptyContent = errors.New("empty response content")

// DecodeJSON unmarshals a model reply into dst. Code fences and surrounding
// prose are tolerated.
func DecodeJSON(content string, dst any) error {
	body := stripFences(content)
	if body == "" {
		return ErrEmptyContent
	}
	err := json.Unmarshal([]byte(body), dst)
	if err == nil {
		return nil
	}
	start, end := strings.Index(body, "{"), strings.LastIndex(body, "}")
	if start >= 0 && end > start {
		if err2 := json.Unmarshal([]byte(body[start:end+1]), dst); err2 == nil {
			return nil
		}
	}
	return fmt.Errorf("decode response: %w", err)
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
