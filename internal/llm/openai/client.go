// Package openai implements llm.Client against OpenAI-compatible chat completion endpoints.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/JakeFAU/curious-surfer/internal/llm"
)

// ErrRateLimited is returned for HTTP 429 responses.
var ErrRateLimited = errors.New("openai: rate limited")

// Options configures the client.
type Options struct {
	BaseURL      string
	APIKey       string
	EndpointPath string
	ExtraHeaders map[string]string
	HTTPClient   *http.Client
}

// Client talks to /chat/completions.
type Client struct {
	url    string
	apiKey string
	extraH map[string]string
	hc     *http.Client
}

// New validates opts and returns a client.
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("openai: missing api key")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	if opts.EndpointPath == "" {
		opts.EndpointPath = "/chat/completions"
	}
	if opts.HTTPClient == nil {
		// Deadlines come from the caller's context.
		opts.HTTPClient = &http.Client{}
	}
	return &Client{
		url:    strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(opts.EndpointPath, "/"),
		apiKey: opts.APIKey,
		extraH: opts.ExtraHeaders,
		hc:     opts.HTTPClient,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// UpstreamError carries a non-2xx status from the service.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("openai upstream %d: %s", e.Status, e.Message)
}

// Complete sends one chat completion request.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	body, err := json.Marshal(encode(req))
	if err != nil {
		return llm.Response{}, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return llm.Response{}, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range c.extraH {
		if k != "" {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return llm.Response{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		return llm.Response{}, ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return llm.Response{}, &UpstreamError{Status: resp.StatusCode, Message: strings.TrimSpace(string(slurp))}
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return llm.Response{}, fmt.Errorf("decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return llm.Response{}, errors.New("openai: response has no choices")
	}
	msg := cr.Choices[0].Message
	if msg.Content == "" && msg.Refusal != "" {
		return llm.Response{}, fmt.Errorf("openai: model refused: %s", msg.Refusal)
	}
	return llm.Response{
		Content:          msg.Content,
		Model:            cr.Model,
		PromptTokens:     cr.Usage.PromptTokens,
		CompletionTokens: cr.Usage.CompletionTokens,
	}, nil
}

func encode(req llm.Request) chatRequest {
	out := chatRequest{Model: req.Model, Messages: make([]chatMessage, 0, len(req.Messages))}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	// Reasoning models reject an explicit temperature.
	if !isReasoningModel(req.Model) {
		t := req.Temperature
		out.Temperature = &t
	}
	if req.Schema != nil {
		out.ResponseFormat = &responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchema{Name: req.Schema.Name, Schema: req.Schema.Definition, Strict: true},
		}
	}
	return out
}

func isReasoningModel(model string) bool {
	return len(model) >= 2 && model[0] == 'o' && model[1] >= '0' && model[1] <= '9'
}
