package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIBackend speaks the OpenAI chat-completions wire format. It also
// covers OpenAI-compatible gateways when BaseURL points elsewhere.
type OpenAIBackend struct {
	model   string // routing name, possibly "openai:gpt-4o" style
	apiName string // name sent on the wire
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenAIBackend builds a backend for one model. apiName defaults to the
// model name with any family prefix stripped.
func NewOpenAIBackend(model, apiName, apiKey, baseURL string, timeout time.Duration) *OpenAIBackend {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if apiName == "" {
		apiName = model
		if idx := strings.Index(apiName, ":"); idx >= 0 {
			apiName = apiName[idx+1:]
		}
	}
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIBackend{
		model:   model,
		apiName: apiName,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (b *OpenAIBackend) Model() string { return b.model }

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string  `json:"name"`
		Description string  `json:"description"`
		Parameters  *Schema `json:"parameters"`
	} `json:"function"`
}

type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Tools          []openAITool    `json:"tools,omitempty"`
	ResponseFormat any             `json:"response_format,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Chat implements Backend.
func (b *OpenAIBackend) Chat(ctx context.Context, req Request) (Response, error) {
	wire := openAIRequest{
		Model:       b.apiName,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		role := string(m.Role)
		if m.Role == RoleObservation {
			// The wire format has no observation role; carry it as user text.
			role = string(RoleUser)
		}
		wire.Messages = append(wire.Messages, openAIMessage{Role: role, Content: m.Content})
	}
	for _, t := range req.Tools {
		var ot openAITool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		wire.Tools = append(wire.Tools, ot)
	}
	switch {
	case req.ResponseSchema != nil:
		wire.ResponseFormat = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "response",
				"schema": req.ResponseSchema,
			},
		}
	case req.JSONMode:
		wire.ResponseFormat = map[string]any{"type": "json_object"}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return Response{}, &TransportError{Op: "openai chat", Err: err}
	}
	defer httpResp.Body.Close()
	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, &TransportError{Op: "openai chat", Err: err}
	}
	if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500 {
		return Response{}, &TransportError{Op: "openai chat", StatusCode: httpResp.StatusCode,
			Err: fmt.Errorf("%s", strings.TrimSpace(string(respBody)))}
	}
	if httpResp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("openai chat: status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed openAIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return Response{}, fmt.Errorf("openai chat: %s: %s", parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return Response{}, fmt.Errorf("openai chat: empty choices")
	}

	msg := parsed.Choices[0].Message
	out := Response{
		Text:             msg.Content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return Response{}, fmt.Errorf("decode tool call arguments for %s: %w", tc.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out, nil
}
