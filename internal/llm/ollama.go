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

// OllamaBackend speaks the Ollama /api/chat wire format. Ollama models have
// no native tool calling here; the text protocol drives them instead.
type OllamaBackend struct {
	model   string
	apiName string
	baseURL string
	client  *http.Client
}

// NewOllamaBackend builds a backend for one local model.
func NewOllamaBackend(model, apiName, baseURL string, timeout time.Duration) *OllamaBackend {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if apiName == "" {
		apiName = model
		if idx := strings.Index(apiName, ":"); idx >= 0 && strings.HasPrefix(strings.ToLower(apiName), "ollama:") {
			apiName = apiName[idx+1:]
		}
	}
	if timeout == 0 {
		timeout = 300 * time.Second
	}
	return &OllamaBackend{
		model:   model,
		apiName: apiName,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (b *OllamaBackend) Model() string { return b.model }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int64  `json:"prompt_eval_count"`
	EvalCount       int64  `json:"eval_count"`
	Error           string `json:"error"`
}

// Chat implements Backend.
func (b *OllamaBackend) Chat(ctx context.Context, req Request) (Response, error) {
	wire := ollamaRequest{
		Model:  b.apiName,
		Stream: false,
		Options: map[string]any{
			"temperature": req.Temperature,
		},
	}
	if req.MaxTokens > 0 {
		wire.Options["num_predict"] = req.MaxTokens
	}
	if req.JSONMode || req.ResponseSchema != nil {
		wire.Format = "json"
	}
	for _, m := range req.Messages {
		role := string(m.Role)
		if m.Role == RoleObservation {
			role = string(RoleUser)
		}
		wire.Messages = append(wire.Messages, ollamaMessage{Role: role, Content: m.Content})
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return Response{}, &TransportError{Op: "ollama chat", Err: err}
	}
	defer httpResp.Body.Close()
	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, &TransportError{Op: "ollama chat", Err: err}
	}
	if httpResp.StatusCode >= 500 {
		return Response{}, &TransportError{Op: "ollama chat", StatusCode: httpResp.StatusCode,
			Err: fmt.Errorf("%s", strings.TrimSpace(string(respBody)))}
	}
	if httpResp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("ollama chat: status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed ollamaResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != "" {
		return Response{}, fmt.Errorf("ollama chat: %s", parsed.Error)
	}
	return Response{
		Text:             parsed.Message.Content,
		PromptTokens:     parsed.PromptEvalCount,
		CompletionTokens: parsed.EvalCount,
	}, nil
}
