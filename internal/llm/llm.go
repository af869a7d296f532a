package llm

import (
	"context"
	"encoding/json"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem      Role = "system"
	RoleUser        Role = "user"
	RoleAssistant   Role = "assistant"
	RoleObservation Role = "observation"
)

// Message is a single entry in a conversation. Conversations are append-only.
type Message struct {
	Role    Role              `json:"role"`
	Content string            `json:"content"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// Tool declares a callable tool: name, description, and a parameter schema.
type Tool struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  *Schema `json:"parameters"`
}

// ToolCall is a parsed request from the model to invoke a tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResultKind distinguishes successful tool results from errors.
type ToolResultKind string

const (
	ToolResultOK    ToolResultKind = "ok"
	ToolResultError ToolResultKind = "error"
)

// ToolResult is the outcome of dispatching a tool call. It is always appended
// to the conversation as an observation message.
type ToolResult struct {
	CallID  string         `json:"call_id"`
	Kind    ToolResultKind `json:"kind"`
	Payload string         `json:"payload"`
}

// Request is a single chat invocation against a backend.
type Request struct {
	Messages       []Message
	Tools          []Tool
	ResponseSchema *Schema // native structured output, when supported
	JSONMode       bool    // ask the backend for a bare JSON document
	Temperature    float64
	MaxTokens      int
}

// Response is the backend's reply: narrative text plus zero or more tool calls.
type Response struct {
	Text             string
	ToolCalls        []ToolCall
	PromptTokens     int64
	CompletionTokens int64
}

// Backend is the raw wire client for one model on one provider.
type Backend interface {
	Model() string
	Chat(ctx context.Context, req Request) (Response, error)
}

// Capabilities records what a backend supports natively. Backends lacking
// these are driven via JSON-mode prompts and the ReAct text protocol.
type Capabilities struct {
	NativeStructured bool
	NativeTools      bool
}

// Descriptor describes a configured model: identity, limits, pricing, capabilities.
type Descriptor struct {
	Model           string
	ContextWindow   int
	MaxTokens       int
	Temperature     float64
	CostPer1KInput  float64
	CostPer1KOutput float64
	Capabilities    Capabilities
}

// EstimateTokens is a cheap token-count heuristic used for context budgeting.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return len(s)/4 + 1
}

// EstimateMessageTokens estimates the prompt size of a message sequence.
func EstimateMessageTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content) + 4 // role/framing overhead
	}
	return total
}

// RawJSON is a validated structured-output document.
type RawJSON = json.RawMessage
