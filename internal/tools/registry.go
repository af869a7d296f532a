// Package tools holds the tool catalog: declarations with parameter schemas
// and alias rules, a normalization pass for argument-name drift, and the
// dispatcher that turns tool calls into observation payloads.
package tools

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/mohammad-safakhou/delver/internal/llm"
)

// Handler executes a tool with normalized arguments and returns the
// observation payload.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// AliasRule maps a drifting argument name to its canonical parameter.
// Rules apply in declaration order.
type AliasRule struct {
	Alias     string
	Canonical string
}

// Declaration describes one tool: schema, alias rules, and dispatch behavior.
type Declaration struct {
	Name        string
	Description string
	Parameters  *llm.Schema
	Aliases     []AliasRule

	// FreeTextParam names a parameter that absorbs any single stray value
	// when no alias matched, with FreeTextDefault covering the empty case.
	FreeTextParam   string
	FreeTextDefault string

	// Restricted tools are intercepted by the orchestration loop and must
	// never be dispatched through the registry.
	Restricted bool
}

// Tool pairs a declaration with its handler. Restricted tools have none.
type Tool struct {
	Declaration
	Handler Handler
}

// Registry is the tool catalog for one orchestration role.
type Registry struct {
	order  []string
	byName map[string]*Tool
	logger *log.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Tool),
		logger: log.New(log.Writer(), "[TOOLS] ", log.LstdFlags),
	}
}

// Register adds a tool. Re-registering a name replaces the previous entry.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.byName[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.byName[t.Name] = t
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Declarations returns the catalog as llm.Tool values in registration order.
func (r *Registry) Declarations() []llm.Tool {
	out := make([]llm.Tool, 0, len(r.order))
	for _, name := range r.order {
		t := r.byName[name]
		out = append(out, llm.Tool{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return out
}

// Normalize reconciles argument-name drift for one tool. It is idempotent:
// canonical parameters already present are never overwritten.
func (d *Declaration) Normalize(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	for _, rule := range d.Aliases {
		if _, has := out[rule.Canonical]; has {
			continue
		}
		if v, has := out[rule.Alias]; has {
			out[rule.Canonical] = v
			delete(out, rule.Alias)
		}
	}
	// Singular value for an array parameter becomes a one-element list.
	if d.Parameters != nil {
		for name, sub := range d.Parameters.Properties {
			if sub.Type != "array" {
				continue
			}
			if v, has := out[name]; has {
				if _, isList := v.([]any); !isList {
					out[name] = []any{v}
				}
			}
		}
	}
	if d.FreeTextParam != "" {
		if _, has := out[d.FreeTextParam]; !has {
			if v, ok := firstValue(out); ok {
				out = map[string]any{d.FreeTextParam: v}
			} else {
				out = map[string]any{d.FreeTextParam: d.FreeTextDefault}
			}
		}
	}
	return out
}

// firstValue picks a deterministic stray value from leftover arguments.
func firstValue(args map[string]any) (any, bool) {
	if len(args) == 0 {
		return nil, false
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return args[keys[0]], true
}

// Dispatch normalizes, validates, and executes one tool call. Failures come
// back as error-kind results so the model sees them as observations; only
// context cancellation propagates as an error.
func (r *Registry) Dispatch(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	t, ok := r.byName[call.Name]
	if !ok {
		return errResult(call.ID, fmt.Sprintf("unknown tool %q", call.Name))
	}
	if t.Restricted || t.Handler == nil {
		return errResult(call.ID, fmt.Sprintf("tool %q cannot be dispatched directly", call.Name))
	}
	args := t.Normalize(call.Arguments)
	if err := t.Parameters.Validate(args); err != nil {
		return errResult(call.ID, fmt.Sprintf("invalid arguments for %q: %v", call.Name, err))
	}
	payload, err := t.Handler(ctx, args)
	if err != nil {
		if ctx.Err() != nil {
			return errResult(call.ID, fmt.Sprintf("tool %q canceled: %v", call.Name, ctx.Err()))
		}
		r.logger.Printf("tool %s failed: %v", call.Name, err)
		return errResult(call.ID, fmt.Sprintf("tool %q failed: %v", call.Name, err))
	}
	return llm.ToolResult{CallID: call.ID, Kind: llm.ToolResultOK, Payload: payload}
}

func errResult(callID, msg string) llm.ToolResult {
	return llm.ToolResult{CallID: callID, Kind: llm.ToolResultError, Payload: msg}
}
