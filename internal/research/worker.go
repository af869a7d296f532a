package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/delver/internal/helpers"
	"github.com/mohammad-safakhou/delver/internal/llm"
	"github.com/mohammad-safakhou/delver/internal/react"
	"github.com/mohammad-safakhou/delver/internal/telemetry"
	"github.com/mohammad-safakhou/delver/internal/tools"
)

// Worker investigates one delegated sub-question in a private conversation
// and compresses what it found into cited claims.
type Worker struct {
	adapter          *llm.Adapter
	registry         *tools.Registry
	parseRetries     int
	keepObservations int
	responseReserve  int
	telemetry        *telemetry.Telemetry
	logger           *log.Logger
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

func WithParseRetries(n int) WorkerOption {
	return func(w *Worker) { w.parseRetries = n }
}

func WithKeepObservations(n int) WorkerOption {
	return func(w *Worker) { w.keepObservations = n }
}

func WithResponseReserve(tokens int) WorkerOption {
	return func(w *Worker) { w.responseReserve = tokens }
}

func WithWorkerTelemetry(t *telemetry.Telemetry) WorkerOption {
	return func(w *Worker) { w.telemetry = t }
}

// NewWorker builds a worker over an adapter and a restricted tool registry.
func NewWorker(adapter *llm.Adapter, registry *tools.Registry, opts ...WorkerOption) *Worker {
	w := &Worker{
		adapter:          adapter,
		registry:         registry,
		parseRetries:     2,
		keepObservations: 6,
		responseReserve:  4096,
		logger:           log.New(log.Writer(), "[WORKER] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run executes one task to a terminal Findings value. It never returns an
// error: failures are reported through the Findings status.
func (w *Worker) Run(ctx context.Context, task Task, brief Brief) Findings {
	start := time.Now()
	findings := w.run(ctx, task, brief)
	if w.telemetry != nil {
		w.telemetry.RecordWorker(string(findings.Status), len(findings.Sources), time.Since(start))
	}
	return findings
}

func (w *Worker) run(ctx context.Context, task Task, brief Brief) Findings {
	conv := llm.NewConversation(workerSystemPrompt(brief, task))
	conv.Append(llm.RoleUser, task.SubQuestion)

	base := Findings{TaskID: task.ID, SubQuestion: task.SubQuestion, Sources: []helpers.Source{}}
	toolCalls := 0
	status := StatusExhausted
	var rawNotes []string

loop:
	for iter := 0; iter < task.MaxIterations; iter++ {
		if ctx.Err() != nil {
			return failed(base, "cancelled")
		}
		if win := w.adapter.Descriptor().ContextWindow; win > 0 {
			target := win - w.responseReserve
			if conv.EstimateTokens() > target && !conv.Prune(target, w.keepObservations) {
				w.logger.Printf("task %s: context cannot be pruned to fit, stopping", task.ID)
				status = StatusExhausted
				break loop
			}
		}

		t, err := callWithTools(ctx, w.adapter, conv, w.registry, w.parseRetries)
		if err != nil {
			if ctx.Err() != nil {
				return failed(base, "cancelled")
			}
			return failed(base, err.Error())
		}
		if t.done {
			status = StatusComplete
			break loop
		}
		for _, call := range t.calls {
			if toolCalls >= task.MaxToolCalls {
				status = StatusExhausted
				break loop
			}
			toolCalls++
			res := w.registry.Dispatch(ctx, call)
			if w.telemetry != nil {
				w.telemetry.RecordToolCall(call.Name, res.Kind == llm.ToolResultError)
			}
			conv.Append(llm.RoleObservation, react.FormatObservation(res.Payload))
			if res.Kind == llm.ToolResultOK {
				rawNotes = append(rawNotes, res.Payload)
			}
		}
	}

	if ctx.Err() != nil {
		return failed(base, "cancelled")
	}
	if len(rawNotes) == 0 {
		base.Status = status
		return base
	}
	return w.compress(ctx, conv, base, rawNotes, status)
}

func failed(base Findings, reason string) Findings {
	base.Status = StatusFailed
	base.Err = reason
	return base
}

// compress condenses the worker transcript into cited claims.
func (w *Worker) compress(ctx context.Context, conv *llm.Conversation, base Findings, rawNotes []string, status Status) Findings {
	msgs := append(conv.Messages(),
		llm.Message{Role: llm.RoleSystem, Content: compressPrompt},
		llm.Message{Role: llm.RoleUser, Content: "Compress your research into cited claims now."},
	)
	raw, err := w.adapter.CompleteStructured(ctx, msgs, compressSchema)
	if err != nil {
		if ctx.Err() != nil {
			return failed(base, "cancelled")
		}
		return failed(base, fmt.Sprintf("compression: %v", err))
	}
	var doc struct {
		Claims []struct {
			Text          string    `json:"text"`
			SourceIndices []float64 `json:"source_indices"`
		} `json:"claims"`
		Sources []helpers.Source `json:"sources"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return failed(base, fmt.Sprintf("compression decode: %v", err))
	}

	// Indices in the claims refer to the model's own source numbering, so
	// the list is kept exactly as returned.
	base.Sources = doc.Sources
	if base.Sources == nil {
		base.Sources = []helpers.Source{}
	}
	var bullets []string
	for _, c := range doc.Claims {
		var indices []int
		for _, idx := range c.SourceIndices {
			n := int(idx)
			if n >= 1 && n <= len(base.Sources) {
				indices = append(indices, n)
			}
		}
		if len(indices) == 0 {
			// A claim with no in-range support is unusable evidence.
			continue
		}
		base.Claims = append(base.Claims, Claim{Text: c.Text, SourceIndices: indices})
		refs := make([]string, len(indices))
		for i, n := range indices {
			refs[i] = fmt.Sprintf("[%d]", n)
		}
		bullets = append(bullets, fmt.Sprintf("- %s %s", c.Text, strings.Join(refs, "")))
	}
	base.CompressedText = strings.Join(bullets, "\n")
	base.RawNotes = rawNotes
	base.Status = status
	return base
}
