package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"time"
)

// Adapter wraps a Backend with capability-aware completion paths, transport
// retries, and token accounting. It is safe for concurrent use.
type Adapter struct {
	backend Backend
	desc    Descriptor

	maxStructuredRetries int
	maxTransportRetries  int
	baseBackoff          time.Duration

	usage  UsageRecorder
	logger *log.Logger
}

// UsageRecorder receives per-call token usage. Implemented by telemetry.
type UsageRecorder interface {
	RecordLLMUsage(model string, promptTokens, completionTokens int64, costUSD float64)
}

// Option configures an Adapter.
type Option func(*Adapter)

func WithStructuredRetries(n int) Option {
	return func(a *Adapter) { a.maxStructuredRetries = n }
}

func WithTransportRetries(n int) Option {
	return func(a *Adapter) { a.maxTransportRetries = n }
}

func WithBaseBackoff(d time.Duration) Option {
	return func(a *Adapter) { a.baseBackoff = d }
}

func WithUsageRecorder(r UsageRecorder) Option {
	return func(a *Adapter) { a.usage = r }
}

func WithLogger(l *log.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// NewAdapter builds an adapter over a backend.
func NewAdapter(backend Backend, desc Descriptor, opts ...Option) *Adapter {
	a := &Adapter{
		backend:              backend,
		desc:                 desc,
		maxStructuredRetries: 3,
		maxTransportRetries:  3,
		baseBackoff:          500 * time.Millisecond,
		logger:               log.New(log.Writer(), "[LLM] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Descriptor returns the model descriptor backing this adapter.
func (a *Adapter) Descriptor() Descriptor { return a.desc }

// WithRecorder returns a copy of the adapter reporting usage to r. The copy
// shares the backend; callers use it to scope accounting to one session.
func (a *Adapter) WithRecorder(r UsageRecorder) *Adapter {
	clone := *a
	clone.usage = r
	return &clone
}

// Capabilities reports the backing model's native capabilities.
func (a *Adapter) Capabilities() Capabilities { return a.desc.Capabilities }

// Complete performs a plain text completion.
func (a *Adapter) Complete(ctx context.Context, msgs []Message) (string, error) {
	resp, err := a.chat(ctx, Request{Messages: msgs})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// CompleteStructured obtains a JSON document matching schema. Backends with
// native structured output get the schema on the wire; everything else runs
// in JSON mode with extraction, validation, and up to maxStructuredRetries
// corrective re-asks carrying the validator's message back to the model.
func (a *Adapter) CompleteStructured(ctx context.Context, msgs []Message, schema *Schema) (json.RawMessage, error) {
	if a.desc.Capabilities.NativeStructured {
		resp, err := a.chat(ctx, Request{Messages: msgs, ResponseSchema: schema})
		if err != nil {
			return nil, err
		}
		raw, extractErr := ExtractJSON(resp.Text)
		if extractErr == nil {
			if valErr := schema.ValidateRaw(raw); valErr == nil {
				return raw, nil
			}
		}
		// Providers occasionally ignore response_format; fall through to the
		// prompt-driven path rather than failing outright.
	}

	work := make([]Message, len(msgs), len(msgs)+1+2*a.maxStructuredRetries)
	copy(work, msgs)
	work = append(work, Message{Role: RoleUser, Content: structuredInstruction(schema)})

	var lastRaw string
	var lastErr error
	attempts := a.maxStructuredRetries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := a.chat(ctx, Request{Messages: work, JSONMode: true})
		if err != nil {
			return nil, err
		}
		lastRaw = resp.Text
		raw, err := ExtractJSON(resp.Text)
		if err == nil {
			if err = schema.ValidateRaw(raw); err == nil {
				return raw, nil
			}
		}
		lastErr = err
		a.logger.Printf("structured output attempt %d/%d for %s rejected: %v", attempt, attempts, a.desc.Model, err)
		work = append(work,
			Message{Role: RoleAssistant, Content: resp.Text},
			Message{Role: RoleUser, Content: fmt.Sprintf("That reply was rejected: %v. Respond again with only a JSON document matching the schema.", err)},
		)
	}
	return nil, &StructuredOutputError{Model: a.desc.Model, Attempts: attempts, Raw: lastRaw, Err: lastErr}
}

// CompleteWithTools performs a chat turn with native tool declarations.
// Callers must check Capabilities().NativeTools first; non-native models are
// driven through the text protocol by the research loop instead.
func (a *Adapter) CompleteWithTools(ctx context.Context, msgs []Message, tools []Tool) (Response, error) {
	return a.chat(ctx, Request{Messages: msgs, Tools: tools})
}

// chat runs one backend call with overflow checking, transport retries with
// exponential backoff and jitter, and usage accounting.
func (a *Adapter) chat(ctx context.Context, req Request) (Response, error) {
	if req.Temperature == 0 {
		req.Temperature = a.desc.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = a.desc.MaxTokens
	}
	if a.desc.ContextWindow > 0 {
		if est := EstimateMessageTokens(req.Messages); est > a.desc.ContextWindow {
			return Response{}, &ContextOverflowError{Model: a.desc.Model, Estimated: est, Limit: a.desc.ContextWindow}
		}
	}

	var resp Response
	var err error
	attempts := a.maxTransportRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := a.baseBackoff * time.Duration(1<<(attempt-1))
			backoff += time.Duration(rand.Int63n(int64(a.baseBackoff)))
			a.logger.Printf("retrying %s after transport error (attempt %d/%d, backoff %s): %v",
				a.desc.Model, attempt+1, attempts, backoff, err)
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
		resp, err = a.backend.Chat(ctx, req)
		if err == nil {
			a.record(resp)
			return resp, nil
		}
		if !IsRetryable(err) {
			return Response{}, err
		}
	}
	return Response{}, err
}

func (a *Adapter) record(resp Response) {
	if a.usage == nil {
		return
	}
	cost := float64(resp.PromptTokens)/1000*a.desc.CostPer1KInput +
		float64(resp.CompletionTokens)/1000*a.desc.CostPer1KOutput
	a.usage.RecordLLMUsage(a.desc.Model, resp.PromptTokens, resp.CompletionTokens, cost)
}
