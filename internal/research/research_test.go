package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/delver/config"
	"github.com/mohammad-safakhou/delver/internal/budget"
	"github.com/mohammad-safakhou/delver/internal/helpers"
	"github.com/mohammad-safakhou/delver/internal/llm"
	"github.com/mohammad-safakhou/delver/internal/tools"
)

// funcBackend dispatches chat calls to a test-provided function.
type funcBackend struct {
	model string
	fn    func(ctx context.Context, req llm.Request) (llm.Response, error)
}

func (b *funcBackend) Model() string { return b.model }
func (b *funcBackend) Chat(ctx context.Context, req llm.Request) (llm.Response, error) {
	return b.fn(ctx, req)
}

func nativeAdapter(fn func(ctx context.Context, req llm.Request) (llm.Response, error)) *llm.Adapter {
	return llm.NewAdapter(
		&funcBackend{model: "openai:stub", fn: fn},
		llm.Descriptor{Model: "openai:stub", Capabilities: llm.Capabilities{NativeStructured: true, NativeTools: true}},
	)
}

func textAdapter(fn func(ctx context.Context, req llm.Request) (llm.Response, error)) *llm.Adapter {
	return llm.NewAdapter(
		&funcBackend{model: "ollama:stub", fn: fn},
		llm.Descriptor{Model: "ollama:stub", Capabilities: llm.Capabilities{NativeStructured: false, NativeTools: false}},
		llm.WithStructuredRetries(3),
	)
}

type stubSearcher struct{ calls int64 }

func (s *stubSearcher) SearchAndFormat(_ context.Context, queries []string, _ int) (string, error) {
	atomic.AddInt64(&s.calls, 1)
	return fmt.Sprintf("--- SOURCE 1: Stub result ---\nURL: https://stub.example/\n\nSUMMARY:\nanswer for %s", strings.Join(queries, ";")), nil
}

func compressionDoc(claim string, sources []helpers.Source) string {
	doc := map[string]any{
		"claims":  []any{map[string]any{"text": claim, "source_indices": []any{1}}},
		"sources": sources,
	}
	b, _ := json.Marshal(doc)
	return string(b)
}

func briefDoc(question string) string {
	b, _ := json.Marshal(map[string]any{
		"question":         question,
		"success_criteria": []any{"define the concept"},
		"constraints":      []any{},
		"language":         "en",
	})
	return string(b)
}

func toolCall(name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: "call-" + name, Name: name, Arguments: args}
}

// workerFn drives a native worker: one search, then done, then compression.
func workerFn(answer string, sources []helpers.Source) func(ctx context.Context, req llm.Request) (llm.Response, error) {
	return func(_ context.Context, req llm.Request) (llm.Response, error) {
		if req.ResponseSchema != nil || req.JSONMode {
			return llm.Response{Text: compressionDoc(answer, sources)}, nil
		}
		last := req.Messages[len(req.Messages)-1]
		if last.Role == llm.RoleObservation {
			return llm.Response{}, nil
		}
		return llm.Response{ToolCalls: []llm.ToolCall{
			toolCall("search", map[string]any{"queries": []any{"stub query"}}),
		}}, nil
	}
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.SetDefaults()
	return cfg
}

func stubSources() []helpers.Source {
	return []helpers.Source{{Title: "Stub result", URL: "https://stub.example/"}}
}

// Scenario: one delegation, one completion, a single cited source.
func TestSingleQueryHappyPath(t *testing.T) {
	var supTurns int64
	supervisor := nativeAdapter(func(_ context.Context, req llm.Request) (llm.Response, error) {
		if req.ResponseSchema != nil || req.JSONMode {
			return llm.Response{Text: briefDoc("What is HNSW?")}, nil
		}
		if atomic.AddInt64(&supTurns, 1) == 1 {
			return llm.Response{ToolCalls: []llm.ToolCall{
				toolCall("delegate_research", map[string]any{"sub_question": "What is HNSW?"}),
			}}, nil
		}
		return llm.Response{ToolCalls: []llm.ToolCall{toolCall("research_complete", nil)}}, nil
	})
	worker := nativeAdapter(workerFn("HNSW is a layered proximity-graph index.", stubSources()))
	synthesis := nativeAdapter(func(_ context.Context, _ llm.Request) (llm.Response, error) {
		return llm.Response{Text: "## Abstract\n\nHNSW is a layered proximity-graph index [1]."}, nil
	})

	engine := NewEngineWithComponents(testConfig(), supervisor, worker, synthesis, &stubSearcher{})
	outcome, err := engine.Research(context.Background(), "What is HNSW?")
	if err != nil {
		t.Fatalf("Research: %v", err)
	}
	report := outcome.Report
	if report == nil {
		t.Fatal("no report produced")
	}
	if !strings.Contains(report.Markdown, "[1]") {
		t.Errorf("report has no [1] citation:\n%s", report.Markdown)
	}
	if len(report.Sources) != 1 || report.Sources[0].URL != "https://stub.example/" {
		t.Errorf("sources = %+v", report.Sources)
	}
	if report.Meta.Termination != DoneByModel {
		t.Errorf("termination = %s", report.Meta.Termination)
	}
	if report.Meta.Truncated {
		t.Error("model-terminated report must not be flagged truncated")
	}
	if report.Meta.WorkersRun != 1 {
		t.Errorf("workers run = %d", report.Meta.WorkersRun)
	}
	if !strings.Contains(report.Markdown, "## Sources") {
		t.Error("report missing sources section")
	}
}

// Deterministic stubs must yield byte-identical reports across runs.
func TestDeterministicReports(t *testing.T) {
	run := func() string {
		var supTurns int64
		supervisor := nativeAdapter(func(_ context.Context, req llm.Request) (llm.Response, error) {
			if req.ResponseSchema != nil || req.JSONMode {
				return llm.Response{Text: briefDoc("q")}, nil
			}
			if atomic.AddInt64(&supTurns, 1) == 1 {
				return llm.Response{ToolCalls: []llm.ToolCall{
					toolCall("delegate_research", map[string]any{"sub_question": "q"}),
				}}, nil
			}
			return llm.Response{ToolCalls: []llm.ToolCall{toolCall("research_complete", nil)}}, nil
		})
		worker := nativeAdapter(workerFn("claim text.", stubSources()))
		synthesis := nativeAdapter(func(_ context.Context, _ llm.Request) (llm.Response, error) {
			return llm.Response{Text: "Claim holds [1]."}, nil
		})
		engine := NewEngineWithComponents(testConfig(), supervisor, worker, synthesis, &stubSearcher{})
		outcome, err := engine.Research(context.Background(), "q")
		if err != nil {
			t.Fatalf("Research: %v", err)
		}
		return outcome.Report.Markdown
	}
	if a, b := run(), run(); a != b {
		t.Errorf("reports differ:\n%s\n---\n%s", a, b)
	}
}

// trackingRunner records concurrency and completion data for fan-out tests.
type trackingRunner struct {
	mu          sync.Mutex
	active      int
	maxActive   int
	delays      map[string]time.Duration
	runFindings []Findings
}

func (r *trackingRunner) Run(ctx context.Context, task Task, _ Brief) Findings {
	r.mu.Lock()
	r.active++
	if r.active > r.maxActive {
		r.maxActive = r.active
	}
	delay := r.delays[task.SubQuestion]
	r.mu.Unlock()

	time.Sleep(delay)

	f := Findings{
		TaskID:         task.ID,
		SubQuestion:    task.SubQuestion,
		CompressedText: "- finding for " + task.SubQuestion + " [1]",
		Sources:        stubSources(),
		Status:         StatusComplete,
	}
	r.mu.Lock()
	r.active--
	r.runFindings = append(r.runFindings, f)
	r.mu.Unlock()
	return f
}

func fanOutSupervisor(runner WorkerRunner, maxConcurrent int) *Supervisor {
	adapter := nativeAdapter(func(_ context.Context, _ llm.Request) (llm.Response, error) {
		return llm.Response{ToolCalls: []llm.ToolCall{
			toolCall("delegate_research", map[string]any{"sub_question": "alpha"}),
			toolCall("delegate_research", map[string]any{"sub_question": "beta"}),
			toolCall("delegate_research", map[string]any{"sub_question": "gamma"}),
			toolCall("research_complete", nil),
		}}, nil
	})
	return NewSupervisor(SupervisorConfig{
		Adapter:          adapter,
		Registry:         tools.SupervisorRegistry(),
		Runner:           runner,
		Monitor:          newTestMonitor(10, 6),
		MaxConcurrent:    maxConcurrent,
		WorkerIterations: 3,
		WorkerToolCalls:  3,
	})
}

// Scenario: 3 delegations with max_concurrent_units=2 and reversed latencies.
func TestParallelFanOutBoundedAndOrdered(t *testing.T) {
	runner := &trackingRunner{delays: map[string]time.Duration{
		"alpha": 60 * time.Millisecond,
		"beta":  30 * time.Millisecond,
		"gamma": 5 * time.Millisecond,
	}}
	sup := fanOutSupervisor(runner, 2)
	result, err := sup.Run(context.Background(), Brief{Question: "q"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runner.maxActive > 2 {
		t.Errorf("observed %d concurrent workers, cap is 2", runner.maxActive)
	}
	if result.Termination != DoneByModel {
		t.Errorf("termination = %s", result.Termination)
	}
	assertFindingsOrder(t, result, []string{"alpha", "beta", "gamma"})
}

// max_concurrent_units=1 must serialize workers yet match the parallel run.
func TestSerializedRunMatchesParallel(t *testing.T) {
	subQuestions := func(result SupervisorResult) []string {
		out := make([]string, len(result.Findings))
		for i, f := range result.Findings {
			out[i] = f.SubQuestion
		}
		return out
	}
	serial, err := fanOutSupervisor(&trackingRunner{delays: map[string]time.Duration{}}, 1).
		Run(context.Background(), Brief{Question: "q"})
	if err != nil {
		t.Fatalf("serial run: %v", err)
	}
	parallel, err := fanOutSupervisor(&trackingRunner{delays: map[string]time.Duration{
		"alpha": 40 * time.Millisecond,
	}}, 3).Run(context.Background(), Brief{Question: "q"})
	if err != nil {
		t.Fatalf("parallel run: %v", err)
	}
	a, b := subQuestions(serial), subQuestions(parallel)
	if strings.Join(a, ",") != strings.Join(b, ",") {
		t.Errorf("orders differ: serial=%v parallel=%v", a, b)
	}
}

func assertFindingsOrder(t *testing.T, result SupervisorResult, want []string) {
	t.Helper()
	transcript := ""
	for _, m := range result.Transcript {
		transcript += m.Content + "\n"
	}
	prev := -1
	for _, sub := range want {
		idx := strings.Index(transcript, "finding for "+sub)
		if idx < 0 {
			t.Fatalf("transcript missing findings for %q", sub)
		}
		if idx < prev {
			t.Errorf("findings for %q out of submission order", sub)
		}
		prev = idx
	}
	for i, f := range result.Findings {
		if f.SubQuestion != want[i] {
			t.Errorf("findings[%d] = %q, want %q", i, f.SubQuestion, want[i])
		}
	}
}

func newTestMonitor(maxToolCalls, maxIterations int) *budget.Monitor {
	return budget.NewMonitor(budget.Limits{
		MaxSupervisorIterations: maxIterations,
		MaxWorkerIterations:     3,
		MaxTotalToolCalls:       maxToolCalls,
		MaxWorkerToolCalls:      3,
	})
}

// Scenario: a text-protocol model recovers after exactly one parse nudge.
func TestReactParseRetryNudge(t *testing.T) {
	var calls int64
	adapter := textAdapter(func(_ context.Context, _ llm.Request) (llm.Response, error) {
		switch atomic.AddInt64(&calls, 1) {
		case 1:
			return llm.Response{Text: "I think I should search for this."}, nil
		default:
			return llm.Response{Text: "Thought: searching\nAction: search\nAction Input: {\"queries\": [\"q\"]}"}, nil
		}
	})
	reg := tools.WorkerRegistry(&stubSearcher{}, 5)
	conv := llm.NewConversation("system")
	conv.Append(llm.RoleUser, "research this")

	turn, err := callWithTools(context.Background(), adapter, conv, reg, 2)
	if err != nil {
		t.Fatalf("callWithTools: %v", err)
	}
	if len(turn.calls) != 1 || turn.calls[0].Name != "search" {
		t.Fatalf("calls = %+v", turn.calls)
	}
	nudges := 0
	for _, m := range conv.Messages() {
		if m.Role == llm.RoleObservation && strings.Contains(m.Content, "Your last reply was not parseable") {
			nudges++
		}
	}
	if nudges != 1 {
		t.Errorf("nudge observations = %d, want exactly 1", nudges)
	}
}

func TestReactWorkerCompletesAfterParseRetry(t *testing.T) {
	var calls int64
	adapter := textAdapter(func(_ context.Context, req llm.Request) (llm.Response, error) {
		if req.JSONMode {
			return llm.Response{Text: compressionDoc("answered claim.", stubSources())}, nil
		}
		switch atomic.AddInt64(&calls, 1) {
		case 1:
			return llm.Response{Text: "not the right format"}, nil
		case 2:
			return llm.Response{Text: "Thought: searching\nAction: search\nAction Input: {\"queries\": [\"q\"]}"}, nil
		default:
			return llm.Response{Text: "Thought: done\nFinal Answer: answered"}, nil
		}
	})
	searcher := &stubSearcher{}
	w := NewWorker(adapter, tools.WorkerRegistry(searcher, 5))
	f := w.Run(context.Background(), Task{ID: "t1", SubQuestion: "q", MaxIterations: 5, MaxToolCalls: 5}, Brief{Question: "q"})
	if f.Status != StatusComplete {
		t.Fatalf("status = %s (%s)", f.Status, f.Err)
	}
	if atomic.LoadInt64(&searcher.calls) != 1 {
		t.Errorf("search dispatched %d times, want 1", searcher.calls)
	}
	if len(f.Sources) != 1 {
		t.Errorf("sources = %+v", f.Sources)
	}
}

// Scenario: brief generation keeps failing structured validation.
func TestStructuredFailureSurfacesNoReport(t *testing.T) {
	supervisor := textAdapter(func(_ context.Context, _ llm.Request) (llm.Response, error) {
		return llm.Response{Text: "never valid json"}, nil
	})
	var workerCalls int64
	worker := nativeAdapter(func(_ context.Context, _ llm.Request) (llm.Response, error) {
		atomic.AddInt64(&workerCalls, 1)
		return llm.Response{}, nil
	})
	synthesis := nativeAdapter(func(_ context.Context, _ llm.Request) (llm.Response, error) {
		return llm.Response{Text: "unused"}, nil
	})
	engine := NewEngineWithComponents(testConfig(), supervisor, worker, synthesis, &stubSearcher{})
	outcome, err := engine.Research(context.Background(), "ambiguous question")
	var soErr *llm.StructuredOutputError
	if !errors.As(err, &soErr) {
		t.Fatalf("expected StructuredOutputError, got %v", err)
	}
	if outcome.Report != nil {
		t.Error("report produced despite structured failure")
	}
	if atomic.LoadInt64(&workerCalls) != 0 {
		t.Errorf("worker called %d times, want 0", workerCalls)
	}
}

// Scenario: tool budget of 2 stops a supervisor that delegates forever.
func TestBudgetExhaustion(t *testing.T) {
	supervisor := nativeAdapter(func(_ context.Context, req llm.Request) (llm.Response, error) {
		if req.ResponseSchema != nil || req.JSONMode {
			return llm.Response{Text: briefDoc("endless")}, nil
		}
		return llm.Response{ToolCalls: []llm.ToolCall{
			toolCall("delegate_research", map[string]any{"sub_question": "more research"}),
		}}, nil
	})
	worker := nativeAdapter(workerFn("a claim.", stubSources()))
	synthesis := nativeAdapter(func(_ context.Context, _ llm.Request) (llm.Response, error) {
		return llm.Response{Text: "Budget-limited findings [1]."}, nil
	})
	cfg := testConfig()
	cfg.Research.MaxTotalToolCalls = 2

	engine := NewEngineWithComponents(cfg, supervisor, worker, synthesis, &stubSearcher{})
	outcome, err := engine.Research(context.Background(), "endless")
	if err != nil {
		t.Fatalf("Research: %v", err)
	}
	report := outcome.Report
	if report == nil {
		t.Fatal("no report produced")
	}
	if report.Meta.WorkersRun != 2 {
		t.Errorf("workers run = %d, want exactly 2", report.Meta.WorkersRun)
	}
	if report.Meta.Termination != DoneByToolBudget {
		t.Errorf("termination = %s", report.Meta.Termination)
	}
	if !report.Meta.Truncated {
		t.Error("budget-terminated report must be flagged truncated")
	}
	if report.Meta.ToolCalls != 2 {
		t.Errorf("tool calls = %d", report.Meta.ToolCalls)
	}
}

// recordingRunner captures every worker result, even when the supervisor
// discards them on cancellation.
type recordingRunner struct {
	inner WorkerRunner
	mu    sync.Mutex
	out   []Findings
}

func (r *recordingRunner) Run(ctx context.Context, task Task, brief Brief) Findings {
	f := r.inner.Run(ctx, task, brief)
	r.mu.Lock()
	r.out = append(r.out, f)
	r.mu.Unlock()
	return f
}

// Scenario: cancellation mid-fan-out aborts in-flight workers, no report.
func TestCancellationDuringFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fastDone := make(chan struct{})
	var slowStarted int64

	workerAdapter := nativeAdapter(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		fast := false
		for _, m := range req.Messages {
			if strings.Contains(m.Content, "fast-question") {
				fast = true
				break
			}
		}
		if fast {
			defer close(fastDone)
			return llm.Response{}, nil // completes immediately
		}
		atomic.AddInt64(&slowStarted, 1)
		<-ctx.Done()
		return llm.Response{}, ctx.Err()
	})
	runner := &recordingRunner{inner: NewWorker(workerAdapter, tools.WorkerRegistry(&stubSearcher{}, 5))}

	supAdapter := nativeAdapter(func(_ context.Context, _ llm.Request) (llm.Response, error) {
		return llm.Response{ToolCalls: []llm.ToolCall{
			toolCall("delegate_research", map[string]any{"sub_question": "fast-question"}),
			toolCall("delegate_research", map[string]any{"sub_question": "slow-question-one"}),
			toolCall("delegate_research", map[string]any{"sub_question": "slow-question-two"}),
			toolCall("research_complete", nil),
		}}, nil
	})
	sup := NewSupervisor(SupervisorConfig{
		Adapter:          supAdapter,
		Registry:         tools.SupervisorRegistry(),
		Runner:           runner,
		Monitor:          newTestMonitor(10, 6),
		MaxConcurrent:    3,
		WorkerIterations: 3,
		WorkerToolCalls:  3,
	})

	go func() {
		<-fastDone
		for atomic.LoadInt64(&slowStarted) < 2 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := sup.Run(ctx, Brief{Question: "q"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	var complete, cancelled int
	for _, f := range runner.out {
		switch {
		case f.Status == StatusComplete:
			complete++
		case f.Status == StatusFailed && f.Err == "cancelled":
			cancelled++
		default:
			t.Errorf("unexpected findings %+v", f)
		}
	}
	if complete != 1 || cancelled != 2 {
		t.Errorf("complete=%d cancelled=%d, want 1/2", complete, cancelled)
	}
}

// One iteration with no delegations still yields a report from the brief.
func TestSingleIterationNoDelegationsReportsFromBrief(t *testing.T) {
	supAdapter := nativeAdapter(func(_ context.Context, _ llm.Request) (llm.Response, error) {
		return llm.Response{ToolCalls: []llm.ToolCall{
			toolCall("reflect", map[string]any{"reflection": "nothing to delegate"}),
		}}, nil
	})
	sup := NewSupervisor(SupervisorConfig{
		Adapter:          supAdapter,
		Registry:         tools.SupervisorRegistry(),
		Runner:           &trackingRunner{delays: map[string]time.Duration{}},
		Monitor:          newTestMonitor(10, 1),
		MaxConcurrent:    2,
		WorkerIterations: 3,
		WorkerToolCalls:  3,
	})
	result, err := sup.Run(context.Background(), Brief{Question: "plain question"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Termination != DoneByIterations {
		t.Errorf("termination = %s", result.Termination)
	}
	if len(result.Findings) != 0 {
		t.Errorf("findings = %+v", result.Findings)
	}

	synth := NewSynthesizer(nativeAdapter(func(_ context.Context, _ llm.Request) (llm.Response, error) {
		return llm.Response{Text: "Nothing beyond the brief could be researched."}, nil
	}))
	markdown, sources, err := synth.Synthesize(context.Background(), Brief{Question: "plain question"}, result.Findings)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if markdown == "" || len(sources) != 0 {
		t.Errorf("markdown=%q sources=%v", markdown, sources)
	}
}

type failingSearcher struct{}

func (failingSearcher) SearchAndFormat(context.Context, []string, int) (string, error) {
	return "", errors.New("search backend unavailable")
}

// A worker whose every search fails runs out of iterations with no sources
// and never reaches compression.
func TestWorkerExhaustionWithoutResults(t *testing.T) {
	adapter := nativeAdapter(func(_ context.Context, req llm.Request) (llm.Response, error) {
		if req.ResponseSchema != nil || req.JSONMode {
			t.Error("compression must not run without notes")
			return llm.Response{}, errors.New("unexpected compression call")
		}
		return llm.Response{ToolCalls: []llm.ToolCall{
			toolCall("search", map[string]any{"queries": []any{"q"}}),
		}}, nil
	})
	w := NewWorker(adapter, tools.WorkerRegistry(failingSearcher{}, 5))
	f := w.Run(context.Background(), Task{ID: "t", SubQuestion: "q", MaxIterations: 2, MaxToolCalls: 10}, Brief{Question: "q"})
	if f.Status != StatusExhausted {
		t.Errorf("status = %s", f.Status)
	}
	if len(f.Sources) != 0 {
		t.Errorf("sources = %+v", f.Sources)
	}
}

// Claims citing out-of-range sources are dropped during compression.
func TestWorkerCompressionDropsUnsupportedClaims(t *testing.T) {
	adapter := nativeAdapter(func(_ context.Context, req llm.Request) (llm.Response, error) {
		if req.ResponseSchema != nil || req.JSONMode {
			doc := map[string]any{
				"claims": []any{
					map[string]any{"text": "supported", "source_indices": []any{1}},
					map[string]any{"text": "unsupported", "source_indices": []any{7}},
				},
				"sources": stubSources(),
			}
			b, _ := json.Marshal(doc)
			return llm.Response{Text: string(b)}, nil
		}
		last := req.Messages[len(req.Messages)-1]
		if last.Role == llm.RoleObservation {
			return llm.Response{}, nil
		}
		return llm.Response{ToolCalls: []llm.ToolCall{
			toolCall("search", map[string]any{"queries": []any{"q"}}),
		}}, nil
	})
	w := NewWorker(adapter, tools.WorkerRegistry(&stubSearcher{}, 5))
	f := w.Run(context.Background(), Task{ID: "t", SubQuestion: "q", MaxIterations: 3, MaxToolCalls: 3}, Brief{Question: "q"})
	if f.Status != StatusComplete {
		t.Fatalf("status = %s (%s)", f.Status, f.Err)
	}
	if len(f.Claims) != 1 || f.Claims[0].Text != "supported" {
		t.Errorf("claims = %+v", f.Claims)
	}
	if !strings.Contains(f.CompressedText, "supported [1]") {
		t.Errorf("compressed = %q", f.CompressedText)
	}
}

// The synthesizer re-invokes once when the draft cites unknown sources.
func TestSynthesizerRetriesOnCitationMismatch(t *testing.T) {
	var calls int64
	adapter := nativeAdapter(func(_ context.Context, req llm.Request) (llm.Response, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			return llm.Response{Text: "Bad claim [9]."}, nil
		}
		last := req.Messages[len(req.Messages)-1]
		if !strings.Contains(last.Content, "[9]") {
			t.Errorf("retry prompt missing mismatch report: %q", last.Content)
		}
		return llm.Response{Text: "Good claim [1]."}, nil
	})
	findings := []Findings{{
		SubQuestion:    "q",
		CompressedText: "- claim [1]",
		Claims:         []Claim{{Text: "claim", SourceIndices: []int{1}}},
		Sources:        stubSources(),
		Status:         StatusComplete,
	}}
	markdown, sources, err := NewSynthesizer(adapter).Synthesize(context.Background(), Brief{Question: "q"}, findings)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if atomic.LoadInt64(&calls) != 2 {
		t.Errorf("synthesis calls = %d, want 2", calls)
	}
	if !strings.Contains(markdown, "[1]") || len(sources) != 1 {
		t.Errorf("markdown=%q sources=%v", markdown, sources)
	}
}

// Sources are renumbered to cited-only, ordered by first appearance.
func TestSynthesizerCompactsCitations(t *testing.T) {
	adapter := nativeAdapter(func(_ context.Context, _ llm.Request) (llm.Response, error) {
		return llm.Response{Text: "Later source first [2], then the other [1]."}, nil
	})
	findings := []Findings{{
		SubQuestion: "q",
		Claims: []Claim{
			{Text: "one", SourceIndices: []int{1}},
			{Text: "two", SourceIndices: []int{2}},
		},
		Sources: []helpers.Source{
			{Title: "First", URL: "https://first.example/"},
			{Title: "Second", URL: "https://second.example/"},
		},
		Status: StatusComplete,
	}}
	markdown, sources, err := NewSynthesizer(adapter).Synthesize(context.Background(), Brief{Question: "q"}, findings)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(sources) != 2 || sources[0].URL != "https://second.example/" || sources[1].URL != "https://first.example/" {
		t.Errorf("sources = %+v", sources)
	}
	if !strings.Contains(markdown, "first [1]") || !strings.Contains(markdown, "other [2]") {
		t.Errorf("markdown not renumbered:\n%s", markdown)
	}
}

// Delegation and completion in the same turn: the batch resolves first.
func TestDelegateAndCompleteSameTurn(t *testing.T) {
	runner := &trackingRunner{delays: map[string]time.Duration{}}
	sup := fanOutSupervisor(runner, 2)
	result, err := sup.Run(context.Background(), Brief{Question: "q"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Termination != DoneByModel {
		t.Errorf("termination = %s", result.Termination)
	}
	if len(result.Findings) != 3 {
		t.Errorf("findings = %d, want the full batch", len(result.Findings))
	}
	if result.Iterations != 1 {
		t.Errorf("iterations = %d", result.Iterations)
	}
}

// pricedAdapter bills one dollar per completion token.
func pricedAdapter(fn func(ctx context.Context, req llm.Request) (llm.Response, error)) *llm.Adapter {
	return llm.NewAdapter(
		&funcBackend{model: "openai:stub", fn: fn},
		llm.Descriptor{
			Model:           "openai:stub",
			Capabilities:    llm.Capabilities{NativeStructured: true, NativeTools: true},
			CostPer1KOutput: 1000,
		},
	)
}

func TestInvalidResearchLimitsRejected(t *testing.T) {
	var calls int64
	adapter := nativeAdapter(func(_ context.Context, _ llm.Request) (llm.Response, error) {
		atomic.AddInt64(&calls, 1)
		return llm.Response{}, nil
	})
	cfg := &config.Config{} // zero limits, deliberately not defaulted
	engine := NewEngineWithComponents(cfg, adapter, adapter, adapter, &stubSearcher{})
	_, err := engine.Research(context.Background(), "q")
	if err == nil || !strings.Contains(err.Error(), "research limits") {
		t.Fatalf("err = %v, want limit validation failure", err)
	}
	if n := atomic.LoadInt64(&calls); n != 0 {
		t.Errorf("adapter called %d times despite invalid limits", n)
	}
}

// Scenario: the brief alone spends the cost budget, so the supervisor stops
// before delegating anything and the report carries the session's real cost.
func TestCostBudgetStopsResearch(t *testing.T) {
	var supCalls int64
	supervisor := pricedAdapter(func(_ context.Context, req llm.Request) (llm.Response, error) {
		atomic.AddInt64(&supCalls, 1)
		if req.ResponseSchema != nil || req.JSONMode {
			return llm.Response{Text: briefDoc("q"), CompletionTokens: 1}, nil
		}
		return llm.Response{ToolCalls: []llm.ToolCall{
			toolCall("delegate_research", map[string]any{"sub_question": "q"}),
		}}, nil
	})
	worker := nativeAdapter(workerFn("a claim.", stubSources()))
	synthesis := nativeAdapter(func(_ context.Context, _ llm.Request) (llm.Response, error) {
		return llm.Response{Text: "No evidence was gathered."}, nil
	})
	cfg := testConfig()
	cfg.Research.MaxCostUSD = 0.5

	engine := NewEngineWithComponents(cfg, supervisor, worker, synthesis, &stubSearcher{})
	outcome, err := engine.Research(context.Background(), "q")
	if err != nil {
		t.Fatalf("Research: %v", err)
	}
	report := outcome.Report
	if report == nil {
		t.Fatal("no report produced")
	}
	if report.Meta.Termination != DoneByToolBudget || !report.Meta.Truncated {
		t.Errorf("termination = %s, truncated = %v", report.Meta.Termination, report.Meta.Truncated)
	}
	if report.Meta.WorkersRun != 0 {
		t.Errorf("WorkersRun = %d, want 0 (budget spent before any delegation)", report.Meta.WorkersRun)
	}
	// The brief was the only supervisor call: one completion token at $1/token.
	if n := atomic.LoadInt64(&supCalls); n != 1 {
		t.Errorf("supervisor calls = %d, want the brief only", n)
	}
	if report.Meta.CostUSD != 1.0 {
		t.Errorf("CostUSD = %v, want 1.0", report.Meta.CostUSD)
	}
	if report.Meta.Tokens != 1 {
		t.Errorf("Tokens = %d, want 1", report.Meta.Tokens)
	}
}

func TestSupervisorStopsWhenCostBudgetSpent(t *testing.T) {
	var calls int64
	adapter := nativeAdapter(func(_ context.Context, _ llm.Request) (llm.Response, error) {
		atomic.AddInt64(&calls, 1)
		return llm.Response{ToolCalls: []llm.ToolCall{toolCall("research_complete", nil)}}, nil
	})
	maxCost := 0.5
	monitor := budget.NewMonitor(budget.Limits{
		MaxSupervisorIterations: 6,
		MaxWorkerIterations:     3,
		MaxTotalToolCalls:       10,
		MaxWorkerToolCalls:      3,
		MaxCost:                 &maxCost,
	})
	_ = monitor.AddUsage(1.0, 100)

	sup := NewSupervisor(SupervisorConfig{
		Adapter:  adapter,
		Registry: tools.SupervisorRegistry(),
		Runner:   NewWorker(adapter, tools.WorkerRegistry(&stubSearcher{}, 5)),
		Monitor:  monitor,
	})
	result, err := sup.Run(context.Background(), Brief{Question: "q"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Termination != DoneByToolBudget {
		t.Errorf("termination = %s", result.Termination)
	}
	if result.WorkersRun != 0 || atomic.LoadInt64(&calls) != 0 {
		t.Errorf("workers=%d calls=%d, want no model turn after the budget is spent", result.WorkersRun, calls)
	}
}
