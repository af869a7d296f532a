// Package telemetry provides in-process metrics, cost tracking, tracing
// spans, and Prometheus counters for research sessions.
package telemetry

import (
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/delver/config"
)

// Telemetry aggregates monitoring and cost tracking for one process.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	tracer      trace.Tracer
}

// Metrics holds performance counters.
type Metrics struct {
	mu sync.RWMutex

	SessionsStarted   int64
	SessionsSucceeded int64
	SessionsFailed    int64

	LLMRequests   map[string]int64 // model -> calls
	LLMTokensUsed map[string]int64 // model -> tokens

	ToolCalls    map[string]int64 // tool -> calls
	ToolFailures map[string]int64 // tool -> failures

	WorkersRun       int64
	WorkerOutcomes   map[string]int64 // status -> count
	SearchQueries    int64
	SearchFailures   int64
	SourcesCollected int64
}

// CostTracker tracks accumulated LLM spend.
type CostTracker struct {
	mu          sync.RWMutex
	ModelCosts  map[string]float64
	TotalCost   float64
	TotalTokens int64
}

// NewTelemetry creates a telemetry instance.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	return &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			LLMRequests:    make(map[string]int64),
			LLMTokensUsed:  make(map[string]int64),
			ToolCalls:      make(map[string]int64),
			ToolFailures:   make(map[string]int64),
			WorkerOutcomes: make(map[string]int64),
		},
		costTracker: &CostTracker{ModelCosts: make(map[string]float64)},
		tracer:      otel.Tracer("delver"),
	}
}

// Tracer returns the tracer used for research spans.
func (t *Telemetry) Tracer() trace.Tracer { return t.tracer }

// RecordLLMUsage implements the adapter's usage hook.
func (t *Telemetry) RecordLLMUsage(model string, promptTokens, completionTokens int64, costUSD float64) {
	if !t.config.Enabled {
		return
	}
	tokens := promptTokens + completionTokens
	t.metrics.mu.Lock()
	t.metrics.LLMRequests[model]++
	t.metrics.LLMTokensUsed[model] += tokens
	t.metrics.mu.Unlock()

	if t.config.CostTracking {
		t.costTracker.mu.Lock()
		t.costTracker.ModelCosts[model] += costUSD
		t.costTracker.TotalCost += costUSD
		t.costTracker.TotalTokens += tokens
		t.costTracker.mu.Unlock()
	}
	llmRequestsTotal.WithLabelValues(model).Inc()
	llmTokensTotal.WithLabelValues(model).Add(float64(tokens))
}

// RecordSessionStart notes a new research session.
func (t *Telemetry) RecordSessionStart() {
	if !t.config.Enabled {
		return
	}
	t.metrics.mu.Lock()
	t.metrics.SessionsStarted++
	t.metrics.mu.Unlock()
	sessionsTotal.WithLabelValues("started").Inc()
}

// RecordSessionEnd notes a finished session and its duration.
func (t *Telemetry) RecordSessionEnd(success bool, elapsed time.Duration) {
	if !t.config.Enabled {
		return
	}
	t.metrics.mu.Lock()
	if success {
		t.metrics.SessionsSucceeded++
	} else {
		t.metrics.SessionsFailed++
	}
	t.metrics.mu.Unlock()
	outcome := "succeeded"
	if !success {
		outcome = "failed"
	}
	sessionsTotal.WithLabelValues(outcome).Inc()
	sessionDuration.Observe(elapsed.Seconds())
}

// RecordToolCall notes one dispatched tool call.
func (t *Telemetry) RecordToolCall(tool string, failed bool) {
	if !t.config.Enabled {
		return
	}
	t.metrics.mu.Lock()
	t.metrics.ToolCalls[tool]++
	if failed {
		t.metrics.ToolFailures[tool]++
	}
	t.metrics.mu.Unlock()
	status := "ok"
	if failed {
		status = "error"
	}
	toolCallsTotal.WithLabelValues(tool, status).Inc()
}

// RecordWorker notes one completed worker run.
func (t *Telemetry) RecordWorker(status string, sources int, elapsed time.Duration) {
	if !t.config.Enabled {
		return
	}
	t.metrics.mu.Lock()
	t.metrics.WorkersRun++
	t.metrics.WorkerOutcomes[status]++
	t.metrics.SourcesCollected += int64(sources)
	t.metrics.mu.Unlock()
	workersTotal.WithLabelValues(status).Inc()
	workerDuration.Observe(elapsed.Seconds())
}

// TotalCost returns the accumulated spend in USD.
func (t *Telemetry) TotalCost() float64 {
	t.costTracker.mu.RLock()
	defer t.costTracker.mu.RUnlock()
	return t.costTracker.TotalCost
}

// TotalTokens returns the accumulated token count.
func (t *Telemetry) TotalTokens() int64 {
	t.costTracker.mu.RLock()
	defer t.costTracker.mu.RUnlock()
	return t.costTracker.TotalTokens
}

// LogSummary prints a one-line spend and volume summary.
func (t *Telemetry) LogSummary() {
	if !t.config.Enabled {
		return
	}
	t.metrics.mu.RLock()
	workers := t.metrics.WorkersRun
	sources := t.metrics.SourcesCollected
	t.metrics.mu.RUnlock()
	t.logger.Printf("session summary: workers=%d sources=%d tokens=%d cost=$%.4f",
		workers, sources, t.TotalTokens(), t.TotalCost())
}
