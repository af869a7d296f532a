package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delver_sessions_total",
		Help: "Research sessions by outcome.",
	}, []string{"outcome"})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "delver_session_duration_seconds",
		Help:    "End-to-end research session duration.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	llmRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delver_llm_requests_total",
		Help: "LLM chat calls by model.",
	}, []string{"model"})

	llmTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delver_llm_tokens_total",
		Help: "Tokens consumed by model.",
	}, []string{"model"})

	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delver_tool_calls_total",
		Help: "Dispatched tool calls by tool and status.",
	}, []string{"tool", "status"})

	workersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delver_workers_total",
		Help: "Research worker runs by terminal status.",
	}, []string{"status"})

	workerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "delver_worker_duration_seconds",
		Help:    "Research worker run duration.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
)
