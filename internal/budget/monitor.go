package budget

import (
	"fmt"
	"sync"
	"time"
)

// Monitor tracks actual usage against configured limits during a session.
// It is safe for concurrent use; workers report usage from their goroutines.
type Monitor struct {
	limits    Limits
	mu        sync.Mutex
	toolCalls int
	costUsed  float64
	tokens    int64
	startTime time.Time
}

// NewMonitor starts tracking usage against the given limits.
func NewMonitor(limits Limits) *Monitor {
	return &Monitor{limits: limits, startTime: time.Now()}
}

// ConsumeToolCall reserves one session-level tool call, returning ErrExceeded
// when the budget is already spent.
func (m *Monitor) ConsumeToolCall() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.toolCalls >= m.limits.MaxTotalToolCalls {
		return ErrExceeded{
			Kind:  "tool_calls",
			Usage: fmt.Sprintf("%d calls", m.toolCalls),
			Limit: fmt.Sprintf("%d calls", m.limits.MaxTotalToolCalls),
		}
	}
	m.toolCalls++
	return nil
}

// RemainingToolCalls reports how many session-level tool calls are left.
func (m *Monitor) RemainingToolCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits.MaxTotalToolCalls - m.toolCalls
}

// ToolCalls reports how many session-level tool calls were consumed.
func (m *Monitor) ToolCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.toolCalls
}

// CheckIteration validates a 1-based supervisor iteration number.
func (m *Monitor) CheckIteration(iteration int) error {
	if iteration > m.limits.MaxSupervisorIterations {
		return ErrExceeded{
			Kind:  "iterations",
			Usage: fmt.Sprintf("%d iterations", iteration),
			Limit: fmt.Sprintf("%d iterations", m.limits.MaxSupervisorIterations),
		}
	}
	return nil
}

// AddUsage records incremental cost and tokens, returning ErrExceeded if the
// cost limit is breached.
func (m *Monitor) AddUsage(cost float64, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.costUsed += cost
	m.tokens += tokens
	if m.limits.MaxCost != nil && m.costUsed > *m.limits.MaxCost {
		return ErrExceeded{
			Kind:  "cost",
			Usage: fmt.Sprintf("$%.4f", m.costUsed),
			Limit: fmt.Sprintf("$%.4f", *m.limits.MaxCost),
		}
	}
	return nil
}

// CheckCost verifies accumulated cost against the configured limit without
// recording anything.
func (m *Monitor) CheckCost() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limits.MaxCost == nil {
		return nil
	}
	if m.costUsed > *m.limits.MaxCost {
		return ErrExceeded{
			Kind:  "cost",
			Usage: fmt.Sprintf("$%.4f", m.costUsed),
			Limit: fmt.Sprintf("$%.4f", *m.limits.MaxCost),
		}
	}
	return nil
}

// CheckTime verifies elapsed time against the configured limit.
func (m *Monitor) CheckTime() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limits.MaxTimeSeconds == nil || *m.limits.MaxTimeSeconds <= 0 {
		return nil
	}
	elapsed := time.Since(m.startTime)
	limit := time.Duration(*m.limits.MaxTimeSeconds) * time.Second
	if elapsed > limit {
		return ErrExceeded{
			Kind:  "time",
			Usage: elapsed.String(),
			Limit: limit.String(),
		}
	}
	return nil
}

// Usage returns the accumulated metrics.
func (m *Monitor) Usage() (cost float64, tokens int64, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.costUsed, m.tokens, time.Since(m.startTime)
}

// Limits returns the configured limits.
func (m *Monitor) Limits() Limits { return m.limits }
