// Package budget tracks research spend: tool calls, loop iterations, cost,
// and wall time. Hitting a limit is a normal terminal state for the
// orchestration, not a failure.
package budget

import "fmt"

// Limits defines the guardrails for one research session.
type Limits struct {
	MaxSupervisorIterations int
	MaxWorkerIterations     int
	MaxTotalToolCalls       int
	MaxWorkerToolCalls      int
	MaxCost                 *float64
	MaxTimeSeconds          *int64
}

// Validate ensures the limit values are sane before use.
func (l Limits) Validate() error {
	if l.MaxSupervisorIterations < 1 {
		return fmt.Errorf("max_supervisor_iterations must be >= 1")
	}
	if l.MaxWorkerIterations < 1 {
		return fmt.Errorf("max_worker_iterations must be >= 1")
	}
	if l.MaxTotalToolCalls < 1 {
		return fmt.Errorf("max_total_tool_calls must be >= 1")
	}
	if l.MaxWorkerToolCalls < 1 {
		return fmt.Errorf("max_worker_tool_calls must be >= 1")
	}
	if l.MaxCost != nil && *l.MaxCost < 0 {
		return fmt.Errorf("max_cost cannot be negative")
	}
	if l.MaxTimeSeconds != nil && *l.MaxTimeSeconds < 0 {
		return fmt.Errorf("max_time_seconds cannot be negative")
	}
	return nil
}
