package research

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/delver/internal/budget"
	"github.com/mohammad-safakhou/delver/internal/llm"
	"github.com/mohammad-safakhou/delver/internal/react"
	"github.com/mohammad-safakhou/delver/internal/telemetry"
	"github.com/mohammad-safakhou/delver/internal/tools"
)

// WorkerRunner executes one delegated task. Satisfied by *Worker.
type WorkerRunner interface {
	Run(ctx context.Context, task Task, brief Brief) Findings
}

// Supervisor owns the research loop: it reflects, delegates sub-questions to
// workers, and decides when the evidence covers the brief.
type Supervisor struct {
	adapter          *llm.Adapter
	registry         *tools.Registry
	runner           WorkerRunner
	monitor          *budget.Monitor
	maxConcurrent    int
	parseRetries     int
	workerIterations int
	workerToolCalls  int
	telemetry        *telemetry.Telemetry
	logger           *log.Logger
}

// SupervisorConfig wires a Supervisor.
type SupervisorConfig struct {
	Adapter          *llm.Adapter
	Registry         *tools.Registry
	Runner           WorkerRunner
	Monitor          *budget.Monitor
	MaxConcurrent    int
	ParseRetries     int
	WorkerIterations int
	WorkerToolCalls  int
	Telemetry        *telemetry.Telemetry
}

// NewSupervisor builds a supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	s := &Supervisor{
		adapter:          cfg.Adapter,
		registry:         cfg.Registry,
		runner:           cfg.Runner,
		monitor:          cfg.Monitor,
		maxConcurrent:    cfg.MaxConcurrent,
		parseRetries:     cfg.ParseRetries,
		workerIterations: cfg.WorkerIterations,
		workerToolCalls:  cfg.WorkerToolCalls,
		telemetry:        cfg.Telemetry,
		logger:           log.New(log.Writer(), "[SUPERVISOR] ", log.LstdFlags),
	}
	if s.maxConcurrent < 1 {
		s.maxConcurrent = 1
	}
	if s.parseRetries == 0 {
		s.parseRetries = 2
	}
	return s
}

// SupervisorResult is the outcome of the research loop.
type SupervisorResult struct {
	Findings    []Findings
	Termination TerminationState
	Iterations  int
	WorkersRun  int
	Transcript  []llm.Message
}

// Run drives the loop to a terminal state. Findings are appended in task
// submission order regardless of worker completion order, so the transcript
// is deterministic given the same model outputs.
func (s *Supervisor) Run(ctx context.Context, brief Brief) (SupervisorResult, error) {
	conv := llm.NewConversation(supervisorSystemPrompt(brief, brief.Language))
	conv.Append(llm.RoleUser, "Plan and delegate the research for this brief now.")

	var all []Findings
	workersRun := 0
	termination := DoneByIterations
	iterations := 0

	for iter := 1; ; iter++ {
		if err := s.monitor.CheckIteration(iter); err != nil {
			break
		}
		iterations = iter
		if err := ctx.Err(); err != nil {
			return SupervisorResult{}, err
		}
		if err := s.monitor.CheckTime(); err != nil {
			s.logger.Printf("iteration %d: %v", iter, err)
			termination = DoneByToolBudget
			break
		}
		if err := s.monitor.CheckCost(); err != nil {
			s.logger.Printf("iteration %d: %v", iter, err)
			termination = DoneByToolBudget
			break
		}

		t, err := callWithTools(ctx, s.adapter, conv, s.registry, s.parseRetries)
		if err != nil {
			return SupervisorResult{}, fmt.Errorf("supervisor iteration %d: %w", iter, err)
		}

		var batch []Task
		completeSeen := false
		budgetHit := false
		for _, call := range t.calls {
			switch call.Name {
			case "research_complete":
				completeSeen = true
			case "delegate_research":
				if err := s.monitor.ConsumeToolCall(); err != nil {
					s.logger.Printf("iteration %d: %v", iter, err)
					budgetHit = true
					continue
				}
				task, ok := s.taskFromCall(call)
				if !ok {
					conv.Append(llm.RoleObservation, react.FormatObservation(
						"delegate_research requires a sub_question argument"))
					continue
				}
				batch = append(batch, task)
			default:
				if err := s.monitor.ConsumeToolCall(); err != nil {
					s.logger.Printf("iteration %d: %v", iter, err)
					budgetHit = true
					continue
				}
				res := s.registry.Dispatch(ctx, call)
				if s.telemetry != nil {
					s.telemetry.RecordToolCall(call.Name, res.Kind == llm.ToolResultError)
				}
				conv.Append(llm.RoleObservation, react.FormatObservation(res.Payload))
			}
		}

		results := s.fanOut(ctx, batch, brief)
		if err := ctx.Err(); err != nil {
			return SupervisorResult{}, err
		}
		workersRun += len(results)
		all = append(all, results...)
		for i, f := range results {
			conv.Append(llm.RoleObservation, react.FormatObservation(findingsObservation(batch[i], f)))
		}
		s.logger.Printf("iteration %d: %d workers run, %d tool calls remaining",
			iter, workersRun, s.monitor.RemainingToolCalls())

		if completeSeen {
			termination = DoneByModel
			break
		}
		if budgetHit {
			termination = DoneByToolBudget
			break
		}
		if t.done {
			// The model stopped delegating without an explicit completion
			// signal; there is nothing left to drive.
			termination = DoneByModel
			break
		}
	}

	return SupervisorResult{
		Findings:    all,
		Termination: termination,
		Iterations:  iterations,
		WorkersRun:  workersRun,
		Transcript:  conv.Messages(),
	}, nil
}

func (s *Supervisor) taskFromCall(call llm.ToolCall) (Task, bool) {
	decl, ok := s.registry.Get(call.Name)
	if !ok {
		return Task{}, false
	}
	args := decl.Normalize(call.Arguments)
	sub, _ := args["sub_question"].(string)
	if sub == "" {
		return Task{}, false
	}
	rationale, _ := args["rationale"].(string)
	return Task{
		ID:            uuid.NewString(),
		SubQuestion:   sub,
		Rationale:     rationale,
		MaxIterations: s.workerIterations,
		MaxToolCalls:  s.workerToolCalls,
	}, true
}

// fanOut runs a task batch with bounded parallelism. The results slice is
// indexed by submission order.
func (s *Supervisor) fanOut(ctx context.Context, batch []Task, brief Brief) []Findings {
	if len(batch) == 0 {
		return nil
	}
	results := make([]Findings, len(batch))
	sem := make(chan struct{}, s.maxConcurrent)
	var wg sync.WaitGroup
	for i, task := range batch {
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = s.runner.Run(ctx, task, brief)
		}(i, task)
	}
	wg.Wait()
	return results
}

func findingsObservation(task Task, f Findings) string {
	head := fmt.Sprintf("Findings for task %s (%s), status %s:", task.ID, task.SubQuestion, f.Status)
	body := f.CompressedText
	if body == "" {
		body = "(no findings)"
	}
	if f.Err != "" {
		body += "\nerror: " + f.Err
	}
	return head + "\n" + body
}
