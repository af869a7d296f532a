// Package research implements the orchestration core: the supervisor loop,
// research workers, and report synthesis.
package research

import (
	"time"

	"github.com/mohammad-safakhou/delver/internal/helpers"
)

// Brief is the immutable research contract derived from the user's question.
type Brief struct {
	Question        string   `json:"question"`
	SuccessCriteria []string `json:"success_criteria"`
	Constraints     []string `json:"constraints"`
	Language        string   `json:"language"`
}

// Task is one delegated sub-question. Tasks are one-shot and never reassigned.
type Task struct {
	ID            string `json:"id"`
	SubQuestion   string `json:"sub_question"`
	Rationale     string `json:"rationale,omitempty"`
	MaxIterations int    `json:"max_iterations"`
	MaxToolCalls  int    `json:"max_tool_calls"`
}

// Status is a worker's terminal state.
type Status string

const (
	StatusComplete  Status = "complete"
	StatusExhausted Status = "exhausted"
	StatusFailed    Status = "failed"
)

// Claim is one compressed finding line with its supporting sources.
type Claim struct {
	Text          string `json:"text"`
	SourceIndices []int  `json:"source_indices"`
}

// Findings is the immutable result of one worker task.
type Findings struct {
	TaskID         string           `json:"task_id"`
	SubQuestion    string           `json:"sub_question"`
	CompressedText string           `json:"compressed_text"`
	Claims         []Claim          `json:"claims,omitempty"`
	RawNotes       []string         `json:"raw_notes,omitempty"`
	Sources        []helpers.Source `json:"sources"`
	Status         Status           `json:"status"`
	Err            string           `json:"error,omitempty"`
}

// TerminationState records why the supervisor loop ended.
type TerminationState string

const (
	DoneByModel      TerminationState = "done_by_model"
	DoneByIterations TerminationState = "done_by_iterations"
	DoneByToolBudget TerminationState = "done_by_tool_budget"
)

// ReportMeta carries session accounting attached to the final report.
type ReportMeta struct {
	SessionID   string           `json:"session_id"`
	Termination TerminationState `json:"termination"`
	Truncated   bool             `json:"truncated"`
	Iterations  int              `json:"iterations"`
	ToolCalls   int              `json:"tool_calls"`
	WorkersRun  int              `json:"workers_run"`
	CostUSD     float64          `json:"cost_usd"`
	Tokens      int64            `json:"tokens"`
	Elapsed     time.Duration    `json:"elapsed"`
}

// Report is the final cited markdown document.
type Report struct {
	Markdown string           `json:"markdown"`
	Sources  []helpers.Source `json:"sources"`
	Meta     ReportMeta       `json:"meta"`
}

// Outcome is what a research request returns: either a clarifying question
// back to the user or a finished report.
type Outcome struct {
	NeedsClarification bool    `json:"needs_clarification"`
	ClarifyingQuestion string  `json:"clarifying_question,omitempty"`
	Report             *Report `json:"report,omitempty"`
}
