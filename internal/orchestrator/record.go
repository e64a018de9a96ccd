package orchestrator

import (
	"time"
)

// Status is the lifecycle state of a tool call.
type Status string

// Tool call lifecycle states. A record is created Pending, may pass
// through AwaitingApproval and Executing, and terminates in Success,
// Error, or Cancelled. Records are never reused.
const (
	StatusPending          Status = "pending"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuting        Status = "executing"
	StatusSuccess          Status = "success"
	StatusError            Status = "error"
	StatusCancelled        Status = "cancelled"
)

// Record captures one tool invocation. Owned exclusively by the
// scheduler's in-memory registry until an explicit Clear.
type Record struct {
	CallID    string         `json:"call_id"`
	ToolName  string         `json:"tool_name"`
	Args      map[string]any `json:"args"`
	PromptID  string         `json:"prompt_id,omitempty"`
	Status    Status         `json:"status"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"` // set iff Status is error
}

// Request is a tool-call submission.
type Request struct {
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
	PromptID string         `json:"prompt_id,omitempty"`
	Sender   string         `json:"sender,omitempty"`
	TraceID  string         `json:"trace_id,omitempty"`
	// Approved carries a pre-granted approval decision. Without it,
	// a gated tool call is recorded AwaitingApproval and returned
	// unexecuted.
	Approved bool `json:"approved,omitempty"`
}

// Result is returned from Schedule. Expected failures (unknown tool,
// validation, tool execution errors) land here with Success=false and
// are never raised as Go errors past the scheduler boundary.
type Result struct {
	Success    bool          `json:"success"`
	CallID     string        `json:"call_id"`
	Status     Status        `json:"status"`
	Duration   time.Duration `json:"duration"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	ApprovalID string        `json:"approval_id,omitempty"`
}

// Stats is an aggregate snapshot of scheduler bookkeeping.
type Stats struct {
	TotalCalls      int64            `json:"total_calls"`
	ActiveCalls     int64            `json:"active_calls"`
	StatusBreakdown map[Status]int64 `json:"status_breakdown"`
	AverageDuration time.Duration    `json:"average_duration"`
}
