// Package orchestrator mediates every tool invocation: lookup,
// validation, approval gating, execution, and lifecycle bookkeeping.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BillPolly/toolgate/internal/approval"
	"github.com/BillPolly/toolgate/internal/audit"
	"github.com/BillPolly/toolgate/internal/events"
	"github.com/BillPolly/toolgate/internal/policy"
	"github.com/BillPolly/toolgate/internal/tools"
)

// Options configures a Scheduler.
type Options struct {
	Registry  *tools.Registry
	Policy    policy.Engine
	Approvals *approval.Manager
	Audit     *audit.Store
	Events    *events.Dispatcher
	// ApprovalTimeout enables interactive approval: a gated call blocks
	// this long for a decision before being cancelled. Zero keeps the
	// non-blocking behavior (record AwaitingApproval, return at once).
	ApprovalTimeout time.Duration
}

// Scheduler is the orchestration core. Multiple Schedule calls may be
// in flight at once; all bookkeeping happens inside one mutex-guarded
// critical section so concurrent calls never corrupt the counters, and
// the lock is never held across tool execution.
type Scheduler struct {
	registry        *tools.Registry
	policy          policy.Engine
	approvals       *approval.Manager
	auditStore      *audit.Store
	events          *events.Dispatcher
	approvalTimeout time.Duration

	mu            sync.Mutex
	records       map[string]*Record
	totalCalls    int64
	activeCalls   int64
	statusCounts  map[Status]int64
	totalDuration time.Duration
	timedCalls    int64
}

// NewScheduler creates a scheduler. Registry is required; every other
// collaborator is optional.
func NewScheduler(opts Options) *Scheduler {
	if opts.Policy == nil {
		opts.Policy = policy.NewDefaultEngine()
	}
	return &Scheduler{
		registry:        opts.Registry,
		policy:          opts.Policy,
		approvals:       opts.Approvals,
		auditStore:      opts.Audit,
		events:          opts.Events,
		approvalTimeout: opts.ApprovalTimeout,
		records:         make(map[string]*Record),
		statusCounts:    make(map[Status]int64),
	}
}

// Schedule runs one tool call through the full pipeline. Expected
// failures come back as Success=false results; Schedule itself never
// returns a Go error for them.
func (s *Scheduler) Schedule(ctx context.Context, req Request) Result {
	rec := s.openRecord(req)

	s.events.Emit(events.KindToolScheduled, map[string]any{
		"call_id": rec.CallID,
		"tool":    req.ToolName,
	})

	tool, ok := s.registry.Get(req.ToolName)
	if !ok {
		return s.finishError(rec, fmt.Sprintf("Tool not found: %s", req.ToolName))
	}

	if err := tools.ValidateParams(tool, req.Args); err != nil {
		return s.finishError(rec, err.Error())
	}

	decision := s.policy.Evaluate(policy.Context{
		Tool:      req.ToolName,
		Tier:      tools.ToolTier(tool),
		Arguments: req.Args,
		Sender:    req.Sender,
		TraceID:   req.TraceID,
	})
	s.logDecision(req, decision)

	approvalID := ""
	if !decision.Allow {
		if !decision.RequiresApproval {
			// Denied outright (e.g. sender not authorized); not retryable
			// by approval, and a pre-granted approval cannot override it.
			return s.finishError(rec, decision.Reason)
		}
		if !req.Approved {
			res, granted := s.awaitApproval(ctx, rec, req, decision)
			if !granted {
				return res
			}
			approvalID = res.ApprovalID
		}
	}

	s.transition(rec, StatusExecuting)

	start := time.Now()
	output, err := tool.Execute(ctx, req.Args)
	elapsed := time.Since(start)

	if err != nil {
		res := s.finishError(rec, err.Error())
		res.Duration = elapsed
		return res
	}

	s.mu.Lock()
	s.moveStatusLocked(rec, StatusSuccess)
	rec.EndTime = time.Now()
	rec.Duration = rec.EndTime.Sub(rec.StartTime)
	rec.Output = output
	s.activeCalls--
	s.totalDuration += rec.Duration
	s.timedCalls++
	duration := rec.Duration
	s.mu.Unlock()

	s.events.Emit(events.KindToolCompleted, map[string]any{
		"call_id":  rec.CallID,
		"tool":     rec.ToolName,
		"status":   StatusSuccess,
		"duration": duration.Milliseconds(),
	})
	slog.Debug("Tool executed", "call_id", rec.CallID, "tool", rec.ToolName, "duration", duration)

	return Result{
		Success:    true,
		CallID:     rec.CallID,
		Status:     StatusSuccess,
		Duration:   duration,
		Output:     output,
		ApprovalID: approvalID,
	}
}

// openRecord creates and registers the record in one critical section:
// record creation, registry insertion, and counter increments are never
// interleaved with another call's bookkeeping.
func (s *Scheduler) openRecord(req Request) *Record {
	rec := &Record{
		CallID:    uuid.NewString(),
		ToolName:  req.ToolName,
		Args:      req.Args,
		PromptID:  req.PromptID,
		Status:    StatusPending,
		StartTime: time.Now(),
	}

	s.mu.Lock()
	s.records[rec.CallID] = rec
	s.totalCalls++
	s.activeCalls++
	s.statusCounts[StatusPending]++
	s.mu.Unlock()

	return rec
}

func (s *Scheduler) transition(rec *Record, to Status) {
	s.mu.Lock()
	s.moveStatusLocked(rec, to)
	s.mu.Unlock()
}

// moveStatusLocked updates the status breakdown. Callers hold s.mu.
func (s *Scheduler) moveStatusLocked(rec *Record, to Status) {
	if s.statusCounts[rec.Status] > 0 {
		s.statusCounts[rec.Status]--
	}
	rec.Status = to
	s.statusCounts[to]++
}

// finishError closes the record with a failure message and returns the
// structured result. The message is forwarded verbatim.
func (s *Scheduler) finishError(rec *Record, msg string) Result {
	s.mu.Lock()
	s.moveStatusLocked(rec, StatusError)
	rec.EndTime = time.Now()
	rec.Duration = rec.EndTime.Sub(rec.StartTime)
	rec.Error = msg
	s.activeCalls--
	s.totalDuration += rec.Duration
	s.timedCalls++
	duration := rec.Duration
	s.mu.Unlock()

	s.events.Emit(events.KindToolCompleted, map[string]any{
		"call_id": rec.CallID,
		"tool":    rec.ToolName,
		"status":  StatusError,
		"error":   msg,
	})

	return Result{
		Success:  false,
		CallID:   rec.CallID,
		Status:   StatusError,
		Duration: duration,
		Error:    msg,
	}
}

// awaitApproval parks the call in AwaitingApproval. With an approval
// manager and a timeout configured, it blocks for an interactive
// decision; otherwise it returns immediately, unexecuted, and the
// caller resubmits with Approved set once authorization is granted.
func (s *Scheduler) awaitApproval(ctx context.Context, rec *Record, req Request, decision policy.Decision) (Result, bool) {
	s.mu.Lock()
	s.moveStatusLocked(rec, StatusAwaitingApproval)
	s.activeCalls--
	s.mu.Unlock()

	approvalID := ""
	if s.approvals != nil {
		approvalID = s.approvals.Create(&approval.Request{
			Tool:      req.ToolName,
			Tier:      decision.Tier,
			Arguments: req.Args,
			Sender:    req.Sender,
			TraceID:   req.TraceID,
		})
	}

	s.events.Emit(events.KindToolAwaitingApproval, map[string]any{
		"call_id":     rec.CallID,
		"tool":        req.ToolName,
		"tier":        decision.Tier,
		"approval_id": approvalID,
	})

	if s.approvals == nil || s.approvalTimeout <= 0 {
		return Result{
			Success:    false,
			CallID:     rec.CallID,
			Status:     StatusAwaitingApproval,
			Error:      decision.Reason,
			ApprovalID: approvalID,
		}, false
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.approvalTimeout)
	defer cancel()

	granted, err := s.approvals.Wait(waitCtx, approvalID)
	if err != nil {
		slog.Warn("Approval wait failed", "approval_id", approvalID, "error", err)
		return s.cancel(rec, "approval_timeout", approvalID), false
	}
	if !granted {
		return s.cancel(rec, "approval_denied", approvalID), false
	}

	// Re-activate: the call proceeds to execution.
	s.mu.Lock()
	s.activeCalls++
	s.mu.Unlock()
	return Result{CallID: rec.CallID, ApprovalID: approvalID}, true
}

func (s *Scheduler) cancel(rec *Record, reason, approvalID string) Result {
	s.mu.Lock()
	s.moveStatusLocked(rec, StatusCancelled)
	rec.EndTime = time.Now()
	rec.Duration = rec.EndTime.Sub(rec.StartTime)
	rec.Error = reason
	s.mu.Unlock()

	return Result{
		Success:    false,
		CallID:     rec.CallID,
		Status:     StatusCancelled,
		Error:      reason,
		ApprovalID: approvalID,
	}
}

func (s *Scheduler) logDecision(req Request, d policy.Decision) {
	if s.auditStore == nil {
		return
	}
	_ = s.auditStore.LogPolicyDecision(&audit.PolicyDecisionRecord{
		TraceID: req.TraceID,
		Tool:    req.ToolName,
		Tier:    d.Tier,
		Sender:  req.Sender,
		Allowed: d.Allow,
		Reason:  d.Reason,
	})
}

// GetRecord returns a copy of one call record.
func (s *Scheduler) GetRecord(callID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[callID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Records returns copies of all call records.
func (s *Scheduler) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	return out
}

// Stats returns an aggregate snapshot of the bookkeeping.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	breakdown := make(map[Status]int64, len(s.statusCounts))
	for k, v := range s.statusCounts {
		if v > 0 {
			breakdown[k] = v
		}
	}
	stats := Stats{
		TotalCalls:      s.totalCalls,
		ActiveCalls:     s.activeCalls,
		StatusBreakdown: breakdown,
	}
	if s.timedCalls > 0 {
		stats.AverageDuration = s.totalDuration / time.Duration(s.timedCalls)
	}
	return stats
}

// Clear resets all counters and drops every record. Used at the start
// of a new session or test.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*Record)
	s.statusCounts = make(map[Status]int64)
	s.totalCalls = 0
	s.activeCalls = 0
	s.totalDuration = 0
	s.timedCalls = 0
}

// MarshalRecord renders a record as JSON for logs and CLI output.
func MarshalRecord(rec Record) string {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Sprintf("%+v", rec)
	}
	return string(b)
}
