package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BillPolly/toolgate/internal/approval"
	"github.com/BillPolly/toolgate/internal/events"
	"github.com/BillPolly/toolgate/internal/policy"
	"github.com/BillPolly/toolgate/internal/tools"
)

type echoTool struct {
	name     string
	tier     int
	required []string
	execErr  error
	delay    time.Duration
}

func (e *echoTool) Name() string        { return e.name }
func (e *echoTool) Description() string { return "test tool" }
func (e *echoTool) Tier() int           { return e.tier }
func (e *echoTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "required": e.required}
}
func (e *echoTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.execErr != nil {
		return "", e.execErr
	}
	return fmt.Sprintf("echo:%v", params["msg"]), nil
}

func newTestScheduler(reg *tools.Registry) *Scheduler {
	return NewScheduler(Options{Registry: reg})
}

func registryWith(ts ...tools.Tool) *tools.Registry {
	r := tools.NewRegistry()
	for _, t := range ts {
		r.Register(t)
	}
	return r
}

func TestScheduleSuccess(t *testing.T) {
	s := newTestScheduler(registryWith(&echoTool{name: "echo"}))

	res := s.Schedule(context.Background(), Request{
		ToolName: "echo",
		Args:     map[string]any{"msg": "hi"},
	})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Status != StatusSuccess {
		t.Errorf("status = %s", res.Status)
	}
	if res.Output != "echo:hi" {
		t.Errorf("output = %q", res.Output)
	}
	if res.CallID == "" {
		t.Error("call id not assigned")
	}

	rec, ok := s.GetRecord(res.CallID)
	if !ok {
		t.Fatal("record not kept")
	}
	if rec.Status != StatusSuccess || rec.Output != "echo:hi" {
		t.Errorf("record = %+v", rec)
	}
	if rec.EndTime.Before(rec.StartTime) {
		t.Error("end time before start time")
	}
}

func TestScheduleToolNotFound(t *testing.T) {
	s := newTestScheduler(registryWith())

	res := s.Schedule(context.Background(), Request{ToolName: "ghost"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != "Tool not found: ghost" {
		t.Errorf("error = %q", res.Error)
	}
	if res.Status != StatusError {
		t.Errorf("status = %s", res.Status)
	}

	// The failure is a recorded call, not a dropped one.
	rec, ok := s.GetRecord(res.CallID)
	if !ok || rec.Error != "Tool not found: ghost" {
		t.Errorf("record = %+v ok=%v", rec, ok)
	}
}

func TestScheduleValidationFailure(t *testing.T) {
	s := newTestScheduler(registryWith(&echoTool{name: "echo", required: []string{"msg"}}))

	res := s.Schedule(context.Background(), Request{ToolName: "echo", Args: map[string]any{}})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != "msg is required" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestScheduleExecutionError(t *testing.T) {
	s := newTestScheduler(registryWith(&echoTool{name: "echo", execErr: errors.New("disk full")}))

	res := s.Schedule(context.Background(), Request{ToolName: "echo", Args: map[string]any{}})
	if res.Success {
		t.Fatal("expected failure")
	}
	// The tool's message is forwarded verbatim.
	if res.Error != "disk full" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestScheduleGatedToolAwaitsApproval(t *testing.T) {
	s := NewScheduler(Options{
		Registry:  registryWith(&echoTool{name: "exec", tier: tools.TierHighRisk}),
		Approvals: approval.NewManager(nil),
	})

	res := s.Schedule(context.Background(), Request{ToolName: "exec", Args: map[string]any{}})
	if res.Success {
		t.Fatal("gated tool must not execute")
	}
	if res.Status != StatusAwaitingApproval {
		t.Errorf("status = %s", res.Status)
	}
	if res.ApprovalID == "" {
		t.Error("approval id not assigned")
	}

	rec, _ := s.GetRecord(res.CallID)
	if rec.Status != StatusAwaitingApproval {
		t.Errorf("record status = %s", rec.Status)
	}
	if rec.Output != "" {
		t.Error("gated tool produced output")
	}
}

func TestSchedulePreApprovedExecutes(t *testing.T) {
	s := newTestScheduler(registryWith(&echoTool{name: "exec", tier: tools.TierHighRisk}))

	res := s.Schedule(context.Background(), Request{
		ToolName: "exec",
		Args:     map[string]any{"msg": "go"},
		Approved: true,
	})
	if !res.Success {
		t.Fatalf("pre-approved call should execute: %+v", res)
	}
}

func TestScheduleInteractiveApproval(t *testing.T) {
	mgr := approval.NewManager(nil)
	s := NewScheduler(Options{
		Registry:        registryWith(&echoTool{name: "exec", tier: tools.TierHighRisk}),
		Approvals:       mgr,
		ApprovalTimeout: 2 * time.Second,
	})

	go func() {
		// Grant the approval once it shows up.
		for i := 0; i < 100; i++ {
			ids := mgr.PendingIDs()
			if len(ids) == 1 {
				mgr.Respond(ids[0], true)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res := s.Schedule(context.Background(), Request{ToolName: "exec", Args: map[string]any{"msg": "go"}})
	if !res.Success {
		t.Fatalf("approved call should execute: %+v", res)
	}
	if res.ApprovalID == "" {
		t.Error("approval id missing from result")
	}
}

func TestScheduleInteractiveDenial(t *testing.T) {
	mgr := approval.NewManager(nil)
	s := NewScheduler(Options{
		Registry:        registryWith(&echoTool{name: "exec", tier: tools.TierHighRisk}),
		Approvals:       mgr,
		ApprovalTimeout: 2 * time.Second,
	})

	go func() {
		for i := 0; i < 100; i++ {
			ids := mgr.PendingIDs()
			if len(ids) == 1 {
				mgr.Respond(ids[0], false)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res := s.Schedule(context.Background(), Request{ToolName: "exec", Args: map[string]any{}})
	if res.Success {
		t.Fatal("denied call must not execute")
	}
	if res.Status != StatusCancelled {
		t.Errorf("status = %s", res.Status)
	}
	if res.Error != "approval_denied" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestScheduleApprovalTimeout(t *testing.T) {
	s := NewScheduler(Options{
		Registry:        registryWith(&echoTool{name: "exec", tier: tools.TierHighRisk}),
		Approvals:       approval.NewManager(nil),
		ApprovalTimeout: 50 * time.Millisecond,
	})

	res := s.Schedule(context.Background(), Request{ToolName: "exec", Args: map[string]any{}})
	if res.Success {
		t.Fatal("timed-out call must not execute")
	}
	if res.Status != StatusCancelled || res.Error != "approval_timeout" {
		t.Errorf("result = %+v", res)
	}
}

func TestScheduleSenderDeniedOutright(t *testing.T) {
	s := NewScheduler(Options{
		Registry: registryWith(&echoTool{name: "echo"}),
		Policy: &policy.DefaultEngine{
			MaxAutoTier:    tools.TierReadOnly,
			AllowedSenders: map[string]bool{"alice": true},
		},
	})

	res := s.Schedule(context.Background(), Request{ToolName: "echo", Sender: "mallory"})
	if res.Success {
		t.Fatal("unauthorized sender must not execute")
	}
	// Outright denial terminates in error, not awaiting-approval.
	if res.Status != StatusError {
		t.Errorf("status = %s", res.Status)
	}
}

func TestPreApprovalCannotOverrideSenderDenial(t *testing.T) {
	s := NewScheduler(Options{
		Registry: registryWith(&echoTool{name: "echo"}),
		Policy: &policy.DefaultEngine{
			MaxAutoTier:    tools.TierReadOnly,
			AllowedSenders: map[string]bool{"alice": true},
		},
	})

	// An approval grant satisfies the approval gate only; it is not a
	// bypass for outright denials.
	res := s.Schedule(context.Background(), Request{
		ToolName: "echo",
		Sender:   "mallory",
		Approved: true,
	})
	if res.Success {
		t.Fatal("pre-approved request from unauthorized sender executed")
	}
	if res.Status != StatusError {
		t.Errorf("status = %s", res.Status)
	}
	if res.Error != "sender_not_authorized: mallory" {
		t.Errorf("error = %q", res.Error)
	}

	rec, _ := s.GetRecord(res.CallID)
	if rec.Output != "" {
		t.Error("denied call produced output")
	}
}

func TestConcurrentScheduling(t *testing.T) {
	s := newTestScheduler(registryWith(&echoTool{name: "echo", delay: 5 * time.Millisecond}))

	const n = 20
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.Schedule(context.Background(), Request{
				ToolName: "echo",
				Args:     map[string]any{"msg": i},
			})
		}(i)
	}
	wg.Wait()

	ids := make(map[string]bool, n)
	for _, res := range results {
		if !res.Success {
			t.Errorf("call failed: %+v", res)
		}
		if ids[res.CallID] {
			t.Errorf("duplicate call id %s", res.CallID)
		}
		ids[res.CallID] = true
	}

	stats := s.Stats()
	if stats.TotalCalls != n {
		t.Errorf("total = %d, want %d", stats.TotalCalls, n)
	}
	if stats.ActiveCalls != 0 {
		t.Errorf("active = %d after all calls completed", stats.ActiveCalls)
	}
	if stats.StatusBreakdown[StatusSuccess] != n {
		t.Errorf("breakdown = %v", stats.StatusBreakdown)
	}
	if stats.AverageDuration <= 0 {
		t.Error("average duration not tracked")
	}
}

func TestWriteFileEndToEnd(t *testing.T) {
	ws := t.TempDir()
	s := NewScheduler(Options{
		Registry: registryWith(tools.NewWriteFileTool(func() string { return ws })),
		Policy:   &policy.DefaultEngine{MaxAutoTier: tools.TierWrite},
	})

	target := filepath.Join(ws, "out.txt")
	res := s.Schedule(context.Background(), Request{
		ToolName: "write_file",
		Args:     map[string]any{"path": target, "content": "hello"},
	})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Duration < 0 {
		t.Errorf("duration = %v", res.Duration)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("side effect missing: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("file content = %q", data)
	}

	// Missing required field: structured failure, no side effect.
	res = s.Schedule(context.Background(), Request{
		ToolName: "write_file",
		Args:     map[string]any{"path": filepath.Join(ws, "none.txt")},
	})
	if res.Success || res.Error != "content is required" {
		t.Errorf("result = %+v", res)
	}
	if _, err := os.Stat(filepath.Join(ws, "none.txt")); !os.IsNotExist(err) {
		t.Error("rejected call left a side effect")
	}
}

func TestStatsMixedOutcomes(t *testing.T) {
	s := newTestScheduler(registryWith(&echoTool{name: "echo"}))

	s.Schedule(context.Background(), Request{ToolName: "echo"})
	s.Schedule(context.Background(), Request{ToolName: "ghost"})

	stats := s.Stats()
	if stats.TotalCalls != 2 {
		t.Errorf("total = %d", stats.TotalCalls)
	}
	if stats.StatusBreakdown[StatusSuccess] != 1 || stats.StatusBreakdown[StatusError] != 1 {
		t.Errorf("breakdown = %v", stats.StatusBreakdown)
	}
}

func TestRecordsAndMarshal(t *testing.T) {
	s := newTestScheduler(registryWith(&echoTool{name: "echo"}))
	ok := s.Schedule(context.Background(), Request{ToolName: "echo", Args: map[string]any{"msg": "hi"}})
	s.Schedule(context.Background(), Request{ToolName: "ghost"})

	recs := s.Records()
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}

	// Records are copies: mutating one must not touch scheduler state.
	for i := range recs {
		recs[i].Output = "tampered"
	}
	orig, _ := s.GetRecord(ok.CallID)
	if orig.Output != "echo:hi" {
		t.Errorf("record mutated through copy: %q", orig.Output)
	}

	out := MarshalRecord(orig)
	var decoded Record
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("marshal output not JSON: %v", err)
	}
	if decoded.CallID != ok.CallID || decoded.Status != StatusSuccess {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestClear(t *testing.T) {
	s := newTestScheduler(registryWith(&echoTool{name: "echo"}))
	res := s.Schedule(context.Background(), Request{ToolName: "echo"})

	s.Clear()
	if _, ok := s.GetRecord(res.CallID); ok {
		t.Error("record survived Clear")
	}
	stats := s.Stats()
	if stats.TotalCalls != 0 || len(stats.StatusBreakdown) != 0 {
		t.Errorf("stats after clear = %+v", stats)
	}
}

func TestLifecycleEvents(t *testing.T) {
	disp := events.NewDispatcher()
	var mu sync.Mutex
	var kinds []events.Kind
	disp.SubscribeAll(func(ev events.Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})

	s := NewScheduler(Options{
		Registry: registryWith(&echoTool{name: "echo"}),
		Events:   disp,
	})
	s.Schedule(context.Background(), Request{ToolName: "echo"})

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 2 || kinds[0] != events.KindToolScheduled || kinds[1] != events.KindToolCompleted {
		t.Errorf("events = %v", kinds)
	}
}
