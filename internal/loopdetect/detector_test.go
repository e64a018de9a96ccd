package loopdetect

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/BillPolly/toolgate/internal/events"
)

func TestSignatureDeterministic(t *testing.T) {
	a := Signature("read_file", map[string]any{"path": "/tmp/x", "mode": "r"})
	b := Signature("read_file", map[string]any{"mode": "r", "path": "/tmp/x"})
	if a != b {
		t.Errorf("key order changed signature: %q vs %q", a, b)
	}

	c := Signature("read_file", map[string]any{"path": "/tmp/y"})
	if a == c {
		t.Error("different args produced same signature")
	}
	d := Signature("write_file", map[string]any{"path": "/tmp/x", "mode": "r"})
	if a == d {
		t.Error("different tool produced same signature")
	}
}

func TestToolCallLoopAtThreshold(t *testing.T) {
	d := NewDefault()
	d.ResetForNewPrompt("p1")

	args := map[string]any{"path": "/tmp/x"}
	for i := 0; i < DefaultToolCallThreshold-1; i++ {
		if d.CheckToolCallLoop("read_file", args) {
			t.Fatalf("flagged after %d calls, threshold is %d", i+1, DefaultToolCallThreshold)
		}
	}
	if !d.CheckToolCallLoop("read_file", args) {
		t.Fatalf("not flagged at %d consecutive identical calls", DefaultToolCallThreshold)
	}
}

func TestConsecutiveCountingResetsOnDifferentCall(t *testing.T) {
	d := NewDefault()
	d.ResetForNewPrompt("p1")

	// Four identical calls, one different, four identical again: the
	// streak never reaches five, so no loop.
	for i := 0; i < 4; i++ {
		d.CheckToolCallLoop("read_file", map[string]any{"path": "/a"})
	}
	d.CheckToolCallLoop("list_dir", map[string]any{"path": "/"})
	for i := 0; i < 4; i++ {
		if d.CheckToolCallLoop("read_file", map[string]any{"path": "/a"}) {
			t.Fatal("interleaved different call should reset the streak")
		}
	}
}

func TestTotalCountingMode(t *testing.T) {
	d := New(Options{ToolCallThreshold: 3, ConsecutiveOnly: false})
	d.ResetForNewPrompt("p1")

	d.CheckToolCallLoop("read_file", map[string]any{"path": "/a"})
	d.CheckToolCallLoop("list_dir", map[string]any{"path": "/"})
	d.CheckToolCallLoop("read_file", map[string]any{"path": "/a"})
	d.CheckToolCallLoop("list_dir", map[string]any{"path": "/"})
	if !d.CheckToolCallLoop("read_file", map[string]any{"path": "/a"}) {
		t.Error("total-count mode should flag the third occurrence despite interleaving")
	}
}

func TestLoopFlagSticky(t *testing.T) {
	d := New(Options{ToolCallThreshold: 2, ConsecutiveOnly: true})
	d.ResetForNewPrompt("p1")

	args := map[string]any{"path": "/a"}
	d.CheckToolCallLoop("read_file", args)
	if !d.CheckToolCallLoop("read_file", args) {
		t.Fatal("expected loop at threshold 2")
	}
	// A different call does not clear the flag.
	if !d.CheckToolCallLoop("list_dir", map[string]any{"path": "/"}) {
		t.Error("loop flag should stay set for the rest of the prompt")
	}
	if !d.IsLoopDetected() {
		t.Error("IsLoopDetected should report the sticky flag")
	}
}

func TestResetForNewPromptClearsState(t *testing.T) {
	d := New(Options{ToolCallThreshold: 2, ConsecutiveOnly: true})
	d.ResetForNewPrompt("p1")

	args := map[string]any{"path": "/a"}
	d.CheckToolCallLoop("read_file", args)
	d.CheckToolCallLoop("read_file", args)
	if !d.IsLoopDetected() {
		t.Fatal("expected loop detected")
	}

	d.ResetForNewPrompt("p2")
	if d.IsLoopDetected() {
		t.Error("reset should clear the loop flag")
	}
	if d.CheckToolCallLoop("read_file", args) {
		t.Error("first call of new prompt flagged")
	}
	stats := d.GetLoopStats()
	if stats.PromptID != "p2" {
		t.Errorf("prompt id = %q", stats.PromptID)
	}
	if stats.TurnsInCurrentPrompt != 1 {
		t.Errorf("turns = %d", stats.TurnsInCurrentPrompt)
	}
}

func TestContentLoop(t *testing.T) {
	d := New(Options{ContentThreshold: 3, ConsecutiveOnly: true})
	d.ResetForNewPrompt("p1")

	for i := 0; i < 2; i++ {
		if d.CheckContentLoop("I will try again.") {
			t.Fatalf("flagged after %d chunks", i+1)
		}
	}
	if !d.CheckContentLoop("I will try again.") {
		t.Error("not flagged at content threshold")
	}
}

func TestContentLoopDistinctChunks(t *testing.T) {
	d := New(Options{ContentThreshold: 3, ConsecutiveOnly: true})
	d.ResetForNewPrompt("p1")
	for i := 0; i < 10; i++ {
		if d.CheckContentLoop(fmt.Sprintf("step %d", i)) {
			t.Fatal("distinct content flagged as loop")
		}
	}
}

func TestLoopDetectedEventEmitted(t *testing.T) {
	disp := events.NewDispatcher()
	var got []events.Event
	disp.Subscribe(events.KindLoopDetected, func(ev events.Event) { got = append(got, ev) })

	d := New(Options{ToolCallThreshold: 2, ConsecutiveOnly: true, Events: disp})
	d.ResetForNewPrompt("p1")
	args := map[string]any{"path": "/a"}
	d.CheckToolCallLoop("read_file", args)
	d.CheckToolCallLoop("read_file", args)
	d.CheckToolCallLoop("read_file", args)

	// Emitted once on the transition, not on every subsequent call.
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Fields["prompt_id"] != "p1" {
		t.Errorf("fields = %v", got[0].Fields)
	}
}

type stubJudge struct {
	looping bool
	err     error
	calls   int
}

func (j *stubJudge) JudgeRepetition(ctx context.Context, history []string) (bool, error) {
	j.calls++
	return j.looping, j.err
}

func TestLLMLoopGatedByTurnCount(t *testing.T) {
	judge := &stubJudge{looping: true}
	d := New(Options{TurnEscalation: 3, Judge: judge})
	d.ResetForNewPrompt("p1")

	history := []string{"a", "b"}
	if d.CheckLLMLoop(context.Background(), history) {
		t.Fatal("judge consulted before escalation threshold")
	}
	if judge.calls != 0 {
		t.Fatalf("judge called %d times before threshold", judge.calls)
	}

	for i := 0; i < 3; i++ {
		d.CheckToolCallLoop("read_file", map[string]any{"n": i})
	}
	if !d.CheckLLMLoop(context.Background(), history) {
		t.Error("judge verdict ignored past threshold")
	}
	if judge.calls != 1 {
		t.Errorf("judge called %d times", judge.calls)
	}
	if !d.IsLoopDetected() {
		t.Error("judge-confirmed loop should set the flag")
	}
}

func TestLLMLoopFailsOpen(t *testing.T) {
	judge := &stubJudge{err: errors.New("model unavailable")}
	d := New(Options{TurnEscalation: 1, Judge: judge})
	d.ResetForNewPrompt("p1")
	d.CheckToolCallLoop("read_file", map[string]any{"path": "/a"})

	if d.CheckLLMLoop(context.Background(), []string{"a"}) {
		t.Error("judge failure must be treated as no loop")
	}
	if d.IsLoopDetected() {
		t.Error("failed judgment should not set the flag")
	}
}

func TestLLMLoopWithoutJudge(t *testing.T) {
	d := New(Options{TurnEscalation: 1})
	d.ResetForNewPrompt("p1")
	d.CheckToolCallLoop("read_file", map[string]any{"path": "/a"})
	if d.CheckLLMLoop(context.Background(), []string{"a"}) {
		t.Error("no judge configured, should never flag")
	}
}

func TestGetLoopStatsCopies(t *testing.T) {
	d := NewDefault()
	d.ResetForNewPrompt("p1")
	d.CheckToolCallLoop("read_file", map[string]any{"path": "/a"})

	stats := d.GetLoopStats()
	for k := range stats.ToolCallCounts {
		stats.ToolCallCounts[k] = 999
	}
	again := d.GetLoopStats()
	for _, v := range again.ToolCallCounts {
		if v == 999 {
			t.Error("stats share internal map with detector")
		}
	}
}
