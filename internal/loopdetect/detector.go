// Package loopdetect tracks repeated tool calls and repeated content
// within a prompt to flag an agent that is stuck.
package loopdetect

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BillPolly/toolgate/internal/events"
)

// Defaults for the detection thresholds. All of them are configuration,
// not constants: the boundary numbers are policy, not physics.
const (
	DefaultToolCallThreshold = 5
	DefaultContentThreshold  = 10
	DefaultTurnEscalation    = 30
)

// Judge delegates repetition judgment to an external language model.
// Any failure is treated as "no loop": this is a supplementary
// heuristic, never the primary safety mechanism.
type Judge interface {
	JudgeRepetition(ctx context.Context, history []string) (bool, error)
}

// Options configures a Detector.
type Options struct {
	// ToolCallThreshold flags a loop after this many identical tool
	// calls. Zero means DefaultToolCallThreshold.
	ToolCallThreshold int
	// ContentThreshold flags a loop after this many identical content
	// chunks. Higher than the tool threshold because conversational
	// repetition is more tolerated. Zero means DefaultContentThreshold.
	ContentThreshold int
	// TurnEscalation is the turn count past which CheckLLMLoop consults
	// the judge. Zero means DefaultTurnEscalation.
	TurnEscalation int
	// ConsecutiveOnly counts only back-to-back repeats when true
	// (the default policy); otherwise repeats anywhere in the prompt.
	ConsecutiveOnly bool
	// Judge is the optional LLM escalation collaborator.
	Judge Judge
	// Events receives loop.detected notifications. May be nil.
	Events *events.Dispatcher
}

// state is the per-prompt tracking window. Replaced wholesale on reset.
type state struct {
	promptID       string
	turns          int
	toolSigCounts  map[string]int
	contentCounts  map[string]int
	lastToolSig    string
	lastContentSig string
	toolStreak     int
	contentStreak  int
	loopDetected   bool
}

func newState(promptID string) *state {
	return &state{
		promptID:      promptID,
		toolSigCounts: make(map[string]int),
		contentCounts: make(map[string]int),
	}
}

// Detector owns the loop-tracking state for one conversation.
type Detector struct {
	mu              sync.Mutex
	cur             *state
	toolThreshold   int
	contentThresh   int
	turnEscalation  int
	consecutiveOnly bool
	judge           Judge
	events          *events.Dispatcher
}

// New creates a Detector with the given options.
func New(opts Options) *Detector {
	if opts.ToolCallThreshold <= 0 {
		opts.ToolCallThreshold = DefaultToolCallThreshold
	}
	if opts.ContentThreshold <= 0 {
		opts.ContentThreshold = DefaultContentThreshold
	}
	if opts.TurnEscalation <= 0 {
		opts.TurnEscalation = DefaultTurnEscalation
	}
	return &Detector{
		cur:             newState(""),
		toolThreshold:   opts.ToolCallThreshold,
		contentThresh:   opts.ContentThreshold,
		turnEscalation:  opts.TurnEscalation,
		consecutiveOnly: opts.ConsecutiveOnly,
		judge:           opts.Judge,
		events:          opts.Events,
	}
}

// NewDefault creates a Detector with default thresholds and
// consecutive-repeat counting.
func NewDefault() *Detector {
	return New(Options{ConsecutiveOnly: true})
}

// Signature computes a deterministic signature for a tool call:
// name plus a short hash of the canonical (sorted-key) JSON of args.
func Signature(name string, args map[string]any) string {
	// encoding/json writes map keys in sorted order, so the bytes are
	// stable for equal argument maps.
	raw, err := json.Marshal(args)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", args))
	}
	h := sha256.Sum256(raw)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

func contentSignature(content string) string {
	h := sha256.Sum256([]byte(content))
	return fmt.Sprintf("content:%x", h[:8])
}

// CheckToolCallLoop records a tool call and reports whether the prompt
// is looping. Once flagged, it stays flagged until the next reset.
func (d *Detector) CheckToolCallLoop(toolName string, args map[string]any) bool {
	sig := Signature(toolName, args)

	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.cur
	s.turns++

	if d.consecutiveOnly {
		if sig == s.lastToolSig {
			s.toolStreak++
		} else {
			s.toolStreak = 1
			s.lastToolSig = sig
		}
		if s.toolStreak > s.toolSigCounts[sig] {
			s.toolSigCounts[sig] = s.toolStreak
		}
	} else {
		s.toolSigCounts[sig]++
		s.toolStreak = s.toolSigCounts[sig]
	}

	if s.toolStreak >= d.toolThreshold && !s.loopDetected {
		s.loopDetected = true
		slog.Warn("Tool-call loop detected", "prompt_id", s.promptID, "signature", sig, "count", s.toolStreak)
		d.events.Emit(events.KindLoopDetected, map[string]any{
			"prompt_id": s.promptID,
			"signature": sig,
			"count":     s.toolStreak,
		})
	}
	return s.loopDetected
}

// CheckContentLoop records a content chunk and reports whether the
// prompt is looping on identical output.
func (d *Detector) CheckContentLoop(content string) bool {
	sig := contentSignature(content)

	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.cur
	if d.consecutiveOnly {
		if sig == s.lastContentSig {
			s.contentStreak++
		} else {
			s.contentStreak = 1
			s.lastContentSig = sig
		}
		if s.contentStreak > s.contentCounts[sig] {
			s.contentCounts[sig] = s.contentStreak
		}
	} else {
		s.contentCounts[sig]++
		s.contentStreak = s.contentCounts[sig]
	}

	if s.contentStreak >= d.contentThresh && !s.loopDetected {
		s.loopDetected = true
		slog.Warn("Content loop detected", "prompt_id", s.promptID, "signature", sig, "count", s.contentStreak)
		d.events.Emit(events.KindLoopDetected, map[string]any{
			"prompt_id": s.promptID,
			"signature": sig,
			"count":     s.contentStreak,
		})
	}
	return s.loopDetected
}

// CheckLLMLoop asks the injected judge whether the conversation is
// repeating. It only consults the judge past the turn-escalation
// threshold, and fails open on any judge error.
func (d *Detector) CheckLLMLoop(ctx context.Context, history []string) bool {
	d.mu.Lock()
	turns := d.cur.turns
	judge := d.judge
	d.mu.Unlock()

	if judge == nil || turns < d.turnEscalation {
		return false
	}

	looping, err := judge.JudgeRepetition(ctx, history)
	if err != nil {
		slog.Warn("LLM loop judgment failed, assuming no loop", "error", err)
		return false
	}
	if looping {
		d.mu.Lock()
		d.cur.loopDetected = true
		d.mu.Unlock()
	}
	return looping
}

// ResetForNewPrompt discards the active window and starts tracking the
// given prompt from zero.
func (d *Detector) ResetForNewPrompt(promptID string) {
	d.mu.Lock()
	d.cur = newState(promptID)
	d.mu.Unlock()
}

// ClearTrackingData is a full reset, used between independent sessions.
func (d *Detector) ClearTrackingData() {
	d.ResetForNewPrompt("")
}

// IsLoopDetected reports the sticky loop flag for the active prompt.
func (d *Detector) IsLoopDetected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cur.loopDetected
}

// Stats is a read-only snapshot of the active prompt window.
type Stats struct {
	PromptID             string         `json:"prompt_id"`
	TurnsInCurrentPrompt int            `json:"turns_in_current_prompt"`
	ToolCallCounts       map[string]int `json:"tool_call_counts"`
	ContentChunkCounts   map[string]int `json:"content_chunk_counts"`
	LoopDetected         bool           `json:"loop_detected"`
}

// GetLoopStats returns a copy of the current tracking state.
func (d *Detector) GetLoopStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.cur
	stats := Stats{
		PromptID:             s.promptID,
		TurnsInCurrentPrompt: s.turns,
		ToolCallCounts:       make(map[string]int, len(s.toolSigCounts)),
		ContentChunkCounts:   make(map[string]int, len(s.contentCounts)),
		LoopDetected:         s.loopDetected,
	}
	for k, v := range s.toolSigCounts {
		stats.ToolCallCounts[k] = v
	}
	for k, v := range s.contentCounts {
		stats.ContentChunkCounts[k] = v
	}
	return stats
}
