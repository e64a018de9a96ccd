// Package policy decides whether a tool call may proceed automatically
// or must wait for explicit authorization.
package policy

import (
	"fmt"
	"time"

	"github.com/BillPolly/toolgate/internal/tools"
)

// Context holds information about a pending tool execution.
type Context struct {
	Tool      string
	Tier      int
	Arguments map[string]any
	Sender    string
	TraceID   string
}

// Decision is the result of a policy evaluation.
type Decision struct {
	Allow            bool
	RequiresApproval bool
	Reason           string
	Tier             int
	Ts               time.Time
	TraceID          string
}

// Engine evaluates whether a tool execution should proceed.
type Engine interface {
	Evaluate(ctx Context) Decision
}

// DefaultEngine gates tool calls by tool identity alone. A mutating tool
// requires approval no matter what its arguments look like; inspecting
// command strings for danger is unreliable, so it is never attempted.
type DefaultEngine struct {
	// MaxAutoTier is the highest tier that runs without approval.
	// Defaults to 0, so only read-only tools are auto-approved.
	MaxAutoTier int
	// AllowedSenders restricts who may trigger tools. Empty means all.
	AllowedSenders map[string]bool
}

// NewDefaultEngine creates a policy engine with the default gate:
// read-only runs freely, everything else waits for approval.
func NewDefaultEngine() *DefaultEngine {
	return &DefaultEngine{
		MaxAutoTier: tools.TierReadOnly,
	}
}

// Evaluate checks sender authorization and tool tier.
func (e *DefaultEngine) Evaluate(ctx Context) Decision {
	d := Decision{
		Tier:    ctx.Tier,
		Ts:      time.Now(),
		TraceID: ctx.TraceID,
	}

	if len(e.AllowedSenders) > 0 && ctx.Sender != "" {
		if !e.AllowedSenders[ctx.Sender] {
			d.Allow = false
			d.Reason = fmt.Sprintf("sender_not_authorized: %s", ctx.Sender)
			return d
		}
	}

	if ctx.Tier > e.MaxAutoTier {
		d.Allow = false
		d.RequiresApproval = true
		d.Reason = fmt.Sprintf("tier_%d_requires_approval", ctx.Tier)
		return d
	}

	d.Allow = true
	d.Reason = fmt.Sprintf("tier_%d_auto_approved", ctx.Tier)
	return d
}

// NeedsApproval reports whether a tool would be gated, given only its
// identity. Deterministic: same tool, same answer.
func (e *DefaultEngine) NeedsApproval(t tools.Tool) bool {
	return tools.ToolTier(t) > e.MaxAutoTier
}
