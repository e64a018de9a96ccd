// Package approval provides interactive approval gates for gated tool calls.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/BillPolly/toolgate/internal/audit"
)

// Request represents a pending approval for a tool call.
type Request struct {
	ApprovalID string         `json:"approval_id"`
	Tool       string         `json:"tool"`
	Tier       int            `json:"tier"`
	Arguments  map[string]any `json:"arguments"`
	Sender     string         `json:"sender"`
	TraceID    string         `json:"trace_id"`
	Status     string         `json:"status"` // pending, approved, denied, timeout
	CreatedAt  time.Time      `json:"created_at"`
}

// Manager handles approval lifecycle: create, wait, respond.
type Manager struct {
	mu      sync.Mutex
	pending map[string]chan bool
	store   *audit.Store
}

// NewManager creates an approval manager. The audit store may be nil.
// Stale pending approvals left by a previous process are marked timeout.
func NewManager(store *audit.Store) *Manager {
	m := &Manager{
		pending: make(map[string]chan bool),
		store:   store,
	}
	m.cleanupStale()
	return m
}

func (m *Manager) cleanupStale() {
	if m.store == nil {
		return
	}
	pending, err := m.store.GetPendingApprovals()
	if err != nil {
		return
	}
	for _, r := range pending {
		_ = m.store.UpdateApprovalStatus(r.ApprovalID, "timeout")
	}
}

// Create registers a new approval request and returns its ID.
func (m *Manager) Create(req *Request) string {
	id := newApprovalID()
	req.ApprovalID = id
	req.Status = "pending"
	req.CreatedAt = time.Now()

	ch := make(chan bool, 1)
	m.mu.Lock()
	m.pending[id] = ch
	m.mu.Unlock()

	// Persist to audit trail (best-effort)
	if m.store != nil {
		argsJSON, _ := json.Marshal(req.Arguments)
		_ = m.store.InsertApprovalRequest(&audit.ApprovalRecord{
			ApprovalID: id,
			TraceID:    req.TraceID,
			Tool:       req.Tool,
			Tier:       req.Tier,
			Arguments:  string(argsJSON),
			Sender:     req.Sender,
		})
	}

	return id
}

// Wait blocks until the approval is responded to or the context expires.
func (m *Manager) Wait(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	ch, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("no pending approval: %s", id)
	}

	select {
	case approved := <-ch:
		m.cleanup(id)
		status := "denied"
		if approved {
			status = "approved"
		}
		if m.store != nil {
			_ = m.store.UpdateApprovalStatus(id, status)
		}
		return approved, nil
	case <-ctx.Done():
		m.cleanup(id)
		if m.store != nil {
			_ = m.store.UpdateApprovalStatus(id, "timeout")
		}
		return false, ctx.Err()
	}
}

// Respond delivers an approval decision for a pending request.
func (m *Manager) Respond(id string, approved bool) error {
	m.mu.Lock()
	ch, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending approval: %s", id)
	}

	// Non-blocking send (channel is buffered with size 1)
	select {
	case ch <- approved:
	default:
	}
	return nil
}

// PendingIDs returns the IDs of approvals still waiting in this process.
func (m *Manager) PendingIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) cleanup(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

func newApprovalID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return fmt.Sprintf("appr-%d", time.Now().UnixNano())
}
