package approval

import (
	"context"
	"testing"
	"time"
)

func TestApproved(t *testing.T) {
	m := NewManager(nil)
	id := m.Create(&Request{Tool: "exec", Tier: 2})

	go func() {
		time.Sleep(10 * time.Millisecond)
		if err := m.Respond(id, true); err != nil {
			t.Errorf("respond failed: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	approved, err := m.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if !approved {
		t.Error("expected approved")
	}
}

func TestDenied(t *testing.T) {
	m := NewManager(nil)
	id := m.Create(&Request{Tool: "write_file", Tier: 1})

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Respond(id, false)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	approved, err := m.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if approved {
		t.Error("expected denied")
	}
}

func TestWaitTimeout(t *testing.T) {
	m := NewManager(nil)
	id := m.Create(&Request{Tool: "exec", Tier: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Wait(ctx, id)
	if err == nil {
		t.Fatal("expected timeout error")
	}

	// Timed-out approval is gone; a late response is an error.
	if err := m.Respond(id, true); err == nil {
		t.Error("expected error responding to expired approval")
	}
}

func TestRespondUnknown(t *testing.T) {
	m := NewManager(nil)
	if err := m.Respond("nope", true); err == nil {
		t.Error("expected error for unknown approval id")
	}
}

func TestPendingIDs(t *testing.T) {
	m := NewManager(nil)
	if got := m.PendingIDs(); len(got) != 0 {
		t.Fatalf("expected no pending, got %v", got)
	}
	id := m.Create(&Request{Tool: "exec", Tier: 2})
	ids := m.PendingIDs()
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("pending = %v, want [%s]", ids, id)
	}
}

func TestRespondBeforeWait(t *testing.T) {
	// The decision channel is buffered, so responding before Wait does
	// not block and the decision is not lost.
	m := NewManager(nil)
	id := m.Create(&Request{Tool: "exec", Tier: 2})
	if err := m.Respond(id, true); err != nil {
		t.Fatalf("respond failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	approved, err := m.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if !approved {
		t.Error("expected approved")
	}
}
