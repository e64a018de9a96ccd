// Package audit persists the approval and policy trail to sqlite.
// Tool-call records themselves stay in the scheduler's in-memory
// registry; only the authorization trail and settings are durable.
package audit

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Schema creates the audit tables.
const Schema = `
CREATE TABLE IF NOT EXISTS approvals (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	approval_id TEXT UNIQUE NOT NULL,
	trace_id TEXT,
	tool TEXT NOT NULL,
	tier INTEGER NOT NULL DEFAULT 0,
	arguments TEXT,
	sender TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);

CREATE TABLE IF NOT EXISTS policy_decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT,
	tool TEXT NOT NULL,
	tier INTEGER NOT NULL DEFAULT 0,
	sender TEXT,
	allowed BOOLEAN NOT NULL,
	reason TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_policy_trace ON policy_decisions(trace_id);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// ApprovalRecord is one row of the approval trail.
type ApprovalRecord struct {
	ApprovalID string    `json:"approval_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	Tool       string    `json:"tool"`
	Tier       int       `json:"tier"`
	Arguments  string    `json:"arguments,omitempty"`
	Sender     string    `json:"sender,omitempty"`
	Status     string    `json:"status"` // pending, approved, denied, timeout
	CreatedAt  time.Time `json:"created_at"`
}

// PolicyDecisionRecord is one logged policy evaluation.
type PolicyDecisionRecord struct {
	TraceID string `json:"trace_id,omitempty"`
	Tool    string `json:"tool"`
	Tier    int    `json:"tier"`
	Sender  string `json:"sender,omitempty"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Store wraps the sqlite audit database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the audit database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertApprovalRequest records a new pending approval.
func (s *Store) InsertApprovalRequest(rec *ApprovalRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO approvals (approval_id, trace_id, tool, tier, arguments, sender, status)
		VALUES (?, ?, ?, ?, ?, ?, 'pending')`,
		rec.ApprovalID, rec.TraceID, rec.Tool, rec.Tier, rec.Arguments, rec.Sender)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// UpdateApprovalStatus moves an approval to a terminal status.
func (s *Store) UpdateApprovalStatus(approvalID, status string) error {
	_, err := s.db.Exec(`
		UPDATE approvals SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE approval_id = ?`, status, approvalID)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	return nil
}

// GetPendingApprovals returns approvals still waiting for a decision.
func (s *Store) GetPendingApprovals() ([]*ApprovalRecord, error) {
	rows, err := s.db.Query(`
		SELECT approval_id, trace_id, tool, tier, arguments, sender, status, created_at
		FROM approvals WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query pending approvals: %w", err)
	}
	defer rows.Close()

	var out []*ApprovalRecord
	for rows.Next() {
		var rec ApprovalRecord
		var traceID, args, sender sql.NullString
		if err := rows.Scan(&rec.ApprovalID, &traceID, &rec.Tool, &rec.Tier, &args, &sender, &rec.Status, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		rec.TraceID = traceID.String
		rec.Arguments = args.String
		rec.Sender = sender.String
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// LogPolicyDecision appends a policy evaluation to the trail.
func (s *Store) LogPolicyDecision(rec *PolicyDecisionRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO policy_decisions (trace_id, tool, tier, sender, allowed, reason)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.TraceID, rec.Tool, rec.Tier, rec.Sender, rec.Allowed, rec.Reason)
	if err != nil {
		return fmt.Errorf("log policy decision: %w", err)
	}
	return nil
}

// RecentDecisions returns the newest policy decisions, newest first.
func (s *Store) RecentDecisions(limit int) ([]*PolicyDecisionRecord, error) {
	rows, err := s.db.Query(`
		SELECT trace_id, tool, tier, sender, allowed, reason
		FROM policy_decisions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query policy decisions: %w", err)
	}
	defer rows.Close()

	var out []*PolicyDecisionRecord
	for rows.Next() {
		var rec PolicyDecisionRecord
		var traceID, sender, reason sql.NullString
		if err := rows.Scan(&traceID, &rec.Tool, &rec.Tier, &sender, &rec.Allowed, &reason); err != nil {
			return nil, fmt.Errorf("scan policy decision: %w", err)
		}
		rec.TraceID = traceID.String
		rec.Sender = sender.String
		rec.Reason = reason.String
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// GetSetting returns the value for key, or "" when unset.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting upserts a settings value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}
