package security

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Audit events
// ---------------------------------------------------------------------------

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditFuncAdd     AuditEventType = "FUNC_ADD"
	AuditFuncModify  AuditEventType = "FUNC_MODIFY"
	AuditFuncDelete  AuditEventType = "FUNC_DELETE"
	AuditFuncInvoke  AuditEventType = "FUNC_INVOKE"
	AuditFuncList    AuditEventType = "FUNC_LIST"
	AuditAuthAttempt AuditEventType = "AUTH_ATTEMPT"
	AuditRateLimit   AuditEventType = "RATE_LIMIT"
	AuditInputReject AuditEventType = "INPUT_REJECTED"
)

// AuditSeverity indicates the importance of an audit event.
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "INFO"
	SeverityWarn     AuditSeverity = "WARN"
	SeverityCritical AuditSeverity = "CRITICAL"
)

// AuditEvent is a single immutable audit record.
type AuditEvent struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Severity  AuditSeverity     `json:"severity"`
	Actor     string            `json:"actor"`    // caller identity, "" for anonymous
	Action    string            `json:"action"`   // what happened
	Resource  string            `json:"resource"` // <file>/<function>
	Details   map[string]string `json:"details,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
}

// ---------------------------------------------------------------------------
// Audit logger (append-only)
// ---------------------------------------------------------------------------

// AuditStore is an abstraction for persistent audit storage.
type AuditStore interface {
	Append(event AuditEvent) error
	Query(filter AuditFilter) ([]AuditEvent, error)
	Count() (int, error)
}

// AuditFilter defines criteria for querying audit events.
type AuditFilter struct {
	Since    time.Time      // Events after this time
	Until    time.Time      // Events before this time
	Type     AuditEventType // Filter by type (empty = all)
	Severity AuditSeverity  // Filter by severity (empty = all)
	Actor    string         // Filter by actor (empty = all)
	Limit    int            // Max results (0 = default 100)
}

func (f AuditFilter) match(e AuditEvent) bool {
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	return true
}

// AuditLogger provides an append-only trail of store mutations, invocations
// and authentication attempts.
type AuditLogger struct {
	store AuditStore
}

// NewAuditLogger creates an AuditLogger with the given store. A nil store
// makes every call a no-op.
func NewAuditLogger(store AuditStore) *AuditLogger {
	return &AuditLogger{store: store}
}

// Log records an audit event and returns its ID.
func (a *AuditLogger) Log(eventType AuditEventType, severity AuditSeverity, actor, action, resource string, success bool, details map[string]string) string {
	return a.append(AuditEvent{
		Type:     eventType,
		Severity: severity,
		Actor:    actor,
		Action:   action,
		Resource: resource,
		Details:  details,
		Success:  success,
	})
}

// LogError records a failed operation.
func (a *AuditLogger) LogError(eventType AuditEventType, actor, action, resource, errMsg string, details map[string]string) string {
	return a.append(AuditEvent{
		Type:     eventType,
		Severity: SeverityWarn,
		Actor:    actor,
		Action:   action,
		Resource: resource,
		Details:  details,
		Error:    errMsg,
	})
}

func (a *AuditLogger) append(event AuditEvent) string {
	event.ID = "audit-" + uuid.New().String()
	event.Timestamp = time.Now().UTC()
	if a != nil && a.store != nil {
		_ = a.store.Append(event) // audit failures never fail the operation
	}
	return event.ID
}

// Query retrieves audit events matching the filter, newest first.
func (a *AuditLogger) Query(filter AuditFilter) ([]AuditEvent, error) {
	if a == nil || a.store == nil {
		return nil, fmt.Errorf("no audit store configured")
	}
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	return a.store.Query(filter)
}

// Count returns total number of audit events.
func (a *AuditLogger) Count() (int, error) {
	if a == nil || a.store == nil {
		return 0, nil
	}
	return a.store.Count()
}

// ---------------------------------------------------------------------------
// In-memory audit store
// ---------------------------------------------------------------------------

// MemoryAuditStore is an in-memory audit store backed by a slice.
type MemoryAuditStore struct {
	mu     sync.RWMutex
	events []AuditEvent
}

// NewMemoryAuditStore creates a MemoryAuditStore.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{events: make([]AuditEvent, 0, 256)}
}

// Append adds an event.
func (s *MemoryAuditStore) Append(event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Query returns events matching the filter, newest first.
func (s *MemoryAuditStore) Query(filter AuditFilter) ([]AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []AuditEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		if !filter.match(s.events[i]) {
			continue
		}
		results = append(results, s.events[i])
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

// Count returns the total number of events.
func (s *MemoryAuditStore) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), nil
}

// MarshalJSON serializes the audit store for export.
func (s *MemoryAuditStore) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.events)
}

// ---------------------------------------------------------------------------
// SQL audit store
// ---------------------------------------------------------------------------

// auditTimeFormat has a fixed width so timestamps sort lexically.
const auditTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLAuditStore persists audit events in an audit_events table. It shares
// the database handle of the SQLite store backend.
type SQLAuditStore struct {
	db *sql.DB
}

// NewSQLAuditStore creates the audit table if needed.
func NewSQLAuditStore(db *sql.DB) (*SQLAuditStore, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id        TEXT PRIMARY KEY,
		ts        TEXT NOT NULL,
		type      TEXT NOT NULL,
		severity  TEXT NOT NULL,
		actor     TEXT NOT NULL DEFAULT '',
		action    TEXT NOT NULL DEFAULT '',
		resource  TEXT NOT NULL DEFAULT '',
		details   TEXT NOT NULL DEFAULT '{}',
		success   INTEGER NOT NULL DEFAULT 0,
		error     TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &SQLAuditStore{db: db}, nil
}

// Append inserts an event.
func (s *SQLAuditStore) Append(event AuditEvent) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	success := 0
	if event.Success {
		success = 1
	}
	_, err = s.db.ExecContext(context.Background(), `
		INSERT INTO audit_events (id, ts, type, severity, actor, action, resource, details, success, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Timestamp.Format(auditTimeFormat), string(event.Type), string(event.Severity),
		event.Actor, event.Action, event.Resource, string(details), success, event.Error,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Query returns events matching the filter, newest first.
func (s *SQLAuditStore) Query(filter AuditFilter) ([]AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	if !filter.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, filter.Since.UTC().Format(auditTimeFormat))
	}
	if !filter.Until.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, filter.Until.UTC().Format(auditTimeFormat))
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, filter.Actor)
	}

	q := "SELECT id, ts, type, severity, actor, action, resource, details, success, error FROM audit_events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts DESC"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(context.Background(), q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var results []AuditEvent
	for rows.Next() {
		var (
			e            AuditEvent
			ts, typ, sev string
			details      string
			success      int
		)
		if err := rows.Scan(&e.ID, &ts, &typ, &sev, &e.Actor, &e.Action, &e.Resource, &details, &success, &e.Error); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(auditTimeFormat, ts)
		e.Type = AuditEventType(typ)
		e.Severity = AuditSeverity(sev)
		e.Success = success == 1
		if details != "" && details != "null" {
			_ = json.Unmarshal([]byte(details), &e.Details)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// Count returns the total number of events.
func (s *SQLAuditStore) Count() (int, error) {
	var n int
	err := s.db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM audit_events").Scan(&n)
	return n, err
}
