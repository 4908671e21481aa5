package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"vaultgate.io/internal/ids"
	"vaultgate.io/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context so every event
// recorded during the request carries it.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Recorder is the audit event sink. Writes are synchronous: callers must treat
// a recorder error as fatal for the operation being described, so no
// authentication decision leaves the system without a durable record.
type Recorder interface {
	RecordSuccess(ctx context.Context, tenantID, userID, sessionID string, client ClientInfo) error
	RecordFailure(ctx context.Context, tenantID, username string, reason ReasonCode, client ClientInfo) error
	RecordIncident(ctx context.Context, tenantID, incidentType string, severity Severity, details map[string]string) error
}

// Log is the Postgres-backed recorder. Every event is inserted into the
// append-only audit_events table and mirrored as a JSON log line.
type Log struct {
	db  *sql.DB
	now func() time.Time
}

var _ Recorder = (*Log)(nil)

// NewLog creates a recorder over an existing pool.
func NewLog(db *sql.DB) *Log {
	return &Log{db: db, now: time.Now}
}

// SetClock overrides the time source (tests only).
func (l *Log) SetClock(fn func() time.Time) {
	if fn != nil {
		l.now = fn
	}
}

func (l *Log) RecordSuccess(ctx context.Context, tenantID, userID, sessionID string, client ClientInfo) error {
	return l.append(ctx, Event{
		Outcome:   OutcomeSuccess,
		TenantID:  tenantID,
		UserID:    userID,
		SessionID: sessionID,
		Severity:  SeverityInfo,
		Client:    client,
	})
}

func (l *Log) RecordFailure(ctx context.Context, tenantID, username string, reason ReasonCode, client ClientInfo) error {
	return l.append(ctx, Event{
		Outcome:  OutcomeFailure,
		TenantID: tenantID,
		Username: username,
		Reason:   reason,
		Severity: SeverityInfo,
		Client:   client,
	})
}

func (l *Log) RecordIncident(ctx context.Context, tenantID, incidentType string, severity Severity, details map[string]string) error {
	return l.append(ctx, Event{
		Outcome:      OutcomeIncident,
		TenantID:     tenantID,
		IncidentType: incidentType,
		Severity:     severity,
		Details:      details,
	})
}

func (l *Log) append(ctx context.Context, ev Event) error {
	ev.ID = ids.New()
	ev.OccurredAt = l.now().UTC()
	ev.RequestID = RequestIDFromContext(ctx)

	details, _ := json.Marshal(ev.Details)
	_, err := l.db.ExecContext(ctx, `
		insert into audit_events(id, occurred_at, outcome, tenant_id, user_id, username,
			session_id, reason, incident_type, severity, client_ip, user_agent, request_id, details)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, ev.ID, ev.OccurredAt, string(ev.Outcome), ev.TenantID, ev.UserID, ev.Username,
		ev.SessionID, string(ev.Reason), ev.IncidentType, string(ev.Severity),
		ev.Client.IP, ev.Client.UserAgent, ev.RequestID, details)
	if err != nil {
		return err
	}
	mirror(ev)
	return nil
}

// mirror writes the operational JSON tail. The table is the compliance record;
// the log line is for tailing and alerting.
func mirror(ev Event) {
	entry := map[string]any{
		"ts":      ev.OccurredAt.Format(time.RFC3339Nano),
		"type":    "audit",
		"event":   "auth." + string(ev.Outcome),
		"id":      ev.ID,
		"outcome": string(ev.Outcome),
	}
	if ev.TenantID != "" {
		entry["tenant_id"] = ev.TenantID
	}
	if ev.UserID != "" {
		entry["user_id"] = ev.UserID
	}
	if ev.Reason != "" {
		entry["reason"] = string(ev.Reason)
	}
	if ev.IncidentType != "" {
		entry["incident_type"] = ev.IncidentType
		entry["severity"] = string(ev.Severity)
	}
	if ev.RequestID != "" {
		entry["request_id"] = ev.RequestID
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	obs.Logger().Println(string(data))
}

// Memory is an in-process recorder used by tests and DSN-less local runs. It
// serves concurrent requests in the DSN-less server, so writes and reads are
// mutex-protected like the in-memory entity store.
type Memory struct {
	mu     sync.Mutex
	events []Event
	now    func() time.Time
	fail   error
}

var _ Recorder = (*Memory)(nil)

// NewMemory creates an empty recorder.
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

// FailWith makes every subsequent write return err (tests exercise the
// fail-closed path with this).
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Events returns recorded events in append order.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *Memory) RecordSuccess(ctx context.Context, tenantID, userID, sessionID string, client ClientInfo) error {
	return m.append(ctx, Event{
		Outcome: OutcomeSuccess, TenantID: tenantID, UserID: userID,
		SessionID: sessionID, Severity: SeverityInfo, Client: client,
	})
}

func (m *Memory) RecordFailure(ctx context.Context, tenantID, username string, reason ReasonCode, client ClientInfo) error {
	return m.append(ctx, Event{
		Outcome: OutcomeFailure, TenantID: tenantID, Username: username,
		Reason: reason, Severity: SeverityInfo, Client: client,
	})
}

func (m *Memory) RecordIncident(ctx context.Context, tenantID, incidentType string, severity Severity, details map[string]string) error {
	return m.append(ctx, Event{
		Outcome: OutcomeIncident, TenantID: tenantID,
		IncidentType: incidentType, Severity: severity, Details: details,
	})
}

func (m *Memory) append(ctx context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	ev.ID = ids.New()
	ev.OccurredAt = m.now().UTC()
	ev.RequestID = RequestIDFromContext(ctx)
	m.events = append(m.events, ev)
	return nil
}
