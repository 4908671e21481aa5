package audit

import "time"

// ReasonCode is the internal diagnostic detail attached to an audit event.
// Reasons are never echoed to the caller; the external error taxonomy lives in
// the auth package.
type ReasonCode string

const (
	ReasonUserNotInTenant ReasonCode = "USER_NOT_IN_TENANT"
	ReasonInvalidPassword ReasonCode = "INVALID_PASSWORD"
	ReasonTokenExpired    ReasonCode = "TOKEN_EXPIRED"
	ReasonTokenUnknown    ReasonCode = "TOKEN_UNKNOWN"
	ReasonLockoutActive   ReasonCode = "LOCKOUT_ACTIVE"
)

// Severity grades incidents.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Outcome classifies the event row.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeIncident Outcome = "incident"
)

// ClientInfo carries request metadata recorded with every event.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// Event is one append-only audit record. Events are written once and never
// updated or deleted; retention is indefinite.
type Event struct {
	ID           string
	OccurredAt   time.Time
	Outcome      Outcome
	TenantID     string // empty when no tenant was resolved
	UserID       string
	Username     string
	SessionID    string
	Reason       ReasonCode
	IncidentType string
	Severity     Severity
	Client       ClientInfo
	RequestID    string
	Details      map[string]string
}
