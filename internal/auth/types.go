package auth

import (
	"time"

	"vaultgate.io/internal/audit"
	"vaultgate.io/internal/entity"
)

// LoginRequest is the input of the login operation. The API token arrives via
// the Authorization header (preferred) or the request body.
type LoginRequest struct {
	Username string
	Password string
	APIToken string
	Client   audit.ClientInfo
}

// Profile is the minimal user and tenant context returned to the caller after
// a successful login. The business layer downstream receives nothing else.
type Profile struct {
	UserID      string   `json:"id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name,omitempty"`
	TenantID    string   `json:"tenant_id"`
	TenantName  string   `json:"tenant_name"`
	Roles       []string `json:"roles,omitempty"`
}

// LoginResult is the typed outcome of a login call. Expected failures are
// encoded here rather than as errors; Code and Message are constant-shape.
type LoginResult struct {
	Success        bool
	Code           Code
	Message        string
	SessionToken   string
	SessionExpires time.Time
	User           Profile
}

// TenantContext is what the resolver derives from an API token. The tenant id
// flows from here as an explicit parameter; nothing downstream re-derives it.
type TenantContext struct {
	TenantID   entity.ID
	TenantName string
	TokenID    entity.ID
}

// SessionContext identifies an authenticated (tenant, user) pair.
type SessionContext struct {
	SessionID entity.ID
	TenantID  entity.ID
	UserID    entity.ID
	Username  string
	ExpiresAt time.Time
}

// Versioned attribute keys used by the auth core.
const (
	attrPasswordHash  = "password_hash"
	attrActive        = "is_active"
	attrDisplayName   = "display_name"
	attrName          = "name"
	attrFailedCount   = "failed_count"
	attrFirstFailedAt = "first_failed_at"
	attrLockedUntil   = "locked_until"
	attrExpiresAt     = "expires_at"
	attrUsageCount    = "usage_count"
	attrLastUsedAt    = "last_used_at"
	attrStatus        = "status"
	attrTenantID      = "tenant_id"
	attrUserID        = "user_id"
	attrUsername      = "username"
	attrClientIP      = "ip"
	attrUserAgent     = "user_agent"
)

// Session statuses.
const (
	sessionActive  = "active"
	sessionExpired = "expired"
	sessionRevoked = "revoked"
)
