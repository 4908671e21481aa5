package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"vaultgate.io/internal/audit"
	"vaultgate.io/internal/entity"
)

const defaultSessionTTL = 24 * time.Hour

// SessionManager issues, validates, and revokes opaque session tokens bound
// to a (tenant, user) pair. Tokens carry 256 bits of entropy and are stored
// by digest only.
type SessionManager struct {
	store entity.Store
	ttl   time.Duration
	now   func() time.Time
}

// NewSessionManager constructs a manager; ttl <= 0 selects the 24h default.
func NewSessionManager(store entity.Store, ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &SessionManager{store: store, ttl: ttl, now: time.Now}
}

// SetClock overrides the time source (tests only).
func (m *SessionManager) SetClock(fn func() time.Time) {
	if fn != nil {
		m.now = fn
	}
}

// CreateSession mints a new session token. The raw token is returned exactly
// once and never persisted.
func (m *SessionManager) CreateSession(ctx context.Context, tenantID, userID entity.ID, username string, client audit.ClientInfo) (string, SessionContext, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", SessionContext{}, fmt.Errorf("generate session token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	digest := TokenDigest(token)
	sessionID := entity.SessionID(digest)
	now := m.now().UTC()
	expires := now.Add(m.ttl)

	err := m.store.EnsureIdentity(ctx, entity.Identity{
		ID:          sessionID,
		Kind:        entity.KindSession,
		TenantID:    tenantID,
		BusinessKey: digest,
	})
	if err != nil {
		return "", SessionContext{}, fmt.Errorf("create session identity: %w", err)
	}

	attrs := entity.Attributes{
		attrStatus:    sessionActive,
		attrTenantID:  tenantID.String(),
		attrUserID:    userID.String(),
		attrUsername:  username,
		attrClientIP:  client.IP,
		attrUserAgent: client.UserAgent,
	}
	attrs.SetTime(attrExpiresAt, expires)
	if err := m.store.AppendVersion(ctx, sessionID, attrs); err != nil {
		return "", SessionContext{}, fmt.Errorf("write session attributes: %w", err)
	}

	return token, SessionContext{
		SessionID: sessionID,
		TenantID:  tenantID,
		UserID:    userID,
		Username:  username,
		ExpiresAt: expires,
	}, nil
}

// ValidateSession checks a raw token and returns the bound context. Any
// failure collapses to ErrSessionInvalid.
func (m *SessionManager) ValidateSession(ctx context.Context, rawToken string) (SessionContext, error) {
	if rawToken == "" {
		return SessionContext{}, ErrSessionInvalid
	}
	sessionID := entity.SessionID(TokenDigest(rawToken))

	attrs, found, err := m.store.GetCurrent(ctx, sessionID)
	if err != nil {
		return SessionContext{}, fmt.Errorf("load session: %w", err)
	}
	if !found || attrs.Attrs.String(attrStatus) != sessionActive {
		return SessionContext{}, ErrSessionInvalid
	}

	expires := attrs.Attrs.Time(attrExpiresAt)
	if expires.IsZero() {
		return SessionContext{}, ErrSessionInvalid
	}
	if !m.now().UTC().Before(expires) {
		// Close the session with an explicit expired version; ValidateSession
		// is the only place expiry is observed.
		closed := attrs.Attrs.Clone()
		closed[attrStatus] = sessionExpired
		_ = m.store.AppendVersion(ctx, sessionID, closed)
		return SessionContext{}, ErrSessionInvalid
	}

	sc, err := sessionContextFrom(sessionID, attrs.Attrs, expires)
	if err != nil {
		return SessionContext{}, err
	}
	return sc, nil
}

// RevokeSession transitions a session to revoked. Revoking an unknown or
// already closed session reports ErrSessionInvalid.
func (m *SessionManager) RevokeSession(ctx context.Context, rawToken string) error {
	if rawToken == "" {
		return ErrSessionInvalid
	}
	sessionID := entity.SessionID(TokenDigest(rawToken))

	attrs, found, err := m.store.GetCurrent(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !found || attrs.Attrs.String(attrStatus) != sessionActive {
		return ErrSessionInvalid
	}
	revoked := attrs.Attrs.Clone()
	revoked[attrStatus] = sessionRevoked
	if err := m.store.AppendVersion(ctx, sessionID, revoked); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func sessionContextFrom(sessionID entity.ID, attrs entity.Attributes, expires time.Time) (SessionContext, error) {
	tenantID, err := entity.ParseID(attrs.String(attrTenantID))
	if err != nil {
		return SessionContext{}, errors.New("auth: session tenant corrupt")
	}
	userID, err := entity.ParseID(attrs.String(attrUserID))
	if err != nil {
		return SessionContext{}, errors.New("auth: session user corrupt")
	}
	return SessionContext{
		SessionID: sessionID,
		TenantID:  tenantID,
		UserID:    userID,
		Username:  attrs.String(attrUsername),
		ExpiresAt: expires,
	}, nil
}
