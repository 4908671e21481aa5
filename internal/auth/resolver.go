package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"vaultgate.io/internal/audit"
	"vaultgate.io/internal/entity"
)

// TenantResolver maps an opaque API token to the tenant it belongs to. It is
// the gate that establishes tenant scope: it must complete, and fail closed,
// before any user data is touched.
type TenantResolver struct {
	store entity.Store
	now   func() time.Time
}

// NewTenantResolver constructs a resolver over the given store.
func NewTenantResolver(store entity.Store) *TenantResolver {
	return &TenantResolver{store: store, now: time.Now}
}

// SetClock overrides the time source (tests only).
func (r *TenantResolver) SetClock(fn func() time.Time) {
	if fn != nil {
		r.now = fn
	}
}

// TokenDigest returns the storage key material for a raw token. Raw tokens
// never reach the store; only their digest does.
func TokenDigest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ResolveTenant validates the token and returns the tenant context. The
// returned error is always the generic ErrInvalidToken for expected failures;
// the reason code is for the audit trail only and is never echoed to callers.
func (r *TenantResolver) ResolveTenant(ctx context.Context, rawToken string) (TenantContext, audit.ReasonCode, error) {
	tokenID := entity.TokenID(TokenDigest(rawToken))

	ident, err := r.store.GetIdentity(ctx, tokenID)
	if errors.Is(err, entity.ErrNotFound) {
		return TenantContext{}, audit.ReasonTokenUnknown, ErrInvalidToken
	}
	if err != nil {
		return TenantContext{}, "", fmt.Errorf("resolve token identity: %w", err)
	}

	attrs, found, err := r.store.GetCurrent(ctx, tokenID)
	if err != nil {
		return TenantContext{}, "", fmt.Errorf("load token attributes: %w", err)
	}
	if !found || !attrs.Attrs.Bool(attrActive) {
		return TenantContext{}, audit.ReasonTokenUnknown, ErrInvalidToken
	}
	now := r.now().UTC()
	if exp := attrs.Attrs.Time(attrExpiresAt); !exp.IsZero() && !now.Before(exp) {
		return TenantContext{}, audit.ReasonTokenExpired, ErrInvalidToken
	}

	tenantID := ident.TenantID
	tenant, err := r.store.GetIdentity(ctx, tenantID)
	if errors.Is(err, entity.ErrNotFound) {
		return TenantContext{}, audit.ReasonTokenUnknown, ErrInvalidToken
	}
	if err != nil {
		return TenantContext{}, "", fmt.Errorf("resolve tenant identity: %w", err)
	}
	tenantAttrs, found, err := r.store.GetCurrent(ctx, tenant.ID)
	if err != nil {
		return TenantContext{}, "", fmt.Errorf("load tenant attributes: %w", err)
	}
	if !found || !tenantAttrs.Attrs.Bool(attrActive) {
		return TenantContext{}, audit.ReasonTokenUnknown, ErrInvalidToken
	}

	if err := r.recordUsage(ctx, tokenID, attrs, now); err != nil {
		return TenantContext{}, "", fmt.Errorf("record token usage: %w", err)
	}

	return TenantContext{
		TenantID:   tenantID,
		TenantName: tenantAttrs.Attrs.String(attrName),
		TokenID:    tokenID,
	}, "", nil
}

// recordUsage bumps the token's usage counter as a fresh version with a
// guarded append. Concurrent logins on the same token conflict instead of
// overwriting each other, and each loser re-reads and re-adds its increment.
func (r *TenantResolver) recordUsage(ctx context.Context, tokenID entity.ID, attrs entity.AttributeSet, now time.Time) error {
	for attempt := 0; attempt < maxCounterRetries; attempt++ {
		usage := attrs.Attrs.Clone()
		usage[attrUsageCount] = attrs.Attrs.Int(attrUsageCount) + 1
		usage.SetTime(attrLastUsedAt, now)

		err := r.store.AppendVersionIf(ctx, tokenID, usage, attrs.ChangeHash)
		if err == nil {
			return nil
		}
		if !errors.Is(err, entity.ErrVersionConflict) {
			return err
		}
		var found bool
		attrs, found, err = r.store.GetCurrent(ctx, tokenID)
		if err != nil {
			return err
		}
		if !found {
			return entity.ErrNotFound
		}
	}
	return fmt.Errorf("usage counter contention on %s", tokenID.String())
}
