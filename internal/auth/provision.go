package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vaultgate.io/internal/entity"
)

// Provisioning is the admin-plane flow: tenants, users, roles, and API tokens
// are created out-of-band, never during login. These helpers back the seed
// tooling and tests; a dedicated admin surface would call the same functions.

// ProvisionTenant creates (or re-affirms) a tenant identity.
func ProvisionTenant(ctx context.Context, store entity.Store, businessKey, name string) (entity.ID, error) {
	businessKey = strings.ToLower(strings.TrimSpace(businessKey))
	if businessKey == "" {
		return entity.ID{}, fmt.Errorf("tenant business key is required")
	}
	id := entity.TenantID(businessKey)
	err := store.EnsureIdentity(ctx, entity.Identity{
		ID:          id,
		Kind:        entity.KindTenant,
		BusinessKey: businessKey,
	})
	if err != nil {
		return entity.ID{}, fmt.Errorf("ensure tenant: %w", err)
	}
	attrs := entity.Attributes{attrName: name, attrActive: true}
	if err := store.AppendVersion(ctx, id, attrs); err != nil {
		return entity.ID{}, fmt.Errorf("write tenant attributes: %w", err)
	}
	return id, nil
}

// ProvisionUser creates a user inside a tenant with the given password and
// role links.
func ProvisionUser(ctx context.Context, store entity.Store, tenant entity.ID, username, password string, roles ...string) (entity.ID, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return entity.ID{}, fmt.Errorf("username is required")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return entity.ID{}, fmt.Errorf("hash password: %w", err)
	}

	id := entity.UserID(tenant, username)
	err = store.EnsureIdentity(ctx, entity.Identity{
		ID:          id,
		Kind:        entity.KindUser,
		TenantID:    tenant,
		BusinessKey: username,
	})
	if err != nil {
		return entity.ID{}, fmt.Errorf("ensure user: %w", err)
	}
	attrs := entity.Attributes{
		attrPasswordHash: hash,
		attrActive:       true,
		attrDisplayName:  username,
	}
	if err := store.AppendVersion(ctx, id, attrs); err != nil {
		return entity.ID{}, fmt.Errorf("write user attributes: %w", err)
	}

	if err := store.Link(ctx, entity.Relationship{
		TenantID: tenant, FromID: id, ToID: tenant, Kind: entity.RelUserTenant,
	}); err != nil {
		return entity.ID{}, fmt.Errorf("link user to tenant: %w", err)
	}
	for _, role := range roles {
		roleID, err := provisionRole(ctx, store, tenant, role)
		if err != nil {
			return entity.ID{}, err
		}
		if err := store.Link(ctx, entity.Relationship{
			TenantID: tenant, FromID: id, ToID: roleID, Kind: entity.RelUserRole,
		}); err != nil {
			return entity.ID{}, fmt.Errorf("link role %q: %w", role, err)
		}
	}
	return id, nil
}

// ProvisionAPIToken registers a raw token for a tenant. The raw value is
// hashed immediately; the zero expiry means the token never expires.
func ProvisionAPIToken(ctx context.Context, store entity.Store, tenant entity.ID, rawToken string, expires time.Time) (entity.ID, error) {
	if rawToken == "" {
		return entity.ID{}, fmt.Errorf("token value is required")
	}
	digest := TokenDigest(rawToken)
	id := entity.TokenID(digest)
	err := store.EnsureIdentity(ctx, entity.Identity{
		ID:          id,
		Kind:        entity.KindAPIToken,
		TenantID:    tenant,
		BusinessKey: digest,
	})
	if err != nil {
		return entity.ID{}, fmt.Errorf("ensure token: %w", err)
	}
	attrs := entity.Attributes{attrActive: true, attrUsageCount: 0}
	if !expires.IsZero() {
		attrs.SetTime(attrExpiresAt, expires)
	}
	if err := store.AppendVersion(ctx, id, attrs); err != nil {
		return entity.ID{}, fmt.Errorf("write token attributes: %w", err)
	}
	return id, nil
}

// DeactivateAPIToken retires a token by appending an inactive version.
// Nothing is deleted; the history stays queryable.
func DeactivateAPIToken(ctx context.Context, store entity.Store, rawToken string) error {
	id := entity.TokenID(TokenDigest(rawToken))
	current, found, err := store.GetCurrent(ctx, id)
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	if !found {
		return entity.ErrNotFound
	}
	attrs := current.Attrs.Clone()
	attrs[attrActive] = false
	return store.AppendVersion(ctx, id, attrs)
}

func provisionRole(ctx context.Context, store entity.Store, tenant entity.ID, name string) (entity.ID, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return entity.ID{}, fmt.Errorf("role name is required")
	}
	id := entity.RoleID(tenant, name)
	err := store.EnsureIdentity(ctx, entity.Identity{
		ID:          id,
		Kind:        entity.KindRole,
		TenantID:    tenant,
		BusinessKey: name,
	})
	if err != nil {
		return entity.ID{}, fmt.Errorf("ensure role: %w", err)
	}
	return id, nil
}
