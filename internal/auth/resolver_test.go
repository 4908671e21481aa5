package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vaultgate.io/internal/audit"
	"vaultgate.io/internal/entity"
)

func TestResolveTenantUnknownToken(t *testing.T) {
	store := entity.NewInMemory()
	r := NewTenantResolver(store)

	_, reason, err := r.ResolveTenant(context.Background(), "tok_bad")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if reason != audit.ReasonTokenUnknown {
		t.Fatalf("expected TOKEN_UNKNOWN reason, got %s", reason)
	}
}

func TestResolveTenantExpiredToken(t *testing.T) {
	store := entity.NewInMemory()
	ctx := context.Background()
	tenant, err := ProvisionTenant(ctx, store, "acme", "Acme Corp")
	if err != nil {
		t.Fatalf("ProvisionTenant: %v", err)
	}
	expiry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, err := ProvisionAPIToken(ctx, store, tenant, "tok1", expiry); err != nil {
		t.Fatalf("ProvisionAPIToken: %v", err)
	}

	r := NewTenantResolver(store)
	r.SetClock(func() time.Time { return expiry.Add(time.Second) })

	_, reason, err := r.ResolveTenant(ctx, "tok1")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if reason != audit.ReasonTokenExpired {
		t.Fatalf("expected TOKEN_EXPIRED reason, got %s", reason)
	}
}

func TestResolveTenantDeactivatedToken(t *testing.T) {
	store := entity.NewInMemory()
	ctx := context.Background()
	tenant, _ := ProvisionTenant(ctx, store, "acme", "Acme Corp")
	if _, err := ProvisionAPIToken(ctx, store, tenant, "tok1", time.Time{}); err != nil {
		t.Fatalf("ProvisionAPIToken: %v", err)
	}
	if err := DeactivateAPIToken(ctx, store, "tok1"); err != nil {
		t.Fatalf("DeactivateAPIToken: %v", err)
	}

	r := NewTenantResolver(store)
	_, reason, err := r.ResolveTenant(ctx, "tok1")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if reason != audit.ReasonTokenUnknown {
		t.Fatalf("deactivated token must read as unknown, got %s", reason)
	}
}

func TestResolveTenantSuccessBumpsUsage(t *testing.T) {
	store := entity.NewInMemory()
	ctx := context.Background()
	tenant, _ := ProvisionTenant(ctx, store, "acme", "Acme Corp")
	tokenID, err := ProvisionAPIToken(ctx, store, tenant, "tok1", time.Time{})
	if err != nil {
		t.Fatalf("ProvisionAPIToken: %v", err)
	}

	r := NewTenantResolver(store)
	for i := 1; i <= 3; i++ {
		tc, reason, err := r.ResolveTenant(ctx, "tok1")
		if err != nil {
			t.Fatalf("ResolveTenant %d: %v (reason=%s)", i, err, reason)
		}
		if tc.TenantID != tenant {
			t.Fatalf("resolved wrong tenant: %s", tc.TenantID)
		}
		if tc.TenantName != "Acme Corp" {
			t.Fatalf("unexpected tenant name: %s", tc.TenantName)
		}
	}

	current, found, err := store.GetCurrent(ctx, tokenID)
	if err != nil || !found {
		t.Fatalf("GetCurrent: found=%v err=%v", found, err)
	}
	if current.Attrs.Int(attrUsageCount) != 3 {
		t.Fatalf("expected usage_count=3, got %d", current.Attrs.Int(attrUsageCount))
	}
	if current.Attrs.Time(attrLastUsedAt).IsZero() {
		t.Fatal("last_used_at not recorded")
	}

	history, _ := store.History(ctx, tokenID)
	if len(history) != 4 {
		t.Fatalf("expected 4 token versions (provision + 3 uses), got %d", len(history))
	}
}

func TestResolveTenantConcurrentUsageAccounting(t *testing.T) {
	store := entity.NewInMemory()
	ctx := context.Background()
	tenant, _ := ProvisionTenant(ctx, store, "acme", "Acme Corp")
	tokenID, err := ProvisionAPIToken(ctx, store, tenant, "tok1", time.Time{})
	if err != nil {
		t.Fatalf("ProvisionAPIToken: %v", err)
	}

	// Simultaneous logins share the token; the usage counter must account for
	// all of them, not just the last writer.
	r := NewTenantResolver(store)
	const callers = 4
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := r.ResolveTenant(ctx, "tok1"); err != nil {
				t.Errorf("ResolveTenant: %v", err)
			}
		}()
	}
	wg.Wait()

	current, found, err := store.GetCurrent(ctx, tokenID)
	if err != nil || !found {
		t.Fatalf("GetCurrent: found=%v err=%v", found, err)
	}
	if got := current.Attrs.Int(attrUsageCount); got != callers {
		t.Fatalf("expected usage_count=%d, got %d", callers, got)
	}
}
