package entity

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func seedIdentity(t *testing.T, s Store, ident Identity) {
	t.Helper()
	if err := s.EnsureIdentity(context.Background(), ident); err != nil {
		t.Fatalf("EnsureIdentity: %v", err)
	}
}

func TestSingleCurrentInvariant(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	id := TenantID("acme")
	seedIdentity(t, s, Identity{ID: id, Kind: KindTenant, BusinessKey: "acme"})

	for i := 0; i < 10; i++ {
		if err := s.AppendVersion(ctx, id, Attributes{"rev": i}); err != nil {
			t.Fatalf("AppendVersion %d: %v", i, err)
		}
	}

	history, err := s.History(ctx, id)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 10 {
		t.Fatalf("expected 10 versions, got %d", len(history))
	}
	open := 0
	for _, v := range history {
		if v.Current() {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("expected exactly one open version, got %d", open)
	}

	current, found, err := s.GetCurrent(ctx, id)
	if err != nil || !found {
		t.Fatalf("GetCurrent: found=%v err=%v", found, err)
	}
	if current.Attrs.Int("rev") != 9 {
		t.Fatalf("current version should be the last append, got rev=%d", current.Attrs.Int("rev"))
	}
}

func TestAppendVersionNoOpOnSameHash(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	id := TenantID("acme")
	seedIdentity(t, s, Identity{ID: id, Kind: KindTenant, BusinessKey: "acme"})

	attrs := Attributes{"name": "Acme", "active": true}
	if err := s.AppendVersion(ctx, id, attrs); err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}
	if err := s.AppendVersion(ctx, id, attrs.Clone()); err != nil {
		t.Fatalf("AppendVersion repeat: %v", err)
	}
	history, _ := s.History(ctx, id)
	if len(history) != 1 {
		t.Fatalf("identical attributes must not create a new version, got %d", len(history))
	}
}

func TestAppendVersionUnknownIdentity(t *testing.T) {
	s := NewInMemory()
	if err := s.AppendVersion(context.Background(), TenantID("ghost"), Attributes{"x": 1}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentAppendsKeepOneCurrent(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	id := TenantID("acme")
	seedIdentity(t, s, Identity{ID: id, Kind: KindTenant, BusinessKey: "acme"})

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.AppendVersion(ctx, id, Attributes{"writer": fmt.Sprintf("w-%d", n)})
		}(i)
	}
	wg.Wait()

	history, err := s.History(ctx, id)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 64 {
		t.Fatalf("expected all 64 appends recorded, got %d", len(history))
	}
	open := 0
	for _, v := range history {
		if v.Current() {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("expected exactly one open version after concurrent appends, got %d", open)
	}
}

func TestAppendVersionIfRejectsStaleHash(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	id := TenantID("acme")
	seedIdentity(t, s, Identity{ID: id, Kind: KindTenant, BusinessKey: "acme"})

	// Empty expected hash means "no version yet".
	if err := s.AppendVersionIf(ctx, id, Attributes{"rev": 1}, ""); err != nil {
		t.Fatalf("first guarded append: %v", err)
	}
	current, _, err := s.GetCurrent(ctx, id)
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}

	if err := s.AppendVersionIf(ctx, id, Attributes{"rev": 2}, current.ChangeHash); err != nil {
		t.Fatalf("guarded append with fresh hash: %v", err)
	}
	if err := s.AppendVersionIf(ctx, id, Attributes{"rev": 3}, current.ChangeHash); err != ErrVersionConflict {
		t.Fatalf("stale hash must conflict, got %v", err)
	}
	if err := s.AppendVersionIf(ctx, id, Attributes{"rev": 3}, ""); err != ErrVersionConflict {
		t.Fatalf("empty hash against existing version must conflict, got %v", err)
	}

	history, _ := s.History(ctx, id)
	if len(history) != 2 {
		t.Fatalf("conflicting appends must not write, got %d versions", len(history))
	}
}

func TestGuardedCounterKeepsEveryIncrement(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	id := TenantID("acme")
	seedIdentity(t, s, Identity{ID: id, Kind: KindTenant, BusinessKey: "acme"})
	if err := s.AppendVersion(ctx, id, Attributes{"count": 0}); err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}

	// Read-increment-append under contention: the guard forces losers to
	// re-read, so no increment can overwrite another.
	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				current, _, err := s.GetCurrent(ctx, id)
				if err != nil {
					t.Errorf("GetCurrent: %v", err)
					return
				}
				next := current.Attrs.Clone()
				next["count"] = current.Attrs.Int("count") + 1
				err = s.AppendVersionIf(ctx, id, next, current.ChangeHash)
				if err == nil {
					return
				}
				if err != ErrVersionConflict {
					t.Errorf("AppendVersionIf: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	current, _, err := s.GetCurrent(ctx, id)
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if got := current.Attrs.Int("count"); got != writers {
		t.Fatalf("expected %d increments to survive, got %d", writers, got)
	}
}

func TestVersionAt(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	id := TenantID("acme")
	seedIdentity(t, s, Identity{ID: id, Kind: KindTenant, BusinessKey: "acme"})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	s.SetClock(func() time.Time { return clock })

	if err := s.AppendVersion(ctx, id, Attributes{"rev": 1}); err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}
	clock = base.Add(time.Hour)
	if err := s.AppendVersion(ctx, id, Attributes{"rev": 2}); err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}

	v, found, err := s.VersionAt(ctx, id, base.Add(30*time.Minute))
	if err != nil || !found {
		t.Fatalf("VersionAt: found=%v err=%v", found, err)
	}
	if v.Attrs.Int("rev") != 1 {
		t.Fatalf("expected rev 1 at t+30m, got %d", v.Attrs.Int("rev"))
	}

	v, found, err = s.VersionAt(ctx, id, base.Add(2*time.Hour))
	if err != nil || !found {
		t.Fatalf("VersionAt current: found=%v err=%v", found, err)
	}
	if v.Attrs.Int("rev") != 2 {
		t.Fatalf("expected rev 2 at t+2h, got %d", v.Attrs.Int("rev"))
	}

	if _, found, _ = s.VersionAt(ctx, id, base.Add(-time.Minute)); found {
		t.Fatal("no version should exist before the first append")
	}
}

func TestLinkEnforcesTenantBoundary(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	t1 := TenantID("acme")
	t2 := TenantID("globex")
	seedIdentity(t, s, Identity{ID: t1, Kind: KindTenant, BusinessKey: "acme"})
	seedIdentity(t, s, Identity{ID: t2, Kind: KindTenant, BusinessKey: "globex"})

	alice := UserID(t1, "alice")
	bob := UserID(t2, "bob")
	adminRole := RoleID(t1, "admin")
	seedIdentity(t, s, Identity{ID: alice, Kind: KindUser, TenantID: t1, BusinessKey: "alice"})
	seedIdentity(t, s, Identity{ID: bob, Kind: KindUser, TenantID: t2, BusinessKey: "bob"})
	seedIdentity(t, s, Identity{ID: adminRole, Kind: KindRole, TenantID: t1, BusinessKey: "admin"})

	if err := s.Link(ctx, Relationship{TenantID: t1, FromID: alice, ToID: adminRole, Kind: RelUserRole}); err != nil {
		t.Fatalf("same-tenant link rejected: %v", err)
	}
	// Linking to the tenant identity itself is allowed.
	if err := s.Link(ctx, Relationship{TenantID: t1, FromID: alice, ToID: t1, Kind: RelUserTenant}); err != nil {
		t.Fatalf("user-tenant link rejected: %v", err)
	}
	if err := s.Link(ctx, Relationship{TenantID: t1, FromID: alice, ToID: bob, Kind: RelUserRole}); err != ErrTenantMismatch {
		t.Fatalf("cross-tenant link must fail with ErrTenantMismatch, got %v", err)
	}

	links, err := s.Linked(ctx, alice, RelUserRole)
	if err != nil {
		t.Fatalf("Linked: %v", err)
	}
	if len(links) != 1 || links[0].ToID != adminRole {
		t.Fatalf("unexpected links: %+v", links)
	}
}

func TestFindByBusinessKeyScopesTenant(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	t1 := TenantID("acme")
	t2 := TenantID("globex")
	alice := UserID(t1, "alice")
	seedIdentity(t, s, Identity{ID: alice, Kind: KindUser, TenantID: t1, BusinessKey: "alice"})

	if _, err := s.FindByBusinessKey(ctx, KindUser, t1, "alice"); err != nil {
		t.Fatalf("expected alice in t1: %v", err)
	}
	if _, err := s.FindByBusinessKey(ctx, KindUser, t2, "alice"); err != ErrNotFound {
		t.Fatalf("alice must not resolve under t2, got %v", err)
	}
	if _, err := s.FindByBusinessKey(ctx, KindTenant, t1, "acme"); err != ErrKindMismatch {
		t.Fatalf("tenant kind is not business-key addressable, got %v", err)
	}
}
