package entity

import (
	"context"
	"time"
)

// Store is the temporal identity store: immutable identities, versioned
// attribute sets with exactly one open version per identity, and tenant-scoped
// relationship links. Implementations must serialize concurrent AppendVersion
// calls per identity; callers retry against the new current version instead of
// overwriting it.
type Store interface {
	// EnsureIdentity inserts the identity if it does not exist. The operation
	// is idempotent because IDs are content-addressed.
	EnsureIdentity(ctx context.Context, ident Identity) error

	// GetIdentity loads the hub record, or ErrNotFound.
	GetIdentity(ctx context.Context, id ID) (Identity, error)

	// FindByBusinessKey resolves a tenant-owned identity. The tenant is part
	// of the derived key, so a match outside the given tenant is impossible.
	FindByBusinessKey(ctx context.Context, kind Kind, tenant ID, businessKey string) (Identity, error)

	// GetCurrent returns the open attribute version, if any.
	GetCurrent(ctx context.Context, id ID) (AttributeSet, bool, error)

	// VersionAt returns the version valid at the given instant, if any.
	VersionAt(ctx context.Context, id ID, at time.Time) (AttributeSet, bool, error)

	// History returns all versions ordered by ValidFrom ascending.
	History(ctx context.Context, id ID) ([]AttributeSet, error)

	// AppendVersion atomically closes the current version and inserts attrs as
	// the new one. Appending attributes whose change hash equals the current
	// version's is a no-op.
	AppendVersion(ctx context.Context, id ID, attrs Attributes) error

	// AppendVersionIf is AppendVersion with an optimistic precondition: the
	// append only happens while the current version's change hash still equals
	// expectedHash ("" expects no version yet). ErrVersionConflict means the
	// row moved; callers re-read and retry against the new current version.
	// Counters (failed attempts, token usage) go through this so concurrent
	// increments are never lost.
	AppendVersionIf(ctx context.Context, id ID, attrs Attributes, expectedHash string) error

	// Link records a relationship. Both endpoints must belong to the
	// relationship's tenant, or be the tenant itself.
	Link(ctx context.Context, rel Relationship) error

	// Linked lists relationships of one kind originating from an identity.
	Linked(ctx context.Context, from ID, kind string) ([]Relationship, error)
}
