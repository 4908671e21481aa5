package entity

import (
	"context"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. It backs tests
// and local runs without a database; durable deployments use Postgres.
type InMemory struct {
	mu         sync.RWMutex
	identities map[ID]Identity
	versions   map[ID][]AttributeSet
	rels       []Relationship
	now        func() time.Time
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		identities: make(map[ID]Identity),
		versions:   make(map[ID][]AttributeSet),
		now:        time.Now,
	}
}

// SetClock overrides the time source (tests only).
func (s *InMemory) SetClock(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

func (s *InMemory) EnsureIdentity(ctx context.Context, ident Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[ident.ID]; ok {
		return nil
	}
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = s.now().UTC()
	}
	s.identities[ident.ID] = ident
	return nil
}

func (s *InMemory) GetIdentity(ctx context.Context, id ID) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[id]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return ident, nil
}

func (s *InMemory) FindByBusinessKey(ctx context.Context, kind Kind, tenant ID, businessKey string) (Identity, error) {
	var id ID
	switch kind {
	case KindUser:
		id = UserID(tenant, businessKey)
	case KindRole:
		id = RoleID(tenant, businessKey)
	default:
		return Identity{}, ErrKindMismatch
	}
	ident, err := s.GetIdentity(ctx, id)
	if err != nil {
		return Identity{}, err
	}
	if ident.Kind != kind || ident.TenantID != tenant {
		return Identity{}, ErrNotFound
	}
	return ident, nil
}

func (s *InMemory) GetCurrent(ctx context.Context, id ID) (AttributeSet, bool, error) {
	if err := ctx.Err(); err != nil {
		return AttributeSet{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.versions[id]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Current() {
			return copyVersion(versions[i]), true, nil
		}
	}
	return AttributeSet{}, false, nil
}

func (s *InMemory) VersionAt(ctx context.Context, id ID, at time.Time) (AttributeSet, bool, error) {
	if err := ctx.Err(); err != nil {
		return AttributeSet{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions[id] {
		if v.ValidFrom.After(at) {
			continue
		}
		if v.ValidTo == nil || v.ValidTo.After(at) {
			return copyVersion(v), true, nil
		}
	}
	return AttributeSet{}, false, nil
}

func (s *InMemory) History(ctx context.Context, id ID) ([]AttributeSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.versions[id]
	out := make([]AttributeSet, 0, len(versions))
	for _, v := range versions {
		out = append(out, copyVersion(v))
	}
	return out, nil
}

func (s *InMemory) AppendVersion(ctx context.Context, id ID, attrs Attributes) error {
	return s.append(ctx, id, attrs, false, "")
}

func (s *InMemory) AppendVersionIf(ctx context.Context, id ID, attrs Attributes, expectedHash string) error {
	return s.append(ctx, id, attrs, true, expectedHash)
}

func (s *InMemory) append(ctx context.Context, id ID, attrs Attributes, guarded bool, expectedHash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[id]; !ok {
		return ErrNotFound
	}
	hash := ChangeHash(attrs)
	now := s.now().UTC()
	versions := s.versions[id]

	var currentHash string
	currentIdx := -1
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Current() {
			currentHash = versions[i].ChangeHash
			currentIdx = i
			break
		}
	}
	if guarded && currentHash != expectedHash {
		return ErrVersionConflict
	}
	if currentIdx >= 0 {
		if currentHash == hash {
			return nil
		}
		closed := now
		versions[currentIdx].ValidTo = &closed
	}
	s.versions[id] = append(versions, AttributeSet{
		IdentityID: id,
		ValidFrom:  now,
		ChangeHash: hash,
		Attrs:      attrs.Clone(),
	})
	return nil
}

func (s *InMemory) Link(ctx context.Context, rel Relationship) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, end := range []ID{rel.FromID, rel.ToID} {
		ident, ok := s.identities[end]
		if !ok {
			return ErrNotFound
		}
		if ident.TenantID != rel.TenantID && ident.ID != rel.TenantID {
			return ErrTenantMismatch
		}
	}
	for _, existing := range s.rels {
		if existing.FromID == rel.FromID && existing.ToID == rel.ToID && existing.Kind == rel.Kind {
			return nil
		}
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = s.now().UTC()
	}
	s.rels = append(s.rels, rel)
	return nil
}

func (s *InMemory) Linked(ctx context.Context, from ID, kind string) ([]Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Relationship
	for _, rel := range s.rels {
		if rel.FromID == from && rel.Kind == kind {
			out = append(out, rel)
		}
	}
	return out, nil
}

func copyVersion(v AttributeSet) AttributeSet {
	out := v
	out.Attrs = v.Attrs.Clone()
	if v.ValidTo != nil {
		t := *v.ValidTo
		out.ValidTo = &t
	}
	return out
}
