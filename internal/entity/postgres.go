package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres implements Store on PostgreSQL. The single-current invariant is
// enforced twice: transactionally here, and by a partial unique index on
// attribute_sets (identity_id) where valid_to is null.
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*Postgres)(nil)

// Open connects with tuned pool defaults; adjust under load tests.
func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewPostgres(db), nil
}

// NewPostgres wraps an existing pool (used by tests with sqlmock).
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

func (s *Postgres) Close() error { return s.db.Close() }

func (s *Postgres) DB() *sql.DB { return s.db }

// SetClock overrides the time source (tests only).
func (s *Postgres) SetClock(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

func (s *Postgres) EnsureIdentity(ctx context.Context, ident Identity) error {
	var tenant any
	if !ident.TenantID.IsZero() {
		tenant = ident.TenantID.String()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into identities(id, kind, tenant_id, business_key, created_at)
		values ($1,$2,$3,$4,$5)
		on conflict (id) do nothing
	`, ident.ID.String(), string(ident.Kind), tenant, ident.BusinessKey, s.now().UTC())
	return err
}

func (s *Postgres) GetIdentity(ctx context.Context, id ID) (Identity, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, kind, coalesce(tenant_id,''), business_key, created_at
		from identities where id=$1
	`, id.String())
	return scanIdentity(row)
}

func (s *Postgres) FindByBusinessKey(ctx context.Context, kind Kind, tenant ID, businessKey string) (Identity, error) {
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

func (s *Postgres) GetCurrent(ctx context.Context, id ID) (AttributeSet, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		select identity_id, valid_from, valid_to, change_hash, attrs
		from attribute_sets
		where identity_id=$1 and valid_to is null
	`, id.String())
	set, err := scanAttributeSet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AttributeSet{}, false, nil
	}
	if err != nil {
		return AttributeSet{}, false, err
	}
	return set, true, nil
}

func (s *Postgres) VersionAt(ctx context.Context, id ID, at time.Time) (AttributeSet, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		select identity_id, valid_from, valid_to, change_hash, attrs
		from attribute_sets
		where identity_id=$1 and valid_from<=$2 and (valid_to is null or valid_to>$2)
	`, id.String(), at.UTC())
	set, err := scanAttributeSet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AttributeSet{}, false, nil
	}
	if err != nil {
		return AttributeSet{}, false, err
	}
	return set, true, nil
}

func (s *Postgres) History(ctx context.Context, id ID) ([]AttributeSet, error) {
	rows, err := s.db.QueryContext(ctx, `
		select identity_id, valid_from, valid_to, change_hash, attrs
		from attribute_sets
		where identity_id=$1
		order by valid_from asc
	`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttributeSet
	for rows.Next() {
		set, err := scanAttributeSet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, set)
	}
	return out, rows.Err()
}

func (s *Postgres) AppendVersion(ctx context.Context, id ID, attrs Attributes) error {
	return s.append(ctx, id, attrs, false, "")
}

func (s *Postgres) AppendVersionIf(ctx context.Context, id ID, attrs Attributes, expectedHash string) error {
	return s.append(ctx, id, attrs, true, expectedHash)
}

func (s *Postgres) append(ctx context.Context, id ID, attrs Attributes, guarded bool, expectedHash string) error {
	data, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	hash := ChangeHash(attrs)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Row lock on the identity serializes concurrent appends; the loser of
	// the race observes the winner's version as current.
	var dummy int
	if err := tx.QueryRowContext(ctx, `select 1 from identities where id=$1 for update`, id.String()).Scan(&dummy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	var currentHash sql.NullString
	err = tx.QueryRowContext(ctx, `
		select change_hash from attribute_sets where identity_id=$1 and valid_to is null
	`, id.String()).Scan(&currentHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if guarded {
		var observed string
		if currentHash.Valid {
			observed = currentHash.String
		}
		if observed != expectedHash {
			return ErrVersionConflict
		}
	}
	if currentHash.Valid && currentHash.String == hash {
		return tx.Commit()
	}

	now := s.now().UTC()
	if currentHash.Valid {
		if _, err := tx.ExecContext(ctx, `
			update attribute_sets set valid_to=$2
			where identity_id=$1 and valid_to is null
		`, id.String(), now); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		insert into attribute_sets(identity_id, valid_from, valid_to, change_hash, attrs)
		values ($1,$2,null,$3,$4)
	`, id.String(), now, hash, data); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Postgres) Link(ctx context.Context, rel Relationship) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, end := range []ID{rel.FromID, rel.ToID} {
		var tenant string
		err := tx.QueryRowContext(ctx, `select coalesce(tenant_id,'') from identities where id=$1`, end.String()).Scan(&tenant)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if tenant != rel.TenantID.String() && end != rel.TenantID {
			return ErrTenantMismatch
		}
	}

	if _, err := tx.ExecContext(ctx, `
		insert into relationships(tenant_id, from_id, to_id, kind, created_at)
		values ($1,$2,$3,$4,$5)
		on conflict (from_id, to_id, kind) do nothing
	`, rel.TenantID.String(), rel.FromID.String(), rel.ToID.String(), rel.Kind, s.now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Postgres) Linked(ctx context.Context, from ID, kind string) ([]Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		select tenant_id, from_id, to_id, kind, created_at
		from relationships
		where from_id=$1 and kind=$2
		order by created_at asc
	`, from.String(), kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		var (
			rel                  Relationship
			tenant, fromID, toID string
		)
		if err := rows.Scan(&tenant, &fromID, &toID, &rel.Kind, &rel.CreatedAt); err != nil {
			return nil, err
		}
		if rel.TenantID, err = ParseID(tenant); err != nil {
			return nil, err
		}
		if rel.FromID, err = ParseID(fromID); err != nil {
			return nil, err
		}
		if rel.ToID, err = ParseID(toID); err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (Identity, error) {
	var (
		ident      Identity
		id, tenant string
		kind       string
	)
	if err := row.Scan(&id, &kind, &tenant, &ident.BusinessKey, &ident.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Identity{}, ErrNotFound
		}
		return Identity{}, err
	}
	parsed, err := ParseID(id)
	if err != nil {
		return Identity{}, err
	}
	ident.ID = parsed
	ident.Kind = Kind(kind)
	if tenant != "" {
		if ident.TenantID, err = ParseID(tenant); err != nil {
			return Identity{}, err
		}
	}
	return ident, nil
}

func scanAttributeSet(row rowScanner) (AttributeSet, error) {
	var (
		set     AttributeSet
		id      string
		validTo sql.NullTime
		data    []byte
	)
	if err := row.Scan(&id, &set.ValidFrom, &validTo, &set.ChangeHash, &data); err != nil {
		return AttributeSet{}, err
	}
	parsed, err := ParseID(id)
	if err != nil {
		return AttributeSet{}, err
	}
	set.IdentityID = parsed
	if validTo.Valid {
		t := validTo.Time
		set.ValidTo = &t
	}
	if err := json.Unmarshal(data, &set.Attrs); err != nil {
		return AttributeSet{}, err
	}
	return set, nil
}
