package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(db), mock
}

func TestPostgresGetCurrent(t *testing.T) {
	store, mock := newMockStore(t)
	id := TenantID("acme")
	attrs, _ := json.Marshal(Attributes{"name": "Acme", "active": true})

	mock.ExpectQuery("select identity_id, valid_from, valid_to, change_hash, attrs").
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"identity_id", "valid_from", "valid_to", "change_hash", "attrs"}).
			AddRow(id.String(), time.Now().UTC(), nil, "h1", attrs))

	set, found, err := store.GetCurrent(context.Background(), id)
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if !found {
		t.Fatal("expected a current version")
	}
	if !set.Current() || set.Attrs.String("name") != "Acme" || !set.Attrs.Bool("active") {
		t.Fatalf("unexpected attribute set: %+v", set)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresGetCurrentMissing(t *testing.T) {
	store, mock := newMockStore(t)
	id := TenantID("ghost")

	mock.ExpectQuery("select identity_id, valid_from, valid_to, change_hash, attrs").
		WithArgs(id.String()).
		WillReturnError(sql.ErrNoRows)

	_, found, err := store.GetCurrent(context.Background(), id)
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if found {
		t.Fatal("expected no current version")
	}
}

func TestPostgresAppendVersionClosesAndInserts(t *testing.T) {
	store, mock := newMockStore(t)
	id := TenantID("acme")
	attrs := Attributes{"name": "Acme"}

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from identities where id=.* for update").
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("select change_hash from attribute_sets").
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"change_hash"}).AddRow("old-hash"))
	mock.ExpectExec("update attribute_sets set valid_to").
		WithArgs(id.String(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into attribute_sets").
		WithArgs(id.String(), sqlmock.AnyArg(), ChangeHash(attrs), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.AppendVersion(context.Background(), id, attrs); err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresAppendVersionNoOp(t *testing.T) {
	store, mock := newMockStore(t)
	id := TenantID("acme")
	attrs := Attributes{"name": "Acme"}

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from identities where id=.* for update").
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("select change_hash from attribute_sets").
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"change_hash"}).AddRow(ChangeHash(attrs)))
	mock.ExpectCommit()

	if err := store.AppendVersion(context.Background(), id, attrs); err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no-op append must not write: %v", err)
	}
}

func TestPostgresAppendVersionIfConflict(t *testing.T) {
	store, mock := newMockStore(t)
	id := TenantID("acme")

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from identities where id=.* for update").
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("select change_hash from attribute_sets").
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"change_hash"}).AddRow("moved-hash"))
	mock.ExpectRollback()

	err := store.AppendVersionIf(context.Background(), id, Attributes{"count": 2}, "expected-hash")
	if err != ErrVersionConflict {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("conflicting append must not write: %v", err)
	}
}

func TestPostgresAppendVersionIfMatch(t *testing.T) {
	store, mock := newMockStore(t)
	id := TenantID("acme")
	attrs := Attributes{"count": 2}

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from identities where id=.* for update").
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("select change_hash from attribute_sets").
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"change_hash"}).AddRow("expected-hash"))
	mock.ExpectExec("update attribute_sets set valid_to").
		WithArgs(id.String(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into attribute_sets").
		WithArgs(id.String(), sqlmock.AnyArg(), ChangeHash(attrs), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.AppendVersionIf(context.Background(), id, attrs, "expected-hash"); err != nil {
		t.Fatalf("AppendVersionIf: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresAppendVersionUnknownIdentity(t *testing.T) {
	store, mock := newMockStore(t)
	id := TenantID("ghost")

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from identities where id=.* for update").
		WithArgs(id.String()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	if err := store.AppendVersion(context.Background(), id, Attributes{"x": 1}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresEnsureIdentity(t *testing.T) {
	store, mock := newMockStore(t)
	tenant := TenantID("acme")
	user := UserID(tenant, "alice")

	mock.ExpectExec("insert into identities").
		WithArgs(user.String(), string(KindUser), tenant.String(), "alice", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.EnsureIdentity(context.Background(), Identity{
		ID: user, Kind: KindUser, TenantID: tenant, BusinessKey: "alice",
	})
	if err != nil {
		t.Fatalf("EnsureIdentity: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
