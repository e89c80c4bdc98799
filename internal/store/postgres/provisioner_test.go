package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"docflow/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

func newTestProvisioner(t *testing.T) (*Provisioner, sqlmock.Sqlmock, *int, *[]string) {
	t.Helper()
	s, mock := newMockStore(t)
	t.Cleanup(func() { s.db.Close() })

	migrations := 0
	var dsns []string
	p := s.Provisioner("postgres://app@db/{database}?sslmode=disable")
	p.open = func(ctx context.Context, dsn string) (*sql.DB, error) {
		dsns = append(dsns, dsn)
		db, _, err := sqlmock.New()
		return db, err
	}
	p.migrate = func(db *sql.DB) error {
		migrations++
		return nil
	}
	return p, mock, &migrations, &dsns
}

func testTenant() *store.Tenant {
	id := uuid.New()
	return &store.Tenant{ID: id, Name: "acme", Store: DescriptorFor(id)}
}

func TestProvision_CreatesMissingDatabase(t *testing.T) {
	p, mock, migrations, dsns := newTestProvisioner(t)
	tenant := testTenant()

	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM pg_database WHERE datname = \$1\)`).
		WithArgs(tenant.Store.Database).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`CREATE DATABASE "` + tenant.Store.Database + `"`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := p.Provision(context.Background(), tenant); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if *migrations != 1 {
		t.Errorf("expected tenant migrations to run once, ran %d", *migrations)
	}
	want := "postgres://app@db/" + tenant.Store.Database + "?sslmode=disable"
	if len(*dsns) != 1 || (*dsns)[0] != want {
		t.Errorf("got dsns %v, want [%s]", *dsns, want)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestProvision_ExistingDatabaseStillMigrates(t *testing.T) {
	p, mock, migrations, _ := newTestProvisioner(t)
	tenant := testTenant()

	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	if err := p.Provision(context.Background(), tenant); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if *migrations != 1 {
		t.Errorf("expected migrations on an existing database, ran %d", *migrations)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestProvision_DuplicateDatabaseRaceIsSuccess(t *testing.T) {
	p, mock, migrations, _ := newTestProvisioner(t)
	tenant := testTenant()

	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`CREATE DATABASE`).
		WillReturnError(&pq.Error{Code: "42P04", Message: "database already exists"})

	if err := p.Provision(context.Background(), tenant); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if *migrations != 1 {
		t.Errorf("expected migrations after lost race, ran %d", *migrations)
	}
}

func TestProvision_CreateFailureSkipsMigrations(t *testing.T) {
	p, mock, migrations, _ := newTestProvisioner(t)
	tenant := testTenant()

	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`CREATE DATABASE`).
		WillReturnError(&pq.Error{Code: "42501", Message: "permission denied to create database"})

	if err := p.Provision(context.Background(), tenant); err == nil {
		t.Fatal("expected error, got nil")
	}
	if *migrations != 0 {
		t.Errorf("migrations must not run after a failed create, ran %d", *migrations)
	}
}

func TestProvision_MigrationFailureIsReported(t *testing.T) {
	p, mock, _, _ := newTestProvisioner(t)
	p.migrate = func(db *sql.DB) error { return errors.New("dirty database version 1") }
	tenant := testTenant()

	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	if err := p.Provision(context.Background(), tenant); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestProvision_RequiresDescriptor(t *testing.T) {
	p, _, _, _ := newTestProvisioner(t)
	if err := p.Provision(context.Background(), &store.Tenant{ID: uuid.New()}); err == nil {
		t.Fatal("expected error for tenant without descriptor")
	}
}

func TestTenantDSN(t *testing.T) {
	got := TenantDSN("postgres://u:p@localhost:5432/{database}?sslmode=disable", "docflow_tenant_1")
	if got != "postgres://u:p@localhost:5432/docflow_tenant_1?sslmode=disable" {
		t.Errorf("unexpected dsn %q", got)
	}
}

func TestPreviousVersion(t *testing.T) {
	if got := previousVersion(1); got != -1 {
		t.Errorf("previousVersion(1) = %d, want -1", got)
	}
	if got := previousVersion(4); got != 3 {
		t.Errorf("previousVersion(4) = %d, want 3", got)
	}
}
