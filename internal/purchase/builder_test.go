package purchase

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"trading/internal/catalog"
	purchasesdb "trading/internal/db/purchases"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func stubOpenDB(t *testing.T) sqlmock.Sqlmock {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	prev := openDB
	openDB = func(driver, dsn string) (*sql.DB, error) {
		if driver != "pgx" {
			t.Fatalf("unexpected driver %q", driver)
		}
		return db, nil
	}
	t.Cleanup(func() { openDB = prev })
	return mock
}

func TestBuildStores_InMemoryWithoutDSN(t *testing.T) {
	stores, cleanup, err := BuildStores(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cleanup()

	if _, ok := stores.Sagas.(*InMemorySagaStore); !ok {
		t.Fatalf("expected in-memory saga store, got %T", stores.Sagas)
	}
	if _, ok := stores.Catalog.(*catalog.InMemoryStore); !ok {
		t.Fatalf("expected in-memory catalog, got %T", stores.Catalog)
	}
	if stores.Prices == nil {
		t.Fatalf("expected price lookup")
	}
}

func TestBuildStores_Postgres(t *testing.T) {
	mock := stubOpenDB(t)
	mock.ExpectPing()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS purchase_sagas").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS purchase_sagas_pending_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS purchase_outbox").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS purchase_outbox_undispatched_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS catalog_items").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	stores, cleanup, err := BuildStores(context.Background(), "postgres://example", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := stores.Sagas.(*purchasesdb.SagaStore); !ok {
		t.Fatalf("expected postgres saga store, got %T", stores.Sagas)
	}
	if _, ok := stores.Catalog.(*purchasesdb.CatalogStore); !ok {
		t.Fatalf("expected postgres catalog, got %T", stores.Catalog)
	}
	cleanup()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBuildStores_PingFailure(t *testing.T) {
	mock := stubOpenDB(t)
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	mock.ExpectClose()

	_, _, err := BuildStores(context.Background(), "postgres://example", nil)
	if err == nil {
		t.Fatalf("expected error when postgres is unreachable")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBuildStores_SchemaFailure(t *testing.T) {
	mock := stubOpenDB(t)
	mock.ExpectPing()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS purchase_sagas").WillReturnError(errors.New("permission denied"))
	mock.ExpectClose()

	_, _, err := BuildStores(context.Background(), "postgres://example", nil)
	if err == nil {
		t.Fatalf("expected schema error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBuildStores_OpenFailure(t *testing.T) {
	prev := openDB
	openDB = func(driver, dsn string) (*sql.DB, error) { return nil, errors.New("bad dsn") }
	t.Cleanup(func() { openDB = prev })

	if _, _, err := BuildStores(context.Background(), "postgres://example", nil); err == nil {
		t.Fatalf("expected open error")
	}
}
