package sqlgate

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/gembridge/gembridge/internal/storage"
)

var ctx = context.Background()

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSchemaCache_Get(t *testing.T) {
	store := openTestStore(t)
	cache := NewSchemaCache(store.DB(), SQLite)

	schema, err := cache.Get(ctx, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	for _, table := range []string{"tabCustomer", "tabSales Invoice", "tabSales Order", "tabPurchase Order"} {
		if _, ok := schema[table]; !ok {
			t.Errorf("schema missing %q", table)
		}
	}
	if _, ok := schema["conversations"]; ok {
		t.Error("schema should only hold tab-prefixed tables")
	}

	cols := schema["tabCustomer"]
	if len(cols) != 5 {
		t.Fatalf("tabCustomer columns = %d, want 5", len(cols))
	}
	if cols[0] != (Column{Name: "name", Type: "TEXT"}) {
		t.Errorf("first column = %+v", cols[0])
	}
	if cols[1].Name != "customer_name" {
		t.Errorf("columns not in ordinal order: %+v", cols)
	}
}

func TestSchemaCache_TTL(t *testing.T) {
	store := openTestStore(t)
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewSchemaCacheWithClock(store.DB(), SQLite, clock, time.Hour)

	if _, err := cache.Get(ctx, false); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := store.DB().Exec(`CREATE TABLE "tabItem" (item_code TEXT)`); err != nil {
		t.Fatalf("creating table: %v", err)
	}

	clock.now = clock.now.Add(30 * time.Minute)
	schema, _ := cache.Get(ctx, false)
	if _, ok := schema["tabItem"]; ok {
		t.Error("cached schema should not see the new table yet")
	}

	schema, _ = cache.Get(ctx, true)
	if _, ok := schema["tabItem"]; !ok {
		t.Error("forced refresh should see the new table")
	}

	if _, err := store.DB().Exec(`CREATE TABLE "tabWarehouse" (warehouse_name TEXT)`); err != nil {
		t.Fatalf("creating table: %v", err)
	}
	clock.now = clock.now.Add(2 * time.Hour)
	schema, _ = cache.Get(ctx, false)
	if _, ok := schema["tabWarehouse"]; !ok {
		t.Error("expired cache should refetch")
	}

	cache.Invalidate()
	if _, err := store.DB().Exec(`DROP TABLE "tabWarehouse"`); err != nil {
		t.Fatalf("dropping table: %v", err)
	}
	schema, _ = cache.Get(ctx, false)
	if _, ok := schema["tabWarehouse"]; ok {
		t.Error("invalidated cache should refetch")
	}
}

func emptyDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSchemaCache_EmptyNotCached(t *testing.T) {
	db := emptyDB(t)
	cache := NewSchemaCache(db, SQLite)
	schema, err := cache.Get(ctx, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(schema) != 0 {
		t.Fatalf("schema = %v, want empty", schema)
	}

	if _, err := db.Exec(`CREATE TABLE "tabNote" (body TEXT)`); err != nil {
		t.Fatalf("creating table: %v", err)
	}
	schema, _ = cache.Get(ctx, false)
	if _, ok := schema["tabNote"]; !ok {
		t.Error("empty result should not have been cached")
	}
}

func TestFormat(t *testing.T) {
	got := Format(Schema{
		"tabB": {{Name: "x", Type: "integer"}},
		"tabA": {{Name: "name", Type: "varchar"}, {Name: "total", Type: "real"}},
	})
	want := "CREATE TABLE \"tabA\" (\n  \"name\" VARCHAR,\n  \"total\" REAL\n);\n\nCREATE TABLE \"tabB\" (\n  \"x\" INTEGER\n);"
	if got != want {
		t.Errorf("Format =\n%s\nwant\n%s", got, want)
	}

	if got := Format(nil); got != "Could not retrieve database schema." {
		t.Errorf("Format(nil) = %q", got)
	}
}

func TestOpenERP(t *testing.T) {
	store := openTestStore(t)

	db, dialect, closeFn, err := OpenERP("sqlite", "", store.DB())
	if err != nil {
		t.Fatalf("OpenERP: %v", err)
	}
	if db != store.DB() || dialect != SQLite {
		t.Error("empty sqlite dsn should reuse the local store")
	}
	if err := closeFn(); err != nil {
		t.Errorf("close: %v", err)
	}
	if err := store.DB().Ping(); err != nil {
		t.Errorf("local store closed by OpenERP close func: %v", err)
	}

	if _, _, _, err := OpenERP("mysql", "x", nil); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Errorf("OpenERP(mysql) = %v, want unsupported driver error", err)
	}

	db, dialect, closeFn, err = OpenERP("postgres", "postgres://u:p@localhost:5432/erp?sslmode=disable", nil)
	if err != nil {
		t.Fatalf("OpenERP(postgres): %v", err)
	}
	defer closeFn()
	if db == nil || dialect != Postgres {
		t.Error("postgres dsn should yield a postgres handle")
	}
}
