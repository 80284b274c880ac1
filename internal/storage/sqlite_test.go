package storage

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
)

var ctx = context.Background()

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_ReopenKeepsMigrations(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if _, err := s1.SaveKeyword(ctx, SensitiveKeyword{Pattern: "Falcon", Replacement: "[X]", IsGlobal: true, Enabled: true}); err != nil {
		t.Fatalf("SaveKeyword: %v", err)
	}
	s1.Close()

	if matches, _ := filepath.Glob(filepath.Join(dir, "gembridge.db")); len(matches) != 1 {
		t.Fatalf("database file not created in %s", dir)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if !slices.Equal(v1, v2) {
		t.Errorf("migrations changed on reopen: %v -> %v", v1, v2)
	}
	kws, err := s2.ListKeywords(ctx, false)
	if err != nil || len(kws) != 1 {
		t.Errorf("keywords after reopen = %v, %v", kws, err)
	}
}

func TestAppliedMigrations(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if !slices.Equal(versions, []int{1, 2}) {
		t.Errorf("versions = %v, want [1 2]", versions)
	}
}

func TestParseMigrationVersion(t *testing.T) {
	tests := []struct {
		name    string
		want    int
		wantErr bool
	}{
		{"001_init.sql", 1, false},
		{"002_erp_demo.sql", 2, false},
		{"10_late.sql", 10, false},
		{"init.sql", 0, true},
		{"abc_init.sql", 0, true},
	}
	for _, tt := range tests {
		got, err := parseMigrationVersion(tt.name)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseMigrationVersion(%q) = %d, %v", tt.name, got, err)
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_conversations_user_status", "idx_messages_conversation", "idx_audit_timestamp", "idx_jobs_status_run_after"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestDemoERPTables(t *testing.T) {
	s := openTestStore(t)

	for table, min := range map[string]int{
		"tabCustomer":       3,
		"tabSales Invoice":  4,
		"tabSales Order":    0,
		"tabPurchase Order": 0,
	} {
		var n int
		if err := s.DB().QueryRow(`SELECT COUNT(*) FROM "` + table + `"`).Scan(&n); err != nil {
			t.Fatalf("counting %s: %v", table, err)
		}
		if n < min {
			t.Errorf("%s has %d rows, want at least %d", table, n, min)
		}
	}
}

func TestForeignKeysEnforced(t *testing.T) {
	s := openTestStore(t)

	var on int
	if err := s.db.QueryRow("PRAGMA foreign_keys").Scan(&on); err != nil {
		t.Fatalf("PRAGMA foreign_keys: %v", err)
	}
	if on != 1 {
		t.Errorf("foreign_keys = %d, want 1", on)
	}
}
