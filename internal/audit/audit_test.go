package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/gembridge/gembridge/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordUsesContextActor(t *testing.T) {
	s := openTestStore(t)
	l := New(s)
	ctx := WithActor(context.Background(), "alice", "10.0.0.1")

	if id := l.Success(ctx, "", FunctionCall, map[string]any{"function": "x"}); id == "" {
		t.Fatal("Record returned empty id")
	}

	entries, err := s.ListAudit(ctx, 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.User != "alice" || e.IPAddress != "10.0.0.1" || e.Status != storage.AuditSuccess {
		t.Errorf("unexpected entry: %+v", e)
	}
}

func TestAmendMergesDetails(t *testing.T) {
	s := openTestStore(t)
	l := New(s)
	ctx := context.Background()

	l.Success(ctx, "bob", Query, map[string]any{"request_id": "r1", "model": "gemini-pro"})
	l.Amend(ctx, "r1", Query, map[string]any{"error": map[string]any{"message": "boom", "type": "general"}}, storage.AuditError)

	e, err := s.FindAuditByRequestID(ctx, "r1")
	if err != nil {
		t.Fatalf("FindAuditByRequestID: %v", err)
	}
	if e.Status != storage.AuditError {
		t.Errorf("Status = %q, want Error", e.Status)
	}
	var details map[string]any
	if err := json.Unmarshal([]byte(e.Details), &details); err != nil {
		t.Fatalf("details not JSON: %v", err)
	}
	if details["model"] != "gemini-pro" || details["error"] == nil {
		t.Errorf("details = %v", details)
	}
}

func TestAmendMissingEntryInsertsFresh(t *testing.T) {
	s := openTestStore(t)
	l := New(s)
	ctx := context.Background()

	l.Amend(ctx, "ghost", Query, map[string]any{"error": "x"}, storage.AuditError)

	entries, _ := s.ListAudit(ctx, 10)
	if len(entries) != 1 || entries[0].Status != storage.AuditError || entries[0].ActionType != Query {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

type failingStore struct{}

func (failingStore) InsertAudit(context.Context, storage.AuditEntry) error { return errors.New("disk full") }
func (failingStore) UpdateAudit(context.Context, string, string, string) error {
	return errors.New("disk full")
}
func (failingStore) FindAuditByRequestID(context.Context, string) (storage.AuditEntry, error) {
	return storage.AuditEntry{}, errors.New("disk full")
}

func TestFailuresAreSwallowed(t *testing.T) {
	l := New(failingStore{})
	ctx := context.Background()
	if id := l.Failure(ctx, "u", Query, nil); id != "" {
		t.Errorf("expected empty id on failure, got %q", id)
	}
	l.Amend(ctx, "r", Query, nil, storage.AuditError)

	var nilLogger *Logger
	nilLogger.Success(ctx, "u", Query, nil)
}
