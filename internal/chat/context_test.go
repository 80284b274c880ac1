package chat

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gembridge/gembridge/internal/apperr"
	"github.com/gembridge/gembridge/internal/audit"
	"github.com/gembridge/gembridge/internal/authz"
	"github.com/gembridge/gembridge/internal/storage"
)

func seedConversation(t *testing.T, f *fixture, id, user, doctype, docname string) {
	t.Helper()
	err := f.store.CreateConversation(ctx, storage.Conversation{
		ID:             id,
		SessionID:      "s-" + id,
		User:           user,
		StartTime:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		ContextDoctype: doctype,
		ContextDocname: docname,
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
}

func TestConversationContext(t *testing.T) {
	f := newFixture(t)
	f.store.SaveDocument(ctx, storage.Document{Doctype: "Sales Order", Name: "SO-1", Fields: map[string]any{"customer": "Acme"}})
	f.store.AddUserRole(ctx, "bob", "Sales User")
	seedConversation(t, f, "c1", "bob", "Sales Order", "SO-1")
	for i := 1; i <= 12; i++ {
		f.store.SaveMessage(ctx, storage.Message{
			ID:             fmt.Sprintf("m%02d", i),
			ConversationID: "c1",
			Timestamp:      time.Now().UTC(),
			Role:           storage.RoleUser,
			Content:        fmt.Sprintf("msg-%02d", i),
		})
	}

	got, err := f.contexts.ConversationContext(ctx, "c1", true)
	if err != nil {
		t.Fatalf("ConversationContext: %v", err)
	}
	if got["context_enabled"] != true || got["user"] != "bob" || got["doctype"] != "Sales Order" || got["docname"] != "SO-1" {
		t.Errorf("context = %v", got)
	}
	if got["start_time"] != "2026-03-01T09:00:00Z" {
		t.Errorf("start_time = %v", got["start_time"])
	}
	data, _ := got["document_data"].(map[string]string)
	if data["customer"] != "Acme" {
		t.Errorf("document_data = %v", got["document_data"])
	}
	history, _ := got["conversation_history"].(string)
	if strings.Contains(history, "msg-02") || !strings.Contains(history, "msg-03") || !strings.HasSuffix(history, "User: msg-12\n\n") {
		t.Errorf("history should hold the last 10 messages:\n%s", history)
	}
	if len(f.audits(t, "context_manager")) != 1 {
		t.Error("context retrieval should be audited")
	}

	got, _ = f.contexts.ConversationContext(ctx, "c1", false)
	if _, ok := got["conversation_history"]; ok {
		t.Error("history was not requested")
	}
}

func TestConversationContext_NoReadPermission(t *testing.T) {
	f := newFixture(t)
	f.store.SaveDocument(ctx, storage.Document{Doctype: "Sales Order", Name: "SO-1", Fields: map[string]any{"customer": "Acme"}})
	seedConversation(t, f, "c1", "carol", "Sales Order", "SO-1")

	got, err := f.contexts.ConversationContext(ctx, "c1", false)
	if err != nil {
		t.Fatalf("ConversationContext: %v", err)
	}
	if _, ok := got["document_data"]; ok {
		t.Error("a user without roles must not see document data")
	}
	if got["docname"] != "SO-1" {
		t.Errorf("anchor should still be reported: %v", got)
	}
}

func TestConversationContext_Errors(t *testing.T) {
	f := newFixture(t)
	if _, err := f.contexts.ConversationContext(ctx, "missing", true); !apperr.Is(err, apperr.Context) {
		t.Errorf("err = %v", err)
	}

	f.settings.contextAware = false
	got, err := f.contexts.ConversationContext(ctx, "missing", true)
	if err != nil || len(got) != 1 || got["context_enabled"] != false {
		t.Errorf("disabled = %v, %v", got, err)
	}
}

func TestDetectActiveContext(t *testing.T) {
	f := newFixture(t)
	f.store.SaveDocument(ctx, storage.Document{Doctype: "Sales Order", Name: "SO-0001", Fields: map[string]any{"customer": "Acme"}})
	admin := audit.WithActor(ctx, authz.Superuser, "127.0.0.1")

	form := f.contexts.DetectActiveContext(admin, "Form/Sales Order/SO-0001")
	if form["doctype"] != "Sales Order" || form["docname"] != "SO-0001" || form["module"] != "Selling" {
		t.Errorf("form = %v", form)
	}
	if data, _ := form["document_data"].(map[string]string); data["customer"] != "Acme" {
		t.Errorf("form document_data = %v", form["document_data"])
	}

	list := f.contexts.DetectActiveContext(admin, "/app/List/Customer")
	if list["doctype"] != "Customer" || list["view"] != "List" || list["module"] != "Selling" {
		t.Errorf("list = %v", list)
	}
	if _, ok := list["docname"]; ok {
		t.Error("a list route has no docname")
	}

	other := f.contexts.DetectActiveContext(admin, "Workspace/Home")
	if other["route"] != "Workspace/Home" || other["context_enabled"] != true {
		t.Errorf("other = %v", other)
	}

	if n := len(f.audits(t, "detect_active_context")); n != 3 {
		t.Errorf("detect audits = %d, want 3", n)
	}

	f.settings.contextAware = false
	if got := f.contexts.DetectActiveContext(admin, "List/Customer"); got["context_enabled"] != false {
		t.Errorf("disabled = %v", got)
	}
}

func TestUpdateConversationContext(t *testing.T) {
	f := newFixture(t)
	seedConversation(t, f, "c1", "bob", "Sales Order", "SO-1")

	if err := f.contexts.UpdateConversationContext(ctx, "c1", Anchor{Docname: "SO-7"}); err != nil {
		t.Fatalf("UpdateConversationContext: %v", err)
	}
	conv, _ := f.store.GetConversation(ctx, "c1")
	if conv.ContextDoctype != "Sales Order" || conv.ContextDocname != "SO-7" {
		t.Errorf("conversation = %+v", conv)
	}
	entries := f.audits(t, "context_manager")
	if len(entries) != 1 || !strings.Contains(entries[0].Details, `"updated_fields":["docname"]`) {
		t.Errorf("update audit = %+v", entries)
	}

	if err := f.contexts.UpdateConversationContext(ctx, "missing", Anchor{Doctype: "Task"}); !apperr.Is(err, apperr.Context) {
		t.Errorf("missing conversation err = %v", err)
	}
}

func TestDetectContextChange(t *testing.T) {
	f := newFixture(t)
	seedConversation(t, f, "c1", "bob", "Sales Order", "SO-1")
	f.contexts.UpdateConversationContext(ctx, "c1", Anchor{Docname: "SO-2"})

	steps := []struct {
		conv    string
		anchor  Anchor
		changed bool
	}{
		{"c1", Anchor{"Sales Order", "SO-2"}, false},
		{"c1", Anchor{"Sales Order", "SO-3"}, true},
		{"c1", Anchor{"Sales Order", "SO-3"}, false},
		{"c1", Anchor{"Customer", "SO-3"}, true},
		{"c2", Anchor{"Customer", "CUST-1"}, true},
		{"c2", Anchor{"Customer", "CUST-1"}, false},
	}
	for i, s := range steps {
		if got := f.contexts.DetectContextChange(s.conv, s.anchor); got != s.changed {
			t.Errorf("step %d: DetectContextChange(%s, %+v) = %v, want %v", i, s.conv, s.anchor, got, s.changed)
		}
	}
}
