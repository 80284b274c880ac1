package prompt

import (
	"context"
	"strings"
	"testing"

	"github.com/gembridge/gembridge/internal/audit"
	"github.com/gembridge/gembridge/internal/storage"
)

type fakeTemplates map[string]string

func (f fakeTemplates) Template(_ context.Context, name string) string {
	if t, ok := f[name]; ok {
		return t
	}
	return defaultTemplate
}

type fakeDocs map[string]storage.Document

func (f fakeDocs) GetDocument(_ context.Context, doctype, name string) (storage.Document, error) {
	d, ok := f[doctype+"/"+name]
	if !ok {
		return storage.Document{}, storage.ErrNotFound
	}
	return d, nil
}

type redactMasker struct{}

func (redactMasker) MaskFields(_ context.Context, _ string, fields map[string]any) map[string]string {
	out := map[string]string{}
	for k := range fields {
		out[k] = "[X]"
	}
	return out
}

var ctx = context.Background()

func TestBuild_Sections(t *testing.T) {
	b := NewBuilder(fakeTemplates{"general": "Be helpful."}, nil, nil, nil)

	got := b.Build(ctx, Request{
		Input:   "What is overdue?",
		Context: map[string]any{"route": "List/Sales Invoice", HistoryKey: "User: hi\n\n"},
		User:    "alice",
	})

	want := "## System Instructions:\nBe helpful." +
		"\n\n## Context Information:\nroute: List/Sales Invoice\nuser: alice\n" +
		"\n\n## Conversation History:\nUser: hi\n\n" +
		"\n\n## User Input:\nWhat is overdue?"
	if got != want {
		t.Errorf("Build =\n%q\nwant\n%q", got, want)
	}
}

func TestBuild_DocumentContextOrder(t *testing.T) {
	docs := fakeDocs{"Sales Order/SO-1": {Doctype: "Sales Order", Name: "SO-1", Fields: map[string]any{"customer": "Acme"}}}
	b := NewBuilder(fakeTemplates{}, docs, redactMasker{}, nil)

	got := b.Build(ctx, Request{
		Input:   "summarize",
		Context: map[string]any{"b": 2, "a": "one"},
		Doctype: "Sales Order",
		Docname: "SO-1",
		User:    "bob",
	})

	wantContext := "a: one\nb: 2\ncurrent_doctype: Sales Order\ncurrent_docname: SO-1\ndocument_fields: {\"customer\":\"[X]\"}\nuser: bob\n"
	if !strings.Contains(got, "## Context Information:\n"+wantContext) {
		t.Errorf("context section wrong:\n%s", got)
	}
	if !strings.HasPrefix(got, "## System Instructions:\n"+defaultTemplate) {
		t.Errorf("expected default template, got:\n%s", got)
	}
	if strings.Contains(got, "## Conversation History") {
		t.Error("history section should be absent")
	}
}

func TestBuild_MissingDocumentSkipsFields(t *testing.T) {
	b := NewBuilder(nil, fakeDocs{}, redactMasker{}, nil)
	got := b.Build(ctx, Request{Input: "x", Doctype: "Customer", Docname: "C-404", User: "u"})
	if strings.Contains(got, "document_fields") {
		t.Errorf("document_fields should be absent:\n%s", got)
	}
	if !strings.Contains(got, "current_docname: C-404\n") {
		t.Errorf("docname missing:\n%s", got)
	}
}

func TestBuild_UserFromContext(t *testing.T) {
	b := NewBuilder(nil, nil, nil, nil)
	got := b.Build(audit.WithActor(ctx, "carol", ""), Request{Input: "x"})
	if !strings.Contains(got, "user: carol\n") {
		t.Errorf("expected actor user:\n%s", got)
	}
}

func TestBuildAnalysis(t *testing.T) {
	b := NewBuilder(fakeTemplates{"analysis": "Analyze carefully."}, nil, nil, nil)
	got := b.BuildAnalysis(audit.WithActor(ctx, "dan", ""), "1,2,3", "trend", nil)
	want := "## System Instructions:\nAnalyze carefully.\n\n## Analysis Type:\ntrend\n\n## Context Information:\nuser: dan\n\n\n## Data to Analyze:\n1,2,3"
	if got != want {
		t.Errorf("BuildAnalysis =\n%q\nwant\n%q", got, want)
	}
}

func TestBuildDocument(t *testing.T) {
	b := NewBuilder(fakeTemplates{"document_summary": "Summarize docs."}, nil, nil, nil)
	got := b.BuildDocument(audit.WithActor(ctx, "erin", ""), "body text", "", map[string]any{"file_type": "pdf"})
	for _, part := range []string{"## Operation:\nsummarize", "file_type: pdf\nuser: erin\n", "## Document Content:\nbody text"} {
		if !strings.Contains(got, part) {
			t.Errorf("missing %q in:\n%s", part, got)
		}
	}
}

func TestBuild_Audited(t *testing.T) {
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	b := NewBuilder(nil, nil, nil, audit.New(s))
	b.Build(ctx, Request{Input: "x", User: "frank", Doctype: "Customer"})

	entries, _ := s.ListAudit(ctx, 5)
	if len(entries) != 1 || entries[0].ActionType != audit.FunctionCall || entries[0].User != "frank" {
		t.Errorf("unexpected audit entries: %+v", entries)
	}
	if !strings.Contains(entries[0].Details, "prompt_builder") {
		t.Errorf("details = %s", entries[0].Details)
	}
}
