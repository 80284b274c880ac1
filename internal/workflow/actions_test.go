package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gembridge/gembridge/internal/apperr"
	"github.com/gembridge/gembridge/internal/audit"
	"github.com/gembridge/gembridge/internal/authz"
	"github.com/gembridge/gembridge/internal/gemini"
	"github.com/gembridge/gembridge/internal/parser"
	"github.com/gembridge/gembridge/internal/prompt"
	"github.com/gembridge/gembridge/internal/storage"
)

var ctx = context.Background()

type staticSettings struct{ automation bool }

func (s *staticSettings) Get(context.Context) (storage.Settings, error) {
	return storage.Settings{EnableWorkflowAutomation: s.automation}, nil
}

type stubLLM struct {
	answer  string
	err     error
	prompts []string
}

func (s *stubLLM) GenerateText(_ context.Context, p string, _ gemini.Options) (gemini.Response, error) {
	s.prompts = append(s.prompts, p)
	if s.err != nil {
		return gemini.Response{}, s.err
	}
	return gemini.Response{Text: s.answer, TokensUsed: 7}, nil
}

type fixture struct {
	store    *storage.Store
	settings *staticSettings
	llm      *stubLLM
	actions  *ActionHandler
	rules    *Automation
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:    store,
		settings: &staticSettings{automation: true},
		llm:      &stubLLM{answer: "ok"},
	}
	auditLog := audit.New(store)
	port := authz.NewStoreAuthorizer(store)
	f.actions = NewActionHandler(store, port, auditLog)
	f.rules = NewAutomation(store, store, f.settings, port, f.actions, f.llm, auditLog)
	f.engine = NewEngine(Deps{
		Docs:     store,
		Jobs:     store,
		Settings: f.settings,
		Actions:  f.actions,
		Rules:    f.rules,
		Prompts:  prompt.NewBuilder(nil, store, nil, auditLog),
		LLM:      f.llm,
		Parser:   parser.New(auditLog),
		Audit:    auditLog,
	})
	return f
}

func (f *fixture) grant(t *testing.T, user string, roles ...string) {
	t.Helper()
	for _, r := range roles {
		if err := f.store.AddUserRole(ctx, user, r); err != nil {
			t.Fatalf("AddUserRole: %v", err)
		}
	}
}

func (f *fixture) saveDoc(t *testing.T, doctype, name, modifiedBy string, fields map[string]any) {
	t.Helper()
	err := f.store.SaveDocument(ctx, storage.Document{Doctype: doctype, Name: name, Fields: fields, ModifiedBy: modifiedBy})
	if err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
}

func (f *fixture) audits(t *testing.T, actionType string) []storage.AuditEntry {
	t.Helper()
	entries, err := f.store.ListAudit(ctx, 500)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	var out []storage.AuditEntry
	for _, e := range entries {
		if e.ActionType == actionType {
			out = append(out, e)
		}
	}
	return out
}

func (f *fixture) countDocs(t *testing.T, doctype string) int {
	t.Helper()
	var n int
	if err := f.store.DB().QueryRow(`SELECT COUNT(*) FROM documents WHERE doctype = ?`, doctype).Scan(&n); err != nil {
		t.Fatalf("counting documents: %v", err)
	}
	return n
}

func TestExecute_SendEmail(t *testing.T) {
	f := newFixture(t)

	res, err := f.actions.Execute(ctx, "send_email", map[string]any{
		"recipients": "a@example.com, b@example.com",
		"subject":    "Hello",
		"message":    "Body",
		"password":   "hunter2",
	}, authz.Superuser)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Message != "Email queued for 2 recipients" {
		t.Errorf("result = %+v", res)
	}

	mails, _ := f.store.ListEmails(ctx, 10)
	if len(mails) != 1 || mails[0].Recipients != "a@example.com,b@example.com" || mails[0].Subject != "Hello" {
		t.Errorf("outbox = %+v", mails)
	}

	entries := f.audits(t, audit.ActionExecution)
	if len(entries) != 1 {
		t.Fatalf("got %d action audits, want 1", len(entries))
	}
	if strings.Contains(entries[0].Details, "hunter2") {
		t.Error("password leaked into the audit log")
	}
	if entries[0].Status != storage.AuditSuccess {
		t.Errorf("status = %q", entries[0].Status)
	}
}

func TestExecute_Errors(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "clerk", "Accounts User")

	_, err := f.actions.Execute(ctx, "nope", nil, authz.Superuser)
	if err == nil || err.Error() != "Action 'nope' not found" {
		t.Errorf("unknown action err = %v", err)
	}

	_, err = f.actions.Execute(ctx, "create_task", map[string]any{"subject": "x"}, "clerk")
	if !apperr.Is(err, apperr.Permission) || err.Error() != "Permission denied" {
		t.Errorf("permission err = %v", err)
	}

	_, err = f.actions.Execute(ctx, "send_email", map[string]any{"subject": "x"}, authz.Superuser)
	if err == nil || err.Error() != "Missing or invalid parameters" {
		t.Errorf("params err = %v", err)
	}

	if got := len(f.audits(t, audit.ActionExecution)); got != 0 {
		t.Errorf("rejected calls wrote %d audit entries", got)
	}
}

func TestExecute_SoftFailureIsAudited(t *testing.T) {
	f := newFixture(t)
	res, err := f.actions.Execute(ctx, "send_email", map[string]any{
		"recipients": " , ",
		"subject":    "s",
		"message":    "m",
	}, authz.Superuser)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.Error != "Recipients are required" {
		t.Errorf("result = %+v", res)
	}
	entries := f.audits(t, audit.ActionExecution)
	if len(entries) != 1 || entries[0].Status != storage.AuditError {
		t.Errorf("audit = %+v", entries)
	}
}

func TestExecute_RoleChecks(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "ops", "Administrator")
	f.grant(t, "sm", authz.SystemManager)

	for _, user := range []string{"ops", "sm", authz.Superuser} {
		if _, err := f.actions.Execute(ctx, "create_task", map[string]any{"subject": "Call " + user}, user); err != nil {
			t.Errorf("%s: %v", user, err)
		}
	}
	if n := f.countDocs(t, "Task"); n != 3 {
		t.Errorf("tasks = %d, want 3", n)
	}
}

func TestUpdateDocument_OnlyExistingFields(t *testing.T) {
	f := newFixture(t)
	f.saveDoc(t, "Sales Order", "SO-1", "bob", map[string]any{"status": "Draft", "total": 100})

	res, err := f.actions.Execute(ctx, "update_document", map[string]any{
		"doctype": "Sales Order",
		"docname": "SO-1",
		"fields":  map[string]any{"status": "Submitted", "bogus": 1},
	}, authz.Superuser)
	if err != nil || !res.Success {
		t.Fatalf("Execute: %+v, %v", res, err)
	}

	doc, err := f.store.GetDocument(ctx, "Sales Order", "SO-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Fields["status"] != "Submitted" {
		t.Errorf("status = %v", doc.Fields["status"])
	}
	if _, ok := doc.Fields["bogus"]; ok {
		t.Error("unknown field should not be added")
	}
	if doc.ModifiedBy != authz.Superuser {
		t.Errorf("ModifiedBy = %q", doc.ModifiedBy)
	}

	res, _ = f.actions.Execute(ctx, "update_document", map[string]any{
		"doctype": "Sales Order",
		"docname": "SO-404",
		"fields":  map[string]any{"status": "x"},
	}, authz.Superuser)
	if res.Success || res.Error != "Document Sales Order SO-404 not found" {
		t.Errorf("missing doc result = %+v", res)
	}
}

func TestCreateDocument(t *testing.T) {
	f := newFixture(t)

	res, err := f.actions.Execute(ctx, "create_document", map[string]any{
		"doctype": "Sales Order",
		"fields":  map[string]any{"customer": "Acme"},
	}, authz.Superuser)
	if err != nil || !res.Success {
		t.Fatalf("Execute: %+v, %v", res, err)
	}
	name, _ := res.Data["docname"].(string)
	if !strings.HasPrefix(name, "SO-") || len(name) != len("SO-")+8 {
		t.Errorf("generated name = %q", name)
	}

	res, _ = f.actions.Execute(ctx, "create_document", map[string]any{
		"doctype": "Customer",
		"fields":  map[string]any{"name": "CUST-9", "customer_name": "Hooli"},
	}, authz.Superuser)
	if res.Data["docname"] != "CUST-9" {
		t.Errorf("explicit name = %v", res.Data["docname"])
	}
	doc, err := f.store.GetDocument(ctx, "Customer", "CUST-9")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if _, ok := doc.Fields["name"]; ok {
		t.Error("name should not be stored as a field")
	}
}

func TestRegisterAndAvailable(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "bob", "Sales Manager")

	custom := Action{
		Name:         "close_order",
		Description:  "Close a sales order",
		AllowedRoles: []string{"Sales Manager"},
		Doctypes:     []string{"Sales Order"},
		Handler: func(context.Context, string, map[string]any) (Result, error) {
			return Result{Success: true}, nil
		},
	}
	if err := f.actions.Register(ctx, custom); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := f.actions.Register(ctx, custom); err == nil || err.Error() != "Action 'close_order' already exists" {
		t.Errorf("duplicate err = %v", err)
	}
	if got := len(f.audits(t, audit.ActionRegistration)); got != 1 {
		t.Errorf("registration audits = %d, want 1", got)
	}

	names := func(as []Action) []string {
		var out []string
		for _, a := range as {
			out = append(out, a.Name)
		}
		return out
	}

	bob, err := f.actions.Available(ctx, "Sales Order", "bob")
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	if got := strings.Join(names(bob), ","); got != "close_order" {
		t.Errorf("bob's actions = %s", got)
	}

	admin, _ := f.actions.Available(ctx, "", authz.Superuser)
	want := "close_order,create_document,create_task,send_email,update_document"
	if got := strings.Join(names(admin), ","); got != want {
		t.Errorf("admin actions = %s, want %s", got, want)
	}

	admin, _ = f.actions.Available(ctx, "Purchase Order", authz.Superuser)
	if got := strings.Join(names(admin), ","); got != "create_document,create_task,send_email,update_document" {
		t.Errorf("doctype filter = %s", got)
	}
}

func TestExecute_HandlerError(t *testing.T) {
	f := newFixture(t)
	f.actions.Register(ctx, Action{
		Name: "explode",
		Handler: func(context.Context, string, map[string]any) (Result, error) {
			return Result{}, errors.New("boom")
		},
	})
	res, err := f.actions.Execute(ctx, "explode", nil, authz.Superuser)
	if !apperr.Is(err, apperr.Workflow) || err.Error() != "boom" {
		t.Errorf("err = %v", err)
	}
	if res.Success || res.Error != "boom" {
		t.Errorf("result = %+v", res)
	}
}

func TestRecipientList(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{"a, b ,,c", "a|b|c"},
		{[]any{"x", 3, " y "}, "x|y"},
		{[]string{"z"}, "z"},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := strings.Join(recipientList(tc.in), "|"); got != tc.want {
			t.Errorf("recipientList(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
