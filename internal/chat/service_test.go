package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gembridge/gembridge/internal/apperr"
	"github.com/gembridge/gembridge/internal/audit"
	"github.com/gembridge/gembridge/internal/authz"
	"github.com/gembridge/gembridge/internal/files"
	"github.com/gembridge/gembridge/internal/gemini"
	"github.com/gembridge/gembridge/internal/parser"
	"github.com/gembridge/gembridge/internal/prompt"
	"github.com/gembridge/gembridge/internal/sqlgate"
	"github.com/gembridge/gembridge/internal/storage"
	"github.com/gembridge/gembridge/internal/visualize"
)

var ctx = context.Background()

type staticSettings struct{ contextAware bool }

func (s *staticSettings) Get(context.Context) (storage.Settings, error) {
	return storage.Settings{EnableContextAwareness: s.contextAware}, nil
}

type stubLLM struct {
	answer  string
	err     error
	prompts []string
	images  [][]string
}

func (s *stubLLM) GenerateText(_ context.Context, p string, _ gemini.Options) (gemini.Response, error) {
	s.prompts = append(s.prompts, p)
	if s.err != nil {
		return gemini.Response{}, s.err
	}
	return gemini.Response{Text: s.answer, TokensUsed: 11}, nil
}

func (s *stubLLM) GenerateMultimodal(_ context.Context, p string, imgs []string, _ gemini.Options) (gemini.Response, error) {
	s.images = append(s.images, imgs)
	return s.GenerateText(ctx, p, gemini.Options{})
}

type stubSQL struct {
	res       sqlgate.Result
	err       error
	questions []string
}

func (s *stubSQL) Run(_ context.Context, _, question string) (sqlgate.Result, error) {
	s.questions = append(s.questions, question)
	return s.res, s.err
}

type stubFiles struct {
	res      files.Result
	err      error
	released []string
}

func (s *stubFiles) Process(context.Context, files.Source) (files.Result, error) {
	return s.res, s.err
}

func (s *stubFiles) Release(path string) { s.released = append(s.released, path) }

type fixture struct {
	store    *storage.Store
	settings *staticSettings
	llm      *stubLLM
	sql      *stubSQL
	files    *stubFiles
	contexts *ContextManager
	svc      *Service
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
		settings: &staticSettings{contextAware: true},
		llm:      &stubLLM{answer: "Hello from the model"},
		sql:      &stubSQL{},
		files:    &stubFiles{},
	}
	auditLog := audit.New(store)
	port := authz.NewStoreAuthorizer(store)
	f.contexts = NewContextManager(store, f.settings, nil, port, auditLog)
	f.svc = NewService(Deps{
		Store:    store,
		LLM:      f.llm,
		Prompts:  prompt.NewBuilder(nil, store, nil, auditLog),
		Parser:   parser.New(auditLog),
		SQL:      f.sql,
		Files:    f.files,
		Contexts: f.contexts,
		Auth:     port,
	})
	return f
}

func (f *fixture) messages(t *testing.T, conversationID string) []storage.Message {
	t.Helper()
	msgs, err := f.store.ListMessages(ctx, conversationID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	return msgs
}

func (f *fixture) audits(t *testing.T, function string) []storage.AuditEntry {
	t.Helper()
	entries, err := f.store.ListAudit(ctx, 500)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	var out []storage.AuditEntry
	for _, e := range entries {
		if strings.Contains(e.Details, `"function":"`+function+`"`) {
			out = append(out, e)
		}
	}
	return out
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t)
	f.store.SaveDocument(ctx, storage.Document{Doctype: "Sales Order", Name: "SO-1", Fields: map[string]any{"customer": "Acme"}})

	reply, err := f.svc.SendMessage(ctx, "bob", "", "What is the status?", map[string]any{
		"doctype": "Sales Order",
		"docname": "SO-1",
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply.ConversationID == "" || reply.MessageID == "" {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.Response != "Hello from the model" || reply.TokensUsed != 11 {
		t.Errorf("reply = %+v", reply)
	}

	conv, err := f.store.GetConversation(ctx, reply.ConversationID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.User != "bob" || conv.ContextDoctype != "Sales Order" || conv.ContextDocname != "SO-1" {
		t.Errorf("conversation = %+v", conv)
	}
	if len(conv.SessionID) != 10 {
		t.Errorf("session id = %q", conv.SessionID)
	}

	msgs := f.messages(t, reply.ConversationID)
	if len(msgs) != 2 || msgs[0].Role != storage.RoleUser || msgs[1].Role != storage.RoleAssistant {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[1].ID != reply.MessageID || msgs[1].TokensUsed != 11 {
		t.Errorf("assistant message = %+v", msgs[1])
	}

	p := f.llm.prompts[0]
	for _, want := range []string{"current_doctype: Sales Order", "current_docname: SO-1", "Acme", "## User Input:\nWhat is the status?"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q:\n%s", want, p)
		}
	}

	if _, err := f.svc.SendMessage(ctx, "bob", reply.ConversationID, "And the total?", nil); err != nil {
		t.Fatalf("second SendMessage: %v", err)
	}
	p = f.llm.prompts[1]
	if !strings.Contains(p, "## Conversation History:\nUser: What is the status?\n\nAssistant: Hello from the model\n\n") {
		t.Errorf("history missing from prompt:\n%s", p)
	}
	if len(f.messages(t, reply.ConversationID)) != 4 {
		t.Error("second exchange should extend the same conversation")
	}
}

func TestSendMessage_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SendMessage(ctx, "bob", "", "  ", nil)
	if !apperr.Is(err, apperr.Validation) || err.Error() != "Message is required" {
		t.Errorf("empty message err = %v", err)
	}

	f.llm.err = apperr.New(apperr.RateLimit, "Rate limit exceeded")
	reply, err := f.svc.SendMessage(ctx, "bob", "", "hi", nil)
	if !apperr.Is(err, apperr.RateLimit) {
		t.Errorf("llm err = %v", err)
	}
	if reply.ConversationID == "" {
		t.Error("the conversation should still be reported")
	}
}

func TestSendMessage_UnknownConversation(t *testing.T) {
	f := newFixture(t)
	reply, err := f.svc.SendMessage(ctx, "bob", "does-not-exist", "hi", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply.ConversationID == "does-not-exist" {
		t.Error("an unknown id should start a new conversation")
	}
}

func TestSendMessage_QueryDB(t *testing.T) {
	f := newFixture(t)
	f.sql.res = sqlgate.Result{
		NaturalQuery:   "top customers",
		GeneratedSQL:   "SELECT customer, SUM(grand_total) FROM `tabSales Order` GROUP BY customer",
		Columns:        []string{"customer", "total"},
		Rows:           [][]any{{"Acme", 1200.0}, {"Globex", 800.0}},
		HasMoreResults: true,
		Message:        "Successfully executed query. ",
	}

	reply, err := f.svc.SendMessage(ctx, "bob", "", "querydb: top customers", map[string]any{"chart_type": "table"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(f.llm.prompts) != 0 {
		t.Error("QueryDB messages should not go through chat generation")
	}
	if len(f.sql.questions) != 1 || f.sql.questions[0] != "top customers" {
		t.Errorf("questions = %v", f.sql.questions)
	}
	if reply.SQLResult == nil || len(reply.SQLResult.Rows) != 2 {
		t.Fatalf("sql result = %+v", reply.SQLResult)
	}
	if reply.Visualization == nil || reply.Visualization.Type != visualize.TypeTable {
		t.Errorf("visualization = %+v", reply.Visualization)
	}
	for _, want := range []string{"```sql\nSELECT customer", "Returned 2 rows.", "more rows are available"} {
		if !strings.Contains(reply.Response, want) {
			t.Errorf("summary missing %q:\n%s", want, reply.Response)
		}
	}

	msgs := f.messages(t, reply.ConversationID)
	if len(msgs) != 2 || msgs[1].Content != reply.Response {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestSendMessage_QueryDBRefused(t *testing.T) {
	f := newFixture(t)
	f.sql.res = sqlgate.Result{
		GeneratedSQL: "DELETE FROM `tabCustomer`",
		Error:        "Generated query is not read-only (SELECT). Execution denied.",
	}
	f.sql.err = apperr.New(apperr.Permission, f.sql.res.Error)

	reply, err := f.svc.SendMessage(ctx, "bob", "", "QueryDB: delete customers", nil)
	if !apperr.Is(err, apperr.Permission) {
		t.Fatalf("err = %v", err)
	}
	if reply.Visualization != nil {
		t.Error("a refused query has nothing to visualize")
	}
	if reply.SQLResult == nil || reply.SQLResult.Error == "" {
		t.Errorf("sql result = %+v", reply.SQLResult)
	}
	if !strings.Contains(reply.Response, "Execution denied.") {
		t.Errorf("response = %q", reply.Response)
	}
}

func TestProcessMultimodal_Image(t *testing.T) {
	f := newFixture(t)
	f.files.res = files.Result{FilePath: "/tmp/x.png", FileType: "png", Category: files.Image, Width: 640, Height: 480}

	reply, err := f.svc.ProcessMultimodal(ctx, "bob", "", "What is in this picture?", "/files/x.png", nil)
	if err != nil {
		t.Fatalf("ProcessMultimodal: %v", err)
	}
	if reply.Multimodal == nil || !*reply.Multimodal {
		t.Errorf("multimodal = %v", reply.Multimodal)
	}
	if len(f.llm.images) != 1 || f.llm.images[0][0] != "/tmp/x.png" {
		t.Errorf("images = %v", f.llm.images)
	}
	if !strings.Contains(f.llm.prompts[0], "file_type: image") || !strings.Contains(f.llm.prompts[0], "640") {
		t.Errorf("prompt:\n%s", f.llm.prompts[0])
	}
	if len(f.files.released) != 1 {
		t.Error("the image temp file should be released")
	}
}

func TestProcessMultimodal_Document(t *testing.T) {
	f := newFixture(t)
	f.files.res = files.Result{FileType: "csv", Category: files.Document, TextContent: "name | total", Size: 42}

	reply, err := f.svc.ProcessMultimodal(ctx, "bob", "", "Summarize", "/files/report.csv", nil)
	if err != nil {
		t.Fatalf("ProcessMultimodal: %v", err)
	}
	if reply.Multimodal == nil || *reply.Multimodal {
		t.Errorf("multimodal = %v", reply.Multimodal)
	}
	p := f.llm.prompts[0]
	if !strings.Contains(p, "Summarize\n\nFile Content:\nname | total") || !strings.Contains(p, "file_type: document") {
		t.Errorf("prompt:\n%s", p)
	}

	msgs := f.messages(t, reply.ConversationID)
	if msgs[0].Content != "Summarize" {
		t.Errorf("stored user message = %q", msgs[0].Content)
	}
}

func TestProcessMultimodal_FileFailure(t *testing.T) {
	f := newFixture(t)
	f.files.err = errors.New("boom")

	reply, err := f.svc.ProcessMultimodal(ctx, "bob", "", "Look", "/files/broken.png", nil)
	if err != nil {
		t.Fatalf("ProcessMultimodal: %v", err)
	}
	if *reply.Multimodal || len(f.llm.images) != 0 {
		t.Error("a failed file should fall back to text generation")
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	f.llm.answer = "Use <b>care</b>"
	reply, _ := f.svc.SendMessage(ctx, "bob", "", "hi", nil)

	tests := []struct {
		format string
		want   string
	}{
		{FormatText, "User: hi\n\nAssistant: Use <b>care</b>\n\n"},
		{FormatMarkdown, "**User**: hi\n\n**Assistant**: Use <b>care</b>\n\n"},
		{FormatHTML, "<div class='conversation-history'>" +
			"<div class='message user'><div class='role'>User</div><div class='content'>hi</div></div>" +
			"<div class='message assistant'><div class='role'>Assistant</div><div class='content'>Use &lt;b&gt;care&lt;/b&gt;</div></div>" +
			"</div>"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			got, err := f.svc.History(ctx, "bob", reply.ConversationID, tt.format)
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if got != tt.want {
				t.Errorf("History(%s) =\n%q\nwant\n%q", tt.format, got, tt.want)
			}
		})
	}

	if _, err := f.svc.History(ctx, "bob", "nope", FormatText); !apperr.Is(err, apperr.Validation) {
		t.Errorf("unknown conversation history err = %v", err)
	}
}

func TestSubmitFeedback(t *testing.T) {
	f := newFixture(t)
	reply, _ := f.svc.SendMessage(ctx, "bob", "", "hi", nil)

	id, err := f.svc.SubmitFeedback(ctx, "bob", reply.MessageID, "Positive", "helpful")
	if err != nil || id == "" {
		t.Fatalf("SubmitFeedback = %q, %v", id, err)
	}
	m, _ := f.store.GetMessage(ctx, reply.MessageID)
	if m.FeedbackRating != "Positive" || m.FeedbackComments != "helpful" {
		t.Errorf("message feedback = %q %q", m.FeedbackRating, m.FeedbackComments)
	}

	if _, err := f.svc.SubmitFeedback(ctx, "bob", reply.MessageID, "Meh", ""); !apperr.Is(err, apperr.Validation) {
		t.Errorf("bad rating err = %v", err)
	}
	if _, err := f.svc.SubmitFeedback(ctx, "bob", "missing", "Negative", ""); !apperr.Is(err, apperr.Validation) {
		t.Errorf("missing message err = %v", err)
	}
}

func TestListActiveAndArchive(t *testing.T) {
	f := newFixture(t)
	f.llm.answer = strings.Repeat("x", 150)
	first, _ := f.svc.SendMessage(ctx, "bob", "", "first", nil)
	f.llm.answer = "short"
	second, _ := f.svc.SendMessage(ctx, "bob", "", "second", nil)
	f.svc.SendMessage(ctx, "alice", "", "not bob's", nil)

	list, err := f.svc.ListActive(ctx, "bob")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("active = %d, want 2", len(list))
	}
	byID := map[string]Summary{}
	for _, s := range list {
		byID[s.ID] = s
	}
	if got := byID[first.ConversationID].LastMessage; got != strings.Repeat("x", 100)+"..." {
		t.Errorf("truncated last message = %q", got)
	}
	if got := byID[second.ConversationID].LastMessage; got != "short" {
		t.Errorf("last message = %q", got)
	}

	if err := f.svc.Archive(ctx, "bob", first.ConversationID); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	list, _ = f.svc.ListActive(ctx, "bob")
	if len(list) != 1 || list[0].ID != second.ConversationID {
		t.Errorf("after archive = %+v", list)
	}
	if err := f.svc.Archive(ctx, "bob", "missing"); !apperr.Is(err, apperr.Validation) {
		t.Errorf("archive missing err = %v", err)
	}
}

func TestConversationOwnership(t *testing.T) {
	f := newFixture(t)
	own, err := f.svc.SendMessage(ctx, "alice", "", "my numbers", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	calls := len(f.llm.prompts)

	if _, err := f.svc.SendMessage(ctx, "bob", own.ConversationID, "show me", nil); !apperr.Is(err, apperr.Permission) {
		t.Errorf("SendMessage by bob err = %v, want permission", err)
	}
	if len(f.llm.prompts) != calls {
		t.Error("model called for a foreign conversation")
	}
	if got := len(f.messages(t, own.ConversationID)); got != 2 {
		t.Errorf("messages = %d, want 2", got)
	}
	if _, err := f.svc.History(ctx, "bob", own.ConversationID, FormatText); !apperr.Is(err, apperr.Permission) {
		t.Errorf("History by bob err = %v, want permission", err)
	}
	if err := f.svc.Archive(ctx, "bob", own.ConversationID); !apperr.Is(err, apperr.Permission) {
		t.Errorf("Archive by bob err = %v, want permission", err)
	}
	if list, _ := f.svc.ListActive(ctx, "alice"); len(list) != 1 {
		t.Errorf("alice active = %d, want 1", len(list))
	}

	if _, err := f.svc.History(ctx, authz.Superuser, own.ConversationID, FormatText); err != nil {
		t.Errorf("History by %s: %v", authz.Superuser, err)
	}
	if err := f.store.AddUserRole(ctx, "carol", authz.Superuser); err != nil {
		t.Fatalf("AddUserRole: %v", err)
	}
	if err := f.svc.Authorize(ctx, "carol", own.ConversationID); err != nil {
		t.Errorf("Authorize role holder: %v", err)
	}
	if err := f.svc.Archive(ctx, "alice", own.ConversationID); err != nil {
		t.Errorf("Archive by owner: %v", err)
	}
}

func TestSendMessage_Reanchors(t *testing.T) {
	f := newFixture(t)
	reply, _ := f.svc.SendMessage(ctx, "bob", "", "hi", map[string]any{"doctype": "Sales Order", "docname": "SO-1"})

	f.svc.SendMessage(ctx, "bob", reply.ConversationID, "and this one?", map[string]any{"doctype": "Sales Order", "docname": "SO-2"})
	conv, _ := f.store.GetConversation(ctx, reply.ConversationID)
	if conv.ContextDocname != "SO-2" {
		t.Errorf("docname = %q, want SO-2", conv.ContextDocname)
	}
	if !strings.Contains(f.llm.prompts[1], "current_docname: SO-2") {
		t.Errorf("prompt should follow the new anchor:\n%s", f.llm.prompts[1])
	}

	// A doctype without a docname does not move the conversation.
	f.svc.SendMessage(ctx, "bob", reply.ConversationID, "list view", map[string]any{"doctype": "Customer"})
	conv, _ = f.store.GetConversation(ctx, reply.ConversationID)
	if conv.ContextDoctype != "Sales Order" {
		t.Errorf("doctype = %q", conv.ContextDoctype)
	}
}
