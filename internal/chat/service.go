// Package chat runs conversations with the LLM: plain chat, multimodal
// requests and QueryDB questions answered through the SQL gate.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/gembridge/gembridge/internal/apperr"
	"github.com/gembridge/gembridge/internal/authz"
	"github.com/gembridge/gembridge/internal/files"
	"github.com/gembridge/gembridge/internal/gemini"
	"github.com/gembridge/gembridge/internal/parser"
	"github.com/gembridge/gembridge/internal/prompt"
	"github.com/gembridge/gembridge/internal/sqlgate"
	"github.com/gembridge/gembridge/internal/storage"
	"github.com/gembridge/gembridge/internal/visualize"
)

// QueryPrefix marks a message as a database question.
const QueryPrefix = "QueryDB:"

const lastMessageLimit = 100

// Store is the persistence the chat service needs. Implemented by
// storage.Store.
type Store interface {
	ContextStore
	CreateConversation(ctx context.Context, c storage.Conversation) error
	TouchConversation(ctx context.Context, id string, at time.Time) error
	ArchiveConversation(ctx context.Context, id string) error
	ListActiveConversations(ctx context.Context, user string) ([]storage.Conversation, error)
	SaveMessage(ctx context.Context, m storage.Message) error
	GetMessage(ctx context.Context, id string) (storage.Message, error)
	LastMessage(ctx context.Context, conversationID string) (storage.Message, error)
	SaveFeedback(ctx context.Context, f storage.Feedback) error
}

// LLM generates text. Implemented by gemini.Client.
type LLM interface {
	GenerateText(ctx context.Context, prompt string, opts gemini.Options) (gemini.Response, error)
	GenerateMultimodal(ctx context.Context, prompt string, imagePaths []string, opts gemini.Options) (gemini.Response, error)
}

type PromptBuilder interface {
	Build(ctx context.Context, req prompt.Request) string
}

type ResponseParser interface {
	ParseText(ctx context.Context, text string, tokensUsed int, format string) parser.Parsed
}

// SQLChain answers natural-language questions with gated SQL.
type SQLChain interface {
	Run(ctx context.Context, user, question string) (sqlgate.Result, error)
}

type FileProcessor interface {
	Process(ctx context.Context, src files.Source) (files.Result, error)
	Release(path string)
}

// Deps are the collaborators of a Service. SQL and Files may be nil, which
// disables QueryDB messages and file input respectively. Without Auth only
// the owner and the Administrator user may open a conversation.
type Deps struct {
	Store    Store
	LLM      LLM
	Prompts  PromptBuilder
	Parser   ResponseParser
	SQL      SQLChain
	Files    FileProcessor
	Contexts *ContextManager
	Auth     authz.Port
}

type Service struct {
	store    Store
	llm      LLM
	prompts  PromptBuilder
	parser   ResponseParser
	sql      SQLChain
	files    FileProcessor
	contexts *ContextManager
	auth     authz.Port
	logger   *slog.Logger
}

func NewService(d Deps) *Service {
	return &Service{
		store:    d.Store,
		llm:      d.LLM,
		prompts:  d.Prompts,
		parser:   d.Parser,
		sql:      d.SQL,
		files:    d.Files,
		contexts: d.Contexts,
		auth:     d.Auth,
		logger:   slog.Default(),
	}
}

// Reply is the answer to a chat request.
type Reply struct {
	ConversationID string                   `json:"conversation_id"`
	MessageID      string                   `json:"message_id,omitempty"`
	Response       string                   `json:"response"`
	TokensUsed     int                      `json:"tokens_used"`
	Multimodal     *bool                    `json:"multimodal,omitempty"`
	SQLResult      *sqlgate.Result          `json:"sql_result,omitempty"`
	Visualization  *visualize.Visualization `json:"visualization,omitempty"`
}

// Summary describes an active conversation.
type Summary struct {
	ID             string    `json:"conversation_id"`
	SessionID      string    `json:"session_id"`
	StartTime      time.Time `json:"start_time"`
	LastUpdated    time.Time `json:"last_updated"`
	ContextDoctype string    `json:"context_doctype,omitempty"`
	ContextDocname string    `json:"context_docname,omitempty"`
	LastMessage    string    `json:"last_message"`
}

// SendMessage answers message within a conversation. Messages starting
// with QueryDB: are answered from the ERP database.
func (s *Service) SendMessage(ctx context.Context, user, conversationID, message string, reqCtx map[string]any) (Reply, error) {
	if strings.TrimSpace(message) == "" {
		return Reply{}, apperr.New(apperr.Validation, "Message is required")
	}
	conv, err := s.conversation(ctx, user, conversationID, reqCtx)
	if err != nil {
		return Reply{}, err
	}

	if question, ok := queryQuestion(message); ok {
		return s.answerQuery(ctx, user, conv, message, question, reqCtx)
	}

	pctx, err := s.promptContext(ctx, conv, reqCtx)
	if err != nil {
		return Reply{ConversationID: conv.ID}, err
	}
	if _, err := s.saveMessage(ctx, conv.ID, storage.RoleUser, message, 0); err != nil {
		return Reply{ConversationID: conv.ID}, err
	}

	p := s.prompts.Build(ctx, prompt.Request{
		Input:   message,
		Context: pctx,
		Doctype: conv.ContextDoctype,
		Docname: conv.ContextDocname,
		User:    user,
	})
	resp, err := s.llm.GenerateText(ctx, p, gemini.Options{})
	if err != nil {
		return Reply{ConversationID: conv.ID}, err
	}
	return s.finish(ctx, conv.ID, resp)
}

// ProcessMultimodal answers message with the file at fileURL attached.
// Images are sent to the vision model; other files are inlined as text.
func (s *Service) ProcessMultimodal(ctx context.Context, user, conversationID, message, fileURL string, reqCtx map[string]any) (Reply, error) {
	if strings.TrimSpace(message) == "" {
		return Reply{}, apperr.New(apperr.Validation, "Message is required")
	}
	conv, err := s.conversation(ctx, user, conversationID, reqCtx)
	if err != nil {
		return Reply{}, err
	}
	pctx, err := s.promptContext(ctx, conv, reqCtx)
	if err != nil {
		return Reply{ConversationID: conv.ID}, err
	}
	if _, err := s.saveMessage(ctx, conv.ID, storage.RoleUser, message, 0); err != nil {
		return Reply{ConversationID: conv.ID}, err
	}

	var images []string
	if fileURL != "" && s.files != nil {
		res, err := s.files.Process(ctx, files.Source{URL: fileURL})
		switch {
		case err != nil:
			s.logger.Warn("processing chat attachment", "file_url", fileURL, "error", err)
		case res.Category == files.Image:
			images = append(images, res.FilePath)
			defer s.files.Release(res.FilePath)
			pctx["file_type"] = "image"
			pctx["file_info"] = map[string]any{"type": res.FileType, "width": res.Width, "height": res.Height}
		default:
			if res.TextContent != "" {
				message += "\n\nFile Content:\n" + res.TextContent
			}
			pctx["file_type"] = "document"
			pctx["file_info"] = map[string]any{"type": res.FileType, "size": res.Size}
		}
	}

	p := s.prompts.Build(ctx, prompt.Request{
		Input:   message,
		Context: pctx,
		Doctype: conv.ContextDoctype,
		Docname: conv.ContextDocname,
		User:    user,
	})
	var resp gemini.Response
	if len(images) > 0 {
		resp, err = s.llm.GenerateMultimodal(ctx, p, images, gemini.Options{})
	} else {
		resp, err = s.llm.GenerateText(ctx, p, gemini.Options{})
	}
	if err != nil {
		return Reply{ConversationID: conv.ID}, err
	}
	reply, err := s.finish(ctx, conv.ID, resp)
	multimodal := len(images) > 0
	reply.Multimodal = &multimodal
	return reply, err
}

// answerQuery runs a QueryDB question through the SQL chain and pairs the
// rows with a visualization.
func (s *Service) answerQuery(ctx context.Context, user string, conv storage.Conversation, message, question string, reqCtx map[string]any) (Reply, error) {
	if s.sql == nil {
		return Reply{ConversationID: conv.ID}, apperr.New(apperr.API, "Database queries are not configured")
	}
	if _, err := s.saveMessage(ctx, conv.ID, storage.RoleUser, message, 0); err != nil {
		return Reply{ConversationID: conv.ID}, err
	}

	res, runErr := s.sql.Run(ctx, user, question)
	reply := Reply{ConversationID: conv.ID, Response: summarizeQuery(res), SQLResult: &res}
	if runErr == nil && res.Error == "" {
		chart, _ := reqCtx["chart_type"].(string)
		viz := visualize.Choose(visualize.Data{Columns: res.Columns, Rows: res.Rows}, question, res.GeneratedSQL, chart)
		reply.Visualization = &viz
	}

	id, err := s.saveMessage(ctx, conv.ID, storage.RoleAssistant, reply.Response, 0)
	if err != nil {
		return reply, err
	}
	reply.MessageID = id
	s.touch(ctx, conv.ID)
	return reply, runErr
}

func (s *Service) finish(ctx context.Context, conversationID string, resp gemini.Response) (Reply, error) {
	parsed := s.parser.ParseText(ctx, resp.Text, resp.TokensUsed, parser.FormatMarkdown)
	id, err := s.saveMessage(ctx, conversationID, storage.RoleAssistant, parsed.Content, resp.TokensUsed)
	if err != nil {
		return Reply{ConversationID: conversationID}, err
	}
	s.touch(ctx, conversationID)
	return Reply{
		ConversationID: conversationID,
		MessageID:      id,
		Response:       parsed.Content,
		TokensUsed:     resp.TokensUsed,
	}, nil
}

// History renders all messages of a conversation owned by user.
func (s *Service) History(ctx context.Context, user, conversationID, format string) (string, error) {
	if err := s.Authorize(ctx, user, conversationID); err != nil {
		return "", err
	}
	return s.history(ctx, conversationID, format)
}

func (s *Service) history(ctx context.Context, conversationID, format string) (string, error) {
	msgs, err := s.store.ListMessages(ctx, conversationID, 0)
	if err != nil {
		return "", fmt.Errorf("loading history of %s: %w", conversationID, err)
	}
	return renderHistory(msgs, format), nil
}

// SubmitFeedback rates a message and returns the feedback id.
func (s *Service) SubmitFeedback(ctx context.Context, user, messageID, rating, comments string) (string, error) {
	if rating != "Positive" && rating != "Negative" {
		return "", apperr.New(apperr.Validation, "Rating must be Positive or Negative")
	}
	if _, err := s.store.GetMessage(ctx, messageID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", apperr.Newf(apperr.Validation, "Message %s not found", messageID)
		}
		return "", fmt.Errorf("loading message %s: %w", messageID, err)
	}
	f := storage.Feedback{
		ID:        uuid.NewString(),
		MessageID: messageID,
		Rating:    rating,
		Comments:  comments,
		User:      user,
		Timestamp: time.Now().UTC(),
	}
	if err := s.store.SaveFeedback(ctx, f); err != nil {
		return "", fmt.Errorf("saving feedback: %w", err)
	}
	return f.ID, nil
}

// ListActive returns the user's active conversations, most recent first.
func (s *Service) ListActive(ctx context.Context, user string) ([]Summary, error) {
	convs, err := s.store.ListActiveConversations(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	out := make([]Summary, 0, len(convs))
	for _, c := range convs {
		sum := Summary{
			ID:             c.ID,
			SessionID:      c.SessionID,
			StartTime:      c.StartTime,
			LastUpdated:    c.LastUpdated,
			ContextDoctype: c.ContextDoctype,
			ContextDocname: c.ContextDocname,
		}
		last, err := s.store.LastMessage(ctx, c.ID)
		switch {
		case err == nil:
			sum.LastMessage = truncate(last.Content, lastMessageLimit)
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("loading last message of %s: %w", c.ID, err)
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *Service) Archive(ctx context.Context, user, conversationID string) error {
	if err := s.Authorize(ctx, user, conversationID); err != nil {
		return err
	}
	if err := s.store.ArchiveConversation(ctx, conversationID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.Newf(apperr.Validation, "Conversation %s not found", conversationID)
		}
		return fmt.Errorf("archiving %s: %w", conversationID, err)
	}
	return nil
}

// Authorize fails with a permission error unless user owns the
// conversation or holds the superuser role. Unknown ids are validation
// errors.
func (s *Service) Authorize(ctx context.Context, user, conversationID string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.Newf(apperr.Validation, "Conversation %s not found", conversationID)
	}
	if err != nil {
		return fmt.Errorf("loading conversation %s: %w", conversationID, err)
	}
	return s.checkOwner(ctx, user, conv)
}

func (s *Service) checkOwner(ctx context.Context, user string, conv storage.Conversation) error {
	if conv.User == user || user == authz.Superuser {
		return nil
	}
	if s.auth != nil {
		ok, err := s.auth.HasRole(ctx, user, authz.Superuser)
		if err != nil {
			return fmt.Errorf("checking roles of %s: %w", user, err)
		}
		if ok {
			return nil
		}
	}
	s.logger.Warn("conversation access denied", "user", user, "owner", conv.User, "conversation_id", conv.ID)
	return apperr.Newf(apperr.Permission, "Conversation %s belongs to another user", conv.ID)
}

// conversation loads conversationID or starts a new conversation anchored
// to the document named in reqCtx.
func (s *Service) conversation(ctx context.Context, user, conversationID string, reqCtx map[string]any) (storage.Conversation, error) {
	anchor := anchorOf(reqCtx)
	if conversationID != "" {
		conv, err := s.store.GetConversation(ctx, conversationID)
		if err == nil {
			if err := s.checkOwner(ctx, user, conv); err != nil {
				return storage.Conversation{}, err
			}
			s.reanchor(ctx, &conv, anchor)
			return conv, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return storage.Conversation{}, fmt.Errorf("loading conversation %s: %w", conversationID, err)
		}
	}

	now := time.Now().UTC()
	conv := storage.Conversation{
		ID:             uuid.NewString(),
		SessionID:      strings.ReplaceAll(uuid.NewString(), "-", "")[:10],
		User:           user,
		StartTime:      now,
		LastUpdated:    now,
		Status:         storage.ConversationActive,
		ContextDoctype: anchor.Doctype,
		ContextDocname: anchor.Docname,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return storage.Conversation{}, fmt.Errorf("creating conversation: %w", err)
	}
	return conv, nil
}

// reanchor follows the user to a different document. Only complete anchors
// move a conversation.
func (s *Service) reanchor(ctx context.Context, conv *storage.Conversation, a Anchor) {
	if s.contexts == nil || a.Doctype == "" || a.Docname == "" {
		return
	}
	if !s.contexts.DetectContextChange(conv.ID, a) {
		return
	}
	if a == (Anchor{Doctype: conv.ContextDoctype, Docname: conv.ContextDocname}) {
		return
	}
	if err := s.contexts.UpdateConversationContext(ctx, conv.ID, a); err != nil {
		s.logger.Warn("re-anchoring conversation", "conversation_id", conv.ID, "error", err)
		return
	}
	conv.ContextDoctype, conv.ContextDocname = a.Doctype, a.Docname
}

// promptContext copies the caller's context and adds the conversation
// history and anchor.
func (s *Service) promptContext(ctx context.Context, conv storage.Conversation, reqCtx map[string]any) (map[string]any, error) {
	out := maps.Clone(reqCtx)
	if out == nil {
		out = make(map[string]any)
	}
	history, err := s.history(ctx, conv.ID, FormatText)
	if err != nil {
		return nil, err
	}
	out[prompt.HistoryKey] = history
	if conv.ContextDoctype != "" {
		out["doctype"] = conv.ContextDoctype
	}
	if conv.ContextDocname != "" {
		out["docname"] = conv.ContextDocname
	}
	return out, nil
}

func (s *Service) saveMessage(ctx context.Context, conversationID, role, content string, tokens int) (string, error) {
	m := storage.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Timestamp:      time.Now().UTC(),
		Role:           role,
		Content:        content,
		TokensUsed:     tokens,
	}
	if err := s.store.SaveMessage(ctx, m); err != nil {
		return "", fmt.Errorf("saving %s message: %w", strings.ToLower(role), err)
	}
	return m.ID, nil
}

func (s *Service) touch(ctx context.Context, conversationID string) {
	if err := s.store.TouchConversation(ctx, conversationID, time.Now().UTC()); err != nil {
		s.logger.Warn("touching conversation", "conversation_id", conversationID, "error", err)
	}
}

// queryQuestion strips the QueryDB: prefix, matched case-insensitively.
func queryQuestion(message string) (string, bool) {
	trimmed := strings.TrimSpace(message)
	if len(trimmed) < len(QueryPrefix) || !strings.EqualFold(trimmed[:len(QueryPrefix)], QueryPrefix) {
		return "", false
	}
	return strings.TrimSpace(trimmed[len(QueryPrefix):]), true
}

func summarizeQuery(res sqlgate.Result) string {
	var sb strings.Builder
	if res.GeneratedSQL != "" {
		sb.WriteString("Generated SQL:\n\n```sql\n" + res.GeneratedSQL + "\n```\n\n")
	}
	if res.Error != "" {
		sb.WriteString(res.Error)
		return sb.String()
	}
	fmt.Fprintf(&sb, "Returned %d rows.", len(res.Rows))
	if res.HasMoreResults {
		fmt.Fprintf(&sb, " Only the first %d are shown; more rows are available.", sqlgate.MaxRows)
	}
	return sb.String()
}

func anchorOf(reqCtx map[string]any) Anchor {
	var a Anchor
	a.Doctype, _ = reqCtx["doctype"].(string)
	a.Docname, _ = reqCtx["docname"].(string)
	return a
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

