// Package audit records best-effort audit entries. A failed write is logged
// and never returned to the caller.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gembridge/gembridge/internal/storage"
)

// Action types.
const (
	Query              = "Query"
	TextToSQL          = "Text-to-SQL"
	FunctionCall       = "Function Call"
	RuleExecution      = "Rule Execution"
	RuleCreation       = "Rule Creation"
	ActionExecution    = "Action Execution"
	ActionRegistration = "Action Registration"
	WorkflowEvent      = "Workflow"
	AIRecommendation   = "AI Recommendation"
	SettingsChange     = "Settings Change"
)

// Store is the persistence the logger needs.
type Store interface {
	InsertAudit(ctx context.Context, a storage.AuditEntry) error
	UpdateAudit(ctx context.Context, id, details, status string) error
	FindAuditByRequestID(ctx context.Context, requestID string) (storage.AuditEntry, error)
}

type actorKey struct{}

type actor struct {
	user string
	ip   string
}

// WithActor attaches the acting user and client address to ctx.
func WithActor(ctx context.Context, user, ip string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor{user: user, ip: ip})
}

// Actor returns the user and address attached by WithActor.
func Actor(ctx context.Context) (user, ip string) {
	a, _ := ctx.Value(actorKey{}).(actor)
	return a.user, a.ip
}

// UserOr returns the acting user, or fallback when none is attached.
func UserOr(ctx context.Context, fallback string) string {
	if u, _ := Actor(ctx); u != "" {
		return u
	}
	return fallback
}

type Logger struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

func New(store Store) *Logger {
	return &Logger{store: store, now: time.Now, logger: slog.Default()}
}

// Record writes an entry and returns its id, or "" when the write failed.
// An empty user falls back to the context actor.
func (l *Logger) Record(ctx context.Context, user, actionType string, details map[string]any, status string) string {
	if l == nil || l.store == nil {
		return ""
	}
	ctxUser, ip := Actor(ctx)
	if user == "" {
		user = ctxUser
	}
	if user == "" {
		user = "system"
	}
	raw, err := json.Marshal(details)
	if err != nil {
		l.logger.Error("encoding audit details", "action_type", actionType, "error", err)
		return ""
	}
	entry := storage.AuditEntry{
		ID:         uuid.New().String(),
		Timestamp:  l.now(),
		User:       user,
		ActionType: actionType,
		Details:    string(raw),
		Status:     status,
		IPAddress:  ip,
	}
	if err := l.store.InsertAudit(ctx, entry); err != nil {
		l.logger.Error("writing audit entry", "action_type", actionType, "error", err)
		return ""
	}
	return entry.ID
}

// Success records a successful action.
func (l *Logger) Success(ctx context.Context, user, actionType string, details map[string]any) string {
	return l.Record(ctx, user, actionType, details, storage.AuditSuccess)
}

// Failure records a failed action.
func (l *Logger) Failure(ctx context.Context, user, actionType string, details map[string]any) string {
	return l.Record(ctx, user, actionType, details, storage.AuditError)
}

// Amend merges extra into the details of the entry tagged with requestID
// and sets its status. When that entry cannot be found, a fresh entry of
// fallbackType is written instead.
func (l *Logger) Amend(ctx context.Context, requestID, fallbackType string, extra map[string]any, status string) {
	if l == nil || l.store == nil {
		return
	}
	entry, err := l.store.FindAuditByRequestID(ctx, requestID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			l.logger.Warn("looking up audit entry", "request_id", requestID, "error", err)
		}
		details := map[string]any{"request_id": requestID}
		for k, v := range extra {
			details[k] = v
		}
		l.Record(ctx, "", fallbackType, details, status)
		return
	}

	details := map[string]any{}
	if err := json.Unmarshal([]byte(entry.Details), &details); err != nil {
		l.logger.Warn("parsing audit details", "request_id", requestID, "error", err)
		details = map[string]any{"request_id": requestID}
	}
	for k, v := range extra {
		details[k] = v
	}
	raw, err := json.Marshal(details)
	if err != nil {
		l.logger.Error("encoding audit details", "request_id", requestID, "error", err)
		return
	}
	if err := l.store.UpdateAudit(ctx, entry.ID, string(raw), status); err != nil {
		l.logger.Error("updating audit entry", "request_id", requestID, "error", err)
	}
}
