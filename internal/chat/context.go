package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gembridge/gembridge/internal/apperr"
	"github.com/gembridge/gembridge/internal/audit"
	"github.com/gembridge/gembridge/internal/authz"
	"github.com/gembridge/gembridge/internal/masking"
	"github.com/gembridge/gembridge/internal/storage"
)

// maxContextMessages bounds the history attached to a conversation context.
const maxContextMessages = 10

// ContextStore is the persistence the context manager needs.
type ContextStore interface {
	GetConversation(ctx context.Context, id string) (storage.Conversation, error)
	UpdateConversationContext(ctx context.Context, id, doctype, docname string) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]storage.Message, error)
	GetDocument(ctx context.Context, doctype, name string) (storage.Document, error)
}

// SettingsSource reports whether context awareness is enabled.
type SettingsSource interface {
	Get(ctx context.Context) (storage.Settings, error)
}

// FieldMasker redacts document fields.
type FieldMasker interface {
	MaskFields(ctx context.Context, doctype string, fields map[string]any) map[string]string
}

// Anchor is the ERP document a conversation is about.
type Anchor struct {
	Doctype string `json:"doctype,omitempty"`
	Docname string `json:"docname,omitempty"`
}

// Modules of the doctypes the demo ERP schema knows about.
var doctypeModules = map[string]string{
	"Customer":       "Selling",
	"Quotation":      "Selling",
	"Sales Order":    "Selling",
	"Sales Invoice":  "Accounts",
	"Payment Entry":  "Accounts",
	"Supplier":       "Buying",
	"Purchase Order": "Buying",
	"Item":           "Stock",
	"Delivery Note":  "Stock",
	"Task":           "Projects",
	"Project":        "Projects",
	"Employee":       "HR",
}

// ContextManager tracks which document a conversation is anchored to and
// renders that anchor as prompt context.
type ContextManager struct {
	store    ContextStore
	settings SettingsSource
	masker   FieldMasker
	authz    authz.Port
	audit    *audit.Logger
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]Anchor
}

// NewContextManager creates a ContextManager. masker and port may be nil,
// in which case document fields go out unmasked and unchecked.
func NewContextManager(store ContextStore, settings SettingsSource, masker FieldMasker, port authz.Port, auditLog *audit.Logger) *ContextManager {
	return &ContextManager{
		store:    store,
		settings: settings,
		masker:   masker,
		authz:    port,
		audit:    auditLog,
		logger:   slog.Default(),
		cache:    make(map[string]Anchor),
	}
}

func (m *ContextManager) enabled(ctx context.Context) bool {
	st, err := m.settings.Get(ctx)
	if err != nil {
		m.logger.Warn("loading settings for context", "error", err)
		return false
	}
	return st.EnableContextAwareness
}

// ConversationContext describes a conversation, its anchor document and,
// when includeHistory is set, its most recent messages.
func (m *ContextManager) ConversationContext(ctx context.Context, conversationID string, includeHistory bool) (map[string]any, error) {
	if !m.enabled(ctx) {
		return map[string]any{"context_enabled": false}, nil
	}

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.Newf(apperr.Context, "Conversation %s not found", conversationID)
		}
		return nil, apperr.Wrap(apperr.Context, err, "Error getting conversation context")
	}

	out := map[string]any{
		"conversation_id": conversationID,
		"user":            conv.User,
		"start_time":      conv.StartTime.Format(time.RFC3339),
		"context_enabled": true,
	}
	if conv.ContextDoctype != "" {
		out["doctype"] = conv.ContextDoctype
		if conv.ContextDocname != "" {
			out["docname"] = conv.ContextDocname
			user := audit.UserOr(ctx, conv.User)
			if data, ok := m.safeDocument(ctx, user, conv.ContextDoctype, conv.ContextDocname); ok {
				out["document_data"] = data
			}
		}
	}
	if includeHistory {
		msgs, err := m.store.ListMessages(ctx, conversationID, maxContextMessages)
		if err != nil {
			return nil, apperr.Wrap(apperr.Context, err, "Error getting conversation context")
		}
		out["conversation_history"] = renderHistory(msgs, FormatText)
	}

	_, hasDoctype := out["doctype"]
	_, hasDocname := out["docname"]
	_, hasHistory := out["conversation_history"]
	m.audit.Success(ctx, "", audit.FunctionCall, map[string]any{
		"function": "context_manager",
		"action":   "context_retrieval",
		"details": map[string]any{
			"conversation_id": conversationID,
			"context_enabled": true,
			"has_doctype":     hasDoctype,
			"has_docname":     hasDocname,
			"has_history":     hasHistory,
		},
	})
	return out, nil
}

// DetectActiveContext interprets an ERP route such as "Form/Sales Order/SO-1"
// or "List/Customer".
func (m *ContextManager) DetectActiveContext(ctx context.Context, route string) map[string]any {
	if !m.enabled(ctx) {
		return map[string]any{"context_enabled": false}
	}

	parts := strings.Split(strings.Trim(route, "/"), "/")
	if len(parts) > 0 && parts[0] == "app" {
		parts = parts[1:]
	}

	var out map[string]any
	switch {
	case len(parts) >= 3 && parts[0] == "Form":
		doctype, docname := parts[1], strings.Join(parts[2:], "/")
		out = map[string]any{
			"doctype":         doctype,
			"docname":         docname,
			"module":          doctypeModules[doctype],
			"context_enabled": true,
		}
		if data, ok := m.safeDocument(ctx, audit.UserOr(ctx, "Guest"), doctype, docname); ok {
			out["document_data"] = data
		}
	case len(parts) >= 2 && parts[0] == "List":
		out = map[string]any{
			"doctype":         parts[1],
			"module":          doctypeModules[parts[1]],
			"view":            "List",
			"context_enabled": true,
		}
	default:
		out = map[string]any{"route": route, "context_enabled": true}
	}

	_, hasDoctype := out["doctype"]
	_, hasDocname := out["docname"]
	m.audit.Success(ctx, "", audit.FunctionCall, map[string]any{
		"function": "detect_active_context",
		"details": map[string]any{
			"context_enabled": true,
			"has_doctype":     hasDoctype,
			"has_docname":     hasDocname,
		},
	})
	return out
}

// UpdateConversationContext re-anchors a conversation. Empty anchor fields
// keep their stored value.
func (m *ContextManager) UpdateConversationContext(ctx context.Context, conversationID string, a Anchor) error {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.Newf(apperr.Context, "Conversation %s not found", conversationID)
		}
		return apperr.Wrap(apperr.Context, err, "Error updating conversation context")
	}

	var updated []string
	if a.Doctype != "" {
		conv.ContextDoctype = a.Doctype
		updated = append(updated, "doctype")
	}
	if a.Docname != "" {
		conv.ContextDocname = a.Docname
		updated = append(updated, "docname")
	}
	if err := m.store.UpdateConversationContext(ctx, conversationID, conv.ContextDoctype, conv.ContextDocname); err != nil {
		return apperr.Wrap(apperr.Context, err, "Error updating conversation context")
	}
	m.remember(conversationID, Anchor{Doctype: conv.ContextDoctype, Docname: conv.ContextDocname})

	m.audit.Success(ctx, "", audit.FunctionCall, map[string]any{
		"function": "context_manager",
		"action":   "context_update",
		"details": map[string]any{
			"conversation_id": conversationID,
			"updated_fields":  updated,
		},
	})
	return nil
}

// DetectContextChange reports whether current differs from the anchor last
// seen for the conversation. An unseen conversation counts as changed.
func (m *ContextManager) DetectContextChange(conversationID string, current Anchor) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cached, ok := m.cache[conversationID]
	if ok && cached == current {
		return false
	}
	m.cache[conversationID] = current
	return true
}

func (m *ContextManager) remember(conversationID string, a Anchor) {
	m.mu.Lock()
	m.cache[conversationID] = a
	m.mu.Unlock()
}

// safeDocument returns the masked fields of a document the user may read.
func (m *ContextManager) safeDocument(ctx context.Context, user, doctype, docname string) (map[string]string, bool) {
	if m.authz != nil {
		ok, err := m.authz.HasPermission(ctx, user, doctype, "read")
		if err != nil {
			m.logger.Warn("checking document permission", "doctype", doctype, "user", user, "error", err)
			return nil, false
		}
		if !ok {
			return nil, false
		}
	}
	doc, err := m.store.GetDocument(ctx, doctype, docname)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn("loading document for context", "doctype", doctype, "docname", docname, "error", err)
		}
		return nil, false
	}
	if m.masker != nil {
		return m.masker.MaskFields(ctx, doctype, doc.Fields), true
	}
	out := make(map[string]string, len(doc.Fields))
	for k, v := range doc.Fields {
		if v != nil {
			out[k] = masking.Stringify(v)
		}
	}
	return out, true
}
