package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gembridge/gembridge/internal/apperr"
	"github.com/gembridge/gembridge/internal/audit"
	"github.com/gembridge/gembridge/internal/authz"
	"github.com/gembridge/gembridge/internal/storage"
)

// DocumentStore is the host-document port used by actions and workflows.
type DocumentStore interface {
	GetDocument(ctx context.Context, doctype, name string) (storage.Document, error)
	SaveDocument(ctx context.Context, d storage.Document) error
	QueueEmail(ctx context.Context, e storage.Email) error
}

// Result is the outcome of one action.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// HandlerFunc runs an action on behalf of user.
type HandlerFunc func(ctx context.Context, user string, params map[string]any) (Result, error)

// Action is a named, role-gated operation.
type Action struct {
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	AllowedRoles []string    `json:"-"`
	Parameters   []string    `json:"parameters"`
	Doctypes     []string    `json:"doctypes,omitempty"` // empty means any
	Handler      HandlerFunc `json:"-"`
}

var defaultAllowedRoles = []string{authz.SystemManager, authz.Superuser}

var sensitiveParams = []string{"password", "api_key", "token"}

// ActionHandler is the registry of custom actions.
type ActionHandler struct {
	docs   DocumentStore
	authz  authz.Port
	audit  *audit.Logger
	logger *slog.Logger

	mu      sync.RWMutex
	actions map[string]Action
}

// NewActionHandler returns a registry holding the built-in actions
// send_email, create_task, update_document and create_document.
func NewActionHandler(docs DocumentStore, port authz.Port, auditLog *audit.Logger) *ActionHandler {
	h := &ActionHandler{
		docs:    docs,
		authz:   port,
		audit:   auditLog,
		logger:  slog.Default(),
		actions: make(map[string]Action),
	}
	for _, a := range h.builtins() {
		h.actions[a.Name] = withDefaults(a)
	}
	return h
}

func withDefaults(a Action) Action {
	if len(a.AllowedRoles) == 0 {
		a.AllowedRoles = slices.Clone(defaultAllowedRoles)
	}
	return a
}

// Register adds a custom action. Names are unique.
func (h *ActionHandler) Register(ctx context.Context, a Action) error {
	if a.Name == "" {
		return apperr.New(apperr.Validation, "Action name is required")
	}
	if a.Handler == nil {
		return apperr.Newf(apperr.Validation, "Action '%s' has no handler", a.Name)
	}
	h.mu.Lock()
	if _, ok := h.actions[a.Name]; ok {
		h.mu.Unlock()
		return apperr.Newf(apperr.Workflow, "Action '%s' already exists", a.Name)
	}
	h.actions[a.Name] = withDefaults(a)
	h.mu.Unlock()

	h.audit.Success(ctx, "", audit.ActionRegistration, map[string]any{
		"action_name": a.Name,
		"description": a.Description,
	})
	return nil
}

func (h *ActionHandler) lookup(name string) (Action, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a, ok := h.actions[name]
	return a, ok
}

// Execute runs the named action after checking roles and required
// parameters. Handler failures come back as an unsuccessful Result and a
// Workflow error.
func (h *ActionHandler) Execute(ctx context.Context, name string, params map[string]any, user string) (Result, error) {
	a, ok := h.lookup(name)
	if !ok {
		return Result{}, apperr.Newf(apperr.Workflow, "Action '%s' not found", name)
	}
	allowed, err := h.canRun(ctx, a, user)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.Workflow, err, "Error checking permissions")
	}
	if !allowed {
		return Result{}, apperr.New(apperr.Permission, "Permission denied")
	}
	for _, p := range a.Parameters {
		if _, ok := params[p]; !ok {
			return Result{}, apperr.New(apperr.Validation, "Missing or invalid parameters")
		}
	}

	res, err := a.Handler(ctx, user, params)
	if err != nil {
		res = Result{Success: false, Error: err.Error()}
	}

	details := map[string]any{
		"action":  name,
		"params":  safeParams(params),
		"success": res.Success,
	}
	if res.Success {
		h.audit.Success(ctx, user, audit.ActionExecution, details)
	} else {
		h.audit.Failure(ctx, user, audit.ActionExecution, details)
	}

	if err != nil {
		return res, apperr.Wrap(apperr.Workflow, err, "")
	}
	return res, nil
}

// Available lists the actions user may run, sorted by name. A non-empty
// doctype filters out actions bound to other doctypes.
func (h *ActionHandler) Available(ctx context.Context, doctype, user string) ([]Action, error) {
	h.mu.RLock()
	all := make([]Action, 0, len(h.actions))
	for _, a := range h.actions {
		all = append(all, a)
	}
	h.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })

	out := make([]Action, 0, len(all))
	for _, a := range all {
		if doctype != "" && len(a.Doctypes) > 0 && !slices.Contains(a.Doctypes, doctype) {
			continue
		}
		ok, err := h.canRun(ctx, a, user)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// canRun matches the user's roles against the allowed roles. Holding the
// Administrator role is always enough.
func (h *ActionHandler) canRun(ctx context.Context, a Action, user string) (bool, error) {
	roles := append(slices.Clone(a.AllowedRoles), authz.Superuser)
	return authz.HasAnyRole(ctx, h.authz, user, roles)
}

func safeParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if slices.Contains(sensitiveParams, k) {
			continue
		}
		out[k] = v
	}
	return out
}

func (h *ActionHandler) builtins() []Action {
	return []Action{
		{
			Name:        "send_email",
			Description: "Send an email to specified recipients",
			Parameters:  []string{"recipients", "subject", "message"},
			Handler:     h.sendEmail,
		},
		{
			Name:        "create_task",
			Description: "Create a new task",
			Parameters:  []string{"subject"},
			Handler:     h.createTask,
		},
		{
			Name:        "update_document",
			Description: "Update fields of an existing document",
			Parameters:  []string{"doctype", "docname", "fields"},
			Handler:     h.updateDocument,
		},
		{
			Name:        "create_document",
			Description: "Create a new document",
			Parameters:  []string{"doctype", "fields"},
			Handler:     h.createDocument,
		},
	}
}

func (h *ActionHandler) sendEmail(ctx context.Context, user string, params map[string]any) (Result, error) {
	recipients := recipientList(params["recipients"])
	if len(recipients) == 0 {
		return Result{Error: "Recipients are required"}, nil
	}
	subject, _ := params["subject"].(string)
	if subject == "" {
		return Result{Error: "Subject is required"}, nil
	}
	message, _ := params["message"].(string)
	if message == "" {
		return Result{Error: "Message is required"}, nil
	}

	id := uuid.New().String()
	err := h.docs.QueueEmail(ctx, storage.Email{
		ID:         id,
		Recipients: strings.Join(recipients, ","),
		Subject:    subject,
		Message:    message,
	})
	if err != nil {
		return Result{}, fmt.Errorf("queueing email: %w", err)
	}
	return Result{
		Success: true,
		Message: fmt.Sprintf("Email queued for %d recipients", len(recipients)),
		Data:    map[string]any{"email_id": id},
	}, nil
}

func (h *ActionHandler) createTask(ctx context.Context, user string, params map[string]any) (Result, error) {
	subject, _ := params["subject"].(string)
	if subject == "" {
		return Result{Error: "Subject is required"}, nil
	}
	fields := map[string]any{"subject": subject, "status": "Open"}
	for _, k := range []string{"description", "assigned_to"} {
		if v, ok := params[k].(string); ok && v != "" {
			fields[k] = v
		}
	}
	name, err := h.insertDocument(ctx, "Task", fields, user)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Success: true,
		Message: fmt.Sprintf("Task '%s' created successfully", name),
		Data:    map[string]any{"task": name},
	}, nil
}

func (h *ActionHandler) updateDocument(ctx context.Context, user string, params map[string]any) (Result, error) {
	doctype, _ := params["doctype"].(string)
	if doctype == "" {
		return Result{Error: "DocType is required"}, nil
	}
	docname, _ := params["docname"].(string)
	if docname == "" {
		return Result{Error: "Document name is required"}, nil
	}
	fields, _ := params["fields"].(map[string]any)
	if len(fields) == 0 {
		return Result{Error: "Fields to update are required"}, nil
	}

	doc, err := h.docs.GetDocument(ctx, doctype, docname)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{Error: fmt.Sprintf("Document %s %s not found", doctype, docname)}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("loading %s %s: %w", doctype, docname, err)
	}

	var updated []string
	for k, v := range fields {
		if _, ok := doc.Fields[k]; ok {
			doc.Fields[k] = v
			updated = append(updated, k)
		}
	}
	sort.Strings(updated)
	doc.ModifiedBy = user
	doc.Modified = time.Now()
	if err := h.docs.SaveDocument(ctx, doc); err != nil {
		return Result{}, fmt.Errorf("saving %s %s: %w", doctype, docname, err)
	}
	return Result{
		Success: true,
		Message: fmt.Sprintf("Document %s %s updated successfully", doctype, docname),
		Data:    map[string]any{"updated_fields": updated},
	}, nil
}

func (h *ActionHandler) createDocument(ctx context.Context, user string, params map[string]any) (Result, error) {
	doctype, _ := params["doctype"].(string)
	if doctype == "" {
		return Result{Error: "DocType is required"}, nil
	}
	fields, _ := params["fields"].(map[string]any)
	if len(fields) == 0 {
		return Result{Error: "Fields are required"}, nil
	}
	name, err := h.insertDocument(ctx, doctype, fields, user)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Success: true,
		Message: fmt.Sprintf("Document %s %s created successfully", doctype, name),
		Data:    map[string]any{"docname": name},
	}, nil
}

// insertDocument saves a new document. A string "name" field is used as
// the document name, otherwise one is generated.
func (h *ActionHandler) insertDocument(ctx context.Context, doctype string, fields map[string]any, user string) (string, error) {
	fields = maps.Clone(fields)
	name, _ := fields["name"].(string)
	delete(fields, "name")
	if name == "" {
		name = newDocName(doctype)
	}
	err := h.docs.SaveDocument(ctx, storage.Document{
		Doctype:    doctype,
		Name:       name,
		Fields:     fields,
		ModifiedBy: user,
		Modified:   time.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", doctype, err)
	}
	return name, nil
}

// newDocName builds a name like "SO-1A2B3C4D" from the doctype initials.
func newDocName(doctype string) string {
	var prefix strings.Builder
	for _, w := range strings.Fields(doctype) {
		prefix.WriteString(strings.ToUpper(w[:1]))
	}
	if prefix.Len() == 1 {
		prefix.Reset()
		prefix.WriteString(strings.ToUpper(doctype))
	}
	return prefix.String() + "-" + strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
}

// recipientList accepts a comma-separated string or a list.
func recipientList(v any) []string {
	var raw []string
	switch t := v.(type) {
	case string:
		raw = strings.Split(t, ",")
	case []string:
		raw = t
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
