package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gembridge/gembridge/internal/apperr"
	"github.com/gembridge/gembridge/internal/audit"
	"github.com/gembridge/gembridge/internal/authz"
	"github.com/gembridge/gembridge/internal/chat"
	"github.com/gembridge/gembridge/internal/files"
	"github.com/gembridge/gembridge/internal/masking"
	"github.com/gembridge/gembridge/internal/settings"
	"github.com/gembridge/gembridge/internal/sqlgate"
	"github.com/gembridge/gembridge/internal/storage"
	"github.com/gembridge/gembridge/internal/workflow"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps holds everything the HTTP handlers call into.
type Deps struct {
	Token       string
	DefaultUser string

	Store    *storage.Store
	Chat     *chat.Service
	Contexts *chat.ContextManager
	Files    *files.Processor
	Workflow *workflow.Engine
	SQL      *sqlgate.Chain
	Settings *settings.Manager
	Masker   *masking.Masker
	Authz    authz.Port
	Limiter  *RateLimiter
	Audit    *audit.Logger
}

// NewHandler returns the gembridge REST API. Everything but /health needs
// the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Use(UserContext(deps.DefaultUser))
		if deps.Limiter != nil {
			r.Use(deps.Limiter.Middleware)
		}

		r.Route("/chat", func(r chi.Router) {
			r.Post("/send", handleSend(deps))
			r.Post("/multimodal", handleMultimodal(deps))
			r.Get("/context", handleDetectContext(deps))
			r.Post("/document", handleDocument(deps))
			r.Post("/feedback", handleFeedback(deps))
			r.Get("/conversations", handleListConversations(deps))
			r.Get("/conversations/{id}/history", handleHistory(deps))
			r.Get("/conversations/{id}/context", handleConversationContext(deps))
			r.Post("/conversations/{id}/context", handleUpdateContext(deps))
			r.Post("/conversations/{id}/archive", handleArchive(deps))
		})

		r.Route("/workflow", func(r chi.Router) {
			r.Post("/events", handleDocumentEvent(deps))
			r.Get("/actions", handleAvailableActions(deps))
			r.Post("/actions/{name}", handleExecuteAction(deps))
			r.Post("/recommendation", handleRecommendation(deps))
			r.Get("/rules", handleListRules(deps))
			r.Post("/rules", handleCreateRule(deps))
		})

		r.Post("/sql/query", handleSQLQuery(deps))
		r.Post("/sql/validate", handleSQLValidate(deps))
		r.Post("/mask", handleMask(deps))

		r.Get("/settings", handleGetSettings(deps))
		r.Patch("/settings", handlePatchSettings(deps))

		r.Get("/keywords", handleListKeywords(deps))
		r.Post("/keywords", handleAddKeyword(deps))
		r.Delete("/keywords/{id}", handleDeleteKeyword(deps))

		r.Get("/audit", handleListAudit(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// decodeBody reads a JSON body into v, answering 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encoding response", "error", err)
	}
}

// writeOK answers {"success": true} merged with fields.
func writeOK(w http.ResponseWriter, fields map[string]any) {
	out := map[string]any{"success": true}
	for k, v := range fields {
		out[k] = v
	}
	writeJSON(w, out)
}

// writeFailure reports a domain error in the response body. extra fields
// are merged in.
func writeFailure(w http.ResponseWriter, err error, extra map[string]any) {
	kind := apperr.KindOf(err)
	if kind == apperr.Unknown {
		slog.Error("request failed", "error", err)
	}
	out := map[string]any{
		"success":    false,
		"error":      err.Error(),
		"error_type": kind.String(),
	}
	for k, v := range extra {
		out[k] = v
	}
	writeJSON(w, out)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

// requireSettingsWrite checks that the acting user may change assistant
// settings.
func requireSettingsWrite(w http.ResponseWriter, r *http.Request, deps Deps) bool {
	ok, err := deps.Authz.HasPermission(r.Context(), userOf(r), workflow.SettingsResource, "write")
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "checking permissions: %v", err)
		return false
	}
	if !ok {
		httpError(w, http.StatusForbidden, "permission_error", "Permission denied")
		return false
	}
	return true
}
