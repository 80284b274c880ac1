package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gembridge/gembridge/internal/apperr"
	"github.com/gembridge/gembridge/internal/audit"
	"github.com/gembridge/gembridge/internal/settings"
	"github.com/gembridge/gembridge/internal/sqlgate"
	"github.com/gembridge/gembridge/internal/storage"
	"github.com/gembridge/gembridge/internal/visualize"
)

func handleSQLQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Question  string `json:"question"`
			ChartType string `json:"chart_type"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Question) == "" {
			writeFailure(w, apperr.New(apperr.Validation, "question is required"), nil)
			return
		}

		res, err := deps.SQL.Run(r.Context(), userOf(r), req.Question)
		if err != nil && res.Error == "" {
			res.Error = err.Error()
		}
		out := struct {
			Success bool `json:"success"`
			sqlgate.Result
			Visualization *visualize.Visualization `json:"visualization,omitempty"`
		}{Success: err == nil && res.Error == "", Result: res}
		if out.Success {
			v := visualize.Choose(visualize.Data{Columns: res.Columns, Rows: res.Rows}, req.Question, res.GeneratedSQL, req.ChartType)
			out.Visualization = &v
		}
		writeJSON(w, out)
	}
}

func handleSQLValidate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SQL string `json:"sql"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := sqlgate.Validate(req.SQL); err != nil {
			writeJSON(w, map[string]any{"success": false, "read_only": false, "error": err.Error()})
			return
		}
		writeOK(w, map[string]any{"read_only": true})
	}
}

func handleMask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text    string `json:"text"`
			Doctype string `json:"doctype"`
			Field   string `json:"field"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		writeOK(w, map[string]any{"masked": deps.Masker.Mask(r.Context(), req.Text, req.Doctype, req.Field)})
	}
}

type settingsView struct {
	DefaultModel             string            `json:"default_model"`
	RateLimit                int               `json:"rate_limits"`
	EnableContextAwareness   bool              `json:"enable_context_awareness"`
	EnableFileProcessing     bool              `json:"enable_file_processing"`
	EnableWorkflowAutomation bool              `json:"enable_workflow_automation"`
	EnableRoleBasedSecurity  bool              `json:"enable_role_based_security"`
	PromptTemplates          map[string]string `json:"default_prompt_templates"`
	UpdatedAt                string            `json:"updated_at,omitempty"`
}

func viewSettings(st storage.Settings) settingsView {
	v := settingsView{
		DefaultModel:             st.DefaultModel,
		RateLimit:                st.RateLimit,
		EnableContextAwareness:   st.EnableContextAwareness,
		EnableFileProcessing:     st.EnableFileProcessing,
		EnableWorkflowAutomation: st.EnableWorkflowAutomation,
		EnableRoleBasedSecurity:  st.EnableRoleBasedSecurity,
		PromptTemplates:          st.PromptTemplates,
	}
	if v.PromptTemplates == nil {
		v.PromptTemplates = map[string]string{}
	}
	if !st.UpdatedAt.IsZero() {
		v.UpdatedAt = st.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return v
}

func handleGetSettings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Settings.Get(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load settings: %v", err)
			return
		}
		writeJSON(w, viewSettings(st))
	}
}

func handlePatchSettings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireSettingsWrite(w, r, deps) {
			return
		}
		var patch settings.Patch
		if !decodeBody(w, r, &patch) {
			return
		}
		st, err := deps.Settings.Update(r.Context(), patch)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		// Role-based security toggles the built-in masking patterns.
		deps.Masker.Invalidate()

		deps.Audit.Success(r.Context(), userOf(r), audit.SettingsChange, map[string]any{
			"changed": changedSettings(patch),
		})
		writeJSON(w, viewSettings(st))
	}
}

func changedSettings(p settings.Patch) []string {
	var keys []string
	if p.DefaultModel != nil {
		keys = append(keys, "default_model")
	}
	if p.RateLimit != nil {
		keys = append(keys, "rate_limits")
	}
	if p.EnableContextAwareness != nil {
		keys = append(keys, "enable_context_awareness")
	}
	if p.EnableFileProcessing != nil {
		keys = append(keys, "enable_file_processing")
	}
	if p.EnableWorkflowAutomation != nil {
		keys = append(keys, "enable_workflow_automation")
	}
	if p.EnableRoleBasedSecurity != nil {
		keys = append(keys, "enable_role_based_security")
	}
	if len(p.PromptTemplates) > 0 {
		keys = append(keys, "default_prompt_templates")
	}
	return keys
}

type keywordView struct {
	ID          int64  `json:"id"`
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	IsGlobal    bool   `json:"is_global"`
	Doctypes    string `json:"doctypes,omitempty"`
	Fields      string `json:"fields,omitempty"`
	Enabled     bool   `json:"enabled"`
}

func handleListKeywords(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireSettingsWrite(w, r, deps) {
			return
		}
		kws, err := deps.Store.ListKeywords(r.Context(), false)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list keywords: %v", err)
			return
		}
		out := make([]keywordView, len(kws))
		for i, k := range kws {
			out[i] = keywordView(k)
		}
		writeJSON(w, out)
	}
}

func handleAddKeyword(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireSettingsWrite(w, r, deps) {
			return
		}
		var req struct {
			keywordView
			Enabled *bool `json:"enabled"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Pattern == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "pattern is required")
			return
		}
		if _, err := regexp.Compile(req.Pattern); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid pattern: %v", err)
			return
		}
		kw := storage.SensitiveKeyword(req.keywordView)
		kw.ID = 0
		kw.Enabled = req.Enabled == nil || *req.Enabled
		if kw.Replacement == "" {
			kw.Replacement = "[REDACTED]"
		}
		id, err := deps.Store.SaveKeyword(r.Context(), kw)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save keyword: %v", err)
			return
		}
		deps.Masker.Invalidate()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": id})
	}
}

func handleDeleteKeyword(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireSettingsWrite(w, r, deps) {
			return
		}
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid keyword id")
			return
		}
		if err := deps.Store.DeleteKeyword(r.Context(), id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "keyword %d not found", id)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete keyword: %v", err)
			return
		}
		deps.Masker.Invalidate()
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

type auditView struct {
	ID         string          `json:"id"`
	Timestamp  string          `json:"timestamp"`
	User       string          `json:"user"`
	ActionType string          `json:"action_type"`
	Details    json.RawMessage `json:"details"`
	Status     string          `json:"status"`
	IPAddress  string          `json:"ip_address,omitempty"`
}

func handleListAudit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireSettingsWrite(w, r, deps) {
			return
		}
		limit := parseIntParam(r, "limit", 50, 500)
		entries, err := deps.Store.ListAudit(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list audit log: %v", err)
			return
		}
		out := make([]auditView, len(entries))
		for i, e := range entries {
			details := json.RawMessage(e.Details)
			if !json.Valid(details) {
				details, _ = json.Marshal(e.Details)
			}
			out[i] = auditView{
				ID:         e.ID,
				Timestamp:  e.Timestamp.UTC().Format(time.RFC3339),
				User:       e.User,
				ActionType: e.ActionType,
				Details:    details,
				Status:     e.Status,
				IPAddress:  e.IPAddress,
			}
		}
		writeJSON(w, out)
	}
}
