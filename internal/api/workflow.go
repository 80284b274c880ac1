package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gembridge/gembridge/internal/apperr"
	"github.com/gembridge/gembridge/internal/workflow"
)

func handleDocumentEvent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Doctype string `json:"doctype"`
			Docname string `json:"docname"`
			Event   string `json:"event"`
			Async   bool   `json:"async"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		user := userOf(r)
		if req.Async {
			id, err := deps.Workflow.EnqueueDocumentEvent(r.Context(), req.Doctype, req.Docname, req.Event, user)
			if err != nil {
				writeFailure(w, err, nil)
				return
			}
			writeOK(w, map[string]any{"job_id": id, "status": "queued"})
			return
		}
		res, err := deps.Workflow.ProcessDocumentEvent(r.Context(), req.Doctype, req.Docname, req.Event, user)
		if err != nil {
			writeFailure(w, err, nil)
			return
		}
		writeJSON(w, res)
	}
}

func handleExecuteAction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Params map[string]any `json:"params"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := deps.Workflow.ExecuteCustomAction(r.Context(), chi.URLParam(r, "name"), req.Params, userOf(r))
		if err != nil {
			writeFailure(w, err, nil)
			return
		}
		writeJSON(w, res)
	}
}

func handleAvailableActions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actions, err := deps.Workflow.AvailableActions(r.Context(), r.URL.Query().Get("doctype"), userOf(r))
		if err != nil {
			writeFailure(w, err, nil)
			return
		}
		if actions == nil {
			actions = []workflow.Action{}
		}
		writeOK(w, map[string]any{"actions": actions})
	}
}

func handleRecommendation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Doctype string          `json:"doctype"`
			Docname string          `json:"docname"`
			Context json.RawMessage `json:"context"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Doctype == "" || req.Docname == "" {
			writeFailure(w, apperr.New(apperr.Validation, "doctype and docname are required"), nil)
			return
		}
		rec, err := deps.Workflow.AIRecommendation(r.Context(), req.Doctype, req.Docname, requestContext(req.Context))
		if err != nil {
			writeFailure(w, err, nil)
			return
		}
		writeJSON(w, rec)
	}
}

func handleListRules(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rules, err := deps.Workflow.Rules().ListRules(r.Context())
		if err != nil {
			writeFailure(w, err, nil)
			return
		}
		if rules == nil {
			rules = []workflow.Rule{}
		}
		writeOK(w, map[string]any{"rules": rules})
	}
}

func handleCreateRule(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			workflow.Rule
			Enabled *bool `json:"enabled"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		rule := req.Rule
		rule.Enabled = req.Enabled == nil || *req.Enabled
		created, err := deps.Workflow.Rules().CreateRule(r.Context(), userOf(r), rule)
		if err != nil {
			writeFailure(w, err, nil)
			return
		}
		writeOK(w, map[string]any{"rule": created})
	}
}
