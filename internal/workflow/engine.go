// Package workflow runs document-event automation: the generic
// notification workflow, persisted role-based rules and named custom
// actions.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/gembridge/gembridge/internal/apperr"
	"github.com/gembridge/gembridge/internal/audit"
	"github.com/gembridge/gembridge/internal/gemini"
	"github.com/gembridge/gembridge/internal/parser"
	"github.com/gembridge/gembridge/internal/prompt"
	"github.com/gembridge/gembridge/internal/storage"
)

// JobDocumentEvent is the job type consumed by Worker.
const JobDocumentEvent = "document_event"

// Workflow action types.
const (
	ActionNotification   = "notification"
	ActionUpdateField    = "update_field"
	ActionCreateDocument = "create_document"
	ActionCustom         = "custom_action"
)

// JobQueue enqueues background jobs.
type JobQueue interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// PromptBuilder renders chat prompts.
type PromptBuilder interface {
	Build(ctx context.Context, req prompt.Request) string
}

// ResponseParser post-processes model output.
type ResponseParser interface {
	ParseText(ctx context.Context, text string, tokensUsed int, format string) parser.Parsed
}

// Workflow is an ordered list of actions run for one document event.
type Workflow struct {
	Name    string           `json:"name"`
	Actions []WorkflowAction `json:"actions"`
}

type WorkflowAction struct {
	Type       string         `json:"type"`
	Recipients []string       `json:"recipients,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Message    string         `json:"message,omitempty"`
	Field      string         `json:"field,omitempty"`
	Value      any            `json:"value,omitempty"`
	Doctype    string         `json:"doctype,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	ActionName string         `json:"action_name,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

type WorkflowResult struct {
	Workflow        string       `json:"workflow"`
	Success         bool         `json:"success"`
	ActionsExecuted int          `json:"actions_executed"`
	Results         []StepResult `json:"results"`
	Error           string       `json:"error,omitempty"`
}

// EventResult is the outcome of ProcessDocumentEvent.
type EventResult struct {
	Success           bool             `json:"success"`
	WorkflowsExecuted int              `json:"workflows_executed"`
	Results           []WorkflowResult `json:"results"`
	Rules             []RuleResult     `json:"rules"`
}

type Recommendation struct {
	Success         bool   `json:"success"`
	Recommendations string `json:"recommendations"`
	TokensUsed      int    `json:"tokens_used"`
}

// Engine is the workflow API surface.
type Engine struct {
	docs     DocumentStore
	jobs     JobQueue
	settings SettingsSource
	actions  *ActionHandler
	rules    *Automation
	prompts  PromptBuilder
	llm      LLM
	parser   ResponseParser
	audit    *audit.Logger
	logger   *slog.Logger
}

// Deps groups the collaborators of an Engine.
type Deps struct {
	Docs     DocumentStore
	Jobs     JobQueue
	Settings SettingsSource
	Actions  *ActionHandler
	Rules    *Automation
	Prompts  PromptBuilder
	LLM      LLM
	Parser   ResponseParser
	Audit    *audit.Logger
}

func NewEngine(d Deps) *Engine {
	return &Engine{
		docs:     d.Docs,
		jobs:     d.Jobs,
		settings: d.Settings,
		actions:  d.Actions,
		rules:    d.Rules,
		prompts:  d.Prompts,
		llm:      d.LLM,
		parser:   d.Parser,
		audit:    d.Audit,
		logger:   slog.Default(),
	}
}

// Actions exposes the action registry.
func (e *Engine) Actions() *ActionHandler { return e.actions }

// Rules exposes the rule engine.
func (e *Engine) Rules() *Automation { return e.rules }

func (e *Engine) checkEnabled(ctx context.Context) error {
	st, err := e.settings.Get(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Workflow, err, "Error loading settings")
	}
	if !st.EnableWorkflowAutomation {
		return apperr.New(apperr.Workflow, "Workflow automation is disabled")
	}
	return nil
}

func (e *Engine) loadDocument(ctx context.Context, doctype, docname string) (storage.Document, error) {
	doc, err := e.docs.GetDocument(ctx, doctype, docname)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Document{}, apperr.Newf(apperr.Workflow, "Document %s %s not found", doctype, docname)
	}
	if err != nil {
		return storage.Document{}, apperr.Wrap(apperr.Workflow, err, "Error loading document")
	}
	return doc, nil
}

// ProcessDocumentEvent runs the generic workflows and the applicable
// automation rules for a document event.
func (e *Engine) ProcessDocumentEvent(ctx context.Context, doctype, docname, event, user string) (EventResult, error) {
	if err := e.checkEnabled(ctx); err != nil {
		return EventResult{}, err
	}
	doc, err := e.loadDocument(ctx, doctype, docname)
	if err != nil {
		return EventResult{}, err
	}

	workflows := workflowsFor(doctype, event)
	results := make([]WorkflowResult, 0, len(workflows))
	for _, wf := range workflows {
		results = append(results, e.executeWorkflow(ctx, wf, &doc, user))
	}

	rules, err := e.rules.ApplicableRules(ctx, doctype, event, user)
	if err != nil {
		return EventResult{}, apperr.Wrap(apperr.Workflow, err, "Error getting applicable rules")
	}
	ruleResults := make([]RuleResult, 0, len(rules))
	for _, r := range rules {
		ruleResults = append(ruleResults, e.rules.ExecuteRule(ctx, r, doc, event, user))
	}

	e.audit.Success(ctx, user, audit.WorkflowEvent, map[string]any{
		"doctype":            doctype,
		"docname":            docname,
		"event":              event,
		"workflows_executed": len(results),
		"rules_executed":     len(ruleResults),
	})
	return EventResult{
		Success:           true,
		WorkflowsExecuted: len(results),
		Results:           results,
		Rules:             ruleResults,
	}, nil
}

// workflowsFor returns the workflows bound to doctype and event. Every
// event gets the administrator notification.
func workflowsFor(doctype, event string) []Workflow {
	return []Workflow{{
		Name: "document_event_notification",
		Actions: []WorkflowAction{{
			Type:       ActionNotification,
			Recipients: []string{"Administrator"},
			Subject:    fmt.Sprintf("Document %s event: %s", doctype, event),
			Message:    fmt.Sprintf("The document %s {name} has triggered event %s.", doctype, event),
		}},
	}}
}

func (e *Engine) executeWorkflow(ctx context.Context, wf Workflow, doc *storage.Document, user string) WorkflowResult {
	res := WorkflowResult{Workflow: wf.Name, Success: true}
	for _, act := range wf.Actions {
		step, err := e.executeWorkflowAction(ctx, act, doc, user)
		if err != nil {
			e.logger.Warn("workflow action failed", "workflow", wf.Name, "type", act.Type, "error", err)
			res.Success = false
			res.Error = err.Error()
			break
		}
		if step != nil {
			res.Results = append(res.Results, *step)
		}
	}
	res.ActionsExecuted = len(res.Results)
	return res
}

func (e *Engine) executeWorkflowAction(ctx context.Context, act WorkflowAction, doc *storage.Document, user string) (*StepResult, error) {
	values := documentValues(*doc)
	switch act.Type {
	case ActionNotification:
		if len(act.Recipients) == 0 {
			return &StepResult{Type: act.Type, Result: Result{Success: true, Data: map[string]any{"recipients": 0}}}, nil
		}
		email := storage.Email{
			ID:         uuid.New().String(),
			Recipients: strings.Join(act.Recipients, ","),
			Subject:    substituteString(act.Subject, values),
			Message:    substituteString(act.Message, values),
		}
		if err := e.docs.QueueEmail(ctx, email); err != nil {
			return nil, fmt.Errorf("queueing notification: %w", err)
		}
		return &StepResult{Type: act.Type, Result: Result{Success: true, Data: map[string]any{"recipients": len(act.Recipients)}}}, nil

	case ActionUpdateField:
		if act.Field == "" {
			return nil, nil
		}
		if _, ok := doc.Fields[act.Field]; !ok {
			return nil, nil
		}
		doc.Fields[act.Field] = act.Value
		doc.ModifiedBy = user
		if err := e.docs.SaveDocument(ctx, *doc); err != nil {
			return nil, fmt.Errorf("updating %s: %w", act.Field, err)
		}
		return &StepResult{Type: act.Type, Action: act.Field, Result: Result{Success: true, Data: map[string]any{"field": act.Field, "value": act.Value}}}, nil

	case ActionCreateDocument:
		name, err := e.actions.insertDocument(ctx, act.Doctype, substituteParams(act.Fields, values), user)
		if err != nil {
			return nil, err
		}
		return &StepResult{Type: act.Type, Result: Result{Success: true, Data: map[string]any{"doctype": act.Doctype, "name": name}}}, nil

	case ActionCustom:
		res, err := e.actions.Execute(ctx, act.ActionName, substituteParams(act.Params, values), user)
		if err != nil && res.Error == "" {
			res = Result{Error: err.Error()}
		}
		return &StepResult{Type: act.Type, Action: act.ActionName, Result: res}, nil
	}
	return nil, fmt.Errorf("unknown workflow action type %q", act.Type)
}

// ExecuteCustomAction runs a registered action when automation is on.
func (e *Engine) ExecuteCustomAction(ctx context.Context, name string, params map[string]any, user string) (Result, error) {
	if err := e.checkEnabled(ctx); err != nil {
		return Result{}, err
	}
	return e.actions.Execute(ctx, name, params, user)
}

// AvailableActions lists the actions user may run on doctype.
func (e *Engine) AvailableActions(ctx context.Context, doctype, user string) ([]Action, error) {
	actions, err := e.actions.Available(ctx, doctype, user)
	if err != nil {
		return nil, apperr.Wrap(apperr.Workflow, err, "Error getting available actions")
	}
	return actions, nil
}

// AIRecommendation asks the model for recommendations on a document. The
// masked document fields reach the prompt through the prompt builder.
func (e *Engine) AIRecommendation(ctx context.Context, doctype, docname string, extra map[string]any) (Recommendation, error) {
	if err := e.checkEnabled(ctx); err != nil {
		return Recommendation{}, err
	}
	if _, err := e.loadDocument(ctx, doctype, docname); err != nil {
		return Recommendation{}, err
	}

	pctx := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		pctx[k] = v
	}
	pctx["doctype"] = doctype
	pctx["docname"] = docname

	user := audit.UserOr(ctx, "")
	p := e.prompts.Build(ctx, prompt.Request{
		Input:   fmt.Sprintf("Please provide recommendations for this %s document.", doctype),
		Context: pctx,
		Doctype: doctype,
		Docname: docname,
		User:    user,
	})
	resp, err := e.llm.GenerateText(ctx, p, gemini.Options{})
	if err != nil {
		return Recommendation{}, err
	}
	parsed := e.parser.ParseText(ctx, resp.Text, resp.TokensUsed, parser.FormatMarkdown)

	e.audit.Success(ctx, user, audit.AIRecommendation, map[string]any{
		"doctype":               doctype,
		"docname":               docname,
		"recommendation_length": len(parsed.Content),
	})
	return Recommendation{Success: true, Recommendations: parsed.Content, TokensUsed: resp.TokensUsed}, nil
}

type eventPayload struct {
	Doctype string `json:"doctype"`
	Docname string `json:"docname"`
	Event   string `json:"event"`
	User    string `json:"user"`
}

// EnqueueDocumentEvent defers ProcessDocumentEvent to the worker and
// returns the job id.
func (e *Engine) EnqueueDocumentEvent(ctx context.Context, doctype, docname, event, user string) (string, error) {
	if doctype == "" || docname == "" || event == "" {
		return "", apperr.New(apperr.Validation, "doctype, docname and event are required")
	}
	payload, err := json.Marshal(eventPayload{Doctype: doctype, Docname: docname, Event: event, User: user})
	if err != nil {
		return "", fmt.Errorf("encoding job payload: %w", err)
	}
	id := uuid.New().String()
	if err := e.jobs.EnqueueJob(ctx, storage.Job{ID: id, Type: JobDocumentEvent, PayloadJSON: string(payload)}); err != nil {
		return "", apperr.Wrap(apperr.Workflow, err, "Error enqueueing document event")
	}
	return id, nil
}
