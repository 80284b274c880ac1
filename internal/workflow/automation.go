package workflow

import (
	"cmp"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gembridge/gembridge/internal/apperr"
	"github.com/gembridge/gembridge/internal/audit"
	"github.com/gembridge/gembridge/internal/authz"
	"github.com/gembridge/gembridge/internal/gemini"
	"github.com/gembridge/gembridge/internal/storage"
)

// SettingsResource is the resource whose write permission gates rule
// management.
const SettingsResource = "Gemini Assistant Settings"

// Rule step types.
const (
	StepExecuteAction = "execute_action"
	StepAIDecision    = "ai_decision"
	StepCondition     = "condition"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// SettingsSource reports the feature toggles.
type SettingsSource interface {
	Get(ctx context.Context) (storage.Settings, error)
}

// RuleStore persists automation rules.
type RuleStore interface {
	ListRules(ctx context.Context, enabledOnly bool) ([]storage.AutomationRule, error)
	GetRule(ctx context.Context, name string) (storage.AutomationRule, error)
	SaveRule(ctx context.Context, r storage.AutomationRule) error
}

// LLM generates text for ai_decision steps and recommendations.
type LLM interface {
	GenerateText(ctx context.Context, prompt string, opts gemini.Options) (gemini.Response, error)
}

// Rule fires its actions when a matching document event is raised by a
// user holding one of AllowedRoles.
type Rule struct {
	Name         string       `json:"name" yaml:"name"`
	Doctype      string       `json:"doctype" yaml:"doctype"`
	Event        string       `json:"event" yaml:"event"`
	AllowedRoles []string     `json:"allowed_roles" yaml:"allowed_roles"`
	Actions      []RuleAction `json:"actions" yaml:"actions"`
	Description  string       `json:"description,omitempty" yaml:"description"`
	Enabled      bool         `json:"enabled" yaml:"-"`
	CreatedBy    string       `json:"created_by,omitempty" yaml:"-"`
	CreatedAt    time.Time    `json:"created_at,omitzero" yaml:"-"`
}

// RuleAction is one step of a rule. Which fields apply depends on Type.
type RuleAction struct {
	Type string `json:"type" yaml:"type"`

	ActionName string         `json:"action_name,omitempty" yaml:"action_name"`
	Params     map[string]any `json:"params,omitempty" yaml:"params"`

	DecisionType   string   `json:"decision_type,omitempty" yaml:"decision_type"`
	PromptTemplate string   `json:"prompt_template,omitempty" yaml:"prompt_template"`
	Options        []string `json:"options,omitempty" yaml:"options"`

	Field    string `json:"field,omitempty" yaml:"field"`
	Operator string `json:"operator,omitempty" yaml:"operator"`
	Value    any    `json:"value,omitempty" yaml:"value"`
}

// StepResult records what one rule step did.
type StepResult struct {
	Type   string `json:"type"`
	Action string `json:"action,omitempty"`
	Result any    `json:"result"`
}

type RuleResult struct {
	Rule            string       `json:"rule"`
	Success         bool         `json:"success"`
	ActionsExecuted int          `json:"actions_executed"`
	Results         []StepResult `json:"results"`
}

type Decision struct {
	DecisionType string `json:"decision_type"`
	Decision     string `json:"decision"`
	RawResponse  string `json:"raw_response,omitempty"`
	TokensUsed   int    `json:"tokens_used"`
	Error        string `json:"error,omitempty"`
}

type ConditionResult struct {
	Met        bool   `json:"condition_met"`
	Field      string `json:"field"`
	Operator   string `json:"operator"`
	Value      any    `json:"value"`
	FieldValue any    `json:"field_value,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Automation evaluates persisted role-based rules against document events.
type Automation struct {
	rules    RuleStore
	docs     DocumentStore
	settings SettingsSource
	authz    authz.Port
	actions  *ActionHandler
	llm      LLM
	audit    *audit.Logger
	logger   *slog.Logger
}

func NewAutomation(rules RuleStore, docs DocumentStore, settings SettingsSource, port authz.Port, actions *ActionHandler, llm LLM, auditLog *audit.Logger) *Automation {
	return &Automation{
		rules:    rules,
		docs:     docs,
		settings: settings,
		authz:    port,
		actions:  actions,
		llm:      llm,
		audit:    auditLog,
		logger:   slog.Default(),
	}
}

// ListRules returns every stored rule in creation order.
func (a *Automation) ListRules(ctx context.Context) ([]Rule, error) {
	stored, err := a.rules.ListRules(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	out := make([]Rule, 0, len(stored))
	for _, s := range stored {
		r, err := ruleFromStorage(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ApplicableRules returns the enabled rules matching doctype and event
// (or "*") that user may trigger. Nothing applies while workflow
// automation is disabled.
func (a *Automation) ApplicableRules(ctx context.Context, doctype, event, user string) ([]Rule, error) {
	st, err := a.settings.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	if !st.EnableWorkflowAutomation {
		return nil, nil
	}

	stored, err := a.rules.ListRules(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}

	var out []Rule
	for _, s := range stored {
		r, err := ruleFromStorage(s)
		if err != nil {
			a.logger.Warn("skipping unreadable rule", "rule", s.Name, "error", err)
			continue
		}
		if r.Doctype != doctype && r.Doctype != "*" {
			continue
		}
		if r.Event != event && r.Event != "*" {
			continue
		}
		ok, err := authz.HasAnyRole(ctx, a.authz, user, append(slices.Clone(r.AllowedRoles), authz.Superuser))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// ExecuteRule runs the rule's steps in order against doc. An unmet
// condition stops the remaining steps. Step failures are recorded in the
// result and do not abort the rule.
func (a *Automation) ExecuteRule(ctx context.Context, rule Rule, doc storage.Document, event, user string) RuleResult {
	values := documentValues(doc)
	steps := make([]StepResult, 0, len(rule.Actions))

loop:
	for _, act := range rule.Actions {
		switch act.Type {
		case StepExecuteAction:
			params := substituteParams(act.Params, values)
			res, err := a.actions.Execute(ctx, act.ActionName, params, user)
			if err != nil && res.Error == "" {
				res = Result{Error: err.Error()}
			}
			if err != nil {
				a.logger.Warn("rule action failed", "rule", rule.Name, "action", act.ActionName, "error", err)
			}
			steps = append(steps, StepResult{Type: act.Type, Action: act.ActionName, Result: res})

		case StepAIDecision:
			d := a.decide(ctx, act, values)
			if d.Decision != "" {
				values["ai_decision"] = d.Decision
			}
			steps = append(steps, StepResult{Type: act.Type, Result: d})

		case StepCondition:
			c := evaluateCondition(act, values)
			steps = append(steps, StepResult{Type: act.Type, Result: c})
			if !c.Met {
				break loop
			}

		default:
			a.logger.Warn("unknown rule step type", "rule", rule.Name, "type", act.Type)
			steps = append(steps, StepResult{Type: act.Type, Result: Result{Error: fmt.Sprintf("Unknown step type: %s", act.Type)}})
		}
	}

	a.audit.Success(ctx, user, audit.RuleExecution, map[string]any{
		"rule_name":        rule.Name,
		"doctype":          rule.Doctype,
		"event":            event,
		"actions_executed": len(steps),
	})
	return RuleResult{Rule: rule.Name, Success: true, ActionsExecuted: len(steps), Results: steps}
}

// HandleEvent loads the document and runs every applicable rule.
func (a *Automation) HandleEvent(ctx context.Context, doctype, docname, event, user string) ([]RuleResult, error) {
	doc, err := a.docs.GetDocument(ctx, doctype, docname)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.Newf(apperr.Workflow, "Document %s %s not found", doctype, docname)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Workflow, err, "Error loading document")
	}
	rules, err := a.ApplicableRules(ctx, doctype, event, user)
	if err != nil {
		return nil, apperr.Wrap(apperr.Workflow, err, "Error getting applicable rules")
	}
	results := make([]RuleResult, 0, len(rules))
	for _, r := range rules {
		results = append(results, a.ExecuteRule(ctx, r, doc, event, user))
	}
	return results, nil
}

// CreateRule stores a new rule. The user needs write permission on the
// assistant settings.
func (a *Automation) CreateRule(ctx context.Context, user string, rule Rule) (Rule, error) {
	ok, err := a.authz.HasPermission(ctx, user, SettingsResource, "write")
	if err != nil {
		return Rule{}, apperr.Wrap(apperr.Workflow, err, "Error checking permissions")
	}
	if !ok {
		return Rule{}, apperr.New(apperr.Permission, "Permission denied")
	}
	if err := validateRule(rule); err != nil {
		return Rule{}, apperr.Wrap(apperr.Validation, err, "")
	}
	if rule.Description == "" {
		rule.Description = fmt.Sprintf("Rule for %s on %s", rule.Doctype, rule.Event)
	}
	rule.CreatedBy = user
	rule.CreatedAt = time.Now().UTC()

	s, err := rule.toStorage()
	if err != nil {
		return Rule{}, apperr.Wrap(apperr.Workflow, err, "Error encoding rule")
	}
	if err := a.rules.SaveRule(ctx, s); err != nil {
		return Rule{}, apperr.Wrap(apperr.Workflow, err, "Error saving rule")
	}

	a.audit.Success(ctx, user, audit.RuleCreation, map[string]any{
		"rule_name":     rule.Name,
		"doctype":       rule.Doctype,
		"event":         rule.Event,
		"allowed_roles": rule.AllowedRoles,
	})
	return rule, nil
}

// Seed stores rules without a permission check. Existing rules are kept
// unless overwrite is set. It returns how many rules were written.
func (a *Automation) Seed(ctx context.Context, rules []Rule, overwrite bool) (int, error) {
	n := 0
	for _, r := range rules {
		if !overwrite {
			_, err := a.rules.GetRule(ctx, r.Name)
			if err == nil {
				continue
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return n, fmt.Errorf("checking rule %s: %w", r.Name, err)
			}
		}
		if r.CreatedBy == "" {
			r.CreatedBy = "system"
		}
		s, err := r.toStorage()
		if err != nil {
			return n, err
		}
		if err := a.rules.SaveRule(ctx, s); err != nil {
			return n, fmt.Errorf("saving rule %s: %w", r.Name, err)
		}
		n++
	}
	return n, nil
}

// SeedDefaults stores the built-in rules that are not stored yet.
func (a *Automation) SeedDefaults(ctx context.Context) (int, error) {
	rules, err := ParseRules(defaultRulesYAML)
	if err != nil {
		return 0, fmt.Errorf("parsing default rules: %w", err)
	}
	return a.Seed(ctx, rules, false)
}

type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Rule    `yaml:",inline"`
	Enabled *bool `yaml:"enabled"`
}

// ParseRules decodes a YAML document with a top-level "rules" list.
// Rules are enabled unless they say otherwise.
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding rules: %w", err)
	}
	out := make([]Rule, 0, len(f.Rules))
	for i, spec := range f.Rules {
		r := spec.Rule
		r.Enabled = spec.Enabled == nil || *spec.Enabled
		if r.Description == "" {
			r.Description = fmt.Sprintf("Rule for %s on %s", r.Doctype, r.Event)
		}
		if err := validateRule(r); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func validateRule(r Rule) error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("rule name is required")
	}
	if r.Doctype == "" || r.Event == "" {
		return fmt.Errorf("rule %s: doctype and event are required", r.Name)
	}
	for i, act := range r.Actions {
		switch act.Type {
		case StepExecuteAction:
			if act.ActionName == "" {
				return fmt.Errorf("rule %s: step %d needs action_name", r.Name, i+1)
			}
		case StepAIDecision:
			if act.PromptTemplate == "" {
				return fmt.Errorf("rule %s: step %d needs prompt_template", r.Name, i+1)
			}
		case StepCondition:
			if act.Field == "" {
				return fmt.Errorf("rule %s: step %d needs field", r.Name, i+1)
			}
		default:
			return fmt.Errorf("rule %s: step %d has unknown type %q", r.Name, i+1, act.Type)
		}
	}
	return nil
}

func (r Rule) toStorage() (storage.AutomationRule, error) {
	roles, err := json.Marshal(r.AllowedRoles)
	if err != nil {
		return storage.AutomationRule{}, fmt.Errorf("encoding allowed roles: %w", err)
	}
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return storage.AutomationRule{}, fmt.Errorf("encoding actions: %w", err)
	}
	return storage.AutomationRule{
		Name:         r.Name,
		Doctype:      r.Doctype,
		Event:        r.Event,
		AllowedRoles: string(roles),
		Actions:      string(actions),
		Description:  r.Description,
		Enabled:      r.Enabled,
		CreatedBy:    r.CreatedBy,
		CreatedAt:    r.CreatedAt,
	}, nil
}

func ruleFromStorage(s storage.AutomationRule) (Rule, error) {
	r := Rule{
		Name:        s.Name,
		Doctype:     s.Doctype,
		Event:       s.Event,
		Description: s.Description,
		Enabled:     s.Enabled,
		CreatedBy:   s.CreatedBy,
		CreatedAt:   s.CreatedAt,
	}
	if err := json.Unmarshal([]byte(s.AllowedRoles), &r.AllowedRoles); err != nil {
		return Rule{}, fmt.Errorf("decoding allowed roles of %s: %w", s.Name, err)
	}
	if err := json.Unmarshal([]byte(s.Actions), &r.Actions); err != nil {
		return Rule{}, fmt.Errorf("decoding actions of %s: %w", s.Name, err)
	}
	return r, nil
}

func (a *Automation) decide(ctx context.Context, act RuleAction, values map[string]any) Decision {
	kind := act.DecisionType
	if kind == "" {
		kind = "classification"
	}
	prompt := substituteString(act.PromptTemplate, values)
	switch kind {
	case "classification":
		prompt += fmt.Sprintf("\n\nPlease classify this into one of the following options: %s.\nResponse:", strings.Join(act.Options, ", "))
	case "extraction":
		prompt += "\n\nPlease extract the requested information.\nResponse:"
	}

	if a.llm == nil {
		return Decision{DecisionType: kind, Error: "no language model configured"}
	}
	resp, err := a.llm.GenerateText(ctx, prompt, gemini.Options{})
	if err != nil {
		a.logger.Warn("ai decision failed", "error", err)
		return Decision{DecisionType: kind, Error: err.Error()}
	}
	raw := strings.TrimSpace(resp.Text)
	decision := raw
	if kind == "classification" && len(act.Options) > 0 {
		decision = matchOption(raw, act.Options)
	}
	return Decision{DecisionType: kind, Decision: decision, RawResponse: raw, TokensUsed: resp.TokensUsed}
}

// matchOption picks the longest option contained in answer, ignoring case,
// or the first option when none is.
func matchOption(answer string, options []string) string {
	lower := strings.ToLower(answer)
	best := ""
	for _, o := range options {
		if len(o) > len(best) && strings.Contains(lower, strings.ToLower(o)) {
			best = o
		}
	}
	if best == "" {
		return options[0]
	}
	return best
}

func evaluateCondition(act RuleAction, values map[string]any) ConditionResult {
	op := act.Operator
	if op == "" {
		op = "equals"
	}
	res := ConditionResult{Field: act.Field, Operator: op, Value: act.Value}
	fv, ok := values[act.Field]
	if !ok {
		res.Error = fmt.Sprintf("Field '%s' not found in document", act.Field)
		return res
	}
	res.FieldValue = fv

	switch op {
	case "equals":
		res.Met = compare(fv, act.Value) == 0
	case "not_equals":
		res.Met = compare(fv, act.Value) != 0
	case "greater_than":
		res.Met = compare(fv, act.Value) > 0
	case "less_than":
		res.Met = compare(fv, act.Value) < 0
	case "contains":
		res.Met = strings.Contains(text(fv), text(act.Value))
	case "not_contains":
		res.Met = !strings.Contains(text(fv), text(act.Value))
	case "is_empty":
		res.Met = isEmpty(fv)
	case "is_not_empty":
		res.Met = !isEmpty(fv)
	default:
		res.Error = fmt.Sprintf("Unknown operator: %s", op)
	}
	return res
}

// compare orders numerically when both sides are numbers, otherwise by
// their text.
func compare(a, b any) int {
	fa, okA := number(a)
	fb, okB := number(b)
	if okA && okB {
		return cmp.Compare(fa, fb)
	}
	return strings.Compare(text(a), text(b))
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil && !math.IsNaN(f)
	}
	return 0, false
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if f, ok := v.(float64); ok {
		return f == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Bool:
		return !rv.Bool()
	case reflect.Int, reflect.Int64, reflect.Int32:
		return rv.Int() == 0
	}
	return false
}

// documentValues exposes the document fields plus name, doctype,
// docstatus and modified_by to placeholders and conditions.
func documentValues(doc storage.Document) map[string]any {
	values := make(map[string]any, len(doc.Fields)+4)
	for k, v := range doc.Fields {
		values[k] = v
	}
	std := map[string]any{
		"name":        doc.Name,
		"doctype":     doc.Doctype,
		"docstatus":   doc.DocStatus,
		"modified_by": doc.ModifiedBy,
	}
	for k, v := range std {
		if _, ok := values[k]; !ok {
			values[k] = v
		}
	}
	return values
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteString replaces {field} with the field's value. Unknown and
// nil fields are left as written.
func substituteString(s string, values map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		v, ok := values[m[1:len(m)-1]]
		if !ok || v == nil {
			return m
		}
		return text(v)
	})
}

func substituteParams(params map[string]any, values map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = substituteValue(v, values)
	}
	return out
}

func substituteValue(v any, values map[string]any) any {
	switch t := v.(type) {
	case string:
		return substituteString(t, values)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = substituteValue(item, values)
		}
		return out
	case map[string]any:
		return substituteParams(t, values)
	}
	return v
}
