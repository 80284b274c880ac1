// Package masking redacts sensitive values from text before it leaves the
// process.
package masking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/gembridge/gembridge/internal/storage"
)

// KeywordStore lists configured keyword rules.
type KeywordStore interface {
	ListKeywords(ctx context.Context, enabledOnly bool) ([]storage.SensitiveKeyword, error)
}

// SettingsSource reports whether the built-in patterns are active.
type SettingsSource interface {
	Get(ctx context.Context) (storage.Settings, error)
}

type builtin struct {
	re          *regexp.Regexp
	replacement string
}

// Applied in order; later patterns see the output of earlier ones.
var builtins = []builtin{
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`), "[EMAIL REDACTED]"},
	{regexp.MustCompile(`\b(?:\+\d{1,3}[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`), "[PHONE REDACTED]"},
	{regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`), "[CREDIT CARD REDACTED]"},
	{regexp.MustCompile(`\b\d{3}[-\s]?\d{2}[-\s]?\d{4}\b`), "[SSN REDACTED]"},
}

type rule struct {
	id          int64
	re          *regexp.Regexp
	replacement string
	global      bool
	doctypes    []string
	fields      []string
}

func (r rule) appliesTo(doctype, field string) bool {
	if r.global {
		return true
	}
	if doctype != "" && len(r.doctypes) > 0 && !slices.Contains(r.doctypes, doctype) {
		return false
	}
	if field != "" && len(r.fields) > 0 && !slices.Contains(r.fields, field) {
		return false
	}
	return true
}

type Masker struct {
	keywords KeywordStore
	settings SettingsSource
	logger   *slog.Logger

	mu     sync.RWMutex
	rules  []rule
	loaded bool
}

func New(keywords KeywordStore, settings SettingsSource) *Masker {
	return &Masker{keywords: keywords, settings: settings, logger: slog.Default()}
}

// Mask applies the configured keyword rules followed by the built-in
// patterns when role-based security is enabled. Empty text is returned as is.
func (m *Masker) Mask(ctx context.Context, text, doctype, field string) string {
	if text == "" {
		return text
	}
	out := text
	for _, r := range m.loadRules(ctx) {
		if !r.appliesTo(doctype, field) {
			continue
		}
		out = r.re.ReplaceAllString(out, r.replacement)
	}

	if m.builtinsEnabled(ctx) {
		for _, b := range builtins {
			out = b.re.ReplaceAllString(out, b.replacement)
		}
	}
	return out
}

// MaskFields stringifies and masks each non-nil document field.
func (m *Masker) MaskFields(ctx context.Context, doctype string, fields map[string]any) map[string]string {
	out := make(map[string]string, len(fields))
	for name, v := range fields {
		if v == nil {
			continue
		}
		out[name] = m.Mask(ctx, Stringify(v), doctype, name)
	}
	return out
}

// Invalidate forces keyword rules to be reloaded on next use.
func (m *Masker) Invalidate() {
	m.mu.Lock()
	m.rules = nil
	m.loaded = false
	m.mu.Unlock()
}

func (m *Masker) builtinsEnabled(ctx context.Context) bool {
	if m.settings == nil {
		return true
	}
	st, err := m.settings.Get(ctx)
	if err != nil {
		m.logger.Warn("reading settings for masking; using built-in patterns", "error", err)
		return true
	}
	return st.EnableRoleBasedSecurity
}

func (m *Masker) loadRules(ctx context.Context) []rule {
	m.mu.RLock()
	if m.loaded {
		rules := m.rules
		m.mu.RUnlock()
		return rules
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return m.rules
	}
	if m.keywords == nil {
		m.loaded = true
		return nil
	}

	kws, err := m.keywords.ListKeywords(ctx, true)
	if err != nil {
		// Not cached, so the next call retries.
		m.logger.Error("loading sensitive keywords", "error", err)
		return nil
	}

	rules := make([]rule, 0, len(kws))
	for _, kw := range kws {
		re, err := regexp.Compile(kw.Pattern)
		if err != nil {
			m.logger.Warn("skipping sensitive keyword with invalid pattern", "id", kw.ID, "pattern", kw.Pattern, "error", err)
			continue
		}
		rules = append(rules, rule{
			id:          kw.ID,
			re:          re,
			replacement: ConvertReplacement(kw.Replacement),
			global:      kw.IsGlobal,
			doctypes:    splitList(kw.Doctypes),
			fields:      splitList(kw.Fields),
		})
	}
	m.rules = rules
	m.loaded = true
	return rules
}

// ConvertReplacement rewrites a backslash-style replacement template into
// regexp.Expand syntax. \N and \g<name> become ${N} and ${name}; a literal
// dollar sign is escaped.
func ConvertReplacement(repl string) string {
	var b strings.Builder
	for i := 0; i < len(repl); i++ {
		c := repl[i]
		switch {
		case c == '$':
			b.WriteString("$$")
		case c == '\\' && i+1 < len(repl):
			next := repl[i+1]
			switch {
			case next >= '0' && next <= '9':
				j := i + 1
				for j < len(repl) && repl[j] >= '0' && repl[j] <= '9' {
					j++
				}
				b.WriteString("${" + repl[i+1:j] + "}")
				i = j - 1
			case next == 'g' && i+2 < len(repl) && repl[i+2] == '<':
				end := strings.IndexByte(repl[i+3:], '>')
				if end < 0 {
					b.WriteByte(c)
					continue
				}
				b.WriteString("${" + repl[i+3:i+3+end] + "}")
				i = i + 3 + end
			case next == '\\':
				b.WriteByte('\\')
				i++
			case next == 'n':
				b.WriteByte('\n')
				i++
			case next == 't':
				b.WriteByte('\t')
				i++
			default:
				b.WriteByte(c)
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Stringify renders a field value the way it is shown to the model.
func Stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
