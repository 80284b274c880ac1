// Package prompt assembles LLM prompts from a template, ERP context and the
// user's input.
package prompt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/gembridge/gembridge/internal/audit"
	"github.com/gembridge/gembridge/internal/masking"
	"github.com/gembridge/gembridge/internal/storage"
)

// HistoryKey is the context key whose value is rendered as the
// conversation history section instead of a context line.
const HistoryKey = "conversation_history"

// TemplateSource resolves a prompt template by name.
type TemplateSource interface {
	Template(ctx context.Context, name string) string
}

// DocumentStore loads ERP documents.
type DocumentStore interface {
	GetDocument(ctx context.Context, doctype, name string) (storage.Document, error)
}

// FieldMasker redacts document fields.
type FieldMasker interface {
	MaskFields(ctx context.Context, doctype string, fields map[string]any) map[string]string
}

type Builder struct {
	templates TemplateSource
	docs      DocumentStore
	masker    FieldMasker
	audit     *audit.Logger
	logger    *slog.Logger
}

func NewBuilder(templates TemplateSource, docs DocumentStore, masker FieldMasker, auditLog *audit.Logger) *Builder {
	return &Builder{templates: templates, docs: docs, masker: masker, audit: auditLog, logger: slog.Default()}
}

// Request describes a chat prompt.
type Request struct {
	Input    string
	Template string // defaults to "general"
	Context  map[string]any
	Doctype  string
	Docname  string
	User     string
}

// Build renders a chat prompt: system instructions, context lines, the
// conversation history and finally the user input.
func (b *Builder) Build(ctx context.Context, req Request) string {
	name := req.Template
	if name == "" {
		name = "general"
	}
	entries := b.contextEntries(ctx, req.Context, req.Doctype, req.Docname, req.User)

	var sb strings.Builder
	sb.WriteString("## System Instructions:\n")
	sb.WriteString(b.template(ctx, name))

	sb.WriteString("\n\n## Context Information:\n")
	history, hasHistory := "", false
	for _, e := range entries {
		if e.key == HistoryKey {
			history, hasHistory = e.value, true
			continue
		}
		writeEntry(&sb, e)
	}
	if hasHistory {
		sb.WriteString("\n\n## Conversation History:\n")
		sb.WriteString(history)
	}

	sb.WriteString("\n\n## User Input:\n")
	sb.WriteString(req.Input)

	details := map[string]any{"template_name": name}
	if req.Doctype != "" {
		details["doctype"] = req.Doctype
	}
	if req.Docname != "" {
		details["docname"] = req.Docname
	}
	b.logBuild(ctx, req.User, details)
	return sb.String()
}

// BuildAnalysis renders a data analysis prompt using the "analysis" template.
func (b *Builder) BuildAnalysis(ctx context.Context, data, analysisType string, extra map[string]any) string {
	if analysisType == "" {
		analysisType = "general"
	}
	var sb strings.Builder
	sb.WriteString("## System Instructions:\n")
	sb.WriteString(b.template(ctx, "analysis"))
	sb.WriteString("\n\n## Analysis Type:\n")
	sb.WriteString(analysisType)
	sb.WriteString("\n\n## Context Information:\n")
	for _, e := range b.contextEntries(ctx, extra, "", "", "") {
		writeEntry(&sb, e)
	}
	sb.WriteString("\n\n## Data to Analyze:\n")
	sb.WriteString(data)

	b.logBuild(ctx, "", map[string]any{"template_name": "analysis", "analysis_type": analysisType})
	return sb.String()
}

// BuildDocument renders a document operation prompt using the
// "document_summary" template.
func (b *Builder) BuildDocument(ctx context.Context, content, operation string, extra map[string]any) string {
	if operation == "" {
		operation = "summarize"
	}
	var sb strings.Builder
	sb.WriteString("## System Instructions:\n")
	sb.WriteString(b.template(ctx, "document_summary"))
	sb.WriteString("\n\n## Operation:\n")
	sb.WriteString(operation)
	sb.WriteString("\n\n## Context Information:\n")
	for _, e := range b.contextEntries(ctx, extra, "", "", "") {
		writeEntry(&sb, e)
	}
	sb.WriteString("\n\n## Document Content:\n")
	sb.WriteString(content)

	b.logBuild(ctx, "", map[string]any{"template_name": "document", "operation": operation})
	return sb.String()
}

type entry struct {
	key   string
	value string
}

func writeEntry(sb *strings.Builder, e entry) {
	sb.WriteString(e.key)
	sb.WriteString(": ")
	sb.WriteString(e.value)
	sb.WriteByte('\n')
}

// contextEntries orders caller keys alphabetically, then the document
// anchor, the masked document fields and finally the acting user.
func (b *Builder) contextEntries(ctx context.Context, extra map[string]any, doctype, docname, user string) []entry {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []entry
	set := func(k, v string) {
		for i := range out {
			if out[i].key == k {
				out[i].value = v
				return
			}
		}
		out = append(out, entry{k, v})
	}
	for _, k := range keys {
		set(k, masking.Stringify(extra[k]))
	}

	if doctype != "" {
		set("current_doctype", doctype)
	}
	if docname != "" {
		set("current_docname", docname)
		if doctype != "" {
			if fields, ok := b.documentFields(ctx, doctype, docname); ok {
				set("document_fields", fields)
			}
		}
	}

	if user == "" {
		user = audit.UserOr(ctx, "Guest")
	}
	set("user", user)
	return out
}

func (b *Builder) documentFields(ctx context.Context, doctype, docname string) (string, bool) {
	if b.docs == nil {
		return "", false
	}
	doc, err := b.docs.GetDocument(ctx, doctype, docname)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			b.logger.Warn("loading document for prompt", "doctype", doctype, "docname", docname, "error", err)
		}
		return "", false
	}
	var fields map[string]string
	if b.masker != nil {
		fields = b.masker.MaskFields(ctx, doctype, doc.Fields)
	} else {
		fields = make(map[string]string, len(doc.Fields))
		for k, v := range doc.Fields {
			if v != nil {
				fields[k] = masking.Stringify(v)
			}
		}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func (b *Builder) template(ctx context.Context, name string) string {
	if b.templates == nil {
		return defaultTemplate
	}
	return b.templates.Template(ctx, name)
}

const defaultTemplate = "You are an AI assistant integrated with ERPNext. Provide helpful information based on the context."

func (b *Builder) logBuild(ctx context.Context, user string, details map[string]any) {
	b.audit.Success(ctx, user, audit.FunctionCall, map[string]any{
		"function": "prompt_builder",
		"details":  details,
	})
}
