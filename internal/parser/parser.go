// Package parser formats model answers and pulls structured data and action
// items out of them.
package parser

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/gembridge/gembridge/internal/audit"
)

// Output formats.
const (
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
	FormatPlain    = "plain"
)

type Parsed struct {
	Content    string `json:"content"`
	Format     string `json:"format"`
	TokensUsed int    `json:"tokens_used"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

type Structured struct {
	Data       any    `json:"data"`
	Format     string `json:"format"`
	TokensUsed int    `json:"tokens_used"`
	Success    bool   `json:"success"`
	Note       string `json:"note,omitempty"`
}

type Parser struct {
	md    goldmark.Markdown
	audit *audit.Logger
}

func New(auditLog *audit.Logger) *Parser {
	return &Parser{md: goldmark.New(), audit: auditLog}
}

// ParseText renders text in the requested format. Unknown formats are
// treated as markdown and returned unchanged.
func (p *Parser) ParseText(ctx context.Context, text string, tokensUsed int, format string) Parsed {
	if format == "" {
		format = FormatMarkdown
	}
	var out string
	switch format {
	case FormatHTML:
		out = p.toHTML(text)
	case FormatPlain:
		out = toPlain(text)
	default:
		out = text
	}
	parsed := Parsed{Content: out, Format: format, TokensUsed: tokensUsed, Success: true}

	p.audit.Success(ctx, "", audit.FunctionCall, map[string]any{
		"function": "response_parser",
		"details": map[string]any{
			"parsed_format": format,
			"tokens_used":   tokensUsed,
			"success":       true,
		},
	})
	return parsed
}

var (
	jsonFence = regexp.MustCompile("```json\\s*([\\s\\S]*?)\\s*```")
	jsonSpan  = regexp.MustCompile(`(\{[\s\S]*\})`)
	csvFence  = regexp.MustCompile("```csv\\s*([\\s\\S]*?)\\s*```")
)

const noStructuredNote = "No structured data found in expected format"

// ExtractStructuredData looks for JSON (fenced first, then the widest brace
// span) unless CSV is expected, then for CSV when expected. It falls back to
// the raw text.
func (p *Parser) ExtractStructuredData(text string, tokensUsed int, expected string) Structured {
	if expected == "" || expected == "json" {
		if data, ok := extractJSON(text); ok {
			return Structured{Data: data, Format: "json", TokensUsed: tokensUsed, Success: true}
		}
	}
	if expected == "csv" {
		if rows, ok := extractCSV(text); ok {
			return Structured{Data: rows, Format: "csv", TokensUsed: tokensUsed, Success: true}
		}
	}
	return Structured{Data: text, Format: "text", TokensUsed: tokensUsed, Success: true, Note: noStructuredNote}
}

func extractJSON(text string) (any, bool) {
	if m := jsonFence.FindStringSubmatch(text); m != nil {
		var v any
		if err := json.Unmarshal([]byte(m[1]), &v); err == nil {
			return v, true
		}
	}
	if m := jsonSpan.FindStringSubmatch(text); m != nil {
		var v any
		if err := json.Unmarshal([]byte(m[1]), &v); err == nil {
			return v, true
		}
	}
	return nil, false
}

func extractCSV(text string) ([][]string, bool) {
	var body string
	if m := csvFence.FindStringSubmatch(text); m != nil {
		body = m[1]
	} else {
		var lines []string
		for _, line := range strings.Split(text, "\n") {
			if strings.Contains(line, ",") {
				lines = append(lines, line)
			}
		}
		if len(lines) <= 1 {
			return nil, false
		}
		body = strings.Join(lines, "\n")
	}

	r := csv.NewReader(strings.NewReader(body))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	rows, err := r.ReadAll()
	if err != nil || len(rows) == 0 {
		return nil, false
	}
	return rows, true
}

var (
	actionLine   = regexp.MustCompile(`(?:^|\n)(?:\d+\.|\*|\-)\s+((?:[A-Z][a-z]+|[A-Z]+)(?:\s+[a-z]+)+)`)
	actionHeader = regexp.MustCompile(`(?i)(?:^|\n)(?:Action|TODO|Task)(?:s)?(?::|\s+-\s+)(.*?)(?:\n|$)`)
)

var actionVerbs = map[string]bool{
	"Create": true, "Update": true, "Delete": true, "Add": true, "Remove": true, "Modify": true,
	"Check": true, "Verify": true, "Review": true, "Analyze": true, "Implement": true,
	"Deploy": true, "Test": true, "Debug": true, "Fix": true, "Resolve": true, "Send": true,
	"Receive": true, "Configure": true, "Setup": true, "Install": true, "Uninstall": true,
	"Enable": true, "Disable": true, "Start": true, "Stop": true, "Restart": true,
	"Backup": true, "Restore": true, "Archive": true, "Extract": true, "Compile": true,
}

// ExtractActionItems returns list items that start with an action verb,
// followed by the bodies of "Action:", "TODO:" and "Task -" lines.
func ExtractActionItems(text string) []string {
	actions := []string{}
	for _, m := range actionLine.FindAllStringSubmatch(text, -1) {
		words := strings.Fields(m[1])
		if len(words) > 0 && actionVerbs[words[0]] {
			actions = append(actions, strings.TrimSpace(m[1]))
		}
	}
	for _, m := range actionHeader.FindAllStringSubmatch(text, -1) {
		actions = append(actions, strings.TrimSpace(m[1]))
	}
	return actions
}

func (p *Parser) toHTML(text string) string {
	var buf bytes.Buffer
	if err := p.md.Convert([]byte(text), &buf); err != nil {
		return fallbackHTML(text)
	}
	return buf.String()
}

var (
	h1       = regexp.MustCompile(`(?m)^# (.*?)$`)
	h2       = regexp.MustCompile(`(?m)^## (.*?)$`)
	h3       = regexp.MustCompile(`(?m)^### (.*?)$`)
	bold     = regexp.MustCompile(`\*\*(.*?)\*\*`)
	italic   = regexp.MustCompile(`\*(.*?)\*`)
	bullet   = regexp.MustCompile(`(?m)^- (.*?)$`)
	listRun  = regexp.MustCompile(`(?s)(<li>.*?</li>\n)+`)
	anyHead  = regexp.MustCompile(`(?m)^#{1,6}\s+(.*?)$`)
	plainDot = regexp.MustCompile(`(?m)^- (.*?)$`)
)

// fallbackHTML is a minimal markdown converter for when goldmark fails.
func fallbackHTML(md string) string {
	html := h1.ReplaceAllString(md, "<h1>$1</h1>")
	html = h2.ReplaceAllString(html, "<h2>$1</h2>")
	html = h3.ReplaceAllString(html, "<h3>$1</h3>")
	html = bold.ReplaceAllString(html, "<strong>$1</strong>")
	html = italic.ReplaceAllString(html, "<em>$1</em>")
	html = bullet.ReplaceAllString(html, "<li>$1</li>")
	html = listRun.ReplaceAllString(html, "<ul>$0</ul>")
	html = singleNewlinesToBR(html)
	html = strings.ReplaceAll(html, "\n\n", "</p>\n\n<p>")
	return "<p>" + html + "</p>"
}

// singleNewlinesToBR replaces every newline that is not part of a blank-line
// pair with <br>.
func singleNewlinesToBR(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\n' {
			b.WriteByte(s[i])
			continue
		}
		prevNL := i > 0 && s[i-1] == '\n'
		nextNL := i+1 < len(s) && s[i+1] == '\n'
		if prevNL || nextNL {
			b.WriteByte('\n')
		} else {
			b.WriteString("<br>")
		}
	}
	return b.String()
}

func toPlain(md string) string {
	plain := anyHead.ReplaceAllString(md, "$1")
	plain = bold.ReplaceAllString(plain, "$1")
	plain = italic.ReplaceAllString(plain, "$1")
	plain = plainDot.ReplaceAllString(plain, "• $1")
	return plain
}
