package chat

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/gembridge/gembridge/internal/storage"
)

// History formats.
const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
)

// renderHistory formats messages oldest first. Unknown formats render as text.
func renderHistory(msgs []storage.Message, format string) string {
	if len(msgs) == 0 {
		return ""
	}
	var sb strings.Builder
	switch format {
	case FormatHTML:
		sb.WriteString("<div class='conversation-history'>")
		for _, m := range msgs {
			class := "assistant"
			if m.Role == storage.RoleUser {
				class = "user"
			}
			sb.WriteString("<div class='message " + class + "'>")
			sb.WriteString("<div class='role'>" + html.EscapeString(m.Role) + "</div>")
			sb.WriteString("<div class='content'>" + html.EscapeString(m.Content) + "</div>")
			sb.WriteString("</div>")
		}
		sb.WriteString("</div>")
	case FormatMarkdown:
		for _, m := range msgs {
			sb.WriteString("**" + m.Role + "**: " + m.Content + "\n\n")
		}
	default:
		for _, m := range msgs {
			sb.WriteString(m.Role + ": " + m.Content + "\n\n")
		}
	}
	return sb.String()
}
