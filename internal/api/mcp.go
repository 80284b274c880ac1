package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gembridge/gembridge/internal/audit"
	"github.com/gembridge/gembridge/internal/chat"
	"github.com/gembridge/gembridge/internal/masking"
	"github.com/gembridge/gembridge/internal/sqlgate"
	"github.com/gembridge/gembridge/internal/visualize"
	"github.com/gembridge/gembridge/internal/workflow"
)

// MCPDeps holds dependencies for the MCP server. Every call acts as User;
// stdio has no per-request identity.
type MCPDeps struct {
	User     string
	Chat     *chat.Service
	SQL      *sqlgate.Chain
	Masker   *masking.Masker
	Workflow *workflow.Engine
}

// NewMCPServer creates an MCP server with all gembridge tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"gembridge",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("gembridge: ask questions about ERP documents and data, with sensitive values masked."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Send a message to the assistant. Prefix with QueryDB: to answer from the ERP database."),
			mcp.WithString("message", mcp.Description("The message to send"), mcp.Required()),
			mcp.WithString("conversation_id", mcp.Description("Conversation to continue; a new one is started when empty")),
			mcp.WithString("doctype", mcp.Description("Document type the question is about")),
			mcp.WithString("docname", mcp.Description("Document name the question is about")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("query_database",
			mcp.WithDescription("Translate a question into a read-only SQL query, run it, and pick a visualization."),
			mcp.WithString("question", mcp.Description("Natural-language question"), mcp.Required()),
			mcp.WithString("chart_type", mcp.Description("Preferred chart: bar, line, pie or table")),
		),
		mcpQueryDatabase(deps),
	)

	s.AddTool(
		mcp.NewTool("validate_sql",
			mcp.WithDescription("Check whether a SQL statement passes the read-only gate."),
			mcp.WithString("sql", mcp.Description("SQL statement"), mcp.Required()),
		),
		mcpValidateSQL(),
	)

	s.AddTool(
		mcp.NewTool("mask_text",
			mcp.WithDescription("Mask sensitive values in text using the configured keyword rules."),
			mcp.WithString("text", mcp.Description("Text to mask"), mcp.Required()),
			mcp.WithString("doctype", mcp.Description("Document type the text belongs to")),
			mcp.WithString("field", mcp.Description("Field the text belongs to")),
		),
		mcpMaskText(deps),
	)

	s.AddTool(
		mcp.NewTool("recommend",
			mcp.WithDescription("Ask for recommendations on an ERP document."),
			mcp.WithString("doctype", mcp.Description("Document type"), mcp.Required()),
			mcp.WithString("docname", mcp.Description("Document name"), mcp.Required()),
		),
		mcpRecommend(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"gembridge://conversations",
			"Active Conversations",
			mcp.WithResourceDescription("Active conversations of the MCP user, most recent first"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceConversations(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"gembridge://schema",
			"ERP Schema",
			mcp.WithResourceDescription("Tables and columns of the ERP database"),
			mcp.WithMIMEType("text/plain"),
		),
		mcpResourceSchema(deps),
	)

	return s
}

func (d MCPDeps) actor(ctx context.Context) context.Context {
	return audit.WithActor(ctx, d.User, "")
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}
		reqCtx := map[string]any{}
		if dt := req.GetString("doctype", ""); dt != "" {
			reqCtx["doctype"] = dt
		}
		if dn := req.GetString("docname", ""); dn != "" {
			reqCtx["docname"] = dn
		}

		reply, err := deps.Chat.SendMessage(deps.actor(ctx), deps.User, req.GetString("conversation_id", ""), message, reqCtx)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(reply)
	}
}

func mcpQueryDatabase(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		res, err := deps.SQL.Run(deps.actor(ctx), deps.User, question)
		if err == nil && res.Error != "" {
			err = errors.New(res.Error)
		}
		if err != nil {
			if res.GeneratedSQL != "" {
				return mcpError(fmt.Sprintf("%v\nGenerated SQL: %s", err, res.GeneratedSQL)), nil
			}
			return mcpError(err.Error()), nil
		}

		// The chart itself is a data URI; MCP clients get the choice only.
		v := visualize.Choose(visualize.Data{Columns: res.Columns, Rows: res.Rows}, question, res.GeneratedSQL, req.GetString("chart_type", ""))
		return mcpJSON(struct {
			sqlgate.Result
			VisualizationType  string `json:"visualization_type"`
			VisualizationTitle string `json:"visualization_title,omitempty"`
		}{res, v.Type, v.Title})
	}
}

func mcpValidateSQL() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sql, err := req.RequireString("sql")
		if err != nil {
			return mcpError("sql is required"), nil
		}
		if err := sqlgate.Validate(sql); err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText("SQL is read-only"), nil
	}
}

func mcpMaskText(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		return mcpText(deps.Masker.Mask(ctx, text, req.GetString("doctype", ""), req.GetString("field", ""))), nil
	}
}

func mcpRecommend(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		doctype, err := req.RequireString("doctype")
		if err != nil {
			return mcpError("doctype is required"), nil
		}
		docname, err := req.RequireString("docname")
		if err != nil {
			return mcpError("docname is required"), nil
		}
		rec, err := deps.Workflow.AIRecommendation(deps.actor(ctx), doctype, docname, nil)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(rec.Recommendations), nil
	}
}

func mcpResourceConversations(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		list, err := deps.Chat.ListActive(ctx, deps.User)
		if err != nil {
			return nil, fmt.Errorf("failed to list conversations: %w", err)
		}
		if list == nil {
			list = []chat.Summary{}
		}

		b, err := json.Marshal(list)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal conversations: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceSchema(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "text/plain",
				Text:     deps.SQL.SchemaText(ctx),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
