package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gembridge/gembridge/internal/config"
	"github.com/gembridge/gembridge/internal/sqlgate"
	"github.com/gembridge/gembridge/internal/workflow"
)

type sqlResult struct {
	GeneratedSQL   string   `json:"generated_sql"`
	Columns        []string `json:"columns"`
	Rows           [][]any  `json:"results"`
	HasMoreResults bool     `json:"has_more_results"`
	Message        string   `json:"message"`
}

type visualization struct {
	Type  string `json:"type"`
	Title string `json:"chart_title"`
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Ask the assistant a question",
	Long: `Ask the assistant a question, optionally about a specific document.

Examples:
  gembridge ask "Which invoices are overdue?"
  gembridge ask --doctype Customer --docname CUST-0001 "Summarize this customer"
  gembridge ask "QueryDB: total sales per customer"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, _ := cmd.Flags().GetString("conversation")
		doctype, _ := cmd.Flags().GetString("doctype")
		docname, _ := cmd.Flags().GetString("docname")

		req := map[string]any{"message": strings.Join(args, " ")}
		if convID != "" {
			req["conversation_id"] = convID
		}
		if doctype != "" {
			req["context"] = map[string]string{"doctype": doctype, "docname": docname}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/chat/send", req)
		if err != nil {
			return err
		}

		var reply struct {
			outcome
			ConversationID string     `json:"conversation_id"`
			Response       string     `json:"response"`
			TokensUsed     int        `json:"tokens_used"`
			SQLResult      *sqlResult `json:"sql_result"`
		}
		if err := decodeJSON(resp, &reply); err != nil {
			return err
		}
		if err := reply.err(); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, reply.Response)
		if reply.SQLResult != nil && len(reply.SQLResult.Columns) > 0 {
			fmt.Fprintln(out)
			printTable(out, reply.SQLResult.Columns, reply.SQLResult.Rows)
		}
		printStatus("Conversation", "%s", reply.ConversationID)
		return nil
	},
}

func init() {
	askCmd.Flags().String("conversation", "", "conversation to continue")
	askCmd.Flags().String("doctype", "", "document type the question is about")
	askCmd.Flags().String("docname", "", "document name the question is about")
}

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Answer a question from the ERP database",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chart, _ := cmd.Flags().GetString("chart")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/sql/query", map[string]string{
			"question":   strings.Join(args, " "),
			"chart_type": chart,
		})
		if err != nil {
			return err
		}

		var res struct {
			outcome
			sqlResult
			Visualization *visualization `json:"visualization"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if res.GeneratedSQL != "" {
			printStatus("SQL", "%s", res.GeneratedSQL)
		}
		if err := res.err(); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(res.Columns) == 0 {
			fmt.Fprintln(out, res.Message)
			return nil
		}
		printTable(out, res.Columns, res.Rows)
		if res.HasMoreResults {
			printWarning("more rows available; showing the first %d", len(res.Rows))
		}
		if res.Visualization != nil {
			printStatus("Visualization", "%s (%s)", res.Visualization.Title, res.Visualization.Type)
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().String("chart", "", "preferred chart: bar, line, pie or table")
}

// --- sql ---

var sqlCmd = &cobra.Command{
	Use:   "sql",
	Short: "SQL utilities",
}

var sqlCheckCmd = &cobra.Command{
	Use:   "check <sql>",
	Short: "Check whether a statement passes the read-only gate",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := sqlgate.Validate(strings.Join(args, " ")); err != nil {
			printError("%v", err)
			return err
		}
		printSuccess("SQL is read-only")
		return nil
	},
}

func init() {
	sqlCmd.AddCommand(sqlCheckCmd)
}

// --- mask ---

var maskCmd = &cobra.Command{
	Use:   "mask <text>",
	Short: "Mask sensitive values using the configured rules",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doctype, _ := cmd.Flags().GetString("doctype")
		field, _ := cmd.Flags().GetString("field")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/mask", map[string]string{
			"text":    strings.Join(args, " "),
			"doctype": doctype,
			"field":   field,
		})
		if err != nil {
			return err
		}
		var res struct {
			Masked string `json:"masked"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Masked)
		return nil
	},
}

func init() {
	maskCmd.Flags().String("doctype", "", "document type the text belongs to")
	maskCmd.Flags().String("field", "", "field the text belongs to")
}

// --- conversations ---

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Manage conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/chat/conversations")
		if err != nil {
			return err
		}

		var res struct {
			Conversations []struct {
				ID             string `json:"conversation_id"`
				LastUpdated    string `json:"last_updated"`
				ContextDoctype string `json:"context_doctype"`
				ContextDocname string `json:"context_docname"`
				LastMessage    string `json:"last_message"`
			} `json:"conversations"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(res.Conversations) == 0 {
			fmt.Fprintln(out, "No conversations found.")
			return nil
		}
		for _, c := range res.Conversations {
			anchor := ""
			if c.ContextDoctype != "" {
				anchor = fmt.Sprintf(" [%s %s]", c.ContextDoctype, c.ContextDocname)
			}
			fmt.Fprintf(out, "%s  %s%s  %s\n",
				colorize(colorCyan, c.ID),
				c.LastUpdated,
				anchor,
				truncateText(c.LastMessage, 80),
			)
		}
		return nil
	},
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a conversation's history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/chat/conversations/%s/history?format=%s", url.PathEscape(args[0]), url.QueryEscape(format))
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var res struct {
			outcome
			History string `json:"history"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if err := res.err(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.History)
		return nil
	},
}

var conversationsArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Archive a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/chat/conversations/"+url.PathEscape(args[0])+"/archive", nil)
		if err != nil {
			return err
		}
		var res outcome
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if err := res.err(); err != nil {
			return err
		}
		printSuccess("Archived %s", args[0])
		return nil
	},
}

func init() {
	conversationsShowCmd.Flags().String("format", "text", "history format: text, markdown or html")
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)
	conversationsCmd.AddCommand(conversationsArchiveCmd)
}

// --- rules ---

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage workflow automation rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List automation rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/workflow/rules")
		if err != nil {
			return err
		}
		var res struct {
			outcome
			Rules []workflow.Rule `json:"rules"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if err := res.err(); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(res.Rules) == 0 {
			fmt.Fprintln(out, "No rules found.")
			return nil
		}
		for _, r := range res.Rules {
			state := colorize(colorGreen, "enabled")
			if !r.Enabled {
				state = colorize(colorYellow, "disabled")
			}
			fmt.Fprintf(out, "%s  %s/%s  %d step(s)  %s\n",
				colorize(colorBold, r.Name), r.Doctype, r.Event, len(r.Actions), state)
		}
		return nil
	},
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create rules from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading rules file: %w", err)
		}
		rules, err := workflow.ParseRules(data)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Importing %d rule(s) from %s", len(rules), args[0])
		failed := 0
		for _, r := range rules {
			resp, err := client.post(cmd.Context(), "/workflow/rules", r)
			if err != nil {
				return err
			}
			var res outcome
			if err := decodeJSON(resp, &res); err == nil {
				err = res.err()
			}
			if err != nil {
				printError("rule %s: %v", r.Name, err)
				failed++
				continue
			}
			printSuccess("Created rule %s", r.Name)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d rules failed", failed, len(rules))
		}
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesImportCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update local configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a stored configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

// --- settings ---

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or update the shared assistant settings",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show assistant settings as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/settings")
		if err != nil {
			return err
		}
		var st any
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), st)
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Update one assistant setting",
	Long: `Update one assistant setting.

Keys: default_model, rate_limits, enable_context_awareness,
enable_file_processing, enable_workflow_automation,
enable_role_based_security, template.<name>`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch, err := settingsPatch(args[0], args[1])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), "/settings", patch)
		if err != nil {
			return err
		}
		var st map[string]any
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		printSuccess("Set %s = %s", args[0], args[1])
		return nil
	},
}

// settingsPatch builds a PATCH /settings body for one key.
func settingsPatch(key, value string) (map[string]any, error) {
	switch {
	case key == "default_model":
		if strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("default_model cannot be empty")
		}
		return map[string]any{key: value}, nil
	case key == "rate_limits":
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid integer value for %s: %w", key, err)
		}
		return map[string]any{key: n}, nil
	case strings.HasPrefix(key, "enable_"):
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid bool value for %s: %w", key, err)
		}
		return map[string]any{key: b}, nil
	case strings.HasPrefix(key, "template."):
		name := strings.TrimPrefix(key, "template.")
		if name == "" {
			return nil, fmt.Errorf("template name is required")
		}
		return map[string]any{"default_prompt_templates": map[string]string{name: value}}, nil
	}
	return nil, fmt.Errorf("unknown setting: %q", key)
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetCmd)
}

// --- keywords ---

var keywordsCmd = &cobra.Command{
	Use:   "keywords",
	Short: "Manage sensitive keyword masking rules",
}

type keyword struct {
	ID          int64  `json:"id"`
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	IsGlobal    bool   `json:"is_global"`
	Doctypes    string `json:"doctypes,omitempty"`
	Fields      string `json:"fields,omitempty"`
	Enabled     bool   `json:"enabled"`
}

var keywordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List keyword rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/keywords")
		if err != nil {
			return err
		}
		var kws []keyword
		if err := decodeJSON(resp, &kws); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(kws) == 0 {
			fmt.Fprintln(out, "No keyword rules.")
			return nil
		}
		for _, k := range kws {
			scope := "global"
			if !k.IsGlobal {
				scope = fmt.Sprintf("doctypes=%q fields=%q", k.Doctypes, k.Fields)
			}
			flag := ""
			if !k.Enabled {
				flag = colorize(colorYellow, " (disabled)")
			}
			fmt.Fprintf(out, "%s  %s -> %s  %s%s\n",
				colorize(colorCyan, strconv.FormatInt(k.ID, 10)), k.Pattern, k.Replacement, scope, flag)
		}
		return nil
	},
}

var keywordsAddCmd = &cobra.Command{
	Use:   "add <pattern>",
	Short: "Add a keyword rule (pattern is a regular expression)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		replacement, _ := cmd.Flags().GetString("replacement")
		doctypes, _ := cmd.Flags().GetString("doctypes")
		fields, _ := cmd.Flags().GetString("fields")

		kw := keyword{
			Pattern:     args[0],
			Replacement: replacement,
			IsGlobal:    doctypes == "" && fields == "",
			Doctypes:    doctypes,
			Fields:      fields,
			Enabled:     true,
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/keywords", kw)
		if err != nil {
			return err
		}
		var res struct {
			ID int64 `json:"id"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Added keyword rule %d", res.ID)
		return nil
	},
}

var keywordsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a keyword rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
			return fmt.Errorf("invalid keyword id %q", args[0])
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/keywords/"+args[0])
		if err != nil {
			return err
		}
		var res map[string]string
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Deleted keyword rule %s", args[0])
		return nil
	},
}

func init() {
	keywordsAddCmd.Flags().String("replacement", "", "replacement text (default [REDACTED])")
	keywordsAddCmd.Flags().String("doctypes", "", "comma-separated doctypes the rule is limited to")
	keywordsAddCmd.Flags().String("fields", "", "comma-separated fields the rule is limited to")
	keywordsCmd.AddCommand(keywordsListCmd)
	keywordsCmd.AddCommand(keywordsAddCmd)
	keywordsCmd.AddCommand(keywordsDeleteCmd)
}

// --- audit ---

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent audit log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/audit?limit=%d", limit))
		if err != nil {
			return err
		}
		var entries []struct {
			Timestamp  string `json:"timestamp"`
			User       string `json:"user"`
			ActionType string `json:"action_type"`
			Status     string `json:"status"`
		}
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintln(out, "No audit entries.")
			return nil
		}
		for _, e := range entries {
			status := colorize(colorGreen, e.Status)
			if e.Status != "Success" {
				status = colorize(colorRed, e.Status)
			}
			fmt.Fprintf(out, "%s  %-20s  %-22s  %s\n", e.Timestamp, e.User, e.ActionType, status)
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().Int("limit", 20, "maximum number of entries")
}
