package sqlgate

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/gembridge/gembridge/internal/apperr"
	"github.com/gembridge/gembridge/internal/audit"
	"github.com/gembridge/gembridge/internal/gemini"
	"github.com/gembridge/gembridge/internal/storage"
)

// MaxRows is the number of result rows returned to the caller.
const MaxRows = 100

const (
	msgNoSQL     = "Could not generate SQL query from the question."
	msgNotSelect = "Generated query is not read-only (SELECT). Execution denied."
)

// LLM generates text. Implemented by gemini.Client.
type LLM interface {
	GenerateText(ctx context.Context, prompt string, opts gemini.Options) (gemini.Response, error)
}

// Result is the outcome of a text-to-SQL run. Error is set for failures
// reported to the user as payload rather than as Go errors.
type Result struct {
	NaturalQuery   string   `json:"natural_query,omitempty"`
	GeneratedSQL   string   `json:"generated_sql,omitempty"`
	Columns        []string `json:"columns,omitempty"`
	Rows           [][]any  `json:"results,omitempty"`
	HasMoreResults bool     `json:"has_more_results"`
	Message        string   `json:"message,omitempty"`
	Error          string   `json:"error,omitempty"`
	Details        string   `json:"details,omitempty"`
}

// Chain generates SQL with an LLM, gates it and runs it.
type Chain struct {
	db      *sql.DB
	dialect Dialect
	llm     LLM
	audit   *audit.Logger
	schema  *SchemaCache
	logger  *slog.Logger

	mu         sync.Mutex
	schemaText string
}

// NewChain creates a Chain. A nil cache gets a default one over db.
func NewChain(db *sql.DB, dialect Dialect, llm LLM, auditLog *audit.Logger, cache *SchemaCache) *Chain {
	if cache == nil {
		cache = NewSchemaCache(db, dialect)
	}
	return &Chain{
		db:      db,
		dialect: dialect,
		llm:     llm,
		audit:   auditLog,
		schema:  cache,
		logger:  slog.Default(),
	}
}

// Init loads the schema used in generation prompts. It is called lazily by
// Run; forceRefresh bypasses the schema cache.
func (c *Chain) Init(ctx context.Context, forceRefresh bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.schemaText != "" && !forceRefresh {
		return nil
	}
	schema, err := c.schema.Get(ctx, forceRefresh)
	if err != nil {
		return fmt.Errorf("loading database schema: %w", err)
	}
	if len(schema) == 0 {
		return errors.New("failed to retrieve database schema")
	}
	c.schemaText = Format(schema)
	c.logger.Info("sql chain initialized", "tables", len(schema), "forced", forceRefresh)
	return nil
}

// SchemaText returns the formatted schema, or a notice when it cannot be
// loaded.
func (c *Chain) SchemaText(ctx context.Context) string {
	if err := c.Init(ctx, false); err != nil {
		c.logger.Warn("loading schema", "error", err)
		return noSchemaNotice
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schemaText
}

// Run answers question with the rows of a generated read-only query.
func (c *Chain) Run(ctx context.Context, user, question string) (Result, error) {
	if strings.TrimSpace(question) == "" {
		return Result{}, apperr.New(apperr.Validation, "Question is required")
	}
	if err := c.Init(ctx, false); err != nil {
		return c.fail(ctx, question, err)
	}
	c.mu.Lock()
	schemaText := c.schemaText
	c.mu.Unlock()

	resp, err := c.llm.GenerateText(ctx, generationPrompt(c.dialect, schemaText, question), gemini.Options{
		Temperature: gemini.Temperature(0),
	})
	if err != nil {
		return c.fail(ctx, question, err)
	}

	generated := ExtractSQL(resp.Text)
	if generated == "" {
		c.logSQL(ctx, user, question, "No SQL Generated", storage.AuditError, resp.Text)
		return Result{NaturalQuery: question, Error: msgNoSQL, Details: resp.Text}, nil
	}

	if err := Validate(generated); err != nil {
		c.logger.Warn("generated sql rejected", "reason", err, "sql", generated)
		c.logSQL(ctx, user, question, generated, storage.AuditError, "Attempted non-SELECT query.")
		return Result{NaturalQuery: question, GeneratedSQL: generated, Error: msgNotSelect},
			apperr.New(apperr.Permission, msgNotSelect)
	}

	c.logSQL(ctx, user, question, generated, storage.AuditSuccess, "")

	cols, rows, more, err := c.execute(ctx, generated)
	if err != nil {
		desc := describeDBError(err)
		c.logSQL(ctx, user, question, generated, storage.AuditError, "SQL Execution Error: "+desc)
		return Result{
			NaturalQuery: question,
			GeneratedSQL: generated,
			Error:        "Error executing SQL query: " + desc,
		}, nil
	}

	msg := "Successfully executed query. "
	if more {
		msg += fmt.Sprintf("Showing first %d results.", MaxRows)
	}
	return Result{
		NaturalQuery:   question,
		GeneratedSQL:   generated,
		Columns:        cols,
		Rows:           rows,
		HasMoreResults: more,
		Message:        msg,
	}, nil
}

// fail forces a schema refresh and reports err.
func (c *Chain) fail(ctx context.Context, question string, err error) (Result, error) {
	c.logger.Error("text-to-sql failed", "question", question, "error", err)
	if rerr := c.Init(ctx, true); rerr != nil {
		c.logger.Warn("refreshing schema after failure", "error", rerr)
	}
	return Result{NaturalQuery: question, Error: "An error occurred: " + err.Error()}, err
}

// execute runs query inside a read-only transaction on a dedicated
// connection. modernc sqlite ignores TxOptions.ReadOnly, so SQLite
// connections are switched to query_only for the duration.
func (c *Chain) execute(ctx context.Context, query string) ([]string, [][]any, bool, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, nil, false, err
	}
	defer conn.Close()

	if c.dialect == SQLite {
		if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
			return nil, nil, false, err
		}
		defer func() {
			if _, err := conn.ExecContext(context.Background(), "PRAGMA query_only = OFF"); err != nil {
				c.logger.Error("resetting query_only, discarding connection", "error", err)
				conn.Raw(func(any) error { return driver.ErrBadConn })
			}
		}()
	}

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, false, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, false, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, false, err
	}

	out := [][]any{}
	more := false
	for rows.Next() {
		if len(out) == MaxRows {
			more = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, false, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, false, err
	}
	return cols, out, more, nil
}

func (c *Chain) logSQL(ctx context.Context, user, question, generated, status, errMsg string) {
	c.audit.Record(ctx, user, audit.TextToSQL, map[string]any{
		"natural_language_query": question,
		"generated_sql":          generated,
		"status":                 status,
		"error_message":          errMsg,
	}, status)
}

var fenced = regexp.MustCompile("(?s)```(?:sql|SQL)?\\s*(.*?)```")

// ExtractSQL pulls the statement out of a model answer, dropping markdown
// fences and the SQLQuery: label.
func ExtractSQL(text string) string {
	s := strings.TrimSpace(text)
	if m := fenced.FindStringSubmatch(s); m != nil {
		s = m[1]
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(strings.TrimPrefix(s, "sql"), "SQL")
	}
	if i := strings.Index(s, "SQLQuery:"); i >= 0 {
		s = s[i+len("SQLQuery:"):]
	}
	if i := strings.Index(s, "SQLResult:"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func generationPrompt(d Dialect, schemaText, question string) string {
	name := d.displayName()
	return fmt.Sprintf(`You are a %[1]s expert. Given an input question, create a syntactically correct %[1]s query to run.
Never query for all columns from a table. You must query only the columns that are needed to answer the question. Wrap each table and column name in double quotes (") to denote them as delimited identifiers.
Pay attention to use only the column names you can see in the tables below. Only generate read-only SELECT statements.

Use the following format:

Question: Question here
SQLQuery: SQL Query to run

Only use the following tables:
%[2]s

Question: %[3]s
SQLQuery:`, name, schemaText, question)
}
