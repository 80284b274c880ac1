package sqlgate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	tablePrefix    = "tab"
	schemaTTL      = time.Hour
	introspectors  = 4
	noSchemaNotice = "Could not retrieve database schema."
)

// Column is one column of an ERP table.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Schema maps table names to their columns in ordinal order.
type Schema map[string][]Column

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// SchemaCache introspects the ERP database and caches the result.
type SchemaCache struct {
	db      *sql.DB
	dialect Dialect
	clock   Clock
	ttl     time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	schema    Schema
	fetchedAt time.Time
}

// NewSchemaCache creates a cache with a one-hour TTL.
func NewSchemaCache(db *sql.DB, dialect Dialect) *SchemaCache {
	return NewSchemaCacheWithClock(db, dialect, realClock{}, schemaTTL)
}

// NewSchemaCacheWithClock creates a cache with a custom clock (for testing).
func NewSchemaCacheWithClock(db *sql.DB, dialect Dialect, clock Clock, ttl time.Duration) *SchemaCache {
	return &SchemaCache{db: db, dialect: dialect, clock: clock, ttl: ttl, logger: slog.Default()}
}

// Get returns the schema of every table whose name starts with "tab".
// Empty results are never cached.
func (c *SchemaCache) Get(ctx context.Context, force bool) (Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && len(c.schema) > 0 && c.clock.Now().Sub(c.fetchedAt) < c.ttl {
		return c.schema, nil
	}

	schema, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if len(schema) == 0 {
		c.logger.Warn("no tab tables found or failed to fetch schema for all", "dialect", c.dialect)
		return schema, nil
	}
	c.schema = schema
	c.fetchedAt = c.clock.Now()
	return schema, nil
}

// Invalidate drops the cached schema.
func (c *SchemaCache) Invalidate() {
	c.mu.Lock()
	c.schema = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

func (c *SchemaCache) fetch(ctx context.Context) (Schema, error) {
	tables, err := c.tables(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}

	cols := make([][]Column, len(tables))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(introspectors)
	for i, table := range tables {
		g.Go(func() error {
			cs, err := c.columns(gctx, table)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				c.logger.Error("fetching table columns", "table", table, "error", err)
				return nil
			}
			cols[i] = cs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	schema := make(Schema, len(tables))
	for i, table := range tables {
		if len(cols[i]) > 0 {
			schema[table] = cols[i]
		}
	}
	return schema, nil
}

func (c *SchemaCache) tables(ctx context.Context) ([]string, error) {
	var q string
	switch c.dialect {
	case Postgres:
		q = `SELECT table_name FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name LIKE 'tab%'
			ORDER BY table_name`
	default:
		q = `SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'tab%' ORDER BY name`
	}
	rows, err := c.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		// LIKE is case-insensitive in SQLite.
		if strings.HasPrefix(name, tablePrefix) {
			out = append(out, name)
		}
	}
	return out, rows.Err()
}

func (c *SchemaCache) columns(ctx context.Context, table string) ([]Column, error) {
	var q string
	switch c.dialect {
	case Postgres:
		q = `SELECT column_name, data_type FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1
			ORDER BY ordinal_position`
	default:
		q = `SELECT name, type FROM pragma_table_info(?) ORDER BY cid`
	}
	rows, err := c.db.QueryContext(ctx, q, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Column
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			return nil, err
		}
		out = append(out, col)
	}
	return out, rows.Err()
}

// Format renders schema as CREATE TABLE statements for an LLM prompt.
func Format(schema Schema) string {
	if len(schema) == 0 {
		return noSchemaNotice
	}
	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	sort.Strings(names)

	blocks := make([]string, 0, len(names))
	for _, name := range names {
		var sb strings.Builder
		fmt.Fprintf(&sb, "CREATE TABLE %q (\n", name)
		defs := make([]string, len(schema[name]))
		for i, col := range schema[name] {
			defs[i] = fmt.Sprintf("  %q %s", col.Name, strings.ToUpper(col.Type))
		}
		sb.WriteString(strings.Join(defs, ",\n"))
		sb.WriteString("\n);")
		blocks = append(blocks, sb.String())
	}
	return strings.Join(blocks, "\n\n")
}
