package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// --- Automation rules ---

const ruleCols = `name, doctype, event, allowed_roles, actions, description, enabled, created_by, created_at`

func scanRule(sc interface{ Scan(...any) error }) (AutomationRule, error) {
	var r AutomationRule
	var created string
	if err := sc.Scan(&r.Name, &r.Doctype, &r.Event, &r.AllowedRoles, &r.Actions, &r.Description, &r.Enabled, &r.CreatedBy, &created); err != nil {
		return AutomationRule{}, err
	}
	t, err := parseTime("created_at", created)
	if err != nil {
		return AutomationRule{}, err
	}
	r.CreatedAt = t
	return r, nil
}

func (s *Store) ListRules(ctx context.Context, enabledOnly bool) ([]AutomationRule, error) {
	q := `SELECT ` + ruleCols + ` FROM automation_rules`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []AutomationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) GetRule(ctx context.Context, name string) (AutomationRule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx,
		`SELECT `+ruleCols+` FROM automation_rules WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return AutomationRule{}, ErrNotFound
	}
	return r, err
}

// SaveRule inserts or replaces a rule keyed by name.
func (s *Store) SaveRule(ctx context.Context, r AutomationRule) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.AllowedRoles == "" {
		r.AllowedRoles = "[]"
	}
	if r.Actions == "" {
		r.Actions = "[]"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO automation_rules (`+ruleCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			doctype = excluded.doctype,
			event = excluded.event,
			allowed_roles = excluded.allowed_roles,
			actions = excluded.actions,
			description = excluded.description,
			enabled = excluded.enabled`,
		r.Name, r.Doctype, r.Event, r.AllowedRoles, r.Actions, r.Description,
		boolInt(r.Enabled), r.CreatedBy, formatTime(r.CreatedAt))
	return err
}

func (s *Store) DeleteRule(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM automation_rules WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return checkAffected(res)
}
