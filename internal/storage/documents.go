package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// --- Documents ---

func (s *Store) GetDocument(ctx context.Context, doctype, name string) (Document, error) {
	d := Document{Doctype: doctype, Name: name}
	var fields, modified string
	err := s.db.QueryRowContext(ctx, `
		SELECT fields, docstatus, modified_by, modified FROM documents
		WHERE doctype = ? AND name = ?`, doctype, name,
	).Scan(&fields, &d.DocStatus, &d.ModifiedBy, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if err := json.Unmarshal([]byte(fields), &d.Fields); err != nil {
		return Document{}, fmt.Errorf("parsing fields of %s %s: %w", doctype, name, err)
	}
	if d.Fields == nil {
		d.Fields = map[string]any{}
	}
	if d.Modified, err = parseTime("modified", modified); err != nil {
		return Document{}, err
	}
	return d, nil
}

// SaveDocument inserts or replaces the document keyed by doctype and name.
func (s *Store) SaveDocument(ctx context.Context, d Document) error {
	if d.Fields == nil {
		d.Fields = map[string]any{}
	}
	fields, err := json.Marshal(d.Fields)
	if err != nil {
		return fmt.Errorf("encoding fields: %w", err)
	}
	if d.Modified.IsZero() {
		d.Modified = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (doctype, name, fields, docstatus, modified_by, modified)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(doctype, name) DO UPDATE SET
			fields = excluded.fields,
			docstatus = excluded.docstatus,
			modified_by = excluded.modified_by,
			modified = excluded.modified`,
		d.Doctype, d.Name, string(fields), d.DocStatus, d.ModifiedBy, formatTime(d.Modified))
	return err
}

func (s *Store) SaveAttachment(ctx context.Context, a Attachment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, doctype, docname, file_name, file_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Doctype, a.Docname, a.FileName, a.FileURL, formatTime(a.CreatedAt))
	return err
}

// ListAttachments returns the document's attachments, newest first.
func (s *Store) ListAttachments(ctx context.Context, doctype, docname string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, doctype, docname, file_name, file_url, created_at FROM attachments
		WHERE doctype = ? AND docname = ?
		ORDER BY created_at DESC, rowid DESC`, doctype, docname)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Attachment
	for rows.Next() {
		var a Attachment
		var created string
		if err := rows.Scan(&a.ID, &a.Doctype, &a.Docname, &a.FileName, &a.FileURL, &created); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = parseTime("created_at", created); err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

// --- Roles ---

func (s *Store) GetUserRoles(ctx context.Context, user string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role FROM user_roles WHERE user = ? ORDER BY role`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *Store) AddUserRole(ctx context.Context, user, role string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_roles (user, role) VALUES (?, ?) ON CONFLICT DO NOTHING`, user, role)
	return err
}

func (s *Store) RemoveUserRole(ctx context.Context, user, role string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_roles WHERE user = ? AND role = ?`, user, role)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// --- Mail outbox ---

func (s *Store) QueueEmail(ctx context.Context, e Email) error {
	if e.Status == "" {
		e.Status = "Queued"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_outbox (id, recipients, subject, message, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Recipients, e.Subject, e.Message, e.Status, formatTime(e.CreatedAt))
	return err
}

// ListEmails returns queued mail, newest first.
func (s *Store) ListEmails(ctx context.Context, limit int) ([]Email, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipients, subject, message, status, created_at FROM email_outbox
		ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Email
	for rows.Next() {
		var e Email
		var created string
		if err := rows.Scan(&e.ID, &e.Recipients, &e.Subject, &e.Message, &e.Status, &created); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime("created_at", created); err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}
