package storage

import (
	"context"
	"database/sql"
	"errors"
)

// --- Audit log ---

const auditCols = `id, timestamp, user, action_type, details, status, ip_address`

func scanAudit(sc interface{ Scan(...any) error }) (AuditEntry, error) {
	var a AuditEntry
	var ts string
	if err := sc.Scan(&a.ID, &ts, &a.User, &a.ActionType, &a.Details, &a.Status, &a.IPAddress); err != nil {
		return AuditEntry{}, err
	}
	t, err := parseTime("timestamp", ts)
	if err != nil {
		return AuditEntry{}, err
	}
	a.Timestamp = t
	return a, nil
}

func (s *Store) InsertAudit(ctx context.Context, a AuditEntry) error {
	if a.Details == "" {
		a.Details = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (`+auditCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, formatTime(a.Timestamp), a.User, a.ActionType, a.Details, a.Status, a.IPAddress)
	return err
}

// UpdateAudit replaces the details and status of an existing entry.
func (s *Store) UpdateAudit(ctx context.Context, id, details, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE audit_log SET details = ?, status = ? WHERE id = ?`, details, status, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// FindAuditByRequestID returns the newest entry whose details carry the
// given request_id.
func (s *Store) FindAuditByRequestID(ctx context.Context, requestID string) (AuditEntry, error) {
	a, err := scanAudit(s.db.QueryRowContext(ctx, `
		SELECT `+auditCols+` FROM audit_log
		WHERE json_valid(details) AND json_extract(details, '$.request_id') = ?
		ORDER BY rowid DESC LIMIT 1`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return AuditEntry{}, ErrNotFound
	}
	return a, err
}

// ListAudit returns the newest entries first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditCols+` FROM audit_log ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []AuditEntry
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	return results, rows.Err()
}
