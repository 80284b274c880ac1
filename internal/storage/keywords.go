package storage

import (
	"context"
)

// --- Sensitive keywords ---

// ListKeywords returns keyword rules in id order.
func (s *Store) ListKeywords(ctx context.Context, enabledOnly bool) ([]SensitiveKeyword, error) {
	q := `SELECT id, pattern, replacement, is_global, doctypes, fields, enabled FROM sensitive_keywords`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SensitiveKeyword
	for rows.Next() {
		var k SensitiveKeyword
		if err := rows.Scan(&k.ID, &k.Pattern, &k.Replacement, &k.IsGlobal, &k.Doctypes, &k.Fields, &k.Enabled); err != nil {
			return nil, err
		}
		results = append(results, k)
	}
	return results, rows.Err()
}

// SaveKeyword inserts k when its ID is zero and updates it otherwise. It
// returns the row id.
func (s *Store) SaveKeyword(ctx context.Context, k SensitiveKeyword) (int64, error) {
	if k.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO sensitive_keywords (pattern, replacement, is_global, doctypes, fields, enabled)
			VALUES (?, ?, ?, ?, ?, ?)`,
			k.Pattern, k.Replacement, boolInt(k.IsGlobal), k.Doctypes, k.Fields, boolInt(k.Enabled))
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sensitive_keywords
		SET pattern = ?, replacement = ?, is_global = ?, doctypes = ?, fields = ?, enabled = ?
		WHERE id = ?`,
		k.Pattern, k.Replacement, boolInt(k.IsGlobal), k.Doctypes, k.Fields, boolInt(k.Enabled), k.ID)
	if err != nil {
		return 0, err
	}
	return k.ID, checkAffected(res)
}

func (s *Store) DeleteKeyword(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sensitive_keywords WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}
