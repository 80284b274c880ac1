package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// --- Conversations ---

const conversationCols = `id, session_id, user, start_time, last_updated, status, context_doctype, context_docname`

func scanConversation(sc interface{ Scan(...any) error }) (Conversation, error) {
	var c Conversation
	var start, updated string
	if err := sc.Scan(&c.ID, &c.SessionID, &c.User, &start, &updated, &c.Status, &c.ContextDoctype, &c.ContextDocname); err != nil {
		return Conversation{}, err
	}
	var err error
	if c.StartTime, err = parseTime("start_time", start); err != nil {
		return Conversation{}, err
	}
	if c.LastUpdated, err = parseTime("last_updated", updated); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (s *Store) CreateConversation(ctx context.Context, c Conversation) error {
	if c.Status == "" {
		c.Status = ConversationActive
	}
	if c.LastUpdated.IsZero() {
		c.LastUpdated = c.StartTime
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.User, formatTime(c.StartTime), formatTime(c.LastUpdated),
		c.Status, c.ContextDoctype, c.ContextDocname,
	)
	return err
}

func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	return c, err
}

// TouchConversation moves last_updated forward to at. It never moves backwards.
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_updated = MAX(last_updated, ?) WHERE id = ?`,
		formatTime(at), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *Store) ArchiveConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ? WHERE id = ?`, ConversationArchived, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *Store) UpdateConversationContext(ctx context.Context, id, doctype, docname string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET context_doctype = ?, context_docname = ? WHERE id = ?`,
		doctype, docname, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// ListActiveConversations returns the user's active conversations, most
// recently updated first.
func (s *Store) ListActiveConversations(ctx context.Context, user string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationCols+` FROM conversations
		WHERE user = ? AND status = ?
		ORDER BY last_updated DESC, rowid DESC`, user, ConversationActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// --- Messages ---

const messageCols = `id, conversation_id, timestamp, role, content, tokens_used, feedback_rating, feedback_comments`

func scanMessage(sc interface{ Scan(...any) error }) (Message, error) {
	var m Message
	var ts string
	if err := sc.Scan(&m.ID, &m.ConversationID, &ts, &m.Role, &m.Content, &m.TokensUsed, &m.FeedbackRating, &m.FeedbackComments); err != nil {
		return Message{}, err
	}
	t, err := parseTime("timestamp", ts)
	if err != nil {
		return Message{}, err
	}
	m.Timestamp = t
	return m, nil
}

func (s *Store) SaveMessage(ctx context.Context, m Message) error {
	if m.ConversationID == "" {
		return fmt.Errorf("message %s has no conversation", m.ID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, formatTime(m.Timestamp), m.Role, m.Content,
		m.TokensUsed, m.FeedbackRating, m.FeedbackComments,
	)
	return err
}

func (s *Store) GetMessage(ctx context.Context, id string) (Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

// ListMessages returns the last limit messages of a conversation in
// chronological order. A limit <= 0 returns all of them.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageCols+` FROM (
			SELECT rowid AS seq, `+messageCols+` FROM messages
			WHERE conversation_id = ?
			ORDER BY rowid DESC LIMIT ?
		) ORDER BY seq ASC`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

func (s *Store) LastMessage(ctx context.Context, conversationID string) (Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE conversation_id = ? ORDER BY rowid DESC LIMIT 1`, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

// --- Feedback ---

// SaveFeedback records feedback and copies its rating and comments onto the
// message in one transaction.
func (s *Store) SaveFeedback(ctx context.Context, f Feedback) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning feedback transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET feedback_rating = ?, feedback_comments = ? WHERE id = ?`,
		f.Rating, f.Comments, f.MessageID)
	if err != nil {
		return err
	}
	if err := checkAffected(res); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO feedback (id, message_id, rating, comments, user, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.MessageID, f.Rating, f.Comments, f.User, formatTime(f.Timestamp),
	); err != nil {
		return err
	}

	return tx.Commit()
}
