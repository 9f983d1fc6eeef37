package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	relay "github.com/koriley/switchboard/internal"
)

// CreateConversation inserts a new chat thread.
func (s *Store) CreateConversation(ctx context.Context, c *relay.Conversation) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO conversations (id, title, target_kind, target_id, model, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.TargetKind, c.TargetID, c.Model,
		fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt),
	)
	return err
}

// GetConversation returns one conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*relay.Conversation, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, title, target_kind, target_id, model, created_at, updated_at
		 FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return c, nil
}

// ListConversations returns all conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context) ([]*relay.Conversation, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, title, target_kind, target_id, model, created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*relay.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateConversation persists title, target, and model changes.
func (s *Store) UpdateConversation(ctx context.Context, c *relay.Conversation) error {
	c.UpdatedAt = time.Now().UTC()
	res, err := s.write.ExecContext(ctx,
		`UPDATE conversations SET title = ?, target_kind = ?, target_id = ?, model = ?, updated_at = ?
		 WHERE id = ?`,
		c.Title, c.TargetKind, c.TargetID, c.Model, fmtTime(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "conversation")
}

// DeleteConversation removes a conversation; its messages cascade.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.write.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "conversation")
}

// CreateMessage appends one turn to a conversation and bumps the
// conversation's updated_at so listings sort by recent activity.
func (s *Store) CreateMessage(ctx context.Context, m *relay.ChatMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO chat_messages (id, conversation_id, role, content, reasoning, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, nullStr(m.Reasoning), fmtTime(m.CreatedAt),
	)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		fmtTime(time.Now().UTC()), m.ConversationID,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateMessage rewrites the stored content and reasoning of one turn.
// Streaming writes the assistant turn once up front and finalizes it here.
func (s *Store) UpdateMessage(ctx context.Context, m *relay.ChatMessage) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE chat_messages SET content = ?, reasoning = ? WHERE id = ?`,
		m.Content, nullStr(m.Reasoning), m.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "chat message")
}

// ListMessages returns a conversation's turns in chronological order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]*relay.ChatMessage, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, reasoning, created_at
		 FROM chat_messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`,
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*relay.ChatMessage
	for rows.Next() {
		m, err := scanChatMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMessage returns one turn by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*relay.ChatMessage, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, conversation_id, role, content, reasoning, created_at
		 FROM chat_messages WHERE id = ?`, id)
	m, err := scanChatMessage(row)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return m, nil
}

// DeleteMessages removes the given turns. Used by regeneration, which
// discards the tail of a conversation before replaying it.
func (s *Store) DeleteMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?, ", len(ids)-1) + "?"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.write.ExecContext(ctx,
		`DELETE FROM chat_messages WHERE id IN (`+placeholders+`)`, args...)
	return err
}

func scanConversation(row scanner) (*relay.Conversation, error) {
	var c relay.Conversation
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.Title, &c.TargetKind, &c.TargetID, &c.Model, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func scanChatMessage(row scanner) (*relay.ChatMessage, error) {
	var m relay.ChatMessage
	var reasoning sql.NullString
	var createdAt string
	err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &reasoning, &createdAt)
	if err != nil {
		return nil, err
	}
	m.Reasoning = reasoning.String
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}
