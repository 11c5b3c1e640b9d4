package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/conductorhq/conductord/internal/model"
)

// AppendChatMessage inserts one chat message and returns its assigned id.
func (s *Store) AppendChatMessage(ctx context.Context, m model.ChatMessage) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?)`,
		m.ConversationID, m.Role, m.Content, m.CreatedAt)
	if err != nil {
		return 0, errors.Wrap(err, "insert chat message")
	}
	return res.LastInsertId()
}

// ListChatMessages returns every message in a conversation, ordered by id.
func (s *Store) ListChatMessages(ctx context.Context, conversationID string) ([]model.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at FROM chat_messages
		WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		return nil, errors.Wrapf(err, "list chat messages for %s", conversationID)
	}
	defer rows.Close()
	var out []model.ChatMessage
	for rows.Next() {
		var m model.ChatMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan chat message row")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
