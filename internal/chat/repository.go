package chat

import (
	"context"
	"time"

	"division-chat/internal/db"
)

// MessageStore persists chat messages.
type MessageStore interface {
	Create(ctx context.Context, msg *Message) error
	// ListRecent returns at most limit messages for room, oldest first.
	ListRecent(ctx context.Context, room string, limit int) ([]*Message, error)
	DeleteByRoom(ctx context.Context, room string) (int64, error)
}

type Repository struct {
	db *db.Database
}

func NewRepository(database *db.Database) *Repository {
	return &Repository{db: database}
}

func (r *Repository) Create(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	createdAt := msg.CreatedAt.UnixMilli()

	query := r.db.Rebind(`INSERT INTO chat_messages (conversation_id, sender_id, text, created_at)
		VALUES ($1, $2, $3, $4) RETURNING id`)
	if err := r.db.Conn.QueryRowContext(ctx, query, msg.ConversationID, msg.SenderID, msg.Text, createdAt).Scan(&msg.ID); err != nil {
		return err
	}
	msg.CreatedAt = time.UnixMilli(createdAt)
	return nil
}

func (r *Repository) ListRecent(ctx context.Context, room string, limit int) ([]*Message, error) {
	query := r.db.Rebind(`
		SELECT m.id, m.conversation_id, m.sender_id, COALESCE(u.email, ''), m.text, m.created_at
		FROM chat_messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = $1
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2
	`)
	rows, err := r.db.Conn.QueryContext(ctx, query, room, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.SenderName, &msg.Text, &createdAt); err != nil {
			return nil, err
		}
		msg.CreatedAt = time.UnixMilli(createdAt)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// newest-first from the query, replayed oldest-first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *Repository) DeleteByRoom(ctx context.Context, room string) (int64, error) {
	query := r.db.Rebind(`DELETE FROM chat_messages WHERE conversation_id = $1`)
	res, err := r.db.Conn.ExecContext(ctx, query, room)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
