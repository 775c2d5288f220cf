package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/auditmarket/chat/internal/logger"
	"github.com/auditmarket/chat/internal/model"
)

const messageCols = `id, room_id, sender_id, sender_name, content, msg_type, reply_to, metadata,
	edited_at IS NOT NULL, is_deleted, created_at`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.ChatMessage) error {
	return s.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Content, &m.Type, &m.ReplyTo, &m.Metadata,
		&m.Edited, &m.Deleted, &m.Timestamp)
}

func (r *MessageRepository) Create(ctx context.Context, m *model.ChatMessage) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, room_id, sender_id, sender_name, content, msg_type, reply_to, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.RoomID, m.SenderID, m.SenderName, m.Content, m.Type, m.ReplyTo, m.Metadata, m.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.ChatMessage, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.ChatMessage{}
	row := r.pool.QueryRow(ctx, `SELECT `+messageCols+` FROM messages WHERE id = $1`, id)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// ListByRoom returns up to limit messages older than before, newest first,
// with their reactions. A zero before means "from the latest".
func (r *MessageRepository) ListByRoom(ctx context.Context, roomID string, limit int, before time.Time) ([]model.ChatMessage, error) {
	defer logger.DeferLogDuration("msg.ListByRoom", time.Now())()
	if before.IsZero() {
		before = time.Now().Add(time.Hour)
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE room_id = $1 AND created_at < $2
		 ORDER BY created_at DESC
		 LIMIT $3`, roomID, before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListByRoom query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.ChatMessage, 0, limit)
	index := make(map[string]int, limit)
	for rows.Next() {
		var m model.ChatMessage
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.ListByRoom scan: %w", err)
		}
		m.Reactions = []model.ChatReaction{}
		index[m.ID] = len(messages)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListByRoom rows: %w", err)
	}
	if len(messages) == 0 {
		return messages, nil
	}

	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	rrows, err := r.pool.Query(ctx,
		`SELECT message_id, emoji, user_id, user_name FROM message_reactions
		 WHERE message_id = ANY($1) ORDER BY created_at`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListByRoom reactions: %w", err)
	}
	defer rrows.Close()
	for rrows.Next() {
		var rc model.ChatReaction
		if err := rrows.Scan(&rc.MessageID, &rc.Emoji, &rc.UserID, &rc.UserName); err != nil {
			return nil, fmt.Errorf("msgRepo.ListByRoom reaction scan: %w", err)
		}
		i := index[rc.MessageID]
		messages[i].Reactions = append(messages[i].Reactions, rc)
	}
	if err := rrows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListByRoom reaction rows: %w", err)
	}
	return messages, nil
}

// Last returns the newest message in the room, or nil if it has none.
func (r *MessageRepository) Last(ctx context.Context, roomID string) (*model.ChatMessage, error) {
	defer logger.DeferLogDuration("msg.Last", time.Now())()
	m := &model.ChatMessage{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+messageCols+` FROM messages WHERE room_id = $1 ORDER BY created_at DESC LIMIT 1`, roomID)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("msgRepo.Last: %w", err)
	}
	return m, nil
}

// UpdateContent edits a message's content and sets edited_at.
func (r *MessageRepository) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error {
	defer logger.DeferLogDuration("msg.UpdateContent", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET content = $1, edited_at = $2 WHERE id = $3 AND NOT is_deleted`,
		content, editedAt, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.UpdateContent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks a message as deleted and clears content. The row stays.
func (r *MessageRepository) SoftDelete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_deleted = true, content = '', metadata = NULL WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	return nil
}
