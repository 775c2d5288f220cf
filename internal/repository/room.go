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

var ErrNotFound = errors.New("not found")

type RoomRepository struct {
	pool *pgxpool.Pool
}

func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{pool: pool}
}

// Create inserts the room and its participants in one transaction.
func (r *RoomRepository) Create(ctx context.Context, room *model.ChatRoom) error {
	defer logger.DeferLogDuration("room.Create", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("roomRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO rooms (id, name, room_type, created_by, archived, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		room.ID, room.Name, room.Type, room.CreatedBy, room.Archived, room.CreatedAt,
	); err != nil {
		return fmt.Errorf("roomRepo.Create: %w", err)
	}
	for _, uid := range room.Participants {
		if _, err := tx.Exec(ctx,
			`INSERT INTO room_participants (room_id, user_id, joined_at)
			 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			room.ID, uid, room.CreatedAt,
		); err != nil {
			return fmt.Errorf("roomRepo.Create participant %s: %w", uid, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("roomRepo.Create commit: %w", err)
	}
	return nil
}

func (r *RoomRepository) GetByID(ctx context.Context, id string) (*model.ChatRoom, error) {
	defer logger.DeferLogDuration("room.GetByID", time.Now())()
	room := &model.ChatRoom{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, room_type, created_by, archived, created_at FROM rooms WHERE id = $1`, id,
	).Scan(&room.ID, &room.Name, &room.Type, &room.CreatedBy, &room.Archived, &room.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("roomRepo.GetByID: %w", err)
	}
	if room.Participants, err = r.ParticipantIDs(ctx, id); err != nil {
		return nil, err
	}
	return room, nil
}

func (r *RoomRepository) ParticipantIDs(ctx context.Context, roomID string) ([]string, error) {
	defer logger.DeferLogDuration("room.ParticipantIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM room_participants WHERE room_id = $1 ORDER BY joined_at, user_id`, roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.ParticipantIDs query: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("roomRepo.ParticipantIDs rows: %w", err)
	}
	return ids, nil
}

func (r *RoomRepository) IsParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	defer logger.DeferLogDuration("room.IsParticipant", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM room_participants WHERE room_id = $1 AND user_id = $2)`,
		roomID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("roomRepo.IsParticipant: %w", err)
	}
	return exists, nil
}

// ListForUser returns the user's rooms newest activity first, each with its
// last message and the count of messages from others since the user's last read.
func (r *RoomRepository) ListForUser(ctx context.Context, userID string, includeArchived bool) ([]model.ChatRoom, error) {
	defer logger.DeferLogDuration("room.ListForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT r.id, r.name, r.room_type, r.created_by, r.archived, r.created_at,
		        (SELECT COUNT(*) FROM messages m
		          WHERE m.room_id = r.id AND m.sender_id != $1 AND NOT m.is_deleted
		            AND m.created_at > rp.last_read_at) AS unread,
		        COALESCE((SELECT MAX(created_at) FROM messages m WHERE m.room_id = r.id), r.created_at) AS activity
		 FROM rooms r
		 JOIN room_participants rp ON rp.room_id = r.id AND rp.user_id = $1
		 WHERE $2 OR NOT r.archived
		 ORDER BY activity DESC`, userID, includeArchived,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.ListForUser query: %w", err)
	}
	defer rows.Close()

	rooms := make([]model.ChatRoom, 0, 16)
	for rows.Next() {
		var room model.ChatRoom
		var activity time.Time
		if err := rows.Scan(&room.ID, &room.Name, &room.Type, &room.CreatedBy, &room.Archived, &room.CreatedAt,
			&room.UnreadCount, &activity); err != nil {
			return nil, fmt.Errorf("roomRepo.ListForUser scan: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.ListForUser rows: %w", err)
	}
	for i := range rooms {
		if rooms[i].Participants, err = r.ParticipantIDs(ctx, rooms[i].ID); err != nil {
			return nil, err
		}
	}
	return rooms, nil
}

func (r *RoomRepository) SetArchived(ctx context.Context, roomID string, archived bool) error {
	defer logger.DeferLogDuration("room.SetArchived", time.Now())()
	tag, err := r.pool.Exec(ctx, `UPDATE rooms SET archived = $1 WHERE id = $2`, archived, roomID)
	if err != nil {
		return fmt.Errorf("roomRepo.SetArchived: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRead moves the user's read marker, which drives UnreadCount.
func (r *RoomRepository) MarkRead(ctx context.Context, roomID, userID string, at time.Time) error {
	defer logger.DeferLogDuration("room.MarkRead", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE room_participants SET last_read_at = GREATEST(last_read_at, $1)
		 WHERE room_id = $2 AND user_id = $3`,
		at, roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("roomRepo.MarkRead: %w", err)
	}
	return nil
}
