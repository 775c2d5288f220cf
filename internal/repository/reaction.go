package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/auditmarket/chat/internal/logger"
	"github.com/auditmarket/chat/internal/model"
)

type ReactionRepository struct {
	pool *pgxpool.Pool
}

func NewReactionRepository(pool *pgxpool.Pool) *ReactionRepository {
	return &ReactionRepository{pool: pool}
}

// Add stores the reaction. Returns false if (message, user, emoji) already existed.
func (r *ReactionRepository) Add(ctx context.Context, rc model.ChatReaction) (bool, error) {
	defer logger.DeferLogDuration("reaction.Add", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO message_reactions (message_id, user_id, user_name, emoji)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		rc.MessageID, rc.UserID, rc.UserName, rc.Emoji,
	)
	if err != nil {
		return false, fmt.Errorf("reactionRepo.Add: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Remove deletes the reaction. Returns false if there was nothing to delete.
func (r *ReactionRepository) Remove(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	defer logger.DeferLogDuration("reaction.Remove", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji,
	)
	if err != nil {
		return false, fmt.Errorf("reactionRepo.Remove: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Grouped returns per-emoji aggregates for a message in first-use order.
func (r *ReactionRepository) Grouped(ctx context.Context, messageID string) ([]model.ReactionGroup, error) {
	defer logger.DeferLogDuration("reaction.Grouped", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT emoji, COUNT(*), array_agg(user_id ORDER BY created_at)
		 FROM message_reactions
		 WHERE message_id = $1
		 GROUP BY emoji
		 ORDER BY MIN(created_at)`, messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("reactionRepo.Grouped query: %w", err)
	}
	defer rows.Close()

	groups := make([]model.ReactionGroup, 0, 4)
	for rows.Next() {
		var g model.ReactionGroup
		if err := rows.Scan(&g.Emoji, &g.Count, &g.Users); err != nil {
			return nil, fmt.Errorf("reactionRepo.Grouped scan: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reactionRepo.Grouped rows: %w", err)
	}
	return groups, nil
}
