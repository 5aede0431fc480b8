package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/madoguchi/internal/model"
)

// GetHold returns the hold on a conversation, active or not.
func (db *DB) GetHold(ctx context.Context, conversationID string) (model.Hold, error) {
	var h model.Hold
	err := db.pool.QueryRow(ctx,
		`SELECT conversation_id, until, reason, created_at FROM holds WHERE conversation_id = $1`,
		conversationID,
	).Scan(&h.ConversationID, &h.Until, &h.Reason, &h.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Hold{}, fmt.Errorf("storage: get hold %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return model.Hold{}, fmt.Errorf("storage: get hold: %w", err)
	}
	return h, nil
}

// SetHold creates or replaces the hold on a conversation.
func (db *DB) SetHold(ctx context.Context, h model.Hold) (model.Hold, error) {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO holds (conversation_id, until, reason)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (conversation_id) DO UPDATE
		 SET until = EXCLUDED.until, reason = EXCLUDED.reason, created_at = now()
		 RETURNING created_at`,
		h.ConversationID, h.Until, h.Reason,
	).Scan(&h.CreatedAt)
	if err != nil {
		return model.Hold{}, fmt.Errorf("storage: set hold: %w", err)
	}
	return h, nil
}

// ClearHold removes the hold on a conversation.
func (db *DB) ClearHold(ctx context.Context, conversationID string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM holds WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return fmt.Errorf("storage: clear hold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: clear hold %s: %w", conversationID, ErrNotFound)
	}
	return nil
}

func jsonUnmarshal(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}
