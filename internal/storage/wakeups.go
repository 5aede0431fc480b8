package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/madoguchi/internal/model"
)

const wakeupColumns = `id, kind, action_id, conversation_id, fire_at, status, outcome, created_at`

// CreateWakeup persists a wakeup. There is at most one wakeup per kind and
// action; creating a duplicate returns the existing row.
func (db *DB) CreateWakeup(ctx context.Context, w model.Wakeup) (model.Wakeup, error) {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	created, err := scanWakeup(db.pool.QueryRow(ctx,
		`INSERT INTO wakeups (id, kind, action_id, conversation_id, fire_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (kind, action_id) DO NOTHING
		 RETURNING `+wakeupColumns,
		w.ID, string(w.Kind), w.ActionID, w.ConversationID, w.FireAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, gerr := scanWakeup(db.pool.QueryRow(ctx,
			`SELECT `+wakeupColumns+` FROM wakeups WHERE kind = $1 AND action_id = $2`,
			string(w.Kind), w.ActionID,
		))
		if gerr != nil {
			return model.Wakeup{}, fmt.Errorf("storage: load existing wakeup: %w", gerr)
		}
		return existing, nil
	}
	if err != nil {
		return model.Wakeup{}, fmt.Errorf("storage: create wakeup: %w", err)
	}
	return created, nil
}

// ClaimWakeup moves a pending wakeup to running. It returns false if another
// claimant got there first.
func (db *DB) ClaimWakeup(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE wakeups SET status = 'running', claimed_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("storage: claim wakeup: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteWakeup records the outcome of a claimed wakeup.
func (db *DB) CompleteWakeup(ctx context.Context, id uuid.UUID, outcome string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE wakeups SET status = 'done', outcome = $2 WHERE id = $1 AND status = 'running'`,
		id, outcome,
	)
	if err != nil {
		return fmt.Errorf("storage: complete wakeup: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete wakeup %s: %w", id, ErrNotFound)
	}
	return nil
}

// PendingWakeups returns unclaimed wakeups due at or before before, earliest
// first.
func (db *DB) PendingWakeups(ctx context.Context, before time.Time, limit int) ([]model.Wakeup, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+wakeupColumns+` FROM wakeups
		 WHERE status = 'pending' AND fire_at <= $1
		 ORDER BY fire_at ASC
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: pending wakeups: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Wakeup, error) {
		return scanWakeup(row)
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan wakeups: %w", err)
	}
	return out, nil
}

func scanWakeup(row pgx.Row) (model.Wakeup, error) {
	var (
		w      model.Wakeup
		kind   string
		status string
	)
	if err := row.Scan(&w.ID, &kind, &w.ActionID, &w.ConversationID, &w.FireAt, &status, &w.Outcome, &w.CreatedAt); err != nil {
		return model.Wakeup{}, err
	}
	w.Kind = model.WakeupKind(kind)
	w.Status = model.WakeupStatus(status)
	return w, nil
}
