package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/madoguchi/internal/model"
)

const actionColumns = `id, conversation_id, app_id, type, parameters, category, confidence, reasoning, requires_approval, created_at`

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertAction(ctx context.Context, q querier, a model.Action) (model.Action, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	params, err := json.Marshal(a.Parameters)
	if err != nil {
		return model.Action{}, fmt.Errorf("encode parameters: %w", err)
	}
	err = q.QueryRow(ctx,
		`INSERT INTO actions (id, conversation_id, app_id, type, parameters, category, confidence, reasoning, requires_approval)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at`,
		a.ID, a.ConversationID, a.AppID, string(a.Type), params,
		a.Category, a.Confidence, a.Reasoning, a.RequiresApproval,
	).Scan(&a.CreatedAt)
	if err != nil {
		return model.Action{}, err
	}
	return a, nil
}

// CreateAction inserts an action that needs no approval.
func (db *DB) CreateAction(ctx context.Context, a model.Action) (model.Action, error) {
	created, err := insertAction(ctx, db.pool, a)
	if err != nil {
		return model.Action{}, fmt.Errorf("storage: create action: %w", err)
	}
	return created, nil
}

// CreateActionWithApproval inserts an action and its pending approval request
// in one transaction.
func (db *DB) CreateActionWithApproval(ctx context.Context, a model.Action) (model.Action, model.ApprovalRequest, error) {
	var (
		created model.Action
		req     model.ApprovalRequest
	)
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		var err error
		if created, err = insertAction(ctx, tx, a); err != nil {
			return err
		}
		req = model.ApprovalRequest{ActionID: created.ID, Status: model.ApprovalPending}
		return tx.QueryRow(ctx,
			`INSERT INTO approval_requests (action_id) VALUES ($1) RETURNING created_at`,
			created.ID,
		).Scan(&req.CreatedAt)
	})
	if err != nil {
		return model.Action{}, model.ApprovalRequest{}, fmt.Errorf("storage: create action with approval: %w", err)
	}
	return created, req, nil
}

// GetAction returns one action.
func (db *DB) GetAction(ctx context.Context, id uuid.UUID) (model.Action, error) {
	a, err := scanAction(db.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Action{}, fmt.Errorf("storage: get action %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Action{}, fmt.Errorf("storage: get action: %w", err)
	}
	return a, nil
}

// LatestActionByType returns the most recently created action of type t for a
// conversation.
func (db *DB) LatestActionByType(ctx context.Context, conversationID string, t model.ActionType) (model.Action, error) {
	a, err := scanAction(db.pool.QueryRow(ctx,
		`SELECT `+actionColumns+` FROM actions
		 WHERE conversation_id = $1 AND type = $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		conversationID, string(t),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Action{}, fmt.Errorf("storage: latest %s action for %s: %w", t, conversationID, ErrNotFound)
	}
	if err != nil {
		return model.Action{}, fmt.Errorf("storage: latest action: %w", err)
	}
	return a, nil
}

// SetActionDraftID binds the helpdesk draft id to an action. It succeeds
// only once per action.
func (db *DB) SetActionDraftID(ctx context.Context, id uuid.UUID, draftID string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE actions
		 SET parameters = jsonb_set(parameters, '{draft_id}', to_jsonb($2::text))
		 WHERE id = $1 AND COALESCE(parameters->>'draft_id', '') = ''`,
		id, draftID,
	)
	if err != nil {
		return fmt.Errorf("storage: set draft id: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := db.GetAction(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("storage: set draft id on %s: %w", id, ErrDraftIDBound)
}

func scanAction(row pgx.Row) (model.Action, error) {
	var (
		a      model.Action
		typ    string
		params []byte
	)
	if err := row.Scan(&a.ID, &a.ConversationID, &a.AppID, &typ, &params,
		&a.Category, &a.Confidence, &a.Reasoning, &a.RequiresApproval, &a.CreatedAt); err != nil {
		return model.Action{}, err
	}
	a.Type = model.ActionType(typ)
	if err := json.Unmarshal(params, &a.Parameters); err != nil {
		return model.Action{}, fmt.Errorf("decode parameters: %w", err)
	}
	return a, nil
}
