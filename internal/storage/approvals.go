package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/madoguchi/internal/model"
)

const approvalColumns = `action_id, status, decided_by, decided_at, reason, source, created_at`

// GetApprovalRequest returns the approval request for an action.
func (db *DB) GetApprovalRequest(ctx context.Context, actionID uuid.UUID) (model.ApprovalRequest, error) {
	r, err := scanApproval(db.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE action_id = $1`, actionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ApprovalRequest{}, fmt.Errorf("storage: get approval %s: %w", actionID, ErrNotFound)
	}
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("storage: get approval: %w", err)
	}
	return r, nil
}

// DecideApproval moves a pending request to status. Only the first decision
// lands; later ones get ErrAlreadyDecided.
func (db *DB) DecideApproval(ctx context.Context, actionID uuid.UUID, status model.ApprovalStatus, decidedBy string, reason *string, source model.DecisionSource) (model.ApprovalRequest, error) {
	if status != model.ApprovalApproved && status != model.ApprovalRejected {
		return model.ApprovalRequest{}, fmt.Errorf("storage: decide approval: invalid status %q", status)
	}
	r, err := scanApproval(db.pool.QueryRow(ctx,
		`UPDATE approval_requests
		 SET status = $2, decided_by = $3, decided_at = now(), reason = $4, source = $5
		 WHERE action_id = $1 AND status = 'pending'
		 RETURNING `+approvalColumns,
		actionID, string(status), decidedBy, reason, string(source),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := db.GetApprovalRequest(ctx, actionID); gerr != nil {
			return model.ApprovalRequest{}, gerr
		}
		return model.ApprovalRequest{}, fmt.Errorf("storage: decide approval %s: %w", actionID, ErrAlreadyDecided)
	}
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("storage: decide approval: %w", err)
	}
	return r, nil
}

// ListApprovals returns approval requests in status joined with their
// actions, oldest first.
func (db *DB) ListApprovals(ctx context.Context, status model.ApprovalStatus, limit int) ([]model.PendingApproval, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT r.action_id, r.status, r.decided_by, r.decided_at, r.reason, r.source, r.created_at,
		        a.id, a.conversation_id, a.app_id, a.type, a.parameters, a.category, a.confidence,
		        a.reasoning, a.requires_approval, a.created_at
		 FROM approval_requests r
		 JOIN actions a ON a.id = r.action_id
		 WHERE r.status = $1
		 ORDER BY r.created_at ASC
		 LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list approvals: %w", err)
	}
	defer rows.Close()

	var out []model.PendingApproval
	for rows.Next() {
		var (
			p      model.PendingApproval
			st     string
			src    *string
			typ    string
			params []byte
		)
		if err := rows.Scan(
			&p.Request.ActionID, &st, &p.Request.DecidedBy, &p.Request.DecidedAt, &p.Request.Reason, &src, &p.Request.CreatedAt,
			&p.Action.ID, &p.Action.ConversationID, &p.Action.AppID, &typ, &params, &p.Action.Category,
			&p.Action.Confidence, &p.Action.Reasoning, &p.Action.RequiresApproval, &p.Action.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan approval: %w", err)
		}
		p.Request.Status = model.ApprovalStatus(st)
		p.Request.Source = decisionSource(src)
		p.Action.Type = model.ActionType(typ)
		if err := jsonUnmarshal(params, &p.Action.Parameters); err != nil {
			return nil, fmt.Errorf("storage: decode parameters: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list approvals: %w", err)
	}
	return out, nil
}

func scanApproval(row pgx.Row) (model.ApprovalRequest, error) {
	var (
		r   model.ApprovalRequest
		st  string
		src *string
	)
	if err := row.Scan(&r.ActionID, &st, &r.DecidedBy, &r.DecidedAt, &r.Reason, &src, &r.CreatedAt); err != nil {
		return model.ApprovalRequest{}, err
	}
	r.Status = model.ApprovalStatus(st)
	r.Source = decisionSource(src)
	return r, nil
}

func decisionSource(s *string) *model.DecisionSource {
	if s == nil {
		return nil
	}
	src := model.DecisionSource(*s)
	return &src
}
