package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/madoguchi/internal/ctxutil"
	"github.com/ashita-ai/madoguchi/internal/model"
	"github.com/ashita-ai/madoguchi/internal/workflow"
)

// ApprovalDetail is the body of GET /v1/approvals/{action_id}.
type ApprovalDetail struct {
	Request model.ApprovalRequest `json:"approval_request"`
	Action  model.Action          `json:"action"`
}

// HandleListApprovals handles GET /v1/approvals?status=pending&limit=50.
func (h *Handlers) HandleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := model.ApprovalStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.ApprovalPending
	}
	switch status {
	case model.ApprovalPending, model.ApprovalApproved, model.ApprovalRejected:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("invalid status %q", status))
		return
	}
	limit := queryLimit(r, 50)

	items, err := h.store.ListApprovals(r.Context(), status, limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list approvals", err)
		return
	}
	if items == nil {
		items = []model.PendingApproval{}
	}
	writeList(w, r, items, len(items), limit)
}

// HandleGetApproval handles GET /v1/approvals/{action_id}.
func (h *Handlers) HandleGetApproval(w http.ResponseWriter, r *http.Request) {
	id, err := parseActionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	req, err := h.store.GetApprovalRequest(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, "approval request", err)
		return
	}
	action, err := h.store.GetAction(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, "action", err)
		return
	}
	writeJSON(w, r, http.StatusOK, ApprovalDetail{Request: req, Action: action})
}

// HandleApprove handles POST /v1/approvals/{action_id}/approve.
func (h *Handlers) HandleApprove(w http.ResponseWriter, r *http.Request) {
	h.handleDecision(w, r, h.workflow.Approve)
}

// HandleReject handles POST /v1/approvals/{action_id}/reject.
func (h *Handlers) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.handleDecision(w, r, h.workflow.Reject)
}

type decideFunc func(ctx context.Context, actionID uuid.UUID, reviewer string, reason *string) (model.ApprovalRequest, error)

func (h *Handlers) handleDecision(w http.ResponseWriter, r *http.Request, decide decideFunc) {
	id, err := parseActionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.DecisionRequest
	// The body is optional.
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, io.EOF) {
		handleDecodeError(w, r, err)
		return
	}
	if req.Reason != nil && len(*req.Reason) > model.MaxReasonLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("reason exceeds maximum length of %d bytes", model.MaxReasonLen))
		return
	}

	actor := ctxutil.ActorFromContext(r.Context())
	decided, err := decide(r.Context(), id, actor.Reviewer, req.Reason)
	if err != nil {
		h.writeStoreError(w, r, "decide approval", err)
		return
	}
	h.logger.Info("approval decided", "action_id", id, "status", decided.Status, "actor", actor)
	writeJSON(w, r, http.StatusOK, model.DecisionResponse{ActionID: id, Request: decided})
}

// HandleCommentIntent handles POST /v1/approvals/{action_id}/comment-intent.
func (h *Handlers) HandleCommentIntent(w http.ResponseWriter, r *http.Request) {
	id, err := parseActionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.CommentIntentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.AuthorID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "author_id is required")
		return
	}
	if req.Comment != nil && len(*req.Comment) > model.MaxReasonLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("comment exceeds maximum length of %d bytes", model.MaxReasonLen))
		return
	}

	decided, err := h.workflow.ApplyCommentIntent(r.Context(), id, req.Intent, req.AuthorID, req.Comment)
	if errors.Is(err, workflow.ErrInvalidIntent) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "intent must be approve or reject")
		return
	}
	if err != nil {
		h.writeStoreError(w, r, "apply comment intent", err)
		return
	}
	h.logger.Info("approval decided from comment",
		"action_id", id, "status", decided.Status, "author_id", req.AuthorID,
		"actor", ctxutil.ActorFromContext(r.Context()))
	writeJSON(w, r, http.StatusOK, model.DecisionResponse{ActionID: id, Request: decided})
}
