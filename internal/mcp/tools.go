package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/madoguchi/internal/ctxutil"
	"github.com/ashita-ai/madoguchi/internal/model"
	"github.com/ashita-ai/madoguchi/internal/storage"
)

func (s *Server) registerTools() {
	// madoguchi_pending_approvals: the review queue.
	s.mcpServer.AddTool(
		mcplib.NewTool("madoguchi_pending_approvals",
			mcplib.WithDescription(`List drafts waiting for a human decision, oldest first.

WHEN TO USE: At the start of a review session, or to find the action_id of
a draft someone asked about. Each entry carries the draft text, the
validation score and the issues that kept it from being sent automatically.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of requests to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handlePendingApprovals,
	)

	// madoguchi_get_approval: one request with its action.
	s.mcpServer.AddTool(
		mcplib.NewTool("madoguchi_get_approval",
			mcplib.WithDescription(`Read one approval request and the action under review.

WHEN TO USE: Before madoguchi_decide. Read the draft, the classification
reasoning and the validation issues, then decide.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("action_id",
				mcplib.Description("The action_id of the approval request"),
				mcplib.Required(),
			),
		),
		s.handleGetApproval,
	)

	// madoguchi_decide: approve or reject a pending draft.
	s.mcpServer.AddTool(
		mcplib.NewTool("madoguchi_decide",
			mcplib.WithDescription(`Approve or reject a pending draft as the authenticated reviewer.

Approving sends the draft to the customer. Rejecting leaves the
conversation for a human to answer. The first decision wins: deciding a
request that is already settled returns an error naming its status.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("action_id",
				mcplib.Description("The action_id of the approval request"),
				mcplib.Required(),
			),
			mcplib.WithString("decision",
				mcplib.Description("approve or reject"),
				mcplib.Required(),
				mcplib.Enum("approve", "reject"),
			),
			mcplib.WithString("reason",
				mcplib.Description("Optional note recorded with the decision"),
			),
		),
		s.handleDecide,
	)

	// madoguchi_signal_summary: how drafts fared after review.
	s.mcpServer.AddTool(
		mcplib.NewTool("madoguchi_signal_summary",
			mcplib.WithDescription(`Summarize what humans did with drafts: sent unchanged, lightly edited,
rewritten, deleted, or answered without a draft.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("since_days",
				mcplib.Description("Look back this many days"),
				mcplib.Min(1),
				mcplib.Max(365),
				mcplib.DefaultNumber(30),
			),
		),
		s.handleSignalSummary,
	)

	// madoguchi_conversation_signals: per-conversation history.
	s.mcpServer.AddTool(
		mcplib.NewTool("madoguchi_conversation_signals",
			mcplib.WithDescription("List recorded draft outcomes for one conversation, newest first."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("conversation_id",
				mcplib.Description("Helpdesk conversation id"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of signals to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleConversationSignals,
	)

	// madoguchi_gateway_stats: helpdesk API budget and cache.
	s.mcpServer.AddTool(
		mcplib.NewTool("madoguchi_gateway_stats",
			mcplib.WithDescription("Report helpdesk API budget use and response cache hit rate."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleGatewayStats,
	)

	// madoguchi_list_inboxes: inboxes visible to the helpdesk token.
	s.mcpServer.AddTool(
		mcplib.NewTool("madoguchi_list_inboxes",
			mcplib.WithDescription("List the helpdesk inboxes madoguchi can see."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
		),
		s.handleListInboxes,
	)
}

func textResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func (s *Server) handlePendingApprovals(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}
	pending, err := s.store.ListApprovals(ctx, model.ApprovalPending, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list approvals: %v", err)), nil
	}
	if pending == nil {
		pending = []model.PendingApproval{}
	}
	return textResult(map[string]any{
		"approvals": pending,
		"total":     len(pending),
	})
}

func (s *Server) handleGetApproval(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("action_id", ""))
	if err != nil {
		return errorResult("action_id must be a UUID"), nil
	}

	req, err := s.store.GetApprovalRequest(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult(fmt.Sprintf("no approval request for action %s", id)), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("failed to read approval request: %v", err)), nil
	}
	action, err := s.store.GetAction(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to read action: %v", err)), nil
	}

	if claims := ctxutil.ClaimsFromContext(ctx); claims != nil {
		s.views.Record(claims.Reviewer, id)
	}
	return textResult(model.PendingApproval{Request: req, Action: action})
}

func (s *Server) handleDecide(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil || !model.RoleAtLeast(claims.Role, model.RoleReviewer) {
		return errorResult("deciding requires the reviewer role"), nil
	}

	id, err := uuid.Parse(request.GetString("action_id", ""))
	if err != nil {
		return errorResult("action_id must be a UUID"), nil
	}
	var reason *string
	if r := request.GetString("reason", ""); r != "" {
		if len(r) > model.MaxReasonLen {
			return errorResult(fmt.Sprintf("reason exceeds maximum length of %d bytes", model.MaxReasonLen)), nil
		}
		reason = &r
	}

	var decided model.ApprovalRequest
	switch decision := request.GetString("decision", ""); decision {
	case "approve":
		decided, err = s.decider.Approve(ctx, id, claims.Reviewer, reason)
	case "reject":
		decided, err = s.decider.Reject(ctx, id, claims.Reviewer, reason)
	default:
		return errorResult("decision must be approve or reject"), nil
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errorResult(fmt.Sprintf("no approval request for action %s", id)), nil
	case errors.Is(err, storage.ErrAlreadyDecided):
		return errorResult(fmt.Sprintf("approval request for action %s was already decided", id)), nil
	case err != nil:
		return errorResult(fmt.Sprintf("failed to record decision: %v", err)), nil
	}

	s.logger.Info("mcp: approval decided",
		"actor", ctxutil.ActorFromContext(ctx),
		"action_id", id,
		"status", decided.Status,
	)

	res, err := textResult(model.DecisionResponse{ActionID: id, Request: decided})
	if err != nil {
		return nil, err
	}
	// Advisory only; the decision has already been recorded.
	if !s.views.Viewed(claims.Reviewer, id) {
		res.Content = append(res.Content, mcplib.TextContent{
			Type: "text",
			Text: "NOTE: this draft was decided without calling madoguchi_get_approval first. " +
				"Read the draft and its validation issues before deciding.",
		})
	}
	return res, nil
}

func (s *Server) handleSignalSummary(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	days := request.GetInt("since_days", 30)
	if days < 1 || days > 365 {
		days = 30
	}
	summary, err := s.store.SignalSummary(ctx, time.Now().UTC().AddDate(0, 0, -days))
	if err != nil {
		return errorResult(fmt.Sprintf("failed to summarize signals: %v", err)), nil
	}
	return textResult(summary)
}

func (s *Server) handleConversationSignals(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	conv := request.GetString("conversation_id", "")
	if conv == "" {
		return errorResult("conversation_id is required"), nil
	}
	limit := request.GetInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}
	signals, err := s.store.ListSignals(ctx, conv, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list signals: %v", err)), nil
	}
	if signals == nil {
		signals = []model.RLSignal{}
	}
	return textResult(map[string]any{
		"conversation_id": conv,
		"signals":         signals,
	})
}

func (s *Server) handleGatewayStats(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	out := map[string]any{}
	if s.limiter != nil {
		out["rate_limiter"] = s.limiter.Stats()
	}
	if s.cache != nil {
		out["cache"] = s.cache.Stats()
	}
	return textResult(out)
}

func (s *Server) handleListInboxes(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.helpdesk == nil {
		return errorResult("helpdesk is not configured"), nil
	}
	inboxes, err := s.helpdesk.ListInboxes(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list inboxes: %v", err)), nil
	}
	return textResult(map[string]any{
		"inboxes": inboxes,
		"total":   len(inboxes),
	})
}
