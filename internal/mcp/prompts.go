package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/madoguchi/internal/model"
	"github.com/ashita-ai/madoguchi/internal/storage"
)

func (s *Server) registerPrompts() {
	// review-draft: walks the reviewer through one pending draft.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("review-draft",
			mcplib.WithPromptDescription("Review one pending draft and decide it"),
			mcplib.WithArgument("action_id",
				mcplib.ArgumentDescription("The action_id of the approval request to review"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleReviewDraftPrompt,
	)

	// reviewer-setup: system prompt snippet for a review assistant.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("reviewer-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the madoguchi review workflow"),
		),
		s.handleReviewerSetupPrompt,
	)
}

func (s *Server) handleReviewDraftPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	id, err := uuid.Parse(request.Params.Arguments["action_id"])
	if err != nil {
		return nil, fmt.Errorf("action_id argument must be a UUID")
	}
	req, err := s.store.GetApprovalRequest(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("no approval request for action %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("mcp: review prompt: %w", err)
	}
	action, err := s.store.GetAction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: review prompt: %w", err)
	}

	var issues strings.Builder
	for _, is := range action.Parameters.ValidationIssues {
		fmt.Fprintf(&issues, "- [%s] %s: %s\n", is.Severity, is.Code, is.Message)
	}
	if issues.Len() == 0 {
		issues.WriteString("- none\n")
	}

	text := fmt.Sprintf(`Review this draft reply for conversation %s.

Status: %s
Category: %s (confidence %.2f)
Validation score: %.2f
Classifier reasoning: %s

Validation issues:
%s
Draft:
---
%s
---

Check the draft for accuracy, tone and anything the customer asked that it
does not answer. Then call madoguchi_decide with action_id="%s" and
decision="approve" or decision="reject", giving a short reason.`,
		action.ConversationID, req.Status, action.Category, action.Confidence,
		action.Parameters.ValidationScore, action.Reasoning, issues.String(),
		action.Parameters.Draft, id)

	if req.Status != model.ApprovalPending {
		text = fmt.Sprintf("This request was already %s; no decision is needed.\n\n", req.Status) + text
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Review the draft for action %s", id),
		Messages: []mcplib.PromptMessage{
			{
				Role:    mcplib.RoleUser,
				Content: mcplib.TextContent{Type: "text", Text: text},
			},
		},
	}, nil
}

func (s *Server) handleReviewerSetupPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "madoguchi review workflow for assistants",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You help a support reviewer work through AI-drafted replies held for approval.

1. Call madoguchi_pending_approvals to see the queue.
2. For each draft, call madoguchi_get_approval and read the draft, the
   classification reasoning and the validation issues.
3. Recommend approve or reject with a one-line reason. Only call
   madoguchi_decide once the reviewer agrees.

Approved drafts go straight to the customer. Rejected drafts stay in the
helpdesk for a human to answer. madoguchi_signal_summary shows how past
drafts were edited once sent.`,
				},
			},
		},
	}, nil
}
