package model

import (
	"time"

	"github.com/google/uuid"
)

// ActionType identifies the kind of operation an Action proposes.
type ActionType string

const (
	ActionSendDraft     ActionType = "send-draft"
	ActionToolExecution ActionType = "tool-execution"
)

// Action is the audit record of one proposed operation. It is written once per
// draft cycle; DraftID in Parameters is the only field patched afterwards.
type Action struct {
	ID               uuid.UUID        `json:"id"`
	ConversationID   string           `json:"conversation_id"`
	AppID            string           `json:"app_id"`
	Type             ActionType       `json:"type"`
	Parameters       ActionParameters `json:"parameters"`
	Category         string           `json:"category"`
	Confidence       float64          `json:"confidence"`
	Reasoning        string           `json:"reasoning"`
	RequiresApproval bool             `json:"requires_approval"`
	CreatedAt        time.Time        `json:"created_at"`
}

// ActionParameters holds the type-specific payload of an Action plus the
// audit fields captured when it was proposed.
type ActionParameters struct {
	Draft            string     `json:"draft,omitempty"`
	DraftID          string     `json:"draft_id,omitempty"`
	MessageID        string     `json:"message_id,omitempty"`
	ToolsUsed        []string   `json:"tools_used,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	ValidationScore  float64    `json:"validation_score"`
	ValidationIssues []Issue    `json:"validation_issues,omitempty"`
	DecisionReason   string     `json:"decision_reason,omitempty"`
}

// ToolCall is one tool invocation proposed by a tool-execution Action.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// DraftText returns the draft body of a send-draft action, if any.
func (a Action) DraftText() (string, bool) {
	if a.Type != ActionSendDraft || a.Parameters.Draft == "" {
		return "", false
	}
	return a.Parameters.Draft, true
}

// ApprovalStatus is the state of a human review gate.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// DecisionSource records which path settled an ApprovalRequest.
type DecisionSource string

const (
	SourceExplicit      DecisionSource = "explicit"
	SourceCommentIntent DecisionSource = "comment-intent"
)

// ApprovalRequest is the review gate for an Action that was not auto-approved.
// It leaves pending exactly once.
type ApprovalRequest struct {
	ActionID  uuid.UUID       `json:"action_id"`
	Status    ApprovalStatus  `json:"status"`
	DecidedBy *string         `json:"decided_by,omitempty"`
	DecidedAt *time.Time      `json:"decided_at,omitempty"`
	Reason    *string         `json:"reason,omitempty"`
	Source    *DecisionSource `json:"source,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// PendingApproval joins an ApprovalRequest with the Action under review.
type PendingApproval struct {
	Request ApprovalRequest `json:"approval_request"`
	Action  Action          `json:"action"`
}

// Hold is a per-conversation snooze that suppresses escalation reminders.
type Hold struct {
	ConversationID string    `json:"conversation_id"`
	Until          time.Time `json:"until"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}

// Active reports whether the hold is still in force at now.
func (h Hold) Active(now time.Time) bool {
	return now.Before(h.Until)
}
