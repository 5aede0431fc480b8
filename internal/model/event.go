package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event type names carried on the webhook and NOTIFY transports.
const (
	EventInboundReceived   = "inbound.received"
	EventDraftCreated      = "draft.created"
	EventDraftValidated    = "draft.validated"
	EventApprovalRequested = "approval.requested"
	EventActionApproved    = "action.approved"
	EventOutboundMessage   = "outbound.message"
)

// Classification is the structured intent returned by the language model.
type Classification struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Draft is a proposed reply.
type Draft struct {
	Content   string   `json:"content"`
	ToolsUsed []string `json:"tools_used,omitempty"`
}

// IssueSeverity distinguishes issues that block auto-approval from warnings.
type IssueSeverity string

const (
	SeverityBlocking IssueSeverity = "blocking"
	SeverityWarning  IssueSeverity = "warning"
)

// Issue is one finding from draft validation.
type Issue struct {
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Severity IssueSeverity `json:"severity"`
}

// Validation is the result of checking a draft.
type Validation struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues"`
	Score  float64 `json:"score"`
}

// HasBlocking reports whether any issue blocks auto-approval.
func (v Validation) HasBlocking() bool {
	for _, is := range v.Issues {
		if is.Severity == SeverityBlocking {
			return true
		}
	}
	return false
}

// InboundReceived starts the pipeline for one customer message.
type InboundReceived struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	AppID          string `json:"app_id"`
}

// ConversationContext is what the pipeline gathered before drafting.
type ConversationContext struct {
	Subject  string   `json:"subject"`
	Messages []string `json:"messages"`
}

// DraftCreated carries a fresh draft to validation.
type DraftCreated struct {
	ConversationID string              `json:"conversation_id"`
	MessageID      string              `json:"message_id"`
	AppID          string              `json:"app_id"`
	Draft          Draft               `json:"draft"`
	Classification Classification      `json:"classification"`
	Context        ConversationContext `json:"context"`
}

// DraftValidated triggers the approval decision.
type DraftValidated struct {
	ConversationID string         `json:"conversation_id"`
	MessageID      string         `json:"message_id"`
	AppID          string         `json:"app_id"`
	Draft          Draft          `json:"draft"`
	Validation     Validation     `json:"validation"`
	Classification Classification `json:"classification"`
}

// ApprovalRequested is emitted when a draft is routed to a human.
type ApprovalRequested struct {
	ActionID       uuid.UUID `json:"action_id"`
	ConversationID string    `json:"conversation_id"`
	AppID          string    `json:"app_id"`
	Action         Action    `json:"action"`
	AgentReasoning string    `json:"agent_reasoning"`
}

// ActionApproved is emitted once an Action may be executed.
type ActionApproved struct {
	ActionID   uuid.UUID `json:"action_id"`
	ApprovedBy string    `json:"approved_by"`
	ApprovedAt time.Time `json:"approved_at"`
}

// OutboundMessage reports a message sent from the helpdesk by a human or by
// auto-send.
type OutboundMessage struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	AppID          string    `json:"app_id"`
	Author         string    `json:"author"`
	SentAt         time.Time `json:"sent_at"`
}

// WebhookEvent is the envelope accepted on POST /webhooks/front. Only the
// fields of the named event type are read.
type WebhookEvent struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	AppID          string    `json:"app_id"`
	Author         string    `json:"author,omitempty"`
	SentAt         time.Time `json:"sent_at,omitempty"`
}

// Validate checks the fields every downstream stage relies on.
func (e DraftValidated) Validate() error {
	if e.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if e.MessageID == "" {
		return errors.New("message_id is required")
	}
	if len(e.Draft.Content) > MaxDraftLen {
		return fmt.Errorf("draft exceeds maximum length of %d bytes", MaxDraftLen)
	}
	if e.Validation.Score < 0 || e.Validation.Score > 1 {
		return errors.New("validation score must be between 0 and 1")
	}
	return nil
}

// Validate checks a webhook envelope for a supported event type.
func (e WebhookEvent) Validate() error {
	switch e.Type {
	case EventInboundReceived, EventOutboundMessage:
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unsupported event type %q", e.Type)
	}
	if e.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if e.MessageID == "" {
		return errors.New("message_id is required")
	}
	return nil
}

// Inbound converts the envelope of an inbound.received event.
func (e WebhookEvent) Inbound() InboundReceived {
	return InboundReceived{ConversationID: e.ConversationID, MessageID: e.MessageID, AppID: e.AppID}
}

// Outbound converts the envelope of an outbound.message event.
func (e WebhookEvent) Outbound() OutboundMessage {
	return OutboundMessage{
		ConversationID: e.ConversationID,
		MessageID:      e.MessageID,
		AppID:          e.AppID,
		Author:         e.Author,
		SentAt:         e.SentAt,
	}
}
