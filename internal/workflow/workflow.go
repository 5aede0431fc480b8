// Package workflow drives the draft lifecycle after validation: the approval
// decision, escalation reminders, outbound tracking and draft-deletion
// detection.
//
// Long suspensions are persisted as wakeups so a restarted process resumes
// them. Which of the outbound tracker and the deletion detector records a
// draft's signal is settled by the draft watch in storage, so the two never
// both record, even across processes.
package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/madoguchi/internal/front"
	"github.com/ashita-ai/madoguchi/internal/model"
)

// Outcome is the terminal result of one workflow step. Expected paths are
// outcomes, not errors.
type Outcome string

const (
	OutcomeApprovalRequested Outcome = "approval-requested"
	OutcomeAutoSent          Outcome = "auto-sent"
	OutcomeDecided           Outcome = "decided"
	OutcomeRecorded          Outcome = "recorded"
	OutcomeSkipped           Outcome = "skipped"
	OutcomeSkippedOnHold     Outcome = "skipped-on-hold"
	OutcomeReminderSent      Outcome = "reminder-sent"
	OutcomeSent              Outcome = "sent"
	OutcomeDeleted           Outcome = "deleted"
	OutcomeNotPerformed      Outcome = "not-performed"
	OutcomeFailed            Outcome = "failed"
)

// alreadyDecided is the escalation outcome for a request that left pending.
func alreadyDecided(s model.ApprovalStatus) Outcome {
	return Outcome("already-" + string(s))
}

// ErrInvalidIntent is returned for a comment intent other than approve or
// reject.
var ErrInvalidIntent = errors.New("workflow: invalid intent")

// Store is the persistence the workflow needs. *storage.DB satisfies it.
type Store interface {
	CreateAction(ctx context.Context, a model.Action) (model.Action, error)
	CreateActionWithApproval(ctx context.Context, a model.Action) (model.Action, model.ApprovalRequest, error)
	GetAction(ctx context.Context, id uuid.UUID) (model.Action, error)
	LatestActionByType(ctx context.Context, conversationID string, t model.ActionType) (model.Action, error)
	SetActionDraftID(ctx context.Context, id uuid.UUID, draftID string) error

	GetApprovalRequest(ctx context.Context, actionID uuid.UUID) (model.ApprovalRequest, error)
	DecideApproval(ctx context.Context, actionID uuid.UUID, status model.ApprovalStatus, decidedBy string, reason *string, source model.DecisionSource) (model.ApprovalRequest, error)
	GetHold(ctx context.Context, conversationID string) (model.Hold, error)

	CreateWatch(ctx context.Context, actionID uuid.UUID, conversationID string) error
	RecordSignal(ctx context.Context, sig model.RLSignal, resolution model.WatchStatus) (model.RLSignal, error)

	CreateWakeup(ctx context.Context, w model.Wakeup) (model.Wakeup, error)
	ClaimWakeup(ctx context.Context, id uuid.UUID) (bool, error)
	CompleteWakeup(ctx context.Context, id uuid.UUID, outcome string) error
	PendingWakeups(ctx context.Context, before time.Time, limit int) ([]model.Wakeup, error)
}

// Helpdesk is the subset of the helpdesk API the workflow calls.
// *front.Gateway satisfies it.
type Helpdesk interface {
	Configured() bool
	GetMessage(ctx context.Context, messageID string) (front.Message, error)
	CreateDraft(ctx context.Context, conversationID string, in front.DraftInput) (front.Message, error)
	SendReply(ctx context.Context, conversationID string, in front.ReplyInput) (front.ReplyReceipt, error)
	AddComment(ctx context.Context, conversationID, body string) (front.Comment, error)
}

// Notifier posts operator-facing text to a channel.
type Notifier interface {
	Enabled() bool
	Post(ctx context.Context, text string) error
}

// Config holds the workflow timings.
type Config struct {
	EscalationDelay time.Duration
	DeletionTimeout time.Duration
}

// DefaultConfig returns a 4 hour escalation delay and 2 hour deletion timeout.
func DefaultConfig() Config {
	return Config{
		EscalationDelay: 4 * time.Hour,
		DeletionTimeout: 2 * time.Hour,
	}
}
