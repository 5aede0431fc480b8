package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/madoguchi/internal/approval"
	"github.com/ashita-ai/madoguchi/internal/front"
	"github.com/ashita-ai/madoguchi/internal/model"
	"github.com/ashita-ai/madoguchi/internal/telemetry"
)

// autoApprover is recorded as the approver of auto-approved actions.
const autoApprover = "auto"

// Engine applies the approval decision to validated drafts and runs the
// steps that follow it.
type Engine struct {
	store    Store
	helpdesk Helpdesk
	notifier Notifier
	decider  *approval.Engine
	sched    *Scheduler
	hub      *Hub
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	outcomes metric.Int64Counter
	signals  metric.Int64Counter
}

// NewEngine creates an Engine and registers its wakeup handlers on sched.
func NewEngine(store Store, helpdesk Helpdesk, notifier Notifier, decider *approval.Engine, sched *Scheduler, hub *Hub, cfg Config, logger *slog.Logger) *Engine {
	e := &Engine{
		store:    store,
		helpdesk: helpdesk,
		notifier: notifier,
		decider:  decider,
		sched:    sched,
		hub:      hub,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	meter := telemetry.Meter("madoguchi/workflow")
	e.outcomes, _ = meter.Int64Counter("madoguchi.workflow.outcomes",
		metric.WithDescription("Workflow step outcomes by step and outcome"))
	e.signals, _ = meter.Int64Counter("madoguchi.workflow.signals",
		metric.WithDescription("Recorded feedback signals by category"))

	sched.Handle(model.WakeupEscalation, e.fireEscalation)
	sched.Handle(model.WakeupDeletion, e.fireDeletion)
	return e
}

// Result describes what HandleValidated did with a draft.
type Result struct {
	Action    model.Action             `json:"action"`
	Decision  approval.Decision        `json:"decision"`
	Approval  *model.ApprovalRequest   `json:"approval_request,omitempty"`
	Requested *model.ApprovalRequested `json:"approval_requested,omitempty"`
	Approved  *model.ActionApproved    `json:"approved,omitempty"`
	Outcome   Outcome                  `json:"outcome"`
}

// HandleValidated decides a validated draft. An auto-approved draft is
// recorded and sent as a reply. Any other draft gets a pending approval
// request, a helpdesk draft for the reviewer, an escalation reminder and a
// deletion watch.
func (e *Engine) HandleValidated(ctx context.Context, ev model.DraftValidated) (Result, error) {
	dec := e.decider.Decide(ev.Validation)
	action := model.Action{
		ConversationID: ev.ConversationID,
		AppID:          ev.AppID,
		Type:           model.ActionSendDraft,
		Parameters: model.ActionParameters{
			Draft:            ev.Draft.Content,
			MessageID:        ev.MessageID,
			ToolsUsed:        ev.Draft.ToolsUsed,
			ValidationScore:  ev.Validation.Score,
			ValidationIssues: ev.Validation.Issues,
			DecisionReason:   dec.Reason,
		},
		Category:         ev.Classification.Category,
		Confidence:       ev.Classification.Confidence,
		Reasoning:        ev.Classification.Reasoning,
		RequiresApproval: !dec.AutoApprove,
	}
	if dec.AutoApprove {
		return e.autoSend(ctx, action, dec)
	}
	return e.requestApproval(ctx, action, dec)
}

func (e *Engine) autoSend(ctx context.Context, action model.Action, dec approval.Decision) (Result, error) {
	created, err := e.store.CreateAction(ctx, action)
	if err != nil {
		return Result{}, fmt.Errorf("workflow: auto-approve: %w", err)
	}
	if err := e.store.CreateWatch(ctx, created.ID, created.ConversationID); err != nil {
		return Result{}, fmt.Errorf("workflow: auto-approve: %w", err)
	}
	res := Result{
		Action:   created,
		Decision: dec,
		Approved: &model.ActionApproved{ActionID: created.ID, ApprovedBy: autoApprover, ApprovedAt: e.now().UTC()},
		Outcome:  OutcomeAutoSent,
	}
	log := e.logger.With("conversation_id", created.ConversationID, "action_id", created.ID)

	_, err = e.helpdesk.SendReply(ctx, created.ConversationID, front.ReplyInput{Body: created.Parameters.Draft})
	switch {
	case errors.Is(err, front.ErrMissingCredential):
		log.Warn("workflow: auto-send not performed, helpdesk not configured")
		res.Outcome = OutcomeNotPerformed
	case err != nil:
		log.Error("workflow: auto-send failed", "error", err)
		res.Outcome = OutcomeFailed
	default:
		log.Info("workflow: draft auto-sent", "event", model.EventActionApproved, "reason", dec.Reason)
		e.notice(ctx, fmt.Sprintf("Auto-sent a reply on conversation %s (%s).", created.ConversationID, dec.Reason))
	}
	e.record(ctx, "decision", res.Outcome)
	return res, nil
}

func (e *Engine) requestApproval(ctx context.Context, action model.Action, dec approval.Decision) (Result, error) {
	created, req, err := e.store.CreateActionWithApproval(ctx, action)
	if err != nil {
		return Result{}, fmt.Errorf("workflow: request approval: %w", err)
	}
	log := e.logger.With("conversation_id", created.ConversationID, "action_id", created.ID)
	res := Result{Action: created, Decision: dec, Approval: &req, Outcome: OutcomeApprovalRequested}

	draft, err := e.helpdesk.CreateDraft(ctx, created.ConversationID, front.DraftInput{Body: created.Parameters.Draft})
	switch {
	case errors.Is(err, front.ErrMissingCredential):
		log.Warn("workflow: helpdesk draft not performed, helpdesk not configured")
	case err != nil:
		log.Error("workflow: create helpdesk draft", "error", err)
	default:
		if err := e.store.SetActionDraftID(ctx, created.ID, draft.ID); err != nil {
			log.Error("workflow: bind draft id", "draft_id", draft.ID, "error", err)
		} else {
			res.Action.Parameters.DraftID = draft.ID
		}
	}

	if err := e.store.CreateWatch(ctx, created.ID, created.ConversationID); err != nil {
		return res, fmt.Errorf("workflow: request approval: %w", err)
	}
	now := e.now()
	for _, w := range []model.Wakeup{
		{Kind: model.WakeupEscalation, ActionID: created.ID, ConversationID: created.ConversationID, FireAt: now.Add(e.cfg.EscalationDelay)},
		{Kind: model.WakeupDeletion, ActionID: created.ID, ConversationID: created.ConversationID, FireAt: now.Add(e.cfg.DeletionTimeout)},
	} {
		if _, err := e.sched.Schedule(ctx, w); err != nil {
			return res, err
		}
	}

	res.Requested = &model.ApprovalRequested{
		ActionID:       created.ID,
		ConversationID: created.ConversationID,
		AppID:          created.AppID,
		Action:         res.Action,
		AgentReasoning: created.Reasoning,
	}
	log.Info("workflow: approval requested", "event", model.EventApprovalRequested, "reason", dec.Reason)
	e.record(ctx, "decision", res.Outcome)
	return res, nil
}

// Approve settles a pending approval request as approved. The first
// decision wins; later ones get storage.ErrAlreadyDecided.
func (e *Engine) Approve(ctx context.Context, actionID uuid.UUID, reviewer string, reason *string) (model.ApprovalRequest, error) {
	return e.decide(ctx, actionID, model.ApprovalApproved, reviewer, reason, model.SourceExplicit)
}

// Reject settles a pending approval request as rejected.
func (e *Engine) Reject(ctx context.Context, actionID uuid.UUID, reviewer string, reason *string) (model.ApprovalRequest, error) {
	return e.decide(ctx, actionID, model.ApprovalRejected, reviewer, reason, model.SourceExplicit)
}

// ApplyCommentIntent settles a request from a reviewer comment that was
// parsed into "approve" or "reject".
func (e *Engine) ApplyCommentIntent(ctx context.Context, actionID uuid.UUID, intent, authorID string, comment *string) (model.ApprovalRequest, error) {
	var status model.ApprovalStatus
	switch intent {
	case "approve":
		status = model.ApprovalApproved
	case "reject":
		status = model.ApprovalRejected
	default:
		return model.ApprovalRequest{}, fmt.Errorf("%w: %q", ErrInvalidIntent, intent)
	}
	return e.decide(ctx, actionID, status, authorID, comment, model.SourceCommentIntent)
}

func (e *Engine) decide(ctx context.Context, actionID uuid.UUID, status model.ApprovalStatus, by string, reason *string, source model.DecisionSource) (model.ApprovalRequest, error) {
	req, err := e.store.DecideApproval(ctx, actionID, status, by, reason, source)
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("workflow: decide: %w", err)
	}
	e.logger.Info("workflow: approval decided",
		"action_id", actionID, "status", status, "decided_by", by, "source", source)
	e.record(ctx, "approval", OutcomeDecided)
	return req, nil
}

// HandleOutbound wakes any deletion race waiting on the conversation and
// records the feedback signal for the sent message.
func (e *Engine) HandleOutbound(ctx context.Context, ev model.OutboundMessage) (Outcome, error) {
	e.hub.Publish(ctx, ev)
	outcome, err := e.track(ctx, ev)
	e.record(ctx, "outbound", outcome)
	return outcome, err
}

// notice posts to the notification channel if one is configured.
func (e *Engine) notice(ctx context.Context, text string) bool {
	if e.notifier == nil || !e.notifier.Enabled() {
		return false
	}
	if err := e.notifier.Post(ctx, text); err != nil {
		e.logger.Warn("workflow: notification failed", "error", err)
		return false
	}
	return true
}

func (e *Engine) record(ctx context.Context, step string, o Outcome) {
	e.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("outcome", string(o)),
	))
}

func categoryAttr(c model.SignalCategory) metric.AddOption {
	return metric.WithAttributes(attribute.String("category", string(c)))
}
