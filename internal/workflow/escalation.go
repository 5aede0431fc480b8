package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashita-ai/madoguchi/internal/front"
	"github.com/ashita-ai/madoguchi/internal/model"
	"github.com/ashita-ai/madoguchi/internal/storage"
)

// fireEscalation runs once when an approval request has waited the full
// escalation delay. A hold is consulted only here; it never reschedules the
// reminder.
func (e *Engine) fireEscalation(ctx context.Context, w model.Wakeup) (Outcome, error) {
	hold, err := e.store.GetHold(ctx, w.ConversationID)
	switch {
	case err == nil && hold.Active(e.now()):
		e.record(ctx, "escalation", OutcomeSkippedOnHold)
		return OutcomeSkippedOnHold, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return OutcomeFailed, fmt.Errorf("workflow: escalation hold: %w", err)
	}

	req, err := e.store.GetApprovalRequest(ctx, w.ActionID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("workflow: escalation request: %w", err)
	}
	if req.Status != model.ApprovalPending {
		o := alreadyDecided(req.Status)
		e.record(ctx, "escalation", o)
		return o, nil
	}

	text := fmt.Sprintf("Reminder: a drafted reply on conversation %s has been awaiting approval since %s.",
		w.ConversationID, req.CreatedAt.UTC().Format("2006-01-02 15:04 MST"))
	log := e.logger.With("conversation_id", w.ConversationID, "action_id", w.ActionID)

	attempted, sent := false, false
	if e.notifier != nil && e.notifier.Enabled() {
		attempted = true
		sent = e.notice(ctx, text)
	}
	_, err = e.helpdesk.AddComment(ctx, w.ConversationID, text)
	switch {
	case errors.Is(err, front.ErrMissingCredential):
	case err != nil:
		attempted = true
		log.Warn("workflow: escalation comment failed", "error", err)
	default:
		attempted, sent = true, true
	}

	var o Outcome
	switch {
	case sent:
		o = OutcomeReminderSent
	case !attempted:
		log.Warn("workflow: escalation not performed, no reminder channel configured")
		o = OutcomeNotPerformed
	default:
		o = OutcomeFailed
	}
	e.record(ctx, "escalation", o)
	return o, nil
}
