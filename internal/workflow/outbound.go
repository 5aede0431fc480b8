package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashita-ai/madoguchi/internal/diff"
	"github.com/ashita-ai/madoguchi/internal/model"
	"github.com/ashita-ai/madoguchi/internal/storage"
)

// track records one feedback signal for a sent message. The draft it is
// compared with is the newest send-draft action on the conversation, which
// is best effort when several drafts are outstanding.
func (e *Engine) track(ctx context.Context, ev model.OutboundMessage) (Outcome, error) {
	log := e.logger.With("conversation_id", ev.ConversationID, "message_id", ev.MessageID)

	msg, err := e.helpdesk.GetMessage(ctx, ev.MessageID)
	if err != nil {
		log.Warn("workflow: outbound message not fetched, skipping", "error", err)
		return OutcomeSkipped, nil
	}

	sig := model.RLSignal{
		ConversationID: ev.ConversationID,
		MessageID:      ev.MessageID,
		SentText:       msg.Content(),
		AuthorID:       msg.AuthorID(),
	}
	if sig.AuthorID == "" {
		sig.AuthorID = ev.Author
	}

	var draft string
	action, err := e.store.LatestActionByType(ctx, ev.ConversationID, model.ActionSendDraft)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return OutcomeFailed, fmt.Errorf("workflow: outbound lookup: %w", err)
	default:
		id := action.ID
		sig.ActionID = &id
		if text, ok := action.DraftText(); ok {
			draft = text
			sig.DraftText = &text
		}
	}

	res := diff.Categorize(draft, sig.SentText)
	sig.Category = res.Category
	sig.Similarity = &res.Similarity

	_, err = e.store.RecordSignal(ctx, sig, model.WatchSent)
	if errors.Is(err, storage.ErrWatchResolved) {
		// The draft was already discarded or answered; this message is a
		// fresh human reply.
		zero := 0.0
		sig.ActionID, sig.DraftText = nil, nil
		sig.Category, sig.Similarity = model.SignalNoDraft, &zero
		_, err = e.store.RecordSignal(ctx, sig, model.WatchSent)
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("workflow: record outbound: %w", err)
	}
	e.signals.Add(ctx, 1, categoryAttr(sig.Category))
	log.Info("workflow: signal recorded", "category", sig.Category, "similarity", *sig.Similarity)
	return OutcomeRecorded, nil
}
