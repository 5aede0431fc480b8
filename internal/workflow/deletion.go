package workflow

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/madoguchi/internal/model"
	"github.com/ashita-ai/madoguchi/internal/storage"
)

// raceOutbound waits for whichever comes first: an outbound message on the
// wakeup's conversation or the wakeup's fire time. The loser is cancelled.
// It reports true when the message won, and an error only if ctx ended
// before either.
func (s *Scheduler) raceOutbound(ctx context.Context, w model.Wakeup) (bool, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe before starting the timer so an event published right after
	// scheduling is not missed.
	sub := s.hub.Subscribe(w.ConversationID)
	defer s.hub.Unsubscribe(w.ConversationID, sub)

	won := make(chan bool, 2)
	g, gctx := errgroup.WithContext(raceCtx)
	g.Go(func() error {
		select {
		case <-sub:
			won <- true
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	g.Go(func() error {
		if s.sleepUntil(gctx, w.FireAt) {
			won <- false
			cancel()
		}
		return nil
	})
	_ = g.Wait()

	select {
	case sent := <-won:
		return sent, nil
	default:
		return false, ctx.Err()
	}
}

// fireDeletion runs when a draft's deletion timeout wins the race. It
// re-reads the wakeup's own action by w.ActionID, never the conversation's
// latest draft, so a newer draft is not blamed for this one. The signal is
// recorded only if the draft's watch is still pending, otherwise the
// outbound tracker already owns it.
func (e *Engine) fireDeletion(ctx context.Context, w model.Wakeup) (Outcome, error) {
	sig := model.RLSignal{
		ConversationID: w.ConversationID,
		Category:       model.SignalDeleted,
	}
	action, err := e.store.GetAction(ctx, w.ActionID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("workflow: deletion lookup: %w", err)
	}
	id := action.ID
	sig.ActionID = &id
	if text, ok := action.DraftText(); ok {
		sig.DraftText = &text
	}

	_, err = e.store.RecordSignal(ctx, sig, model.WatchDeleted)
	switch {
	case errors.Is(err, storage.ErrWatchResolved):
		e.record(ctx, "deletion", OutcomeSent)
		return OutcomeSent, nil
	case err != nil:
		return OutcomeFailed, fmt.Errorf("workflow: record deletion: %w", err)
	}
	e.signals.Add(ctx, 1, categoryAttr(model.SignalDeleted))
	e.record(ctx, "deletion", OutcomeDeleted)
	return OutcomeDeleted, nil
}
