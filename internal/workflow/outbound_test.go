package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/madoguchi/internal/approval"
	"github.com/ashita-ai/madoguchi/internal/front"
	"github.com/ashita-ai/madoguchi/internal/model"
)

func outbound(conv, msgID string) model.OutboundMessage {
	return model.OutboundMessage{ConversationID: conv, MessageID: msgID, AppID: "support", Author: "tea_1", SentAt: time.Now()}
}

func TestTrackSkipsWhenMessageCannotBeFetched(t *testing.T) {
	h := newHarness(t, approval.Never, DefaultConfig())
	h.helpdesk.fetchErr = errors.New("connection reset")

	o, err := h.engine.HandleOutbound(context.Background(), outbound("cnv_skip", "msg_missing"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, o)
	assert.Empty(t, h.store.signalsFor("cnv_skip"))
}

func TestTrackCategorizesAgainstLatestDraft(t *testing.T) {
	h := newHarness(t, approval.Never, DefaultConfig())
	ctx := context.Background()

	_, err := h.engine.HandleValidated(ctx, validated("cnv_track", "An older draft nobody sent.", 0.6))
	require.NoError(t, err)
	res, err := h.engine.HandleValidated(ctx, validated("cnv_track", "Hello, thanks for reaching out!", 0.6))
	require.NoError(t, err)

	h.helpdesk.addMessage(front.Message{ID: "msg_out", Text: "hello,   THANKS for reaching out!", Author: &front.Author{ID: "tea_9"}})
	o, err := h.engine.HandleOutbound(ctx, outbound("cnv_track", "msg_out"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, o)

	signals := h.store.signalsFor("cnv_track")
	require.Len(t, signals, 1)
	sig := signals[0]
	assert.Equal(t, model.SignalUnchanged, sig.Category)
	require.NotNil(t, sig.ActionID)
	assert.Equal(t, res.Action.ID, *sig.ActionID)
	assert.InDelta(t, 1.0, *sig.Similarity, 1e-9)
	assert.Equal(t, "tea_9", sig.AuthorID)
	assert.Equal(t, model.WatchSent, h.store.watch(res.Action.ID).Status)
}

func TestTrackWithoutDraft(t *testing.T) {
	h := newHarness(t, approval.Never, DefaultConfig())
	h.helpdesk.addMessage(front.Message{ID: "msg_manual", Body: "<p>Manual reply</p>"})

	o, err := h.engine.HandleOutbound(context.Background(), outbound("cnv_manual", "msg_manual"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, o)

	signals := h.store.signalsFor("cnv_manual")
	require.Len(t, signals, 1)
	assert.Equal(t, model.SignalNoDraft, signals[0].Category)
	assert.Nil(t, signals[0].ActionID)
	assert.Zero(t, *signals[0].Similarity)
	assert.Equal(t, "tea_1", signals[0].AuthorID, "falls back to the event author")
}

func TestDeletionThenLateReplyRecordsBothOutcomesSeparately(t *testing.T) {
	h := newHarness(t, approval.Never, DefaultConfig())
	ctx := context.Background()
	res, err := h.engine.HandleValidated(ctx, validated("cnv_late", "Draft text here.", 0.6))
	require.NoError(t, err)
	del := h.store.wakeupsFor(res.Action.ID)[model.WakeupDeletion]

	o, err := h.engine.fireDeletion(ctx, del)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeleted, o)

	h.helpdesk.addMessage(front.Message{ID: "msg_late", Text: "Draft text here."})
	o, err = h.engine.HandleOutbound(ctx, outbound("cnv_late", "msg_late"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, o)

	signals := h.store.signalsFor("cnv_late")
	require.Len(t, signals, 2)
	assert.Equal(t, model.SignalDeleted, signals[0].Category)
	assert.Nil(t, signals[0].Similarity)
	require.NotNil(t, signals[0].DraftText)
	assert.Equal(t, model.SignalNoDraft, signals[1].Category)
	assert.Nil(t, signals[1].ActionID, "a resolved draft is not attributed twice")
}

func TestDeletionAfterSendDefersToTracker(t *testing.T) {
	h := newHarness(t, approval.Never, DefaultConfig())
	ctx := context.Background()
	res, err := h.engine.HandleValidated(ctx, validated("cnv_sent", "Sent as drafted.", 0.6))
	require.NoError(t, err)

	h.helpdesk.addMessage(front.Message{ID: "msg_sent", Text: "Sent as drafted."})
	_, err = h.engine.HandleOutbound(ctx, outbound("cnv_sent", "msg_sent"))
	require.NoError(t, err)

	o, err := h.engine.fireDeletion(ctx, h.store.wakeupsFor(res.Action.ID)[model.WakeupDeletion])
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, o)
	assert.Len(t, h.store.signalsFor("cnv_sent"), 1)
}

func TestOutboundAndDeletionRecordExactlyOneSignal(t *testing.T) {
	for i := range 20 {
		h := newHarness(t, approval.Never, DefaultConfig())
		ctx := context.Background()
		res, err := h.engine.HandleValidated(ctx, validated("cnv_race", "Race me.", 0.6))
		require.NoError(t, err)
		h.helpdesk.addMessage(front.Message{ID: "msg_race", Text: "Race me, edited."})
		del := h.store.wakeupsFor(res.Action.ID)[model.WakeupDeletion]

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); _, _ = h.engine.HandleOutbound(ctx, outbound("cnv_race", "msg_race")) }()
		go func() { defer wg.Done(); _, _ = h.engine.fireDeletion(ctx, del) }()
		wg.Wait()

		attributed := 0
		for _, sig := range h.store.signalsFor("cnv_race") {
			if sig.ActionID != nil && *sig.ActionID == res.Action.ID {
				attributed++
			}
		}
		assert.Equal(t, 1, attributed, "iteration %d", i)
	}
}
