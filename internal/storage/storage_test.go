package storage_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/madoguchi/internal/model"
	"github.com/ashita-ai/madoguchi/internal/storage"
	"github.com/ashita-ai/madoguchi/internal/testutil"
	"github.com/ashita-ai/madoguchi/migrations"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := func() int {
		defer tc.Terminate()
		db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
		if err != nil {
			panic(err)
		}
		defer db.Close(context.Background())
		testDB = db
		return m.Run()
	}()
	os.Exit(code)
}

func ptr[T any](v T) *T { return &v }

func convID() string { return "cnv_" + uuid.NewString()[:8] }

func sendDraft(conv, text string) model.Action {
	return model.Action{
		ConversationID:   conv,
		AppID:            "support",
		Type:             model.ActionSendDraft,
		Parameters:       model.ActionParameters{Draft: text, MessageID: "msg_in"},
		Category:         "refund",
		Confidence:       0.8,
		Reasoning:        "customer asked for a refund",
		RequiresApproval: true,
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
}

func TestCreateActionWithApprovalAndDecide(t *testing.T) {
	ctx := context.Background()
	a, req, err := testDB.CreateActionWithApproval(ctx, sendDraft(convID(), "Refund issued."))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, a.ID)
	assert.Equal(t, model.ApprovalPending, req.Status)

	got, err := testDB.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Refund issued.", got.Parameters.Draft)
	assert.Equal(t, model.ActionSendDraft, got.Type)

	decided, err := testDB.DecideApproval(ctx, a.ID, model.ApprovalApproved, "reviewer-1", ptr("looks good"), model.SourceExplicit)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, decided.Status)
	require.NotNil(t, decided.DecidedAt)
	assert.Equal(t, "reviewer-1", *decided.DecidedBy)
	assert.Equal(t, model.SourceExplicit, *decided.Source)

	_, err = testDB.DecideApproval(ctx, a.ID, model.ApprovalRejected, "reviewer-2", nil, model.SourceCommentIntent)
	assert.ErrorIs(t, err, storage.ErrAlreadyDecided)

	_, err = testDB.DecideApproval(ctx, uuid.New(), model.ApprovalRejected, "reviewer-2", nil, model.SourceExplicit)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDecideApprovalExactlyOnceUnderContention(t *testing.T) {
	ctx := context.Background()
	a, _, err := testDB.CreateActionWithApproval(ctx, sendDraft(convID(), "Hi"))
	require.NoError(t, err)

	const deciders = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range deciders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := model.ApprovalApproved
			if i%2 == 1 {
				status = model.ApprovalRejected
			}
			_, err := testDB.DecideApproval(ctx, a.ID, status, "r", nil, model.SourceExplicit)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, storage.ErrAlreadyDecided)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestLatestActionByType(t *testing.T) {
	ctx := context.Background()
	conv := convID()

	_, err := testDB.LatestActionByType(ctx, conv, model.ActionSendDraft)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	first, err := testDB.CreateAction(ctx, sendDraft(conv, "first"))
	require.NoError(t, err)
	second, err := testDB.CreateAction(ctx, sendDraft(conv, "second"))
	require.NoError(t, err)
	_, err = testDB.CreateAction(ctx, model.Action{ConversationID: conv, Type: model.ActionToolExecution})
	require.NoError(t, err)

	latest, err := testDB.LatestActionByType(ctx, conv, model.ActionSendDraft)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, latest.ID)
	assert.Equal(t, second.ID, latest.ID)
}

func TestSetActionDraftIDOnce(t *testing.T) {
	ctx := context.Background()
	a, err := testDB.CreateAction(ctx, sendDraft(convID(), "x"))
	require.NoError(t, err)

	require.NoError(t, testDB.SetActionDraftID(ctx, a.ID, "msg_draft_1"))
	got, err := testDB.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "msg_draft_1", got.Parameters.DraftID)
	assert.Equal(t, "x", got.Parameters.Draft, "other parameters are untouched")

	assert.ErrorIs(t, testDB.SetActionDraftID(ctx, a.ID, "msg_draft_2"), storage.ErrDraftIDBound)
	assert.ErrorIs(t, testDB.SetActionDraftID(ctx, uuid.New(), "msg"), storage.ErrNotFound)
}

func TestListApprovals(t *testing.T) {
	ctx := context.Background()
	a, _, err := testDB.CreateActionWithApproval(ctx, sendDraft(convID(), "pending draft"))
	require.NoError(t, err)

	list, err := testDB.ListApprovals(ctx, model.ApprovalPending, 500)
	require.NoError(t, err)
	var found bool
	for _, p := range list {
		if p.Action.ID == a.ID {
			found = true
			assert.Equal(t, "pending draft", p.Action.Parameters.Draft)
			assert.Equal(t, model.ApprovalPending, p.Request.Status)
		}
	}
	assert.True(t, found)
}

func TestHolds(t *testing.T) {
	ctx := context.Background()
	conv := convID()

	_, err := testDB.GetHold(ctx, conv)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	until := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
	_, err = testDB.SetHold(ctx, model.Hold{ConversationID: conv, Until: until, Reason: "waiting on customer"})
	require.NoError(t, err)

	h, err := testDB.GetHold(ctx, conv)
	require.NoError(t, err)
	assert.True(t, h.Until.Equal(until))
	assert.True(t, h.Active(time.Now()))

	later := until.Add(time.Hour)
	_, err = testDB.SetHold(ctx, model.Hold{ConversationID: conv, Until: later})
	require.NoError(t, err)
	h, err = testDB.GetHold(ctx, conv)
	require.NoError(t, err)
	assert.True(t, h.Until.Equal(later), "set replaces the hold")

	require.NoError(t, testDB.ClearHold(ctx, conv))
	assert.ErrorIs(t, testDB.ClearHold(ctx, conv), storage.ErrNotFound)
}

func TestRecordSignalResolvesWatchOnce(t *testing.T) {
	ctx := context.Background()
	conv := convID()
	a, _, err := testDB.CreateActionWithApproval(ctx, sendDraft(conv, "Refund issued."))
	require.NoError(t, err)
	require.NoError(t, testDB.CreateWatch(ctx, a.ID, conv))

	sent := model.RLSignal{
		ConversationID: conv, MessageID: "msg_out", ActionID: &a.ID,
		Category: model.SignalUnchanged, Similarity: ptr(1.0), DraftText: ptr("Refund issued."), SentText: "Refund issued.",
	}
	deleted := model.RLSignal{ConversationID: conv, ActionID: &a.ID, Category: model.SignalDeleted, DraftText: ptr("Refund issued.")}

	var (
		wg   sync.WaitGroup
		errs [2]error
	)
	wg.Add(2)
	go func() { defer wg.Done(); _, errs[0] = testDB.RecordSignal(ctx, sent, model.WatchSent) }()
	go func() { defer wg.Done(); _, errs[1] = testDB.RecordSignal(ctx, deleted, model.WatchDeleted) }()
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, storage.ErrWatchResolved), "unexpected error %v", err)
	}
	assert.Equal(t, 1, wins, "exactly one side records the draft's signal")

	signals, err := testDB.ListSignals(ctx, conv, 10)
	require.NoError(t, err)
	require.Len(t, signals, 1)

	w, err := testDB.GetWatch(ctx, a.ID)
	require.NoError(t, err)
	assert.NotEqual(t, model.WatchPending, w.Status)
	assert.NotNil(t, w.ResolvedAt)
}

func TestRecordSignalWithoutWatchOrAction(t *testing.T) {
	ctx := context.Background()
	conv := convID()
	a, err := testDB.CreateAction(ctx, sendDraft(conv, "auto"))
	require.NoError(t, err)

	_, err = testDB.RecordSignal(ctx, model.RLSignal{
		ConversationID: conv, ActionID: &a.ID, Category: model.SignalMinorEdit, Similarity: ptr(0.8), SentText: "auto!",
	}, model.WatchSent)
	require.NoError(t, err, "actions without a watch record unconditionally")

	_, err = testDB.RecordSignal(ctx, model.RLSignal{
		ConversationID: conv, Category: model.SignalNoDraft, Similarity: ptr(0.0), SentText: "manual",
	}, model.WatchSent)
	require.NoError(t, err)

	signals, err := testDB.ListSignals(ctx, conv, 10)
	require.NoError(t, err)
	assert.Len(t, signals, 2)
}

func TestSignalSummary(t *testing.T) {
	ctx := context.Background()
	since := time.Now().Add(-time.Second)
	conv := convID()
	for _, s := range []model.RLSignal{
		{ConversationID: conv, Category: model.SignalMinorEdit, Similarity: ptr(0.8)},
		{ConversationID: conv, Category: model.SignalMinorEdit, Similarity: ptr(0.9)},
		{ConversationID: conv, Category: model.SignalNoDraft, Similarity: ptr(0.0)},
	} {
		_, err := testDB.RecordSignal(ctx, s, model.WatchSent)
		require.NoError(t, err)
	}

	sum, err := testDB.SignalSummary(ctx, since)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sum.Total, 3)
	for _, c := range sum.Categories {
		if c.Category == model.SignalMinorEdit {
			assert.GreaterOrEqual(t, c.Count, 2)
			require.NotNil(t, c.MeanSimilarity)
		}
	}

	empty, err := testDB.SignalSummary(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.NotNil(t, empty.Categories)
}

func TestWakeupLifecycle(t *testing.T) {
	ctx := context.Background()
	conv := convID()
	a, _, err := testDB.CreateActionWithApproval(ctx, sendDraft(conv, "x"))
	require.NoError(t, err)

	fireAt := time.Now().Add(-time.Minute)
	w, err := testDB.CreateWakeup(ctx, model.Wakeup{Kind: model.WakeupEscalation, ActionID: a.ID, ConversationID: conv, FireAt: fireAt})
	require.NoError(t, err)
	assert.Equal(t, model.WakeupPending, w.Status)

	dup, err := testDB.CreateWakeup(ctx, model.Wakeup{Kind: model.WakeupEscalation, ActionID: a.ID, ConversationID: conv, FireAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, w.ID, dup.ID, "one wakeup per kind and action")

	due, err := testDB.PendingWakeups(ctx, time.Now(), 1000)
	require.NoError(t, err)
	assert.True(t, containsWakeup(due, w.ID))

	ok, err := testDB.ClaimWakeup(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = testDB.ClaimWakeup(ctx, w.ID)
	require.NoError(t, err)
	assert.False(t, ok, "a wakeup is claimed once")

	require.NoError(t, testDB.CompleteWakeup(ctx, w.ID, "reminder-sent"))
	assert.ErrorIs(t, testDB.CompleteWakeup(ctx, w.ID, "again"), storage.ErrNotFound)

	due, err = testDB.PendingWakeups(ctx, time.Now(), 1000)
	require.NoError(t, err)
	assert.False(t, containsWakeup(due, w.ID))
}

func containsWakeup(ws []model.Wakeup, id uuid.UUID) bool {
	for _, w := range ws {
		if w.ID == id {
			return true
		}
	}
	return false
}

func TestNotifyRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.True(t, testDB.HasNotifyConn())
	require.NoError(t, testDB.Listen(ctx, storage.ChannelOutbound))
	require.NoError(t, testDB.Notify(ctx, storage.ChannelOutbound, `{"conversation_id":"cnv_n"}`))

	ch, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelOutbound, ch)
	assert.JSONEq(t, `{"conversation_id":"cnv_n"}`, payload)
}

func TestListenReconnectsAfterConnectionLoss(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	require.NoError(t, testDB.Listen(ctx, storage.ChannelOutbound))
	_, err := testDB.Pool().Exec(ctx,
		`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE application_name = 'madoguchi-listen'`)
	require.NoError(t, err)
	_, _, err = testDB.WaitForNotification(ctx)
	require.Error(t, err)

	require.NoError(t, testDB.Listen(ctx, storage.ChannelOutbound))
	require.NoError(t, testDB.Notify(ctx, storage.ChannelOutbound, `{"conversation_id":"cnv_back"}`))
	_, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"conversation_id":"cnv_back"}`, payload)
}

func TestNotifyRejectsOversizedPayload(t *testing.T) {
	big := strings.Repeat("x", 8000)
	err := testDB.Notify(context.Background(), storage.ChannelOutbound, big)
	require.ErrorIs(t, err, storage.ErrPayloadTooLarge)
}

func TestListenWithoutNotifyConn(t *testing.T) {
	var db storage.DB
	require.ErrorIs(t, db.Listen(context.Background(), storage.ChannelOutbound), storage.ErrNoNotifyConn)
	_, _, err := db.WaitForNotification(context.Background())
	require.ErrorIs(t, err, storage.ErrNoNotifyConn)
}
