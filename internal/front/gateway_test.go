package front_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/madoguchi/internal/cache"
	"github.com/ashita-ai/madoguchi/internal/front"
	"github.com/ashita-ai/madoguchi/internal/ratelimit"
	"github.com/ashita-ai/madoguchi/internal/testutil"
)

type fixture struct {
	gw      *front.Gateway
	limiter *ratelimit.Window
	cache   *cache.Cache
	calls   *atomic.Int64
}

func newFixture(t *testing.T, token string, handler http.HandlerFunc) fixture {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	limiter, err := ratelimit.NewWindow(ratelimit.WindowConfig{
		MaxRequests:   50,
		Window:        time.Second,
		Strategy:      ratelimit.StrategyQueue,
		MaxQueueDepth: 10,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = limiter.Close() })
	c := cache.New(cache.DefaultConfig())
	t.Cleanup(c.Close)

	gw := front.New(front.Config{BaseURL: srv.URL, Token: token, HTTPClient: srv.Client()}, limiter, c, testutil.TestLogger())
	return fixture{gw: gw, limiter: limiter, cache: c, calls: &calls}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestGatewayGetCachesAndSkipsBudgetOnHit(t *testing.T) {
	f := newFixture(t, "tok", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{"id": "cnv_1", "subject": "Refund", "status": "open"})
	})
	ctx := context.Background()

	c1, err := f.gw.GetConversation(ctx, "cnv_1")
	require.NoError(t, err)
	c2, err := f.gw.GetConversation(ctx, "cnv_1")
	require.NoError(t, err)

	assert.Equal(t, "Refund", c1.Subject)
	assert.Equal(t, c1, c2)
	assert.Equal(t, int64(1), f.calls.Load(), "second read is served from cache")

	st := f.limiter.Stats()
	assert.Equal(t, 1, st.RequestsInWindow, "cache hits spend no budget")
	assert.Equal(t, int64(1), st.CacheHits)
}

func TestGatewayMutationInvalidatesResource(t *testing.T) {
	f := newFixture(t, "tok", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{"_results": []map[string]any{{"id": "msg_1", "text": "hi"}}})
		case r.Method == http.MethodPost && r.URL.Path == "/conversations/cnv_1/comments":
			writeJSON(w, http.StatusCreated, map[string]any{"id": "com_1", "body": "note"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	_, err := f.gw.ListConversationMessages(ctx, "cnv_1")
	require.NoError(t, err)
	f.cache.Set("/tags", []byte(`{"_results":[]}`))

	com, err := f.gw.AddComment(ctx, "cnv_1", "note")
	require.NoError(t, err)
	assert.Equal(t, "com_1", com.ID)

	_, ok := f.cache.Get("/conversations/cnv_1/messages")
	assert.False(t, ok, "mutation under the conversation invalidates its messages")
	_, ok = f.cache.Get("/tags")
	assert.True(t, ok, "unrelated entries survive")

	_, err = f.gw.ListConversationMessages(ctx, "cnv_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), f.calls.Load())
}

func TestGateway429FeedsLimiterPause(t *testing.T) {
	f := newFixture(t, "tok", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "2")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"_error": map[string]any{"status": 429}})
	})

	err := f.gw.Get(context.Background(), "/conversations/cnv_1", nil)
	require.Error(t, err)

	var herr *front.HTTPError
	require.ErrorAs(t, err, &herr)
	assert.True(t, herr.IsRateLimited())
	assert.Equal(t, 2*time.Second, herr.RetryAfter)
	assert.True(t, f.limiter.Stats().Paused)

	_, ok := f.cache.Get("/conversations/cnv_1")
	assert.False(t, ok, "errors are never cached")
}

func TestGatewayMissingCredentialShortCircuits(t *testing.T) {
	f := newFixture(t, "", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ctx := context.Background()

	assert.False(t, f.gw.Configured())

	_, err := f.gw.GetMessage(ctx, "msg_1")
	assert.ErrorIs(t, err, front.ErrMissingCredential)
	assert.NotErrorIs(t, err, front.ErrFetchFailed)

	_, err = f.gw.CreateDraft(ctx, "cnv_1", front.DraftInput{Body: "hello"})
	assert.ErrorIs(t, err, front.ErrMissingCredential)

	assert.Zero(t, f.calls.Load())
	assert.Zero(t, f.limiter.Stats().RequestsInWindow)
}

func TestGatewayGetMessageNotFound(t *testing.T) {
	f := newFixture(t, "tok", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"_error": map[string]any{"status": 404}})
	})

	_, err := f.gw.GetMessage(context.Background(), "msg_gone")
	require.Error(t, err)
	assert.ErrorIs(t, err, front.ErrFetchFailed)

	var herr *front.HTTPError
	require.True(t, errors.As(err, &herr))
	assert.True(t, herr.IsNotFound())
	assert.Equal(t, "/messages/msg_gone", herr.Path)
}

func TestGatewayCreateDraftAndReply(t *testing.T) {
	f := newFixture(t, "tok", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		switch r.URL.Path {
		case "/conversations/cnv_1/drafts":
			assert.Equal(t, "Thanks!", body["body"])
			writeJSON(w, http.StatusOK, map[string]any{"id": "msg_drf", "is_draft": true, "body": "Thanks!"})
		case "/conversations/cnv_1/messages":
			writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "message_uid": "uid_1"})
		}
	})
	ctx := context.Background()

	d, err := f.gw.CreateDraft(ctx, "cnv_1", front.DraftInput{Body: "Thanks!"})
	require.NoError(t, err)
	assert.Equal(t, "msg_drf", d.ID)
	assert.True(t, d.IsDraft)

	rcpt, err := f.gw.SendReply(ctx, "cnv_1", front.ReplyInput{Body: "Thanks!"})
	require.NoError(t, err)
	assert.Equal(t, "uid_1", rcpt.MessageUID)
}

func TestGatewayAbortedAcquire(t *testing.T) {
	f := newFixture(t, "tok", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.gw.Get(ctx, "/inboxes", nil)
	assert.ErrorIs(t, err, ratelimit.ErrRequestAborted)
	assert.Zero(t, f.calls.Load())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 30*time.Second, front.ParseRetryAfter("30", now))
	assert.Equal(t, time.Duration(0), front.ParseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), front.ParseRetryAfter("-4", now))
	assert.Equal(t, time.Duration(0), front.ParseRetryAfter("soon", now))
	assert.Equal(t, 90*time.Second, front.ParseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), front.ParseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}

func TestMessageHelpers(t *testing.T) {
	m := front.Message{Body: "<p>Hi</p>", CreatedAt: 1767225600.5}
	assert.Equal(t, "<p>Hi</p>", m.Content())
	assert.Equal(t, "", m.AuthorID())
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 500_000_000, time.UTC), m.Created())

	m.Text = "Hi"
	m.Author = &front.Author{ID: "tea_1"}
	assert.Equal(t, "Hi", m.Content())
	assert.Equal(t, "tea_1", m.AuthorID())
}
