package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/madoguchi/internal/front"
	"github.com/ashita-ai/madoguchi/internal/model"
	"github.com/ashita-ai/madoguchi/internal/storage"
)

// memStore is an in-memory Store with the same conditional-update semantics
// as the Postgres implementation.
type memStore struct {
	mu        sync.Mutex
	actions   map[uuid.UUID]model.Action
	approvals map[uuid.UUID]model.ApprovalRequest
	holds     map[string]model.Hold
	watches   map[uuid.UUID]model.DraftWatch
	signals   []model.RLSignal
	wakeups   map[uuid.UUID]model.Wakeup
	seq       time.Time
}

func newMemStore() *memStore {
	return &memStore{
		actions:   make(map[uuid.UUID]model.Action),
		approvals: make(map[uuid.UUID]model.ApprovalRequest),
		holds:     make(map[string]model.Hold),
		watches:   make(map[uuid.UUID]model.DraftWatch),
		wakeups:   make(map[uuid.UUID]model.Wakeup),
		seq:       time.Now(),
	}
}

// tick hands out strictly increasing creation times.
func (s *memStore) tick() time.Time {
	s.seq = s.seq.Add(time.Millisecond)
	return s.seq
}

func (s *memStore) CreateAction(_ context.Context, a model.Action) (model.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = s.tick()
	s.actions[a.ID] = a
	return a, nil
}

func (s *memStore) CreateActionWithApproval(ctx context.Context, a model.Action) (model.Action, model.ApprovalRequest, error) {
	created, _ := s.CreateAction(ctx, a)
	s.mu.Lock()
	defer s.mu.Unlock()
	req := model.ApprovalRequest{ActionID: created.ID, Status: model.ApprovalPending, CreatedAt: created.CreatedAt}
	s.approvals[created.ID] = req
	return created, req, nil
}

func (s *memStore) GetAction(_ context.Context, id uuid.UUID) (model.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return model.Action{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *memStore) LatestActionByType(_ context.Context, conversationID string, t model.ActionType) (model.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		latest model.Action
		found  bool
	)
	for _, a := range s.actions {
		if a.ConversationID == conversationID && a.Type == t && (!found || a.CreatedAt.After(latest.CreatedAt)) {
			latest, found = a, true
		}
	}
	if !found {
		return model.Action{}, storage.ErrNotFound
	}
	return latest, nil
}

func (s *memStore) SetActionDraftID(_ context.Context, id uuid.UUID, draftID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if a.Parameters.DraftID != "" {
		return storage.ErrDraftIDBound
	}
	a.Parameters.DraftID = draftID
	s.actions[id] = a
	return nil
}

func (s *memStore) GetApprovalRequest(_ context.Context, actionID uuid.UUID) (model.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.approvals[actionID]
	if !ok {
		return model.ApprovalRequest{}, storage.ErrNotFound
	}
	return r, nil
}

func (s *memStore) DecideApproval(_ context.Context, actionID uuid.UUID, status model.ApprovalStatus, decidedBy string, reason *string, source model.DecisionSource) (model.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.approvals[actionID]
	if !ok {
		return model.ApprovalRequest{}, storage.ErrNotFound
	}
	if r.Status != model.ApprovalPending {
		return model.ApprovalRequest{}, storage.ErrAlreadyDecided
	}
	now := time.Now()
	r.Status, r.DecidedBy, r.DecidedAt, r.Reason, r.Source = status, &decidedBy, &now, reason, &source
	s.approvals[actionID] = r
	return r, nil
}

func (s *memStore) GetHold(_ context.Context, conversationID string) (model.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[conversationID]
	if !ok {
		return model.Hold{}, storage.ErrNotFound
	}
	return h, nil
}

func (s *memStore) setHold(h model.Hold) {
	s.mu.Lock()
	s.holds[h.ConversationID] = h
	s.mu.Unlock()
}

func (s *memStore) CreateWatch(_ context.Context, actionID uuid.UUID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watches[actionID]; !ok {
		s.watches[actionID] = model.DraftWatch{ActionID: actionID, ConversationID: conversationID, Status: model.WatchPending}
	}
	return nil
}

func (s *memStore) RecordSignal(_ context.Context, sig model.RLSignal, resolution model.WatchStatus) (model.RLSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sig.ActionID != nil {
		if w, ok := s.watches[*sig.ActionID]; ok {
			if w.Status != model.WatchPending {
				return model.RLSignal{}, fmt.Errorf("record: %w", storage.ErrWatchResolved)
			}
			now := time.Now()
			w.Status, w.ResolvedAt = resolution, &now
			s.watches[*sig.ActionID] = w
		}
	}
	sig.ID = uuid.New()
	sig.RecordedAt = time.Now()
	s.signals = append(s.signals, sig)
	return sig, nil
}

func (s *memStore) CreateWakeup(_ context.Context, w model.Wakeup) (model.Wakeup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.wakeups {
		if existing.Kind == w.Kind && existing.ActionID == w.ActionID {
			return existing, nil
		}
	}
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	w.Status = model.WakeupPending
	w.CreatedAt = time.Now()
	s.wakeups[w.ID] = w
	return w, nil
}

func (s *memStore) ClaimWakeup(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wakeups[id]
	if !ok || w.Status != model.WakeupPending {
		return false, nil
	}
	w.Status = model.WakeupRunning
	s.wakeups[id] = w
	return true, nil
}

func (s *memStore) CompleteWakeup(_ context.Context, id uuid.UUID, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wakeups[id]
	if !ok || w.Status != model.WakeupRunning {
		return storage.ErrNotFound
	}
	w.Status, w.Outcome = model.WakeupDone, &outcome
	s.wakeups[id] = w
	return nil
}

func (s *memStore) PendingWakeups(_ context.Context, before time.Time, limit int) ([]model.Wakeup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Wakeup
	for _, w := range s.wakeups {
		if w.Status == model.WakeupPending && !w.FireAt.After(before) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) signalsFor(conversationID string) []model.RLSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.RLSignal
	for _, sig := range s.signals {
		if sig.ConversationID == conversationID {
			out = append(out, sig)
		}
	}
	return out
}

func (s *memStore) wakeupsFor(actionID uuid.UUID) map[model.WakeupKind]model.Wakeup {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.WakeupKind]model.Wakeup)
	for _, w := range s.wakeups {
		if w.ActionID == actionID {
			out[w.Kind] = w
		}
	}
	return out
}

func (s *memStore) watch(actionID uuid.UUID) model.DraftWatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watches[actionID]
}

// fakeHelpdesk records calls. With configured false every call fails with
// front.ErrMissingCredential, as the gateway does without a token.
type fakeHelpdesk struct {
	mu         sync.Mutex
	configured bool
	messages   map[string]front.Message
	fetchErr   error
	commentErr error
	drafts     []front.DraftInput
	replies    []front.ReplyInput
	comments   []string
}

func newFakeHelpdesk() *fakeHelpdesk {
	return &fakeHelpdesk{configured: true, messages: make(map[string]front.Message)}
}

func (h *fakeHelpdesk) Configured() bool { return h.configured }

func (h *fakeHelpdesk) GetMessage(_ context.Context, id string) (front.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.configured {
		return front.Message{}, front.ErrMissingCredential
	}
	if h.fetchErr != nil {
		return front.Message{}, h.fetchErr
	}
	m, ok := h.messages[id]
	if !ok {
		return front.Message{}, fmt.Errorf("%w: message %s", front.ErrFetchFailed, id)
	}
	return m, nil
}

func (h *fakeHelpdesk) CreateDraft(_ context.Context, _ string, in front.DraftInput) (front.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.configured {
		return front.Message{}, front.ErrMissingCredential
	}
	h.drafts = append(h.drafts, in)
	return front.Message{ID: fmt.Sprintf("msg_draft_%d", len(h.drafts)), IsDraft: true, Body: in.Body}, nil
}

func (h *fakeHelpdesk) SendReply(_ context.Context, _ string, in front.ReplyInput) (front.ReplyReceipt, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.configured {
		return front.ReplyReceipt{}, front.ErrMissingCredential
	}
	h.replies = append(h.replies, in)
	return front.ReplyReceipt{MessageUID: "uid_1"}, nil
}

func (h *fakeHelpdesk) AddComment(_ context.Context, _ string, body string) (front.Comment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.configured {
		return front.Comment{}, front.ErrMissingCredential
	}
	if h.commentErr != nil {
		return front.Comment{}, h.commentErr
	}
	h.comments = append(h.comments, body)
	return front.Comment{ID: "com_1", Body: body}, nil
}

func (h *fakeHelpdesk) addMessage(m front.Message) {
	h.mu.Lock()
	h.messages[m.ID] = m
	h.mu.Unlock()
}

type fakeNotifier struct {
	mu      sync.Mutex
	enabled bool
	err     error
	posts   []string
}

func (n *fakeNotifier) Enabled() bool { return n.enabled }

func (n *fakeNotifier) Post(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.posts = append(n.posts, text)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.posts)
}
