package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ashita-ai/madoguchi/internal/model"
)

// FireFunc resumes the workflow step a wakeup stands for.
type FireFunc func(ctx context.Context, w model.Wakeup) (Outcome, error)

const (
	// sweepBatch bounds how many due wakeups one sweep claims.
	sweepBatch = 100
	// resumeLimit bounds how many pending wakeups are armed at startup; the
	// sweep fires the rest when they come due.
	resumeLimit = 10_000
)

// Scheduler turns "sleep until T" into persisted wakeups. Each scheduled
// wakeup gets an in-process timer; a cron sweep picks up wakeups whose
// timers were lost to a restart. A wakeup is claimed before it fires, so it
// fires at most once however many timers and sweeps race for it.
type Scheduler struct {
	store  Store
	hub    *Hub
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[model.WakeupKind]FireFunc

	cron    *cron.Cron
	runCtx  context.Context
	stopRun context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewScheduler creates a Scheduler. Register handlers with Handle before
// calling Start.
func NewScheduler(store Store, hub *Hub, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{logger: logger}
	return &Scheduler{
		store:    store,
		hub:      hub,
		logger:   logger,
		handlers: make(map[model.WakeupKind]FireFunc),
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		runCtx:   ctx,
		stopRun:  cancel,
		now:      time.Now,
	}
}

// Handle registers the step a wakeup kind resumes.
func (s *Scheduler) Handle(kind model.WakeupKind, fn FireFunc) {
	s.mu.Lock()
	s.handlers[kind] = fn
	s.mu.Unlock()
}

// Start re-arms persisted pending wakeups and starts the sweep on the given
// cron spec (for example "@every 30s").
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	if _, err := s.cron.AddFunc(spec, func() { s.Sweep(s.runCtx) }); err != nil {
		return fmt.Errorf("workflow: sweep schedule %q: %w", spec, err)
	}
	if err := s.Resume(ctx); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop cancels armed timers and waits for in-flight steps or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopRun()
	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-cronDone.Done()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Schedule persists a wakeup and arms its timer. Scheduling the same kind
// for the same action twice returns the first wakeup without arming again.
func (s *Scheduler) Schedule(ctx context.Context, w model.Wakeup) (model.Wakeup, error) {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	created, err := s.store.CreateWakeup(ctx, w)
	if err != nil {
		return model.Wakeup{}, fmt.Errorf("workflow: schedule %s: %w", w.Kind, err)
	}
	if created.ID != w.ID {
		return created, nil
	}
	if created.Status == model.WakeupPending {
		s.arm(created)
	}
	return created, nil
}

// Resume arms every pending wakeup. Called once at startup.
func (s *Scheduler) Resume(ctx context.Context) error {
	pending, err := s.store.PendingWakeups(ctx, s.now().AddDate(100, 0, 0), resumeLimit)
	if err != nil {
		return fmt.Errorf("workflow: resume: %w", err)
	}
	for _, w := range pending {
		s.arm(w)
	}
	if len(pending) > 0 {
		s.logger.Info("workflow: resumed wakeups", "count", len(pending))
	}
	return nil
}

// Sweep fires every due wakeup not already claimed and returns how many it
// fired.
func (s *Scheduler) Sweep(ctx context.Context) int {
	due, err := s.store.PendingWakeups(ctx, s.now(), sweepBatch)
	if err != nil {
		s.logger.Error("workflow: sweep", "error", err)
		return 0
	}
	fired := 0
	for _, w := range due {
		if s.fire(ctx, w) {
			fired++
		}
	}
	return fired
}

// arm starts the in-process wait for one wakeup.
func (s *Scheduler) arm(w model.Wakeup) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := s.runCtx
		if w.Kind == model.WakeupDeletion && s.hub != nil {
			sent, err := s.raceOutbound(ctx, w)
			if err != nil {
				return
			}
			if sent {
				s.settle(ctx, w, OutcomeSent)
				return
			}
		} else if !s.sleepUntil(ctx, w.FireAt) {
			return
		}
		s.fire(ctx, w)
	}()
}

// fire claims w and runs its handler. It reports whether this caller won
// the claim.
func (s *Scheduler) fire(ctx context.Context, w model.Wakeup) bool {
	ok, err := s.store.ClaimWakeup(ctx, w.ID)
	if err != nil {
		s.logger.Error("workflow: claim wakeup", "wakeup_id", w.ID, "error", err)
		return false
	}
	if !ok {
		return false
	}

	s.mu.RLock()
	fn := s.handlers[w.Kind]
	s.mu.RUnlock()

	outcome := OutcomeFailed
	if fn == nil {
		s.logger.Error("workflow: no handler for wakeup", "kind", w.Kind, "wakeup_id", w.ID)
	} else {
		o, err := fn(ctx, w)
		if err != nil {
			s.logger.Error("workflow: wakeup failed",
				"kind", w.Kind, "action_id", w.ActionID, "conversation_id", w.ConversationID, "error", err)
		}
		if o != "" {
			outcome = o
		}
	}
	s.complete(w, outcome)
	return true
}

// settle claims and completes w without running its handler.
func (s *Scheduler) settle(ctx context.Context, w model.Wakeup, outcome Outcome) {
	ok, err := s.store.ClaimWakeup(ctx, w.ID)
	if err != nil || !ok {
		return
	}
	s.complete(w, outcome)
}

func (s *Scheduler) complete(w model.Wakeup, outcome Outcome) {
	// Completion must land even while stopping, or the row stays running.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.runCtx), 10*time.Second)
	defer cancel()
	if err := s.store.CompleteWakeup(ctx, w.ID, string(outcome)); err != nil {
		s.logger.Error("workflow: complete wakeup", "wakeup_id", w.ID, "error", err)
	}
	s.logger.Info("workflow: wakeup done",
		"kind", w.Kind, "action_id", w.ActionID, "conversation_id", w.ConversationID, "outcome", outcome)
}

// sleepUntil waits for t and reports false if ctx ended first.
func (s *Scheduler) sleepUntil(ctx context.Context, t time.Time) bool {
	d := t.Sub(s.now())
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// cronLogger routes cron's logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
