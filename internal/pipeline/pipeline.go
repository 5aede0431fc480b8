// Package pipeline turns an inbound customer message into a validated draft
// and hands it to the workflow engine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/madoguchi/internal/approval"
	"github.com/ashita-ai/madoguchi/internal/front"
	"github.com/ashita-ai/madoguchi/internal/llm"
	"github.com/ashita-ai/madoguchi/internal/model"
	"github.com/ashita-ai/madoguchi/internal/workflow"
)

// maxContextMessages bounds how much history the model sees.
const maxContextMessages = 10

// Helpdesk is the read side of the helpdesk API. *front.Gateway satisfies it.
type Helpdesk interface {
	GetMessage(ctx context.Context, messageID string) (front.Message, error)
	GetConversation(ctx context.Context, conversationID string) (front.Conversation, error)
	ListConversationMessages(ctx context.Context, conversationID string) ([]front.Message, error)
}

// Decider receives validated drafts. *workflow.Engine satisfies it.
type Decider interface {
	HandleValidated(ctx context.Context, ev model.DraftValidated) (workflow.Result, error)
}

// Pipeline runs the stages upstream of the approval decision.
type Pipeline struct {
	helpdesk  Helpdesk
	model     llm.Model
	validator *approval.Validator
	decider   Decider
	logger    *slog.Logger
}

// New creates a Pipeline.
func New(helpdesk Helpdesk, m llm.Model, validator *approval.Validator, decider Decider, logger *slog.Logger) *Pipeline {
	return &Pipeline{helpdesk: helpdesk, model: m, validator: validator, decider: decider, logger: logger}
}

// Result is what HandleInbound did.
type Result struct {
	Outcome        workflow.Outcome      `json:"outcome"`
	Classification *model.Classification `json:"classification,omitempty"`
	Validation     *model.Validation     `json:"validation,omitempty"`
	Decision       *workflow.Result      `json:"decision,omitempty"`
}

// HandleInbound classifies the message, gathers conversation context,
// drafts a reply, validates it and passes it to the decider. Missing
// helpdesk or model configuration ends the run with not-performed; a
// message that cannot be fetched ends it with skipped.
func (p *Pipeline) HandleInbound(ctx context.Context, ev model.InboundReceived) (Result, error) {
	log := p.logger.With("conversation_id", ev.ConversationID, "message_id", ev.MessageID)

	msg, err := p.helpdesk.GetMessage(ctx, ev.MessageID)
	switch {
	case errors.Is(err, front.ErrMissingCredential):
		log.Warn("pipeline: not performed, helpdesk not configured")
		return Result{Outcome: workflow.OutcomeNotPerformed}, nil
	case err != nil:
		log.Warn("pipeline: inbound message not fetched, skipping", "error", err)
		return Result{Outcome: workflow.OutcomeSkipped}, nil
	}

	var convCtx model.ConversationContext
	var class model.Classification
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := p.model.Classify(gctx, llm.ClassifyInput{Subject: msg.Subject, Message: msg.Content()})
		class = c
		return err
	})
	g.Go(func() error {
		conv, err := p.helpdesk.GetConversation(gctx, ev.ConversationID)
		if err != nil {
			return err
		}
		convCtx.Subject = conv.Subject
		return nil
	})
	g.Go(func() error {
		msgs, err := p.helpdesk.ListConversationMessages(gctx, ev.ConversationID)
		if err != nil {
			return err
		}
		convCtx.Messages = history(msgs, ev.MessageID)
		return nil
	})
	if err := g.Wait(); err != nil {
		return p.stop(log, "gather", err)
	}

	draft, err := p.model.Draft(ctx, llm.DraftInput{Message: msg.Content(), Classification: class, Context: convCtx})
	if err != nil {
		return p.stop(log, "draft", err)
	}

	v := p.validator.Validate(draft, class)
	res := Result{Classification: &class, Validation: &v}
	dec, err := p.decider.HandleValidated(ctx, model.DraftValidated{
		ConversationID: ev.ConversationID,
		MessageID:      ev.MessageID,
		AppID:          ev.AppID,
		Draft:          draft,
		Validation:     v,
		Classification: class,
	})
	if err != nil {
		return res, fmt.Errorf("pipeline: decide: %w", err)
	}
	res.Decision = &dec
	res.Outcome = dec.Outcome
	log.Info("pipeline: draft decided", "category", class.Category, "score", v.Score, "outcome", dec.Outcome)
	return res, nil
}

// stop maps a stage failure to an outcome. Only unexpected failures are
// returned as errors.
func (p *Pipeline) stop(log *slog.Logger, stage string, err error) (Result, error) {
	switch {
	case errors.Is(err, llm.ErrNotConfigured), errors.Is(err, front.ErrMissingCredential):
		log.Warn("pipeline: not performed, integration not configured", "stage", stage, "error", err)
		return Result{Outcome: workflow.OutcomeNotPerformed}, nil
	case errors.Is(err, front.ErrFetchFailed):
		log.Warn("pipeline: context not fetched, skipping", "stage", stage, "error", err)
		return Result{Outcome: workflow.OutcomeSkipped}, nil
	}
	log.Error("pipeline: stage failed", "stage", stage, "error", err)
	return Result{Outcome: workflow.OutcomeFailed}, fmt.Errorf("pipeline: %s: %w", stage, err)
}

// history returns the most recent non-draft messages, oldest first,
// excluding the message being answered.
func history(msgs []front.Message, exclude string) []string {
	var kept []front.Message
	for _, m := range msgs {
		if m.IsDraft || m.ID == exclude {
			continue
		}
		kept = append(kept, m)
	}
	slices.SortStableFunc(kept, func(a, b front.Message) int {
		return a.Created().Compare(b.Created())
	})
	if len(kept) > maxContextMessages {
		kept = kept[len(kept)-maxContextMessages:]
	}
	out := make([]string, len(kept))
	for i, m := range kept {
		out[i] = m.Content()
	}
	return out
}
