package server

import (
	"context"
	"net/http"

	"github.com/ashita-ai/madoguchi/internal/model"
)

// WebhookAccepted is the body of a 202 from POST /webhooks/front.
type WebhookAccepted struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// HandleFrontWebhook handles POST /webhooks/front. The event is acknowledged
// immediately and processed in the background so the helpdesk is not held
// open while a draft is written.
func (h *Handlers) HandleFrontWebhook(w http.ResponseWriter, r *http.Request) {
	var ev model.WebhookEvent
	if err := decodeJSON(w, r, &ev, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := ev.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	log := h.logger.With("event", ev.Type, "conversation_id", ev.ConversationID, "message_id", ev.MessageID)
	switch ev.Type {
	case model.EventInboundReceived:
		if h.inbound == nil {
			log.Warn("webhook: inbound pipeline not configured, event dropped")
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "inbound pipeline not configured")
			return
		}
		in := ev.Inbound()
		h.goBackground(r, func(ctx context.Context) {
			res, err := h.inbound.HandleInbound(ctx, in)
			if err != nil {
				log.Error("webhook: inbound failed", "error", err)
				return
			}
			log.Info("webhook: inbound handled", "outcome", res.Outcome)
		})
	case model.EventOutboundMessage:
		out := ev.Outbound()
		h.goBackground(r, func(ctx context.Context) {
			outcome, err := h.workflow.HandleOutbound(ctx, out)
			if err != nil {
				log.Error("webhook: outbound failed", "error", err)
				return
			}
			log.Info("webhook: outbound handled", "outcome", outcome)
		})
	}

	writeJSON(w, r, http.StatusAccepted, WebhookAccepted{
		Type:           ev.Type,
		ConversationID: ev.ConversationID,
		MessageID:      ev.MessageID,
	})
}

// HandleDraftValidated handles POST /v1/events/draft-validated from a
// drafting agent that validates outside this process.
func (h *Handlers) HandleDraftValidated(w http.ResponseWriter, r *http.Request) {
	var ev model.DraftValidated
	if err := decodeJSON(w, r, &ev, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := ev.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	res, err := h.workflow.HandleValidated(r.Context(), ev)
	if err != nil {
		h.writeInternalError(w, r, "failed to handle validated draft", err)
		return
	}
	status := http.StatusOK
	if res.Approval != nil {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, res)
}
