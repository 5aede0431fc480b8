package server

import (
	"net/http"
	"time"

	"github.com/ashita-ai/madoguchi/internal/ctxutil"
	"github.com/ashita-ai/madoguchi/internal/model"
)

// HoldView is a hold together with whether it is still in force.
type HoldView struct {
	model.Hold
	Active bool `json:"active"`
}

// HandleGetHold handles GET /v1/conversations/{conversation_id}/hold.
func (h *Handlers) HandleGetHold(w http.ResponseWriter, r *http.Request) {
	conv := r.PathValue("conversation_id")
	hold, err := h.store.GetHold(r.Context(), conv)
	if err != nil {
		h.writeStoreError(w, r, "hold", err)
		return
	}
	writeJSON(w, r, http.StatusOK, HoldView{Hold: hold, Active: hold.Active(time.Now())})
}

// HandleSetHold handles PUT /v1/conversations/{conversation_id}/hold.
// Escalation reminders for the conversation are skipped while it is active.
func (h *Handlers) HandleSetHold(w http.ResponseWriter, r *http.Request) {
	conv := r.PathValue("conversation_id")
	var req model.HoldRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(time.Now()); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	hold, err := h.store.SetHold(r.Context(), model.Hold{
		ConversationID: conv,
		Until:          req.Until.UTC(),
		Reason:         req.Reason,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to set hold", err)
		return
	}
	h.logger.Info("hold set", "conversation_id", conv, "until", hold.Until,
		"actor", ctxutil.ActorFromContext(r.Context()))
	writeJSON(w, r, http.StatusOK, HoldView{Hold: hold, Active: true})
}

// HandleClearHold handles DELETE /v1/conversations/{conversation_id}/hold.
func (h *Handlers) HandleClearHold(w http.ResponseWriter, r *http.Request) {
	conv := r.PathValue("conversation_id")
	if err := h.store.ClearHold(r.Context(), conv); err != nil {
		h.writeStoreError(w, r, "hold", err)
		return
	}
	h.logger.Info("hold cleared", "conversation_id", conv,
		"actor", ctxutil.ActorFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// HandleListSignals handles GET /v1/signals?conversation_id=&limit=.
// An empty conversation_id lists the most recent signals overall.
func (h *Handlers) HandleListSignals(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100)
	signals, err := h.store.ListSignals(r.Context(), r.URL.Query().Get("conversation_id"), limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list signals", err)
		return
	}
	if signals == nil {
		signals = []model.RLSignal{}
	}
	writeList(w, r, signals, len(signals), limit)
}

// HandleSignalSummary handles GET /v1/signals/summary?since=RFC3339.
// since defaults to 30 days ago.
func (h *Handlers) HandleSignalSummary(w http.ResponseWriter, r *http.Request) {
	since, err := queryTime(r, "since")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	from := time.Now().UTC().AddDate(0, 0, -30)
	if since != nil {
		from = *since
	}
	summary, err := h.store.SignalSummary(r.Context(), from)
	if err != nil {
		h.writeInternalError(w, r, "failed to summarize signals", err)
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}
