package model

import (
	"time"

	"github.com/google/uuid"
)

// SignalCategory classifies what a human did with a draft.
type SignalCategory string

const (
	SignalUnchanged    SignalCategory = "unchanged"
	SignalMinorEdit    SignalCategory = "minor_edit"
	SignalMajorRewrite SignalCategory = "major_rewrite"
	SignalNoDraft      SignalCategory = "no_draft"
	SignalDeleted      SignalCategory = "deleted"
)

// RLSignal is the feedback record for one terminal outcome of a draft.
type RLSignal struct {
	ID             uuid.UUID      `json:"id"`
	ConversationID string         `json:"conversation_id"`
	MessageID      string         `json:"message_id,omitempty"`
	ActionID       *uuid.UUID     `json:"action_id,omitempty"`
	Category       SignalCategory `json:"category"`
	Similarity     *float64       `json:"similarity,omitempty"`
	DraftText      *string        `json:"draft_text,omitempty"`
	SentText       string         `json:"sent_text"`
	AuthorID       string         `json:"author_id,omitempty"`
	RecordedAt     time.Time      `json:"recorded_at"`
}

// CategorySummary aggregates signals of one category.
type CategorySummary struct {
	Category       SignalCategory `json:"category"`
	Count          int            `json:"count"`
	MeanSimilarity *float64       `json:"mean_similarity,omitempty"`
}

// SignalSummary is the per-category breakdown of recorded signals.
type SignalSummary struct {
	Since      time.Time         `json:"since"`
	Total      int               `json:"total"`
	Categories []CategorySummary `json:"categories"`
}

// WatchStatus is the resolution state of a draft watch.
type WatchStatus string

const (
	WatchPending WatchStatus = "pending"
	WatchSent    WatchStatus = "sent"
	WatchDeleted WatchStatus = "deleted"
)

// DraftWatch tracks a created draft until either a human sends a message or the
// deletion timeout elapses. Whichever side resolves it first owns the signal.
type DraftWatch struct {
	ActionID       uuid.UUID   `json:"action_id"`
	ConversationID string      `json:"conversation_id"`
	Status         WatchStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
}

// WakeupKind identifies the workflow step a wakeup resumes.
type WakeupKind string

const (
	WakeupEscalation WakeupKind = "escalation"
	WakeupDeletion   WakeupKind = "deletion"
)

// WakeupStatus is the lifecycle of a persisted wakeup.
type WakeupStatus string

const (
	WakeupPending WakeupStatus = "pending"
	WakeupRunning WakeupStatus = "running"
	WakeupDone    WakeupStatus = "done"
)

// Wakeup is a persisted "resume this step at FireAt" record.
type Wakeup struct {
	ID             uuid.UUID    `json:"id"`
	Kind           WakeupKind   `json:"kind"`
	ActionID       uuid.UUID    `json:"action_id"`
	ConversationID string       `json:"conversation_id"`
	FireAt         time.Time    `json:"fire_at"`
	Status         WakeupStatus `json:"status"`
	Outcome        *string      `json:"outcome,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}
