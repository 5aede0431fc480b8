package madoguchi

import "context"

// Notifier posts operator-facing text such as escalation reminders and
// auto-send notices. When provided via WithNotifier it replaces the Slack
// notifier selected from configuration.
type Notifier interface {
	// Enabled reports whether posts can be delivered. A disabled notifier
	// makes escalation reminders fail with not-performed.
	Enabled() bool
	Post(ctx context.Context, text string) error
}

// LanguageModel classifies customer messages and drafts replies. When
// provided via WithLanguageModel it replaces the Anthropic model selected
// from configuration.
type LanguageModel interface {
	Classify(ctx context.Context, subject, message string) (Classification, error)
	Draft(ctx context.Context, req DraftRequest) (Draft, error)
}
