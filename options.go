package madoguchi

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	helpdeskBaseURL string
	logger          *slog.Logger
	version         string
	notifier        Notifier
	languageModel   LanguageModel
}

// WithPort overrides the TCP port from config (MADOGUCHI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithHelpdeskBaseURL overrides the helpdesk API base URL (FRONT_BASE_URL env var).
func WithHelpdeskBaseURL(url string) Option {
	return func(o *resolvedOptions) { o.helpdeskBaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithNotifier replaces the notifier selected from SLACK_BOT_TOKEN.
func WithNotifier(n Notifier) Option {
	return func(o *resolvedOptions) { o.notifier = n }
}

// WithLanguageModel replaces the model selected from ANTHROPIC_API_KEY.
func WithLanguageModel(m LanguageModel) Option {
	return func(o *resolvedOptions) { o.languageModel = m }
}
