// Package madoguchi is the public API for embedding the madoguchi review
// gateway: AI-drafted helpdesk replies are held for human approval, sent,
// and tracked until a human either sends something or discards the draft.
//
//	app, err := madoguchi.New(
//	    madoguchi.WithVersion(version),
//	    madoguchi.WithLogger(logger),
//	    madoguchi.WithNotifier(myPager{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*; internal/* never imports the root.
// Public types are standalone structs, and the adapters converting them live
// here.
package madoguchi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/madoguchi/api"
	"github.com/ashita-ai/madoguchi/internal/approval"
	"github.com/ashita-ai/madoguchi/internal/auth"
	"github.com/ashita-ai/madoguchi/internal/cache"
	"github.com/ashita-ai/madoguchi/internal/config"
	"github.com/ashita-ai/madoguchi/internal/front"
	"github.com/ashita-ai/madoguchi/internal/llm"
	"github.com/ashita-ai/madoguchi/internal/mcp"
	"github.com/ashita-ai/madoguchi/internal/model"
	"github.com/ashita-ai/madoguchi/internal/notify"
	"github.com/ashita-ai/madoguchi/internal/pipeline"
	"github.com/ashita-ai/madoguchi/internal/ratelimit"
	"github.com/ashita-ai/madoguchi/internal/server"
	"github.com/ashita-ai/madoguchi/internal/storage"
	"github.com/ashita-ai/madoguchi/internal/telemetry"
	"github.com/ashita-ai/madoguchi/internal/workflow"
	"github.com/ashita-ai/madoguchi/migrations"
)

// shutdownPhaseTimeout bounds each shutdown phase.
const shutdownPhaseTimeout = 10 * time.Second

// App is the madoguchi server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	hub          *workflow.Hub
	sched        *workflow.Scheduler
	window       *ratelimit.Window
	respCache    *cache.Cache
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises madoguchi. It connects to the database, runs migrations,
// wires the gateway, workflow and HTTP server, and returns a ready-to-run
// App. It does NOT start any goroutines or accept HTTP connections; call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.helpdeskBaseURL != "" {
		cfg.FrontBaseURL = o.helpdeskBaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("madoguchi starting", "version", version, "port", cfg.Port)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}

	// Everything opened from here on is released by fail.
	var window *ratelimit.Window
	var respCache *cache.Cache
	fail := func(err error) (*App, error) {
		if respCache != nil {
			respCache.Close()
		}
		if window != nil {
			_ = window.Close()
		}
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, err
	}

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fail(fmt.Errorf("migrations: %w", err))
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}
	keyring, err := auth.NewKeyring(cfg.AdminAPIKey)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}
	if !keyring.Enabled() {
		logger.Warn("auth: MADOGUCHI_ADMIN_API_KEY is not set, no reviewer tokens can be issued")
	}

	// Helpdesk gateway: outbound budget, response cache, typed calls.
	window, err = ratelimit.NewWindow(cfg.FrontLimit)
	if err != nil {
		return fail(fmt.Errorf("front rate limit: %w", err))
	}
	respCache = cache.New(cfg.FrontCache)
	frontMeter := telemetry.Meter("madoguchi/front")
	if err := window.RegisterMetrics(frontMeter); err != nil {
		logger.Warn("front: limiter metrics not registered", "error", err)
	}
	if err := respCache.RegisterMetrics(frontMeter); err != nil {
		logger.Warn("front: cache metrics not registered", "error", err)
	}
	gateway := front.New(front.Config{
		BaseURL: cfg.FrontBaseURL,
		Token:   cfg.FrontAPIToken,
	}, window, respCache, logger)
	if !gateway.Configured() {
		logger.Warn("front: FRONT_API_TOKEN is not set, helpdesk calls will not be performed")
	}

	notifier := newNotifier(cfg, o.notifier, logger)
	lm := newLanguageModel(cfg, o.languageModel, logger)

	rules, err := cfg.ValidationRules()
	if err != nil {
		return fail(fmt.Errorf("validation rules: %w", err))
	}

	// Outbound events cross processes through LISTEN/NOTIFY when a direct
	// connection is configured.
	var source workflow.NotifySource
	if db.HasNotifyConn() {
		source = db
	} else {
		logger.Info("hub: in-process only (no notify connection)")
	}
	hub := workflow.NewHub(source, logger)
	sched := workflow.NewScheduler(db, hub, logger)
	engine := workflow.NewEngine(db, gateway, notifier, approval.NewEngine(cfg.AutoApproveThreshold), sched, hub,
		workflow.Config{
			EscalationDelay: cfg.EscalationDelay,
			DeletionTimeout: cfg.DeletionTimeout,
		}, logger)
	pipe := pipeline.New(gateway, lm, approval.NewValidator(rules), engine, logger)

	mcpSrv := mcp.New(mcp.Deps{
		Store:    db,
		Decider:  engine,
		Helpdesk: gateway,
		Limiter:  window,
		Cache:    respCache,
	}, logger, version)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Store:               db,
		Workflow:            engine,
		Inbound:             pipe,
		JWTMgr:              jwtMgr,
		Keyring:             keyring,
		Logger:              logger,
		Limiter:             window,
		Cache:               respCache,
		MCPServer:           mcpSrv.MCPServer(),
		RateLimiter:         limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		hub:          hub,
		sched:        sched,
		window:       window,
		respCache:    respCache,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the outbound hub, the wakeup scheduler and the HTTP server, then
// blocks until ctx is cancelled or a fatal server error occurs. On return,
// Shutdown has been called; callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	go a.hub.Start(ctx)

	// Re-arms wakeups persisted by an earlier process before serving.
	if err := a.sched.Start(ctx, a.cfg.SweepSchedule); err != nil {
		_ = a.Shutdown(context.Background())
		return fmt.Errorf("scheduler: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Shutdown performs a graceful shutdown: (1) stop accepting HTTP requests
// and drain in-flight and background webhook work, (2) stop the scheduler
// and wait for running wakeups. It then releases the gateway, the database
// pool and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("madoguchi shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := context.WithTimeout(ctx, shutdownPhaseTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: scheduler drain. Wakeups still pending stay in Postgres and
	// are re-armed by the next process.
	schedCtx, schedCancel := context.WithTimeout(ctx, shutdownPhaseTimeout)
	err := a.sched.Stop(schedCtx)
	schedCancel()
	if err != nil {
		a.logger.Warn("scheduler stop incomplete", "error", err)
	}

	_ = a.limiter.Close()
	_ = a.window.Close()
	a.respCache.Close()
	_ = a.otelShutdown(ctx)
	a.db.Close(ctx)

	a.logger.Info("madoguchi stopped")
	return nil
}

func newNotifier(cfg config.Config, override Notifier, logger *slog.Logger) workflow.Notifier {
	switch {
	case override != nil:
		logger.Info("notifier: external")
		return override
	case cfg.SlackBotToken != "":
		logger.Info("notifier: slack", "channel", cfg.SlackEscalationChannel)
		return notify.NewSlack(notify.SlackConfig{
			Token:   cfg.SlackBotToken,
			Channel: cfg.SlackEscalationChannel,
		}, logger)
	default:
		logger.Warn("notifier: none configured, escalation reminders will not be performed")
		return notify.Noop{}
	}
}

func newLanguageModel(cfg config.Config, override LanguageModel, logger *slog.Logger) llm.Model {
	switch {
	case override != nil:
		logger.Info("language model: external")
		return &languageModelAdapter{m: override}
	case cfg.AnthropicAPIKey != "":
		logger.Info("language model: anthropic", "model", cfg.LLMModel)
		return llm.NewAnthropic(llm.AnthropicConfig{
			APIKey: cfg.AnthropicAPIKey,
			Model:  cfg.LLMModel,
		}, logger)
	default:
		logger.Warn("language model: none configured, inbound messages will not be drafted")
		return llm.Noop{}
	}
}

// languageModelAdapter wraps a public LanguageModel to satisfy llm.Model.
type languageModelAdapter struct {
	m LanguageModel
}

func (a *languageModelAdapter) Classify(ctx context.Context, in llm.ClassifyInput) (model.Classification, error) {
	c, err := a.m.Classify(ctx, in.Subject, in.Message)
	if err != nil {
		return model.Classification{}, err
	}
	return model.Classification{
		Category:   c.Category,
		Confidence: c.Confidence,
		Reasoning:  c.Reasoning,
	}, nil
}

func (a *languageModelAdapter) Draft(ctx context.Context, in llm.DraftInput) (model.Draft, error) {
	d, err := a.m.Draft(ctx, DraftRequest{
		Subject: in.Context.Subject,
		Message: in.Message,
		History: in.Context.Messages,
		Classification: Classification{
			Category:   in.Classification.Category,
			Confidence: in.Classification.Confidence,
			Reasoning:  in.Classification.Reasoning,
		},
	})
	if err != nil {
		return model.Draft{}, err
	}
	return model.Draft{Content: d.Content, ToolsUsed: d.ToolsUsed}, nil
}
