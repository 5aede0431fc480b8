// Package server implements the madoguchi HTTP API: helpdesk webhooks,
// validated-draft events, approval decisions, holds, feedback signals and
// gateway statistics, with the MCP endpoint mounted at /mcp.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/madoguchi/internal/auth"
	"github.com/ashita-ai/madoguchi/internal/ctxutil"
	"github.com/ashita-ai/madoguchi/internal/model"
	"github.com/ashita-ai/madoguchi/internal/ratelimit"
)

// Server is the madoguchi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Inbound, Limiter, Cache, MCPServer, RateLimiter,
// OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Store    Store
	Workflow Workflow
	JWTMgr   *auth.JWTManager
	Keyring  *auth.Keyring
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Inbound     Inbound
	Limiter     LimiterStats
	Cache       CacheStats
	MCPServer   *mcpserver.MCPServer
	RateLimiter ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Workflow:            cfg.Workflow,
		Inbound:             cfg.Inbound,
		JWTMgr:              cfg.JWTMgr,
		Keyring:             cfg.Keyring,
		Limiter:             cfg.Limiter,
		Cache:               cfg.Cache,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}
	ipRL := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)
	reviewerRL := ratelimit.Middleware(limiter, reviewerKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Unauthenticated, rate limited by IP.
	mux.Handle("POST /auth/token", ipRL(http.HandlerFunc(h.HandleAuthToken)))
	mux.Handle("POST /webhooks/front", ipRL(http.HandlerFunc(h.HandleFrontWebhook)))

	// Pipeline events from drafting agents.
	adminOnly := requireRole(model.RoleAdmin)
	mux.Handle("POST /v1/events/draft-validated", reviewerRL(adminOnly(http.HandlerFunc(h.HandleDraftValidated))))

	// Reads.
	readRole := requireRole(model.RoleReader)
	mux.Handle("GET /v1/approvals", reviewerRL(readRole(http.HandlerFunc(h.HandleListApprovals))))
	mux.Handle("GET /v1/approvals/{action_id}", reviewerRL(readRole(http.HandlerFunc(h.HandleGetApproval))))
	mux.Handle("GET /v1/conversations/{conversation_id}/hold", reviewerRL(readRole(http.HandlerFunc(h.HandleGetHold))))
	mux.Handle("GET /v1/signals", reviewerRL(readRole(http.HandlerFunc(h.HandleListSignals))))
	mux.Handle("GET /v1/signals/summary", reviewerRL(readRole(http.HandlerFunc(h.HandleSignalSummary))))
	mux.Handle("GET /v1/gateway/stats", reviewerRL(readRole(http.HandlerFunc(h.HandleGatewayStats))))

	// Decisions and holds.
	reviewRole := requireRole(model.RoleReviewer)
	mux.Handle("POST /v1/approvals/{action_id}/approve", reviewerRL(reviewRole(http.HandlerFunc(h.HandleApprove))))
	mux.Handle("POST /v1/approvals/{action_id}/reject", reviewerRL(reviewRole(http.HandlerFunc(h.HandleReject))))
	mux.Handle("POST /v1/approvals/{action_id}/comment-intent", reviewerRL(reviewRole(http.HandlerFunc(h.HandleCommentIntent))))
	mux.Handle("PUT /v1/conversations/{conversation_id}/hold", reviewerRL(reviewRole(http.HandlerFunc(h.HandleSetHold))))
	mux.Handle("DELETE /v1/conversations/{conversation_id}/hold", reviewerRL(reviewRole(http.HandlerFunc(h.HandleClearHold))))

	// MCP StreamableHTTP transport (auth required, reader+).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", readRole(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// reviewerKeyFunc keys the inbound limiter by reviewer. Admins are exempt.
func reviewerKeyFunc(r *http.Request) string {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil || model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return "reviewer:" + claims.Reviewer
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, drains in-flight ones, then waits for
// webhook work still running in the background.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	err := s.httpServer.Shutdown(ctx)
	s.handlers.Drain(ctx)
	return err
}
