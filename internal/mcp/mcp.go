// Package mcp implements the Model Context Protocol server for madoguchi.
//
// Reviewers working from an MCP-capable assistant can read the approval
// queue, inspect drafts, decide them, and see how drafts fared once a human
// took over.
package mcp

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/madoguchi/internal/cache"
	"github.com/ashita-ai/madoguchi/internal/front"
	"github.com/ashita-ai/madoguchi/internal/model"
	"github.com/ashita-ai/madoguchi/internal/ratelimit"
)

// Store is the read side the tools need. *storage.DB satisfies it.
type Store interface {
	GetAction(ctx context.Context, id uuid.UUID) (model.Action, error)
	GetApprovalRequest(ctx context.Context, actionID uuid.UUID) (model.ApprovalRequest, error)
	ListApprovals(ctx context.Context, status model.ApprovalStatus, limit int) ([]model.PendingApproval, error)
	ListSignals(ctx context.Context, conversationID string, limit int) ([]model.RLSignal, error)
	SignalSummary(ctx context.Context, since time.Time) (model.SignalSummary, error)
}

// Decider settles approval requests. *workflow.Engine satisfies it.
type Decider interface {
	Approve(ctx context.Context, actionID uuid.UUID, reviewer string, reason *string) (model.ApprovalRequest, error)
	Reject(ctx context.Context, actionID uuid.UUID, reviewer string, reason *string) (model.ApprovalRequest, error)
}

// Helpdesk is the slice of the helpdesk gateway exposed to reviewers.
// *front.Gateway satisfies it.
type Helpdesk interface {
	ListInboxes(ctx context.Context) ([]front.Inbox, error)
	GetConversation(ctx context.Context, conversationID string) (front.Conversation, error)
}

// LimiterStats reports outbound budget use.
type LimiterStats interface {
	Stats() ratelimit.Stats
}

// CacheStats reports response cache use.
type CacheStats interface {
	Stats() cache.Stats
}

// Deps holds the collaborators of the MCP server. Helpdesk, Limiter and
// Cache are optional.
type Deps struct {
	Store    Store
	Decider  Decider
	Helpdesk Helpdesk
	Limiter  LimiterStats
	Cache    CacheStats
}

// Server wraps the MCP server with madoguchi's workflow.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     Store
	decider   Decider
	helpdesk  Helpdesk
	limiter   LimiterStats
	cache     CacheStats
	logger    *slog.Logger
	views     *viewTracker
}

// New creates and configures a new MCP server with all resources, prompts
// and tools.
func New(d Deps, logger *slog.Logger, version string) *Server {
	s := &Server{
		store:    d.Store,
		decider:  d.Decider,
		helpdesk: d.Helpdesk,
		limiter:  d.Limiter,
		cache:    d.Cache,
		logger:   logger,
		views:    newViewTracker(30 * time.Minute),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"madoguchi",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(instructions),
	)

	s.registerResources()
	s.registerPrompts()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const instructions = `madoguchi routes AI-drafted helpdesk replies through human review.

Use madoguchi_pending_approvals to see what is waiting, madoguchi_get_approval
to read a draft and the reasoning behind it, then madoguchi_decide to approve
or reject it. Approved drafts are sent to the customer. The first decision on
a request wins; later ones are refused.`

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
