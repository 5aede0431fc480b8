package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/madoguchi/internal/model"
)

const (
	uriPendingApprovals = "madoguchi://approvals/pending"
	uriSignalSummary    = "madoguchi://signals/summary"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriPendingApprovals,
			"Pending Approvals",
			mcplib.WithResourceDescription("Drafts waiting for a human decision"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePendingResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriSignalSummary,
			"Signal Summary",
			mcplib.WithResourceDescription("What humans did with drafts over the last 30 days"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSummaryResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"madoguchi://conversation/{id}/signals",
			"Conversation Signals",
			mcplib.WithTemplateDescription("Recorded draft outcomes for one conversation"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleConversationResource,
	)
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handlePendingResource(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	pending, err := s.store.ListApprovals(ctx, model.ApprovalPending, 50)
	if err != nil {
		return nil, fmt.Errorf("mcp: pending approvals: %w", err)
	}
	if pending == nil {
		pending = []model.PendingApproval{}
	}
	return jsonContents(uriPendingApprovals, pending)
}

func (s *Server) handleSummaryResource(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	summary, err := s.store.SignalSummary(ctx, time.Now().UTC().AddDate(0, 0, -30))
	if err != nil {
		return nil, fmt.Errorf("mcp: signal summary: %w", err)
	}
	return jsonContents(uriSignalSummary, summary)
}

func (s *Server) handleConversationResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	conv, ok := conversationFromURI(uri)
	if !ok {
		return nil, fmt.Errorf("mcp: invalid conversation signals URI: %s", uri)
	}
	signals, err := s.store.ListSignals(ctx, conv, 20)
	if err != nil {
		return nil, fmt.Errorf("mcp: conversation signals: %w", err)
	}
	if signals == nil {
		signals = []model.RLSignal{}
	}
	return jsonContents(uri, map[string]any{
		"conversation_id": conv,
		"signals":         signals,
	})
}

// conversationFromURI extracts {id} from madoguchi://conversation/{id}/signals.
func conversationFromURI(uri string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, "madoguchi://conversation/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/signals")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
