package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/madoguchi/internal/auth"
	"github.com/ashita-ai/madoguchi/internal/cache"
	"github.com/ashita-ai/madoguchi/internal/model"
	"github.com/ashita-ai/madoguchi/internal/pipeline"
	"github.com/ashita-ai/madoguchi/internal/ratelimit"
	"github.com/ashita-ai/madoguchi/internal/storage"
	"github.com/ashita-ai/madoguchi/internal/workflow"
)

// Store is the persistence the handlers read and write directly.
// *storage.DB satisfies it.
type Store interface {
	Ping(ctx context.Context) error
	GetAction(ctx context.Context, id uuid.UUID) (model.Action, error)
	GetApprovalRequest(ctx context.Context, actionID uuid.UUID) (model.ApprovalRequest, error)
	ListApprovals(ctx context.Context, status model.ApprovalStatus, limit int) ([]model.PendingApproval, error)
	GetHold(ctx context.Context, conversationID string) (model.Hold, error)
	SetHold(ctx context.Context, h model.Hold) (model.Hold, error)
	ClearHold(ctx context.Context, conversationID string) error
	ListSignals(ctx context.Context, conversationID string, limit int) ([]model.RLSignal, error)
	SignalSummary(ctx context.Context, since time.Time) (model.SignalSummary, error)
}

// Workflow drives decisions and outbound tracking. *workflow.Engine
// satisfies it.
type Workflow interface {
	HandleValidated(ctx context.Context, ev model.DraftValidated) (workflow.Result, error)
	HandleOutbound(ctx context.Context, ev model.OutboundMessage) (workflow.Outcome, error)
	Approve(ctx context.Context, actionID uuid.UUID, reviewer string, reason *string) (model.ApprovalRequest, error)
	Reject(ctx context.Context, actionID uuid.UUID, reviewer string, reason *string) (model.ApprovalRequest, error)
	ApplyCommentIntent(ctx context.Context, actionID uuid.UUID, intent, authorID string, comment *string) (model.ApprovalRequest, error)
}

// Inbound runs the drafting pipeline for a customer message.
// *pipeline.Pipeline satisfies it.
type Inbound interface {
	HandleInbound(ctx context.Context, ev model.InboundReceived) (pipeline.Result, error)
}

// LimiterStats reports outbound budget use. *ratelimit.Window satisfies it.
type LimiterStats interface {
	Stats() ratelimit.Stats
}

// CacheStats reports response cache use. *cache.Cache satisfies it.
type CacheStats interface {
	Stats() cache.Stats
}

// GatewayStats is the body of GET /v1/gateway/stats.
type GatewayStats struct {
	Limiter *ratelimit.Stats `json:"rate_limiter,omitempty"`
	Cache   *cache.Stats     `json:"cache,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}

// webhookTimeout bounds background processing of one webhook event.
const webhookTimeout = 5 * time.Minute

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	workflow            Workflow
	inbound             Inbound
	jwtMgr              *auth.JWTManager
	keyring             *auth.Keyring
	limiter             LimiterStats
	cache               CacheStats
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte

	// background tracks webhook work that outlives its request.
	background sync.WaitGroup
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Inbound, Limiter, Cache, OpenAPISpec.
type HandlersDeps struct {
	Store               Store
	Workflow            Workflow
	Inbound             Inbound
	JWTMgr              *auth.JWTManager
	Keyring             *auth.Keyring
	Limiter             LimiterStats
	Cache               CacheStats
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	keyring := d.Keyring
	if keyring == nil {
		keyring = &auth.Keyring{}
	}
	return &Handlers{
		store:               d.Store,
		workflow:            d.Workflow,
		inbound:             d.Inbound,
		jwtMgr:              d.JWTMgr,
		keyring:             keyring,
		limiter:             d.Limiter,
		cache:               d.Cache,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /auth/token. The admin API key is exchanged
// for a token naming the reviewer; role defaults to reviewer.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Reviewer == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reviewer is required")
		return
	}
	role := req.Role
	if role == "" {
		role = model.RoleReviewer
	}
	if model.RoleRank(role) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("unknown role %q", role))
		return
	}

	if !h.keyring.Verify(req.APIKey) {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.Reviewer, role)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	h.logger.Info("token issued",
		"reviewer", req.Reviewer,
		"role", role,
		"ip", r.RemoteAddr,
		"token_exp", expiresAt,
	)
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		Postgres: "connected",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Postgres = "disconnected"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// HandleGatewayStats handles GET /v1/gateway/stats.
func (h *Handlers) HandleGatewayStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.GatewayStats())
}

// GatewayStats snapshots the outbound limiter and the response cache.
func (h *Handlers) GatewayStats() GatewayStats {
	var st GatewayStats
	if h.limiter != nil {
		ls := h.limiter.Stats()
		st.Limiter = &ls
	}
	if h.cache != nil {
		cs := h.cache.Stats()
		st.Cache = &cs
	}
	return st
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// Drain waits for background webhook work, or for ctx to end.
func (h *Handlers) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		h.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("webhook drain incomplete", "error", ctx.Err())
	}
}

// goBackground runs fn detached from the request, bounded by webhookTimeout.
func (h *Handlers) goBackground(r *http.Request, fn func(ctx context.Context)) {
	ctx := context.WithoutCancel(r.Context())
	h.background.Add(1)
	go func() {
		defer h.background.Done()
		ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "path", r.URL.Path)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// writeStoreError maps storage sentinels to 404 and 409.
func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, msg+": not found")
	case errors.Is(err, storage.ErrAlreadyDecided):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, msg+": already decided")
	default:
		h.writeInternalError(w, r, msg, err)
	}
}

// --- Shared helpers ---

func parseActionID(r *http.Request) (uuid.UUID, error) {
	s := r.PathValue("action_id")
	if s == "" {
		return uuid.Nil, errors.New("action_id is required")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid action_id: %s", s)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected RFC3339 format (e.g. 2024-01-01T00:00:00Z)", key)
	}
	return &t, nil
}
