package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/madoguchi/internal/auth"
	"github.com/ashita-ai/madoguchi/internal/ctxutil"
	"github.com/ashita-ai/madoguchi/internal/model"
	"github.com/ashita-ai/madoguchi/internal/ratelimit"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRateLimitByIP(t *testing.T) {
	// rate=1 token/sec with burst=2: two rapid requests pass, the third is 429.
	limiter := ratelimit.NewMemoryLimiter(1, 2)
	defer func() { _ = limiter.Close() }()

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, func(*http.Request) string { return "req-1" }, quietLogger())(inner)

	for i := range 3 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/front", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		handler.ServeHTTP(rec, req)

		if i < 2 {
			assert.Equal(t, http.StatusOK, rec.Code, "request %d within burst", i+1)
			continue
		}
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	}

	// Another address has its own bucket.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/front", nil)
	req.RemoteAddr = "10.0.0.1:1000"
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReviewerKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/approvals", nil)
	assert.Empty(t, reviewerKeyFunc(req))

	ctx := ctxutil.WithClaims(req.Context(), &auth.Claims{Reviewer: "dana", Role: model.RoleReviewer})
	assert.Equal(t, "reviewer:dana", reviewerKeyFunc(req.WithContext(ctx)))

	ctx = ctxutil.WithClaims(req.Context(), &auth.Claims{Reviewer: "ops", Role: model.RoleAdmin})
	assert.Empty(t, reviewerKeyFunc(req.WithContext(ctx)))
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = ctxutil.RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("a", 129))
	handler.ServeHTTP(rec, req)

	assert.Len(t, seen, 36, "oversized id is replaced with a uuid")
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(quietLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/signals", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), model.ErrCodeInternalError)
}

func TestRequireRole(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	handler := requireRole(model.RoleReviewer)(ok)

	tests := []struct {
		name   string
		claims *auth.Claims
		want   int
	}{
		{"no claims", nil, http.StatusUnauthorized},
		{"reader", &auth.Claims{Reviewer: "rory", Role: model.RoleReader}, http.StatusForbidden},
		{"reviewer", &auth.Claims{Reviewer: "dana", Role: model.RoleReviewer}, http.StatusNoContent},
		{"admin", &auth.Claims{Reviewer: "ops", Role: model.RoleAdmin}, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/approvals/x/approve", nil)
			if tt.claims != nil {
				req = req.WithContext(ctxutil.WithClaims(req.Context(), tt.claims))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestStatusWriterNotesReviewer(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	noteReviewer(sw, "dana")
	sw.WriteHeader(http.StatusAccepted)
	sw.WriteHeader(http.StatusTeapot)

	assert.Equal(t, "dana", sw.reviewer)
	assert.Equal(t, http.StatusAccepted, sw.statusCode)
}
