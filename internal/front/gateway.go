// Package front is the single choke point for helpdesk API traffic.
//
// Every call goes through Gateway: GETs consult the response cache first and
// only spend rate-limit budget on a miss; mutations always acquire the
// limiter and invalidate the cache under the touched resource on success. A
// 429 from upstream widens the limiter's pause before the error is returned.
package front

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/madoguchi/internal/cache"
	"github.com/ashita-ai/madoguchi/internal/telemetry"
)

// DefaultBaseURL is the public helpdesk API.
const DefaultBaseURL = "https://api2.frontapp.com"

// maxResponseBytes caps how much of an upstream body is read.
const maxResponseBytes = 10 << 20

var (
	// ErrMissingCredential means no API token is configured. Callers treat
	// it as "not performed" rather than a failure.
	ErrMissingCredential = errors.New("front: api token not configured")

	// ErrFetchFailed wraps any failure to retrieve a resource.
	ErrFetchFailed = errors.New("front: fetch failed")

	// ErrResponseTooLarge is returned when an upstream body exceeds the cap.
	ErrResponseTooLarge = errors.New("front: response too large")
)

// HTTPError is a non-2xx upstream response.
type HTTPError struct {
	Status     int
	Method     string
	Path       string
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("front: %s %s: status %d", e.Method, e.Path, e.Status)
}

// IsRateLimited reports whether upstream answered 429.
func (e *HTTPError) IsRateLimited() bool { return e.Status == http.StatusTooManyRequests }

// IsNotFound reports whether upstream answered 404.
func (e *HTTPError) IsNotFound() bool { return e.Status == http.StatusNotFound }

// Limiter is the outbound budget the gateway spends. *ratelimit.Window
// satisfies it.
type Limiter interface {
	Acquire(ctx context.Context) error
	Record429(retryAfter time.Duration)
	RecordCacheHit()
}

// Cache holds GET bodies. *cache.Cache satisfies it.
type Cache interface {
	Get(path string) ([]byte, bool)
	Set(path string, body []byte)
	Invalidate(prefix string) int
}

// Config configures a Gateway.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// Gateway wraps the raw verbs of the helpdesk API.
type Gateway struct {
	baseURL string
	token   string
	client  *http.Client
	limiter Limiter
	cache   Cache
	logger  *slog.Logger

	requests  metric.Int64Counter
	cacheHits metric.Int64Counter
	latency   metric.Float64Histogram
}

// New creates a Gateway. A nil HTTPClient gets an otelhttp-instrumented
// client with a 30 second timeout.
func New(cfg Config, limiter Limiter, c Cache, logger *slog.Logger) *Gateway {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		}
	}
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}

	g := &Gateway{
		baseURL: base,
		token:   cfg.Token,
		client:  client,
		limiter: limiter,
		cache:   c,
		logger:  logger,
	}
	meter := telemetry.Meter("madoguchi/front")
	g.requests, _ = meter.Int64Counter("madoguchi.front.requests",
		metric.WithDescription("Helpdesk API requests by method and status"))
	g.cacheHits, _ = meter.Int64Counter("madoguchi.front.cache_hits",
		metric.WithDescription("GET requests served from the response cache"))
	g.latency, _ = meter.Float64Histogram("madoguchi.front.latency_ms",
		metric.WithDescription("Helpdesk API round-trip latency"),
		metric.WithUnit("ms"))
	return g
}

// Configured reports whether an API token is set.
func (g *Gateway) Configured() bool { return g.token != "" }

// Get decodes the body at path into out, from cache when possible.
func (g *Gateway) Get(ctx context.Context, path string, out any) error {
	if !g.Configured() {
		return ErrMissingCredential
	}
	if body, ok := g.cache.Get(path); ok {
		g.limiter.RecordCacheHit()
		g.cacheHits.Add(ctx, 1)
		return decode(body, out, http.MethodGet, path)
	}

	if err := g.limiter.Acquire(ctx); err != nil {
		return err
	}
	body, err := g.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	g.cache.Set(path, body)
	return decode(body, out, http.MethodGet, path)
}

// Post sends in as JSON and decodes the response into out (may be nil).
func (g *Gateway) Post(ctx context.Context, path string, in, out any) error {
	return g.mutate(ctx, http.MethodPost, path, in, out)
}

// Patch sends in as JSON and decodes the response into out (may be nil).
func (g *Gateway) Patch(ctx context.Context, path string, in, out any) error {
	return g.mutate(ctx, http.MethodPatch, path, in, out)
}

// Put sends in as JSON and decodes the response into out (may be nil).
func (g *Gateway) Put(ctx context.Context, path string, in, out any) error {
	return g.mutate(ctx, http.MethodPut, path, in, out)
}

// Delete removes the resource at path.
func (g *Gateway) Delete(ctx context.Context, path string) error {
	return g.mutate(ctx, http.MethodDelete, path, nil, nil)
}

func (g *Gateway) mutate(ctx context.Context, method, path string, in, out any) error {
	if !g.Configured() {
		return ErrMissingCredential
	}

	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("front: encode %s %s: %w", method, path, err)
		}
	}

	if err := g.limiter.Acquire(ctx); err != nil {
		return err
	}
	body, err := g.do(ctx, method, path, payload)
	if err != nil {
		return err
	}
	if n := g.cache.Invalidate(cache.ResourcePrefix(path)); n > 0 {
		g.logger.Debug("front: invalidated cache", "path", path, "entries", n)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return decode(body, out, method, path)
}

func (g *Gateway) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("front: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		g.record(ctx, method, 0, start)
		return nil, fmt.Errorf("front: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	g.record(ctx, method, resp.StatusCode, start)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("front: read %s %s: %w", method, path, err)
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("%w: %s %s", ErrResponseTooLarge, method, path)
	}

	if resp.StatusCode >= 300 {
		herr := &HTTPError{
			Status: resp.StatusCode,
			Method: method,
			Path:   path,
			Body:   truncate(string(body), 512),
		}
		if herr.IsRateLimited() {
			herr.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
			g.limiter.Record429(herr.RetryAfter)
			g.logger.Warn("front: rate limited by upstream", "path", path, "retry_after", herr.RetryAfter)
		}
		return nil, herr
	}
	return body, nil
}

func (g *Gateway) record(ctx context.Context, method string, status int, start time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.Int("status", status),
	)
	g.requests.Add(ctx, 1, attrs)
	g.latency.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
}

// ParseRetryAfter reads a Retry-After header given as delay-seconds or an
// HTTP date. Unparseable or past values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func decode(body []byte, out any, method, path string) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("front: decode %s %s: %w", method, path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
