package ctxutil

import (
	"context"
	"log/slog"
)

// Actor identifies who made a decision and through which request. Both the
// HTTP handlers and the MCP tools log it next to every approval decision.
type Actor struct {
	Reviewer  string
	Role      string
	RequestID string
}

// ActorFromContext builds the Actor for the current request. Reviewer is
// empty when the request carries no claims.
func ActorFromContext(ctx context.Context) Actor {
	a := Actor{RequestID: RequestIDFromContext(ctx)}
	if c := ClaimsFromContext(ctx); c != nil {
		a.Reviewer = c.Reviewer
		a.Role = string(c.Role)
	}
	return a
}

// LogValue implements slog.LogValuer.
func (a Actor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("reviewer", a.Reviewer),
		slog.String("role", a.Role),
		slog.String("request_id", a.RequestID),
	)
}
