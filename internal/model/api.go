package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for reviewer-supplied text.
const (
	MaxReasonLen     = 4 * 1024
	MaxHoldReasonLen = 1024
	MaxDraftLen      = 64 * 1024
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeUpstreamFailure = "UPSTREAM_FAILURE"
)

// DecisionRequest is the request body for POST /v1/approvals/{action_id}/approve
// and /reject.
type DecisionRequest struct {
	Reason *string `json:"reason,omitempty"`
}

// CommentIntentRequest is the request body for
// POST /v1/approvals/{action_id}/comment-intent. An external comment parser
// posts the intent it extracted from a helpdesk comment.
type CommentIntentRequest struct {
	Intent   string  `json:"intent"`
	AuthorID string  `json:"author_id"`
	Comment  *string `json:"comment,omitempty"`
}

// HoldRequest is the request body for PUT /v1/conversations/{conversation_id}/hold.
type HoldRequest struct {
	Until  time.Time `json:"until"`
	Reason string    `json:"reason"`
}

// Validate checks the hold request against the current time.
func (r HoldRequest) Validate(now time.Time) error {
	if r.Until.IsZero() {
		return fmt.Errorf("until is required")
	}
	if !r.Until.After(now) {
		return fmt.Errorf("until must be in the future")
	}
	if len(r.Reason) > MaxHoldReasonLen {
		return fmt.Errorf("reason exceeds maximum length of %d bytes", MaxHoldReasonLen)
	}
	return nil
}

// DecisionResponse is returned after an approval decision is applied.
type DecisionResponse struct {
	ActionID uuid.UUID       `json:"action_id"`
	Request  ApprovalRequest `json:"approval_request"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	Reviewer string `json:"reviewer"`
	APIKey   string `json:"api_key"`
	Role     Role   `json:"role,omitempty"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Role is the access level carried in a reviewer token.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleReviewer Role = "reviewer"
	RoleReader   Role = "reader"
)

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleReviewer:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role has at least the privileges of minRole.
func RoleAtLeast(role, minRole Role) bool {
	return RoleRank(role) >= RoleRank(minRole)
}
