// Package approval decides whether a validated draft may be sent without a
// human, and validates drafts against deterministic rules.
package approval

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ashita-ai/madoguchi/internal/model"
)

// Never is the threshold value that disables auto-approval.
var Never = math.Inf(1)

// ParseThreshold reads a threshold from configuration. "never" disables
// auto-approval; anything else must be a number in [0, 1].
func ParseThreshold(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "never") {
		return Never, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("approval: threshold %q is neither a number nor \"never\"", s)
	}
	if v < 0 || v > 1 || math.IsNaN(v) {
		return 0, fmt.Errorf("approval: threshold %v out of range [0, 1]", v)
	}
	return v, nil
}

// FormatThreshold is the inverse of ParseThreshold.
func FormatThreshold(v float64) string {
	if math.IsInf(v, 1) {
		return "never"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Decision is the outcome of Decide.
type Decision struct {
	AutoApprove bool   `json:"auto_approve"`
	Reason      string `json:"reason"`
}

// Engine applies the auto-approve policy.
type Engine struct {
	threshold float64
}

// NewEngine creates an Engine. Use Never to require a human for every draft.
func NewEngine(threshold float64) *Engine {
	return &Engine{threshold: threshold}
}

// Threshold returns the configured threshold.
func (e *Engine) Threshold() float64 { return e.threshold }

// Decide auto-approves only a valid draft with no blocking issues whose score
// is at or above the threshold. The reason is written for the reviewer.
func (e *Engine) Decide(v model.Validation) Decision {
	if !v.Valid || v.HasBlocking() {
		return Decision{Reason: "validation failed: " + describeIssues(v.Issues)}
	}
	if v.Score < e.threshold {
		r := fmt.Sprintf("score %.2f below auto-approve threshold %s", v.Score, FormatThreshold(e.threshold))
		if len(v.Issues) > 0 {
			r += "; " + describeIssues(v.Issues)
		}
		return Decision{Reason: r}
	}
	return Decision{
		AutoApprove: true,
		Reason:      fmt.Sprintf("validation passed with score %.2f", v.Score),
	}
}

func describeIssues(issues []model.Issue) string {
	if len(issues) == 0 {
		return "no issues reported"
	}
	parts := make([]string, len(issues))
	for i, is := range issues {
		parts[i] = fmt.Sprintf("[%s] %s", is.Severity, is.Message)
	}
	return strings.Join(parts, "; ")
}
