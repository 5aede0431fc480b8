package approval

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/madoguchi/internal/model"
)

// Rules drive the deterministic draft checks. Loaded from YAML:
//
//	max_length: 4000
//	min_length: 20
//	warning_penalty: 0.1
//	banned_phrases:
//	  - "as an ai"
//	  - "guaranteed refund"
type Rules struct {
	MaxLength      int      `yaml:"max_length"`
	MinLength      int      `yaml:"min_length"`
	WarningPenalty float64  `yaml:"warning_penalty"`
	BannedPhrases  []string `yaml:"banned_phrases"`
}

// DefaultRules returns the rules used when no file is configured.
func DefaultRules() Rules {
	return Rules{
		MaxLength:      4000,
		MinLength:      20,
		WarningPenalty: 0.1,
		BannedPhrases:  []string{"as an ai language model", "i am an ai"},
	}
}

// LoadRules reads rules from path, starting from DefaultRules so a file only
// needs the fields it overrides.
func LoadRules(path string) (Rules, error) {
	r := DefaultRules()
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("approval: read rules: %w", err)
	}
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rules{}, fmt.Errorf("approval: parse rules yaml: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Rules{}, err
	}
	return r, nil
}

// Validate rejects contradictory rules.
func (r Rules) Validate() error {
	if r.MaxLength < 0 || r.MinLength < 0 {
		return fmt.Errorf("approval: lengths must not be negative")
	}
	if r.MaxLength > 0 && r.MinLength > r.MaxLength {
		return fmt.Errorf("approval: min_length %d exceeds max_length %d", r.MinLength, r.MaxLength)
	}
	if r.WarningPenalty < 0 || r.WarningPenalty > 1 {
		return fmt.Errorf("approval: warning_penalty must be in [0, 1]")
	}
	return nil
}

// placeholderRe matches template slots a model left unfilled.
var placeholderRe = regexp.MustCompile(`\{\{[^}]*\}\}|\[(?:NAME|CUSTOMER|INSERT|TODO)[^\]]*\]`)

// Validator checks drafts against Rules.
type Validator struct {
	rules  Rules
	banned []string
}

// NewValidator creates a Validator.
func NewValidator(r Rules) *Validator {
	banned := make([]string, 0, len(r.BannedPhrases))
	for _, p := range r.BannedPhrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			banned = append(banned, p)
		}
	}
	return &Validator{rules: r, banned: banned}
}

// Validate scores a draft. The score starts at the classifier's confidence
// and loses WarningPenalty per warning; any blocking issue makes it invalid.
func (v *Validator) Validate(d model.Draft, c model.Classification) model.Validation {
	var issues []model.Issue
	add := func(sev model.IssueSeverity, code, format string, args ...any) {
		issues = append(issues, model.Issue{Code: code, Message: fmt.Sprintf(format, args...), Severity: sev})
	}

	content := strings.TrimSpace(d.Content)
	n := utf8.RuneCountInString(content)
	lower := strings.ToLower(content)

	switch {
	case n == 0:
		add(model.SeverityBlocking, "empty_draft", "draft is empty")
	case v.rules.MaxLength > 0 && n > v.rules.MaxLength:
		add(model.SeverityBlocking, "too_long", "draft is %d characters, limit is %d", n, v.rules.MaxLength)
	case n < v.rules.MinLength:
		add(model.SeverityWarning, "too_short", "draft is %d characters, expected at least %d", n, v.rules.MinLength)
	}
	if m := placeholderRe.FindString(content); m != "" {
		add(model.SeverityBlocking, "unresolved_placeholder", "draft contains unfilled placeholder %s", m)
	}
	for _, p := range v.banned {
		if strings.Contains(lower, p) {
			add(model.SeverityBlocking, "banned_phrase", "draft contains banned phrase %q", p)
		}
	}
	if c.Confidence < 0.5 {
		add(model.SeverityWarning, "low_confidence", "classification confidence %.2f", c.Confidence)
	}

	score := c.Confidence
	blocking := false
	for _, is := range issues {
		if is.Severity == model.SeverityBlocking {
			blocking = true
		} else {
			score -= v.rules.WarningPenalty
		}
	}
	score = max(0, min(1, score))
	if issues == nil {
		issues = []model.Issue{}
	}
	return model.Validation{Valid: !blocking, Issues: issues, Score: score}
}
