// Package llm wraps the language model that classifies inbound messages and
// drafts replies. Prompt wording and model choice live here and nowhere else.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ashita-ai/madoguchi/internal/model"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

// ErrNotConfigured is returned by Noop.
var ErrNotConfigured = errors.New("llm: no language model configured")

// ClassifyInput is the message to classify.
type ClassifyInput struct {
	Subject string
	Message string
}

// DraftInput is everything the model sees when drafting a reply.
type DraftInput struct {
	Message        string
	Classification model.Classification
	Context        model.ConversationContext
}

// Model classifies and drafts.
type Model interface {
	Classify(ctx context.Context, in ClassifyInput) (model.Classification, error)
	Draft(ctx context.Context, in DraftInput) (model.Draft, error)
}

// AnthropicConfig configures the Anthropic model. BaseURL is for tests.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
	BaseURL   string
}

// Anthropic implements Model with the Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	logger    *slog.Logger
}

// NewAnthropic creates an Anthropic model.
func NewAnthropic(cfg AnthropicConfig, logger *slog.Logger) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL), option.WithMaxRetries(0))
	}
	m := cfg.Model
	if m == "" {
		m = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     m,
		maxTokens: maxTokens,
		logger:    logger,
	}
}

const classifySystem = `You triage customer support messages. Reply with one JSON object and nothing else:
{"category": "<short snake_case intent>", "confidence": <0..1>, "reasoning": "<one sentence>"}`

const draftSystem = `You write replies for a customer support team. Be accurate, brief and warm.
Never promise refunds, dates or outcomes the context does not support. Reply with one JSON object and nothing else:
{"content": "<reply body>", "tools_used": []}`

// Classify returns the message's intent.
func (a *Anthropic) Classify(ctx context.Context, in ClassifyInput) (model.Classification, error) {
	prompt := fmt.Sprintf("Subject: %s\n\nMessage:\n%s", in.Subject, in.Message)
	text, err := a.complete(ctx, classifySystem, prompt)
	if err != nil {
		return model.Classification{}, fmt.Errorf("llm: classify: %w", err)
	}
	var c model.Classification
	if err := decodeJSON(text, &c); err != nil {
		return model.Classification{}, fmt.Errorf("llm: classify: %w", err)
	}
	c.Confidence = min(max(c.Confidence, 0), 1)
	return c, nil
}

// Draft returns a proposed reply.
func (a *Anthropic) Draft(ctx context.Context, in DraftInput) (model.Draft, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Intent: %s (%s)\n", in.Classification.Category, in.Classification.Reasoning)
	if in.Context.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", in.Context.Subject)
	}
	if len(in.Context.Messages) > 0 {
		b.WriteString("\nEarlier messages, oldest first:\n")
		for _, m := range in.Context.Messages {
			fmt.Fprintf(&b, "---\n%s\n", m)
		}
	}
	fmt.Fprintf(&b, "\nMessage to answer:\n%s", in.Message)

	text, err := a.complete(ctx, draftSystem, b.String())
	if err != nil {
		return model.Draft{}, fmt.Errorf("llm: draft: %w", err)
	}
	var d model.Draft
	if err := decodeJSON(text, &d); err != nil {
		return model.Draft{}, fmt.Errorf("llm: draft: %w", err)
	}
	return d, nil
}

func (a *Anthropic) complete(ctx context.Context, system, prompt string) (string, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			a.logger.Debug("llm: completion",
				"model", a.model, "input_tokens", msg.Usage.InputTokens, "output_tokens", msg.Usage.OutputTokens)
			return block.Text, nil
		}
	}
	return "", errors.New("no text content in response")
}

// decodeJSON tolerates a fenced code block around the object.
func decodeJSON(text string, v any) error {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("parse response: %w (response: %.200s)", err, text)
	}
	return nil
}

// Noop is the model used when no API key is configured.
type Noop struct{}

// Classify returns ErrNotConfigured.
func (Noop) Classify(context.Context, ClassifyInput) (model.Classification, error) {
	return model.Classification{}, ErrNotConfigured
}

// Draft returns ErrNotConfigured.
func (Noop) Draft(context.Context, DraftInput) (model.Draft, error) {
	return model.Draft{}, ErrNotConfigured
}
