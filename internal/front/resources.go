package front

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Author is the teammate or contact who wrote a message.
type Author struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// Message is a helpdesk message or draft.
type Message struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	IsInbound bool    `json:"is_inbound"`
	IsDraft   bool    `json:"is_draft"`
	CreatedAt float64 `json:"created_at"`
	Subject   string  `json:"subject"`
	Body      string  `json:"body"`
	Text      string  `json:"text"`
	Author    *Author `json:"author"`
}

// Content prefers the plain-text rendering and falls back to the HTML body.
func (m Message) Content() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Body
}

// AuthorID returns the author's id, or "" for system messages.
func (m Message) AuthorID() string {
	if m.Author == nil {
		return ""
	}
	return m.Author.ID
}

// Created converts the epoch-seconds timestamp.
func (m Message) Created() time.Time {
	sec := int64(m.CreatedAt)
	nsec := int64((m.CreatedAt - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// Conversation is a helpdesk conversation.
type Conversation struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Status  string `json:"status"`
}

// Inbox is a shared helpdesk inbox.
type Inbox struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Comment is an internal note on a conversation.
type Comment struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

// DraftInput creates a reply draft on a conversation.
type DraftInput struct {
	Body      string `json:"body"`
	AuthorID  string `json:"author_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

// ReplyInput sends a reply on a conversation.
type ReplyInput struct {
	Body      string `json:"body"`
	AuthorID  string `json:"author_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

// ReplyReceipt is the asynchronous acknowledgement of a sent reply.
type ReplyReceipt struct {
	MessageUID string `json:"message_uid"`
}

type results[T any] struct {
	Results []T `json:"_results"`
}

// GetMessage fetches one message. Any failure is wrapped in ErrFetchFailed.
func (g *Gateway) GetMessage(ctx context.Context, messageID string) (Message, error) {
	var m Message
	if err := g.Get(ctx, "/messages/"+url.PathEscape(messageID), &m); err != nil {
		return Message{}, fetchErr("message", messageID, err)
	}
	return m, nil
}

// GetConversation fetches one conversation.
func (g *Gateway) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	var c Conversation
	if err := g.Get(ctx, "/conversations/"+url.PathEscape(conversationID), &c); err != nil {
		return Conversation{}, fetchErr("conversation", conversationID, err)
	}
	return c, nil
}

// ListConversationMessages returns the messages of a conversation, newest first.
func (g *Gateway) ListConversationMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var r results[Message]
	if err := g.Get(ctx, "/conversations/"+url.PathEscape(conversationID)+"/messages", &r); err != nil {
		return nil, fetchErr("conversation messages", conversationID, err)
	}
	return r.Results, nil
}

// ListInboxes returns every inbox the token can see.
func (g *Gateway) ListInboxes(ctx context.Context) ([]Inbox, error) {
	var r results[Inbox]
	if err := g.Get(ctx, "/inboxes", &r); err != nil {
		return nil, fetchErr("inboxes", "", err)
	}
	return r.Results, nil
}

// CreateDraft creates a reply draft on a conversation and returns it.
func (g *Gateway) CreateDraft(ctx context.Context, conversationID string, in DraftInput) (Message, error) {
	var m Message
	if err := g.Post(ctx, "/conversations/"+url.PathEscape(conversationID)+"/drafts", in, &m); err != nil {
		return Message{}, fmt.Errorf("front: create draft on %s: %w", conversationID, err)
	}
	return m, nil
}

// SendReply sends a reply on a conversation.
func (g *Gateway) SendReply(ctx context.Context, conversationID string, in ReplyInput) (ReplyReceipt, error) {
	var r ReplyReceipt
	if err := g.Post(ctx, "/conversations/"+url.PathEscape(conversationID)+"/messages", in, &r); err != nil {
		return ReplyReceipt{}, fmt.Errorf("front: send reply on %s: %w", conversationID, err)
	}
	return r, nil
}

// AddComment posts an internal comment on a conversation.
func (g *Gateway) AddComment(ctx context.Context, conversationID, body string) (Comment, error) {
	var c Comment
	in := struct {
		Body string `json:"body"`
	}{Body: body}
	if err := g.Post(ctx, "/conversations/"+url.PathEscape(conversationID)+"/comments", in, &c); err != nil {
		return Comment{}, fmt.Errorf("front: add comment on %s: %w", conversationID, err)
	}
	return c, nil
}

func fetchErr(kind, id string, err error) error {
	if errors.Is(err, ErrMissingCredential) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %w", ErrFetchFailed, kind, id, err)
}
