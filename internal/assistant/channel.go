// Package assistant forwards free-text messages to the remote interpreter and keeps the preference store in step
// with whatever the interpreter changed.
package assistant

import (
	"context"
	"strings"

	"gwi.com/prefs-assistant/internal/backend"
	"gwi.com/prefs-assistant/internal/logger"
)

// Backend is the slice of the remote API the channel needs.
type Backend interface {
	SendMessage(ctx context.Context, token, message string) (*backend.AssistantResponse, error)
}

// TokenSource yields the current bearer token, "" when signed out.
type TokenSource interface {
	Token() string
}

type Reply struct {
	Message     string
	Action      backend.Action
	Preferences *backend.Preferences
}

// Channel is stateless: every Send is one request, with no retry and no queue.
type Channel struct {
	api    Backend
	tokens TokenSource
	log    *logger.Logger
}

func NewChannel(api Backend, tokens TokenSource, log *logger.Logger) *Channel {
	if log == nil {
		log = logger.NewNop()
	}
	return &Channel{api: api, tokens: tokens, log: log.With("component", "assistant")}
}

// Send posts text as typed. Blank input is rejected before any request is made.
func (c *Channel) Send(ctx context.Context, text string) (*Reply, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &backend.ValidationError{Field: "message", Reason: "required"}
	}
	token := c.tokens.Token()
	if token == "" {
		return nil, backend.ErrUnauthorized
	}

	resp, err := c.api.SendMessage(ctx, token, text)
	if err != nil {
		c.log.Warn("assistant request failed", "error", err)
		return nil, err
	}
	c.log.Debug("assistant replied", "action", resp.Action)
	return &Reply{
		Message:     resp.Message,
		Action:      resp.Action,
		Preferences: resp.Preferences.Clone(),
	}, nil
}
