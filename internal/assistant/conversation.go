package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gwi.com/prefs-assistant/internal/backend"
	"gwi.com/prefs-assistant/internal/logger"
)

const (
	WelcomeMessage = "Hello! I'm Claude, your AI assistant. I can help you manage your preferences. " +
		"Try asking me to change your theme, language, or notification settings."
	ApologyMessage = "I'm sorry, I encountered an error processing your request. Please try again later."
	FailureNotice  = "Failed to communicate with Claude"
)

// ErrReset is returned by a turn whose history was reset while it waited for the reply.
var ErrReset = errors.New("conversation reset while the reply was in flight")

type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

type Message struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Sender    Sender         `json:"sender"`
	Timestamp time.Time      `json:"timestamp"`
	Action    backend.Action `json:"action,omitempty"`
}

// Command is a canned prompt offered next to the input.
type Command struct {
	Label  string `json:"label"`
	Prompt string `json:"prompt"`
}

var suggestedCommands = []Command{
	{Label: "Change to dark theme", Prompt: "Change my theme to dark mode"},
	{Label: "Change to light theme", Prompt: "Change my theme to light mode"},
	{Label: "Switch language", Prompt: "Change my language to Spanish"},
	{Label: "Toggle notifications", Prompt: "Turn off notifications"},
	{Label: "Show my preferences", Prompt: "What are my current preferences?"},
}

func SuggestedCommands() []Command {
	out := make([]Command, len(suggestedCommands))
	copy(out, suggestedCommands)
	return out
}

// PreferenceStore is what a conversation refreshes after a mutating reply.
type PreferenceStore interface {
	Adopt(prefs *backend.Preferences) error
	Load(ctx context.Context) (*backend.Preferences, error)
}

// Notice is a short transient message for the user, such as a toast.
type Notice struct {
	Text  string `json:"text"`
	Error bool   `json:"error,omitempty"`
}

// Outcome is the result of one conversational turn.
type Outcome struct {
	Reply       *Reply
	Preferences *backend.Preferences // snapshot after the refresh, nil when nothing changed
	Notice      *Notice
}

// Conversation owns the chat history shown to the user and keeps the preference store consistent with what the
// assistant changed. It is safe for concurrent use; turns are not serialized.
type Conversation struct {
	channel *Channel
	store   PreferenceStore
	log     *logger.Logger
	now     func() time.Time

	mu         sync.RWMutex
	messages   []Message
	generation uint64 // bumped by Reset
}

func NewConversation(channel *Channel, store PreferenceStore, log *logger.Logger) *Conversation {
	if log == nil {
		log = logger.NewNop()
	}
	c := &Conversation{
		channel: channel,
		store:   store,
		log:     log.With("component", "conversation"),
		now:     time.Now,
	}
	c.Reset()
	return c
}

// Reset drops the history back to the welcome message.
func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = []Message{c.message(SenderAssistant, WelcomeMessage, "")}
	c.generation++
}

func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Send runs one turn. Blank input is rejected without touching the history. When the channel fails the apology is
// appended, the error is returned, and the preference store is left alone. When the reply carries a mutation tag
// the store adopts the snapshot from the reply, or reloads when the reply has none.
//
// A Reset while the request is in flight detaches the turn: nothing more is appended, the store is not touched, and
// ErrReset is returned.
func (c *Conversation) Send(ctx context.Context, text string) (*Outcome, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &backend.ValidationError{Field: "message", Reason: "required"}
	}
	gen := c.start(c.message(SenderUser, text, ""))

	reply, err := c.channel.Send(ctx, text)
	if err != nil {
		if !c.appendIn(gen, c.message(SenderAssistant, ApologyMessage, "")) {
			return nil, fmt.Errorf("%w: %w", ErrReset, err)
		}
		return &Outcome{Notice: &Notice{Text: FailureNotice, Error: true}}, err
	}
	if !c.appendIn(gen, c.message(SenderAssistant, reply.Message, reply.Action)) {
		c.log.Debug("dropping reply for a reset conversation", "action", reply.Action)
		return nil, ErrReset
	}

	out := &Outcome{Reply: reply}
	if !reply.Action.MutatesPreferences() {
		return out, nil
	}
	if !c.live(gen) {
		return nil, ErrReset
	}

	prefs, err := c.refresh(ctx, reply)
	if err != nil {
		c.log.Warn("failed to refresh preferences after assistant action", "action", reply.Action, "error", err)
		return out, fmt.Errorf("refresh preferences after %s: %w", reply.Action, err)
	}
	out.Preferences = prefs
	out.Notice = noticeFor(reply.Action, prefs)
	return out, nil
}

func (c *Conversation) refresh(ctx context.Context, reply *Reply) (*backend.Preferences, error) {
	if reply.Preferences != nil {
		err := c.store.Adopt(reply.Preferences)
		if err == nil {
			return reply.Preferences.Clone(), nil
		}
		c.log.Warn("reply snapshot rejected, reloading", "error", err)
	}
	return c.store.Load(ctx)
}

func noticeFor(action backend.Action, prefs *backend.Preferences) *Notice {
	if prefs == nil {
		return nil
	}
	switch action {
	case backend.ActionThemeUpdated:
		return &Notice{Text: fmt.Sprintf("Theme updated to %s mode", prefs.Theme)}
	case backend.ActionLanguageUpdated:
		return &Notice{Text: fmt.Sprintf("Language updated to %s", prefs.Language)}
	case backend.ActionNotificationsUpdated:
		if prefs.Notifications {
			return &Notice{Text: "Notifications enabled"}
		}
		return &Notice{Text: "Notifications disabled"}
	}
	return nil
}

// start appends the user's message and returns the generation the turn belongs to.
func (c *Conversation) start(m Message) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
	return c.generation
}

func (c *Conversation) live(gen uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation == gen
}

// appendIn appends m unless the history was reset since gen.
func (c *Conversation) appendIn(gen uint64, m Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return false
	}
	c.messages = append(c.messages, m)
	return true
}

func (c *Conversation) message(sender Sender, content string, action backend.Action) Message {
	return Message{
		ID:        uuid.NewString(),
		Content:   content,
		Sender:    sender,
		Timestamp: c.now(),
		Action:    action,
	}
}
