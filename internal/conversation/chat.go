// Package conversation holds the chat model and its storage. Every change
// to a chat goes through a read-modify-write against the latest stored
// state, so writers that interleave never clobber each other.
package conversation

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultTitle names a chat until a title has been derived
const DefaultTitle = "New Chat"

// ErrorTurnText is shown in place of a reply that could not be produced
const ErrorTurnText = "🌌 Sorry, something went wrong. Please try again."

// ErrChatNotFound is returned for an unknown chat ID
var ErrChatNotFound = errors.New("chat not found")

// Role identifies the author of a turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a chat. An assistant turn is Streaming while its
// reply is still arriving; its content only grows until it is frozen.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Streaming bool      `json:"streaming,omitempty"`
	Failed    bool      `json:"failed,omitempty"`
}

// Chat is an ordered conversation
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Turns     []Turn    `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewChat creates an empty chat titled DefaultTitle
func NewChat(now time.Time) *Chat {
	return &Chat{
		ID:        uuid.New().String(),
		Title:     DefaultTitle,
		Turns:     []Turn{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewTurn creates a turn with a fresh ID
func NewTurn(role Role, content string, now time.Time) Turn {
	return Turn{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: now,
	}
}

// Append adds a turn to the end of the chat
func (c *Chat) Append(t Turn) {
	c.Turns = append(c.Turns, t)
	c.UpdatedAt = t.Timestamp
}

// Turn returns the turn with id, or nil
func (c *Chat) Turn(id string) *Turn {
	for i := range c.Turns {
		if c.Turns[i].ID == id {
			return &c.Turns[i]
		}
	}
	return nil
}

// Remove deletes the turn with id and reports whether it existed
func (c *Chat) Remove(id string) bool {
	for i := range c.Turns {
		if c.Turns[i].ID == id {
			c.Turns = append(c.Turns[:i], c.Turns[i+1:]...)
			return true
		}
	}
	return false
}

// Streaming returns the assistant turn still receiving its reply, or nil
func (c *Chat) Streaming() *Turn {
	for i := range c.Turns {
		if c.Turns[i].Streaming {
			return &c.Turns[i]
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand to another goroutine
func (c *Chat) Clone() *Chat {
	if c == nil {
		return nil
	}
	out := *c
	out.Turns = append([]Turn(nil), c.Turns...)
	return &out
}
