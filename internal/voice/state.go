package voice

import (
	"github.com/lexiqai/voice-chat/internal/conversation"
)

// Mode is the voice mode state
type Mode int

const (
	ModeInactive Mode = iota
	ModeConnecting
	ModeListening
)

func (m Mode) String() string {
	switch m {
	case ModeInactive:
		return "inactive"
	case ModeConnecting:
		return "connecting"
	case ModeListening:
		return "listening"
	default:
		return "unknown"
	}
}

// State is a snapshot of the coordinator. Submitting is independent of Mode:
// a reply can stream while voice mode is off, and voice mode keeps
// listening while a reply streams.
type State struct {
	Mode       Mode   `json:"-"`
	ModeName   string `json:"mode"`
	Submitting bool   `json:"submitting"`
	ChatID     string `json:"chat_id"`
	Attachment string `json:"attachment,omitempty"`
}

// Listener receives coordinator output. Calls are made from the
// coordinator's goroutine and must not block for long.
type Listener interface {
	OnState(State)
	// OnPreview is the live input text; empty clears it
	OnPreview(text string)
	// OnChat is a snapshot of a chat that changed
	OnChat(chat *conversation.Chat)
	OnError(err error)
}

// Player speaks completed replies
type Player interface {
	Speak(turnID, text string) bool
	Stop()
	Speaking() bool
}

// NopListener discards everything
type NopListener struct{}

func (NopListener) OnState(State)             {}
func (NopListener) OnPreview(string)          {}
func (NopListener) OnChat(*conversation.Chat) {}
func (NopListener) OnError(error)             {}
