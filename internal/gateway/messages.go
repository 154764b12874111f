// Package gateway exposes voice chat to browsers. Each websocket connection
// gets its own voice coordinator: binary frames carry microphone audio in
// and synthesized speech out, text frames carry JSON control messages.
package gateway

import (
	"errors"
	"time"

	"github.com/lexiqai/voice-chat/internal/conversation"
	"github.com/lexiqai/voice-chat/internal/voice"
)

// Client message types
const (
	msgActivate      = "activate"
	msgDeactivate    = "deactivate"
	msgSubmit        = "submit"
	msgAttach        = "attach"
	msgDetach        = "detach"
	msgNewChat       = "new_chat"
	msgSelectChat    = "select_chat"
	msgDeleteChat    = "delete_chat"
	msgListChats     = "list_chats"
	msgPlaybackEnded = "playback_ended"
)

// Server message types
const (
	msgState    = "state"
	msgPreview  = "preview"
	msgChat     = "chat"
	msgChats    = "chats"
	msgError    = "error"
	msgTTSStart = "tts_start"
	msgTTSStop  = "tts_stop"
)

// ClientMessage is a control message sent by the browser
type ClientMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content,omitempty"`
}

// ServerMessage is pushed to the browser
type ServerMessage struct {
	Type        string             `json:"type"`
	State       *voice.State       `json:"state,omitempty"`
	Text        string             `json:"text,omitempty"`
	Chat        *conversation.Chat `json:"chat,omitempty"`
	Chats       []ChatSummary      `json:"chats,omitempty"`
	Error       string             `json:"error,omitempty"`
	Kind        string             `json:"kind,omitempty"`
	TurnID      string             `json:"turn_id,omitempty"`
	ContentType string             `json:"content_type,omitempty"`
}

// ChatSummary is a chat without its turns, for chat lists
type ChatSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Turns     int       `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func summarize(chats []*conversation.Chat) []ChatSummary {
	out := make([]ChatSummary, 0, len(chats))
	for _, c := range chats {
		out = append(out, ChatSummary{
			ID:        c.ID,
			Title:     c.Title,
			Turns:     len(c.Turns),
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
		})
	}
	return out
}

// errorKind names an error for the browser
func errorKind(err error) string {
	switch {
	case errors.Is(err, voice.ErrDeviceAccess):
		return "device"
	case errors.Is(err, voice.ErrTranscriptionConnection):
		return "transcription"
	case errors.Is(err, voice.ErrNothingToSubmit), errors.Is(err, voice.ErrSubmissionInFlight):
		return "submission"
	case errors.Is(err, conversation.ErrUnsupportedFileType), errors.Is(err, conversation.ErrAttachmentTooLarge):
		return "attachment"
	case errors.Is(err, conversation.ErrChatNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
