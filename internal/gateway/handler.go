package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-chat/internal/completion"
	"github.com/lexiqai/voice-chat/internal/conversation"
	"github.com/lexiqai/voice-chat/internal/stt"
	"github.com/lexiqai/voice-chat/internal/tts"
)

// Deps are the collaborators shared by every connection
type Deps struct {
	Transcriber   stt.Transcriber
	Streamer      completion.Streamer
	Titles        completion.TitleDeriver
	Synthesizer   tts.Synthesizer
	Chats         *conversation.Session
	SilenceWindow time.Duration
	Logger        zerolog.Logger
}

// HandleVoiceWS is the entry point for browser voice connections
func HandleVoiceWS(ctx context.Context, deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already answered the request
			deps.Logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		defer conn.Close()

		newClient(conn, deps).serve(ctx)
	}
}

// RegisterChatRoutes mounts the chat REST API on mux
func RegisterChatRoutes(mux *http.ServeMux, chats *conversation.Session, logger zerolog.Logger) {
	h := &chatHandler{chats: chats, logger: logger.With().Str("component", "chat_api").Logger()}
	mux.HandleFunc("GET /api/chats", h.list)
	mux.HandleFunc("POST /api/chats", h.create)
	mux.HandleFunc("GET /api/chats/{id}", h.get)
	mux.HandleFunc("DELETE /api/chats/{id}", h.delete)
}

type chatHandler struct {
	chats  *conversation.Session
	logger zerolog.Logger
}

type chatListResponse struct {
	ActiveID string        `json:"active_id"`
	Chats    []ChatSummary `json:"chats"`
}

type deleteResponse struct {
	Active *conversation.Chat `json:"active"`
}

func (h *chatHandler) list(w http.ResponseWriter, r *http.Request) {
	chats, err := h.chats.List(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatListResponse{ActiveID: h.chats.ActiveID(), Chats: summarize(chats)})
}

func (h *chatHandler) create(w http.ResponseWriter, r *http.Request) {
	chat, err := h.chats.NewChat(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (h *chatHandler) get(w http.ResponseWriter, r *http.Request) {
	chat, err := h.chats.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (h *chatHandler) delete(w http.ResponseWriter, r *http.Request) {
	active, _, err := h.chats.Delete(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{Active: active})
}

func (h *chatHandler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, conversation.ErrChatNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	h.logger.Error().Err(err).Msg("Chat request failed")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
