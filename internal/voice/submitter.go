package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-chat/internal/clock"
	"github.com/lexiqai/voice-chat/internal/completion"
	"github.com/lexiqai/voice-chat/internal/conversation"
	"github.com/lexiqai/voice-chat/internal/observability"
)

var errTurnMissing = errors.New("assistant turn no longer exists")

// Submitter turns an utterance into a user turn and streams the reply into
// an assistant turn. It holds the pending attachment and the in-flight
// submission; only the coordinator goroutine touches it.
type Submitter struct {
	chats    *conversation.Session
	streamer completion.Streamer
	titles   completion.TitleDeriver
	clock    clock.Clock
	logger   zerolog.Logger

	// post hands events back to the coordinator loop
	post func(Event) error
	// publish announces a changed chat
	publish func(*conversation.Chat)

	attachment *conversation.Attachment
	inflight   *submission
}

// reply is a completed assistant turn and the chat it belongs to
type reply struct {
	chatID string
	turn   conversation.Turn
}

type submission struct {
	chatID   string
	turnID   string
	source   string
	started  time.Time
	gotFirst bool
	cancel   context.CancelFunc
}

// Submitting reports whether a reply is streaming
func (s *Submitter) Submitting() bool {
	return s.inflight != nil
}

// SetAttachment replaces the pending attachment; nil clears it
func (s *Submitter) SetAttachment(a *conversation.Attachment) {
	s.attachment = a
}

// Attachment returns the pending attachment, or nil
func (s *Submitter) Attachment() *conversation.Attachment {
	return s.attachment
}

// Submit appends a user turn to the active chat and starts streaming the
// reply. ctx bounds the reply stream and the title request.
func (s *Submitter) Submit(ctx context.Context, text, source string) error {
	text = strings.TrimSpace(text)
	if text == "" && s.attachment == nil {
		observability.RecordTurn(source, "refused")
		return ErrNothingToSubmit
	}
	if s.inflight != nil {
		observability.RecordTurn(source, "refused")
		return ErrSubmissionInFlight
	}
	chatID := s.chats.ActiveID()
	if chatID == "" {
		observability.RecordTurn(source, "refused")
		return ErrNoActiveChat
	}

	content := text
	if s.attachment != nil {
		content = s.attachment.Compose(text)
	}

	userTurn := conversation.NewTurn(conversation.RoleUser, content, s.clock.Now())
	firstTurn := false
	chat, err := s.chats.Update(ctx, chatID, func(c *conversation.Chat) error {
		firstTurn = len(c.Turns) == 0
		c.Append(userTurn)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}
	s.attachment = nil
	s.publish(chat)

	logger := s.logger.With().Str("chat_id", chatID).Str("source", source).Logger()
	logger.Info().Int("turns", len(chat.Turns)).Msg("Turn submitted")

	if firstTurn && s.titles != nil {
		go s.deriveTitle(ctx, chatID, content, logger)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	sub := &submission{
		chatID:  chatID,
		turnID:  uuid.New().String(),
		source:  source,
		started: time.Now(),
		cancel:  cancel,
	}
	s.inflight = sub
	go s.stream(streamCtx, sub.turnID, history(chat.Turns))
	return nil
}

// history converts settled turns into completion messages. Error turns are
// left out so the model never sees them as its own replies.
func history(turns []conversation.Turn) []completion.Message {
	msgs := make([]completion.Message, 0, len(turns))
	for _, t := range turns {
		if t.Failed || t.Streaming {
			continue
		}
		role := completion.RoleUser
		if t.Role == conversation.RoleAssistant {
			role = completion.RoleAssistant
		}
		msgs = append(msgs, completion.Message{Role: role, Content: t.Content})
	}
	return msgs
}

func (s *Submitter) stream(ctx context.Context, turnID string, msgs []completion.Message) {
	stream, err := s.streamer.Stream(ctx, msgs)
	if err != nil {
		_ = s.post(StreamEnded{TurnID: turnID, Err: err})
		return
	}
	defer stream.Close()

	if s.post(streamOpened{turnID: turnID}) != nil {
		return
	}
	for stream.Next() {
		if s.post(StreamChunk{TurnID: turnID, Text: stream.Text()}) != nil {
			return
		}
	}
	_ = s.post(StreamEnded{TurnID: turnID, Err: stream.Err()})
}

func (s *Submitter) deriveTitle(ctx context.Context, chatID, content string, logger zerolog.Logger) {
	title, err := s.titles.DeriveTitle(ctx, content)
	if err != nil {
		observability.RecordError("title_derivation", "submitter")
		logger.Warn().Err(err).Msg("Using default chat title")
		title = conversation.DefaultTitle
	}
	_ = s.post(titleDerived{chatID: chatID, title: title})
}

func (s *Submitter) current(turnID string) *submission {
	if s.inflight == nil || s.inflight.turnID != turnID {
		return nil
	}
	return s.inflight
}

// onStreamOpened appends the empty assistant turn the reply grows into
func (s *Submitter) onStreamOpened(ctx context.Context, turnID string) {
	sub := s.current(turnID)
	if sub == nil {
		return
	}

	turn := conversation.NewTurn(conversation.RoleAssistant, "", s.clock.Now())
	turn.ID = turnID
	turn.Streaming = true
	chat, err := s.chats.Update(ctx, sub.chatID, func(c *conversation.Chat) error {
		c.Append(turn)
		return nil
	})
	if err != nil {
		// The chat is gone; let the stream wind down
		sub.cancel()
		return
	}
	s.publish(chat)
}

// onChunk appends a fragment to the streaming assistant turn
func (s *Submitter) onChunk(ctx context.Context, turnID, text string) {
	sub := s.current(turnID)
	if sub == nil {
		return
	}
	if !sub.gotFirst {
		sub.gotFirst = true
		observability.ObserveFirstChunk(time.Since(sub.started))
	}

	chat, err := s.chats.Update(ctx, sub.chatID, func(c *conversation.Chat) error {
		t := c.Turn(turnID)
		if t == nil {
			return errTurnMissing
		}
		t.Content += text
		return nil
	})
	if err != nil {
		sub.cancel()
		return
	}
	s.publish(chat)
}

// onEnded settles the submission. On success the frozen assistant turn is
// returned; on failure any partial reply is replaced by the error turn.
func (s *Submitter) onEnded(ctx context.Context, turnID string, streamErr error) *reply {
	sub := s.current(turnID)
	if sub == nil {
		return nil
	}
	s.inflight = nil
	defer sub.cancel()

	logger := s.logger.With().Str("chat_id", sub.chatID).Str("turn_id", turnID).Logger()
	observability.ObserveCompletion(time.Since(sub.started))

	if streamErr == nil {
		var frozen conversation.Turn
		chat, err := s.chats.Update(ctx, sub.chatID, func(c *conversation.Chat) error {
			t := c.Turn(turnID)
			if t == nil {
				return errTurnMissing
			}
			t.Streaming = false
			frozen = *t
			return nil
		})
		if err == nil {
			s.publish(chat)
			observability.RecordTurn(sub.source, "completed")
			logger.Info().Int("chars", len(frozen.Content)).Msg("Reply completed")
			return &reply{chatID: sub.chatID, turn: frozen}
		}
		streamErr = err
	}

	err := fmt.Errorf("%w: %w", ErrCompletionStream, streamErr)
	observability.RecordTurn(sub.source, "failed")
	observability.RecordError("completion_stream", "submitter")
	logger.Error().Err(err).Msg("Reply failed")

	errTurn := conversation.NewTurn(conversation.RoleAssistant, conversation.ErrorTurnText, s.clock.Now())
	errTurn.Failed = true
	chat, uerr := s.chats.Update(ctx, sub.chatID, func(c *conversation.Chat) error {
		c.Remove(turnID)
		c.Append(errTurn)
		return nil
	})
	if uerr != nil {
		logger.Warn().Err(uerr).Msg("Could not record error turn")
		return nil
	}
	s.publish(chat)
	return nil
}

// onTitle applies a derived title to the latest version of the chat
func (s *Submitter) onTitle(ctx context.Context, chatID, title string) {
	chat, err := s.chats.Update(ctx, chatID, func(c *conversation.Chat) error {
		c.Title = title
		return nil
	})
	if err != nil {
		return
	}
	s.publish(chat)
}

// abandon cancels the in-flight reply if it belongs to chatID
func (s *Submitter) abandon(chatID string) {
	if s.inflight != nil && s.inflight.chatID == chatID {
		s.inflight.cancel()
	}
}
