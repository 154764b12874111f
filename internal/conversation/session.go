package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Session tracks which chat is active. Exactly one chat is active at all
// times; deleting the last chat creates a fresh one.
type Session struct {
	store  Store
	now    func() time.Time
	logger zerolog.Logger

	mu     sync.Mutex
	active string
}

// NewSession restores the previously active chat, falling back to the most
// recent chat, or a new one when the store is empty
func NewSession(ctx context.Context, store Store, now func() time.Time, logger zerolog.Logger) (*Session, error) {
	if now == nil {
		now = time.Now
	}
	s := &Session{
		store:  store,
		now:    now,
		logger: logger.With().Str("component", "conversation").Logger(),
	}

	chats, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	if len(chats) == 0 {
		if _, err := s.NewChat(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}

	activeID, err := store.ActiveID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read active chat: %w", err)
	}
	s.active = chats[0].ID
	for _, c := range chats {
		if c.ID == activeID {
			s.active = activeID
			break
		}
	}
	if err := store.SetActiveID(ctx, s.active); err != nil {
		return nil, err
	}
	return s, nil
}

// ActiveID returns the ID of the active chat
func (s *Session) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Active returns the active chat
func (s *Session) Active(ctx context.Context) (*Chat, error) {
	return s.store.Get(ctx, s.ActiveID())
}

// Get returns a chat by ID
func (s *Session) Get(ctx context.Context, id string) (*Chat, error) {
	return s.store.Get(ctx, id)
}

// List returns all chats, most recent first
func (s *Session) List(ctx context.Context) ([]*Chat, error) {
	return s.store.List(ctx)
}

// NewChat creates an empty chat and makes it active
func (s *Session) NewChat(ctx context.Context) (*Chat, error) {
	chat := NewChat(s.now())
	if err := s.store.Put(ctx, chat); err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.SetActiveID(ctx, chat.ID); err != nil {
		return nil, err
	}
	s.active = chat.ID
	s.logger.Info().Str("chat_id", chat.ID).Msg("Chat created")
	return chat, nil
}

// Select makes an existing chat active
func (s *Session) Select(ctx context.Context, id string) (*Chat, error) {
	chat, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.SetActiveID(ctx, id); err != nil {
		return nil, err
	}
	s.active = id
	return chat, nil
}

// Delete removes a chat. When the active chat is deleted the most recent
// remaining chat becomes active; when no chat remains a new one is created.
// It returns the active chat afterwards and whether the active chat changed.
func (s *Session) Delete(ctx context.Context, id string) (*Chat, bool, error) {
	if err := s.store.Delete(ctx, id); err != nil {
		return nil, false, err
	}
	s.logger.Info().Str("chat_id", id).Msg("Chat deleted")

	chats, err := s.store.List(ctx)
	if err != nil {
		return nil, false, err
	}
	if len(chats) == 0 {
		chat, err := s.NewChat(ctx)
		return chat, true, err
	}

	if s.ActiveID() != id {
		active, err := s.Active(ctx)
		return active, false, err
	}

	next := chats[0]
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.SetActiveID(ctx, next.ID); err != nil {
		return nil, false, err
	}
	s.active = next.ID
	return next, true, nil
}

// Update applies fn to the latest stored version of chat id
func (s *Session) Update(ctx context.Context, id string, fn func(*Chat) error) (*Chat, error) {
	chat, err := s.store.Update(ctx, id, fn)
	if err != nil && !errors.Is(err, ErrChatNotFound) {
		s.logger.Error().Err(err).Str("chat_id", id).Msg("Chat update failed")
	}
	return chat, err
}
