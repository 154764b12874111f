package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-chat/internal/resilience"
)

const (
	chatPrefix = "chat/"
	activeKey  = "meta/active"
)

// Store persists chats and the active chat ID
type Store interface {
	Get(ctx context.Context, id string) (*Chat, error)
	Put(ctx context.Context, chat *Chat) error
	Delete(ctx context.Context, id string) error
	// List returns all chats, most recently created first
	List(ctx context.Context) ([]*Chat, error)
	// Update applies fn to the latest stored version of a chat and saves
	// the result atomically. fn may run more than once.
	Update(ctx context.Context, id string, fn func(*Chat) error) (*Chat, error)
	ActiveID(ctx context.Context) (string, error)
	SetActiveID(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// BadgerOptions configures the chat store
type BadgerOptions struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	Retry    *resilience.RetryConfig
	Logger   zerolog.Logger
}

// BadgerStore is a Store backed by BadgerDB
type BadgerStore struct {
	db     *badger.DB
	retry  *resilience.RetryConfig
	logger zerolog.Logger
}

// NewBadgerStore opens the store
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("conversation: store directory is required for on-disk mode")
	}
	logger := opts.Logger.With().Str("component", "store").Logger()

	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{logger: logger})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open chat store: %w", err)
	}

	retry := opts.Retry
	if retry == nil || retry.MaxAttempts <= 0 {
		retry = resilience.DefaultRetryConfig()
	}
	return &BadgerStore{db: db, retry: retry, logger: logger}, nil
}

func chatKey(id string) []byte {
	return []byte(chatPrefix + id)
}

func (s *BadgerStore) Get(_ context.Context, id string) (*Chat, error) {
	var chat *Chat
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		chat, err = readChat(txn, id)
		return err
	})
	return chat, err
}

func (s *BadgerStore) Put(_ context.Context, chat *Chat) error {
	data, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("failed to encode chat: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(chatKey(chat.ID), data)
	})
}

func (s *BadgerStore) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(chatKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrChatNotFound
			}
			return err
		}
		return txn.Delete(chatKey(id))
	})
}

func (s *BadgerStore) List(_ context.Context) ([]*Chat, error) {
	var chats []*Chat
	prefix := []byte(chatPrefix)

	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var chat Chat
			if err := json.Unmarshal(val, &chat); err != nil {
				s.logger.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("Skipping undecodable chat")
				continue
			}
			chats = append(chats, &chat)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(chats, func(a, b *Chat) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return chats, nil
}

// Update retries fn when another writer committed the same chat first
func (s *BadgerStore) Update(ctx context.Context, id string, fn func(*Chat) error) (*Chat, error) {
	var updated *Chat
	err := resilience.Retry(ctx, func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			chat, err := readChat(txn, id)
			if err != nil {
				return err
			}
			if err := fn(chat); err != nil {
				return err
			}
			data, err := json.Marshal(chat)
			if err != nil {
				return fmt.Errorf("failed to encode chat: %w", err)
			}
			if err := txn.Set(chatKey(id), data); err != nil {
				return err
			}
			updated = chat
			return nil
		})
	}, s.retry, func(err error) bool {
		return errors.Is(err, badger.ErrConflict)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *BadgerStore) ActiveID(_ context.Context) (string, error) {
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(activeKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		id = string(val)
		return err
	})
	return id, err
}

func (s *BadgerStore) SetActiveID(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if id == "" {
			return txn.Delete([]byte(activeKey))
		}
		return txn.Set([]byte(activeKey), []byte(id))
	})
}

// Ping reports whether the store can serve reads
func (s *BadgerStore) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return errors.New("chat store is closed")
	}
	return s.db.View(func(*badger.Txn) error { return nil })
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func readChat(txn *badger.Txn, id string) (*Chat, error) {
	item, err := txn.Get(chatKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrChatNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	var chat Chat
	if err := json.Unmarshal(val, &chat); err != nil {
		return nil, fmt.Errorf("failed to decode chat %s: %w", id, err)
	}
	return &chat, nil
}

// badgerLogger routes badger's own logging through zerolog, dropping its
// chatty info and debug output
type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error().Msgf(strings.TrimSpace(f), v...)
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn().Msgf(strings.TrimSpace(f), v...)
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
