package session

import (
	"context"
	"sync"

	"github.com/hupe1980/agentrelay/core"
)

// DefaultMaxMessages bounds the history kept per chat.
const DefaultMaxMessages = 100

// Store persists chat history. Implementations must be safe for concurrent
// use.
type Store interface {
	History(ctx context.Context, chatID string) ([]core.Message, error)
	Append(ctx context.Context, chatID string, msgs ...core.Message) error
}

// Options configure an InMemoryStore.
type Options struct {
	// MaxMessages keeps only the newest messages of each chat.
	MaxMessages int
}

// InMemoryStore is a volatile Store keeping chat histories in a process
// local map. It is safe for concurrent access and best suited for tests or
// single process servers. Histories are copied on the way in and out to
// prevent external mutation of internal state.
type InMemoryStore struct {
	mu    sync.RWMutex
	chats map[string][]core.Message
	opts  Options
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore constructs an empty in‑memory history store.
func NewInMemoryStore(optFns ...func(o *Options)) *InMemoryStore {
	opts := Options{MaxMessages: DefaultMaxMessages}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &InMemoryStore{chats: make(map[string][]core.Message), opts: opts}
}

// History returns a copy of the chat's messages, oldest first. Unknown chats
// have an empty history.
func (s *InMemoryStore) History(_ context.Context, chatID string) ([]core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return core.NewConversation(chatID, "", s.chats[chatID]...).Messages, nil
}

// Append adds messages to the chat, dropping the oldest beyond MaxMessages.
func (s *InMemoryStore) Append(_ context.Context, chatID string, msgs ...core.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	history := core.NewConversation(chatID, "", s.chats[chatID]...).Append(msgs...).Messages
	if over := len(history) - s.opts.MaxMessages; s.opts.MaxMessages > 0 && over > 0 {
		history = history[over:]
	}
	s.chats[chatID] = history
	return nil
}

// Delete forgets a chat.
func (s *InMemoryStore) Delete(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chats, chatID)
}

// Len returns the number of chats with history.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chats)
}
