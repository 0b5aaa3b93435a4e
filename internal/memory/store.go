// Package memory provides conversation transcript storage.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/transcript"
)

// Store is the interface for transcript storage.
type Store interface {
	// Append adds messages to the end of a conversation, creating it if
	// needed.
	Append(conversationID string, msgs ...transcript.Message) error

	// Messages returns the full transcript of a conversation, oldest
	// first. An unknown conversation yields an empty slice, not an
	// error.
	Messages(conversationID string) ([]transcript.Message, error)

	// Replace swaps a conversation's transcript wholesale. Used after
	// reconciliation rewrites the tail of a conversation.
	Replace(conversationID string, msgs []transcript.Message) error

	// Conversations lists known conversations, most recently updated
	// first.
	Conversations() ([]ConversationInfo, error)

	// Clear removes a conversation and its messages.
	Clear(conversationID string) error

	Close() error
}

// ConversationInfo is a summary row for conversation listings.
type ConversationInfo struct {
	ID        string    `json:"id"`
	Messages  int       `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type memConversation struct {
	messages  []transcript.Message
	createdAt time.Time
	updatedAt time.Time
}

// MemStore is an in-memory Store, used for tests and ephemeral runs.
type MemStore struct {
	mu            sync.RWMutex
	conversations map[string]*memConversation
	maxMessages   int // per conversation
}

// NewMemStore creates an in-memory store. maxMessages bounds each
// conversation; system messages survive trimming.
func NewMemStore(maxMessages int) *MemStore {
	if maxMessages <= 0 {
		maxMessages = 200
	}
	return &MemStore{
		conversations: make(map[string]*memConversation),
		maxMessages:   maxMessages,
	}
}

func (s *MemStore) Append(conversationID string, msgs ...transcript.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.getOrCreate(conversationID)
	for _, m := range msgs {
		conv.messages = append(conv.messages, m.Clone())
	}
	conv.updatedAt = time.Now()
	conv.messages = trimKeepingSystem(conv.messages, s.maxMessages)
	return nil
}

func (s *MemStore) Messages(conversationID string) ([]transcript.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return []transcript.Message{}, nil
	}
	out := make([]transcript.Message, len(conv.messages))
	for i, m := range conv.messages {
		out[i] = m.Clone()
	}
	return out, nil
}

func (s *MemStore) Replace(conversationID string, msgs []transcript.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.getOrCreate(conversationID)
	conv.messages = make([]transcript.Message, len(msgs))
	for i, m := range msgs {
		conv.messages[i] = m.Clone()
	}
	conv.updatedAt = time.Now()
	return nil
}

func (s *MemStore) Conversations() ([]ConversationInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ConversationInfo, 0, len(s.conversations))
	for id, conv := range s.conversations {
		out = append(out, ConversationInfo{
			ID:        id,
			Messages:  len(conv.messages),
			CreatedAt: conv.createdAt,
			UpdatedAt: conv.updatedAt,
		})
	}
	sortByUpdatedDesc(out)
	return out, nil
}

func (s *MemStore) Clear(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, conversationID)
	return nil
}

func (s *MemStore) Close() error { return nil }

// getOrCreate assumes the write lock is held.
func (s *MemStore) getOrCreate(id string) *memConversation {
	conv, ok := s.conversations[id]
	if !ok {
		now := time.Now()
		conv = &memConversation{createdAt: now, updatedAt: now}
		s.conversations[id] = conv
	}
	return conv
}

// trimKeepingSystem bounds a transcript to max messages, preserving
// system messages and the most recent turns.
func trimKeepingSystem(msgs []transcript.Message, max int) []transcript.Message {
	if len(msgs) <= max {
		return msgs
	}

	var system, rest []transcript.Message
	for _, m := range msgs {
		if m.Role == transcript.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	keep := max - len(system)
	if keep < 10 {
		keep = 10
	}
	if len(rest) > keep {
		rest = rest[len(rest)-keep:]
	}
	return append(system, rest...)
}

func sortByUpdatedDesc(infos []ConversationInfo) {
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
}
