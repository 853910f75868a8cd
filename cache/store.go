// Package cache implements the conversation-scoped tool-result cache with
// exact and semantic lookup.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Entry is one cached tool invocation. Entries are immutable; storing the
// same (conversation, tool, normalized input) again replaces the entry.
type Entry struct {
	ConversationID  string            `json:"conversation_id"`
	ToolName        string            `json:"tool_name"`
	NormalizedInput string            `json:"normalized_input"`
	Output          json.RawMessage   `json:"output"`
	Embedding       []float32         `json:"-"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Store persists cache entries. Every method is scoped to one conversation.
type Store interface {
	// Put inserts or overwrites the entry for its key.
	Put(ctx context.Context, e Entry) error

	// Get returns the entry for the key, or nil when absent.
	Get(ctx context.Context, conversationID, toolName, normalizedInput string) (*Entry, error)

	// List returns the conversation's entries, optionally filtered by tool.
	List(ctx context.Context, conversationID, toolName string) ([]Entry, error)

	// DeleteConversation removes every entry of the conversation and
	// reports how many were removed.
	DeleteConversation(ctx context.Context, conversationID string) (int, error)
}

// MemStore is an in-process Store.
type MemStore struct {
	mu    sync.RWMutex
	convs map[string]map[entryKey]Entry
}

type entryKey struct {
	tool  string
	input string
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{convs: make(map[string]map[entryKey]Entry)}
}

func (s *MemStore) Put(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.convs[e.ConversationID]
	if !ok {
		m = make(map[entryKey]Entry)
		s.convs[e.ConversationID] = m
	}
	m[entryKey{e.ToolName, e.NormalizedInput}] = e
	return nil
}

func (s *MemStore) Get(_ context.Context, conversationID, toolName, normalizedInput string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.convs[conversationID][entryKey{toolName, normalizedInput}]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *MemStore) List(_ context.Context, conversationID, toolName string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for k, e := range s.convs[conversationID] {
		if toolName != "" && k.tool != toolName {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *MemStore) DeleteConversation(_ context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.convs[conversationID])
	delete(s.convs, conversationID)
	return n, nil
}
