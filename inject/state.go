// Package inject queues user steering messages for a running conversation and
// releases them only at checkpoints the agent registers.
package inject

import (
	"sync"
	"time"
)

// Priority orders queued messages.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool { return p == PriorityNormal || p == PriorityHigh }

// Status tracks a message through the queue.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInjecting Status = "injecting"
	StatusInjected  Status = "injected"
)

// Message is one steering message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Message        string    `json:"message"`
	Priority       Priority  `json:"priority"`
	Status         Status    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
}

// RunState is the agent run state of one conversation.
type RunState struct {
	ConversationID    string     `json:"conversation_id"`
	IsRunning         bool       `json:"is_running"`
	Generation        uint64     `json:"generation,omitempty"`
	CurrentStep       string     `json:"current_step,omitempty"`
	LastInjectionTime *time.Time `json:"last_injection_time,omitempty"`
}

// State is everything the queue keeps for one conversation.
type State struct {
	Run   RunState
	Queue []*Message
}

// ConversationStateStore holds per-conversation State. Update, View and
// DeleteIf run fn while holding that conversation's lock; Update creates the
// state lazily, View and DeleteIf never do.
type ConversationStateStore interface {
	Update(conversationID string, fn func(*State) error) error
	View(conversationID string, fn func(*State)) bool
	Delete(conversationID string)
	DeleteIf(conversationID string, fn func(*State) bool) bool
}

// MemoryStateStore is an in-process ConversationStateStore.
type MemoryStateStore struct {
	mu    sync.Mutex
	convs map[string]*memState
}

type memState struct {
	mu    sync.Mutex
	state State
	dead  bool // removed from the map; writers must reload
}

// NewMemoryStateStore creates an empty MemoryStateStore.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{convs: make(map[string]*memState)}
}

func (s *MemoryStateStore) entry(conversationID string, create bool) *memState {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.convs[conversationID]
	if !ok && create {
		m = &memState{state: State{Run: RunState{ConversationID: conversationID}}}
		s.convs[conversationID] = m
	}
	return m
}

func (s *MemoryStateStore) Update(conversationID string, fn func(*State) error) error {
	for {
		m := s.entry(conversationID, true)
		m.mu.Lock()
		if m.dead {
			m.mu.Unlock()
			continue
		}
		err := fn(&m.state)
		m.mu.Unlock()
		return err
	}
}

// View reports false when the conversation has no state.
func (s *MemoryStateStore) View(conversationID string, fn func(*State)) bool {
	m := s.entry(conversationID, false)
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dead {
		return false
	}
	fn(&m.state)
	return true
}

func (s *MemoryStateStore) Delete(conversationID string) {
	s.mu.Lock()
	m, ok := s.convs[conversationID]
	delete(s.convs, conversationID)
	s.mu.Unlock()
	if ok {
		m.mu.Lock()
		m.dead = true
		m.mu.Unlock()
	}
}

// DeleteIf removes the conversation's state when fn reports true.
func (s *MemoryStateStore) DeleteIf(conversationID string, fn func(*State) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.convs[conversationID]
	if !ok {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dead || !fn(&m.state) {
		return false
	}
	m.dead = true
	delete(s.convs, conversationID)
	return true
}
