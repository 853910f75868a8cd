package events

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultHistory is the per-conversation history cap of a Bus.
const DefaultHistory = 1000

// Bus is a thread-safe in-process fan-out of events to per-conversation
// subscribers. It keeps a bounded history per conversation so observers
// that connect late can replay what they missed.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]map[int]chan Event
	history map[string][]Event
	maxHist int
	nextID  int
	logger  *slog.Logger
}

// NewBus creates a Bus. maxHistory <= 0 uses DefaultHistory.
func NewBus(maxHistory int, logger *slog.Logger) *Bus {
	if maxHistory <= 0 {
		maxHistory = DefaultHistory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:    make(map[string]map[int]chan Event),
		history: make(map[string][]Event),
		maxHist: maxHistory,
		logger:  logger,
	}
}

// Publish implements Sink. Subscribers whose buffer is full miss the event
// live; it stays available through History.
func (b *Bus) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := append(b.history[ev.ConversationID], ev)
	if len(h) > b.maxHist {
		h = h[len(h)-b.maxHist:]
	}
	b.history[ev.ConversationID] = h

	for id, ch := range b.subs[ev.ConversationID] {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("event subscriber lagging, event skipped",
				"conversation_id", ev.ConversationID, "subscriber", id, "seq", ev.Seq)
		}
	}
	return nil
}

// Subscribe registers an observer of conversationID. It returns the history
// so far and a channel of later events; both are taken atomically so no
// event is missed or repeated between them. The returned function
// unsubscribes and closes the channel.
func (b *Bus) Subscribe(conversationID string, buffer int) (history []Event, ch <-chan Event, unsubscribe func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	c := make(chan Event, buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[conversationID] == nil {
		b.subs[conversationID] = make(map[int]chan Event)
	}
	b.subs[conversationID][id] = c
	history = append([]Event(nil), b.history[conversationID]...)
	b.mu.Unlock()

	var once sync.Once
	return history, c, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[conversationID], id)
			if len(b.subs[conversationID]) == 0 {
				delete(b.subs, conversationID)
			}
			close(c)
		})
	}
}

// History returns up to limit of the most recent events of the
// conversation in order; limit <= 0 returns all.
func (b *Bus) History(conversationID string, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h := b.history[conversationID]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]Event(nil), h...)
}

// Forget drops the history of a conversation.
func (b *Bus) Forget(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.history, conversationID)
}
