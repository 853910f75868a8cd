package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNotStarted is returned when the first event of a stream is not a
	// conversation_id event.
	ErrNotStarted = errors.New("event stream: conversation_id must be emitted first")
	// ErrClosed is returned for emissions after done.
	ErrClosed = errors.New("event stream: closed")
)

// DefaultBuffer is the consumer buffer size of a Stream.
const DefaultBuffer = 64

// Sink receives every event a Stream emits, before the event reaches the
// stream's own consumer.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Stream is the ordered event sequence of one run. Its first event is always
// conversation_id and done is emitted exactly once, after which the consumer
// channel is closed. Emit blocks while the consumer buffer is full.
type Stream struct {
	mu             sync.Mutex
	conversationID string
	seq            int64
	started        bool
	done           bool
	closed         bool

	ch       chan Event
	detached chan struct{}
	detach   sync.Once
	sinks    []Sink
	now      func() time.Time
}

// NewStream creates a Stream. buffer <= 0 uses DefaultBuffer.
func NewStream(buffer int, sinks ...Sink) *Stream {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Stream{
		ch:       make(chan Event, buffer),
		detached: make(chan struct{}),
		sinks:    sinks,
		now:      time.Now,
	}
}

// Events returns the consumer channel.
func (s *Stream) Events() <-chan Event { return s.ch }

// ConversationID returns the id announced by the first event.
func (s *Stream) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Done reports whether done has been emitted.
func (s *Stream) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Detach stops delivery to the consumer channel. Later events still reach
// the sinks. Used when the client disconnects mid-run.
func (s *Stream) Detach() {
	s.detach.Do(func() { close(s.detached) })
}

// Start emits the conversation_id event.
func (s *Stream) Start(ctx context.Context, conversationID string) error {
	return s.Emit(ctx, TypeConversationID, ConversationIDData{ConversationID: conversationID})
}

// Emit appends an event carrying data to the stream.
func (s *Stream) Emit(ctx context.Context, typ Type, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", typ, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done || s.closed {
		return ErrClosed
	}
	if !s.started {
		if typ != TypeConversationID {
			return ErrNotStarted
		}
		var d ConversationIDData
		if err := json.Unmarshal(raw, &d); err != nil || d.ConversationID == "" {
			return fmt.Errorf("event stream: conversation_id event without id")
		}
		s.conversationID = d.ConversationID
		s.started = true
	} else if typ == TypeConversationID {
		return fmt.Errorf("event stream: conversation_id already emitted")
	}

	s.seq++
	ev := Event{
		Seq:            s.seq,
		Type:           typ,
		ConversationID: s.conversationID,
		Timestamp:      s.now().UTC(),
		Data:           raw,
	}
	if typ == TypeDone {
		s.done = true
	}

	var sinkErr error
	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, ev); err != nil && sinkErr == nil {
			sinkErr = fmt.Errorf("event sink: %w", err)
		}
	}

	// Sends happen under the lock so consumers see events in seq order.
	select {
	case s.ch <- ev:
	case <-s.detached:
	case <-ctx.Done():
		if typ == TypeDone {
			s.closeLocked()
		}
		return ctx.Err()
	}
	if typ == TypeDone {
		s.closeLocked()
	}
	return sinkErr
}

// Close closes the consumer channel without emitting done. Further
// emissions return ErrClosed.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Stream) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
