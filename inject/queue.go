package inject

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMessageNotFound is returned by MarkInjected for an unknown message.
	ErrMessageNotFound = errors.New("injection message not found")
	// ErrAlreadyRunning is returned by Start while a run holds the conversation.
	ErrAlreadyRunning = errors.New("conversation already has a run in progress")
)

// Queue is the per-conversation injection queue. Every run that starts gets
// a new generation; operations taking a generation ignore stale ones, so a
// stopped run can neither steal messages nor clear the state of its
// successor.
type Queue struct {
	store  ConversationStateStore
	logger *slog.Logger
	now    func() time.Time
	gen    atomic.Uint64
}

// NewQueue creates a Queue over store. A nil store uses a MemoryStateStore.
func NewQueue(store ConversationStateStore, logger *slog.Logger) *Queue {
	if store == nil {
		store = NewMemoryStateStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, logger: logger, now: time.Now}
}

// QueueMessage appends a pending message and returns its id. High priority
// messages go ahead of every pending normal message but behind earlier high
// priority ones.
func (q *Queue) QueueMessage(conversationID, message string, priority Priority) (string, error) {
	if conversationID == "" {
		return "", errors.New("queue message: conversation id is required")
	}
	if strings.TrimSpace(message) == "" {
		return "", errors.New("queue message: message is empty")
	}
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return "", fmt.Errorf("queue message: unknown priority %q", priority)
	}

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Message:        message,
		Priority:       priority,
		Status:         StatusPending,
		Timestamp:      q.now().UTC(),
	}
	err := q.store.Update(conversationID, func(st *State) error {
		idx := len(st.Queue)
		if priority == PriorityHigh {
			for i, m := range st.Queue {
				if m.Status == StatusPending && m.Priority == PriorityNormal {
					idx = i
					break
				}
			}
		}
		st.Queue = append(st.Queue, nil)
		copy(st.Queue[idx+1:], st.Queue[idx:])
		st.Queue[idx] = msg
		return nil
	})
	if err != nil {
		return "", err
	}
	q.logger.Debug("injection queued", "conversation_id", conversationID, "id", msg.ID, "priority", priority)
	return msg.ID, nil
}

// RegisterInjectionPoint records the agent's current checkpoint and reports
// whether a pending message is ready to be injected there. It does nothing
// while no run is active.
func (q *Queue) RegisterInjectionPoint(conversationID, stepName string) bool {
	ready := false
	q.store.View(conversationID, func(st *State) {
		if !st.Run.IsRunning {
			return
		}
		q.checkpoint(st, stepName)
		ready = hasPending(st.Queue)
	})
	return ready
}

// Checkpoint registers stepName for the run of generation gen and, in the
// same critical section, hands out the next pending message. Stale
// generations get nothing.
func (q *Queue) Checkpoint(conversationID string, gen uint64, stepName string) (*Message, bool) {
	var out *Message
	q.store.View(conversationID, func(st *State) {
		if !st.Run.IsRunning || st.Run.Generation != gen {
			return
		}
		q.checkpoint(st, stepName)
		out = nextPending(st.Queue)
	})
	return out, out != nil
}

func (q *Queue) checkpoint(st *State, stepName string) {
	now := q.now().UTC()
	st.Run.CurrentStep = stepName
	st.Run.LastInjectionTime = &now
}

// GetNextMessage moves the first pending message to injecting and returns a
// copy of it.
func (q *Queue) GetNextMessage(conversationID string) (*Message, bool) {
	var out *Message
	q.store.View(conversationID, func(st *State) { out = nextPending(st.Queue) })
	return out, out != nil
}

func nextPending(msgs []*Message) *Message {
	for _, m := range msgs {
		if m.Status == StatusPending {
			m.Status = StatusInjecting
			c := *m
			return &c
		}
	}
	return nil
}

// MarkInjected finalizes a message handed out by GetNextMessage as
// injected. The entry stays in the queue until the run state is cleared.
// Marking an injected message again is a no-op.
func (q *Queue) MarkInjected(messageID, conversationID string) error {
	var status Status
	q.store.View(conversationID, func(st *State) {
		for _, m := range st.Queue {
			if m.ID != messageID {
				continue
			}
			status = m.Status
			if m.Status == StatusInjecting {
				m.Status = StatusInjected
			}
			return
		}
	})
	switch status {
	case "":
		return fmt.Errorf("mark injected %s: %w", messageID, ErrMessageNotFound)
	case StatusPending:
		return fmt.Errorf("mark injected %s: message was never handed out", messageID)
	}
	return nil
}

// CanInject reports whether the agent is running and sitting at a checkpoint.
func (q *Queue) CanInject(conversationID string) bool {
	can := false
	q.store.View(conversationID, func(st *State) {
		can = st.Run.IsRunning && st.Run.CurrentStep != ""
	})
	return can
}

// SetAgentRunning flips the run flag. Starting assigns a new generation even
// when a run is already active. Stopping discards the queue and every bit of
// run state for the conversation; calls already in flight are not
// interrupted, they only lose their generation.
func (q *Queue) SetAgentRunning(conversationID string, running bool) {
	if !running {
		q.store.Delete(conversationID)
		q.logger.Debug("injection state cleared", "conversation_id", conversationID)
		return
	}
	_ = q.store.Update(conversationID, func(st *State) error {
		q.begin(st)
		return nil
	})
}

// Start marks the conversation running and returns the run's generation.
// It fails with ErrAlreadyRunning if another run is active. Messages queued
// while idle are kept for the new run.
func (q *Queue) Start(conversationID string) (uint64, error) {
	var gen uint64
	err := q.store.Update(conversationID, func(st *State) error {
		if st.Run.IsRunning {
			return ErrAlreadyRunning
		}
		gen = q.begin(st)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return gen, nil
}

func (q *Queue) begin(st *State) uint64 {
	st.Run.IsRunning = true
	st.Run.Generation = q.gen.Add(1)
	st.Run.CurrentStep = ""
	return st.Run.Generation
}

// Finish clears the conversation's run state if generation gen still owns
// it. It reports whether anything was cleared.
func (q *Queue) Finish(conversationID string, gen uint64) bool {
	cleared := q.store.DeleteIf(conversationID, func(st *State) bool {
		return st.Run.Generation == gen
	})
	if cleared {
		q.logger.Debug("injection state cleared", "conversation_id", conversationID, "generation", gen)
	}
	return cleared
}

// Active reports whether the run of generation gen still holds the
// conversation.
func (q *Queue) Active(conversationID string, gen uint64) bool {
	active := false
	q.store.View(conversationID, func(st *State) {
		active = st.Run.IsRunning && st.Run.Generation == gen
	})
	return active
}

// GetPendingMessages returns copies of the pending messages in delivery order.
func (q *Queue) GetPendingMessages(conversationID string) []Message {
	var out []Message
	q.store.View(conversationID, func(st *State) {
		for _, m := range st.Queue {
			if m.Status == StatusPending {
				out = append(out, *m)
			}
		}
	})
	return out
}

// RunState returns the conversation's run state; a conversation with no
// state reports not running.
func (q *Queue) RunState(conversationID string) RunState {
	rs := RunState{ConversationID: conversationID}
	q.store.View(conversationID, func(st *State) { rs = st.Run })
	return rs
}

func hasPending(msgs []*Message) bool {
	for _, m := range msgs {
		if m.Status == StatusPending {
			return true
		}
	}
	return false
}
