package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-process Store. Each conversation has its own lock, so
// unrelated conversations never contend.
type MemStore struct {
	mu    sync.Mutex
	convs map[string]*memConversation
}

type memConversation struct {
	mu    sync.Mutex
	plan  *Plan
	tasks map[string]*memTask
	seq   int
}

type memTask struct {
	seq  int
	task Task
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{convs: make(map[string]*memConversation)}
}

func (s *MemStore) conversation(id string) *memConversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		c = &memConversation{tasks: make(map[string]*memTask)}
		s.convs[id] = c
	}
	return c
}

func (s *MemStore) CreatePlan(_ context.Context, p *Plan) error {
	if p.ConversationID == "" {
		return &ValidationError{Reason: "conversation id is required"}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	c := s.conversation(p.ConversationID)
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *p
	c.plan = &cp
	return nil
}

func (s *MemStore) GetPlan(_ context.Context, conversationID string) (*Plan, error) {
	c := s.conversation(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plan == nil {
		return nil, fmt.Errorf("plan for %s: %w", conversationID, ErrNotFound)
	}
	cp := *c.plan
	return &cp, nil
}

func (s *MemStore) CreateTasks(_ context.Context, conversationID string, batch []NewTask) ([]*Task, error) {
	c := s.conversation(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	existing := make(map[string][]string, len(c.tasks))
	for id, mt := range c.tasks {
		existing[id] = mt.task.Dependencies
	}
	if err := validateBatch(conversationID, existing, batch); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	created := make([]*Task, 0, len(batch))
	for _, nt := range batch {
		t := fromNew(conversationID, nt, now)
		c.seq++
		c.tasks[t.TaskID] = &memTask{seq: c.seq, task: *t}
		created = append(created, copyTask(t))
	}
	return created, nil
}

func (s *MemStore) GetTasks(_ context.Context, conversationID string) ([]*Task, error) {
	c := s.conversation(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]*memTask, 0, len(c.tasks))
	for _, mt := range c.tasks {
		entries = append(entries, mt)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].task.Priority != entries[j].task.Priority {
			return entries[i].task.Priority > entries[j].task.Priority
		}
		return entries[i].seq < entries[j].seq
	})
	out := make([]*Task, len(entries))
	for i, mt := range entries {
		out[i] = copyTask(&mt.task)
	}
	return out, nil
}

func (s *MemStore) GetTask(_ context.Context, conversationID, taskID string) (*Task, error) {
	c := s.conversation(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()
	mt, ok := c.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s in %s: %w", taskID, conversationID, ErrNotFound)
	}
	return copyTask(&mt.task), nil
}

func (s *MemStore) UpdateStatus(_ context.Context, conversationID, taskID string, status Status, notes *string) (*Task, error) {
	c := s.conversation(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	mt, ok := c.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s in %s: %w", taskID, conversationID, ErrNotFound)
	}
	depStatus := make(map[string]Status, len(mt.task.Dependencies))
	for _, dep := range mt.task.Dependencies {
		if d, ok := c.tasks[dep]; ok {
			depStatus[dep] = d.task.Status
		}
	}
	noop, err := checkTransition(&mt.task, status, depStatus)
	if err != nil {
		return nil, err
	}
	applyTransition(&mt.task, status, notes, noop, time.Now().UTC())
	return copyTask(&mt.task), nil
}

func (s *MemStore) DeleteConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, conversationID)
	return nil
}

func copyTask(t *Task) *Task {
	cp := *t
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	if t.StartedAt != nil {
		st := *t.StartedAt
		cp.StartedAt = &st
	}
	if t.CompletedAt != nil {
		ct := *t.CompletedAt
		cp.CompletedAt = &ct
	}
	return &cp
}
