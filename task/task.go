// Package task defines the conversation-scoped task graph and its persistence.
package task

import (
	"context"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
	StatusFailed     Status = "failed"
)

// Statuses lists every known status in display order.
var Statuses = []Status{StatusPending, StatusInProgress, StatusCompleted, StatusBlocked, StatusFailed}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusBlocked, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Priority determines scheduling order within a conversation.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// Task is a unit of work for a worker agent. TaskID is unique within its
// conversation only.
type Task struct {
	ConversationID string     `json:"conversation_id"`
	TaskID         string     `json:"task_id"`
	Description    string     `json:"description"`
	Priority       Priority   `json:"priority"`
	AssignedTo     string     `json:"assigned_to,omitempty"` // worker name
	Dependencies   []string   `json:"dependencies,omitempty"`
	Status         Status     `json:"status"`
	Notes          string     `json:"notes,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Plan groups the tasks of a conversation. It carries no status of its own.
type Plan struct {
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewTask is the input for CreateTasks.
type NewTask struct {
	TaskID       string   `json:"task_id" yaml:"task_id"`
	Description  string   `json:"description" yaml:"description"`
	Priority     Priority `json:"priority,omitempty" yaml:"priority"`
	AssignedTo   string   `json:"assigned_to,omitempty" yaml:"assigned_to"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies"`
	// Status is the initial status; empty means pending. Only pending and
	// blocked are accepted.
	Status Status `json:"status,omitempty" yaml:"status"`
}

// Store persists plans and tasks. Implementations must serialize
// UpdateStatus per task so that validated transitions are never merged.
type Store interface {
	// CreatePlan stores the plan for a conversation, replacing any previous one.
	CreatePlan(ctx context.Context, p *Plan) error

	// GetPlan returns the plan for a conversation or ErrNotFound.
	GetPlan(ctx context.Context, conversationID string) (*Plan, error)

	// CreateTasks validates and inserts a batch atomically.
	CreateTasks(ctx context.Context, conversationID string, tasks []NewTask) ([]*Task, error)

	// GetTasks returns the conversation's tasks ordered by priority, then
	// creation order.
	GetTasks(ctx context.Context, conversationID string) ([]*Task, error)

	// GetTask returns a single task or ErrNotFound.
	GetTask(ctx context.Context, conversationID, taskID string) (*Task, error)

	// UpdateStatus applies a guarded transition. A nil notes leaves the
	// existing notes untouched.
	UpdateStatus(ctx context.Context, conversationID, taskID string, status Status, notes *string) (*Task, error)

	// DeleteConversation removes the plan and all tasks of a conversation.
	DeleteConversation(ctx context.Context, conversationID string) error
}
