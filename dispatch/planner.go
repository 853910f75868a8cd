package dispatch

import (
	"context"

	"github.com/GoCodeAlone/steward/task"
)

// Planner turns a user message into a plan and its task batch.
type Planner interface {
	Plan(ctx context.Context, conversationID, message string) (*task.Plan, []task.NewTask, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, conversationID, message string) (*task.Plan, []task.NewTask, error)

func (f PlannerFunc) Plan(ctx context.Context, conversationID, message string) (*task.Plan, []task.NewTask, error) {
	return f(ctx, conversationID, message)
}

// SingleTask is the fallback plan: the whole message as one task.
func SingleTask(taskID, message string) []task.NewTask {
	return []task.NewTask{{
		TaskID:      taskID,
		Description: message,
		Priority:    task.PriorityNormal,
	}}
}
