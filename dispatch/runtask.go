package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/steward/events"
	"github.com/GoCodeAlone/steward/task"
	"github.com/GoCodeAlone/steward/tool"
	"github.com/GoCodeAlone/steward/worker"
)

// runTask executes one eligible task and records its outcome.
func (r *run) runTask(ctx context.Context, t *task.Task) {
	d := r.d
	logger := r.logger.With("task_id", t.TaskID)

	w, agentName := d.deps.Default, ""
	if t.AssignedTo != "" && d.deps.Workers != nil {
		if assigned, ok := d.deps.Workers.Worker(t.AssignedTo); ok {
			w, agentName = assigned, t.AssignedTo
			r.emit(ctx, events.TypeHandoff, events.HandoffData{TaskID: t.TaskID, To: t.AssignedTo})
		} else {
			logger.Warn("assigned worker not found, using default", "assigned_to", t.AssignedTo)
		}
	}

	description := t.Description
	for _, m := range r.drain(fmt.Sprintf("task:%s", t.TaskID)) {
		description += "\n\nUser update: " + m
	}

	if !r.active() {
		logger.Info("run stopped before task started")
		return
	}
	if _, err := d.deps.Tasks.UpdateStatus(ctx, r.convID, t.TaskID, task.StatusInProgress, nil); err != nil {
		logger.Warn("task could not start", "error", err)
		r.emit(ctx, events.TypeError, events.ErrorData{TaskID: t.TaskID, ErrorType: "validation", Message: err.Error()})
		return
	}
	r.emit(ctx, events.TypeAgentStatus, events.AgentStatusData{TaskID: t.TaskID, Agent: agentName, Status: task.StatusInProgress})

	tctx := tool.WithTaskID(tool.WithConversationID(ctx, r.convID), t.TaskID)
	runner := tool.NewRunner(d.deps.Tools, d.deps.Cache, r.stream, r.convID, logger)

	out := worker.ExecutePolicy(tctx, w, description, d.cfg.Policy, worker.ExecOptions{
		MaxTurns:   d.cfg.MaxTurns,
		Timeout:    d.cfg.Timeout,
		MaxRetries: d.cfg.MaxRetries,
		Sleep:      d.deps.Sleep,
		Invoke: worker.InvokeOptions{
			Tools: runner,
			Checkpoint: func(_ context.Context, step string) []string {
				return r.drain(fmt.Sprintf("task:%s:%s", t.TaskID, step))
			},
			OnText: func(text string) {
				r.emit(ctx, events.TypeAssistantDelta, events.AssistantDeltaData{TaskID: t.TaskID, Text: text})
			},
		},
	})

	if !r.active() {
		logger.Info("run stopped while task was in flight, result discarded", "success", out.Success)
		return
	}

	if out.Success {
		note := truncate(out.Output, d.cfg.NoteLimit)
		if _, err := d.deps.Tasks.UpdateStatus(ctx, r.convID, t.TaskID, task.StatusCompleted, &note); err != nil {
			logger.Error("failed to record completion", "error", err)
			return
		}
		r.mu.Lock()
		r.outputs[t.TaskID] = out.Output
		r.mu.Unlock()
		logger.Info("task completed", "attempts", out.Attempts, "model", out.Model)
		r.emit(ctx, events.TypeAgentStatus, events.AgentStatusData{TaskID: t.TaskID, Agent: agentName, Status: task.StatusCompleted})
		return
	}

	logger.Warn("task failed", "error_type", out.ErrorType, "attempts", out.Attempts, "error", out.Message)
	note := truncate(out.Message, d.cfg.NoteLimit)
	if _, err := d.deps.Tasks.UpdateStatus(ctx, r.convID, t.TaskID, task.StatusFailed, &note); err != nil {
		logger.Error("failed to record failure", "error", err)
	}
	r.emit(ctx, events.TypeError, events.ErrorData{TaskID: t.TaskID, ErrorType: string(out.ErrorType), Message: out.Message})
	r.emit(ctx, events.TypeAgentStatus, events.AgentStatusData{TaskID: t.TaskID, Agent: agentName, Status: task.StatusFailed, Message: out.Message})
	r.block(ctx, t.TaskID)
}

// block moves every non-terminal transitive dependent of failed to blocked.
func (r *run) block(ctx context.Context, failed string) {
	d := r.d
	tasks, err := d.deps.Tasks.GetTasks(ctx, r.convID)
	if err != nil {
		r.logger.Error("failed to load tasks for blocking", "error", err)
		return
	}
	byID := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.TaskID] = t
	}
	for _, id := range task.Dependents(tasks, failed) {
		t := byID[id]
		if t == nil || t.Status.Terminal() || t.Status == task.StatusBlocked {
			continue
		}
		note := fmt.Sprintf("blocked: dependency %s failed", failed)
		if _, err := d.deps.Tasks.UpdateStatus(ctx, r.convID, id, task.StatusBlocked, &note); err != nil {
			r.logger.Warn("failed to block dependent", "task_id", id, "error", err)
			continue
		}
		r.emit(ctx, events.TypeAgentStatus, events.AgentStatusData{TaskID: id, Status: task.StatusBlocked, Message: note})
	}
}

// drain registers a checkpoint and returns at most one steering message.
// Nothing is returned once the run no longer holds the conversation.
func (r *run) drain(step string) []string {
	q := r.d.deps.Queue
	msg, ok := q.Checkpoint(r.convID, r.gen, step)
	if !ok {
		return nil
	}
	if err := q.MarkInjected(msg.ID, r.convID); err != nil {
		r.logger.Warn("failed to mark message injected", "message_id", msg.ID, "error", err)
		return nil
	}
	r.logger.Info("steering message delivered", "message_id", msg.ID, "step", step, "priority", msg.Priority)
	return []string{strings.TrimSpace(msg.Message)}
}
