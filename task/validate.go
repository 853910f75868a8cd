package task

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a plan or task does not exist in the
// requested conversation.
var ErrNotFound = errors.New("not found")

// ValidationError reports an illegal task-graph reference or status
// transition. It is never retried.
type ValidationError struct {
	ConversationID string
	TaskID         string
	Reason         string
}

func (e *ValidationError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("conversation %s: %s", e.ConversationID, e.Reason)
	}
	return fmt.Sprintf("conversation %s: task %s: %s", e.ConversationID, e.TaskID, e.Reason)
}

// IsValidation reports whether err is (or wraps) a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// validateBatch checks a CreateTasks batch against the tasks already stored
// for the conversation (existing maps taskID to its dependencies).
func validateBatch(conversationID string, existing map[string][]string, batch []NewTask) error {
	if conversationID == "" {
		return &ValidationError{Reason: "conversation id is required"}
	}
	graph := make(map[string][]string, len(existing)+len(batch))
	for id, deps := range existing {
		graph[id] = deps
	}
	for _, nt := range batch {
		id := nt.TaskID
		if strings.TrimSpace(id) == "" {
			return &ValidationError{ConversationID: conversationID, Reason: "task id is required"}
		}
		if strings.TrimSpace(id) != id {
			return &ValidationError{ConversationID: conversationID, TaskID: id, Reason: "task id has surrounding whitespace"}
		}
		if _, dup := graph[id]; dup {
			return &ValidationError{ConversationID: conversationID, TaskID: id, Reason: "duplicate task id"}
		}
		if nt.Status != "" && nt.Status != StatusPending && nt.Status != StatusBlocked {
			return &ValidationError{ConversationID: conversationID, TaskID: id,
				Reason: fmt.Sprintf("initial status %q not allowed", nt.Status)}
		}
		graph[id] = nt.Dependencies
	}
	for _, nt := range batch {
		for _, dep := range nt.Dependencies {
			if dep == nt.TaskID {
				return &ValidationError{ConversationID: conversationID, TaskID: nt.TaskID, Reason: "task depends on itself"}
			}
			if _, ok := graph[dep]; !ok {
				return &ValidationError{ConversationID: conversationID, TaskID: nt.TaskID,
					Reason: fmt.Sprintf("unknown dependency %q", dep)}
			}
		}
	}
	if cyc := findCycle(graph); cyc != "" {
		return &ValidationError{ConversationID: conversationID, TaskID: cyc, Reason: "dependency cycle"}
	}
	return nil
}

// findCycle returns a task id on a dependency cycle, or "".
func findCycle(graph map[string][]string) string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(graph))
	var visit func(id string) string
	visit = func(id string) string {
		color[id] = grey
		for _, dep := range graph[id] {
			switch color[dep] {
			case grey:
				return dep
			case white:
				if c := visit(dep); c != "" {
					return c
				}
			}
		}
		color[id] = black
		return ""
	}
	for id := range graph {
		if color[id] == white {
			if c := visit(id); c != "" {
				return c
			}
		}
	}
	return ""
}

// checkTransition validates moving t to status. depStatus maps each of t's
// dependencies to its current status; a missing entry is treated as an
// unknown reference. It returns noop=true when status equals the current one.
func checkTransition(t *Task, status Status, depStatus map[string]Status) (noop bool, err error) {
	if !status.Valid() {
		return false, &ValidationError{ConversationID: t.ConversationID, TaskID: t.TaskID,
			Reason: fmt.Sprintf("unknown status %q", status)}
	}
	if status == t.Status {
		return true, nil
	}
	if t.Status.Terminal() {
		return false, &ValidationError{ConversationID: t.ConversationID, TaskID: t.TaskID,
			Reason: fmt.Sprintf("cannot move from terminal status %s to %s", t.Status, status)}
	}
	if status == StatusInProgress {
		for _, dep := range t.Dependencies {
			st, ok := depStatus[dep]
			if !ok {
				return false, &ValidationError{ConversationID: t.ConversationID, TaskID: t.TaskID,
					Reason: fmt.Sprintf("unknown dependency %q", dep)}
			}
			if st != StatusCompleted {
				return false, &ValidationError{ConversationID: t.ConversationID, TaskID: t.TaskID,
					Reason: fmt.Sprintf("dependency %s is %s, not completed", dep, st)}
			}
		}
	}
	return false, nil
}
