package task

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Summary is a derived view over a task list. It is recomputed on demand and
// never stored.
type Summary struct {
	Total             int            `json:"total"`
	Counts            map[Status]int `json:"counts"`
	CompletionPercent int            `json:"completion_percent"`
}

// Summarize counts tasks per status and computes the completion percentage
// (0 for an empty list).
func Summarize(tasks []*Task) Summary {
	s := Summary{Total: len(tasks), Counts: make(map[Status]int, len(Statuses))}
	for _, st := range Statuses {
		s.Counts[st] = 0
	}
	for _, t := range tasks {
		s.Counts[t.Status]++
	}
	if s.Total > 0 {
		s.CompletionPercent = int(math.Round(float64(s.Counts[StatusCompleted]) * 100 / float64(s.Total)))
	}
	return s
}

// Eligible returns pending tasks whose dependencies are all completed, in
// the order given.
func Eligible(tasks []*Task) []*Task {
	status := make(map[string]Status, len(tasks))
	for _, t := range tasks {
		status[t.TaskID] = t.Status
	}
	var out []*Task
	for _, t := range tasks {
		if t.Status != StatusPending {
			continue
		}
		ready := true
		for _, dep := range t.Dependencies {
			if status[dep] != StatusCompleted {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, t)
		}
	}
	return out
}

// Dependents returns the ids of every task that transitively depends on
// taskID.
func Dependents(tasks []*Task, taskID string) []string {
	rev := make(map[string][]string)
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			rev[dep] = append(rev[dep], t.TaskID)
		}
	}
	seen := map[string]bool{taskID: true}
	queue := []string{taskID}
	var out []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range rev[id] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

// statusLabels is filled once; a cases.Caser must not be shared between
// goroutines.
var statusLabels = func() map[Status]string {
	m := make(map[Status]string)
	for _, s := range []Status{StatusPending, StatusInProgress, StatusCompleted, StatusBlocked, StatusFailed} {
		m[s] = titleStatus(s)
	}
	return m
}()

func titleStatus(s Status) string {
	return cases.Title(language.English).String(strings.ReplaceAll(string(s), "_", " "))
}

// StatusLabel renders a status for humans, e.g. "In Progress".
func StatusLabel(s Status) string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return titleStatus(s)
}

// RenderMarkdown renders a read-only checklist of the plan. The output is a
// view only; task state is never parsed back from it.
func RenderMarkdown(p *Plan, tasks []*Task) string {
	var b strings.Builder
	title := "Task Plan"
	if p != nil && p.Title != "" {
		title = p.Title
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	if p != nil && p.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", p.Description)
	}
	for _, t := range tasks {
		box := " "
		if t.Status == StatusCompleted {
			box = "x"
		}
		fmt.Fprintf(&b, "- [%s] **%s** %s _(%s)_", box, t.TaskID, t.Description, StatusLabel(t.Status))
		if len(t.Dependencies) > 0 {
			fmt.Fprintf(&b, " after %s", strings.Join(t.Dependencies, ", "))
		}
		b.WriteString("\n")
		if t.Notes != "" {
			fmt.Fprintf(&b, "  - %s\n", strings.ReplaceAll(t.Notes, "\n", " "))
		}
	}
	s := Summarize(tasks)
	fmt.Fprintf(&b, "\n%d/%d completed (%d%%)\n", s.Counts[StatusCompleted], s.Total, s.CompletionPercent)
	return b.String()
}
