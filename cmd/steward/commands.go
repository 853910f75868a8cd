package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/steward/dispatch"
	"github.com/GoCodeAlone/steward/events"
	"github.com/GoCodeAlone/steward/inject"
	"github.com/GoCodeAlone/steward/task"
)

func clientCommands() []*cobra.Command {
	var (
		conversationID string
		tasksFile      string
		highPriority   bool
		toolName       string
		limit          int
		follow         bool
	)

	runCmd := &cobra.Command{
		Use:   "run <message>",
		Short: "Start a run and stream its events",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := dispatch.Request{ConversationID: conversationID, Message: strings.Join(args, " ")}
			if tasksFile != "" {
				batch, err := readTasks(tasksFile)
				if err != nil {
					return err
				}
				req.Tasks = batch
			}
			out := cmd.OutOrStdout()
			success := false
			err := newClient().stream(cmd.Context(), http.MethodPost, "/api/runs", req, func(ev events.Event) bool {
				fmt.Fprintln(out, formatEvent(ev))
				if ev.Type == events.TypeDone {
					var d events.DoneData
					_ = ev.Decode(&d)
					success = d.Success
					if d.Response != "" {
						fmt.Fprintf(out, "\n%s\n", d.Response)
					}
					return false
				}
				return true
			})
			if err != nil {
				return err
			}
			if !success {
				return fmt.Errorf("run did not complete successfully")
			}
			return nil
		},
	}
	runCmd.Flags().StringVar(&conversationID, "conversation", "", "continue an existing conversation")
	runCmd.Flags().StringVar(&tasksFile, "tasks", "", "YAML file with an explicit task batch")

	steerCmd := &cobra.Command{
		Use:   "steer <conversation> <message>",
		Short: "Queue a steering message for a running conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			priority := inject.PriorityNormal
			if highPriority {
				priority = inject.PriorityHigh
			}
			body := map[string]any{"message": strings.Join(args[1:], " "), "priority": priority}
			var resp struct {
				ID      string `json:"id"`
				Running bool   `json:"running"`
			}
			if err := newClient().do(cmd.Context(), http.MethodPost, conversationPath(args[0], "/messages"), body, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s", resp.ID)
			if !resp.Running {
				fmt.Fprint(cmd.OutOrStdout(), " (conversation is not running; delivered on next run)")
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
	steerCmd.Flags().BoolVar(&highPriority, "high", false, "deliver ahead of normal messages")

	stopCmd := &cobra.Command{
		Use:   "stop <conversation>",
		Short: "Stop scheduling new tasks for a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]bool
			if err := newClient().do(cmd.Context(), http.MethodPost, conversationPath(args[0], "/stop"), nil, &resp); err != nil {
				return err
			}
			if resp["stopped"] {
				fmt.Fprintf(cmd.OutOrStdout(), "conversation %s stopped\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "conversation %s was not running\n", args[0])
			}
			return nil
		},
	}

	tasksCmd := &cobra.Command{
		Use:   "tasks <conversation>",
		Short: "List the tasks of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Tasks   []*task.Task `json:"tasks"`
				Summary task.Summary `json:"summary"`
			}
			if err := newClient().do(cmd.Context(), http.MethodGet, conversationPath(args[0], "/tasks"), nil, &resp); err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), resp.Tasks, resp.Summary)
			return nil
		},
	}

	planCmd := &cobra.Command{
		Use:   "plan <conversation>",
		Short: "Print the Markdown rendering of a conversation's plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			md, err := newClient().getText(cmd.Context(), conversationPath(args[0], "/plan.md"))
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), md)
			return nil
		},
	}

	eventsCmd := &cobra.Command{
		Use:   "events <conversation>",
		Short: "Replay a conversation's events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return newClient().stream(cmd.Context(), http.MethodGet, conversationPath(args[0], "/events"), nil, func(ev events.Event) bool {
				fmt.Fprintln(out, formatEvent(ev))
				return follow || ev.Type != events.TypeDone
			})
		},
	}
	eventsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep following after done")

	searchCmd := &cobra.Command{
		Use:   "search <conversation> <query>",
		Short: "Search a conversation's cached tool results",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"query": strings.Join(args[1:], " "), "tool_name": toolName, "limit": limit}
			var resp struct {
				Results []struct {
					ToolName        string  `json:"tool_name"`
					NormalizedInput string  `json:"normalized_input"`
					Similarity      float64 `json:"similarity"`
				} `json:"results"`
			}
			if err := newClient().do(cmd.Context(), http.MethodPost, conversationPath(args[0], "/cache/search"), body, &resp); err != nil {
				return err
			}
			if len(resp.Results) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no matches")
				return nil
			}
			for _, r := range resp.Results {
				fmt.Fprintf(cmd.OutOrStdout(), "%.3f  %-20s %s\n", r.Similarity, r.ToolName, r.NormalizedInput)
			}
			return nil
		},
	}
	searchCmd.Flags().StringVar(&toolName, "tool", "", "restrict to one tool")
	searchCmd.Flags().IntVar(&limit, "limit", 0, "maximum results")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Status  string `json:"status"`
				Version string `json:"version"`
				Uptime  string `json:"uptime"`
				Agents  []struct {
					ID     string `json:"id"`
					Name   string `json:"name"`
					Status string `json:"status"`
				} `json:"agents"`
			}
			if err := newClient().do(cmd.Context(), http.MethodGet, "/api/status", nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status:  %s\nversion: %s\nuptime:  %s\n", resp.Status, resp.Version, resp.Uptime)
			for _, a := range resp.Agents {
				fmt.Fprintf(out, "  %-20s %-20s %s\n", a.ID, a.Name, a.Status)
			}
			return nil
		},
	}

	return []*cobra.Command{runCmd, steerCmd, stopCmd, tasksCmd, planCmd, eventsCmd, searchCmd, statusCmd}
}

func readTasks(path string) ([]task.NewTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tasks %s: %w", path, err)
	}
	var batch []task.NewTask
	if err := yaml.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("parse tasks %s: %w", path, err)
	}
	return batch, nil
}

// formatEvent renders one event as a single human-readable line.
func formatEvent(ev events.Event) string {
	prefix := fmt.Sprintf("[%3d] %-17s", ev.Seq, ev.Type)
	switch ev.Type {
	case events.TypeConversationID:
		var d events.ConversationIDData
		_ = ev.Decode(&d)
		return prefix + " " + d.ConversationID
	case events.TypeAgentStatus:
		var d events.AgentStatusData
		_ = ev.Decode(&d)
		line := fmt.Sprintf("%s %s -> %s", prefix, d.TaskID, task.StatusLabel(d.Status))
		if d.Agent != "" {
			line += " (" + d.Agent + ")"
		}
		if d.Message != "" {
			line += ": " + d.Message
		}
		return line
	case events.TypeTaskPlanCreated:
		var d events.TaskPlanData
		_ = ev.Decode(&d)
		return fmt.Sprintf("%s %d tasks", prefix, len(d.Tasks))
	case events.TypeTaskSummary:
		var d events.TaskSummaryData
		_ = ev.Decode(&d)
		return fmt.Sprintf("%s %d%% of %d complete", prefix, d.Summary.CompletionPercent, d.Summary.Total)
	case events.TypeToolCall:
		var d events.ToolCallData
		_ = ev.Decode(&d)
		line := fmt.Sprintf("%s %s %s", prefix, d.TaskID, d.ToolName)
		if d.Cached {
			line += " (cached)"
		}
		if d.Error != "" {
			line += ": " + d.Error
		}
		return line
	case events.TypeHandoff:
		var d events.HandoffData
		_ = ev.Decode(&d)
		return fmt.Sprintf("%s %s -> %s", prefix, d.TaskID, d.To)
	case events.TypeAssistantDelta:
		var d events.AssistantDeltaData
		_ = ev.Decode(&d)
		return fmt.Sprintf("%s %s %q", prefix, d.TaskID, d.Text)
	case events.TypeError:
		var d events.ErrorData
		_ = ev.Decode(&d)
		return fmt.Sprintf("%s %s [%s] %s", prefix, d.TaskID, d.ErrorType, d.Message)
	case events.TypeDone:
		var d events.DoneData
		_ = ev.Decode(&d)
		return fmt.Sprintf("%s success=%t", prefix, d.Success)
	}
	return prefix + " " + string(ev.Data)
}

func printTasks(w io.Writer, tasks []*task.Task, sum task.Summary) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}
	fmt.Fprintf(w, "%-16s %-12s %-14s %s\n", "ID", "STATUS", "ASSIGNED", "DESCRIPTION")
	fmt.Fprintln(w, strings.Repeat("-", 78))
	for _, t := range tasks {
		fmt.Fprintf(w, "%-16s %-12s %-14s %s\n", t.TaskID, t.Status, t.AssignedTo, truncate(t.Description, 40))
	}
	fmt.Fprintf(w, "\n%d%% complete (%d tasks)\n", sum.CompletionPercent, sum.Total)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
