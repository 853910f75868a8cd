package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/steward/provider"
	"github.com/GoCodeAlone/steward/tool"
	"github.com/GoCodeAlone/steward/worker"
)

const defaultSystemPrompt = "You are an operations agent working on a product catalog. Use the available tools to complete the task and answer with a concise summary of what you did."

// Runtime is an LLM-driven worker.Worker. It is safe for concurrent
// invocations.
type Runtime struct {
	mu         sync.RWMutex
	cfg        Config
	running    int
	lastTask   string
	lastActive time.Time
	failed     bool
}

var _ worker.Worker = (*Runtime)(nil)

// NewRuntime creates a new agent runtime from the given config.
func NewRuntime(cfg Config) *Runtime {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.MaxRepeats <= 0 {
		cfg.MaxRepeats = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runtime{cfg: cfg}
}

// ID returns the agent id.
func (r *Runtime) ID() string { return r.cfg.ID }

// Info returns the agent's current metadata.
func (r *Runtime) Info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info := Info{
		ID:         r.cfg.ID,
		Status:     StatusIdle,
		Running:    r.running,
		LastTask:   r.lastTask,
		LastActive: r.lastActive,
	}
	switch {
	case r.running > 0:
		info.Status = StatusWorking
	case r.failed:
		info.Status = StatusError
	}
	if r.cfg.Personality != nil {
		info.Name = r.cfg.Personality.Name
		info.Personality = r.cfg.Personality
	}
	return info
}

func (r *Runtime) begin(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running++
	r.lastTask = tool.TaskIDFromContext(ctx)
	r.lastActive = time.Now()
}

func (r *Runtime) end(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running--
	r.failed = err != nil
	r.lastActive = time.Now()
}

// Invoke runs the turn loop for one task description. Each turn starts at a
// checkpoint where queued steering messages are folded into the
// conversation. The loop ends when the model answers without tool calls.
func (r *Runtime) Invoke(ctx context.Context, description string, opts worker.InvokeOptions) (res worker.Result, err error) {
	r.begin(ctx)
	defer func() { r.end(err) }()

	modelName := opts.Model
	if modelName == "" && r.cfg.Personality != nil {
		modelName = r.cfg.Personality.Model
	}
	if r.cfg.Providers == nil {
		return worker.Result{}, worker.Permanent(fmt.Errorf("agent %s has no providers", r.cfg.ID))
	}
	p, err := r.cfg.Providers.Get(modelName)
	if err != nil {
		return worker.Result{}, worker.Permanent(fmt.Errorf("agent %s: %w", r.cfg.ID, err))
	}

	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = r.cfg.MaxTurns
	}

	var defs []provider.ToolDef
	if opts.Tools != nil {
		for _, d := range opts.Tools.Definitions() {
			defs = append(defs, provider.ToolDef{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
		}
	}

	messages := r.buildMessages(description)
	usage := worker.Usage{}
	var items []worker.Item
	repeats := newRepeatGuard(r.cfg.MaxRepeats)
	taskID := tool.TaskIDFromContext(ctx)

	for turn := 1; turn <= maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return worker.Result{}, err
		}

		if opts.Checkpoint != nil {
			for _, m := range opts.Checkpoint(ctx, fmt.Sprintf("turn:%d", turn)) {
				messages = append(messages, provider.Message{Role: provider.RoleUser, Content: "Update from the user: " + m})
				r.cfg.Logger.Info("steering message injected", "agent", r.cfg.ID, "task_id", taskID, "turn", turn)
			}
		}

		resp, err := r.chat(ctx, p, messages, defs, opts.OnText)
		if err != nil {
			return worker.Result{}, fmt.Errorf("agent %s provider %s: %w", r.cfg.ID, p.Name(), err)
		}
		usage.Add(worker.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens})

		if resp.Content != "" {
			items = append(items, worker.Item{Type: worker.ItemMessage, Text: resp.Content})
		}
		if len(resp.ToolCalls) == 0 {
			r.cfg.Logger.Debug("agent finished", "agent", r.cfg.ID, "task_id", taskID, "turns", turn)
			return worker.Result{Output: worker.Direct{FinalOutput: resp.Content}, Usage: &usage}, nil
		}
		if opts.Tools == nil {
			return worker.Result{}, worker.Permanent(fmt.Errorf("agent %s: model requested tools but none are available", r.cfg.ID))
		}

		messages = append(messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			if repeats.record(tc) {
				return worker.Result{}, worker.Permanent(fmt.Errorf("agent %s: tool %s called %d times in a row with the same arguments", r.cfg.ID, tc.Name, r.cfg.MaxRepeats))
			}
			items = append(items, worker.Item{Type: "tool_call", Text: tc.Name})

			out, err := opts.Tools.Call(ctx, tc.Name, tc.Arguments)
			if err != nil {
				out = "error: " + err.Error()
			}
			messages = append(messages, provider.Message{
				Role:       provider.RoleTool,
				Content:    out,
				ToolCallID: tc.ID,
			})
		}
	}

	r.cfg.Logger.Warn("agent reached max turns", "agent", r.cfg.ID, "task_id", taskID, "max_turns", maxTurns)
	return worker.Result{Output: worker.NestedItems{Items: items}, Usage: &usage}, nil
}

func (r *Runtime) chat(ctx context.Context, p provider.Provider, messages []provider.Message, defs []provider.ToolDef, onText func(string)) (*provider.Response, error) {
	if onText == nil {
		return p.Chat(ctx, messages, defs)
	}
	ch, err := p.Stream(ctx, messages, defs)
	if err != nil {
		return nil, err
	}
	var resp *provider.Response
	for ev := range ch {
		switch ev.Type {
		case "text":
			onText(ev.Text)
		case "done":
			resp = ev.Response
		case "error":
			return nil, fmt.Errorf("stream: %s", ev.Error)
		}
	}
	if resp == nil {
		return nil, fmt.Errorf("stream ended without a response")
	}
	return resp, nil
}

// buildMessages constructs the conversation context for a task.
func (r *Runtime) buildMessages(description string) []provider.Message {
	sysPrompt := defaultSystemPrompt
	if r.cfg.Personality != nil && r.cfg.Personality.SystemPrompt != "" {
		sysPrompt = r.cfg.Personality.SystemPrompt
	}

	var taskContent strings.Builder
	taskContent.WriteString("Task: ")
	taskContent.WriteString(description)

	return []provider.Message{
		{Role: provider.RoleSystem, Content: sysPrompt},
		{Role: provider.RoleUser, Content: taskContent.String()},
	}
}

// repeatGuard detects a model issuing the same tool call back to back.
type repeatGuard struct {
	max   int
	last  string
	count int
}

func newRepeatGuard(max int) *repeatGuard { return &repeatGuard{max: max} }

// record reports true once the same call has been seen max times in a row.
func (g *repeatGuard) record(tc provider.ToolCall) bool {
	args, _ := json.Marshal(tc.Arguments)
	key := tc.Name + "\x00" + string(args)
	if key == g.last {
		g.count++
	} else {
		g.last = key
		g.count = 1
	}
	return g.count >= g.max
}
