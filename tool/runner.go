package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/steward/cache"
	"github.com/GoCodeAlone/steward/events"
)

// Runner executes tool calls for one conversation. Results of read-only
// tools are looked up in and written to the cache; every call is reported as
// a tool_call event. Output passes through the registry's SecretGuard first.
type Runner struct {
	registry       *Registry
	cache          *cache.Cache
	stream         *events.Stream
	conversationID string
	logger         *slog.Logger
}

// NewRunner creates a Runner. cache and stream may be nil.
func NewRunner(registry *Registry, c *cache.Cache, stream *events.Stream, conversationID string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		registry:       registry,
		cache:          c,
		stream:         stream,
		conversationID: conversationID,
		logger:         logger,
	}
}

// ConversationID returns the conversation the runner acts for.
func (r *Runner) ConversationID() string { return r.conversationID }

// Definitions returns the definitions of the available tools.
func (r *Runner) Definitions() []Definition {
	return r.registry.Definitions()
}

// Call runs a tool and returns its output as text.
func (r *Runner) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	ctx = WithConversationID(ctx, r.conversationID)
	data := events.ToolCallData{TaskID: TaskIDFromContext(ctx), ToolName: name}
	if in, err := json.Marshal(args); err == nil {
		data.Input = in
	}

	t, ok := r.registry.Get(name)
	if !ok {
		err := fmt.Errorf("tool %q not found", name)
		data.Error = err.Error()
		r.emit(ctx, data)
		return "", err
	}

	if t.ReadOnly() && r.cache != nil {
		out, hit, err := r.cache.GetExactMatch(ctx, r.conversationID, name, args)
		if err != nil {
			r.logger.Warn("tool cache lookup failed", "tool", name, "error", err)
		}
		if hit {
			data.Output = resultText(out)
			data.Cached = true
			r.emit(ctx, data)
			return data.Output, nil
		}
	}

	res, err := t.Execute(ctx, args)
	if err != nil {
		data.Error = err.Error()
		r.emit(ctx, data)
		return "", err
	}

	text, err := toText(res)
	if err != nil {
		data.Error = err.Error()
		r.emit(ctx, data)
		return "", err
	}
	if redacted, ok := r.registry.secretGuard().Redact(text); ok {
		r.logger.Warn("secret redacted from tool output", "tool", name)
		text, res = redacted, redacted
	}
	data.Output = text

	if t.ReadOnly() && r.cache != nil {
		if err := r.cache.Store(ctx, r.conversationID, name, args, res, cache.StoreOptions{
			Metadata: map[string]string{"task_id": data.TaskID},
		}); err != nil {
			r.logger.Warn("tool cache store failed", "tool", name, "error", err)
		}
	}
	r.emit(ctx, data)
	return text, nil
}

func (r *Runner) emit(ctx context.Context, data events.ToolCallData) {
	if r.stream == nil {
		return
	}
	if err := r.stream.Emit(ctx, events.TypeToolCall, data); err != nil {
		r.logger.Debug("tool_call event not emitted", "tool", data.ToolName, "error", err)
	}
}

func toText(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	return string(b), nil
}

// resultText unwraps a cached JSON string; other JSON is returned verbatim.
func resultText(raw []byte) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
