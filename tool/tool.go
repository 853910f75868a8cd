// Package tool defines the platform tools workers may invoke and the
// cache-aware runner that executes them on a conversation's behalf.
package tool

import (
	"context"
)

// Definition describes a tool to a chat model.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// Tool is a capability a worker can invoke.
type Tool interface {
	// Name returns the unique tool identifier.
	Name() string

	// Definition returns the tool definition for the chat model.
	Definition() Definition

	// ReadOnly reports whether the tool has no side effects. Only read-only
	// results are served from the cache.
	ReadOnly() bool

	// Execute runs the tool with the given arguments.
	Execute(ctx context.Context, args map[string]any) (any, error)
}

type contextKey int

const (
	keyConversationID contextKey = iota
	keyTaskID
)

// WithConversationID returns a context carrying the conversation id tools
// run under.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyConversationID, id)
}

// ConversationIDFromContext returns the conversation id, if set.
func ConversationIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(keyConversationID).(string)
	return v
}

// WithTaskID returns a context carrying the task id tools run for.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyTaskID, id)
}

// TaskIDFromContext returns the task id, if set.
func TaskIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(keyTaskID).(string)
	return v
}
