// Package worker defines the opaque worker capability the dispatcher drives
// and the execution wrapper that bounds each invocation with a timeout and
// retries transient failures.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/GoCodeAlone/steward/tool"
)

// Usage reports token consumption. It is informational only.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}

// CheckpointFunc is called by a worker between turns. It returns the steering
// messages released at that checkpoint, if any.
type CheckpointFunc func(ctx context.Context, step string) []string

// InvokeOptions are handed to a Worker for one invocation.
type InvokeOptions struct {
	MaxTurns int
	// Model overrides the worker's default model when set.
	Model string
	// Tools runs tool calls on behalf of the worker. May be nil.
	Tools *tool.Runner
	// Checkpoint may be nil.
	Checkpoint CheckpointFunc
	// OnText receives incremental assistant text. May be nil.
	OnText func(text string)
}

// Worker performs one task description end to end.
type Worker interface {
	Invoke(ctx context.Context, description string, opts InvokeOptions) (Result, error)
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, description string, opts InvokeOptions) (Result, error)

func (f WorkerFunc) Invoke(ctx context.Context, description string, opts InvokeOptions) (Result, error) {
	return f(ctx, description, opts)
}

// Output is the shape-specific part of a Result. It is one of Direct,
// NestedItems or LegacyStep.
type Output interface {
	isOutput()
}

// Direct carries the worker's final answer as-is.
type Direct struct {
	FinalOutput string `json:"finalOutput"`
}

// Item is one generated item of a NestedItems result.
type Item struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ItemMessage is the item type whose text counts as output.
const ItemMessage = "message"

// NestedItems carries a list of generated items; the last message item is
// the output.
type NestedItems struct {
	Items []Item `json:"newItems"`
}

// LegacyStep carries the output inside a nested step record.
type LegacyStep struct {
	Step struct {
		Output string `json:"output"`
	} `json:"step"`
}

func (Direct) isOutput()      {}
func (NestedItems) isOutput() {}
func (LegacyStep) isOutput()  {}

// Result is what a worker returns.
type Result struct {
	Output Output
	Usage  *Usage
}

// Text builds a Direct result.
func Text(s string) Result { return Result{Output: Direct{FinalOutput: s}} }

// Extract returns the textual output of r, or false when r carries none.
func Extract(r Result) (string, bool) {
	switch o := r.Output.(type) {
	case Direct:
		return extractDirect(o)
	case *Direct:
		return extractDirect(*o)
	case NestedItems:
		return extractNested(o)
	case *NestedItems:
		return extractNested(*o)
	case LegacyStep:
		return extractLegacy(o)
	case *LegacyStep:
		return extractLegacy(*o)
	}
	return "", false
}

func extractDirect(d Direct) (string, bool) {
	return d.FinalOutput, true
}

func extractNested(n NestedItems) (string, bool) {
	for i := len(n.Items) - 1; i >= 0; i-- {
		if n.Items[i].Type == ItemMessage {
			return n.Items[i].Text, true
		}
	}
	return "", false
}

func extractLegacy(l LegacyStep) (string, bool) {
	return l.Step.Output, l.Step.Output != ""
}

// Decode classifies a JSON worker response. A response may carry several
// shapes at once; the first non-empty one wins in the order finalOutput, a
// message item in newItems, step.output.
func Decode(data []byte) (Result, error) {
	var raw struct {
		FinalOutput *string `json:"finalOutput"`
		NewItems    []Item  `json:"newItems"`
		Step        *struct {
			Output string `json:"output"`
		} `json:"step"`
		Usage *Usage `json:"usage"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Result{}, fmt.Errorf("decode worker result: %w", err)
	}

	res := Result{Usage: raw.Usage}
	if raw.FinalOutput != nil && *raw.FinalOutput != "" {
		res.Output = Direct{FinalOutput: *raw.FinalOutput}
		return res, nil
	}
	if items := (NestedItems{Items: raw.NewItems}); len(items.Items) > 0 {
		if _, ok := extractNested(items); ok {
			res.Output = items
			return res, nil
		}
	}
	var l LegacyStep
	if raw.Step != nil {
		l.Step.Output = raw.Step.Output
	}
	switch {
	case l.Step.Output != "":
		res.Output = l
	case raw.FinalOutput != nil:
		res.Output = Direct{}
	case raw.Step != nil:
		res.Output = l
	}
	return res, nil
}
