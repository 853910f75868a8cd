// Package dispatch runs a conversation's task graph: it plans, fans eligible
// tasks out to workers, records every transition in the task store and
// reports progress on the run's event stream.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/steward/cache"
	"github.com/GoCodeAlone/steward/events"
	"github.com/GoCodeAlone/steward/inject"
	"github.com/GoCodeAlone/steward/task"
	"github.com/GoCodeAlone/steward/tool"
	"github.com/GoCodeAlone/steward/worker"
)

const (
	DefaultMaxParallel = 4
	DefaultNoteLimit   = 500
)

// Registry resolves the worker a task is assigned to.
type Registry interface {
	Worker(name string) (worker.Worker, bool)
}

// Config tunes a Dispatcher.
type Config struct {
	MaxParallel int `yaml:"max_parallel" validate:"gte=0"`
	MaxTurns    int `yaml:"max_turns" validate:"gte=0"`
	// Timeout bounds each worker attempt.
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries" validate:"gte=0"`
	// Policy lists fallback models; empty uses the worker's own model.
	Policy worker.Policy `yaml:"policy" validate:"dive"`
	// NoteLimit truncates task outputs stored as notes.
	NoteLimit int `yaml:"note_limit" validate:"gte=0"`
}

// Deps are a Dispatcher's collaborators. Tasks, Queue and Default are
// required.
type Deps struct {
	Tasks   task.Store
	Queue   *inject.Queue
	Tools   *tool.Registry
	Cache   *cache.Cache
	Planner Planner
	Workers Registry
	Default worker.Worker
	Logger  *slog.Logger

	// Sleep overrides the retry backoff wait; tests only.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Dispatcher executes runs. One Dispatcher serves every conversation.
type Dispatcher struct {
	deps Deps
	cfg  Config
}

// New creates a Dispatcher.
func New(deps Deps, cfg Config) (*Dispatcher, error) {
	if deps.Tasks == nil || deps.Queue == nil || deps.Default == nil {
		return nil, errors.New("dispatch: task store, injection queue and default worker are required")
	}
	if deps.Tools == nil {
		deps.Tools = tool.NewRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.NoteLimit <= 0 {
		cfg.NoteLimit = DefaultNoteLimit
	}
	return &Dispatcher{deps: deps, cfg: cfg}, nil
}

// Request starts a run. ConversationID continues an existing conversation
// when set. Tasks, when given, replace planning.
type Request struct {
	ConversationID string         `json:"conversation_id,omitempty"`
	Message        string         `json:"message" validate:"required"`
	Plan           *task.Plan     `json:"plan,omitempty"`
	Tasks          []task.NewTask `json:"tasks,omitempty" validate:"dive"`
}

// Result summarizes a finished run.
type Result struct {
	ConversationID string       `json:"conversation_id"`
	Success        bool         `json:"success"`
	Response       string       `json:"response"`
	Summary        task.Summary `json:"summary"`
}

// ErrConversationRunning is returned by Claim and Run while another run holds
// the conversation.
var ErrConversationRunning = inject.ErrAlreadyRunning

// Claim reserves a conversation for one run. Pass it to RunClaimed, or
// Release it if the run never starts.
type Claim struct {
	ConversationID string

	queue *inject.Queue
	gen   uint64
}

// Release gives the conversation back if the claim still owns it.
func (c *Claim) Release() { c.queue.Finish(c.ConversationID, c.gen) }

// Claim marks the conversation running, assigning a new id when
// conversationID is empty. It returns ErrConversationRunning if a run is
// already active.
func (d *Dispatcher) Claim(conversationID string) (*Claim, error) {
	if conversationID == "" {
		conversationID = uuid.New().String()
	}
	gen, err := d.deps.Queue.Start(conversationID)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", conversationID, err)
	}
	return &Claim{ConversationID: conversationID, queue: d.deps.Queue, gen: gen}, nil
}

// run is the state of one Run call.
type run struct {
	d      *Dispatcher
	convID string
	gen    uint64
	stream *events.Stream
	logger *slog.Logger
	batch  map[string]bool

	mu      sync.Mutex
	outputs map[string]string
}

// Run claims the conversation, plans req, executes its tasks in dependency
// order and emits the full event sequence on stream, ending with exactly one
// done event. Task failures are reported in the result rather than as an
// error; the error return is reserved for failures of the run itself,
// including ErrConversationRunning.
func (d *Dispatcher) Run(ctx context.Context, req Request, stream *events.Stream) (*Result, error) {
	c, err := d.Claim(req.ConversationID)
	if err != nil {
		return nil, err
	}
	return d.RunClaimed(ctx, c, req, stream)
}

// RunClaimed is Run for a conversation already reserved with Claim. The
// claim is released when the run ends.
func (d *Dispatcher) RunClaimed(ctx context.Context, c *Claim, req Request, stream *events.Stream) (*Result, error) {
	// The run state is cleared before done is emitted so a client reacting
	// to done sees the conversation idle.
	defer c.Release()

	convID := c.ConversationID
	if err := stream.Start(ctx, convID); err != nil {
		return nil, fmt.Errorf("start stream: %w", err)
	}

	r := &run{
		d:       d,
		convID:  convID,
		gen:     c.gen,
		stream:  stream,
		logger:  d.deps.Logger.With("conversation_id", convID),
		batch:   make(map[string]bool),
		outputs: make(map[string]string),
	}

	r.emit(ctx, events.TypeAgentProcessing, events.AgentProcessingData{Message: req.Message})

	if err := r.plan(ctx, req); err != nil {
		r.logger.Warn("planning failed", "error", err)
		r.emit(ctx, events.TypeError, events.ErrorData{ErrorType: "validation", Message: err.Error()})
		c.Release()
		r.emit(ctx, events.TypeDone, events.DoneData{Success: false, Response: err.Error()})
		return &Result{ConversationID: convID}, nil
	}

	r.execute(ctx)
	return r.finish(ctx)
}

func (r *run) emit(ctx context.Context, typ events.Type, data any) {
	if err := r.stream.Emit(ctx, typ, data); err != nil {
		r.logger.Debug("event not emitted", "type", typ, "error", err)
	}
}

func (r *run) plan(ctx context.Context, req Request) error {
	d := r.d
	existing, err := d.deps.Tasks.GetTasks(ctx, r.convID)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	plan, batch := req.Plan, req.Tasks
	if len(batch) == 0 && d.deps.Planner != nil {
		plan, batch, err = d.deps.Planner.Plan(ctx, r.convID, req.Message)
		if err != nil {
			r.logger.Warn("planner failed, running message as a single task", "error", err)
			plan, batch = nil, nil
		}
	}
	if len(batch) == 0 {
		batch = SingleTask(nextTaskID(existing), req.Message)
	}

	if plan == nil {
		plan = &task.Plan{Title: truncate(req.Message, 80), Description: req.Message}
	}
	plan.ConversationID = r.convID
	if err := d.deps.Tasks.CreatePlan(ctx, plan); err != nil {
		return fmt.Errorf("create plan: %w", err)
	}
	created, err := d.deps.Tasks.CreateTasks(ctx, r.convID, batch)
	if err != nil {
		return err
	}
	for _, t := range created {
		r.batch[t.TaskID] = true
	}

	all, err := d.deps.Tasks.GetTasks(ctx, r.convID)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	r.emit(ctx, events.TypeTaskPlanCreated, events.TaskPlanData{Plan: plan, Tasks: r.own(all)})
	return nil
}

// execute runs waves of eligible tasks until none is left.
func (r *run) execute(ctx context.Context) {
	d := r.d
	for {
		if ctx.Err() != nil {
			r.logger.Info("run canceled, no further tasks scheduled")
			return
		}
		if !r.active() {
			r.logger.Info("run stopped, no further tasks scheduled")
			return
		}

		tasks, err := d.deps.Tasks.GetTasks(ctx, r.convID)
		if err != nil {
			r.emit(ctx, events.TypeError, events.ErrorData{Message: fmt.Sprintf("load tasks: %v", err)})
			return
		}
		eligible := r.own(task.Eligible(tasks))
		if len(eligible) == 0 {
			return
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.cfg.MaxParallel)
		for _, t := range eligible {
			g.Go(func() error {
				r.runTask(gctx, t)
				return nil
			})
		}
		_ = g.Wait()

		if tasks, err := d.deps.Tasks.GetTasks(ctx, r.convID); err == nil {
			own := r.own(tasks)
			r.emit(ctx, events.TypeTaskSummary, events.TaskSummaryData{Summary: task.Summarize(own), Tasks: own})
		}
	}
}

// active reports whether this run still holds the conversation. A stop, or a
// stop followed by a newer run, ends it.
func (r *run) active() bool { return r.d.deps.Queue.Active(r.convID, r.gen) }

func (r *run) finish(ctx context.Context) (*Result, error) {
	r.d.deps.Queue.Finish(r.convID, r.gen)
	tasks, err := r.d.deps.Tasks.GetTasks(ctx, r.convID)
	if err != nil {
		r.emit(ctx, events.TypeDone, events.DoneData{Success: false, Response: err.Error()})
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	own := r.own(tasks)
	sum := task.Summarize(own)

	res := &Result{
		ConversationID: r.convID,
		Success:        len(own) > 0 && sum.Counts[task.StatusCompleted] == len(own),
		Response:       r.response(own),
		Summary:        sum,
	}
	r.emit(ctx, events.TypeDone, events.DoneData{Success: res.Success, Response: res.Response, Summary: sum})
	r.logger.Info("run finished", "success", res.Success, "completed", sum.Counts[task.StatusCompleted], "total", sum.Total)
	return res, nil
}

// response joins the outputs of the leaf tasks of the batch.
func (r *run) response(tasks []*task.Task) string {
	depended := make(map[string]bool)
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			depended[dep] = true
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var leaves []*task.Task
	for _, t := range tasks {
		if !depended[t.TaskID] {
			leaves = append(leaves, t)
		}
	}
	if len(leaves) == 1 {
		if out, ok := r.outputs[leaves[0].TaskID]; ok {
			return out
		}
		return leaves[0].Notes
	}

	var b strings.Builder
	for _, t := range leaves {
		out, ok := r.outputs[t.TaskID]
		if !ok {
			out = fmt.Sprintf("(%s) %s", task.StatusLabel(t.Status), t.Notes)
		}
		fmt.Fprintf(&b, "**%s**: %s\n", t.TaskID, strings.TrimSpace(out))
	}
	return strings.TrimSpace(b.String())
}

// own filters tasks down to the current batch.
func (r *run) own(tasks []*task.Task) []*task.Task {
	out := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if r.batch[t.TaskID] {
			out = append(out, t)
		}
	}
	return out
}

func nextTaskID(existing []*task.Task) string {
	taken := make(map[string]bool, len(existing))
	for _, t := range existing {
		taken[t.TaskID] = true
	}
	for i := len(existing) + 1; ; i++ {
		id := fmt.Sprintf("task-%d", i)
		if !taken[id] {
			return id
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
