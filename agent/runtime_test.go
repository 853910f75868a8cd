package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/GoCodeAlone/steward/provider"
	"github.com/GoCodeAlone/steward/provider/mock"
	"github.com/GoCodeAlone/steward/tool"
	"github.com/GoCodeAlone/steward/worker"
)

type priceTool struct{ calls int }

func (p *priceTool) Name() string   { return "get_price" }
func (p *priceTool) ReadOnly() bool { return true }
func (p *priceTool) Definition() tool.Definition {
	return tool.Definition{Name: "get_price", Parameters: map[string]any{"type": "object"}}
}
func (p *priceTool) Execute(context.Context, map[string]any) (any, error) {
	p.calls++
	return map[string]any{"price": 42}, nil
}

func newRuntime(t *testing.T, p provider.Provider) *Runtime {
	t.Helper()
	reg := provider.NewRegistry()
	if err := reg.Register("mock", p); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return NewRuntime(Config{
		ID:          "pricing",
		Personality: &Personality{Name: "Pricer", Role: "pricing"},
		Providers:   reg,
	})
}

func newRunner(t *testing.T, tools ...tool.Tool) *tool.Runner {
	t.Helper()
	reg := tool.NewRegistry()
	for _, tl := range tools {
		if err := reg.Register(tl); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return tool.NewRunner(reg, nil, nil, "c1", nil)
}

func TestRuntime_Info(t *testing.T) {
	r := newRuntime(t, mock.New())
	info := r.Info()
	if info.ID != "pricing" {
		t.Errorf("ID = %q, want pricing", info.ID)
	}
	if info.Name != "Pricer" {
		t.Errorf("Name = %q, want Pricer", info.Name)
	}
	if info.Status != StatusIdle {
		t.Errorf("Status = %q, want idle", info.Status)
	}
}

func TestRuntime_Invoke_ToolLoop(t *testing.T) {
	p := mock.NewScripted(
		&provider.Response{
			ToolCalls: []provider.ToolCall{{ID: "1", Name: "get_price", Arguments: map[string]any{"sku": "X"}}},
			Usage:     provider.Usage{InputTokens: 10, OutputTokens: 2},
		},
		&provider.Response{Content: "X costs 42", Usage: provider.Usage{InputTokens: 20, OutputTokens: 5}},
	)
	r := newRuntime(t, p)
	pt := &priceTool{}

	res, err := r.Invoke(context.Background(), "look up X", worker.InvokeOptions{Tools: newRunner(t, pt)})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	out, ok := worker.Extract(res)
	if !ok || out != "X costs 42" {
		t.Errorf("output = %q, want %q", out, "X costs 42")
	}
	if res.Usage == nil || res.Usage.InputTokens != 30 || res.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v, want 30/7", res.Usage)
	}
	if pt.calls != 1 {
		t.Errorf("tool calls = %d, want 1", pt.calls)
	}

	calls := p.Calls()
	last := calls[len(calls)-1]
	if last[len(last)-1].Role != provider.RoleTool || last[len(last)-1].Content != `{"price":42}` {
		t.Errorf("tool result message = %+v", last[len(last)-1])
	}
}

func TestRuntime_Invoke_Checkpoint(t *testing.T) {
	p := mock.New("done")
	r := newRuntime(t, p)
	var steps []string
	_, err := r.Invoke(context.Background(), "task", worker.InvokeOptions{
		Checkpoint: func(_ context.Context, step string) []string {
			steps = append(steps, step)
			return []string{"use EUR"}
		},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(steps) != 1 || steps[0] != "turn:1" {
		t.Errorf("steps = %v, want [turn:1]", steps)
	}
	msgs := p.Calls()[0]
	if !strings.Contains(msgs[len(msgs)-1].Content, "use EUR") {
		t.Errorf("steering message not in prompt: %+v", msgs[len(msgs)-1])
	}
}

func TestRuntime_Invoke_MaxTurns(t *testing.T) {
	p := mock.NewScripted(&provider.Response{
		Content:   "checking",
		ToolCalls: []provider.ToolCall{{ID: "1", Name: "get_price", Arguments: map[string]any{"sku": "X"}}},
	})
	r := NewRuntime(Config{ID: "a", Providers: registryOf(t, p), MaxRepeats: 10})
	res, err := r.Invoke(context.Background(), "loop", worker.InvokeOptions{MaxTurns: 2, Tools: newRunner(t, &priceTool{})})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if _, ok := res.Output.(worker.NestedItems); !ok {
		t.Fatalf("output = %T, want NestedItems", res.Output)
	}
	if out, _ := worker.Extract(res); out != "checking" {
		t.Errorf("output = %q, want checking", out)
	}
}

func TestRuntime_Invoke_RepeatedCallStops(t *testing.T) {
	p := mock.NewScripted(&provider.Response{
		ToolCalls: []provider.ToolCall{{ID: "1", Name: "get_price", Arguments: map[string]any{"sku": "X"}}},
	})
	r := NewRuntime(Config{ID: "a", Providers: registryOf(t, p)})
	_, err := r.Invoke(context.Background(), "loop", worker.InvokeOptions{MaxTurns: 10, Tools: newRunner(t, &priceTool{})})
	var perm *worker.PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("err = %v, want PermanentError", err)
	}
	if r.Info().Status != StatusError {
		t.Errorf("Status = %q, want error", r.Info().Status)
	}
}

func TestRuntime_Invoke_ProviderErrorIsTransient(t *testing.T) {
	p := mock.New("fine")
	p.FailNext(errors.New("read: connection reset by peer"))
	r := NewRuntime(Config{ID: "a", Providers: registryOf(t, p)})
	_, err := r.Invoke(context.Background(), "x", worker.InvokeOptions{})
	if !worker.IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestRuntime_Invoke_StreamsText(t *testing.T) {
	r := newRuntime(t, mock.New("streamed answer"))
	var got strings.Builder
	res, err := r.Invoke(context.Background(), "x", worker.InvokeOptions{OnText: func(s string) { got.WriteString(s) }})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got.String() != "streamed answer" {
		t.Errorf("streamed = %q", got.String())
	}
	if out, _ := worker.Extract(res); out != "streamed answer" {
		t.Errorf("output = %q", out)
	}
}

func TestTeam_Worker(t *testing.T) {
	lead := NewRuntime(Config{ID: "lead"})
	pricing := NewRuntime(Config{ID: "p1", Personality: &Personality{Role: "pricing"}})
	team := NewTeam("t", "catalog")
	team.SetLead(lead)
	if err := team.AddAgent(pricing); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}
	if err := team.AddAgent(pricing); err == nil {
		t.Error("expected error for duplicate member")
	}

	if w, ok := team.Worker("pricing"); !ok || w != pricing {
		t.Error("lookup by role failed")
	}
	if w, ok := team.Worker("p1"); !ok || w != pricing {
		t.Error("lookup by id failed")
	}
	if _, ok := team.Worker("inventory"); ok {
		t.Error("unknown worker found")
	}
	if team.Default() != lead {
		t.Error("default is not the lead")
	}
	if n := len(team.Infos()); n != 2 {
		t.Errorf("Infos = %d, want 2", n)
	}
}

func registryOf(t *testing.T, p provider.Provider) *provider.Registry {
	t.Helper()
	reg := provider.NewRegistry()
	if err := reg.Register("mock", p); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}
