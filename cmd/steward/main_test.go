package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/steward/config"
	"github.com/GoCodeAlone/steward/dispatch"
	"github.com/GoCodeAlone/steward/events"
	"github.com/GoCodeAlone/steward/task"
	"github.com/GoCodeAlone/steward/tool"
)

func newTestApp(t *testing.T) (*app, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Agents = append(cfg.Agents, config.AgentConfig{ID: "pricing", Role: "pricing"})
	a, err := buildApp(context.Background(), cfg, newLogger("error"))
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	hs := httptest.NewServer(a.server.Handler())
	t.Cleanup(hs.Close)
	return a, hs
}

func TestBuildApp_Wiring(t *testing.T) {
	a, _ := newTestApp(t)
	if _, ok := a.tools.Get("search_tool_cache"); !ok {
		t.Error("cache search tool not registered")
	}
	if n := len(a.team.Infos()); n != 2 {
		t.Errorf("agents = %d, want 2", n)
	}
	if _, err := os.Stat(filepath.Join(a.dataDir, "steward.db")); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

func TestSecretGuardFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = "jwt-secret-value"
	cfg.Tools = []tool.HTTPSpec{{Name: "get_price", Headers: map[string]string{"Authorization": "Bearer platform-token"}}}
	g := secretGuard(cfg)
	got, ok := g.Redact("auth platform-token and jwt-secret-value")
	if !ok || got != "auth [REDACTED:get_price_authorization] and [REDACTED:jwt_secret]" {
		t.Errorf("Redact = %q, %v", got, ok)
	}
}

func TestClient_RunEndToEnd(t *testing.T) {
	_, hs := newTestApp(t)
	c := &Client{BaseURL: hs.URL, HTTPClient: &http.Client{Timeout: 5 * time.Second}}
	ctx := context.Background()

	var seen []events.Type
	var done events.DoneData
	req := dispatch.Request{ConversationID: "c1", Message: "reprice", Tasks: []task.NewTask{
		{TaskID: "a", Description: "check stock"},
		{TaskID: "b", Description: "set price", AssignedTo: "pricing", Dependencies: []string{"a"}},
	}}
	err := c.stream(ctx, http.MethodPost, "/api/runs", req, func(ev events.Event) bool {
		seen = append(seen, ev.Type)
		if ev.Type == events.TypeDone {
			_ = ev.Decode(&done)
			return false
		}
		return true
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if !done.Success {
		t.Errorf("done = %+v, want success", done)
	}
	handoff := false
	for _, typ := range seen {
		if typ == events.TypeHandoff {
			handoff = true
		}
	}
	if !handoff {
		t.Errorf("events = %v, want a handoff to pricing", seen)
	}

	var resp struct {
		Tasks []*task.Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, conversationPath("c1", "/tasks"), nil, &resp); err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(resp.Tasks) != 2 {
		t.Errorf("tasks = %d, want 2", len(resp.Tasks))
	}

	md, err := c.getText(ctx, conversationPath("c1", "/plan.md"))
	if err != nil || !strings.Contains(md, "set price") {
		t.Errorf("plan.md = %q, %v", md, err)
	}

	if err := c.do(ctx, http.MethodGet, conversationPath("missing", "/plan.md"), nil, nil); err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want 404", err)
	}
}

func TestFormatEvent(t *testing.T) {
	mk := func(typ events.Type, data any) events.Event {
		raw, _ := json.Marshal(data)
		return events.Event{Seq: 7, Type: typ, Data: raw}
	}
	cases := []struct {
		ev   events.Event
		want string
	}{
		{mk(events.TypeAgentStatus, events.AgentStatusData{TaskID: "a", Status: task.StatusInProgress, Agent: "pricing"}), "a -> In Progress (pricing)"},
		{mk(events.TypeToolCall, events.ToolCallData{TaskID: "a", ToolName: "get_price", Cached: true}), "a get_price (cached)"},
		{mk(events.TypeDone, events.DoneData{Success: true}), "success=true"},
		{mk(events.TypeError, events.ErrorData{TaskID: "a", ErrorType: "timeout", Message: "slow"}), "a [timeout] slow"},
	}
	for _, tc := range cases {
		got := formatEvent(tc.ev)
		if !strings.HasPrefix(got, "[  7]") || !strings.HasSuffix(got, tc.want) {
			t.Errorf("formatEvent(%s) = %q, want suffix %q", tc.ev.Type, got, tc.want)
		}
	}
}

func TestReadTasks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	yml := `
- task_id: stock
  description: check stock
  assigned_to: inventory
- task_id: price
  description: set price
  dependencies: [stock]
  priority: 2
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	batch, err := readTasks(path)
	if err != nil {
		t.Fatalf("readTasks: %v", err)
	}
	if len(batch) != 2 || batch[1].Dependencies[0] != "stock" || batch[1].Priority != task.PriorityHigh {
		t.Errorf("batch = %+v", batch)
	}
}
