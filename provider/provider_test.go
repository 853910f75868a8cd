package provider

import (
	"context"
	"testing"

	"github.com/cloudwego/eino/schema"
)

type namedProvider struct{ name string }

func (p namedProvider) Name() string { return p.name }
func (p namedProvider) Chat(context.Context, []Message, []ToolDef) (*Response, error) {
	return &Response{Content: p.name}, nil
}
func (p namedProvider) Stream(context.Context, []Message, []ToolDef) (<-chan StreamEvent, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_ = r.Register("primary", namedProvider{"primary"})
	_ = r.Register("backup", namedProvider{"backup"})
	if err := r.Register("primary", namedProvider{"x"}); err == nil {
		t.Error("expected error for duplicate provider")
	}

	p, err := r.Get("")
	if err != nil || p.Name() != "primary" {
		t.Errorf("default = %v (err %v), want primary", p, err)
	}
	if err := r.SetDefault("backup"); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	if p, _ := r.Get(""); p.Name() != "backup" {
		t.Errorf("default after SetDefault = %s, want backup", p.Name())
	}
	if _, err := r.Get("missing"); err == nil {
		t.Error("expected error for unknown provider")
	}
	if names := r.Names(); len(names) != 2 || names[0] != "backup" {
		t.Errorf("Names() = %v", names)
	}
}

func TestToSchemaMessages(t *testing.T) {
	msgs := toSchemaMessages([]Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "get_price", Arguments: map[string]any{"sku": "X"}}}},
		{Role: RoleTool, Content: "42", ToolCallID: "c1"},
	})
	if len(msgs) != 4 {
		t.Fatalf("len = %d, want 4", len(msgs))
	}
	if msgs[0].Role != schema.System || msgs[1].Role != schema.User || msgs[3].Role != schema.Tool {
		t.Errorf("roles = %s %s %s", msgs[0].Role, msgs[1].Role, msgs[3].Role)
	}
	if got := msgs[2].ToolCalls[0].Function.Arguments; got != `{"sku":"X"}` {
		t.Errorf("arguments = %s", got)
	}
	if msgs[3].ToolCallID != "c1" {
		t.Errorf("ToolCallID = %q, want c1", msgs[3].ToolCallID)
	}
}

func TestFromSchemaMessage(t *testing.T) {
	resp, err := fromSchemaMessage(&schema.Message{
		Role:    schema.Assistant,
		Content: "checking",
		ToolCalls: []schema.ToolCall{{
			ID:       "c1",
			Function: schema.FunctionCall{Name: "get_price", Arguments: `{"sku":"X"}`},
		}},
		ResponseMeta: &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 10, CompletionTokens: 5}},
	})
	if err != nil {
		t.Fatalf("fromSchemaMessage: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Arguments["sku"] != "X" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	if _, err := fromSchemaMessage(&schema.Message{ToolCalls: []schema.ToolCall{{Function: schema.FunctionCall{Name: "x", Arguments: "{bad"}}}}); err == nil {
		t.Error("expected error for malformed arguments")
	}
}

func TestParamsFromJSONSchema(t *testing.T) {
	params := paramsFromJSONSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"sku":   map[string]any{"type": "string", "description": "product id"},
			"price": map[string]any{"type": "number"},
			"tags":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"mode":  map[string]any{"type": "string", "enum": []any{"fast", "safe"}},
		},
		"required": []any{"sku"},
	})
	if len(params) != 4 {
		t.Fatalf("params = %d, want 4", len(params))
	}
	if !params["sku"].Required || params["price"].Required {
		t.Error("required flags wrong")
	}
	if params["sku"].Desc != "product id" {
		t.Errorf("sku desc = %q", params["sku"].Desc)
	}
	if params["tags"].ElemInfo == nil || params["tags"].ElemInfo.Type != schema.String {
		t.Error("array element info missing")
	}
	if len(params["mode"].Enum) != 2 {
		t.Errorf("enum = %v", params["mode"].Enum)
	}
}

func TestNewEinoChatModel_Validation(t *testing.T) {
	if _, err := NewEinoChatModel(context.Background(), Config{Name: "x", Kind: KindOpenAI}); err == nil {
		t.Error("expected error for openai without API key")
	}
	if _, err := NewEinoChatModel(context.Background(), Config{Name: "x", Kind: "claude"}); err == nil {
		t.Error("expected error for unsupported kind")
	}
}
