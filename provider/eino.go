package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Supported provider kinds.
const (
	KindOpenAI = "openai"
	KindOllama = "ollama"
	KindMock   = "mock"

	DefaultOllamaURL = "http://localhost:11434"
)

// Config selects and configures one chat model.
type Config struct {
	Name        string   `yaml:"name" json:"name" validate:"required"`
	Kind        string   `yaml:"kind" json:"kind" validate:"required,oneof=openai ollama mock"`
	Model       string   `yaml:"model" json:"model"`
	APIKey      string   `yaml:"api_key" json:"-"`
	BaseURL     string   `yaml:"base_url" json:"base_url,omitempty"`
	Temperature *float32 `yaml:"temperature" json:"temperature,omitempty"`
}

// NewEinoChatModel builds the eino chat model for an openai or ollama config.
func NewEinoChatModel(ctx context.Context, cfg Config) (model.ToolCallingChatModel, error) {
	switch cfg.Kind {
	case KindOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("provider %s: OpenAI API key is required", cfg.Name)
		}
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			Model:       cfg.Model,
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Temperature: cfg.Temperature,
		})
	case KindOllama:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = DefaultOllamaURL
		}
		return ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: baseURL,
			Model:   cfg.Model,
		})
	default:
		return nil, fmt.Errorf("provider %s: unsupported kind %q (supported: openai, ollama)", cfg.Name, cfg.Kind)
	}
}

// EinoProvider adapts an eino tool-calling chat model to Provider.
type EinoProvider struct {
	name  string
	model model.ToolCallingChatModel
}

// NewEino wraps m under name.
func NewEino(name string, m model.ToolCallingChatModel) *EinoProvider {
	return &EinoProvider{name: name, model: m}
}

// Name returns the provider identifier.
func (p *EinoProvider) Name() string { return p.name }

func (p *EinoProvider) bind(tools []ToolDef) (model.ToolCallingChatModel, error) {
	if len(tools) == 0 {
		return p.model, nil
	}
	m, err := p.model.WithTools(toToolInfos(tools))
	if err != nil {
		return nil, fmt.Errorf("%s: bind tools: %w", p.name, err)
	}
	return m, nil
}

// Chat implements Provider.
func (p *EinoProvider) Chat(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error) {
	m, err := p.bind(tools)
	if err != nil {
		return nil, err
	}
	msg, err := m.Generate(ctx, toSchemaMessages(messages))
	if err != nil {
		return nil, fmt.Errorf("%s: generate: %w", p.name, err)
	}
	return fromSchemaMessage(msg)
}

// Stream implements Provider. Text chunks are forwarded as they arrive; the
// final "done" event carries the assembled response with any tool calls.
func (p *EinoProvider) Stream(ctx context.Context, messages []Message, tools []ToolDef) (<-chan StreamEvent, error) {
	m, err := p.bind(tools)
	if err != nil {
		return nil, err
	}
	sr, err := m.Stream(ctx, toSchemaMessages(messages))
	if err != nil {
		return nil, fmt.Errorf("%s: stream: %w", p.name, err)
	}

	ch := make(chan StreamEvent, 16)
	go func() {
		defer close(ch)
		defer sr.Close()

		var chunks []*schema.Message
		for {
			chunk, err := sr.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				ch <- StreamEvent{Type: "error", Error: err.Error()}
				return
			}
			chunks = append(chunks, chunk)
			if chunk.Content != "" {
				ch <- StreamEvent{Type: "text", Text: chunk.Content}
			}
		}

		full, err := schema.ConcatMessages(chunks)
		if err != nil {
			ch <- StreamEvent{Type: "error", Error: err.Error()}
			return
		}
		resp, err := fromSchemaMessage(full)
		if err != nil {
			ch <- StreamEvent{Type: "error", Error: err.Error()}
			return
		}
		ch <- StreamEvent{Type: "done", Response: resp}
	}()
	return ch, nil
}

func toSchemaMessages(messages []Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		sm := &schema.Message{Content: m.Content}
		switch m.Role {
		case RoleSystem:
			sm.Role = schema.System
		case RoleAssistant:
			sm.Role = schema.Assistant
		case RoleTool:
			sm.Role = schema.Tool
			sm.ToolCallID = m.ToolCallID
		default:
			sm.Role = schema.User
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			sm.ToolCalls = append(sm.ToolCalls, schema.ToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: schema.FunctionCall{Name: tc.Name, Arguments: string(args)},
			})
		}
		out = append(out, sm)
	}
	return out
}

func fromSchemaMessage(msg *schema.Message) (*Response, error) {
	if msg == nil {
		return nil, errors.New("empty model response")
	}
	resp := &Response{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("tool call %s arguments: %w", tc.Function.Name, err)
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		resp.Usage = Usage{
			InputTokens:  msg.ResponseMeta.Usage.PromptTokens,
			OutputTokens: msg.ResponseMeta.Usage.CompletionTokens,
		}
	}
	return resp, nil
}

func toToolInfos(tools []ToolDef) []*schema.ToolInfo {
	infos := make([]*schema.ToolInfo, 0, len(tools))
	for _, t := range tools {
		infos = append(infos, &schema.ToolInfo{
			Name:        t.Name,
			Desc:        t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(paramsFromJSONSchema(t.Parameters)),
		})
	}
	return infos
}

// paramsFromJSONSchema converts the properties of an object JSON Schema.
func paramsFromJSONSchema(s map[string]any) map[string]*schema.ParameterInfo {
	props, _ := s["properties"].(map[string]any)
	required := map[string]bool{}
	switch req := s["required"].(type) {
	case []string:
		for _, r := range req {
			required[r] = true
		}
	case []any:
		for _, r := range req {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	out := make(map[string]*schema.ParameterInfo, len(props))
	for name, raw := range props {
		p, _ := raw.(map[string]any)
		info := paramInfo(p)
		info.Required = required[name]
		out[name] = info
	}
	return out
}

func paramInfo(p map[string]any) *schema.ParameterInfo {
	info := &schema.ParameterInfo{Type: schema.String}
	if typ, ok := p["type"].(string); ok {
		info.Type = schema.DataType(typ)
	}
	info.Desc, _ = p["description"].(string)
	if enum, ok := p["enum"].([]any); ok {
		for _, e := range enum {
			info.Enum = append(info.Enum, fmt.Sprint(e))
		}
	}
	switch info.Type {
	case schema.Object:
		info.SubParams = paramsFromJSONSchema(p)
	case schema.Array:
		if items, ok := p["items"].(map[string]any); ok {
			info.ElemInfo = paramInfo(items)
		}
	}
	return info
}
