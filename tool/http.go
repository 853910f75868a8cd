package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultHTTPTimeout bounds one platform call.
const DefaultHTTPTimeout = 30 * time.Second

// HTTPSpec declares a platform operation exposed as a tool. Placeholders of
// the form {name} in URL are filled from the call arguments; remaining
// arguments go in the query string for GET and DELETE and in a JSON body
// otherwise.
type HTTPSpec struct {
	Name        string            `yaml:"name" validate:"required"`
	Description string            `yaml:"description"`
	Method      string            `yaml:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	URL         string            `yaml:"url" validate:"required"`
	Parameters  map[string]any    `yaml:"parameters"`
	ReadOnly    bool              `yaml:"read_only"`
	Headers     map[string]string `yaml:"headers"`
	Timeout     time.Duration     `yaml:"timeout"`
}

// HTTPTool calls a platform endpoint.
type HTTPTool struct {
	spec   HTTPSpec
	client *http.Client
}

// NewHTTPTool creates a tool from spec. A nil client uses one with the
// spec's timeout.
func NewHTTPTool(spec HTTPSpec, client *http.Client) *HTTPTool {
	if spec.Method == "" {
		spec.Method = http.MethodGet
		if !spec.ReadOnly {
			spec.Method = http.MethodPost
		}
	}
	spec.Method = strings.ToUpper(spec.Method)
	if spec.Timeout <= 0 {
		spec.Timeout = DefaultHTTPTimeout
	}
	if spec.Parameters == nil {
		spec.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	if client == nil {
		client = &http.Client{Timeout: spec.Timeout}
	}
	return &HTTPTool{spec: spec, client: client}
}

func (t *HTTPTool) Name() string   { return t.spec.Name }
func (t *HTTPTool) ReadOnly() bool { return t.spec.ReadOnly }

func (t *HTTPTool) Definition() Definition {
	return Definition{Name: t.spec.Name, Description: t.spec.Description, Parameters: t.spec.Parameters}
}

func (t *HTTPTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	rest := make(map[string]any, len(args))
	for k, v := range args {
		rest[k] = v
	}
	target := t.spec.URL
	for k, v := range args {
		ph := "{" + k + "}"
		if strings.Contains(target, ph) {
			target = strings.ReplaceAll(target, ph, url.PathEscape(fmt.Sprint(v)))
			delete(rest, k)
		}
	}

	var body io.Reader
	switch t.spec.Method {
	case http.MethodGet, http.MethodDelete:
		if len(rest) > 0 {
			u, err := url.Parse(target)
			if err != nil {
				return nil, fmt.Errorf("%s: parse url: %w", t.spec.Name, err)
			}
			q := u.Query()
			for k, v := range rest {
				q.Set(k, fmt.Sprint(v))
			}
			u.RawQuery = q.Encode()
			target = u.String()
		}
	default:
		b, err := json.Marshal(rest)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal body: %w", t.spec.Name, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, t.spec.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", t.spec.Name, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range t.spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.spec.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", t.spec.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: status %d: %s", t.spec.Name, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data), nil
	}
	return out, nil
}
