// Package mock provides a scripted chat provider for testing and offline runs.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/GoCodeAlone/steward/provider"
)

const defaultResponse = "Task acknowledged. Working on it."

// MockProvider implements provider.Provider. It returns scripted responses
// in order, cycling when the script runs out, and records every request.
type MockProvider struct {
	mu        sync.Mutex
	responses []*provider.Response
	errs      []error
	idx       int
	calls     [][]provider.Message
}

// New creates a MockProvider that cycles through plain text responses.
func New(responses ...string) *MockProvider {
	m := &MockProvider{}
	for _, r := range responses {
		m.responses = append(m.responses, &provider.Response{Content: r})
	}
	return m
}

// NewScripted creates a MockProvider from full responses, which may carry
// tool calls.
func NewScripted(responses ...*provider.Response) *MockProvider {
	return &MockProvider{responses: responses}
}

// FailNext makes the next len(errs) calls fail with the given errors before
// the script resumes.
func (m *MockProvider) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
}

// Calls returns the message lists of every request made so far.
func (m *MockProvider) Calls() [][]provider.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]provider.Message(nil), m.calls...)
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string { return "mock" }

// Chat returns the next scripted response.
func (m *MockProvider) Chat(ctx context.Context, messages []provider.Message, _ []provider.ToolDef) (*provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, append([]provider.Message(nil), messages...))

	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	if len(m.responses) == 0 {
		return &provider.Response{Content: defaultResponse}, nil
	}
	resp := *m.responses[m.idx%len(m.responses)]
	m.idx++
	return &resp, nil
}

// Stream wraps Chat output into events.
func (m *MockProvider) Stream(ctx context.Context, messages []provider.Message, tools []provider.ToolDef) (<-chan provider.StreamEvent, error) {
	resp, err := m.Chat(ctx, messages, tools)
	if err != nil {
		return nil, fmt.Errorf("mock stream: %w", err)
	}

	ch := make(chan provider.StreamEvent, 2)
	go func() {
		defer close(ch)
		if resp.Content != "" {
			ch <- provider.StreamEvent{Type: "text", Text: resp.Content}
		}
		if resp.Usage == (provider.Usage{}) {
			resp.Usage = provider.Usage{OutputTokens: len(resp.Content)}
		}
		ch <- provider.StreamEvent{Type: "done", Response: resp}
	}()
	return ch, nil
}
