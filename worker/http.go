package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPWorker invokes a remote agent endpoint. The endpoint receives
// {"description", "model", "max_turns"} and may answer with any of the
// shapes Decode understands.
type HTTPWorker struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

type httpRequest struct {
	Description string `json:"description"`
	Model       string `json:"model,omitempty"`
	MaxTurns    int    `json:"max_turns,omitempty"`
}

// Invoke implements Worker. 5xx and 429 answers are transient; other non-2xx
// answers are permanent.
func (h *HTTPWorker) Invoke(ctx context.Context, description string, opts InvokeOptions) (Result, error) {
	body, err := json.Marshal(httpRequest{Description: description, Model: opts.Model, MaxTurns: opts.MaxTurns})
	if err != nil {
		return Result{}, Permanent(fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("worker request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, &TransientError{Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Result{}, &TransientError{Err: fmt.Errorf("worker status %d: %s", resp.StatusCode, data)}
	}
	if resp.StatusCode >= 300 {
		return Result{}, Permanent(fmt.Errorf("worker status %d: %s", resp.StatusCode, data))
	}

	res, err := Decode(data)
	if err != nil {
		return Result{}, Permanent(err)
	}
	return res, nil
}
