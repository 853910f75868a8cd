package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultTimeout bounds one attempt when ExecOptions.Timeout is zero.
	DefaultTimeout = 2 * time.Minute
	// DefaultMaxRetries is the attempt count when ExecOptions.MaxRetries is zero.
	DefaultMaxRetries = 3

	baseDelay = time.Second
	maxDelay  = 5 * time.Second
)

var tracer = otel.Tracer("github.com/GoCodeAlone/steward/worker")

// ErrorType classifies a failed Outcome.
type ErrorType string

const (
	ErrorTimeout   ErrorType = "timeout"
	ErrorExecution ErrorType = "execution"
)

// ExecOptions bounds one Execute call.
type ExecOptions struct {
	MaxTurns int
	// Timeout bounds each attempt.
	Timeout time.Duration
	// MaxRetries is the total number of attempts.
	MaxRetries int
	// Invoke is passed through to the worker; its MaxTurns is taken from
	// MaxTurns.
	Invoke InvokeOptions
	// Sleep waits between attempts. Defaults to a ctx-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Outcome is the structured result of Execute. Worker failures never
// surface as Go errors.
type Outcome struct {
	Success   bool      `json:"success"`
	ErrorType ErrorType `json:"error_type,omitempty"`
	Message   string    `json:"message,omitempty"`
	Output    string    `json:"output,omitempty"`
	Usage     *Usage    `json:"usage,omitempty"`
	Attempts  int       `json:"attempts"`
	Model     string    `json:"model,omitempty"`
	Err       error     `json:"-"`
}

// Backoff returns the delay after the given failed attempt (1-based):
// 1s, 2s, 4s, then capped at 5s.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := baseDelay
	for i := 1; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	return min(d, maxDelay)
}

// Execute invokes w with description, racing every attempt against
// opts.Timeout. Timeouts and transient failures are retried with Backoff
// delays until opts.MaxRetries attempts have been made; any other failure
// returns immediately.
func Execute(ctx context.Context, w Worker, description string, opts ExecOptions) Outcome {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	invoke := opts.Invoke
	if opts.MaxTurns > 0 {
		invoke.MaxTurns = opts.MaxTurns
	}

	ctx, span := tracer.Start(ctx, "worker.execute", trace.WithAttributes(
		attribute.String("worker.model", invoke.Model),
		attribute.Int("worker.max_retries", opts.MaxRetries),
		attribute.String("worker.timeout", opts.Timeout.String()),
	))
	defer span.End()

	out := Outcome{Model: invoke.Model}
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		out.Attempts = attempt
		res, err := attemptOnce(ctx, w, description, invoke, opts.Timeout, attempt)
		if err == nil {
			text, _ := Extract(res)
			out.Success = true
			out.Output = text
			out.Usage = res.Usage
			out.ErrorType = ""
			out.Message = ""
			out.Err = nil
			span.SetAttributes(attribute.Int("worker.attempts", attempt))
			span.SetStatus(codes.Ok, "")
			return out
		}

		out.Err = err
		out.Message = err.Error()
		out.ErrorType = ErrorExecution
		if IsTimeout(err) {
			out.ErrorType = ErrorTimeout
		}

		// Cancellation of the caller is final.
		if ctx.Err() != nil {
			break
		}
		if out.ErrorType != ErrorTimeout && !IsTransient(err) {
			break
		}
		if attempt == opts.MaxRetries {
			break
		}
		if serr := opts.Sleep(ctx, Backoff(attempt)); serr != nil {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("worker.attempts", out.Attempts),
		attribute.String("worker.error_type", string(out.ErrorType)),
	)
	span.RecordError(out.Err)
	span.SetStatus(codes.Error, out.Message)
	return out
}

func attemptOnce(ctx context.Context, w Worker, description string, invoke InvokeOptions, timeout time.Duration, attempt int) (Result, error) {
	ctx, span := tracer.Start(ctx, "worker.attempt", trace.WithAttributes(attribute.Int("worker.attempt", attempt)))
	defer span.End()

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		res Result
		err error
	}
	done := make(chan reply, 1)
	go func() {
		res, err := w.Invoke(actx, description, invoke)
		done <- reply{res, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			span.RecordError(r.err)
			if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return Result{}, &TimeoutError{Timeout: timeout}
			}
			return Result{}, r.err
		}
		return r.res, nil
	case <-actx.Done():
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("worker canceled: %w", ctx.Err())
		}
		err := &TimeoutError{Timeout: timeout}
		span.RecordError(err)
		return Result{}, err
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
