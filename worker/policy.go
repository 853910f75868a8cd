package worker

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

// Step is one entry of a fallback Policy.
type Step struct {
	Model       string `yaml:"model" json:"model" validate:"required"`
	MaxAttempts int    `yaml:"max_attempts" json:"max_attempts" validate:"gte=0"`
}

// Policy is an ordered list of models to try. Each step gets its own retry
// budget; the first successful step wins.
type Policy []Step

// ExecutePolicy runs Execute once per step until one succeeds. An empty
// policy is a single Execute with opts unchanged. A step with no
// MaxAttempts inherits opts.MaxRetries.
func ExecutePolicy(ctx context.Context, w Worker, description string, policy Policy, opts ExecOptions) Outcome {
	if len(policy) == 0 {
		return Execute(ctx, w, description, opts)
	}

	ctx, span := tracer.Start(ctx, "worker.policy")
	defer span.End()

	var out Outcome
	attempts := 0
	for i, step := range policy {
		stepOpts := opts
		stepOpts.Invoke.Model = step.Model
		if step.MaxAttempts > 0 {
			stepOpts.MaxRetries = step.MaxAttempts
		}
		out = Execute(ctx, w, description, stepOpts)
		attempts += out.Attempts
		out.Attempts = attempts
		if out.Success || ctx.Err() != nil {
			span.SetAttributes(attribute.Int("worker.policy_step", i), attribute.String("worker.model", step.Model))
			return out
		}
	}
	span.SetAttributes(attribute.Int("worker.policy_step", len(policy)-1))
	return out
}
