// Package agent implements LLM-driven workers: a chat model turn loop that
// calls platform tools and honours steering checkpoints between turns.
package agent

import (
	"log/slog"
	"time"

	"github.com/GoCodeAlone/steward/provider"
)

// Status represents the current state of an agent.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusError   Status = "error"
)

// Personality defines the agent's behavior, tone, and role.
type Personality struct {
	Name         string `json:"name" yaml:"name"`
	Role         string `json:"role" yaml:"role"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
	Model        string `json:"model,omitempty" yaml:"model"`
}

// Info provides read-only metadata about an agent.
type Info struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Personality *Personality `json:"personality,omitempty"`
	Status      Status       `json:"status"`
	Running     int          `json:"running"`
	LastTask    string       `json:"last_task,omitempty"`
	LastActive  time.Time    `json:"last_active,omitzero"`
}

// DefaultMaxTurns bounds the turn loop when neither the config nor the
// invocation sets a limit.
const DefaultMaxTurns = 10

// Config configures a Runtime.
type Config struct {
	ID          string
	Personality *Personality
	// Providers resolves the model named by the invocation or personality;
	// "" selects the registry default.
	Providers *provider.Registry
	MaxTurns  int
	// MaxRepeats stops the loop when the model issues the same tool call
	// this many times in a row. Zero uses 3.
	MaxRepeats int
	Logger     *slog.Logger
}
