// Package config defines the steward application configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/steward/dispatch"
	"github.com/GoCodeAlone/steward/embed"
	"github.com/GoCodeAlone/steward/provider"
	"github.com/GoCodeAlone/steward/tool"
	"github.com/GoCodeAlone/steward/worker"
)

// Config is the top-level steward configuration.
type Config struct {
	Server    ServerConfig      `json:"server" yaml:"server"`
	Auth      AuthConfig        `json:"auth" yaml:"auth"`
	DataDir   string            `json:"data_dir" yaml:"data_dir"`
	Cache     CacheConfig       `json:"cache" yaml:"cache"`
	Embedder  embed.Config      `json:"embedder" yaml:"embedder"`
	Providers []provider.Config `json:"providers" yaml:"providers" validate:"dive"`
	Agents    []AgentConfig     `json:"agents" yaml:"agents" validate:"dive"`
	Tools     []tool.HTTPSpec   `json:"tools,omitempty" yaml:"tools" validate:"dive"`
	Dispatch  dispatch.Config   `json:"dispatch" yaml:"dispatch"`
	Events    EventsConfig      `json:"events" yaml:"events"`
	LogLevel  string            `json:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls bearer authentication on the API. An empty secret
// leaves the API open.
type AuthConfig struct {
	JWTSecret string `json:"-" yaml:"jwt_secret"`
	Issuer    string `json:"issuer,omitempty" yaml:"issuer"`
}

// CacheConfig controls the tool-result cache. A zero MaxAge keeps entries
// forever.
type CacheConfig struct {
	MaxAge time.Duration `json:"max_age" yaml:"max_age"`
}

// EventsConfig controls event history and the optional NATS mirror.
type EventsConfig struct {
	History       int    `json:"history" yaml:"history" validate:"gte=0"`
	NATSURL       string `json:"nats_url,omitempty" yaml:"nats_url"`
	SubjectPrefix string `json:"subject_prefix,omitempty" yaml:"subject_prefix"`
}

// AgentConfig defines a single agent's configuration.
type AgentConfig struct {
	ID           string `json:"id" yaml:"id" validate:"required"`
	Name         string `json:"name" yaml:"name"`
	Role         string `json:"role" yaml:"role"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
	Provider     string `json:"provider,omitempty" yaml:"provider"` // provider name; empty uses the first
	IsLead       bool   `json:"is_lead,omitempty" yaml:"is_lead"`
	MaxTurns     int    `json:"max_turns,omitempty" yaml:"max_turns" validate:"gte=0"`
	// URL makes the agent a remote worker reached over HTTP instead of an
	// in-process model loop.
	URL string `json:"url,omitempty" yaml:"url" validate:"omitempty,url"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server:   ServerConfig{Addr: ":9090"},
		DataDir:  "./data",
		LogLevel: "info",
		Cache:    CacheConfig{MaxAge: 10 * time.Minute},
		Embedder: embed.Config{Provider: embed.ProviderHash},
		Providers: []provider.Config{
			{Name: "mock", Kind: provider.KindMock},
		},
		Agents: []AgentConfig{
			{
				ID:           "lead",
				Name:         "Lead",
				Role:         "orchestrator",
				SystemPrompt: "You are the lead operations agent for a product catalog. Complete the task with the tools available and report what changed.",
				IsLead:       true,
			},
		},
		Dispatch: dispatch.Config{
			MaxParallel: dispatch.DefaultMaxParallel,
			MaxTurns:    10,
			Timeout:     worker.DefaultTimeout,
			MaxRetries:  worker.DefaultMaxRetries,
		},
		Events: EventsConfig{History: 1000},
	}
}

var validate = validator.New()

// Validate checks struct constraints and cross references between agents
// and providers.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	names := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if names[p.Name] {
			return fmt.Errorf("invalid config: duplicate provider %q", p.Name)
		}
		names[p.Name] = true
	}
	ids := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if ids[a.ID] {
			return fmt.Errorf("invalid config: duplicate agent %q", a.ID)
		}
		ids[a.ID] = true
		if a.URL != "" && a.IsLead {
			return fmt.Errorf("invalid config: lead agent %s cannot be remote", a.ID)
		}
		if a.Provider != "" && !names[a.Provider] {
			return fmt.Errorf("invalid config: agent %s uses unknown provider %q", a.ID, a.Provider)
		}
	}
	for _, s := range c.Dispatch.Policy {
		if !names[s.Model] {
			return fmt.Errorf("invalid config: dispatch policy uses unknown provider %q", s.Model)
		}
	}
	return nil
}

// LoadEnv loads .env files into the process environment. Missing files are
// ignored; with no arguments ./.env is tried.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env %s: %w", p, err)
		}
	}
	return nil
}

// Load reads a YAML config file and returns the parsed configuration.
// ${VAR} references are expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes on top of DefaultConfig and validates
// the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
