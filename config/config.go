package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/triage"
)

// Environment variables that override secrets and endpoints from the file.
const (
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvAnthropicKey = "ANTHROPIC_API_KEY"
	EnvGeminiKey    = "GEMINI_API_KEY"
	EnvOllamaHost   = "OLLAMA_HOST"
	EnvJWTSecret    = "AGENTRELAY_JWT_SECRET"
)

// Config is the root of the configuration file.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Triage  TriageConfig  `yaml:"triage"`
	Log     LogConfig     `yaml:"log"`
	Limits  LimitsConfig  `yaml:"limits"`
	Agents  []AgentConfig `yaml:"agents"`
}

type ServerConfig struct {
	Listen            string        `yaml:"listen"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Auth              AuthConfig    `yaml:"auth"`
}

// AuthConfig enables bearer authentication when JWTSecret is set. Users may
// exchange their password for a token at /api/token.
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
	Users       []UserConfig  `yaml:"users"`
}

// Enabled reports whether requests must carry a bearer token.
func (a AuthConfig) Enabled() bool { return a.JWTSecret != "" }

type UserConfig struct {
	Username string `yaml:"username"`
	// PasswordHash is a bcrypt hash.
	PasswordHash string `yaml:"password_hash"`
}

// BackendConfig selects the completion backend.
type BackendConfig struct {
	// Provider is one of openai, anthropic, ollama, gemini or mock.
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

type TriageConfig struct {
	WordThreshold    int      `yaml:"word_threshold"`
	Keywords         []string `yaml:"keywords"`
	DisableRationale bool     `yaml:"disable_rationale"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type LimitsConfig struct {
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`
	MaxModelCalls         int `yaml:"max_model_calls"`
	MaxToolRounds         int `yaml:"max_tool_rounds"`
	MaxParallelTools      int `yaml:"max_parallel_tools"`
	MaxHandoffDepth       int `yaml:"max_handoff_depth"`
	MaxTraces             int `yaml:"max_traces"`
	MaxEventLogs          int `yaml:"max_event_logs"`
	MaxHistoryMessages    int `yaml:"max_history_messages"`
}

// AgentConfig describes one roster entry.
type AgentConfig struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Icon        string   `yaml:"icon"`
	Description string   `yaml:"description"`
	Role        string   `yaml:"role"`
	Instruction string   `yaml:"instruction"`
	ToolName    string   `yaml:"tool_name"`
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature"`
}

// Default returns a runnable configuration using the built-in roster.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:            ":8080",
			HeartbeatInterval: 15 * time.Second,
			Auth:              AuthConfig{TokenExpiry: 24 * time.Hour},
		},
		Backend: BackendConfig{Provider: "openai", Temperature: 0.7, MaxTokens: 4096},
		Triage:  TriageConfig{WordThreshold: triage.DefaultWordThreshold},
		Log:     LogConfig{Level: "info", Format: "text"},
		Limits: LimitsConfig{
			MaxConcurrentRequests: 10,
			MaxModelCalls:         100,
			MaxToolRounds:         5,
			MaxHandoffDepth:       5,
			MaxTraces:             1000,
			MaxEventLogs:          256,
			MaxHistoryMessages:    100,
		},
		Agents: DefaultAgents(),
	}
}

// Load reads path over the defaults and applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, os.LookupEnv)
}

// Parse decodes data over the defaults. lookup resolves environment
// overrides; nil skips them.
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if lookup != nil {
		cfg.ApplyEnv(lookup)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and endpoints from the environment. The API
// key variable matching the configured provider wins over the file.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	keyVar := map[string]string{
		"openai":    EnvOpenAIKey,
		"anthropic": EnvAnthropicKey,
		"gemini":    EnvGeminiKey,
	}[c.Backend.Provider]
	if keyVar != "" {
		if v, ok := lookup(keyVar); ok && v != "" {
			c.Backend.APIKey = v
		}
	}
	if c.Backend.Provider == "ollama" {
		if v, ok := lookup(EnvOllamaHost); ok && v != "" {
			c.Backend.BaseURL = v
		}
	}
	if v, ok := lookup(EnvJWTSecret); ok && v != "" {
		c.Server.Auth.JWTSecret = v
	}
}

// Validate checks the provider and the roster.
func (c *Config) Validate() error {
	switch c.Backend.Provider {
	case "openai", "anthropic", "ollama", "gemini", "mock":
	default:
		return fmt.Errorf("config: unknown backend provider %q", c.Backend.Provider)
	}
	if len(c.Agents) == 0 {
		return errors.New("config: no agents configured")
	}

	seen := make(map[string]struct{}, len(c.Agents))
	orchestrators := 0
	for _, a := range c.Agents {
		if a.ID == "" {
			return errors.New("config: agent without id")
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("config: duplicate agent %q", a.ID)
		}
		seen[a.ID] = struct{}{}
		if a.Role == "orchestrator" {
			orchestrators++
		}
	}
	if orchestrators != 1 {
		return fmt.Errorf("config: want exactly one orchestrator agent, got %d", orchestrators)
	}

	for _, u := range c.Server.Auth.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return errors.New("config: auth users need username and password_hash")
		}
	}
	return nil
}

// Logger builds the structured logger described by the log section.
func (c *Config) Logger() logging.Logger {
	format := strings.ToLower(c.Log.Format)
	if format != "json" {
		format = "text"
	}
	return logging.NewSlogLogger(logging.ParseLevel(c.Log.Level), format, false)
}

// TriageOptions converts the triage section into policy options.
func (c *Config) TriageOptions() func(o *triage.Options) {
	return func(o *triage.Options) {
		if c.Triage.WordThreshold > 0 {
			o.WordThreshold = c.Triage.WordThreshold
		}
		if len(c.Triage.Keywords) > 0 {
			o.Keywords = c.Triage.Keywords
		}
		o.DisableRationale = c.Triage.DisableRationale
	}
}
