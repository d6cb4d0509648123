package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the main configuration structure for Warden.
type Config struct {
	Runtime RuntimeConfig `yaml:"runtime"`
	LLM     LLMConfig     `yaml:"llm"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Channel ChannelConfig `yaml:"channel"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	Logging LoggingConfig `yaml:"logging"`
}

// RuntimeConfig locates the on-disk runtime root that holds the persisted
// state file, per-conversation scratch directories, and the shared agent
// memory directory.
type RuntimeConfig struct {
	// Dir is the base directory. Default: ./warden_runtime
	Dir string `yaml:"dir"`
}

// LLMConfig configures the completion service and the driver's retry and
// fallback behavior.
type LLMConfig struct {
	// Provider selects the completion backend: "anthropic" or "openai".
	Provider string `yaml:"provider"`

	// APIKey for the provider. Falls back to ANTHROPIC_API_KEY or
	// OPENAI_API_KEY when empty.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is the primary model identifier.
	Model string `yaml:"model"`

	// BackupModel is switched to after FallbackRetryCount consecutive
	// transient failures on the primary.
	BackupModel string `yaml:"backup_model"`

	// SystemPrompt is sent with every completion request.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxTokens caps completion length per request.
	MaxTokens int `yaml:"max_tokens"`

	// MaxToolIterations caps model<->tool round trips per user turn.
	MaxToolIterations int `yaml:"max_tool_iterations"`

	// InitialBackoff is the first retry delay on a transient failure.
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the exponential retry delay.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// BackoffMultiplier scales the delay between consecutive retries.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`

	// FallbackRetryCount is the number of consecutive primary-model
	// failures tolerated before switching to BackupModel.
	FallbackRetryCount int `yaml:"fallback_retry_count"`
}

// SandboxConfig configures per-conversation containers and the shell tool.
type SandboxConfig struct {
	// Image is the container image used for every conversation sandbox.
	Image string `yaml:"image"`

	// MemoryLimit is the container memory cap (docker syntax, e.g. "2g").
	MemoryLimit string `yaml:"memory_limit"`

	// CPULimit is the container CPU quota in cores.
	CPULimit float64 `yaml:"cpu_limit"`

	// IdleTimeout stops containers idle for longer than this.
	// 0 disables idle reaping.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// SweepInterval is how often the idle reaper wakes.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Network selects the container network mode: "host" (default) or
	// "bridge" for isolated networking.
	Network string `yaml:"network"`

	// CommandTimeout is the default per-command timeout for the bash tool.
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// ChannelConfig configures the relay prompt channel.
type ChannelConfig struct {
	// WebsocketURL is the relay endpoint the agent listens on for prompts.
	WebsocketURL string `yaml:"websocket_url"`

	// BroadcastURL is the relay HTTP endpoint responses are posted to.
	BroadcastURL string `yaml:"broadcast_url"`

	// ReconnectDelay is the pause between websocket reconnect attempts.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// MetricsConfig configures the optional Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TracingConfig configures the optional OTLP trace exporter.
type TracingConfig struct {
	// Endpoint is the OTLP collector address; empty disables tracing.
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file, resolving $include
// directives and expanding environment variables. A missing path yields the
// default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, err
		}
		cfg, err = decodeRawConfig(raw)
		if err != nil {
			return nil, err
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the runnable zero configuration.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Runtime.Dir == "" {
		cfg.Runtime.Dir = "./warden_runtime"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "claude-opus-4-1-20250805"
	}
	if cfg.LLM.BackupModel == "" {
		cfg.LLM.BackupModel = "claude-sonnet-4-20250514"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 32000
	}
	if cfg.LLM.MaxToolIterations == 0 {
		cfg.LLM.MaxToolIterations = 25
	}
	if cfg.LLM.InitialBackoff == 0 {
		cfg.LLM.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.LLM.MaxBackoff == 0 {
		cfg.LLM.MaxBackoff = 3 * time.Second
	}
	if cfg.LLM.BackoffMultiplier == 0 {
		cfg.LLM.BackoffMultiplier = 2.0
	}
	if cfg.LLM.FallbackRetryCount == 0 {
		cfg.LLM.FallbackRetryCount = 10
	}
	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = "claude-agent:latest"
	}
	if cfg.Sandbox.MemoryLimit == "" {
		cfg.Sandbox.MemoryLimit = "2g"
	}
	if cfg.Sandbox.CPULimit == 0 {
		cfg.Sandbox.CPULimit = 2.0
	}
	if cfg.Sandbox.SweepInterval == 0 {
		cfg.Sandbox.SweepInterval = 60 * time.Second
	}
	if cfg.Sandbox.Network == "" {
		cfg.Sandbox.Network = "host"
	}
	if cfg.Sandbox.CommandTimeout == 0 {
		cfg.Sandbox.CommandTimeout = 120 * time.Second
	}
	if cfg.Channel.ReconnectDelay == 0 {
		cfg.Channel.ReconnectDelay = 5 * time.Second
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// applyEnvOverrides maps the documented environment toggles onto the config.
// Environment values win over file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WARDEN_RUNTIME_DIR"); v != "" {
		cfg.Runtime.Dir = v
	}
	if v := os.Getenv("WARDEN_BACKUP_MODEL"); v != "" {
		cfg.LLM.BackupModel = v
	}
	if d, ok := envDuration("WARDEN_INITIAL_BACKOFF"); ok {
		cfg.LLM.InitialBackoff = d
	}
	if d, ok := envDuration("WARDEN_MAX_BACKOFF"); ok {
		cfg.LLM.MaxBackoff = d
	}
	if v := os.Getenv("WARDEN_BACKOFF_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.LLM.BackoffMultiplier = f
		}
	}
	if v := os.Getenv("WARDEN_FALLBACK_RETRY_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LLM.FallbackRetryCount = n
		}
	}
	if v := os.Getenv("WARDEN_IDLE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Sandbox.IdleTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("WARDEN_MEMORY_LIMIT"); v != "" {
		cfg.Sandbox.MemoryLimit = v
	}
	if v := os.Getenv("WARDEN_CPU_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Sandbox.CPULimit = f
		}
	}
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	// Accept both "1.5s" and bare seconds "1.5".
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d, true
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
		return time.Duration(f * float64(time.Second)), true
	}
	return 0, false
}

// Validate checks cross-field constraints that applyDefaults cannot repair.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("llm.provider %q is not supported (anthropic, openai)", c.LLM.Provider)
	}
	if c.LLM.BackoffMultiplier < 1 {
		return fmt.Errorf("llm.backoff_multiplier must be >= 1, got %v", c.LLM.BackoffMultiplier)
	}
	if c.LLM.InitialBackoff > c.LLM.MaxBackoff {
		return fmt.Errorf("llm.initial_backoff %v exceeds llm.max_backoff %v", c.LLM.InitialBackoff, c.LLM.MaxBackoff)
	}
	if c.Sandbox.IdleTimeout < 0 {
		return fmt.Errorf("sandbox.idle_timeout must not be negative")
	}
	switch c.Sandbox.Network {
	case "host", "bridge", "none":
	default:
		return fmt.Errorf("sandbox.network %q is not supported (host, bridge, none)", c.Sandbox.Network)
	}
	return nil
}

// ResolveAPIKey returns the configured API key, falling back to the
// provider's conventional environment variable.
func (c *Config) ResolveAPIKey() string {
	if c.LLM.APIKey != "" {
		return c.LLM.APIKey
	}
	switch c.LLM.Provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	}
	return ""
}
