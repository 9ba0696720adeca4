package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads, expands, and applies defaults to a TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	expandEnvVars(&cfg)

	return &cfg, nil
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() []error {
	var errs []error

	if c.Workspace.Path == "" {
		errs = append(errs, fmt.Errorf("workspace.path is required"))
	}

	switch c.Agent.Provider {
	case "":
		errs = append(errs, fmt.Errorf("agent.provider is required"))
	case "openai":
		if c.LLM.OpenAI.APIKey == "" {
			errs = append(errs, fmt.Errorf("llm.openai.api_key is required when provider is 'openai'"))
		}
	case "mock":
	default:
		errs = append(errs, fmt.Errorf("invalid agent.provider: %s (expected: openai, mock)", c.Agent.Provider))
	}

	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		errs = append(errs, fmt.Errorf("channels.telegram.token is required when telegram is enabled"))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Errorf("invalid logging.level: %s (expected: debug, info, warn, error)", c.Logging.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Errorf("invalid logging.format: %s (expected: json, text)", c.Logging.Format))
	}

	if c.Heartbeat.Enabled && c.Heartbeat.CheckEveryMinutes > 0 {
		if c.Heartbeat.OwnerChannel == "" || c.Heartbeat.OwnerUserID == "" {
			errs = append(errs, fmt.Errorf("heartbeat self-checks require heartbeat.owner_channel and heartbeat.owner_user_id"))
		}
	}

	if c.Bus.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("bus.queue_depth cannot be negative"))
	}
	if c.Subagent.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("subagent.max_concurrent cannot be negative"))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, fmt.Errorf("metrics.listen is required when metrics are enabled"))
	}

	return errs
}

func applyDefaults(c *Config) {
	if c.Workspace.Path == "" {
		c.Workspace.Path = "~/.valet"
	}

	if c.Agent.Provider == "" {
		c.Agent.Provider = "openai"
	}
	if c.Agent.MaxTokens == 0 {
		c.Agent.MaxTokens = 4096
	}
	if c.Agent.MaxRounds == 0 {
		c.Agent.MaxRounds = 10
	}
	if c.Agent.Temperature == 0 {
		c.Agent.Temperature = 0.7
	}
	if c.Agent.LockTimeoutSeconds == 0 {
		c.Agent.LockTimeoutSeconds = 5
	}
	if c.Agent.ToolTimeoutSeconds == 0 {
		c.Agent.ToolTimeoutSeconds = 30
	}

	if c.LLM.OpenAI.BaseURL == "" {
		c.LLM.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.OpenAI.TimeoutSeconds == 0 {
		c.LLM.OpenAI.TimeoutSeconds = 60
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Channels.Telegram.SendTimeoutSeconds == 0 {
		c.Channels.Telegram.SendTimeoutSeconds = 10
	}

	if c.Bus.QueueDepth == 0 {
		c.Bus.QueueDepth = 16
	}
	if c.Bus.DeliveryTimeoutSeconds == 0 {
		c.Bus.DeliveryTimeoutSeconds = 10
	}
	if c.Bus.RetryDelayMillis == 0 {
		c.Bus.RetryDelayMillis = 500
	}

	if c.Heartbeat.TickSeconds == 0 {
		c.Heartbeat.TickSeconds = 30
	}

	if c.Subagent.MaxConcurrent == 0 {
		c.Subagent.MaxConcurrent = 5
	}
	if c.Subagent.TimeoutSeconds == 0 {
		c.Subagent.TimeoutSeconds = 600
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9090"
	}
}

func expandEnvVars(c *Config) {
	c.LLM.OpenAI.APIKey = expandEnv(c.LLM.OpenAI.APIKey)
	c.Channels.Telegram.Token = expandEnv(c.Channels.Telegram.Token)
	c.Workspace.Path = expandHome(expandEnv(c.Workspace.Path))
}

// expandEnv resolves ${VAR} and ${VAR:default} references.
func expandEnv(s string) string {
	if !strings.HasPrefix(s, "${") {
		return s
	}

	end := strings.Index(s, "}")
	if end == -1 {
		return s
	}

	content := s[2:end]
	if parts := strings.SplitN(content, ":", 2); len(parts) == 2 {
		if val := os.Getenv(parts[0]); val != "" {
			return val
		}
		return parts[1]
	}
	return os.Getenv(content)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
