// Package config provides configuration loading and validation. It supports
// TOML configuration files with environment variable expansion, default
// values, and validation.
//
// Configuration structure:
//   - [workspace]: Workspace directory for sessions and scheduled jobs
//   - [agent]: Model selection and loop limits
//   - [llm]: Provider configuration (OpenAI-compatible endpoints)
//   - [logging]: Logging level, format, and output
//   - [channels]: Channel configurations (Telegram)
//   - [bus]: Message bus queue settings
//   - [heartbeat]: Tick period and self-check interval
//   - [subagent]: Background agent limits
//   - [metrics]: Prometheus listener
//
// String values can reference environment variables using ${VAR} or
// ${VAR:default} syntax, for example: api_key = "${OPENAI_API_KEY}".
package config

import "path/filepath"

// Config represents the main application configuration.
type Config struct {
	Workspace WorkspaceConfig `toml:"workspace"`
	Agent     AgentConfig     `toml:"agent"`
	LLM       LLMConfig       `toml:"llm"`
	Logging   LoggingConfig   `toml:"logging"`
	Channels  ChannelsConfig  `toml:"channels"`
	Bus       BusConfig       `toml:"bus"`
	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	Subagent  SubagentConfig  `toml:"subagent"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// WorkspaceConfig locates persistent state on disk.
type WorkspaceConfig struct {
	Path string `toml:"path"`
}

// AgentConfig tunes the agent loop.
type AgentConfig struct {
	Provider           string  `toml:"provider"` // openai, mock
	Model              string  `toml:"model"`
	SystemPrompt       string  `toml:"system_prompt"`
	MaxTokens          int     `toml:"max_tokens"`
	MaxRounds          int     `toml:"max_rounds"`
	Temperature        float64 `toml:"temperature"`
	LockTimeoutSeconds int     `toml:"lock_timeout_seconds"`
	ToolTimeoutSeconds int     `toml:"tool_timeout_seconds"`
}

// LLMConfig holds provider endpoints.
type LLMConfig struct {
	OpenAI OpenAIConfig `toml:"openai"`
}

// OpenAIConfig configures an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

// ChannelsConfig holds per-channel adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled            bool     `toml:"enabled"`
	Token              string   `toml:"token"`
	AllowedUsers       []string `toml:"allowed_users"`
	SendTimeoutSeconds int      `toml:"send_timeout_seconds"`
}

// BusConfig tunes the message bus.
type BusConfig struct {
	QueueDepth             int `toml:"queue_depth"`
	DeliveryTimeoutSeconds int `toml:"delivery_timeout_seconds"`
	RetryDelayMillis       int `toml:"retry_delay_millis"`
}

// HeartbeatConfig configures the runtime clock.
type HeartbeatConfig struct {
	Enabled           bool   `toml:"enabled"`
	TickSeconds       int    `toml:"tick_seconds"`
	CheckEveryMinutes int    `toml:"check_every_minutes"` // 0 disables self-checks
	OwnerChannel      string `toml:"owner_channel"`
	OwnerAddress      string `toml:"owner_address"`
	OwnerUserID       string `toml:"owner_user_id"`
}

// SubagentConfig limits background agents.
type SubagentConfig struct {
	Enabled        bool `toml:"enabled"`
	MaxConcurrent  int  `toml:"max_concurrent"`
	TimeoutSeconds int  `toml:"timeout_seconds"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// SessionsDir returns the directory session transcripts are stored in.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.Workspace.Path, "sessions")
}

// CronDir returns the directory the scheduled job store lives in.
func (c *Config) CronDir() string {
	return filepath.Join(c.Workspace.Path, "cron")
}
