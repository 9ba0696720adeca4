package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[workspace]
path = "/tmp/valet-test"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.Agent.Provider)
	assert.Equal(t, 10, cfg.Agent.MaxRounds)
	assert.Equal(t, 4096, cfg.Agent.MaxTokens)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 16, cfg.Bus.QueueDepth)
	assert.Equal(t, 30, cfg.Heartbeat.TickSeconds)
	assert.Equal(t, 5, cfg.Subagent.MaxConcurrent)
	assert.Equal(t, "https://api.openai.com/v1", cfg.LLM.OpenAI.BaseURL)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("VALET_TEST_KEY", "secret-from-env")

	path := writeConfig(t, `
[workspace]
path = "/tmp/valet-test"

[llm.openai]
api_key = "${VALET_TEST_KEY}"

[channels.telegram]
token = "${MISSING_VAR:fallback-token}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-from-env", cfg.LLM.OpenAI.APIKey)
	assert.Equal(t, "fallback-token", cfg.Channels.Telegram.Token)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	assert.Error(t, err)
}

func TestLoad_MalformedToml(t *testing.T) {
	path := writeConfig(t, `this is [not toml`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	path := writeConfig(t, `
[workspace]
path = "/tmp/valet-test"

[agent]
provider = "openai"

[llm.openai]
api_key = "sk-test"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Validate())
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Agent.Provider = "bogus"
	cfg.Logging.Level = "loud"
	cfg.Channels.Telegram.Enabled = true

	errs := cfg.Validate()
	require.NotEmpty(t, errs)
	assert.GreaterOrEqual(t, len(errs), 3, "validation reports every problem, not just the first")
}

func TestValidate_OpenAIRequiresKey(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	errs := cfg.Validate()
	found := false
	for _, e := range errs {
		if e.Error() == "llm.openai.api_key is required when provider is 'openai'" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidate_HeartbeatOwner(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Agent.Provider = "mock"
	cfg.Heartbeat.Enabled = true
	cfg.Heartbeat.CheckEveryMinutes = 30

	errs := cfg.Validate()
	require.NotEmpty(t, errs)

	cfg.Heartbeat.OwnerChannel = "telegram"
	cfg.Heartbeat.OwnerUserID = "7"
	assert.Empty(t, cfg.Validate())
}

func TestWorkspacePaths(t *testing.T) {
	cfg := &Config{}
	cfg.Workspace.Path = "/data/valet"
	assert.Equal(t, "/data/valet/sessions", cfg.SessionsDir())
	assert.Equal(t, "/data/valet/cron", cfg.CronDir())
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("VALET_X", "val")

	assert.Equal(t, "plain", expandEnv("plain"))
	assert.Equal(t, "val", expandEnv("${VALET_X}"))
	assert.Equal(t, "val", expandEnv("${VALET_X:dflt}"))
	assert.Equal(t, "dflt", expandEnv("${VALET_MISSING:dflt}"))
	assert.Equal(t, "", expandEnv("${VALET_MISSING}"))
	assert.Equal(t, "${broken", expandEnv("${broken"))
}
