package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"BROWSERFLOW_CDP_URL", "BROWSERFLOW_HEADLESS", "BROWSERFLOW_NAV_TIMEOUT", "BROWSERFLOW_ACTION_TIMEOUT",
	"LLM_PROVIDER", "ANTHROPIC_API_KEY", "ANTHROPIC_MODEL", "OPENAI_API_KEY", "OPENAI_MODEL", "LLM_BASE_URL",
	"BROWSERFLOW_ADDR", "BROWSERFLOW_API_KEY", "BROWSERFLOW_MAX_STEPS",
}

func clearEnv(t *testing.T) {
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg := Load()
	assert.Equal(t, "", cfg.CDPURL)
	assert.True(t, cfg.Headless)
	assert.Equal(t, 30*time.Second, cfg.NavTimeout)
	assert.Equal(t, 10*time.Second, cfg.ActionTimeout)
	assert.Equal(t, "anthropic", cfg.LLMProvider)
	assert.Equal(t, 20, cfg.MaxSteps)
	assert.Equal(t, ":8090", cfg.Addr)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("BROWSERFLOW_CDP_URL", "ws://chrome:9222/devtools/browser/abc")
	t.Setenv("BROWSERFLOW_HEADLESS", "false")
	t.Setenv("BROWSERFLOW_NAV_TIMEOUT", "45s")
	t.Setenv("BROWSERFLOW_ACTION_TIMEOUT", "-1s")
	t.Setenv("LLM_PROVIDER", "OpenAI")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_MODEL", "gpt-4.1")
	t.Setenv("BROWSERFLOW_MAX_STEPS", "nope")

	cfg := Load()
	assert.False(t, cfg.Headless)
	assert.Equal(t, 45*time.Second, cfg.NavTimeout)
	assert.Equal(t, 10*time.Second, cfg.ActionTimeout)
	assert.Equal(t, "openai", cfg.LLMProvider)
	assert.Equal(t, "sk-test", cfg.ModelKey())
	assert.Equal(t, "gpt-4.1", cfg.Model())
	assert.Equal(t, 20, cfg.MaxSteps)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	assert.ErrorContains(t, Config{LLMProvider: "cohere"}.Validate(), "LLM_PROVIDER")
	assert.ErrorContains(t, Config{LLMProvider: "anthropic", CDPURL: "chrome:9222"}.Validate(), "BROWSERFLOW_CDP_URL")
	assert.NoError(t, Config{LLMProvider: "anthropic", CDPURL: "http://localhost:9222"}.Validate())
}
