package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/workflowmanager/engine/config"
)

func TestLoadAppliesDefaultsWhenUnset(t *testing.T) {
	t.Setenv("MONGO_URI", "")
	t.Setenv("MONGO_DATABASE", "")
	t.Setenv("ANTHROPIC_MAX_TOKENS", "")
	t.Setenv("TASK_POLL_INTERVAL", "")

	cfg := config.Load()
	assert.Equal(t, "mongodb://localhost:27017", cfg.MongoURI)
	assert.Equal(t, "workflow_engine", cfg.MongoDatabase)
	assert.EqualValues(t, 4096, cfg.AnthropicMaxTokens)
	assert.Equal(t, 200*time.Millisecond, cfg.PollInterval)
}

func TestLoadReadsOverridesFromEnvironment(t *testing.T) {
	t.Setenv("MONGO_URI", "mongodb://example:27017")
	t.Setenv("ANTHROPIC_MAX_TOKENS", "8192")
	t.Setenv("TASK_BACKOFF", "2s")

	cfg := config.Load()
	assert.Equal(t, "mongodb://example:27017", cfg.MongoURI)
	assert.EqualValues(t, 8192, cfg.AnthropicMaxTokens)
	assert.Equal(t, 2*time.Second, cfg.Backoff)
}

func TestLoadIgnoresUnparseableOverrides(t *testing.T) {
	t.Setenv("ANTHROPIC_MAX_TOKENS", "not-a-number")
	t.Setenv("TASK_BACKOFF", "not-a-duration")

	cfg := config.Load()
	assert.EqualValues(t, 4096, cfg.AnthropicMaxTokens)
	assert.Equal(t, time.Second, cfg.Backoff)
}
