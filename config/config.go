// Package config loads the engine's environment-driven settings into one
// struct, following the teacher's cmd/registry pattern: a single Load call
// reads well-known environment variables with defaults, rather than a
// package-level global or a third-party config library. Every component
// still takes its own constructed options (this package only gathers the
// values; it never holds a singleton of a wired component).
package config

import (
	"os"
	"strconv"
	"time"
)

// Config bundles every environment-driven setting the cmd/ entry points
// need to construct the engine's components.
type Config struct {
	// MongoURI and MongoDatabase select the backing store for every
	// persistent package (eventstore/mongo, branchgraph/mongo,
	// versionstore/mongo, runstore/mongo, taskqueue/mongo, usage/mongo).
	MongoURI      string
	MongoDatabase string

	// RedisURL backs the optional fast-path concurrency cache
	// (taskqueue/redisconcurrency) and the hook bus (hookbus/redisbus).
	// Empty means both run without Redis: the concurrency cache falls
	// back to Mongo-only accounting, and streaming falls back to an
	// in-process hook bus.
	RedisURL      string
	RedisPassword string

	// HTTPAddr is a listen address loaded from the environment; no command
	// in this module reads it or serves HTTP.
	HTTPAddr string

	// AnthropicAPIKey, AnthropicDefaultModel, and AnthropicMaxTokens
	// configure the bundled llm.call module.
	AnthropicAPIKey       string
	AnthropicDefaultModel string
	AnthropicMaxTokens    int64

	// PollInterval and HeartbeatInterval tune the task worker's poll/claim
	// loop (taskqueue/worker.Worker).
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Backoff           time.Duration

	// StatePollInterval is a state-polling interval loaded from the
	// environment; nothing in this module reads it (streaming.WatchState
	// polls at Core.PollInterval).
	StatePollInterval time.Duration
}

// Load reads Config from the environment, applying the documented
// defaults for anything unset.
func Load() Config {
	return Config{
		MongoURI:      envOr("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: envOr("MONGO_DATABASE", "workflow_engine"),

		RedisURL:      envOr("REDIS_URL", ""),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		HTTPAddr: envOr("HTTP_ADDR", ":8080"),

		AnthropicAPIKey:       os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicDefaultModel: envOr("ANTHROPIC_DEFAULT_MODEL", "claude-sonnet-4-5"),
		AnthropicMaxTokens:    envInt64Or("ANTHROPIC_MAX_TOKENS", 4096),

		PollInterval:      envDurationOr("TASK_POLL_INTERVAL", 200*time.Millisecond),
		HeartbeatInterval: envDurationOr("TASK_HEARTBEAT_INTERVAL", 10*time.Second),
		Backoff:           envDurationOr("TASK_BACKOFF", 1*time.Second),

		StatePollInterval: envDurationOr("STATE_POLL_INTERVAL", time.Second),
	}
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt64Or(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
