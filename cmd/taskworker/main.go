// Command taskworker runs one taskqueue.Store consumer: it claims queued
// tasks, dispatches each to the module its payload names, and reports the
// module's outputs back as the task's result. It is the out-of-line
// counterpart to the inline module execution the Executor performs —
// workflow modules enqueue deferred work here instead of blocking a step
// on it (media generation, a slow external call, anything a
// concurrency-limited group needs to throttle).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/redis/go-redis/v9"

	"github.com/workflowmanager/engine/config"
	"github.com/workflowmanager/engine/moduleregistry"
	"github.com/workflowmanager/engine/moduleregistry/modules"
	"github.com/workflowmanager/engine/taskqueue"
	taskqueuemem "github.com/workflowmanager/engine/taskqueue/inmem"
	taskqueuemongo "github.com/workflowmanager/engine/taskqueue/mongo"
	"github.com/workflowmanager/engine/taskqueue/redisconcurrency"
	"github.com/workflowmanager/engine/taskqueue/worker"
	"github.com/workflowmanager/engine/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	logger := telemetry.NewClueLogger()

	cfg := config.Load()

	useMongo := os.Getenv("TASKWORKER_STORE") == "mongo"

	var store taskqueue.Store
	if useMongo {
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		defer func() { _ = client.Disconnect(ctx) }()
		if err := client.Ping(ctx, nil); err != nil {
			return fmt.Errorf("ping mongo: %w", err)
		}
		store = taskqueuemongo.New(client.Database(cfg.MongoDatabase).Collection("tasks"))
	} else {
		store = taskqueuemem.New()
	}

	registry := moduleregistry.New()
	if err := registerWorkerModules(registry, cfg); err != nil {
		return err
	}

	w := worker.New(store, moduleTaskHandler(registry), logger)
	w.PollInterval = cfg.PollInterval
	w.HeartbeatInterval = cfg.HeartbeatInterval
	w.Backoff = cfg.Backoff

	if cfg.RedisURL != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL, Password: cfg.RedisPassword})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		w.Cache = redisconcurrency.New(rdb)
	}

	sigCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info(sigCtx, "taskworker starting", "worker_id", w.WorkerID, "store", storeName(useMongo))
	return w.Run(sigCtx)
}

func storeName(useMongo bool) string {
	if useMongo {
		return "mongo"
	}
	return "mem"
}

// registerWorkerModules registers the same executable modules workflowctl
// does, minus the interactive ones: a deferred task is a single
// request/response unit of work, never a suspend-for-input step.
func registerWorkerModules(registry *moduleregistry.Registry, cfg config.Config) error {
	httpFetch, err := modules.NewHTTPFetch(nil)
	if err != nil {
		return fmt.Errorf("register http.fetch: %w", err)
	}
	if err := registry.Register(httpFetch); err != nil {
		return err
	}

	transformMap, err := modules.NewTransformMap()
	if err != nil {
		return fmt.Errorf("register transform.map: %w", err)
	}
	if err := registry.Register(transformMap); err != nil {
		return err
	}

	if cfg.AnthropicAPIKey != "" {
		client := sdk.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey))
		llmCall, err := modules.NewLLMCall(&client.Messages, cfg.AnthropicDefaultModel, cfg.AnthropicMaxTokens)
		if err != nil {
			return fmt.Errorf("register llm.call: %w", err)
		}
		if err := registry.Register(llmCall); err != nil {
			return err
		}
	}

	return nil
}

// moduleTaskHandler returns a worker.Handler dispatching a task's
// payload["module_id"]/payload["inputs"] to registry, the same
// input-validate-then-execute sequence the Executor's module loop runs
// for an inline step.
func moduleTaskHandler(registry *moduleregistry.Registry) worker.Handler {
	return func(ctx context.Context, task *taskqueue.Task) (map[string]any, map[string]any, error) {
		moduleID, _ := task.Payload["module_id"].(string)
		if moduleID == "" {
			return nil, nil, fmt.Errorf("task %q: payload.module_id is required", task.TaskID)
		}
		inputs, _ := task.Payload["inputs"].(map[string]any)

		mod, err := registry.LookupExecutable(moduleID)
		if err != nil {
			return nil, nil, fmt.Errorf("task %q: %w", task.TaskID, err)
		}
		if err := mod.InputSchema().Validate(inputs); err != nil {
			return nil, nil, fmt.Errorf("task %q: input validation failed: %w", task.TaskID, err)
		}

		ectx := moduleregistry.ExecutionContext{ModuleName: moduleID}
		outputs, err := mod.Execute(ctx, inputs, ectx)
		if err != nil {
			return nil, nil, fmt.Errorf("task %q: %w", task.TaskID, err)
		}
		return outputs, nil, nil
	}
}
