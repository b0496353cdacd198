package main

import (
	"context"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/workflowmanager/engine/branchgraph"
	branchgraphmongo "github.com/workflowmanager/engine/branchgraph/mongo"
	branchgraphmem "github.com/workflowmanager/engine/branchgraph/inmem"
	"github.com/workflowmanager/engine/config"
	"github.com/workflowmanager/engine/deriver"
	"github.com/workflowmanager/engine/eventstore"
	eventstoremongo "github.com/workflowmanager/engine/eventstore/mongo"
	eventstoremem "github.com/workflowmanager/engine/eventstore/inmem"
	"github.com/workflowmanager/engine/executor"
	"github.com/workflowmanager/engine/interaction"
	"github.com/workflowmanager/engine/moduleregistry"
	"github.com/workflowmanager/engine/moduleregistry/modules"
	"github.com/workflowmanager/engine/navigator"
	"github.com/workflowmanager/engine/resolver/exprengine"
	"github.com/workflowmanager/engine/runstore"
	runstoremongo "github.com/workflowmanager/engine/runstore/mongo"
	runstoremem "github.com/workflowmanager/engine/runstore/inmem"
	"github.com/workflowmanager/engine/telemetry"
	"github.com/workflowmanager/engine/usage"
	usagemongo "github.com/workflowmanager/engine/usage/mongo"
	usagemem "github.com/workflowmanager/engine/usage/inmem"
)

// app bundles every component a subcommand needs. Built once per invocation
// from config.Load() plus the --store flag; nothing here is a package-level
// singleton.
type app struct {
	cfg      config.Config
	events   eventstore.Store
	branches branchgraph.Store
	runs     runstore.Store
	usage    usage.Store
	drv      *deriver.Deriver
	registry *moduleregistry.Registry
	exec     *executor.Executor
	nav      *navigator.Navigator
	inter    *interaction.Handler
	logger   telemetry.Logger

	mongoClient *mongo.Client
}

// newApp wires the engine's components against either in-memory stores (the
// default, for a self-contained demo run) or MongoDB (useMongo), following
// the same store-swap-by-flag shape demo CLIs in the pack use.
func newApp(ctx context.Context, cfg config.Config, useMongo bool, logger telemetry.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if useMongo {
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		a.mongoClient = client
		db := client.Database(cfg.MongoDatabase)

		a.events = eventstoremongo.New(db.Collection("events"))
		a.branches = branchgraphmongo.New(db.Collection("branches"))
		a.runs = runstoremongo.New(db.Collection("runs"), db.Collection("run_history"), a.branches)
		a.usage = usagemongo.New(db.Collection("tokens"))
	} else {
		a.events = eventstoremem.New()
		a.branches = branchgraphmem.New()
		a.runs = runstoremem.New(a.branches)
		a.usage = usagemem.New()
	}

	a.drv = deriver.New(a.events, a.branches)

	registry := moduleregistry.New()
	if err := registerModules(registry, cfg); err != nil {
		return nil, err
	}
	a.registry = registry

	res := exprengine.New()
	a.exec = executor.New(a.events, registry, res, a.runs, logger)
	a.exec.Usage = a.usage

	a.nav = navigator.New(a.events, a.drv, a.exec, a.runs, logger)
	a.inter = interaction.New(a.events, a.drv, a.exec, a.nav, res, logger)

	return a, nil
}

// Close releases the app's external connections, if any.
func (a *app) Close(ctx context.Context) error {
	if a.mongoClient != nil {
		return a.mongoClient.Disconnect(ctx)
	}
	return nil
}

// registerModules registers the bundled sample modules under the ids a
// demo workflow definition references. http.fetch and transform.map need
// no configuration; llm.call is skipped (left unregistered) when no
// Anthropic API key is configured, so a demo workflow that never calls an
// LLM module still runs without one.
func registerModules(registry *moduleregistry.Registry, cfg config.Config) error {
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

	interactiveSelect, err := modules.NewInteractiveSelect()
	if err != nil {
		return fmt.Errorf("register interactive.select: %w", err)
	}
	if err := registry.Register(interactiveSelect); err != nil {
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
