// Package app wires the workflow engine's components together.
package app

import (
	"time"

	"stepflow/internal/common/logging"
	"stepflow/internal/config"
	"stepflow/internal/expression"
	"stepflow/internal/models"
	"stepflow/internal/protocols"
	"stepflow/internal/protocols/fileexec"
	"stepflow/internal/protocols/httpexec"
	"stepflow/internal/protocols/sqlexec"
	"stepflow/internal/selfheal"
	"stepflow/internal/storage"
	"stepflow/internal/transport"
	"stepflow/internal/workflow"
)

// Extensions are the pluggable collaborators an embedding application can
// provide. All of them are optional; a nil generator simply disables the
// corresponding self-healing behavior.
type Extensions struct {
	Generator    selfheal.ConfigGenerator
	SelectorGen  selfheal.SelectorGenerator
	TransformGen selfheal.TransformGenerator
	RespEval     selfheal.ResponseEvaluator
	Integrations selfheal.IntegrationStore
	Telemetry    selfheal.Telemetry
}

// App holds all the application dependencies
type App struct {
	Config    *config.Config
	Store     storage.RunStore
	Registry  *protocols.Registry
	Transport *transport.Client
	Executor  *workflow.Executor
	Logger    logging.Logger

	sqlPools *sqlexec.PoolManager
}

// New creates a new application instance with all dependencies
func New(cfg *config.Config, ext Extensions) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logging.GetGlobalLogger().WithFields(logging.Field{Key: "component", Value: "app"}),
	}
	if ext.Telemetry == nil {
		ext.Telemetry = selfheal.NoopTelemetry{}
	}

	store, err := newRunStore(cfg)
	if err != nil {
		return nil, err
	}
	app.Store = store

	app.Transport = transport.NewClient(transport.Config{
		MaxRetries:          cfg.TransportMaxRetriesInt(),
		Timeout:             config.Duration(cfg.TransportTimeout, 60*time.Second),
		QuickFailureWindow:  config.Duration(cfg.QuickFailureWindow, 2*time.Second),
		RateLimitWaitBudget: config.Duration(cfg.RateLimitWaitBudget, time.Hour),
	}, app.Logger).WithCircuitBreaker()

	evaluator := expression.NewEvaluator(config.Duration(cfg.JSTimeout, expression.DefaultTimeout))

	app.sqlPools = sqlexec.NewPoolManager(
		config.Duration(cfg.SQLPoolIdleTimeout, sqlexec.DefaultIdleTimeout), app.Logger)
	app.sqlPools.StartSweeper(config.Duration(cfg.SQLPoolSweepInterval, time.Minute))

	app.Registry = protocols.NewRegistry()
	app.Registry.Register(httpexec.New(app.Transport, evaluator, app.Logger))
	app.Registry.Register(sqlexec.New(app.sqlPools, evaluator, app.Logger))
	app.Registry.Register(fileexec.New(models.ProtocolFTP, evaluator, app.Logger))
	app.Registry.Register(fileexec.New(models.ProtocolSFTP, evaluator, app.Logger))

	runner := selfheal.NewRunner(selfheal.Options{
		Registry:     app.Registry,
		Generator:    ext.Generator,
		Evaluator:    ext.RespEval,
		Integrations: ext.Integrations,
		Telemetry:    ext.Telemetry,
		Logger:       app.Logger,
		MaxRetries:   cfg.SelfHealingMaxRetriesInt(),
	})

	app.Executor = workflow.NewExecutor(workflow.Config{
		Runner:       runner,
		Evaluator:    evaluator,
		SelectorGen:  ext.SelectorGen,
		TransformGen: ext.TransformGen,
		RespEval:     ext.RespEval,
		Store:        app.Store,
		Telemetry:    ext.Telemetry,
		Webhooks:     app.Transport,
		Logger:       app.Logger,
		LoopMaxIters: cfg.LoopMaxItersInt(),
	})

	return app, nil
}

// Cleanup releases all resources
func (app *App) Cleanup() {
	if app.sqlPools != nil {
		app.sqlPools.Shutdown()
	}
	if app.Store != nil {
		app.Store.Close()
	}
}
