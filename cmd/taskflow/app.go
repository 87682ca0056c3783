package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dukex/taskflow/pkg/automation"
	"github.com/dukex/taskflow/pkg/checkpoint"
	"github.com/dukex/taskflow/pkg/cmd"
	"github.com/dukex/taskflow/pkg/config"
	"github.com/dukex/taskflow/pkg/eventbus"
	"github.com/dukex/taskflow/pkg/history"
	"github.com/dukex/taskflow/pkg/lifecycle"
	"github.com/dukex/taskflow/pkg/metrics"
	"github.com/dukex/taskflow/pkg/orchestrator"
	"github.com/dukex/taskflow/pkg/otelhelper"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/dukex/taskflow/pkg/scheduler"
	"github.com/dukex/taskflow/pkg/services"
	"github.com/dukex/taskflow/pkg/tracker"
	"github.com/dukex/taskflow/pkg/trigger"
	"github.com/dukex/taskflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/trace"
)

// App holds the wired engine.
type App struct {
	Config       *config.Config
	Persistence  persistence.Persistence
	EventBus     eventbus.EventBus
	Metrics      *metrics.Metrics
	Tasks        *services.Task
	Orchestrator *orchestrator.Orchestrator
	Automation   *automation.Engine
	Scheduler    *scheduler.Scheduler
	Handlers     *web.APIHandlers

	closers []func(ctx context.Context) error
	logger  *slog.Logger
}

// NewApp opens the stores and transports named by cfg and wires every component.
// On error, whatever was already opened is closed.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (app *App, err error) {
	app = &App{Config: cfg, Metrics: metrics.New(), logger: logger}

	defer func() {
		if err != nil {
			err = errors.Join(err, app.Close(ctx))
			app = nil
		}
	}()

	var tracer trace.Tracer

	if cfg.Tracing.Enabled {
		t, shutdown, terr := otelhelper.NewTracer(ctx, cfg.Tracing.ServiceName)
		if terr != nil {
			return app, fmt.Errorf("failed to initialize tracer: %w", terr)
		}

		tracer = t
		app.closers = append(app.closers, shutdown)
	}

	app.Persistence, err = cmd.NewPersistence(ctx, logger, cfg.DatabaseURL)
	if err != nil {
		return app, fmt.Errorf("failed to open persistence: %w", err)
	}

	app.closers = append(app.closers, app.Persistence.Close)

	app.EventBus, err = cmd.NewEventBus(cfg.EventBus.Type, cfg.EventBus.Brokers, logger)
	if err != nil {
		return app, err
	}

	app.closers = append(app.closers, func(context.Context) error { return app.EventBus.Close() })

	locker, closeLocker, err := cmd.NewLocker(ctx, cfg.Lock.RedisURL)
	if err != nil {
		return app, fmt.Errorf("failed to connect execution lock: %w", err)
	}

	app.closers = append(app.closers, func(context.Context) error { return closeLocker() })

	p := app.Persistence
	hist := history.NewService(p.TaskHistoryRepository(), logger)
	machine := lifecycle.NewMachine(p.TaskRepository(), hist, nil, logger)
	track := tracker.New(p.WorkflowExecutionRepository(), app.EventBus, app.Metrics, logger)
	checkpoints := checkpoint.NewManager(p.CheckpointRepository(), logger)
	rules := automation.NewService(p.AutomationRuleRepository(), logger)
	app.Tasks = services.NewTask(p, app.EventBus, logger)

	var (
		engine    orchestrator.ExecutionEngine = orchestrator.LogEngine{Logger: logger.With("module", "log_engine")}
		generator automation.Generator
	)

	if cfg.Engine.URL != "" {
		httpEngine := orchestrator.NewHTTPEngine(cfg.Engine.URL, cfg.Engine.Timeout, logger)
		engine = httpEngine
		generator = httpEngine
	}

	app.Orchestrator = orchestrator.New(orchestrator.Deps{
		Tasks:       p.TaskRepository(),
		Machine:     machine,
		Evaluator:   trigger.NewEvaluator(p.TaskRepository(), trigger.NewMemoryEdgeStore(), cfg.Trigger.Combine, logger),
		History:     hist,
		Tracker:     track,
		Checkpoints: checkpoints,
		Engine:      engine,
		Locker:      locker,
		Publisher:   app.EventBus,
		Metrics:     app.Metrics,
		Tracer:      tracer,
		Logger:      logger,
	}, orchestrator.WithLockTTL(cfg.Lock.TTL), orchestrator.WithCheckpointKeep(cfg.Checkpoint.Keep))

	registry := automation.NewRegistry()
	automation.RegisterBuiltins(registry, automation.Dependencies{
		Tasks:             app.Tasks,
		Status:            app.Orchestrator,
		Notifier:          automation.LogNotifier{Logger: logger.With("module", "notifier")},
		Generator:         generator,
		HTTPClient:        &http.Client{Timeout: cfg.Webhook.Timeout},
		WebhookRetries:    cfg.Webhook.Retries,
		WebhookRetryDelay: cfg.Webhook.RetryDelay,
		Logger:            logger,
	})

	engineOpts := []automation.EngineOption{
		automation.WithMetrics(app.Metrics),
		automation.WithDueWindow(int(cfg.Scheduler.DueWindow.Hours())),
	}
	if tracer != nil {
		engineOpts = append(engineOpts, automation.WithTracer(tracer))
	}

	app.Automation = automation.NewEngine(rules, registry, hist, logger, engineOpts...)

	app.Scheduler = scheduler.New(app.Orchestrator, p.TaskRepository(), app.EventBus, logger,
		scheduler.WithSpec(cfg.Scheduler.Spec),
		scheduler.WithDueWindow(cfg.Scheduler.DueWindow),
	)

	app.Handlers = web.NewAPIHandlers(web.Services{
		Tasks:        app.Tasks,
		Orchestrator: app.Orchestrator,
		Tracker:      track,
		Checkpoints:  checkpoints,
		Rules:        rules,
		History:      hist,
	}, validator.New(validator.WithRequiredStructEnabled()))

	return app, nil
}

// Subscribe registers the event handlers and starts consuming the bus.
func (a *App) Subscribe(ctx context.Context) error {
	if err := a.Automation.Subscribe(a.EventBus); err != nil {
		return fmt.Errorf("failed to subscribe automation engine: %w", err)
	}

	if err := a.Orchestrator.Subscribe(a.EventBus); err != nil {
		return fmt.Errorf("failed to subscribe orchestrator: %w", err)
	}

	return a.EventBus.Subscribe(ctx)
}

// Close releases everything NewApp opened, newest first.
func (a *App) Close(ctx context.Context) error {
	var errs []error

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	a.closers = nil

	return errors.Join(errs...)
}
