package web

import (
	"github.com/dukex/taskflow/pkg/metrics"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// AppOption configures NewApp.
type AppOption func(*fiber.App)

// WithRequestLog logs every request.
func WithRequestLog() AppOption {
	return func(app *fiber.App) {
		app.Use(logger.New(logger.Config{
			DisableColors: true,
		}))
	}
}

// NewApp mounts the API routes. m may be nil, in which case /metrics is not served.
func NewApp(handlers *APIHandlers, m *metrics.Metrics, opts ...AppOption) *fiber.App {
	app := fiber.New()
	app.Use(cors.New())

	for _, opt := range opts {
		opt(app)
	}

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())
	app.Get("/health", handlers.HealthCheck)

	if m != nil {
		app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}

	p := app.Group("/projects/:projectId")
	p.Get("/tasks", handlers.ListTasks)
	p.Post("/tasks", handlers.CreateTask)
	p.Get("/tasks/:seq", handlers.GetTask)
	p.Put("/tasks/:seq", handlers.UpdateTask)
	p.Delete("/tasks/:seq", handlers.DeleteTask)
	p.Post("/tasks/:seq/pause", handlers.PauseTask)
	p.Post("/tasks/:seq/subdivide", handlers.SubdivideTask)
	p.Post("/tasks/:seq/transitions", handlers.TransitionTask)
	p.Post("/tasks/:seq/outcome", handlers.ReportOutcome)
	p.Get("/tasks/:seq/history", handlers.ListHistory)
	p.Get("/tasks/:seq/history/latest", handlers.LatestHistory)
	p.Post("/tasks/:seq/history", handlers.AppendHistory)
	p.Get("/workflow-stats", handlers.GetWorkflowStats)

	w := app.Group("/workflows")
	w.Get("/", handlers.ListWorkflows)
	w.Post("/", handlers.CreateWorkflow)
	w.Get("/:id", handlers.GetWorkflow)
	w.Delete("/:id", handlers.DeleteWorkflow)
	w.Patch("/:id/status", handlers.UpdateWorkflowStatus)
	w.Patch("/:id/progress", handlers.UpdateWorkflowProgress)
	w.Post("/:id/results", handlers.AddTaskResult)
	w.Post("/:id/checkpoints", handlers.CreateCheckpoint)
	w.Get("/:id/checkpoints", handlers.ListCheckpoints)
	w.Get("/:id/checkpoints/latest", handlers.LatestCheckpoint)
	w.Post("/:id/checkpoints/cleanup", handlers.CleanupCheckpoints)

	r := app.Group("/rules")
	r.Get("/", handlers.ListRules)
	r.Post("/", handlers.CreateRule)
	r.Get("/:id", handlers.GetRule)
	r.Put("/:id", handlers.UpdateRule)
	r.Delete("/:id", handlers.DeleteRule)
	r.Post("/:id/toggle", handlers.ToggleRule)

	return app
}
