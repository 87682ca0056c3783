package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dukex/taskflow/pkg/log"
	"github.com/dukex/taskflow/pkg/web"
	cli "github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const shutdownTimeout = 10 * time.Second

func RunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Start the API, the event consumers and the scheduler",
		Flags: append(commonFlags(),
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Sources: cli.EnvVars("PORT"),
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}

			log.Setup(cfg.LogLevel, command.String("log-format"))
			logger := log.WithModule("taskflow")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.InfoContext(ctx, "Initializing taskflow",
				"database", redactedScheme(cfg.DatabaseURL),
				"event_bus", cfg.EventBus.Type)

			app, err := NewApp(ctx, cfg, logger)
			if err != nil {
				return err
			}

			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()

				if err := app.Close(closeCtx); err != nil {
					logger.ErrorContext(closeCtx, "Failed to close resources", "error", err)
				}
			}()

			if err := app.Subscribe(ctx); err != nil {
				return err
			}

			if err := app.Scheduler.Start(ctx); err != nil {
				return err
			}

			server := web.NewApp(app.Handlers, app.Metrics, web.WithRequestLog())

			go func() {
				<-ctx.Done()

				stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()

				if err := app.Scheduler.Stop(stopCtx); err != nil {
					logger.WarnContext(stopCtx, "Scheduler did not stop cleanly", "error", err)
				}

				if err := server.ShutdownWithContext(stopCtx); err != nil {
					logger.WarnContext(stopCtx, "API server did not stop cleanly", "error", err)
				}
			}()

			if err := server.Listen(":" + strconv.Itoa(cfg.Port)); err != nil {
				return fmt.Errorf("API server failed: %w", err)
			}

			return nil
		},
	}
}

// TickCommand runs one scheduler pass and exits; it suits an external cron.
func TickCommand() *cli.Command {
	return &cli.Command{
		Name:  "tick",
		Usage: "Fire due schedules and announce approaching due dates once",
		Flags: commonFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}

			log.Setup(cfg.LogLevel, command.String("log-format"))
			logger := log.WithModule("taskflow")

			app, err := NewApp(ctx, cfg, logger)
			if err != nil {
				return err
			}

			result, runErr := app.Scheduler.RunOnce(ctx, time.Now())

			logger.InfoContext(ctx, "Tick finished", "started", result.Started, "due_soon", result.DueSoon)

			return errors.Join(runErr, app.Close(ctx))
		},
	}
}

// CheckConfigCommand prints the effective configuration.
func CheckConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "check-config",
		Usage: "Validate the configuration and print the effective settings",
		Flags: commonFlags(),
		Action: func(_ context.Context, command *cli.Command) error {
			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode configuration: %w", err)
			}

			_, err = command.Root().Writer.Write(out)

			return err
		},
	}
}

// redactedScheme keeps credentials out of the logs.
func redactedScheme(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	return scheme
}
