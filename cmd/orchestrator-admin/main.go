// Command orchestrator-admin is the operator tool for the job engine:
// migrations, job-store inspection, error-log queries, and recurring-schedule
// management.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/pagecraft/orchestrator/config"
	"github.com/pagecraft/orchestrator/internal/bootstrap"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
}

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrate,
		},
		"job-stats": {
			name:        "job-stats",
			description: "Show job counts per status for one or all job types",
			run:         runJobStats,
		},
		"jobs-recent": {
			name:        "jobs-recent",
			description: "List the most recent jobs of a type",
			run:         runJobsRecent,
		},
		"errors-list": {
			name:        "errors-list",
			description: "Query the error log with filters",
			run:         runErrorsList,
		},
		"errors-stats": {
			name:        "errors-stats",
			description: "Aggregate error counts over a window",
			run:         runErrorsStats,
		},
		"errors-get": {
			name:        "errors-get",
			description: "Show one error log entry as JSON",
			run:         runErrorsGet,
		},
		"errors-cleanup": {
			name:        "errors-cleanup",
			description: "Delete error logs and failed jobs past retention",
			run:         runErrorsCleanup,
		},
		"queue-depths": {
			name:        "queue-depths",
			description: "Show ready+delayed item counts per broker queue",
			run:         runQueueDepths,
		},
		"schedules": {
			name:        "schedules",
			description: "List recurring schedule registrations with next run times",
			run:         runSchedules,
		},
		"schedule-register": {
			name:        "schedule-register",
			description: "Register a recurring admission (type, cron, optional payload)",
			run:         runScheduleRegister,
		},
		"schedules-clear": {
			name:        "schedules-clear",
			description: "Remove every recurring schedule registration",
			run:         runSchedulesClear,
		},
	}
}

func printUsage() error {
	if err := writef(os.Stdout, "Usage: orchestrator-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(os.Stdout, "Available commands:\n"); err != nil {
		return err
	}
	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writef(os.Stdout, "  %-20s %s\n", name, cmds[name].description); err != nil {
			return err
		}
	}
	return nil
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}
