package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pagecraft/orchestrator/internal/bootstrap"
	"github.com/pagecraft/orchestrator/internal/domain/model"
	"github.com/pagecraft/orchestrator/internal/service"
)

func runSchedules(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("schedules", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := contextWithTimeout(cmdCtx, time.Minute)
	defer cancel()

	container, cleanup, err := buildContainer(cmdCtx)
	if err != nil {
		return err
	}
	defer cleanup()

	infos, err := container.Scheduler.Inventory(ctx)
	if err != nil {
		return fmt.Errorf("schedule inventory: %w", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tCRON\tNEXT RUN")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			info.Spec.ID, info.Spec.Type, info.Spec.Cron,
			info.NextRun.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runScheduleRegister(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("schedule-register", flag.ContinueOnError)
	typeFlag := fs.String("type", "", "job type (required)")
	cronFlag := fs.String("cron", "", "5-field cron pattern (required)")
	payloadFlag := fs.String("payload", "{}", "payload JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	jobType := model.JobType(*typeFlag)
	if !jobType.Valid() {
		return fmt.Errorf("invalid or missing -type %q", *typeFlag)
	}
	if *cronFlag == "" {
		return fmt.Errorf("-cron is required")
	}

	payload, err := model.DecodePayload(jobType, []byte(*payloadFlag))
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	ctx, cancel := contextWithTimeout(cmdCtx, time.Minute)
	defer cancel()

	container, cleanup, err := buildContainer(cmdCtx)
	if err != nil {
		return err
	}
	defer cleanup()

	spec, err := container.Scheduler.RegisterRecurring(ctx, service.RegisterRecurringParams{
		Type:    jobType,
		Payload: payload,
		Cron:    *cronFlag,
	})
	if err != nil {
		return fmt.Errorf("register schedule: %w", err)
	}

	next, err := container.Scheduler.NextRun(*cronFlag)
	if err != nil {
		return err
	}
	return writef(os.Stdout, "Registered %s (%s), next run %s\n",
		spec.ID, spec.Cron, next.Format(time.RFC3339))
}

func runSchedulesClear(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("schedules-clear", flag.ContinueOnError)
	yes := fs.Bool("yes", false, "skip confirmation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*yes {
		return fmt.Errorf("schedules-clear removes every recurring registration; re-run with -yes to confirm")
	}

	ctx, cancel := contextWithTimeout(cmdCtx, time.Minute)
	defer cancel()

	container, cleanup, err := buildContainer(cmdCtx)
	if err != nil {
		return err
	}
	defer cleanup()

	count, err := container.Scheduler.UnregisterAll(ctx)
	if err != nil {
		return fmt.Errorf("unregister schedules: %w", err)
	}
	return writef(os.Stdout, "Removed %d schedule registration(s)\n", count)
}

func runQueueDepths(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("queue-depths", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := contextWithTimeout(cmdCtx, time.Minute)
	defer cancel()

	container, cleanup, err := buildContainer(cmdCtx)
	if err != nil {
		return err
	}
	defer cleanup()

	depths, err := container.Broker.Depths(ctx)
	if err != nil {
		return fmt.Errorf("queue depths: %w", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tITEMS")
	for _, q := range model.AllQueues() {
		fmt.Fprintf(tw, "%s\t%d\n", q, depths[q])
	}
	return tw.Flush()
}

// buildContainer wires the full service container over live infrastructure.
// Schedule management goes through the scheduler service so registration ids
// stay deterministic with the runtime's.
func buildContainer(cmdCtx *commandContext) (bootstrap.ServiceContainer, func(), error) {
	db, redisClient, err := connectInfra(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return bootstrap.ServiceContainer{}, nil, err
	}
	cleanup := func() { closeInfra(cmdCtx.Logger, db, redisClient) }

	container, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:      &cmdCtx.Config,
		DB:          db,
		RedisClient: redisClient,
		Logger:      cmdCtx.Logger,
	})
	if err != nil {
		cleanup()
		return bootstrap.ServiceContainer{}, nil, err
	}
	return container, cleanup, nil
}
