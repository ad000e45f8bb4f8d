package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pagecraft/orchestrator/internal/bootstrap"
	"github.com/pagecraft/orchestrator/internal/data"
	"github.com/pagecraft/orchestrator/internal/domain/model"
)

const defaultMigrationTimeout = 5 * time.Minute

func runMigrate(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	timeout := fs.Duration("timeout", defaultMigrationTimeout, "migration timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := contextWithTimeout(cmdCtx, *timeout)
	defer cancel()

	db, err := connectDB(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx.Logger, db, nil)

	return bootstrap.RunMigrations(ctx, db, cmdCtx.Logger)
}

func runJobStats(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("job-stats", flag.ContinueOnError)
	typeFlag := fs.String("type", "", "job type (empty for all types)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	types, err := resolveJobTypes(*typeFlag)
	if err != nil {
		return err
	}

	ctx, cancel := contextWithTimeout(cmdCtx, time.Minute)
	defer cancel()

	db, err := connectDB(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx.Logger, db, nil)

	repo := data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger})

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tPENDING\tSCHEDULED\tRUNNING\tRETRYING\tCOMPLETED\tFAILED")
	for _, jobType := range types {
		stats, statsErr := repo.Stats(ctx, jobType)
		if statsErr != nil {
			return fmt.Errorf("stats for %s: %w", jobType, statsErr)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			jobType, stats.Pending, stats.Scheduled, stats.Running,
			stats.Retrying, stats.Completed, stats.Failed)
	}
	return tw.Flush()
}

func runJobsRecent(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("jobs-recent", flag.ContinueOnError)
	typeFlag := fs.String("type", "", "job type (required)")
	limit := fs.Int("limit", 20, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}

	jobType := model.JobType(*typeFlag)
	if !jobType.Valid() {
		return fmt.Errorf("invalid or missing -type %q", *typeFlag)
	}

	ctx, cancel := contextWithTimeout(cmdCtx, time.Minute)
	defer cancel()

	db, err := connectDB(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx.Logger, db, nil)

	repo := data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger})
	jobs, err := repo.ListRecent(ctx, jobType, *limit)
	if err != nil {
		return fmt.Errorf("list recent jobs: %w", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSITE\tATTEMPTS\tCREATED\tLAST ERROR")
	for _, job := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			job.ID, job.Status, model.OwnerKey(job.SiteID),
			job.Attempts, job.MaxAttempts,
			job.CreatedAt.Format(time.RFC3339),
			derefOrDash(job.LastError))
	}
	return tw.Flush()
}

func resolveJobTypes(typeFlag string) ([]model.JobType, error) {
	if typeFlag == "" {
		return model.AllJobTypes(), nil
	}
	jobType := model.JobType(typeFlag)
	if !jobType.Valid() {
		return nil, fmt.Errorf("invalid -type %q", typeFlag)
	}
	return []model.JobType{jobType}, nil
}

func derefOrDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
