package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/pagecraft/orchestrator/internal/data"
	"github.com/pagecraft/orchestrator/internal/domain/model"
	"github.com/pagecraft/orchestrator/internal/service"
)

// buildErrorTracking wires the error-tracking read API over a live database.
func buildErrorTracking(cmdCtx *commandContext, db *sql.DB) (*service.ErrorTrackingService, error) {
	repoCfg := data.RepoConfig{Logger: cmdCtx.Logger}
	return service.NewErrorTrackingService(service.ErrorTrackingServiceOptions{
		ErrorLogs: data.NewErrorLogRepo(db, repoCfg),
		Jobs:      data.NewJobRepo(db, repoCfg),
		Config:    cmdCtx.Config.ErrorTracking,
		Logger:    cmdCtx.Logger,
	})
}

func runErrorsList(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("errors-list", flag.ContinueOnError)
	typeFlag := fs.String("type", "", "filter by job type")
	siteFlag := fs.String("site", "", "filter by site id")
	categoryFlag := fs.String("category", "", "filter by error category")
	severityFlag := fs.String("severity", "", "filter by severity")
	sinceFlag := fs.Duration("since", 0, "only entries newer than this age (e.g. 24h)")
	limit := fs.Int("limit", 50, "page size")
	offset := fs.Int("offset", 0, "page offset")
	asJSON := fs.Bool("json", false, "emit raw JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *typeFlag != "" && !model.JobType(*typeFlag).Valid() {
		return fmt.Errorf("invalid -type %q", *typeFlag)
	}

	ctx, cancel := contextWithTimeout(cmdCtx, time.Minute)
	defer cancel()

	db, err := connectDB(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx.Logger, db, nil)

	tracking, err := buildErrorTracking(cmdCtx, db)
	if err != nil {
		return err
	}

	filter := model.ErrorLogFilter{
		JobType:  model.JobType(*typeFlag),
		SiteID:   *siteFlag,
		Category: *categoryFlag,
		Severity: *severityFlag,
	}
	if *sinceFlag > 0 {
		filter.Since = time.Now().Add(-*sinceFlag)
	}

	page, err := tracking.Query(ctx, filter, model.Page{Limit: *limit, Offset: *offset})
	if err != nil {
		return fmt.Errorf("query error log: %w", err)
	}

	if *asJSON {
		return printJSON(page)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSITE\tCATEGORY\tSEVERITY\tATTEMPT\tCREATED\tMESSAGE")
	for _, e := range page.Entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.ID, e.JobType, model.OwnerKey(e.SiteID),
			e.Category, e.Severity, e.AttemptNumber,
			e.CreatedAt.Format(time.RFC3339), e.ErrorMessage)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return writef(os.Stdout, "\n%d of %d entries\n", len(page.Entries), page.Total)
}

func runErrorsStats(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("errors-stats", flag.ContinueOnError)
	window := fs.Duration("window", 24*time.Hour, "aggregation window")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := contextWithTimeout(cmdCtx, time.Minute)
	defer cancel()

	db, err := connectDB(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx.Logger, db, nil)

	tracking, err := buildErrorTracking(cmdCtx, db)
	if err != nil {
		return err
	}

	stats, err := tracking.Stats(ctx, *window)
	if err != nil {
		return fmt.Errorf("error stats: %w", err)
	}

	if err := writef(os.Stdout, "Failures in the last %s: %d\n\n", stats.Window, stats.Total); err != nil {
		return err
	}
	if err := printCountTable("By job type:", stats.ByType); err != nil {
		return err
	}
	if err := printCountTable("By category:", stats.ByCategory); err != nil {
		return err
	}
	return printCountTable("By severity:", stats.BySeverity)
}

func runErrorsGet(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("errors-get", flag.ContinueOnError)
	id := fs.String("id", "", "error log entry id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}

	ctx, cancel := contextWithTimeout(cmdCtx, time.Minute)
	defer cancel()

	db, err := connectDB(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx.Logger, db, nil)

	tracking, err := buildErrorTracking(cmdCtx, db)
	if err != nil {
		return err
	}

	entry, err := tracking.GetByID(ctx, *id)
	if err != nil {
		return fmt.Errorf("get error log entry: %w", err)
	}
	return printJSON(entry)
}

func runErrorsCleanup(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("errors-cleanup", flag.ContinueOnError)
	yes := fs.Bool("yes", false, "skip confirmation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*yes {
		return fmt.Errorf("errors-cleanup deletes rows past retention (%d days); re-run with -yes to confirm",
			cmdCtx.Config.ErrorTracking.RetentionDays)
	}

	ctx, cancel := contextWithTimeout(cmdCtx, 10*time.Minute)
	defer cancel()

	db, err := connectDB(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx.Logger, db, nil)

	tracking, err := buildErrorTracking(cmdCtx, db)
	if err != nil {
		return err
	}

	result, err := tracking.Cleanup(ctx)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	return writef(os.Stdout, "Deleted %d error log entries and %d failed jobs\n",
		result.ErrorLogsDeleted, result.FailedJobsDeleted)
}

func printCountTable(title string, counts map[string]int) error {
	if err := writef(os.Stdout, "%s\n", title); err != nil {
		return err
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(tw, "  %s\t%d\n", k, counts[k])
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return writef(os.Stdout, "\n")
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	return writef(os.Stdout, "%s\n", out)
}
