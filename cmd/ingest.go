package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/inbox-cli/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest recent mailbox metadata into work items",
	Long:  "Streams recent messages for one or more users, classifies them, and creates one work item per new message in the owning tenant.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		users, _ := cmd.Flags().GetStringSlice("user")
		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")
		if len(users) == 0 && !all {
			return eris.New("ingest: pass --user or --all")
		}
		if limit <= 0 {
			limit = cfg.Ingest.Limit
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		runner, err := env.ingestRunner()
		if err != nil {
			return err
		}

		var results []ingest.Result
		if all {
			results, err = runner.RunActive(ctx, limit)
			if err != nil {
				return err
			}
		} else {
			results = runner.RunAll(ctx, users, limit)
		}

		formatIngestResults(os.Stdout, results)

		totals := ingest.Totals(results)
		zap.L().Info("ingest complete",
			zap.Int("users", len(results)),
			zap.Int("scanned", totals.Scanned),
			zap.Int("processed", totals.Processed),
			zap.Int("skipped_existing", totals.SkippedExisting),
			zap.Int("errors", totals.Errors),
		)

		for _, r := range results {
			if r.Err != nil {
				return eris.Errorf("ingest: %d of %d users failed", failedCount(results), len(results))
			}
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringSlice("user", nil, "user id to ingest (repeatable)")
	ingestCmd.Flags().Bool("all", false, "ingest every active account")
	ingestCmd.Flags().Int("limit", 0, "max messages per user (default from config)")
	rootCmd.AddCommand(ingestCmd)
}

func failedCount(results []ingest.Result) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// formatIngestResults writes one row per user run to w.
func formatIngestResults(out io.Writer, results []ingest.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "USER\tSCANNED\tPROCESSED\tSKIPPED\tERRORS\tSTATUS")
	_, _ = fmt.Fprintln(w, "----\t-------\t---------\t-------\t------\t------")
	for _, r := range results {
		status := "ok"
		if r.Err != nil {
			status = "failed: " + r.Err.Error()
		}
		var scanned, processed, skipped, errs int
		if r.Metrics != nil {
			scanned, processed, skipped, errs = r.Metrics.Scanned, r.Metrics.Processed, r.Metrics.SkippedExisting, r.Metrics.Errors
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n", r.UserID, scanned, processed, skipped, errs, status)
	}
	_ = w.Flush()
}
