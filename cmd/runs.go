package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/inbox-cli/internal/model"
	"github.com/sells-group/inbox-cli/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect ingestion run history",
	Long:  "Commands for listing ingestion runs and the failed-record queue.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingestion runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		tenant, _ := cmd.Flags().GetString("tenant")
		status, _ := cmd.Flags().GetString("status")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RunFilter{
			TenantID: tenant,
			Status:   model.RunStatus(status),
			Limit:    limit,
		}
		if since > 0 {
			filter.StartedAfter = time.Now().Add(-since)
		}

		runs, err := st.ListIngestRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(os.Stdout, runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs dlq --

var runsDLQCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List records that failed ingestion",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		tenant, _ := cmd.Flags().GetString("tenant")
		errType, _ := cmd.Flags().GetString("error-type")
		limit, _ := cmd.Flags().GetInt("limit")

		recs, err := st.ListFailedRecords(ctx, store.DLQFilter{TenantID: tenant, ErrorType: errType, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "runs dlq")
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(os.Stdout, recs)
		}
		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "Dead letter queue is empty.")
			return nil
		}

		formatDLQ(os.Stdout, recs)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("tenant", "", "filter by tenant id")
	runsListCmd.Flags().String("status", "", "filter by run status (running, complete, failed)")
	runsListCmd.Flags().Duration("since", 0, "only runs started within this window (e.g. 24h)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsDLQCmd.Flags().String("tenant", "", "filter by tenant id")
	runsDLQCmd.Flags().String("error-type", "", "filter by error type (transient, permanent)")
	runsDLQCmd.Flags().Int("limit", 50, "max number of records to display")

	for _, c := range []*cobra.Command{runsListCmd, runsDLQCmd} {
		c.Flags().Bool("json", false, "print JSON instead of a table")
	}

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsDLQCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.IngestRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTENANT\tUSER\tSTATUS\tPROCESSED\tERRORS\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t----\t------\t---------\t------\t-------\t--------")

	for _, r := range runs {
		dur := ""
		if r.FinishedAt != nil {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		var processed, errs int
		if r.Metrics != nil {
			processed, errs = r.Metrics.Processed, r.Metrics.Errors
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			truncateID(r.ID),
			r.TenantID,
			r.UserID,
			r.Status,
			processed,
			errs,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatDLQ writes failed records to w.
func formatDLQ(out io.Writer, recs []model.FailedRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tTENANT\tEXTERNAL_ID\tTYPE\tERROR")
	for _, r := range recs {
		msg := r.Error
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", truncateID(r.RunID), r.TenantID, r.ExternalID, r.ErrorType, msg)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
