package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/inbox-cli/internal/hitl"
	"github.com/sells-group/inbox-cli/internal/model"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Work the human review queue",
	Long:  "Commands for listing, claiming, and resolving human review requests.",
}

// -- queue pending --

var queuePendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending review requests for a tenant",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		tenant, _ := cmd.Flags().GetString("tenant")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		reqs, err := env.Queue.Pending(ctx, tenant)
		if err != nil {
			return err
		}
		if len(reqs) == 0 {
			fmt.Fprintln(os.Stderr, "No pending reviews.")
			return nil
		}
		formatPending(os.Stdout, reqs)
		return nil
	},
}

// -- queue claim --

var queueClaimCmd = &cobra.Command{
	Use:   "claim <request-id>",
	Short: "Claim a pending review request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		agent, _ := cmd.Flags().GetString("agent")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		req, err := env.Queue.Claim(ctx, args[0], agent)
		if err != nil {
			return err
		}
		return writeJSON(os.Stdout, req)
	},
}

// -- queue resolve --

var queueResolveCmd = &cobra.Command{
	Use:   "resolve <request-id>",
	Short: "Record a decision on a claimed review request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		agent, _ := cmd.Flags().GetString("agent")
		outcome, _ := cmd.Flags().GetString("outcome")
		draft, _ := cmd.Flags().GetString("draft")
		notes, _ := cmd.Flags().GetString("notes")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		item, err := env.Resolver.ApplyDecision(ctx, hitl.Decision{
			RequestID:     args[0],
			AgentID:       agent,
			Outcome:       model.HitlOutcome(strings.ToUpper(outcome)),
			ModifiedDraft: draft,
			FeedbackNotes: notes,
		})
		if err != nil {
			return eris.Wrap(err, "queue resolve")
		}
		return writeJSON(os.Stdout, item)
	},
}

// -- queue history --

var queueHistoryCmd = &cobra.Command{
	Use:   "history <request-id>",
	Short: "Show the decisions recorded for a review request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		decisions, err := env.Resolver.History(ctx, args[0])
		if err != nil {
			return err
		}
		return writeJSON(os.Stdout, decisions)
	},
}

func init() {
	queuePendingCmd.Flags().String("tenant", "", "tenant id (required)")
	_ = queuePendingCmd.MarkFlagRequired("tenant")

	queueClaimCmd.Flags().String("agent", "", "reviewer id (required)")
	_ = queueClaimCmd.MarkFlagRequired("agent")

	queueResolveCmd.Flags().String("agent", "", "reviewer id (required)")
	queueResolveCmd.Flags().String("outcome", "", "RESOLVED or REJECTED (required)")
	queueResolveCmd.Flags().String("draft", "", "edited reply draft")
	queueResolveCmd.Flags().String("notes", "", "feedback notes")
	_ = queueResolveCmd.MarkFlagRequired("agent")
	_ = queueResolveCmd.MarkFlagRequired("outcome")

	queueCmd.AddCommand(queuePendingCmd)
	queueCmd.AddCommand(queueClaimCmd)
	queueCmd.AddCommand(queueResolveCmd)
	queueCmd.AddCommand(queueHistoryCmd)
	rootCmd.AddCommand(queueCmd)
}

// formatPending writes pending requests oldest first to w.
func formatPending(out io.Writer, reqs []model.HitlRequest) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tWORK_ITEM\tCREATED\tREASON")
	_, _ = fmt.Fprintln(w, "--\t---------\t-------\t------")
	for _, r := range reqs {
		reason := r.Reason
		if len(reason) > 50 {
			reason = reason[:47] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, truncateID(r.WorkItemID), r.CreatedAt.Format("2006-01-02 15:04"), reason)
	}
	_ = w.Flush()
}
