package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/inbox-cli/internal/model"
	"github.com/sells-group/inbox-cli/internal/store"
)

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "Inspect and close work items",
}

var itemsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's work items",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		tenant, _ := cmd.Flags().GetString("tenant")
		state, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		items, err := st.ListWorkItems(ctx, store.WorkItemFilter{
			TenantID: tenant,
			State:    model.WorkItemState(strings.ToUpper(state)),
			Limit:    limit,
		})
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Fprintln(os.Stderr, "No work items found.")
			return nil
		}
		formatItems(os.Stdout, items)
		return nil
	},
}

var itemsShowCmd = &cobra.Command{
	Use:   "show <work-item-id>",
	Short: "Show a work item and its message metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		item, err := st.GetWorkItem(ctx, args[0])
		if err != nil {
			return err
		}
		email, err := st.GetEmail(ctx, item.EmailID)
		if err != nil {
			return err
		}
		return writeJSON(os.Stdout, map[string]any{"item": item, "email": email})
	},
}

var itemsCloseCmd = &cobra.Command{
	Use:   "close <work-item-id>",
	Short: "Mark a work item done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		item, err := closeWorkItem(ctx, st, args[0], time.Now().UTC())
		if err != nil {
			return err
		}
		return writeJSON(os.Stdout, item)
	},
}

func init() {
	itemsListCmd.Flags().String("tenant", "", "tenant id (required)")
	itemsListCmd.Flags().String("state", "", "filter by state (NEEDS_REPLY, WAITING, FYI, ...)")
	itemsListCmd.Flags().Int("limit", 50, "max number of items to display")
	_ = itemsListCmd.MarkFlagRequired("tenant")

	itemsCmd.AddCommand(itemsListCmd)
	itemsCmd.AddCommand(itemsShowCmd)
	itemsCmd.AddCommand(itemsCloseCmd)
	rootCmd.AddCommand(itemsCmd)
}

// closeWorkItem moves a work item to DONE and rejects its open review
// request, if any. Closing a closed item is a conflict.
func closeWorkItem(ctx context.Context, st store.Store, id string, now time.Time) (*model.WorkItem, error) {
	return st.CloseWorkItem(ctx, id, now)
}

// formatItems writes a tabular list of work items to w.
func formatItems(out io.Writer, items []model.WorkItem) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATE\tCONFIDENCE\tOWNER\tLOCKED\tUPDATED")
	_, _ = fmt.Fprintln(w, "--\t-----\t----------\t-----\t------\t-------")
	for _, it := range items {
		owner := string(it.OwnerType)
		if it.OwnerID != "" {
			owner += ":" + it.OwnerID
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			it.ID, it.State, it.ConfidenceBand, owner, it.ResolutionLock,
			it.UpdatedAt.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}
