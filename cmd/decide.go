package main

import (
	"errors"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/inbox-cli/internal/model"
	"github.com/sells-group/inbox-cli/internal/outbound"
	"github.com/sells-group/inbox-cli/internal/reasoning"
)

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Ask the model what to do with a work item and apply it",
	Long:  "Builds context for a work item, asks the model for an action, and applies it: escalations open a review, archives reclassify to FYI, replies can be saved as drafts.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		itemID, _ := cmd.Flags().GetString("item")
		saveDraft, _ := cmd.Flags().GetBool("save-draft")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		item, err := env.Store.GetWorkItem(ctx, itemID)
		if err != nil {
			return err
		}
		email, err := env.Store.GetEmail(ctx, item.EmailID)
		if err != nil {
			return err
		}
		account, err := env.accountForEmail(ctx, email)
		if err != nil {
			zap.L().Warn("no active account for message, deciding from snippet", zap.String("work_item_id", itemID), zap.Error(err))
			account = nil
		}

		orch, err := env.orchestrator(account)
		if err != nil {
			return err
		}
		res, err := orch.Process(ctx, item.ID)
		if err != nil {
			return err
		}

		if saveDraft && account != nil && hasDraft(res) {
			outbox, err := env.draftOutbox(account)
			if err != nil {
				return err
			}
			err = outbox.Send(ctx, item.TenantID, replyMessage(account, email, res.Decision.DraftBody))
			var denied *outbound.DeniedError
			switch {
			case errors.As(err, &denied):
				zap.L().Warn("draft not saved", zap.String("work_item_id", item.ID), zap.String("reason", denied.Verdict.Reason))
			case err != nil:
				return err
			}
		}

		return writeJSON(os.Stdout, res)
	},
}

func init() {
	decideCmd.Flags().String("item", "", "work item id (required)")
	decideCmd.Flags().Bool("save-draft", false, "save REPLY drafts to the mailbox through the safety gate")
	_ = decideCmd.MarkFlagRequired("item")
	rootCmd.AddCommand(decideCmd)
}

func hasDraft(res *reasoning.Result) bool {
	return res != nil && res.Decision != nil &&
		res.Decision.Action == reasoning.ActionReply &&
		strings.TrimSpace(res.Decision.DraftBody) != ""
}

// replyMessage addresses a draft back to the sender in the same thread.
func replyMessage(account *model.EmailAccount, email *model.EmailMessage, body string) outbound.Message {
	subject := email.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}
	return outbound.Message{
		From:      account.Address,
		To:        email.Sender,
		Subject:   subject,
		Text:      body,
		InReplyTo: email.ExternalMessageID,
	}
}
