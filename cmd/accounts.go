package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/inbox-cli/internal/credential"
	"github.com/sells-group/inbox-cli/internal/model"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage mailbox accounts",
}

var accountsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Link a user's mailbox to a tenant",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		tenant, _ := cmd.Flags().GetString("tenant")
		user, _ := cmd.Flags().GetString("user")
		address, _ := cmd.Flags().GetString("address")
		provider, _ := cmd.Flags().GetString("provider")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		acct := newAccount(tenant, user, address, provider, time.Now().UTC())
		if err := st.CreateAccount(ctx, acct); err != nil {
			return err
		}
		return writeJSON(os.Stdout, acct)
	},
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active accounts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		accounts, err := st.ListActiveAccounts(ctx)
		if err != nil {
			return err
		}
		formatAccounts(os.Stdout, accounts)
		return nil
	},
}

var credsCmd = &cobra.Command{
	Use:   "creds",
	Short: "Manage mailbox secrets in the keyring",
}

var credsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store a secret for a user (reads the value from stdin when --value is empty)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		user, _ := cmd.Flags().GetString("user")
		key, _ := cmd.Flags().GetString("key")
		value, _ := cmd.Flags().GetString("value")

		if value == "" {
			v, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}
			value = v
		}

		creds, err := credential.Open(cfg.Credential)
		if err != nil {
			return err
		}
		if err := creds.Set(user, key, value); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Stored %s for %s.\n", key, user)
		return nil
	},
}

var credsDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove a stored secret",
	RunE: func(cmd *cobra.Command, _ []string) error {
		user, _ := cmd.Flags().GetString("user")
		key, _ := cmd.Flags().GetString("key")

		creds, err := credential.Open(cfg.Credential)
		if err != nil {
			return err
		}
		return creds.Delete(user, key)
	},
}

func init() {
	accountsAddCmd.Flags().String("tenant", "", "tenant id (required)")
	accountsAddCmd.Flags().String("user", "", "user id (required)")
	accountsAddCmd.Flags().String("address", "", "mailbox address and IMAP login (required)")
	accountsAddCmd.Flags().String("provider", "imap", "mailbox provider")
	for _, f := range []string{"tenant", "user", "address"} {
		_ = accountsAddCmd.MarkFlagRequired(f)
	}
	accountsCmd.AddCommand(accountsAddCmd)
	accountsCmd.AddCommand(accountsListCmd)
	rootCmd.AddCommand(accountsCmd)

	for _, c := range []*cobra.Command{credsSetCmd, credsDeleteCmd} {
		c.Flags().String("user", "", "user id (required)")
		c.Flags().String("key", credential.KeyIMAPPassword, "secret key")
		_ = c.MarkFlagRequired("user")
	}
	credsSetCmd.Flags().String("value", "", "secret value")
	credsCmd.AddCommand(credsSetCmd)
	credsCmd.AddCommand(credsDeleteCmd)
	rootCmd.AddCommand(credsCmd)
}

func newAccount(tenant, user, address, provider string, now time.Time) *model.EmailAccount {
	return &model.EmailAccount{
		ID:        uuid.New().String(),
		TenantID:  tenant,
		UserID:    user,
		Address:   strings.TrimSpace(address),
		Provider:  provider,
		IsActive:  true,
		CreatedAt: now,
	}
}

// readSecret returns the first line of r.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", eris.Wrap(err, "read secret")
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", eris.New("read secret: empty value")
	}
	return line, nil
}

func formatAccounts(out io.Writer, accounts []model.EmailAccount) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTENANT\tUSER\tADDRESS\tLAST_SYNC")
	for _, a := range accounts {
		last := "never"
		if a.LastSyncedAt != nil {
			last = a.LastSyncedAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", truncateID(a.ID), a.TenantID, a.UserID, a.Address, last)
	}
	_ = w.Flush()
}
