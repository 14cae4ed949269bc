package outbound

import (
	"context"

	"github.com/emersion/go-imap/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/inbox-cli/internal/mailbox"
	"github.com/sells-group/inbox-cli/internal/model"
)

// IMAPTransport saves composed messages as drafts in the account's mailbox
// rather than sending them.
type IMAPTransport struct {
	dialer  *mailbox.Dialer
	account *model.EmailAccount
	mailbox string
}

// NewIMAPTransport creates a transport appending to mailboxName, "Drafts" by
// default.
func NewIMAPTransport(dialer *mailbox.Dialer, account *model.EmailAccount, mailboxName string) *IMAPTransport {
	if mailboxName == "" {
		mailboxName = "Drafts"
	}
	return &IMAPTransport{dialer: dialer, account: account, mailbox: mailboxName}
}

// Deliver implements Transport.
func (t *IMAPTransport) Deliver(ctx context.Context, _ Message, raw []byte) error {
	client, err := t.dialer.Connect(ctx, t.account)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Logout().Wait()
		_ = client.Close()
	}()

	cmd := client.Append(t.mailbox, int64(len(raw)), &imap.AppendOptions{
		Flags: []imap.Flag{imap.FlagDraft, imap.FlagSeen},
	})
	if _, err := cmd.Write(raw); err != nil {
		_ = cmd.Close()
		return eris.Wrapf(err, "outbound: write draft to %s", t.mailbox)
	}
	if err := cmd.Close(); err != nil {
		return eris.Wrapf(err, "outbound: finish draft in %s", t.mailbox)
	}
	if _, err := cmd.Wait(); err != nil {
		return eris.Wrapf(err, "outbound: append draft to %s", t.mailbox)
	}
	return nil
}
