// Package mailbox reads message metadata and bodies over IMAP.
package mailbox

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rotisserie/eris"

	"github.com/sells-group/inbox-cli/internal/config"
	"github.com/sells-group/inbox-cli/internal/credential"
	"github.com/sells-group/inbox-cli/internal/model"
)

// SecretGetter returns a stored secret for a user.
type SecretGetter interface {
	Get(userID, key string) (string, error)
}

// AuthError is returned when the server rejects the account's credentials.
type AuthError struct {
	Address string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("mailbox: authentication failed for %s: %v", e.Address, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// DialFunc opens an IMAP connection.
type DialFunc func(addr string, opts *imapclient.Options) (*imapclient.Client, error)

// Dialer connects and logs in to the mailbox of one account.
type Dialer struct {
	addr    string
	dial    DialFunc
	secrets SecretGetter
}

// NewDialer creates a Dialer for the configured server. Implicit TLS is used
// unless StartTLS is set.
func NewDialer(cfg config.IMAPConfig, secrets SecretGetter) *Dialer {
	dial := imapclient.DialTLS
	if cfg.StartTLS {
		dial = imapclient.DialStartTLS
	}
	return &Dialer{addr: cfg.Addr(), dial: dial, secrets: secrets}
}

// NewDialerWith creates a Dialer with a custom dial function.
func NewDialerWith(addr string, dial DialFunc, secrets SecretGetter) *Dialer {
	return &Dialer{addr: addr, dial: dial, secrets: secrets}
}

// Connect logs in as the account. The caller must log out.
func (d *Dialer) Connect(ctx context.Context, account *model.EmailAccount) (*imapclient.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	password, err := d.secrets.Get(account.UserID, credential.KeyIMAPPassword)
	if err != nil {
		return nil, &AuthError{Address: account.Address, Err: err}
	}

	client, err := d.dial(d.addr, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "mailbox: connect %s", d.addr)
	}
	if err := client.Login(account.Address, password).Wait(); err != nil {
		_ = client.Close()
		return nil, &AuthError{Address: account.Address, Err: err}
	}
	return client, nil
}

func logout(c *imapclient.Client) {
	_ = c.Logout().Wait()
	_ = c.Close()
}
