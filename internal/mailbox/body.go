package mailbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message/mail"
	"github.com/rotisserie/eris"

	"github.com/sells-group/inbox-cli/internal/model"
	"github.com/sells-group/inbox-cli/internal/reasoning"
)

// IMAPBodyFetcher fetches message bodies on demand for one account. Bodies
// are returned to the caller and never stored.
type IMAPBodyFetcher struct {
	dialer  *Dialer
	account *model.EmailAccount
}

// NewIMAPBodyFetcher creates a fetcher for account.
func NewIMAPBodyFetcher(dialer *Dialer, account *model.EmailAccount) *IMAPBodyFetcher {
	return &IMAPBodyFetcher{dialer: dialer, account: account}
}

// FetchBody implements reasoning.BodyFetcher. The message is located by its
// Message-ID header.
func (f *IMAPBodyFetcher) FetchBody(ctx context.Context, email *model.EmailMessage) (*reasoning.Body, error) {
	client, err := f.dialer.Connect(ctx, f.account)
	if err != nil {
		return nil, err
	}
	defer logout(client)

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return nil, eris.Wrap(err, "mailbox: select INBOX")
	}

	data, err := client.UIDSearch(&imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "Message-Id", Value: email.ExternalMessageID}},
	}, nil).Wait()
	if err != nil {
		return nil, eris.Wrap(err, "mailbox: search by message id")
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, eris.Wrapf(model.ErrNotFound, "mailbox: message %s", email.ExternalMessageID)
	}

	section := &imap.FetchItemBodySection{Peek: true}
	fetch := client.Fetch(imap.UIDSetNum(uids[0]), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer fetch.Close() //nolint:errcheck

	msg := fetch.Next()
	if msg == nil {
		return nil, eris.Wrapf(model.ErrNotFound, "mailbox: message %s", email.ExternalMessageID)
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, eris.Wrap(err, "mailbox: read body")
	}

	raw := buf.FindBodySection(section)
	if raw == nil {
		return nil, eris.New("mailbox: server returned no body")
	}
	return ParseBody(raw)
}

// ParseBody splits a raw RFC 5322 message into its text, HTML and attachment
// summary. Attachment contents are read only to measure them.
func ParseBody(raw []byte) (*reasoning.Body, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, eris.Wrap(err, "mailbox: parse message")
	}
	defer mr.Close() //nolint:errcheck

	body := &reasoning.Body{}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return body, eris.Wrap(err, "mailbox: read part")
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(ct, "text/plain") && body.Text == "":
				body.Text = string(data)
			case strings.HasPrefix(ct, "text/html") && body.HTML == "":
				body.HTML = string(data)
			}
		case *mail.AttachmentHeader:
			name, _ := h.Filename()
			n, err := io.Copy(io.Discard, part.Body)
			if err != nil {
				continue
			}
			body.Attachments = append(body.Attachments, reasoning.Attachment{Filename: name, Size: n})
		}
	}
	return body, nil
}
