package mailbox

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/inbox-cli/internal/model"
)

// IMAPSource streams envelope metadata from an account's INBOX.
type IMAPSource struct {
	dialer   *Dialer
	lookback time.Duration
	now      func() time.Time
}

// NewIMAPSource creates a source reading messages received within lookback.
func NewIMAPSource(dialer *Dialer, lookback time.Duration) *IMAPSource {
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	return &IMAPSource{dialer: dialer, lookback: lookback, now: time.Now}
}

// Stream connects, searches INBOX and returns a sequence over the newest
// limit messages. Only envelopes are fetched. The connection is held until
// the sequence is consumed, so callers must range over it.
func (s *IMAPSource) Stream(ctx context.Context, account *model.EmailAccount, limit int) (iter.Seq2[model.RawRecord, error], error) {
	client, err := s.dialer.Connect(ctx, account)
	if err != nil {
		return nil, err
	}

	uids, err := s.search(client, limit)
	if err != nil {
		logout(client)
		return nil, err
	}

	log := zap.L().With(zap.String("tenant_id", account.TenantID), zap.String("account", account.Address))
	log.Debug("mailbox: search complete", zap.Int("messages", len(uids)))

	return func(yield func(model.RawRecord, error) bool) {
		defer logout(client)
		if len(uids) == 0 {
			return
		}

		fetch := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
			Envelope:     true,
			Flags:        true,
			UID:          true,
			InternalDate: true,
		})
		defer fetch.Close() //nolint:errcheck

		for {
			if ctx.Err() != nil {
				return
			}
			msg := fetch.Next()
			if msg == nil {
				break
			}
			buf, err := msg.Collect()
			if err != nil {
				if !yield(model.RawRecord{}, eris.Wrap(err, "mailbox: read envelope")) {
					return
				}
				continue
			}
			if !yield(recordFromBuffer(buf), nil) {
				return
			}
		}
		if err := fetch.Close(); err != nil {
			yield(model.RawRecord{}, eris.Wrap(err, "mailbox: fetch envelopes"))
		}
	}, nil
}

func (s *IMAPSource) search(client *imapclient.Client, limit int) ([]imap.UID, error) {
	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return nil, eris.Wrap(err, "mailbox: select INBOX")
	}
	data, err := client.UIDSearch(&imap.SearchCriteria{Since: s.now().Add(-s.lookback)}, nil).Wait()
	if err != nil {
		return nil, eris.Wrap(err, "mailbox: search")
	}
	uids := data.AllUIDs()
	if limit > 0 && len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}
	return uids, nil
}

func recordFromBuffer(buf *imapclient.FetchMessageBuffer) model.RawRecord {
	rec := model.RawRecord{ExternalID: fmt.Sprintf("uid:%d", buf.UID)}
	for _, f := range buf.Flags {
		rec.Labels = append(rec.Labels, string(f))
	}
	if !buf.InternalDate.IsZero() {
		t := buf.InternalDate.UTC()
		rec.Timestamp = &t
	}

	env := buf.Envelope
	if env == nil {
		return rec
	}
	if env.MessageID != "" {
		rec.ExternalID = env.MessageID
	}
	rec.ThreadID = rec.ExternalID
	if len(env.InReplyTo) > 0 {
		rec.ThreadID = env.InReplyTo[0]
	}
	rec.Subject = env.Subject
	if len(env.From) > 0 {
		from := env.From[0]
		if from.Name != "" {
			rec.Sender = fmt.Sprintf("%s <%s>", from.Name, from.Addr())
		} else {
			rec.Sender = from.Addr()
		}
	}
	if !env.Date.IsZero() {
		t := env.Date.UTC()
		rec.Timestamp = &t
	}
	return rec
}
