// Package outbound composes replies and hands them to a transport once the
// safety gate allows it.
package outbound

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/inbox-cli/internal/safety"
)

// Authorizer decides whether a send may proceed.
type Authorizer interface {
	AuthorizeSend(ctx context.Context, tenantID, recipient string) safety.Verdict
}

// Transport delivers a composed RFC 5322 message.
type Transport interface {
	Deliver(ctx context.Context, msg Message, raw []byte) error
}

// Message is an outbound reply.
type Message struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Text      string `json:"text"`
	HTML      string `json:"html,omitempty"`
	InReplyTo string `json:"in_reply_to,omitempty"`
}

// DeniedError is returned when the safety gate refuses a send.
type DeniedError struct {
	Verdict safety.Verdict
}

func (e *DeniedError) Error() string {
	return "outbound: send denied: " + e.Verdict.Reason
}

// Outbox is the only path to a transport. Each tenant has its own rate limit.
type Outbox struct {
	gate      Authorizer
	transport Transport
	limit     rate.Limit
	burst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

// NewOutbox creates an Outbox allowing perMinute sends per tenant. A
// non-positive rate disables limiting.
func NewOutbox(gate Authorizer, transport Transport, perMinute, burst int) *Outbox {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / 60)
	}
	if burst < 1 {
		burst = 1
	}
	return &Outbox{
		gate:      gate,
		transport: transport,
		limit:     limit,
		burst:     burst,
		limiters:  make(map[string]*rate.Limiter),
		now:       time.Now,
	}
}

func (o *Outbox) limiter(tenantID string) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(o.limit, o.burst)
		o.limiters[tenantID] = l
	}
	return l
}

// Send rate limits, authorizes, composes and delivers msg. The gate runs
// after the limiter wait so a kill switch engaged while blocked still holds.
// A denial returns *DeniedError without touching the transport.
func (o *Outbox) Send(ctx context.Context, tenantID string, msg Message) error {
	log := zap.L().With(zap.String("tenant_id", tenantID), zap.String("to", msg.To))

	if err := o.limiter(tenantID).Wait(ctx); err != nil {
		return eris.Wrap(err, "outbound: rate limit wait")
	}

	if v := o.gate.AuthorizeSend(ctx, tenantID, msg.To); !v.Allowed {
		log.Warn("outbound: send denied", zap.String("code", v.Code), zap.String("reason", v.Reason))
		return &DeniedError{Verdict: v}
	}

	raw, err := Compose(msg, o.now())
	if err != nil {
		return err
	}
	if err := o.transport.Deliver(ctx, msg, raw); err != nil {
		return eris.Wrap(err, "outbound: deliver")
	}
	log.Info("outbound: message delivered", zap.Int("bytes", len(raw)))
	return nil
}

// Compose renders msg as a MIME message with a text part and an optional
// HTML alternative.
func Compose(msg Message, now time.Time) ([]byte, error) {
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return nil, eris.Wrapf(err, "outbound: parse from %q", msg.From)
	}
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return nil, eris.Wrapf(err, "outbound: parse to %q", msg.To)
	}

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{to})
	h.SetSubject(msg.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, eris.Wrap(err, "outbound: message id")
	}
	if msg.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{msg.InReplyTo})
		h.SetMsgIDList("References", []string{msg.InReplyTo})
	}

	var buf bytes.Buffer
	w, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, eris.Wrap(err, "outbound: create writer")
	}
	tw, err := w.CreateInline()
	if err != nil {
		return nil, eris.Wrap(err, "outbound: create inline")
	}
	if err := writePart(tw, "text/plain", msg.Text); err != nil {
		return nil, err
	}
	if msg.HTML != "" {
		if err := writePart(tw, "text/html", msg.HTML); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, eris.Wrap(err, "outbound: close inline")
	}
	if err := w.Close(); err != nil {
		return nil, eris.Wrap(err, "outbound: close message")
	}
	return buf.Bytes(), nil
}

func writePart(tw *mail.InlineWriter, contentType, content string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	pw, err := tw.CreatePart(ph)
	if err != nil {
		return eris.Wrapf(err, "outbound: create %s part", contentType)
	}
	if _, err := io.WriteString(pw, content); err != nil {
		return eris.Wrapf(err, "outbound: write %s part", contentType)
	}
	return eris.Wrapf(pw.Close(), "outbound: close %s part", contentType)
}
