package hitl

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/slack-go/slack"

	"github.com/sells-group/inbox-cli/internal/model"
)

// Notifier tells reviewers a request is waiting.
type Notifier interface {
	NotifyPending(ctx context.Context, req *model.HitlRequest) error
}

// NopNotifier discards notifications.
type NopNotifier struct{}

// NotifyPending implements Notifier.
func (NopNotifier) NotifyPending(context.Context, *model.HitlRequest) error { return nil }

// SlackPoster is the subset of *slack.Client used for notifications.
type SlackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts pending requests to a reviewer channel.
type SlackNotifier struct {
	client  SlackPoster
	channel string
}

// NewSlackNotifier creates a notifier posting to channel. Extra client options
// (such as slack.OptionAPIURL) are passed through.
func NewSlackNotifier(token, channel string, opts ...slack.Option) *SlackNotifier {
	return &SlackNotifier{client: slack.New(token, opts...), channel: channel}
}

// NotifyPending implements Notifier.
func (n *SlackNotifier) NotifyPending(ctx context.Context, req *model.HitlRequest) error {
	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(pendingText(req), false))
	return eris.Wrapf(err, "hitl: slack notify %s", req.ID)
}

func pendingText(req *model.HitlRequest) string {
	return fmt.Sprintf("Review needed [%s] tenant=%s work_item=%s: %s", req.ID, req.TenantID, req.WorkItemID, req.Reason)
}
