package reasoning

import (
	"context"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/sells-group/inbox-cli/internal/model"
)

const (
	maxBodyChars    = 2000
	minSnippetChars = 50
	bodyFetchFailed = "[Error fetching body]"
)

// Attachment describes one attachment of a fetched message.
type Attachment struct {
	Filename string
	Size     int64
}

// Body is a message body fetched on demand. It is never persisted.
type Body struct {
	Snippet     string
	Text        string
	HTML        string
	Attachments []Attachment
}

// BodyFetcher retrieves the body of a stored message from the mailbox.
type BodyFetcher interface {
	FetchBody(ctx context.Context, email *model.EmailMessage) (*Body, error)
}

// PromptContext is what the model sees about one message.
type PromptContext struct {
	MessageID          string
	Sender             string
	Subject            string
	Snippet            string
	BodyText           string
	AttachmentsSummary string
}

// Render formats the context for the prompt.
func (c PromptContext) Render() string {
	return fmt.Sprintf("--- EMAIL CONTEXT ---\nFrom: %s\nSubject: %s\nContent: %s\nAttachments: %s\n---------------------",
		c.Sender, c.Subject, c.BodyText, c.AttachmentsSummary)
}

// ContextBuilder assembles PromptContext from metadata and a live body fetch.
type ContextBuilder struct {
	fetcher BodyFetcher
	policy  *bluemonday.Policy
}

// NewContextBuilder creates a ContextBuilder. A nil fetcher builds from
// metadata alone.
func NewContextBuilder(fetcher BodyFetcher) *ContextBuilder {
	return &ContextBuilder{fetcher: fetcher, policy: bluemonday.StrictPolicy()}
}

// Build never fails: when the body cannot be fetched the context falls back
// to metadata with a placeholder body.
func (b *ContextBuilder) Build(ctx context.Context, item *model.WorkItem, email *model.EmailMessage) PromptContext {
	pc := PromptContext{
		MessageID: email.ExternalMessageID,
		Sender:    email.Sender,
		Subject:   email.Subject,
		Snippet:   email.Snippet,
	}

	if b.fetcher == nil {
		pc.BodyText = email.Snippet
		pc.AttachmentsSummary = "None"
		return pc
	}

	body, err := b.fetcher.FetchBody(ctx, email)
	if err != nil {
		zap.L().Warn("reasoning: body fetch failed, using metadata",
			zap.String("tenant_id", email.TenantID),
			zap.String("work_item_id", item.ID),
			zap.Error(err),
		)
		pc.BodyText = bodyFetchFailed
		pc.AttachmentsSummary = "Unknown"
		return pc
	}

	pc.BodyText = b.bodyText(body, email.Snippet)
	pc.AttachmentsSummary = summarizeAttachments(body.Attachments)
	return pc
}

func (b *ContextBuilder) bodyText(body *Body, fallback string) string {
	text := body.Snippet
	if text == "" {
		text = fallback
	}
	if len(text) >= minSnippetChars {
		return text
	}
	switch {
	case body.HTML != "":
		return truncate(strings.TrimSpace(b.policy.Sanitize(body.HTML)), maxBodyChars)
	case body.Text != "":
		return truncate(strings.TrimSpace(body.Text), maxBodyChars)
	}
	return text
}

func summarizeAttachments(atts []Attachment) string {
	if len(atts) == 0 {
		return "None"
	}
	parts := make([]string, len(atts))
	for i, a := range atts {
		parts[i] = fmt.Sprintf("%s (%db)", a.Filename, a.Size)
	}
	return strings.Join(parts, ", ")
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
