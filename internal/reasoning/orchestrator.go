package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/sells-group/inbox-cli/internal/model"
	"github.com/sells-group/inbox-cli/internal/store"
)

// Actions the model may choose.
const (
	ActionReply    = "REPLY"
	ActionArchive  = "ARCHIVE"
	ActionIgnore   = "IGNORE"
	ActionEscalate = "ESCALATE"
)

// Tags added when the model could not be used.
const (
	TagError      = "error"
	TagParseError = "parse_error"
)

// Decision is the model's structured answer.
type Decision struct {
	Action    string   `json:"action"`
	Reasoning string   `json:"reasoning"`
	DraftBody string   `json:"draft_body,omitempty"`
	Tags      []string `json:"tags"`
}

const decisionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["action", "reasoning"],
  "properties": {
    "action": {"type": "string", "enum": ["REPLY", "ARCHIVE", "IGNORE", "ESCALATE"]},
    "reasoning": {"type": "string"},
    "draft_body": {"type": ["string", "null"]},
    "tags": {"type": "array", "items": {"type": "string"}}
  }
}`

// SystemPrompt instructs the model on actions and output format.
const SystemPrompt = `You are the reasoning core of an email assistant acting on behalf of a busy professional.
Decide the best course of action for each incoming email.

AVAILABLE ACTIONS:
- REPLY: the email requires a response. Write a professional, concise draft.
- ARCHIVE: the email is transactional, informational, or spam. No action needed.
- IGNORE: the email is irrelevant but not spam.
- ESCALATE: the email is urgent, critical, or needs human judgement beyond a draft.

OUTPUT FORMAT:
Respond with JSON only:
{"action": "REPLY" | "ARCHIVE" | "IGNORE" | "ESCALATE", "reasoning": "string", "draft_body": "string | null", "tags": ["string"]}

RULES:
1. Newsletters, receipts and notifications are ARCHIVE.
2. Personal questions and work requests are REPLY.
3. Mentions of URGENT or ASAP are ESCALATE unless trivially answered.
4. Keep the reasoning short.`

// Escalator opens a human review for a work item.
type Escalator interface {
	SubmitForReview(ctx context.Context, workItemID, reason string, reqContext json.RawMessage) (*model.HitlRequest, error)
}

// Result reports what Process did with a work item.
type Result struct {
	WorkItemID string             `json:"work_item_id"`
	Decision   *Decision          `json:"decision,omitempty"`
	Skipped    bool               `json:"skipped"`
	SkipReason string             `json:"skip_reason,omitempty"`
	Request    *model.HitlRequest `json:"request,omitempty"`
	Item       *model.WorkItem    `json:"item"`
}

// Orchestrator turns a work item into a decision and applies it.
type Orchestrator struct {
	store     store.Store
	provider  Provider
	builder   *ContextBuilder
	escalator Escalator
	schema    gojsonschema.JSONLoader
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(st store.Store, provider Provider, builder *ContextBuilder, escalator Escalator) *Orchestrator {
	if builder == nil {
		builder = NewContextBuilder(nil)
	}
	return &Orchestrator{
		store:     st,
		provider:  provider,
		builder:   builder,
		escalator: escalator,
		schema:    gojsonschema.NewStringLoader(decisionSchema),
	}
}

// Decide asks the model about one message. It never fails: provider errors
// and unusable output both become an ESCALATE decision.
func (o *Orchestrator) Decide(ctx context.Context, item *model.WorkItem, email *model.EmailMessage) Decision {
	pc := o.builder.Build(ctx, item, email)
	prompt := fmt.Sprintf("Analyze this email:\n%s\nWhat should I do?", pc.Render())

	raw, err := o.provider.Generate(ctx, prompt, SystemPrompt)
	if err != nil {
		zap.L().Error("reasoning: provider failed, escalating",
			zap.String("tenant_id", item.TenantID),
			zap.String("work_item_id", item.ID),
			zap.Error(err),
		)
		return Decision{
			Action:    ActionEscalate,
			Reasoning: "Internal error: " + err.Error(),
			Tags:      []string{TagError},
		}
	}

	d, err := o.parse(raw)
	if err != nil {
		zap.L().Warn("reasoning: unusable model output, escalating",
			zap.String("work_item_id", item.ID),
			zap.Error(err),
		)
		return Decision{
			Action:    ActionEscalate,
			Reasoning: "Failed to parse model response format.",
			Tags:      []string{TagParseError},
		}
	}
	return d
}

func (o *Orchestrator) parse(raw string) (Decision, error) {
	clean := stripFences(raw)

	result, err := gojsonschema.Validate(o.schema, gojsonschema.NewStringLoader(clean))
	if err != nil {
		return Decision{}, eris.Wrap(err, "reasoning: decode decision")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return Decision{}, eris.Errorf("reasoning: decision schema: %s", strings.Join(msgs, "; "))
	}

	var d Decision
	if err := json.Unmarshal([]byte(clean), &d); err != nil {
		return Decision{}, eris.Wrap(err, "reasoning: unmarshal decision")
	}
	if d.Tags == nil {
		d.Tags = []string{}
	}
	return d, nil
}

func stripFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

// Process decides on a work item and applies the decision. Locked, terminal,
// filtered (spam, subscriptions) and already escalated items are skipped
// without consulting the model.
func (o *Orchestrator) Process(ctx context.Context, workItemID string) (*Result, error) {
	item, err := o.store.GetWorkItem(ctx, workItemID)
	if err != nil {
		return nil, eris.Wrapf(err, "reasoning: load work item %s", workItemID)
	}
	res := &Result{WorkItemID: workItemID, Item: item}

	switch {
	case item.ResolutionLock:
		res.Skipped, res.SkipReason = true, "resolution locked"
	case item.State.Terminal():
		res.Skipped, res.SkipReason = true, "closed"
	case item.State == model.StateNeedsReview:
		res.Skipped, res.SkipReason = true, "awaiting review"
	case item.State == model.StateSpam, item.State == model.StateSubscriptions:
		res.Skipped, res.SkipReason = true, "filtered"
	}
	if res.Skipped {
		return res, nil
	}

	email, err := o.store.GetEmail(ctx, item.EmailID)
	if err != nil {
		return nil, eris.Wrapf(err, "reasoning: load email for %s", workItemID)
	}

	d := o.Decide(ctx, item, email)
	res.Decision = &d

	log := zap.L().With(
		zap.String("tenant_id", item.TenantID),
		zap.String("work_item_id", item.ID),
		zap.String("action", d.Action),
	)

	switch d.Action {
	case ActionEscalate:
		reqCtx, err := json.Marshal(d)
		if err != nil {
			return nil, eris.Wrap(err, "reasoning: marshal decision")
		}
		req, err := o.escalator.SubmitForReview(ctx, item.ID, d.Reasoning, reqCtx)
		if err != nil {
			return nil, eris.Wrapf(err, "reasoning: escalate %s", item.ID)
		}
		res.Request = req
		item, err = o.store.GetWorkItem(ctx, item.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "reasoning: reload work item %s", workItemID)
		}
		res.Item = item

	case ActionArchive, ActionIgnore:
		updated, err := o.store.MutateWorkItem(ctx, item.ID, func(w *model.WorkItem) error {
			w.Reclassify(model.StateFYI, w.ConfidenceBand)
			return nil
		})
		if err != nil {
			return nil, eris.Wrapf(err, "reasoning: reclassify %s", item.ID)
		}
		res.Item = updated

	case ActionReply:
		// Item stays in NEEDS_REPLY; the draft is returned for the outbox.
	}

	log.Info("reasoning: decision applied", zap.String("state", string(res.Item.State)))
	return res, nil
}
