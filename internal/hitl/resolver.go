package hitl

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/inbox-cli/internal/model"
	"github.com/sells-group/inbox-cli/internal/store"
)

// ErrInvalidOutcome is returned for a decision that is neither RESOLVED nor
// REJECTED.
var ErrInvalidOutcome = eris.New("invalid decision outcome")

// Decision is a reviewer's verdict on a claimed request.
type Decision struct {
	RequestID     string            `json:"request_id"`
	AgentID       string            `json:"agent_id"`
	Outcome       model.HitlOutcome `json:"outcome"`
	ModifiedDraft string            `json:"modified_draft,omitempty"`
	FeedbackNotes string            `json:"feedback_notes,omitempty"`
}

// Resolver applies reviewer decisions.
type Resolver struct {
	store store.Store
	now   func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver(st store.Store) *Resolver {
	return &Resolver{store: st, now: time.Now}
}

// ApplyDecision resolves a CLAIMED request and transitions its work item in
// one transaction, appending the decision record. RESOLVED returns the item to
// NEEDS_REPLY locked at HIGH confidence; REJECTED closes it.
func (r *Resolver) ApplyDecision(ctx context.Context, d Decision) (*model.WorkItem, error) {
	if !d.Outcome.Valid() {
		return nil, eris.Wrapf(ErrInvalidOutcome, "hitl: outcome %q", d.Outcome)
	}
	if d.AgentID == "" {
		return nil, eris.New("hitl: agent id is required")
	}

	now := r.now().UTC()
	record := &model.HitlDecision{
		ID:            uuid.New().String(),
		RequestID:     d.RequestID,
		AgentID:       d.AgentID,
		Outcome:       d.Outcome,
		ModifiedDraft: d.ModifiedDraft,
		FeedbackNotes: d.FeedbackNotes,
		CreatedAt:     now,
	}

	item, err := r.store.ResolveHitl(ctx, record, func(req *model.HitlRequest, item *model.WorkItem) error {
		if err := req.Resolve(d.Outcome, now); err != nil {
			return err
		}
		if d.Outcome == model.OutcomeResolved {
			return item.ApplyResolved(d.AgentID)
		}
		return item.ApplyRejected(d.AgentID, now)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "hitl: apply decision on %s", d.RequestID)
	}

	zap.L().Info("hitl: decision applied",
		zap.String("tenant_id", item.TenantID),
		zap.String("request_id", d.RequestID),
		zap.String("work_item_id", item.ID),
		zap.String("outcome", string(d.Outcome)),
		zap.String("agent_id", d.AgentID),
	)
	return item, nil
}

// History returns the decisions recorded for a request.
func (r *Resolver) History(ctx context.Context, requestID string) ([]model.HitlDecision, error) {
	ds, err := r.store.ListDecisions(ctx, requestID)
	return ds, eris.Wrapf(err, "hitl: list decisions for %s", requestID)
}
