// Package hitl routes low-confidence work items to human reviewers and
// applies their decisions.
package hitl

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/inbox-cli/internal/model"
	"github.com/sells-group/inbox-cli/internal/store"
)

// Queue manages escalation and claiming of review requests.
type Queue struct {
	store    store.Store
	notifier Notifier
	now      func() time.Time
}

// NewQueue creates a Queue. A nil notifier disables notifications.
func NewQueue(st store.Store, notifier Notifier) *Queue {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Queue{store: st, notifier: notifier, now: time.Now}
}

// SubmitForReview moves the work item to NEEDS_REVIEW and opens a PENDING
// request in the item's tenant. Both writes share one transaction.
// Reviewers are notified afterwards; a notification failure is only logged.
func (q *Queue) SubmitForReview(ctx context.Context, workItemID, reason string, reqContext json.RawMessage) (*model.HitlRequest, error) {
	now := q.now().UTC()
	req, err := q.store.EscalateWorkItem(ctx, workItemID, func(item *model.WorkItem) (*model.HitlRequest, error) {
		if err := item.SubmitForReview(); err != nil {
			return nil, err
		}
		return &model.HitlRequest{
			ID:         model.NewHitlID(),
			TenantID:   item.TenantID,
			WorkItemID: item.ID,
			Reason:     reason,
			Context:    reqContext,
			State:      model.HitlPending,
			CreatedAt:  now,
		}, nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "hitl: submit work item %s", workItemID)
	}

	log := zap.L().With(
		zap.String("tenant_id", req.TenantID),
		zap.String("work_item_id", workItemID),
		zap.String("request_id", req.ID),
	)
	log.Info("hitl: escalated for review", zap.String("reason", reason))

	if err := q.notifier.NotifyPending(ctx, req); err != nil {
		log.Warn("hitl: reviewer notification failed", zap.Error(err))
	}
	return req, nil
}

// Pending lists the tenant's open requests, oldest first.
func (q *Queue) Pending(ctx context.Context, tenantID string) ([]model.HitlRequest, error) {
	reqs, err := q.store.ListPendingHitl(ctx, tenantID)
	if err != nil {
		return nil, eris.Wrapf(err, "hitl: list pending for tenant %s", tenantID)
	}
	return reqs, nil
}

// Claim assigns a PENDING request to agentID. It fails with a conflict when
// the request has already been claimed or closed.
func (q *Queue) Claim(ctx context.Context, requestID, agentID string) (*model.HitlRequest, error) {
	if agentID == "" {
		return nil, eris.New("hitl: agent id is required")
	}
	req, err := q.store.ClaimHitlRequest(ctx, requestID, agentID, q.now())
	if err != nil {
		return nil, eris.Wrapf(err, "hitl: claim %s", requestID)
	}
	zap.L().Info("hitl: request claimed",
		zap.String("tenant_id", req.TenantID),
		zap.String("request_id", req.ID),
		zap.String("agent_id", agentID),
	)
	return req, nil
}
