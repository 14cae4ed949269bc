package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/inbox-cli/internal/model"
)

// Column lists shared by both backends. Order matches the scan helpers.
const (
	emailColumns    = `id, tenant_id, account_id, external_message_id, thread_id, sender, subject, snippet, received_at, is_vip, tags, created_at`
	workItemColumns = `id, tenant_id, email_id, state, confidence_band, owner_type, owner_id, resolution_lock, created_at, updated_at, closed_at`
	hitlColumns     = `id, tenant_id, work_item_id, reason, context, state, claimed_by, claimed_at, created_at, resolved_at`
	decisionColumns = `id, request_id, agent_id, outcome, modified_draft, feedback_notes, created_at`
	accountColumns  = `id, tenant_id, user_id, address, provider, is_active, last_synced_at, created_at`
	runColumns      = `id, tenant_id, user_id, status, metrics, error, started_at, finished_at`
	failedColumns   = `id, tenant_id, run_id, external_id, error, error_type, created_at`
)

type scannable interface {
	Scan(dest ...any) error
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func marshalTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal tags")
	}
	return string(b), nil
}

func contextArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func scanEmail(row scannable) (*model.EmailMessage, error) {
	var e model.EmailMessage
	var threadID, snippet, tags sql.NullString
	if err := row.Scan(&e.ID, &e.TenantID, &e.AccountID, &e.ExternalMessageID, &threadID,
		&e.Sender, &e.Subject, &snippet, &e.ReceivedAt, &e.IsVIP, &tags, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.ThreadID = threadID.String
	e.Snippet = snippet.String
	e.ReceivedAt = e.ReceivedAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &e.Tags); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal tags")
		}
	}
	return &e, nil
}

func scanWorkItem(row scannable) (*model.WorkItem, error) {
	var w model.WorkItem
	var state, band, ownerType string
	var ownerID sql.NullString
	var closedAt sql.NullTime
	if err := row.Scan(&w.ID, &w.TenantID, &w.EmailID, &state, &band, &ownerType, &ownerID,
		&w.ResolutionLock, &w.CreatedAt, &w.UpdatedAt, &closedAt); err != nil {
		return nil, err
	}
	w.State = model.WorkItemState(state)
	w.ConfidenceBand = model.ConfidenceBand(band)
	w.OwnerType = model.OwnerType(ownerType)
	w.OwnerID = ownerID.String
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	w.ClosedAt = nullTime(closedAt)
	return &w, nil
}

func scanHitl(row scannable) (*model.HitlRequest, error) {
	var r model.HitlRequest
	var state string
	var reqCtx, claimedBy sql.NullString
	var claimedAt, resolvedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.TenantID, &r.WorkItemID, &r.Reason, &reqCtx, &state,
		&claimedBy, &claimedAt, &r.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	r.State = model.HitlState(state)
	if reqCtx.Valid && reqCtx.String != "" {
		r.Context = json.RawMessage(reqCtx.String)
	}
	r.ClaimedBy = claimedBy.String
	r.ClaimedAt = nullTime(claimedAt)
	r.CreatedAt = r.CreatedAt.UTC()
	r.ResolvedAt = nullTime(resolvedAt)
	return &r, nil
}

func scanDecision(row scannable) (*model.HitlDecision, error) {
	var d model.HitlDecision
	var outcome string
	var draft, notes sql.NullString
	if err := row.Scan(&d.ID, &d.RequestID, &d.AgentID, &outcome, &draft, &notes, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.Outcome = model.HitlOutcome(outcome)
	d.ModifiedDraft = draft.String
	d.FeedbackNotes = notes.String
	d.CreatedAt = d.CreatedAt.UTC()
	return &d, nil
}

func scanAccount(row scannable) (*model.EmailAccount, error) {
	var a model.EmailAccount
	var provider sql.NullString
	var synced sql.NullTime
	if err := row.Scan(&a.ID, &a.TenantID, &a.UserID, &a.Address, &provider, &a.IsActive,
		&synced, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Provider = provider.String
	a.LastSyncedAt = nullTime(synced)
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

func scanRun(row scannable) (*model.IngestRun, error) {
	var r model.IngestRun
	var status string
	var metrics, errMsg sql.NullString
	var finished sql.NullTime
	if err := row.Scan(&r.ID, &r.TenantID, &r.UserID, &status, &metrics, &errMsg,
		&r.StartedAt, &finished); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.Error = errMsg.String
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = nullTime(finished)
	if metrics.Valid && metrics.String != "" {
		var m model.RunMetrics
		if err := json.Unmarshal([]byte(metrics.String), &m); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal run metrics")
		}
		r.Metrics = &m
	}
	return &r, nil
}

func scanFailed(row scannable) (*model.FailedRecord, error) {
	var f model.FailedRecord
	var runID sql.NullString
	if err := row.Scan(&f.ID, &f.TenantID, &runID, &f.ExternalID, &f.Error, &f.ErrorType, &f.CreatedAt); err != nil {
		return nil, err
	}
	f.RunID = runID.String
	f.CreatedAt = f.CreatedAt.UTC()
	return &f, nil
}
