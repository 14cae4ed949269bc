package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/inbox-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newFixture(tenantID, externalID string, at time.Time) (*model.EmailMessage, *model.WorkItem) {
	email := &model.EmailMessage{
		ID:                uuid.New().String(),
		TenantID:          tenantID,
		AccountID:         "acct-" + tenantID,
		ExternalMessageID: externalID,
		Sender:            "alice@example.com",
		Subject:           "Hello",
		Snippet:           "just checking in",
		ReceivedAt:        at,
		Tags:              []string{},
		CreatedAt:         at,
	}
	item := &model.WorkItem{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		EmailID:        email.ID,
		State:          model.StateFYI,
		ConfidenceBand: model.ConfidenceLow,
		OwnerType:      model.OwnerUser,
		OwnerID:        "user-1",
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	return email, item
}

func seedItem(t *testing.T, st Store, tenantID, externalID string) *model.WorkItem {
	t.Helper()
	email, item := newFixture(tenantID, externalID, time.Now().UTC())
	require.NoError(t, st.CreateWorkItem(context.Background(), email, item))
	return item
}

func escalate(t *testing.T, st Store, itemID string, at time.Time) *model.HitlRequest {
	t.Helper()
	req, err := st.EscalateWorkItem(context.Background(), itemID, func(w *model.WorkItem) (*model.HitlRequest, error) {
		if err := w.SubmitForReview(); err != nil {
			return nil, err
		}
		return &model.HitlRequest{
			ID:         model.NewHitlID(),
			TenantID:   w.TenantID,
			WorkItemID: w.ID,
			Reason:     "low confidence",
			Context:    json.RawMessage(`{"draft":"hi"}`),
			State:      model.HitlPending,
			CreatedAt:  at,
		}, nil
	})
	require.NoError(t, err)
	return req
}

func TestSQLite_CreateWorkItem_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	email, item := newFixture("t1", "msg-1", at)
	email.IsVIP = true
	email.Tags = []string{"urgent"}
	require.NoError(t, st.CreateWorkItem(ctx, email, item))

	got, err := st.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateFYI, got.State)
	assert.Equal(t, model.ConfidenceLow, got.ConfidenceBand)
	assert.Equal(t, model.OwnerUser, got.OwnerType)
	assert.Equal(t, "user-1", got.OwnerID)
	assert.False(t, got.ResolutionLock)
	assert.Nil(t, got.ClosedAt)
	assert.True(t, at.Equal(got.CreatedAt))

	found, err := st.FindEmail(ctx, "t1", "msg-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, email.ID, found.ID)
	assert.True(t, found.IsVIP)
	assert.Equal(t, []string{"urgent"}, found.Tags)
	assert.True(t, at.Equal(found.ReceivedAt))
}

func TestSQLite_CreateWorkItem_Duplicate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seedItem(t, st, "t1", "msg-1")

	email, item := newFixture("t1", "msg-1", time.Now().UTC())
	err := st.CreateWorkItem(ctx, email, item)
	require.ErrorIs(t, err, model.ErrDuplicate)

	// The second work item must not exist.
	_, err = st.GetWorkItem(ctx, item.ID)
	assert.True(t, model.IsNotFound(err))

	items, err := st.ListWorkItems(ctx, WorkItemFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestSQLite_CreateWorkItem_SameMessageDifferentTenants(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seedItem(t, st, "t1", "msg-1")
	seedItem(t, st, "t2", "msg-1")

	a, err := st.ListWorkItems(ctx, WorkItemFilter{TenantID: "t1"})
	require.NoError(t, err)
	b, err := st.ListWorkItems(ctx, WorkItemFilter{TenantID: "t2"})
	require.NoError(t, err)
	assert.Len(t, a, 1)
	assert.Len(t, b, 1)
	assert.NotEqual(t, a[0].ID, b[0].ID)
}

func TestSQLite_CreateWorkItem_EmptyTenantRejected(t *testing.T) {
	st := newTestSQLiteStore(t)
	email, item := newFixture("", "msg-1", time.Now().UTC())
	require.Error(t, st.CreateWorkItem(context.Background(), email, item))
}

func TestSQLite_FindEmail_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)
	got, err := st.FindEmail(context.Background(), "t1", "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_GetWorkItem_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetWorkItem(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
}

func TestSQLite_ListWorkItems_Filters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first := seedItem(t, st, "t1", "a")
	seedItem(t, st, "t1", "b")
	seedItem(t, st, "t2", "c")

	_, err := st.MutateWorkItem(ctx, first.ID, func(w *model.WorkItem) error {
		return w.Close(time.Now())
	})
	require.NoError(t, err)

	done, err := st.ListWorkItems(ctx, WorkItemFilter{TenantID: "t1", State: model.StateDone})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, first.ID, done[0].ID)
	require.NotNil(t, done[0].ClosedAt)

	limited, err := st.ListWorkItems(ctx, WorkItemFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSQLite_MutateWorkItem_ErrorRollsBack(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	item := seedItem(t, st, "t1", "a")

	_, err := st.MutateWorkItem(ctx, item.ID, func(w *model.WorkItem) error {
		w.State = model.StateWaiting
		return model.ErrInvalidTransition
	})
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	got, err := st.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateFYI, got.State)
}

func TestSQLite_CloseWorkItem_RejectsOpenRequest(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	item := seedItem(t, st, "t1", "a")
	req := escalate(t, st, item.ID, now.Add(-time.Hour))

	closed, err := st.CloseWorkItem(ctx, item.ID, now)
	require.NoError(t, err)
	assert.Equal(t, model.StateDone, closed.State)
	require.NotNil(t, closed.ClosedAt)

	got, err := st.GetHitlRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.HitlRejected, got.State)
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, now.Equal(*got.ResolvedAt))

	pending, err := st.ListPendingHitl(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = st.ClaimHitlRequest(ctx, req.ID, "agent-1", now)
	assert.True(t, model.IsConflict(err))

	_, err = st.CloseWorkItem(ctx, item.ID, now)
	assert.True(t, model.IsConflict(err))
}

func TestSQLite_CloseWorkItem_RejectsClaimedRequest(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	item := seedItem(t, st, "t1", "a")
	req := escalate(t, st, item.ID, now)
	_, err := st.ClaimHitlRequest(ctx, req.ID, "agent-1", now)
	require.NoError(t, err)

	_, err = st.CloseWorkItem(ctx, item.ID, now)
	require.NoError(t, err)

	got, err := st.GetHitlRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.HitlRejected, got.State)
}

func TestSQLite_Escalate_ListPendingFIFO(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var ids []string
	for i, ext := range []string{"a", "b", "c"} {
		item := seedItem(t, st, "t1", ext)
		req := escalate(t, st, item.ID, base.Add(time.Duration(i)*time.Minute))
		ids = append(ids, req.ID)
	}
	other := seedItem(t, st, "t2", "z")
	escalate(t, st, other.ID, base)

	pending, err := st.ListPendingHitl(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, p := range pending {
		assert.Equal(t, ids[i], p.ID)
		assert.Equal(t, model.HitlPending, p.State)
	}
	assert.JSONEq(t, `{"draft":"hi"}`, string(pending[0].Context))

	n, err := st.CountPendingHitl(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	item, err := st.GetWorkItem(ctx, pending[0].WorkItemID)
	require.NoError(t, err)
	assert.Equal(t, model.StateNeedsReview, item.State)
}

func TestSQLite_Escalate_InvalidStateRollsBack(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	item := seedItem(t, st, "t1", "a")
	escalate(t, st, item.ID, time.Now().UTC())

	_, err := st.EscalateWorkItem(ctx, item.ID, func(w *model.WorkItem) (*model.HitlRequest, error) {
		return nil, w.SubmitForReview()
	})
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))

	pending, err := st.ListPendingHitl(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSQLite_ClaimHitlRequest(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	item := seedItem(t, st, "t1", "a")
	req := escalate(t, st, item.ID, time.Now().UTC())

	claimed, err := st.ClaimHitlRequest(ctx, req.ID, "agent-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.HitlClaimed, claimed.State)
	assert.Equal(t, "agent-1", claimed.ClaimedBy)
	require.NotNil(t, claimed.ClaimedAt)

	_, err = st.ClaimHitlRequest(ctx, req.ID, "agent-2", time.Now())
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))

	_, err = st.ClaimHitlRequest(ctx, "hitl_missing", "agent-2", time.Now())
	assert.True(t, model.IsNotFound(err))

	pending, err := st.ListPendingHitl(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSQLite_ClaimHitlRequest_Race(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	item := seedItem(t, st, "t1", "a")
	req := escalate(t, st, item.ID, time.Now().UTC())

	const agents = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.ClaimHitlRequest(ctx, req.ID, uuid.New().String(), time.Now())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if model.IsConflict(err) {
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, agents-1, conflicts)
}

func TestSQLite_ResolveHitl(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	item := seedItem(t, st, "t1", "a")
	req := escalate(t, st, item.ID, time.Now().UTC())
	_, err := st.ClaimHitlRequest(ctx, req.ID, "agent-1", time.Now())
	require.NoError(t, err)

	decision := &model.HitlDecision{
		ID:            uuid.New().String(),
		RequestID:     req.ID,
		AgentID:       "agent-1",
		Outcome:       model.OutcomeResolved,
		ModifiedDraft: "Thanks!",
		CreatedAt:     time.Now().UTC(),
	}
	updated, err := st.ResolveHitl(ctx, decision, func(r *model.HitlRequest, w *model.WorkItem) error {
		if err := r.Resolve(decision.Outcome, time.Now()); err != nil {
			return err
		}
		return w.ApplyResolved(decision.AgentID)
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateNeedsReply, updated.State)
	assert.True(t, updated.ResolutionLock)

	got, err := st.GetHitlRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.HitlResolved, got.State)
	require.NotNil(t, got.ResolvedAt)

	persisted, err := st.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConfidenceHigh, persisted.ConfidenceBand)
	assert.Equal(t, model.OwnerHuman, persisted.OwnerType)
	assert.Equal(t, "agent-1", persisted.OwnerID)

	decisions, err := st.ListDecisions(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "Thanks!", decisions[0].ModifiedDraft)
	assert.Equal(t, model.OutcomeResolved, decisions[0].Outcome)
}

func TestSQLite_ResolveHitl_FailureLeavesNoDecision(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	item := seedItem(t, st, "t1", "a")
	req := escalate(t, st, item.ID, time.Now().UTC())

	decision := &model.HitlDecision{
		ID: uuid.New().String(), RequestID: req.ID, AgentID: "agent-1",
		Outcome: model.OutcomeRejected, CreatedAt: time.Now().UTC(),
	}
	// Still PENDING, so Resolve fails.
	_, err := st.ResolveHitl(ctx, decision, func(r *model.HitlRequest, w *model.WorkItem) error {
		return r.Resolve(decision.Outcome, time.Now())
	})
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))

	decisions, err := st.ListDecisions(ctx, req.ID)
	require.NoError(t, err)
	assert.Empty(t, decisions)
}

func TestSQLite_DecisionsAppendOnly(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.db.Exec(`UPDATE hitl_decisions SET agent_id = 'x'`)
	require.NoError(t, err) // no rows, trigger does not fire

	item := seedItem(t, st, "t1", "a")
	req := escalate(t, st, item.ID, time.Now().UTC())
	_, err = st.db.Exec(`INSERT INTO hitl_decisions (id, request_id, agent_id, outcome, created_at) VALUES ('d1', ?, 'a', 'RESOLVED', ?)`,
		req.ID, time.Now().UTC())
	require.NoError(t, err)

	_, err = st.db.Exec(`UPDATE hitl_decisions SET agent_id = 'x' WHERE id = 'd1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}

func TestSQLite_SafetyFlags(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	f, err := st.GetSafetyFlag(ctx, model.KillSwitchKey)
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.False(t, f.Active())

	require.NoError(t, st.SetSafetyFlag(ctx, &model.SafetyFlag{
		Key: model.KillSwitchKey, Value: model.FlagActive, UpdatedAt: time.Now(), UpdatedBy: "ops",
	}))
	f, err = st.GetSafetyFlag(ctx, model.KillSwitchKey)
	require.NoError(t, err)
	assert.True(t, f.Active())
	assert.Equal(t, "ops", f.UpdatedBy)

	require.NoError(t, st.SetSafetyFlag(ctx, &model.SafetyFlag{
		Key: model.KillSwitchKey, Value: model.FlagInactive, UpdatedAt: time.Now(), UpdatedBy: "ops2",
	}))
	f, err = st.GetSafetyFlag(ctx, model.KillSwitchKey)
	require.NoError(t, err)
	assert.False(t, f.Active())
	assert.Equal(t, "ops2", f.UpdatedBy)
}

func TestSQLite_Accounts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.GetAccountByUser(ctx, "u1")
	assert.True(t, model.IsNotFound(err))

	acct := &model.EmailAccount{TenantID: "t1", UserID: "u1", Address: "u1@example.com", Provider: "imap", IsActive: true}
	require.NoError(t, st.CreateAccount(ctx, acct))
	require.NotEmpty(t, acct.ID)
	require.NoError(t, st.CreateAccount(ctx, &model.EmailAccount{TenantID: "t2", UserID: "u2", Address: "u2@example.com", IsActive: false}))

	got, err := st.GetAccountByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TenantID)
	assert.Nil(t, got.LastSyncedAt)

	active, err := st.ListActiveAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, st.TouchAccountSync(ctx, acct.ID, at))
	got, err = st.GetAccountByUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got.LastSyncedAt)
	assert.True(t, at.Equal(*got.LastSyncedAt))

	assert.True(t, model.IsNotFound(st.TouchAccountSync(ctx, "missing", at)))
}

func TestSQLite_IngestRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	ok, err := st.CreateIngestRun(ctx, "t1", "u1")
	require.NoError(t, err)
	require.NoError(t, st.CompleteIngestRun(ctx, ok.ID, model.RunMetrics{Scanned: 3, Processed: 2, SkippedExisting: 1}))

	bad, err := st.CreateIngestRun(ctx, "t1", "u1")
	require.NoError(t, err)
	require.NoError(t, st.FailIngestRun(ctx, bad.ID, model.RunMetrics{Scanned: 1, Errors: 1}, "auth failed"))

	runs, err := st.ListIngestRuns(ctx, RunFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	failed, err := st.ListIngestRuns(ctx, RunFilter{Status: model.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "auth failed", failed[0].Error)
	require.NotNil(t, failed[0].Metrics)
	assert.Equal(t, 1, failed[0].Metrics.Errors)
	assert.NotNil(t, failed[0].FinishedAt)

	recent, err := st.ListIngestRuns(ctx, RunFilter{StartedAfter: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, recent)

	assert.True(t, model.IsNotFound(st.CompleteIngestRun(ctx, "missing", model.RunMetrics{})))
}

func TestSQLite_FailedRecords(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.EnqueueFailedRecord(ctx, &model.FailedRecord{
		TenantID: "t1", RunID: "r1", ExternalID: "m1", Error: "boom", ErrorType: "permanent",
	}))
	require.NoError(t, st.EnqueueFailedRecord(ctx, &model.FailedRecord{
		TenantID: "t1", ExternalID: "m2", Error: "timeout", ErrorType: "transient",
	}))

	n, err := st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	perm, err := st.ListFailedRecords(ctx, DLQFilter{ErrorType: "permanent"})
	require.NoError(t, err)
	require.Len(t, perm, 1)
	assert.Equal(t, "m1", perm[0].ExternalID)
	assert.Equal(t, "r1", perm[0].RunID)
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "a.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_txlock=immediate", sqliteDSN("a.db"))
	assert.Contains(t, sqliteDSN("file:a.db?mode=rwc"), "mode=rwc&_pragma=journal_mode(WAL)")
}
