package hitl

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/inbox-cli/internal/model"
	"github.com/sells-group/inbox-cli/internal/store"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) NotifyPending(ctx context.Context, req *model.HitlRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "hitl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedItem(t *testing.T, st store.Store, tenantID string, state model.WorkItemState) *model.WorkItem {
	t.Helper()
	now := time.Now().UTC()
	email := &model.EmailMessage{
		ID:                uuid.New().String(),
		TenantID:          tenantID,
		AccountID:         "acct-1",
		ExternalMessageID: uuid.New().String(),
		Sender:            "a@example.com",
		Subject:           "hello",
		ReceivedAt:        now,
		CreatedAt:         now,
	}
	item := &model.WorkItem{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		EmailID:        email.ID,
		State:          state,
		ConfidenceBand: model.ConfidenceLow,
		OwnerType:      model.OwnerUser,
		OwnerID:        "u1",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, st.CreateWorkItem(context.Background(), email, item))
	return item
}

func TestQueue_SubmitForReview(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	item := seedItem(t, st, "tenant-a", model.StateNeedsReply)

	n := &mockNotifier{}
	n.On("NotifyPending", mock.Anything, mock.AnythingOfType("*model.HitlRequest")).Return(nil)

	q := NewQueue(st, n)
	req, err := q.SubmitForReview(ctx, item.ID, "low confidence", json.RawMessage(`{"draft":"hi"}`))
	require.NoError(t, err)

	assert.Regexp(t, `^hitl_[0-9a-f]{12}$`, req.ID)
	assert.Equal(t, "tenant-a", req.TenantID)
	assert.Equal(t, model.HitlPending, req.State)
	n.AssertExpectations(t)

	stored, err := st.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateNeedsReview, stored.State)

	got, err := st.GetHitlRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "low confidence", got.Reason)
	assert.JSONEq(t, `{"draft":"hi"}`, string(got.Context))
}

func TestQueue_SubmitForReview_NotifyFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	item := seedItem(t, st, "tenant-a", model.StateWaiting)

	n := &mockNotifier{}
	n.On("NotifyPending", mock.Anything, mock.Anything).Return(eris.New("slack down"))

	req, err := NewQueue(st, n).SubmitForReview(ctx, item.ID, "check", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID)
	n.AssertNumberOfCalls(t, "NotifyPending", 1)
}

func TestQueue_SubmitForReview_InvalidState(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	item := seedItem(t, st, "tenant-a", model.StateSpam)

	n := &mockNotifier{}
	_, err := NewQueue(st, n).SubmitForReview(ctx, item.ID, "check", nil)
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))
	n.AssertNotCalled(t, "NotifyPending", mock.Anything, mock.Anything)

	pending, err := st.ListPendingHitl(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestQueue_SubmitForReview_MissingItem(t *testing.T) {
	_, err := NewQueue(newTestStore(t), nil).SubmitForReview(context.Background(), "nope", "x", nil)
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
}

func TestQueue_PendingIsTenantScopedAndOrdered(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	q := NewQueue(st, nil)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		q.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		req, err := q.SubmitForReview(ctx, seedItem(t, st, "tenant-a", model.StateNeedsReply).ID, "r", nil)
		require.NoError(t, err)
		ids = append(ids, req.ID)
	}
	_, err := q.SubmitForReview(ctx, seedItem(t, st, "tenant-b", model.StateNeedsReply).ID, "r", nil)
	require.NoError(t, err)

	pending, err := q.Pending(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, p := range pending {
		assert.Equal(t, ids[i], p.ID)
		assert.Equal(t, "tenant-a", p.TenantID)
	}
}

func TestQueue_Claim(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	q := NewQueue(st, nil)

	req, err := q.SubmitForReview(ctx, seedItem(t, st, "tenant-a", model.StateNeedsReply).ID, "r", nil)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, req.ID, "agent-7")
	require.NoError(t, err)
	assert.Equal(t, model.HitlClaimed, claimed.State)
	assert.Equal(t, "agent-7", claimed.ClaimedBy)
	assert.NotNil(t, claimed.ClaimedAt)

	_, err = q.Claim(ctx, req.ID, "agent-8")
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))

	_, err = q.Claim(ctx, "hitl_000000000000", "agent-7")
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))

	_, err = q.Claim(ctx, req.ID, "")
	require.Error(t, err)
}
