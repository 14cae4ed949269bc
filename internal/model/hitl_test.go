package model

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHitlID(t *testing.T) {
	re := regexp.MustCompile(`^hitl_[0-9a-f]{12}$`)
	a, b := NewHitlID(), NewHitlID()
	assert.Regexp(t, re, a)
	assert.Regexp(t, re, b)
	assert.NotEqual(t, a, b)
}

func TestHitlRequest_Lifecycle(t *testing.T) {
	now := time.Now()
	r := &HitlRequest{ID: "hitl_1", State: HitlPending}

	require.NoError(t, r.Claim("agent1", now))
	assert.Equal(t, HitlClaimed, r.State)
	assert.Equal(t, "agent1", r.ClaimedBy)
	require.NotNil(t, r.ClaimedAt)

	err := r.Claim("agent2", now)
	assert.True(t, IsConflict(err))
	assert.Equal(t, "agent1", r.ClaimedBy)

	require.NoError(t, r.Resolve(OutcomeRejected, now))
	assert.Equal(t, HitlRejected, r.State)
	require.NotNil(t, r.ResolvedAt)

	assert.True(t, IsConflict(r.Resolve(OutcomeResolved, now)))
}

func TestHitlRequest_ResolveRequiresClaim(t *testing.T) {
	r := &HitlRequest{ID: "hitl_1", State: HitlPending}
	err := r.Resolve(OutcomeResolved, time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Nil(t, r.ResolvedAt)
}

func TestHitlOutcome_Valid(t *testing.T) {
	assert.True(t, OutcomeResolved.Valid())
	assert.True(t, OutcomeRejected.Valid())
	assert.False(t, HitlOutcome("PENDING").Valid())
}

func TestSafetyFlag_Active(t *testing.T) {
	var f *SafetyFlag
	assert.False(t, f.Active())
	assert.False(t, (&SafetyFlag{Value: FlagInactive}).Active())
	assert.True(t, (&SafetyFlag{Value: FlagActive}).Active())
}
