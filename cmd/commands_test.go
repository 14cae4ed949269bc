//go:build !integration

package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/inbox-cli/internal/config"
	"github.com/sells-group/inbox-cli/internal/model"
	"github.com/sells-group/inbox-cli/internal/reasoning"
)

func TestReplyMessage(t *testing.T) {
	account := &model.EmailAccount{Address: "alice@example.com"}
	email := &model.EmailMessage{Sender: "Bob <bob@partner.com>", Subject: "Contract", ExternalMessageID: "m1@partner.com"}

	msg := replyMessage(account, email, "Signed.")
	assert.Equal(t, "alice@example.com", msg.From)
	assert.Equal(t, "Bob <bob@partner.com>", msg.To)
	assert.Equal(t, "Re: Contract", msg.Subject)
	assert.Equal(t, "m1@partner.com", msg.InReplyTo)
	assert.Equal(t, "Signed.", msg.Text)

	email.Subject = "RE: Contract"
	assert.Equal(t, "RE: Contract", replyMessage(account, email, "x").Subject)
}

func TestHasDraft(t *testing.T) {
	tests := []struct {
		name string
		res  *reasoning.Result
		want bool
	}{
		{"nil result", nil, false},
		{"skipped", &reasoning.Result{Skipped: true}, false},
		{"reply with draft", &reasoning.Result{Decision: &reasoning.Decision{Action: reasoning.ActionReply, DraftBody: "Hi"}}, true},
		{"reply blank draft", &reasoning.Result{Decision: &reasoning.Decision{Action: reasoning.ActionReply, DraftBody: "  "}}, false},
		{"archive", &reasoning.Result{Decision: &reasoning.Decision{Action: reasoning.ActionArchive, DraftBody: "Hi"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, hasDraft(tt.res))
		})
	}
}

func TestNewAccount(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := newAccount("tenant-a", "u1", " alice@example.com ", "imap", now)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "alice@example.com", a.Address)
	assert.True(t, a.IsActive)
	assert.Equal(t, now, a.CreatedAt)
}

func TestReadSecret(t *testing.T) {
	v, err := readSecret(strings.NewReader("hunter2\r\nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)

	v, err = readSecret(strings.NewReader("no-newline"))
	require.NoError(t, err)
	assert.Equal(t, "no-newline", v)

	_, err = readSecret(strings.NewReader("\n"))
	require.Error(t, err)
}

func TestCloseWorkItem(t *testing.T) {
	env := testEnv(t)
	item := seedItem(t, env, "tenant-a")
	now := time.Now().UTC()

	closed, err := closeWorkItem(context.Background(), env.Store, item.ID, now)
	require.NoError(t, err)
	assert.Equal(t, model.StateDone, closed.State)
	require.NotNil(t, closed.ClosedAt)

	_, err = closeWorkItem(context.Background(), env.Store, item.ID, now)
	assert.True(t, model.IsConflict(err))

	_, err = closeWorkItem(context.Background(), env.Store, "missing", now)
	assert.True(t, model.IsNotFound(err))
}

func TestCloseWorkItem_InReview(t *testing.T) {
	env := testEnv(t)
	ctx := context.Background()
	item := seedItem(t, env, "tenant-a")

	req, err := env.Queue.SubmitForReview(ctx, item.ID, "needs a human", nil)
	require.NoError(t, err)

	closed, err := closeWorkItem(ctx, env.Store, item.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, model.StateDone, closed.State)

	pending, err := env.Queue.Pending(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = env.Queue.Claim(ctx, req.ID, "agent-1")
	assert.True(t, model.IsConflict(err))

	got, err := env.Store.GetHitlRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.HitlRejected, got.State)
}

func TestAccountForEmail(t *testing.T) {
	env := testEnv(t)
	ctx := context.Background()
	acct := newAccount("tenant-a", "u1", "alice@example.com", "imap", time.Now().UTC())
	require.NoError(t, env.Store.CreateAccount(ctx, acct))

	got, err := env.accountForEmail(ctx, &model.EmailMessage{AccountID: acct.ID})
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)

	_, err = env.accountForEmail(ctx, &model.EmailMessage{AccountID: "other"})
	assert.True(t, model.IsNotFound(err))
}

func TestClassifier_RulesFileAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("urgent_keywords: [escalation]\n"), 0o600))

	cfg = &config.Config{Triage: config.TriageConfig{
		RulesFile:  path,
		VIPDomains: []string{"board.example.com"},
	}}
	cls, err := classifier()
	require.NoError(t, err)

	c := cls.Classify(model.RawRecord{ExternalID: "1", Sender: "ceo@board.example.com", Subject: "hello"})
	assert.True(t, c.IsVIP)

	c = cls.Classify(model.RawRecord{ExternalID: "2", Sender: "x@other.com", Subject: "Escalation needed"})
	assert.Contains(t, c.Tags, "urgent")
	assert.Equal(t, model.ConfidenceHigh, c.Confidence)

	// The file replaced the default urgent set.
	c = cls.Classify(model.RawRecord{ExternalID: "3", Sender: "x@other.com", Subject: "ASAP please"})
	assert.NotContains(t, c.Tags, "urgent")
}

func TestClassifier_MissingRulesFile(t *testing.T) {
	cfg = &config.Config{Triage: config.TriageConfig{RulesFile: filepath.Join(t.TempDir(), "nope.yaml")}}
	_, err := classifier()
	require.Error(t, err)
}

func TestOrchestrator_RequiresAnthropicKey(t *testing.T) {
	env := testEnv(t)
	_, err := env.orchestrator(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
}
