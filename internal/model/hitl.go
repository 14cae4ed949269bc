package model

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"
)

// HitlState is the lifecycle state of a review request.
type HitlState string

const (
	HitlPending  HitlState = "PENDING"
	HitlClaimed  HitlState = "CLAIMED"
	HitlResolved HitlState = "RESOLVED"
	HitlRejected HitlState = "REJECTED"
)

// HitlRequest asks a human to decide on a work item.
type HitlRequest struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	WorkItemID string          `json:"work_item_id"`
	Reason     string          `json:"reason"`
	Context    json.RawMessage `json:"context,omitempty"`
	State      HitlState       `json:"state"`
	ClaimedBy  string          `json:"claimed_by,omitempty"`
	ClaimedAt  *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// NewHitlID returns a request id of the form hitl_<12 hex chars>.
func NewHitlID() string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return "hitl_" + hex.EncodeToString(b)
}

// Claim assigns the request to an agent. Only PENDING requests can be claimed.
func (r *HitlRequest) Claim(agentID string, now time.Time) error {
	if r.State != HitlPending {
		return r.invalid("claim")
	}
	t := now.UTC()
	r.State = HitlClaimed
	r.ClaimedBy = agentID
	r.ClaimedAt = &t
	return nil
}

// Resolve finalises a CLAIMED request with the given outcome.
func (r *HitlRequest) Resolve(outcome HitlOutcome, now time.Time) error {
	if r.State != HitlClaimed {
		return r.invalid("resolve")
	}
	t := now.UTC()
	r.State = HitlState(outcome)
	r.ResolvedAt = &t
	return nil
}

func (r *HitlRequest) invalid(op string) error {
	return &TransitionError{Entity: "hitl request", ID: r.ID, Op: op, From: string(r.State)}
}

// HitlOutcome is the human verdict on a request.
type HitlOutcome string

const (
	OutcomeResolved HitlOutcome = "RESOLVED"
	OutcomeRejected HitlOutcome = "REJECTED"
)

// Valid reports whether o is a known outcome.
func (o HitlOutcome) Valid() bool {
	return o == OutcomeResolved || o == OutcomeRejected
}

// HitlDecision is an append-only record of a human verdict.
type HitlDecision struct {
	ID            string      `json:"id"`
	RequestID     string      `json:"request_id"`
	AgentID       string      `json:"agent_id"`
	Outcome       HitlOutcome `json:"outcome"`
	ModifiedDraft string      `json:"modified_draft,omitempty"`
	FeedbackNotes string      `json:"feedback_notes,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}
