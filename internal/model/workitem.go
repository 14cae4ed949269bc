package model

import (
	"fmt"
	"time"
)

// WorkItemState is a lifecycle state of a work item.
type WorkItemState string

const (
	StateNeedsReply    WorkItemState = "NEEDS_REPLY"
	StateWaiting       WorkItemState = "WAITING"
	StateFYI           WorkItemState = "FYI"
	StateSubscriptions WorkItemState = "SUBSCRIPTIONS"
	StateSpam          WorkItemState = "SPAM"
	StateNeedsReview   WorkItemState = "NEEDS_REVIEW"
	StateDone          WorkItemState = "DONE"
)

// Valid reports whether s is a known state.
func (s WorkItemState) Valid() bool {
	switch s {
	case StateNeedsReply, StateWaiting, StateFYI, StateSubscriptions,
		StateSpam, StateNeedsReview, StateDone:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s WorkItemState) Terminal() bool {
	return s == StateDone
}

// ConfidenceBand is the coarse confidence attached to a work item.
type ConfidenceBand string

const (
	ConfidenceHigh   ConfidenceBand = "HIGH"
	ConfidenceMedium ConfidenceBand = "MEDIUM"
	ConfidenceLow    ConfidenceBand = "LOW"
)

// Rank orders bands so demotions can be detected. Unknown bands rank lowest.
func (b ConfidenceBand) Rank() int {
	switch b {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	}
	return 0
}

// OwnerType identifies who is accountable for a work item.
type OwnerType string

const (
	// OwnerUser is the mailbox owner; new items start here.
	OwnerUser OwnerType = "user"
	// OwnerHuman is a reviewer who decided on the item.
	OwnerHuman OwnerType = "human"
)

// WorkItem is one inbound conversation needing disposition.
type WorkItem struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	EmailID        string         `json:"email_id"`
	State          WorkItemState  `json:"state"`
	ConfidenceBand ConfidenceBand `json:"confidence_band"`
	OwnerType      OwnerType      `json:"owner_type"`
	OwnerID        string         `json:"owner_id,omitempty"`
	ResolutionLock bool           `json:"resolution_lock"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ClosedAt       *time.Time     `json:"closed_at,omitempty"`
}

// SubmitForReview moves an open item into NEEDS_REVIEW.
func (w *WorkItem) SubmitForReview() error {
	switch w.State {
	case StateNeedsReply, StateWaiting, StateFYI:
		w.State = StateNeedsReview
		return nil
	}
	return w.invalid("submit for review")
}

// ApplyResolved records a human approval. The item returns to NEEDS_REPLY
// with HIGH confidence and is locked against automated changes.
func (w *WorkItem) ApplyResolved(agentID string) error {
	if w.State != StateNeedsReview {
		return w.invalid("resolve")
	}
	w.State = StateNeedsReply
	w.ConfidenceBand = ConfidenceHigh
	w.ResolutionLock = true
	w.OwnerType = OwnerHuman
	w.OwnerID = agentID
	return nil
}

// ApplyRejected records a human rejection and closes the item.
func (w *WorkItem) ApplyRejected(agentID string, now time.Time) error {
	if w.State != StateNeedsReview {
		return w.invalid("reject")
	}
	w.OwnerType = OwnerHuman
	w.OwnerID = agentID
	w.close(now)
	return nil
}

// Close is the explicit manual close from any non-terminal state.
func (w *WorkItem) Close(now time.Time) error {
	if w.State.Terminal() {
		return w.invalid("close")
	}
	w.close(now)
	return nil
}

func (w *WorkItem) close(now time.Time) {
	t := now.UTC()
	w.State = StateDone
	w.ClosedAt = &t
}

// Reclassify is the automated path used by re-scans and the reasoner. It
// reports whether anything changed. Locked and terminal items are left
// untouched, and NEEDS_REVIEW is only left through a human decision.
func (w *WorkItem) Reclassify(state WorkItemState, band ConfidenceBand) bool {
	if w.ResolutionLock || w.State.Terminal() || w.State == StateNeedsReview {
		return false
	}
	if !state.Valid() || state == StateNeedsReview || state.Terminal() {
		return false
	}
	changed := false
	if w.State != state {
		w.State = state
		changed = true
	}
	if band != "" && w.ConfidenceBand != band {
		w.ConfidenceBand = band
		changed = true
	}
	return changed
}

func (w *WorkItem) invalid(op string) error {
	return &TransitionError{Entity: "work item", ID: w.ID, Op: op, From: string(w.State)}
}

// TransitionError is returned when an operation is attempted from a state
// that does not allow it. It matches ErrInvalidTransition.
type TransitionError struct {
	Entity string
	ID     string
	Op     string
	From   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: cannot %s %s %s in state %s", e.Op, e.Entity, e.ID, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
