package store

import (
	"context"
	"time"

	"github.com/sells-group/inbox-cli/internal/model"
)

// WorkItemFilter specifies criteria for listing work items.
type WorkItemFilter struct {
	TenantID string              `json:"tenant_id,omitempty"`
	State    model.WorkItemState `json:"state,omitempty"`
	Limit    int                 `json:"limit,omitempty"`
	Offset   int                 `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing ingestion runs.
type RunFilter struct {
	TenantID     string          `json:"tenant_id,omitempty"`
	Status       model.RunStatus `json:"status,omitempty"`
	StartedAfter time.Time       `json:"started_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
}

// DLQFilter specifies criteria for listing failed records.
type DLQFilter struct {
	TenantID  string `json:"tenant_id,omitempty"`
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit     int    `json:"limit,omitempty"`
}

// EscalateFunc is called inside the escalation transaction with the locked
// work item. It mutates the item and returns the request to insert.
type EscalateFunc func(item *model.WorkItem) (*model.HitlRequest, error)

// ResolveFunc is called inside the resolution transaction with the locked
// request and work item. It mutates both; an error aborts the transaction.
type ResolveFunc func(req *model.HitlRequest, item *model.WorkItem) error

// Store defines the persistence interface for the work-item lifecycle.
type Store interface {
	// Accounts
	CreateAccount(ctx context.Context, acct *model.EmailAccount) error
	GetAccountByUser(ctx context.Context, userID string) (*model.EmailAccount, error)
	ListActiveAccounts(ctx context.Context) ([]model.EmailAccount, error)
	TouchAccountSync(ctx context.Context, accountID string, at time.Time) error

	// Message metadata and work items
	FindEmail(ctx context.Context, tenantID, externalID string) (*model.EmailMessage, error)
	GetEmail(ctx context.Context, id string) (*model.EmailMessage, error)
	// CreateWorkItem inserts the metadata and its work item atomically. It
	// returns model.ErrDuplicate when the tenant already holds the message.
	CreateWorkItem(ctx context.Context, email *model.EmailMessage, item *model.WorkItem) error
	GetWorkItem(ctx context.Context, id string) (*model.WorkItem, error)
	ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]model.WorkItem, error)
	MutateWorkItem(ctx context.Context, id string, fn func(item *model.WorkItem) error) (*model.WorkItem, error)
	// CloseWorkItem closes the item and rejects any PENDING or CLAIMED review
	// request for it in the same transaction.
	CloseWorkItem(ctx context.Context, id string, now time.Time) (*model.WorkItem, error)

	// HITL
	EscalateWorkItem(ctx context.Context, workItemID string, fn EscalateFunc) (*model.HitlRequest, error)
	GetHitlRequest(ctx context.Context, id string) (*model.HitlRequest, error)
	ListPendingHitl(ctx context.Context, tenantID string) ([]model.HitlRequest, error)
	CountPendingHitl(ctx context.Context) (int, error)
	// ClaimHitlRequest moves a PENDING request to CLAIMED in one guarded update.
	ClaimHitlRequest(ctx context.Context, id, agentID string, at time.Time) (*model.HitlRequest, error)
	ResolveHitl(ctx context.Context, decision *model.HitlDecision, fn ResolveFunc) (*model.WorkItem, error)
	ListDecisions(ctx context.Context, requestID string) ([]model.HitlDecision, error)

	// Safety flags
	GetSafetyFlag(ctx context.Context, key string) (*model.SafetyFlag, error)
	SetSafetyFlag(ctx context.Context, flag *model.SafetyFlag) error

	// Ingestion runs
	CreateIngestRun(ctx context.Context, tenantID, userID string) (*model.IngestRun, error)
	CompleteIngestRun(ctx context.Context, runID string, metrics model.RunMetrics) error
	FailIngestRun(ctx context.Context, runID string, metrics model.RunMetrics, errMsg string) error
	ListIngestRuns(ctx context.Context, filter RunFilter) ([]model.IngestRun, error)

	// Dead letter queue
	EnqueueFailedRecord(ctx context.Context, rec *model.FailedRecord) error
	ListFailedRecords(ctx context.Context, filter DLQFilter) ([]model.FailedRecord, error)
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
