package model

import "time"

// RunStatus represents the current state of an ingestion run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunMetrics are the counters emitted by one ingestion run.
type RunMetrics struct {
	Scanned         int `json:"scanned"`
	Processed       int `json:"processed"`
	SkippedExisting int `json:"skipped_existing"`
	Errors          int `json:"errors"`
}

// IngestRun records one ingestion run for a user.
type IngestRun struct {
	ID         string      `json:"id"`
	TenantID   string      `json:"tenant_id"`
	UserID     string      `json:"user_id"`
	Status     RunStatus   `json:"status"`
	Metrics    *RunMetrics `json:"metrics,omitempty"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// FailedRecord is a dead-letter entry for a record that could not be ingested.
type FailedRecord struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	RunID      string    `json:"run_id"`
	ExternalID string    `json:"external_id"`
	Error      string    `json:"error"`
	ErrorType  string    `json:"error_type"` // "transient" or "permanent"
	CreatedAt  time.Time `json:"created_at"`
}
