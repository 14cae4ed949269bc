package resilience

import (
	"time"

	"github.com/sells-group/inbox-cli/internal/model"
)

// Error classes recorded on dead-letter entries.
const (
	ErrorTypeTransient = "transient"
	ErrorTypePermanent = "permanent"
)

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTypeTransient
	}
	return ErrorTypePermanent
}

// NewFailedRecord builds a dead-letter entry for a message that could not be
// ingested during the given run.
func NewFailedRecord(tenantID, runID, externalID string, err error) *model.FailedRecord {
	return &model.FailedRecord{
		TenantID:   tenantID,
		RunID:      runID,
		ExternalID: externalID,
		Error:      err.Error(),
		ErrorType:  ClassifyError(err),
		CreatedAt:  time.Now().UTC(),
	}
}
