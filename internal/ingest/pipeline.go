// Package ingest turns a mailbox stream into tenant-scoped work items.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/inbox-cli/internal/model"
	"github.com/sells-group/inbox-cli/internal/resilience"
	"github.com/sells-group/inbox-cli/internal/store"
	"github.com/sells-group/inbox-cli/internal/triage"
)

// StreamSource yields raw message metadata for one account, newest first.
// An error returned from Stream means the source could not be opened. Errors
// yielded by the sequence affect only the record they are paired with.
type StreamSource interface {
	Stream(ctx context.Context, account *model.EmailAccount, limit int) (iter.Seq2[model.RawRecord, error], error)
}

// AccountResolver maps a user to the account, and therefore the tenant, that
// owns their mailbox.
type AccountResolver interface {
	GetAccountByUser(ctx context.Context, userID string) (*model.EmailAccount, error)
}

// StreamError is the critical failure: the stream could not be opened, so
// the run halts.
type StreamError struct {
	UserID string
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("ingest: open stream for user %s: %v", e.UserID, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// Metrics are the counters returned by Run.
type Metrics = model.RunMetrics

// Outcome is the result of processing one record.
type Outcome int

const (
	OutcomeCreated Outcome = iota
	OutcomeSkipped
	OutcomeErrored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Pipeline ingests one user's mailbox per Run.
type Pipeline struct {
	store      store.Store
	accounts   AccountResolver
	source     StreamSource
	classifier *triage.Classifier
	now        func() time.Time
}

// New creates a Pipeline. Accounts are resolved through the store.
func New(st store.Store, source StreamSource, classifier *triage.Classifier) *Pipeline {
	return &Pipeline{
		store:      st,
		accounts:   st,
		source:     source,
		classifier: classifier,
		now:        time.Now,
	}
}

// Run ingests up to limit records for userID. Per-record failures are counted
// and dead-lettered; only a failure to resolve the account or open the stream
// is returned. On cancellation the metrics gathered so far are returned with
// the context error.
func (p *Pipeline) Run(ctx context.Context, userID string, limit int) (*Metrics, error) {
	account, err := p.accounts.GetAccountByUser(ctx, userID)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: resolve account for user %s", userID)
	}

	log := zap.L().With(
		zap.String("tenant_id", account.TenantID),
		zap.String("user_id", userID),
	)

	run, err := p.store.CreateIngestRun(ctx, account.TenantID, userID)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: create run")
	}
	log = log.With(zap.String("run_id", run.ID))
	log.Info("ingest: run started", zap.Int("limit", limit))

	metrics := &Metrics{}

	records, err := p.source.Stream(ctx, account, limit)
	if err != nil {
		serr := &StreamError{UserID: userID, Err: err}
		p.failRun(ctx, run.ID, metrics, serr, log)
		return metrics, serr
	}

	for rec, recErr := range records {
		if ctx.Err() != nil {
			break
		}
		metrics.Scanned++

		var outcome Outcome
		if recErr != nil {
			outcome = OutcomeErrored
			p.deadLetter(ctx, account.TenantID, run.ID, rec.ExternalID, recErr, log)
		} else {
			outcome = p.processRecord(ctx, account, rec, run.ID, log)
		}

		switch outcome {
		case OutcomeCreated:
			metrics.Processed++
		case OutcomeSkipped:
			metrics.SkippedExisting++
		case OutcomeErrored:
			metrics.Errors++
		}
		if limit > 0 && metrics.Scanned >= limit {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		p.failRun(ctx, run.ID, metrics, err, log)
		return metrics, err
	}

	if err := p.store.CompleteIngestRun(ctx, run.ID, *metrics); err != nil {
		log.Warn("ingest: failed to complete run record", zap.Error(err))
	}
	if err := p.store.TouchAccountSync(ctx, account.ID, p.now()); err != nil {
		log.Warn("ingest: failed to update last sync", zap.Error(err))
	}

	log.Info("ingest: run complete",
		zap.Int("scanned", metrics.Scanned),
		zap.Int("processed", metrics.Processed),
		zap.Int("skipped_existing", metrics.SkippedExisting),
		zap.Int("errors", metrics.Errors),
	)
	return metrics, nil
}

func (p *Pipeline) processRecord(ctx context.Context, account *model.EmailAccount, rec model.RawRecord, runID string, log *zap.Logger) Outcome {
	if rec.ExternalID == "" {
		p.deadLetter(ctx, account.TenantID, runID, "", eris.New("ingest: record has no message id"), log)
		return OutcomeErrored
	}

	cls := p.classifier.Classify(rec)

	existing, err := p.store.FindEmail(ctx, account.TenantID, rec.ExternalID)
	if err != nil {
		p.deadLetter(ctx, account.TenantID, runID, rec.ExternalID, err, log)
		return OutcomeErrored
	}
	if existing != nil {
		return OutcomeSkipped
	}

	now := p.now().UTC()
	email := &model.EmailMessage{
		ID:                uuid.New().String(),
		TenantID:          account.TenantID,
		AccountID:         account.ID,
		ExternalMessageID: rec.ExternalID,
		ThreadID:          rec.ThreadID,
		Sender:            cls.Sender,
		Subject:           cls.Subject,
		Snippet:           rec.Snippet,
		ReceivedAt:        cls.ReceivedAt,
		IsVIP:             cls.IsVIP,
		Tags:              cls.Tags,
		CreatedAt:         now,
	}
	item := &model.WorkItem{
		ID:             uuid.New().String(),
		TenantID:       account.TenantID,
		EmailID:        email.ID,
		State:          cls.SuggestedState,
		ConfidenceBand: cls.Confidence,
		OwnerType:      model.OwnerUser,
		OwnerID:        account.UserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := p.store.CreateWorkItem(ctx, email, item); err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			// Lost the race to a concurrent run for the same tenant.
			return OutcomeSkipped
		}
		p.deadLetter(ctx, account.TenantID, runID, rec.ExternalID, err, log)
		return OutcomeErrored
	}

	log.Debug("ingest: work item created",
		zap.String("work_item_id", item.ID),
		zap.String("state", string(item.State)),
		zap.String("confidence", string(item.ConfidenceBand)),
	)
	return OutcomeCreated
}

func (p *Pipeline) deadLetter(ctx context.Context, tenantID, runID, externalID string, err error, log *zap.Logger) {
	log.Warn("ingest: record failed", zap.String("external_id", externalID), zap.Error(err))
	if dlqErr := p.store.EnqueueFailedRecord(ctx, resilience.NewFailedRecord(tenantID, runID, externalID, err)); dlqErr != nil {
		log.Error("ingest: failed to dead-letter record", zap.Error(dlqErr))
	}
}

func (p *Pipeline) failRun(ctx context.Context, runID string, metrics *Metrics, cause error, log *zap.Logger) {
	log.Error("ingest: run failed", zap.Error(cause))
	// The run row must be closed even when ctx is already cancelled.
	if err := p.store.FailIngestRun(context.WithoutCancel(ctx), runID, *metrics, cause.Error()); err != nil {
		log.Warn("ingest: failed to record run failure", zap.Error(err))
	}
}
