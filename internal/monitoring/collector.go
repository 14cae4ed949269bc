package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/inbox-cli/internal/model"
	"github.com/sells-group/inbox-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Ingestion runs within the lookback window.
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	RunFailRate  float64 `json:"run_fail_rate"`

	// Record counters summed over the window's runs.
	Scanned         int `json:"scanned"`
	Processed       int `json:"processed"`
	SkippedExisting int `json:"skipped_existing"`
	RecordErrors    int `json:"record_errors"`

	// Review backlog and dead letters.
	PendingReviews int `json:"pending_reviews"`
	DLQDepth       int `json:"dlq_depth"`

	KillSwitch string `json:"kill_switch"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// StatsReader is the subset of store.Store the collector reads.
type StatsReader interface {
	ListIngestRuns(ctx context.Context, filter store.RunFilter) ([]model.IngestRun, error)
	CountPendingHitl(ctx context.Context) (int, error)
	CountDLQ(ctx context.Context) (int, error)
	GetSafetyFlag(ctx context.Context, key string) (*model.SafetyFlag, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	store StatsReader
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st StatsReader) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	runs, err := c.store.ListIngestRuns(ctx, store.RunFilter{
		StartedAfter: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
		if r.Metrics != nil {
			snap.Scanned += r.Metrics.Scanned
			snap.Processed += r.Metrics.Processed
			snap.SkippedExisting += r.Metrics.SkippedExisting
			snap.RecordErrors += r.Metrics.Errors
		}
	}
	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}

	if snap.PendingReviews, err = c.store.CountPendingHitl(ctx); err != nil {
		return nil, eris.Wrap(err, "monitoring: count pending reviews")
	}
	if snap.DLQDepth, err = c.store.CountDLQ(ctx); err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}

	flag, err := c.store.GetSafetyFlag(ctx, model.KillSwitchKey)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: read kill switch")
	}
	snap.KillSwitch = model.FlagInactive
	if flag.Active() {
		snap.KillSwitch = model.FlagActive
	}

	return snap, nil
}
