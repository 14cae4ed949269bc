package ingest

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one user's run within RunAll.
type Result struct {
	UserID  string
	Metrics *Metrics
	Err     error
}

// Runner fans ingestion out across users with bounded concurrency.
type Runner struct {
	pipeline    *Pipeline
	concurrency int
}

// NewRunner creates a Runner. Concurrency below 1 runs users one at a time.
func NewRunner(p *Pipeline, concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{pipeline: p, concurrency: concurrency}
}

// RunAll runs the pipeline once per user. A failing user does not cancel the
// others; results are returned in input order.
func (r *Runner) RunAll(ctx context.Context, userIDs []string, limit int) []Result {
	results := make([]Result, len(userIDs))

	var g errgroup.Group
	g.SetLimit(r.concurrency)

	for i, userID := range userIDs {
		g.Go(func() error {
			m, err := r.pipeline.Run(ctx, userID, limit)
			results[i] = Result{UserID: userID, Metrics: m, Err: err}
			if err != nil {
				zap.L().Error("ingest: user run failed", zap.String("user_id", userID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// RunActive runs every active account.
func (r *Runner) RunActive(ctx context.Context, limit int) ([]Result, error) {
	accounts, err := r.pipeline.store.ListActiveAccounts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: list active accounts")
	}
	userIDs := make([]string, 0, len(accounts))
	seen := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		if seen[a.UserID] {
			continue
		}
		seen[a.UserID] = true
		userIDs = append(userIDs, a.UserID)
	}
	return r.RunAll(ctx, userIDs, limit), nil
}

// Totals sums the metrics of successful and partial runs.
func Totals(results []Result) Metrics {
	var t Metrics
	for _, res := range results {
		if res.Metrics == nil {
			continue
		}
		t.Scanned += res.Metrics.Scanned
		t.Processed += res.Metrics.Processed
		t.SkippedExisting += res.Metrics.SkippedExisting
		t.Errors += res.Metrics.Errors
	}
	return t
}
