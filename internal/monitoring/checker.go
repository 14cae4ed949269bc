package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/inbox-cli/internal/config"
)

// Checker evaluates alerts on an interval. An alert is dispatched when its
// condition starts firing, not on every check while it stays breached.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int

	firing map[AlertType]bool
}

// NewChecker creates a Checker. A non-positive interval means five minutes.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		lookback:  cfg.LookbackWindowHours,
		firing:    make(map[AlertType]bool),
	}
}

// Run checks once immediately, then on every tick until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("monitoring: checker started",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if ctx.Err() == nil {
			c.check(ctx, log)
		}
		select {
		case <-ctx.Done():
			log.Info("monitoring: checker stopped")
			return
		case <-ticker.C:
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		log.Error("monitoring: collect failed", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	now := make(map[AlertType]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		now[a.Type] = true
		if !c.firing[a.Type] {
			fresh = append(fresh, a)
		}
	}
	for t := range c.firing {
		if !now[t] {
			log.Info("monitoring: alert cleared", zap.String("type", string(t)))
		}
	}
	c.firing = now

	log.Debug("monitoring: check complete",
		zap.Int("pending_reviews", snap.PendingReviews),
		zap.Int("dlq_depth", snap.DLQDepth),
		zap.Int("firing", len(alerts)),
	)
	if len(fresh) == 0 {
		return
	}
	sent := c.alerter.Dispatch(ctx, fresh)
	log.Info("monitoring: alerts dispatched", zap.Int("new", len(fresh)), zap.Int("delivered", sent))
}
