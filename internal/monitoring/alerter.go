package monitoring

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/inbox-cli/internal/config"
	"github.com/sells-group/inbox-cli/internal/model"
)

// AlertType identifies the condition an alert reports.
type AlertType string

// Alert types.
const (
	AlertRunFailureRate AlertType = "run_failure_rate"
	AlertReviewBacklog  AlertType = "review_backlog"
	AlertKillSwitch     AlertType = "kill_switch_engaged"
)

// Below this many finished runs the failure rate is noise.
const minFinishedRuns = 5

// Alert is one breached condition.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type rule func(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool)

var rules = []rule{failureRateRule, backlogRule, killSwitchRule}

func failureRateRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	finished := snap.RunsComplete + snap.RunsFailed
	if finished < minFinishedRuns || snap.RunFailRate <= cfg.FailureRateThreshold {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertRunFailureRate,
		Severity: "high",
		Message: fmt.Sprintf("Ingestion failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
			snap.RunFailRate*100, cfg.FailureRateThreshold*100, snap.RunsFailed, finished, snap.LookbackHours),
		Details: map[string]any{
			"failure_rate": snap.RunFailRate,
			"threshold":    cfg.FailureRateThreshold,
			"failed":       snap.RunsFailed,
			"finished":     finished,
		},
	}, true
}

func backlogRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	if cfg.BacklogThreshold <= 0 || snap.PendingReviews <= cfg.BacklogThreshold {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertReviewBacklog,
		Severity: "medium",
		Message:  fmt.Sprintf("%d reviews pending, threshold %d", snap.PendingReviews, cfg.BacklogThreshold),
		Details:  map[string]any{"pending": snap.PendingReviews, "threshold": cfg.BacklogThreshold},
	}, true
}

func killSwitchRule(_ config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	if snap.KillSwitch != model.FlagActive {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertKillSwitch,
		Severity: "high",
		Message:  "Global kill switch is engaged; all outbound sends are blocked",
	}, true
}

// Alerter turns snapshots into alerts and hands them to its sinks.
type Alerter struct {
	cfg   config.MonitoringConfig
	sinks []Sink
}

// NewAlerter creates an Alerter. With no sinks alerts are only evaluated.
func NewAlerter(cfg config.MonitoringConfig, sinks ...Sink) *Alerter {
	return &Alerter{cfg: cfg, sinks: sinks}
}

// Evaluate returns the alerts snap breaches, stamped with its collection time.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	at := snap.CollectedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	alerts := []Alert{}
	for _, r := range rules {
		if alert, ok := r(a.cfg, snap); ok {
			alert.Timestamp = at
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

// Dispatch sends every alert to every sink and returns how many alerts
// reached at least one sink.
func (a *Alerter) Dispatch(ctx context.Context, alerts []Alert) int {
	delivered := 0
	for _, alert := range alerts {
		ok := false
		for _, s := range a.sinks {
			if err := s.Send(ctx, alert); err != nil {
				zap.L().Error("monitoring: alert delivery failed",
					zap.String("type", string(alert.Type)),
					zap.String("sink", s.Name()),
					zap.Error(err),
				)
				continue
			}
			ok = true
		}
		if ok {
			delivered++
		}
	}
	return delivered
}
