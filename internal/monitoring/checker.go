// Package monitoring watches the review workload produced by validation
// runs and raises webhook alerts when it backs up.
package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/provider-qa/internal/config"
)

// Checker evaluates the review workload on an interval.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{collector: collector, alerter: alerter, cfg: cfg}
}

// Run checks once immediately and then on every tick until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	every := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if every <= 0 {
		every = 5 * time.Minute
	}
	log := zap.L().Named("monitoring").With(zap.Duration("every", every))
	log.Info("review monitor started", zap.Int("lookback_hours", c.cfg.LookbackWindowHours))

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for ctx.Err() == nil {
		c.Check(ctx, log)
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
	log.Info("review monitor stopped")
}

// Check collects one snapshot and delivers the alerts it raises.
func (c *Checker) Check(ctx context.Context, log *zap.Logger) []Alert {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("collect review metrics", zap.Error(err))
		return nil
	}
	alerts := c.alerter.Evaluate(snap)
	log.Debug("review metrics collected",
		zap.Int("open_issues", snap.OpenIssues),
		zap.Float64("review_rate", snap.ReviewRate),
		zap.Int("alerts", len(alerts)),
	)
	if err := c.alerter.Notify(ctx, alerts); err != nil {
		log.Error("deliver alerts", zap.Error(err))
	}
	return alerts
}
