package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/provider-qa/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertReviewRate    AlertType = "review_rate"
	AlertReviewBacklog AlertType = "review_backlog"
	AlertStaleRun      AlertType = "stale_run"
)

// minProcessedForRate keeps a handful of providers from tripping the
// review-rate alert.
const minProcessedForRate = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Share of processed providers left for a reviewer.
	if a.cfg.ReviewRateThreshold > 0 &&
		snap.ProvidersProcessed >= minProcessedForRate &&
		snap.ReviewRate > a.cfg.ReviewRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertReviewRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Review rate %.1f%% exceeds threshold %.1f%% (%d of %d providers in last %dh)",
				snap.ReviewRate*100, a.cfg.ReviewRateThreshold*100,
				snap.ProvidersReview, snap.ProvidersProcessed, snap.LookbackHours,
			),
			Details: map[string]any{
				"review_rate": snap.ReviewRate,
				"threshold":   a.cfg.ReviewRateThreshold,
				"review":      snap.ProvidersReview,
				"processed":   snap.ProvidersProcessed,
			},
			Timestamp: now,
		})
	}

	// Open issue backlog.
	if a.cfg.OpenIssuesThreshold > 0 && snap.OpenIssues > a.cfg.OpenIssuesThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertReviewBacklog,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d open issues exceed backlog threshold %d",
				snap.OpenIssues, a.cfg.OpenIssuesThreshold,
			),
			Details: map[string]any{
				"open_issues": snap.OpenIssues,
				"threshold":   a.cfg.OpenIssuesThreshold,
			},
			Timestamp: now,
		})
	}

	// Runs that never completed.
	if snap.RunsStale > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStaleRun,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d validation run(s) started more than %dm ago have not completed",
				snap.RunsStale, a.cfg.StaleRunMinutes,
			),
			Details: map[string]any{
				"stale_runs":      snap.RunsStale,
				"incomplete_runs": snap.RunsIncomplete,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// webhookPayload is the body posted to the webhook: every alert of one
// check in a single request.
type webhookPayload struct {
	Service string    `json:"service"`
	SentAt  time.Time `json:"sent_at"`
	Alerts  []Alert   `json:"alerts"`
}

// Notify posts alerts to the configured webhook in one request. It is a
// no-op without a webhook URL or alerts.
func (a *Alerter) Notify(ctx context.Context, alerts []Alert) error {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return nil
	}

	body, err := json.Marshal(webhookPayload{Service: "provider-qa", SentAt: time.Now().UTC(), Alerts: alerts})
	if err != nil {
		return eris.Wrap(err, "monitoring: encode alerts")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post alerts")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook answered %d", resp.StatusCode)
	}
	zap.L().Info("monitoring: alerts delivered", zap.Int("alerts", len(alerts)))
	return nil
}
