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

	"github.com/sells-group/eml-intake/internal/config"
	"github.com/sells-group/eml-intake/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertPipelineFailureRate AlertType = "pipeline_failure_rate"
	AlertStuckProcessing     AlertType = "stuck_processing"
	AlertDeadJobs            AlertType = "dead_jobs"
)

// minFinishedForRate is the fewest finished records a rate alert needs.
const minFinishedForRate = 5

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
	cfg     config.MonitoringConfig
	client  *http.Client
	breaker *resilience.CircuitBreaker
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	log := zap.L().With(zap.String("component", "monitoring.alerter"))
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: 3,
			ResetTimeout:     5 * time.Minute,
			OnStateChange: func(from, to resilience.CircuitState) {
				log.Warn("webhook circuit state change",
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Check pipeline failure rate.
	finished := snap.Finished()
	if finished >= minFinishedForRate && snap.FailureRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertPipelineFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Record failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailureRate*100, a.cfg.FailureRateThreshold*100,
				snap.RecordsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailureRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RecordsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	// Check records stuck in processing.
	if a.cfg.StuckThreshold > 0 && snap.StuckProcessing >= a.cfg.StuckThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertStuckProcessing,
			Severity: "medium",
			Message:  fmt.Sprintf("%d record(s) stuck in processing", snap.StuckProcessing),
			Details: map[string]any{
				"stuck":     snap.StuckProcessing,
				"threshold": a.cfg.StuckThreshold,
			},
			Timestamp: now,
		})
	}

	// Check dead queue jobs.
	if a.cfg.DeadJobThreshold > 0 && snap.DeadJobs >= a.cfg.DeadJobThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDeadJobs,
			Severity: "high",
			Message:  fmt.Sprintf("%d job(s) exhausted their retries", snap.DeadJobs),
			Details: map[string]any{
				"dead":      snap.DeadJobs,
				"threshold": a.cfg.DeadJobThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		err := a.breaker.Execute(ctx, func(ctx context.Context) error {
			return a.sendWebhook(ctx, alert)
		})
		if err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
