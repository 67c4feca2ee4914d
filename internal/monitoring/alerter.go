// Package monitoring sends run alerts to a webhook and watches run health.
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

	"github.com/sells-group/hmo-register/internal/config"
	"github.com/sells-group/hmo-register/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailed       AlertType = "run_failed"
	AlertVersionNotFound AlertType = "version_not_found"
	AlertFailureRate     AlertType = "failure_rate"
	AlertStaleSnapshot   AlertType = "stale_snapshot"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RunFailed builds the alert sent when a run aborts on a fatal error.
func RunFailed(runID, snapshotID string, err error, at time.Time) Alert {
	details := map[string]any{"run_id": runID}
	if snapshotID != "" {
		details["snapshot_id"] = snapshotID
	}
	return Alert{
		Type:      AlertRunFailed,
		Severity:  "high",
		Message:   fmt.Sprintf("HMO register run %s failed: %v", runID, err),
		Details:   details,
		Timestamp: at.UTC(),
	}
}

// VersionNotFound builds the alert sent when the landing page has no
// downloadable register.
func VersionNotFound(runID, landingURL string, at time.Time) Alert {
	return Alert{
		Type:     AlertVersionNotFound,
		Severity: "low",
		Message:  fmt.Sprintf("No register version found on %s", landingURL),
		Details: map[string]any{
			"run_id":      runID,
			"landing_url": landingURL,
		},
		Timestamp: at.UTC(),
	}
}

// Alerter evaluates run health against thresholds and delivers alerts via
// webhook. With no webhook configured it only logs.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("monitoring", "webhook")
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
	}
}

// Enabled reports whether a webhook is configured.
func (a *Alerter) Enabled() bool {
	return a.cfg.WebhookURL != ""
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *RunSnapshot) []Alert {
	var alerts []Alert

	finished := snap.Complete + snap.Failed
	if finished >= 3 && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %d runs)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.Failed, finished, snap.LookbackRuns,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.Failed,
				"finished":     finished,
			},
			Timestamp: snap.CollectedAt,
		})
	}

	if a.cfg.StaleAfterDays > 0 && snap.LastLoadedAt != nil {
		age := snap.CollectedAt.Sub(*snap.LastLoadedAt)
		if age > time.Duration(a.cfg.StaleAfterDays)*24*time.Hour {
			alerts = append(alerts, Alert{
				Type:     AlertStaleSnapshot,
				Severity: "medium",
				Message: fmt.Sprintf(
					"Latest snapshot %s was loaded %d days ago (threshold %d days)",
					snap.LastSnapshotID, int(age.Hours()/24), a.cfg.StaleAfterDays,
				),
				Details: map[string]any{
					"snapshot_id": snap.LastSnapshotID,
					"loaded_at":   snap.LastLoadedAt.Format(time.RFC3339),
				},
				Timestamp: snap.CollectedAt,
			})
		}
	}

	return alerts
}

// Send delivers one alert. It is a no-op without a webhook.
func (a *Alerter) Send(ctx context.Context, alert Alert) error {
	if !a.Enabled() {
		zap.L().Debug("monitoring: webhook not configured, alert dropped",
			zap.String("type", string(alert.Type)),
		)
		return nil
	}

	if err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
		return a.sendWebhook(ctx, alert)
	}); err != nil {
		return err
	}

	zap.L().Info("monitoring: alert sent",
		zap.String("type", string(alert.Type)),
		zap.String("severity", alert.Severity),
	)
	return nil
}

// SendAlerts delivers alerts and returns how many were sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if !a.Enabled() {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.Send(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
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
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
