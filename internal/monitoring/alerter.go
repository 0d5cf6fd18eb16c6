// Package monitoring raises webhook alerts when an ingestion batch goes badly.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dispensary-deals/internal/config"
	"github.com/sells-group/dispensary-deals/internal/pipeline"
	"github.com/sells-group/dispensary-deals/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertBatchFailureRate AlertType = "batch_failure_rate"
	AlertNoDeals          AlertType = "no_deals_inserted"
	AlertProviderOpen     AlertType = "provider_circuit_open"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates batch results against configured thresholds and sends
// alerts via webhook when they are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	now    func() time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	if cfg.MinDispensaries <= 0 {
		cfg.MinDispensaries = 3
	}
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// Evaluate checks a batch summary and the provider breaker states against
// thresholds and returns any alerts.
func (a *Alerter) Evaluate(sum *pipeline.BatchSummary, breakers map[string]resilience.CircuitState) []Alert {
	var alerts []Alert
	now := a.now().UTC()

	finished := sum.Processed + sum.Failed
	if finished >= int64(a.cfg.MinDispensaries) && a.cfg.FailureRateThreshold > 0 {
		rate := float64(sum.Failed) / float64(finished)
		if rate > a.cfg.FailureRateThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertBatchFailureRate,
				Severity: "high",
				Message: fmt.Sprintf(
					"Batch failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
					rate*100, a.cfg.FailureRateThreshold*100, sum.Failed, finished,
				),
				Details: map[string]any{
					"failure_rate": rate,
					"threshold":    a.cfg.FailureRateThreshold,
					"failed":       sum.Failed,
					"finished":     finished,
					"dispensaries": failedDispensaries(sum),
				},
				Timestamp: now,
			})
		}
	}

	if sum.Processed >= int64(a.cfg.MinDispensaries) && sum.DealsInserted == 0 {
		alerts = append(alerts, Alert{
			Type:     AlertNoDeals,
			Severity: "medium",
			Message:  fmt.Sprintf("%d dispensaries processed but no deals were inserted", sum.Processed),
			Details: map[string]any{
				"processed": sum.Processed,
				"skipped":   sum.Skipped,
			},
			Timestamp: now,
		})
	}

	var open []string
	for name, state := range breakers {
		if state == resilience.CircuitOpen {
			open = append(open, name)
		}
	}
	if len(open) > 0 {
		sort.Strings(open)
		alerts = append(alerts, Alert{
			Type:      AlertProviderOpen,
			Severity:  "high",
			Message:   fmt.Sprintf("%d provider circuit(s) open after batch", len(open)),
			Details:   map[string]any{"providers": open},
			Timestamp: now,
		})
	}

	return alerts
}

func failedDispensaries(sum *pipeline.BatchSummary) []string {
	var out []string
	for _, o := range sum.Outcomes {
		if o.Status == pipeline.StatusFailed {
			out = append(out, o.Dispensary)
		}
	}
	return out
}

// Check evaluates a batch and sends any resulting alerts. It returns the
// number of alerts sent.
func (a *Alerter) Check(ctx context.Context, sum *pipeline.BatchSummary, breakers map[string]resilience.CircuitState) int {
	alerts := a.Evaluate(sum, breakers)
	for _, alert := range alerts {
		zap.L().Warn("monitoring: threshold breached",
			zap.String("type", string(alert.Type)),
			zap.String("message", alert.Message),
		)
	}
	return a.SendAlerts(ctx, alerts)
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
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
