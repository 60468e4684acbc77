package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/orderbridge/sheetsync/internal/domain"
	"github.com/orderbridge/sheetsync/internal/events"
	"github.com/orderbridge/sheetsync/internal/metrics"
	"github.com/orderbridge/sheetsync/internal/models"
)

const (
	minErrorRateSamples  = 5
	minRecentSamples     = 3
	minBaselineSamples   = 5
	errorRateHigh        = 0.20
	errorRateCritical    = 0.50
	slowdownMedium       = 0.50
	slowdownHigh         = 1.00
	webhookFailuresHigh  = 3
	webhookFailuresCrit  = 5
	recentWindow         = 24 * time.Hour
	baselineWindow       = 7 * 24 * time.Hour
	webhookFailureWindow = time.Hour
)

// Monitor periodically scans recent sync history and raises classified
// alerts. It only detects; whoever subscribes to the alert events owns
// delivery. None of the checks ever touch a running job.
type Monitor struct {
	operations domain.OperationStore
	alerts     domain.AlertStore
	events     domain.EventPublisher
	log        zerolog.Logger
	now        func() time.Time

	interval       time.Duration
	stuckThreshold time.Duration
}

func New(operations domain.OperationStore, alerts domain.AlertStore, bus domain.EventPublisher, interval, stuckThreshold time.Duration, logger *zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if stuckThreshold <= 0 {
		stuckThreshold = 30 * time.Minute
	}
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "monitor").Logger()
	}
	return &Monitor{
		operations:     operations,
		alerts:         alerts,
		events:         bus,
		log:            log,
		now:            time.Now,
		interval:       interval,
		stuckThreshold: stuckThreshold,
	}
}

// SetClock overrides the time source. Tests only.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Run executes the checks on a fixed schedule until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RunChecks(ctx); err != nil {
				m.log.Error().Err(err).Msg("health checks failed")
			}
		}
	}
}

type check struct {
	name string
	run  func(ctx context.Context) ([]models.Alert, error)
}

// RunChecks executes the four health checks once and raises every alert
// found. A failing check never blocks the others.
func (m *Monitor) RunChecks(ctx context.Context) ([]models.Alert, error) {
	checks := []check{
		{"stuck_operations", m.checkStuckOperations},
		{"error_rates", m.checkErrorRates},
		{"performance_degradation", m.checkPerformanceDegradation},
		{"webhook_failures", m.checkWebhookFailures},
	}

	var all []models.Alert
	var firstErr error
	for _, c := range checks {
		alerts, err := c.run(ctx)
		if err != nil {
			m.log.Error().Err(err).Str("check", c.name).Msg("health check failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", c.name, err)
			}
			continue
		}
		// Stamp before raising so the persisted, published and returned
		// records all carry the same timestamp.
		for i := range alerts {
			if alerts[i].Timestamp.IsZero() {
				alerts[i].Timestamp = m.now()
			}
			m.raise(ctx, alerts[i])
		}
		all = append(all, alerts...)
	}
	return all, firstErr
}

func (m *Monitor) raise(ctx context.Context, alert models.Alert) {
	metrics.IncAlert(alert.Type, alert.Severity)
	if m.alerts != nil {
		if err := m.alerts.CreateAlert(ctx, &alert); err != nil {
			m.log.Warn().Err(err).Msg("alert persist failed")
		}
	}
	if m.events != nil {
		if err := m.events.PublishJSON(events.EventAlertRaised, alert); err != nil {
			m.log.Warn().Err(err).Msg("alert publish failed")
		}
	}
	m.log.Warn().
		Str("alert_type", alert.Type).
		Str("severity", alert.Severity).
		Str("connection_id", alert.ConnectionID).
		Str("message", alert.Message).
		Msg("alert raised")
}

// checkStuckOperations flags non-terminal operations older than the stuck
// threshold. Observational only: nothing is killed.
func (m *Monitor) checkStuckOperations(ctx context.Context) ([]models.Alert, error) {
	cutoff := m.now().Add(-m.stuckThreshold)
	stuck, err := m.operations.StuckOperations(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	alerts := make([]models.Alert, 0, len(stuck))
	for _, op := range stuck {
		age := m.now().Sub(op.StartedAt)
		alerts = append(alerts, models.Alert{
			Type:          models.AlertStuckOperation,
			Severity:      models.SeverityHigh,
			ConnectionID:  op.ConnectionID,
			SpreadsheetID: op.SpreadsheetID,
			Message:       fmt.Sprintf("sync operation %s stuck in %s for %s", op.ID, op.Status, age.Round(time.Minute)),
			Details: map[string]any{
				"operation_id": op.ID,
				"status":       op.Status,
				"started_at":   op.StartedAt,
			},
		})
	}
	return alerts, nil
}

// checkErrorRates flags connections whose failure share over the last 24h
// crosses the thresholds, given enough samples.
func (m *Monitor) checkErrorRates(ctx context.Context) ([]models.Alert, error) {
	now := m.now()
	conns, err := m.operations.ConnectionsWithRecentOperations(ctx, now.Add(-recentWindow))
	if err != nil {
		return nil, err
	}

	var alerts []models.Alert
	for _, connectionID := range conns {
		ops, err := m.operations.OperationsInRange(ctx, connectionID, now.Add(-recentWindow), now)
		if err != nil {
			return nil, err
		}
		if len(ops) < minErrorRateSamples {
			continue
		}

		var failed int
		for _, op := range ops {
			if op.Status == models.OperationFailed {
				failed++
			}
		}
		rate := float64(failed) / float64(len(ops))
		if rate <= errorRateHigh {
			continue
		}

		severity := models.SeverityHigh
		if rate > errorRateCritical {
			severity = models.SeverityCritical
		}
		alerts = append(alerts, models.Alert{
			Type:          models.AlertHighErrorRate,
			Severity:      severity,
			ConnectionID:  connectionID,
			SpreadsheetID: ops[0].SpreadsheetID,
			Message:       fmt.Sprintf("%.0f%% of syncs failed in the last 24h (%d of %d)", rate*100, failed, len(ops)),
			Details: map[string]any{
				"failed": failed,
				"total":  len(ops),
			},
		})
	}
	return alerts, nil
}

// checkPerformanceDegradation compares the mean duration of the last 24h of
// completed syncs against the prior 7-day baseline.
func (m *Monitor) checkPerformanceDegradation(ctx context.Context) ([]models.Alert, error) {
	now := m.now()
	conns, err := m.operations.ConnectionsWithRecentOperations(ctx, now.Add(-recentWindow))
	if err != nil {
		return nil, err
	}

	var alerts []models.Alert
	for _, connectionID := range conns {
		recent, err := m.completedDurations(ctx, connectionID, now.Add(-recentWindow), now)
		if err != nil {
			return nil, err
		}
		baseline, err := m.completedDurations(ctx, connectionID, now.Add(-recentWindow-baselineWindow), now.Add(-recentWindow))
		if err != nil {
			return nil, err
		}
		if len(recent) < minRecentSamples || len(baseline) < minBaselineSamples {
			continue
		}

		recentMean := meanDuration(recent)
		baselineMean := meanDuration(baseline)
		if baselineMean <= 0 {
			continue
		}

		slowdown := float64(recentMean-baselineMean) / float64(baselineMean)
		if slowdown <= slowdownMedium {
			continue
		}

		severity := models.SeverityMedium
		if slowdown > slowdownHigh {
			severity = models.SeverityHigh
		}
		alerts = append(alerts, models.Alert{
			Type:         models.AlertPerformanceDegradation,
			Severity:     severity,
			ConnectionID: connectionID,
			Message: fmt.Sprintf("syncs are %.0f%% slower than the 7-day baseline (%s vs %s)",
				slowdown*100, recentMean.Round(time.Millisecond), baselineMean.Round(time.Millisecond)),
			Details: map[string]any{
				"recent_mean_ms":   recentMean.Milliseconds(),
				"baseline_mean_ms": baselineMean.Milliseconds(),
				"recent_samples":   len(recent),
				"baseline_samples": len(baseline),
			},
		})
	}
	return alerts, nil
}

// checkWebhookFailures flags connections with clustered webhook-triggered
// failures in the last hour.
func (m *Monitor) checkWebhookFailures(ctx context.Context) ([]models.Alert, error) {
	now := m.now()
	conns, err := m.operations.ConnectionsWithRecentOperations(ctx, now.Add(-recentWindow))
	if err != nil {
		return nil, err
	}

	var alerts []models.Alert
	for _, connectionID := range conns {
		failures, err := m.operations.CountFailedWebhookOperations(ctx, connectionID, now.Add(-webhookFailureWindow))
		if err != nil {
			return nil, err
		}
		if failures < webhookFailuresHigh {
			continue
		}

		severity := models.SeverityHigh
		if failures >= webhookFailuresCrit {
			severity = models.SeverityCritical
		}
		alerts = append(alerts, models.Alert{
			Type:         models.AlertWebhookFailures,
			Severity:     severity,
			ConnectionID: connectionID,
			Message:      fmt.Sprintf("%d webhook-triggered syncs failed in the last hour", failures),
			Details: map[string]any{
				"failures": failures,
			},
		})
	}
	return alerts, nil
}

func (m *Monitor) completedDurations(ctx context.Context, connectionID string, start, end time.Time) ([]time.Duration, error) {
	ops, err := m.operations.OperationsInRange(ctx, connectionID, start, end)
	if err != nil {
		return nil, err
	}
	var durations []time.Duration
	for _, op := range ops {
		if op.Status == models.OperationCompleted && op.CompletedAt != nil {
			durations = append(durations, op.Duration())
		}
	}
	return durations, nil
}

func meanDuration(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	return total / time.Duration(len(durations))
}
