package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	syncOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sheetsync",
			Name:      "sync_operations_total",
			Help:      "Sync operations by trigger type and terminal status.",
		},
		[]string{"operation_type", "status"},
	)

	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sheetsync",
			Name:      "jobs_processed_total",
			Help:      "Queue jobs by queue name and outcome.",
		},
		[]string{"queue", "outcome"},
	)

	webhookNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sheetsync",
			Name:      "webhook_notifications_total",
			Help:      "Inbound push notifications by disposition.",
		},
		[]string{"disposition"},
	)

	alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sheetsync",
			Name:      "alerts_total",
			Help:      "Health alerts by type and severity.",
		},
		[]string{"type", "severity"},
	)

	ordersCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sheetsync",
			Name:      "orders_created_total",
			Help:      "Orders created from spreadsheet rows.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(syncOperations, jobsProcessed, webhookNotifications, alerts, ordersCreated)
	})
}

// IncSyncOperation counts a finished sync operation.
func IncSyncOperation(operationType, status string) {
	syncOperations.WithLabelValues(operationType, status).Inc()
}

// IncJob counts a processed queue job.
func IncJob(queue, outcome string) {
	jobsProcessed.WithLabelValues(queue, outcome).Inc()
}

// IncWebhookNotification counts an inbound notification by how it was
// handled: accepted, ignored, rejected, expired.
func IncWebhookNotification(disposition string) {
	webhookNotifications.WithLabelValues(disposition).Inc()
}

// IncAlert counts a raised health alert.
func IncAlert(alertType, severity string) {
	alerts.WithLabelValues(alertType, severity).Inc()
}

// AddOrdersCreated counts created orders.
func AddOrdersCreated(n int) {
	if n > 0 {
		ordersCreated.Add(float64(n))
	}
}
