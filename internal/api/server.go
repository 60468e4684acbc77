package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/orderbridge/sheetsync/internal/config"
	"github.com/orderbridge/sheetsync/internal/domain"
	"github.com/orderbridge/sheetsync/internal/models"
)

// SyncTracker is the status/history surface the admin API exposes.
type SyncTracker interface {
	GetSyncStatus(ctx context.Context, connectionID string) (*models.SyncStatus, error)
	GetSyncHistory(ctx context.Context, connectionID string, filter models.HistoryFilter) (*models.HistoryPage, error)
	GetSyncSummary(ctx context.Context, connectionID string) (*models.SyncSummary, error)
	GetSyncPerformanceMetrics(ctx context.Context, connectionID string, start, end time.Time) (*models.PerformanceMetrics, error)
	RetrySyncOperation(ctx context.Context, id string) (*models.SyncOperation, error)
}

// JobDispatcher is the queue surface the admin API exposes.
type JobDispatcher interface {
	domain.Dispatcher
	GetJobStatus(ctx context.Context, id string) (*models.JobStatus, error)
	RemoveJob(ctx context.Context, id string) error
	PauseQueue(queueName string)
	ResumeQueue(queueName string)
	IsPaused(queueName string) bool
	CleanQueue(ctx context.Context, queueName string, grace time.Duration) (int, error)
}

// WebhookManager is the subscription lifecycle surface, plus the inbound
// notification entry point.
type WebhookManager interface {
	SetupWebhookForSheet(ctx context.Context, connectionID, spreadsheetID string) (*models.WebhookSubscription, error)
	RemoveWebhookSubscription(ctx context.Context, subscriptionID string) error
	ListActiveSubscriptions(ctx context.Context) ([]models.WebhookSubscription, error)
	HandleWebhookNotification(ctx context.Context, notification models.WebhookNotification, rawPayload []byte, signature string)
}

// Server exposes webhook intake and the admin API over HTTP. Webhook,
// health and metrics endpoints are unauthenticated; everything under
// /api/v1/ goes through API-key auth and per-client rate limiting.
type Server struct {
	cfg      config.APIConfig
	tracker  SyncTracker
	jobs     JobDispatcher
	webhooks WebhookManager
	auth     *Auth
	log      zerolog.Logger
	server   *http.Server
}

func NewServer(cfg config.APIConfig, tracker SyncTracker, jobs JobDispatcher, webhooks WebhookManager, logger *zerolog.Logger) *Server {
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "api").Logger()
	}

	srv := &Server{
		cfg:      cfg,
		tracker:  tracker,
		jobs:     jobs,
		webhooks: webhooks,
		auth:     NewAuth(cfg),
		log:      log,
	}

	admin := http.NewServeMux()
	admin.HandleFunc("/api/v1/sync/trigger", srv.handleSyncTrigger)
	admin.HandleFunc("/api/v1/sync/status", srv.handleSyncStatus)
	admin.HandleFunc("/api/v1/sync/history", srv.handleSyncHistory)
	admin.HandleFunc("/api/v1/sync/summary", srv.handleSyncSummary)
	admin.HandleFunc("/api/v1/sync/performance", srv.handleSyncPerformance)
	admin.HandleFunc("/api/v1/sync/operations/", srv.handleOperationRetry)
	admin.HandleFunc("/api/v1/jobs/", srv.handleJob)
	admin.HandleFunc("/api/v1/queues/", srv.handleQueue)
	admin.HandleFunc("/api/v1/subscriptions", srv.handleSubscriptions)
	admin.HandleFunc("/api/v1/subscriptions/", srv.handleSubscriptionRemove)

	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/sheets", srv.handleWebhook)
	mux.HandleFunc("/webhooks/sheets/strict", srv.handleWebhookStrict)
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/v1/", srv.auth.Wrap(admin))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return srv
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http api listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
