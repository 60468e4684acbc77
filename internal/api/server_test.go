package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderbridge/sheetsync/internal/config"
	"github.com/orderbridge/sheetsync/internal/database"
	"github.com/orderbridge/sheetsync/internal/models"
	"github.com/orderbridge/sheetsync/internal/queue"
	"github.com/orderbridge/sheetsync/internal/tracker"
)

type fakeWebhooks struct {
	notifications []models.WebhookNotification
	signatures    []string
	setupSub      *models.WebhookSubscription
	setupErr      error
	removed       []string
	removeErr     error
	active        []models.WebhookSubscription
}

func (f *fakeWebhooks) SetupWebhookForSheet(ctx context.Context, connectionID, spreadsheetID string) (*models.WebhookSubscription, error) {
	if f.setupErr != nil {
		return nil, f.setupErr
	}
	return f.setupSub, nil
}

func (f *fakeWebhooks) RemoveWebhookSubscription(ctx context.Context, subscriptionID string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, subscriptionID)
	return nil
}

func (f *fakeWebhooks) ListActiveSubscriptions(ctx context.Context) ([]models.WebhookSubscription, error) {
	return f.active, nil
}

func (f *fakeWebhooks) HandleWebhookNotification(ctx context.Context, notification models.WebhookNotification, rawPayload []byte, signature string) {
	f.notifications = append(f.notifications, notification)
	f.signatures = append(f.signatures, signature)
}

type testEnv struct {
	server   *Server
	db       *database.DB
	jobs     *queue.Dispatcher
	webhooks *fakeWebhooks
}

func newTestServer(t *testing.T, cfg config.APIConfig) *testEnv {
	t.Helper()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	db, err := database.NewDB(filepath.Join(t.TempDir(), "api.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	jobs := queue.NewDispatcher(db, nil, 3, &logger)
	track := tracker.New(db, &logger)
	webhooks := &fakeWebhooks{}

	return &testEnv{
		server:   NewServer(cfg, track, jobs, webhooks, &logger),
		db:       db,
		jobs:     jobs,
		webhooks: webhooks,
	}
}

func (e *testEnv) do(t *testing.T, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func createFailedOperation(t *testing.T, db *database.DB) *models.SyncOperation {
	t.Helper()
	started := time.Now().Add(-time.Hour)
	done := started.Add(time.Minute)
	op := &models.SyncOperation{
		ID:            uuid.NewString(),
		ConnectionID:  "conn-1",
		SpreadsheetID: "sheet-1",
		OperationType: models.TriggerWebhook,
		Status:        models.OperationFailed,
		ErrorCount:    1,
		StartedAt:     started,
		CompletedAt:   &done,
	}
	require.NoError(t, db.CreateOperation(context.Background(), op))
	return op
}

func TestWebhookEndpointAlwaysAnswersOK(t *testing.T) {
	env := newTestServer(t, config.APIConfig{})

	// No headers at all: still 200, the manager classifies and drops it.
	rec := env.do(t, http.MethodPost, "/webhooks/sheets", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.webhooks.notifications, 1)
}

func TestWebhookEndpointPassesHeaders(t *testing.T) {
	env := newTestServer(t, config.APIConfig{})

	rec := env.do(t, http.MethodPost, "/webhooks/sheets", nil, map[string]string{
		headerChannelID:     "chan-1",
		headerResourceID:    "res-1",
		headerResourceState: models.ResourceStateUpdate,
		headerChannelToken:  "token-1",
		headerMessageNumber: "17",
		headerSignature:     "deadbeef",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, env.webhooks.notifications, 1)
	n := env.webhooks.notifications[0]
	assert.Equal(t, "chan-1", n.ChannelID)
	assert.Equal(t, "res-1", n.ResourceID)
	assert.Equal(t, models.ResourceStateUpdate, n.ResourceState)
	assert.Equal(t, "token-1", n.Token)
	assert.Equal(t, int64(17), n.MessageNumber)
	assert.Equal(t, "deadbeef", env.webhooks.signatures[0])
}

func TestWebhookEndpointRejectsGet(t *testing.T) {
	env := newTestServer(t, config.APIConfig{})
	rec := env.do(t, http.MethodGet, "/webhooks/sheets", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookStrictRequiresHeaders(t *testing.T) {
	env := newTestServer(t, config.APIConfig{})

	rec := env.do(t, http.MethodPost, "/webhooks/sheets/strict", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.webhooks.notifications)

	rec = env.do(t, http.MethodPost, "/webhooks/sheets/strict", nil, map[string]string{
		headerChannelID:     "chan-1",
		headerResourceID:    "res-1",
		headerResourceState: models.ResourceStateUpdate,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, env.webhooks.notifications, 1)
}

func TestSyncTrigger(t *testing.T) {
	env := newTestServer(t, config.APIConfig{})

	rec := env.do(t, http.MethodPost, "/api/v1/sync/trigger", map[string]any{
		"connection_id":  "conn-1",
		"spreadsheet_id": "sheet-1",
		"force_resync":   true,
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	jobID, _ := decodeBody(t, rec)["job_id"].(string)
	require.NotEmpty(t, jobID)

	status, err := env.jobs.GetJobStatus(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueOrderSync, status.Queue)
	assert.Equal(t, models.JobWaiting, status.Status)
}

func TestSyncTriggerValidation(t *testing.T) {
	env := newTestServer(t, config.APIConfig{})

	rec := env.do(t, http.MethodPost, "/api/v1/sync/trigger", map[string]any{
		"connection_id": "conn-1",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncStatusRequiresConnectionID(t *testing.T) {
	env := newTestServer(t, config.APIConfig{})
	rec := env.do(t, http.MethodGet, "/api/v1/sync/status", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncStatusAndHistory(t *testing.T) {
	env := newTestServer(t, config.APIConfig{})
	createFailedOperation(t, env.db)

	rec := env.do(t, http.MethodGet, "/api/v1/sync/status?connection_id=conn-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Contains(t, body, "last_sync")
	require.Contains(t, body, "summary")

	rec = env.do(t, http.MethodGet, "/api/v1/sync/history?connection_id=conn-1&limit=10", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody(t, rec)
	assert.EqualValues(t, 1, history["total_count"])

	rec = env.do(t, http.MethodGet, "/api/v1/sync/history?connection_id=conn-1&limit=nope", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/sync/summary?connection_id=conn-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/sync/performance?connection_id=conn-1&hours=48", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestOperationRetry(t *testing.T) {
	env := newTestServer(t, config.APIConfig{})
	op := createFailedOperation(t, env.db)

	rec := env.do(t, http.MethodPost, "/api/v1/sync/operations/"+op.ID+"/retry", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody(t, rec)
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)

	status, err := env.jobs.GetJobStatus(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueOrderSync, status.Queue)
}

func TestOperationRetryOnlyFailed(t *testing.T) {
	env := newTestServer(t, config.APIConfig{})
	op := createFailedOperation(t, env.db)
	op.ID = uuid.NewString()
	op.Status = models.OperationCompleted

	require.NoError(t, env.db.CreateOperation(context.Background(), op))

	rec := env.do(t, http.MethodPost, "/api/v1/sync/operations/"+op.ID+"/retry", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/sync/operations/absent/retry", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobStatusAndRemoval(t *testing.T) {
	env := newTestServer(t, config.APIConfig{})

	jobID, err := env.jobs.AddOrderSyncJob(context.Background(), models.OrderSyncPayload{
		ConnectionID:  "conn-1",
		SpreadsheetID: "sheet-1",
		TriggeredBy:   models.TriggerManual,
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/jobs/"+jobID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueControls(t *testing.T) {
	env := newTestServer(t, config.APIConfig{})

	rec := env.do(t, http.MethodPost, "/api/v1/queues/"+models.QueueOrderSync+"/pause", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.jobs.IsPaused(models.QueueOrderSync))

	rec = env.do(t, http.MethodGet, "/api/v1/queues/"+models.QueueOrderSync, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["paused"])

	rec = env.do(t, http.MethodPost, "/api/v1/queues/"+models.QueueOrderSync+"/resume", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.jobs.IsPaused(models.QueueOrderSync))

	rec = env.do(t, http.MethodPost, "/api/v1/queues/"+models.QueueOrderSync+"/clean?grace=1h", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/queues/unknown/pause", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscriptionEndpoints(t *testing.T) {
	env := newTestServer(t, config.APIConfig{})
	env.webhooks.setupSub = &models.WebhookSubscription{
		ID:            "sub-1",
		ConnectionID:  "conn-1",
		SpreadsheetID: "sheet-1",
		IsActive:      true,
	}

	rec := env.do(t, http.MethodPost, "/api/v1/subscriptions", map[string]any{
		"connection_id":  "conn-1",
		"spreadsheet_id": "sheet-1",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "sub-1", decodeBody(t, rec)["id"])

	env.webhooks.active = []models.WebhookSubscription{*env.webhooks.setupSub}
	rec = env.do(t, http.MethodGet, "/api/v1/subscriptions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed, ok := decodeBody(t, rec)["subscriptions"].([]any)
	require.True(t, ok)
	require.Len(t, listed, 1)

	rec = env.do(t, http.MethodDelete, "/api/v1/subscriptions/sub-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"sub-1"}, env.webhooks.removed)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestServer(t, config.APIConfig{})
	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func authConfig() config.APIConfig {
	return config.APIConfig{
		Auth: config.APIAuthConfig{
			Enabled:      true,
			HeaderAPIKey: "x-api-key",
			APIKeys: []config.APIClientKey{
				{Key: "admin-key", Name: "admin"},
				{Key: "reader-key", Name: "reader", Permissions: []string{permReadSync}},
			},
		},
	}
}

func TestAuthRejectsMissingKey(t *testing.T) {
	env := newTestServer(t, authConfig())

	rec := env.do(t, http.MethodGet, "/api/v1/sync/status?connection_id=conn-1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/sync/status?connection_id=conn-1", nil, map[string]string{
		"x-api-key": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthChecksPermissions(t *testing.T) {
	env := newTestServer(t, authConfig())

	rec := env.do(t, http.MethodGet, "/api/v1/sync/status?connection_id=conn-1", nil, map[string]string{
		"x-api-key": "reader-key",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/queues/"+models.QueueOrderSync+"/pause", nil, map[string]string{
		"x-api-key": "reader-key",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Empty permission list allows everything.
	rec = env.do(t, http.MethodPost, "/api/v1/queues/"+models.QueueOrderSync+"/pause", nil, map[string]string{
		"x-api-key": "admin-key",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthSkipsWebhooksAndHealth(t *testing.T) {
	env := newTestServer(t, authConfig())

	rec := env.do(t, http.MethodPost, "/webhooks/sheets", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitPerClient(t *testing.T) {
	cfg := authConfig()
	cfg.RateLimit = config.APIRateLimitConfig{RPS: 0.001, Burst: 1}
	env := newTestServer(t, cfg)

	headers := map[string]string{"x-api-key": "reader-key"}
	rec := env.do(t, http.MethodGet, "/api/v1/sync/status?connection_id=conn-1", nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/sync/status?connection_id=conn-1", nil, headers)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// A different client has its own bucket.
	rec = env.do(t, http.MethodGet, "/api/v1/sync/status?connection_id=conn-1", nil, map[string]string{
		"x-api-key": "admin-key",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}
