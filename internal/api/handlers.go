package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/orderbridge/sheetsync/internal/domain"
	"github.com/orderbridge/sheetsync/internal/models"
)

func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	type request struct {
		ConnectionID  string `json:"connection_id"`
		SpreadsheetID string `json:"spreadsheet_id"`
		ForceResync   bool   `json:"force_resync"`
	}
	var body request
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.ConnectionID == "" || body.SpreadsheetID == "" {
		writeError(w, http.StatusBadRequest, "connection_id and spreadsheet_id are required")
		return
	}

	jobID, err := s.jobs.AddOrderSyncJob(r.Context(), models.OrderSyncPayload{
		ConnectionID:  body.ConnectionID,
		SpreadsheetID: body.SpreadsheetID,
		TriggeredBy:   models.TriggerManual,
		ForceResync:   body.ForceResync,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	connectionID, ok := s.requireConnectionID(w, r)
	if !ok {
		return
	}

	status, err := s.tracker.GetSyncStatus(r.Context(), connectionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSyncHistory(w http.ResponseWriter, r *http.Request) {
	connectionID, ok := s.requireConnectionID(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	filter := models.HistoryFilter{
		Status:        strings.TrimSpace(query.Get("status")),
		OperationType: strings.TrimSpace(query.Get("type")),
		SpreadsheetID: strings.TrimSpace(query.Get("spreadsheet_id")),
	}
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if raw := query.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must not be negative")
			return
		}
		filter.Offset = n
	}

	page, err := s.tracker.GetSyncHistory(r.Context(), connectionID, filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleSyncSummary(w http.ResponseWriter, r *http.Request) {
	connectionID, ok := s.requireConnectionID(w, r)
	if !ok {
		return
	}

	summary, err := s.tracker.GetSyncSummary(r.Context(), connectionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSyncPerformance(w http.ResponseWriter, r *http.Request) {
	connectionID, ok := s.requireConnectionID(w, r)
	if !ok {
		return
	}

	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}

	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)
	perf, err := s.tracker.GetSyncPerformanceMetrics(r.Context(), connectionID, start, end)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, perf)
}

// handleOperationRetry serves POST /api/v1/sync/operations/{id}/retry. The
// retry record is created first, then a manual-priority job referencing it.
func (s *Server) handleOperationRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sync/operations/")
	operationID, action, found := strings.Cut(rest, "/")
	if !found || action != "retry" || operationID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	op, err := s.tracker.RetrySyncOperation(r.Context(), operationID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	jobID, err := s.jobs.AddOrderSyncJob(r.Context(), models.OrderSyncPayload{
		ConnectionID:  op.ConnectionID,
		SpreadsheetID: op.SpreadsheetID,
		TriggeredBy:   models.TriggerManual,
		OperationID:   op.ID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"operation": op,
		"job_id":    jobID,
	})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	if jobID == "" || strings.Contains(jobID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		status, err := s.jobs.GetJobStatus(r.Context(), jobID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	case http.MethodDelete:
		if err := s.jobs.RemoveJob(r.Context(), jobID); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/queues/")
	queueName, action, _ := strings.Cut(rest, "/")
	if !isKnownQueue(queueName) {
		writeError(w, http.StatusNotFound, "unknown queue")
		return
	}

	if r.Method == http.MethodGet && action == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"queue":  queueName,
			"paused": s.jobs.IsPaused(queueName),
		})
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch action {
	case "pause":
		s.jobs.PauseQueue(queueName)
		writeJSON(w, http.StatusOK, map[string]any{"queue": queueName, "paused": true})
	case "resume":
		s.jobs.ResumeQueue(queueName)
		writeJSON(w, http.StatusOK, map[string]any{"queue": queueName, "paused": false})
	case "clean":
		grace := 24 * time.Hour
		if raw := r.URL.Query().Get("grace"); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil || parsed < 0 {
				writeError(w, http.StatusBadRequest, "grace must be a duration like 24h")
				return
			}
			grace = parsed
		}
		removed, err := s.jobs.CleanQueue(r.Context(), queueName, grace)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queue": queueName, "removed": removed})
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		subs, err := s.webhooks.ListActiveSubscriptions(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if subs == nil {
			subs = []models.WebhookSubscription{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
	case http.MethodPost:
		s.handleSubscriptionSetup(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSubscriptionSetup(w http.ResponseWriter, r *http.Request) {
	type request struct {
		ConnectionID  string `json:"connection_id"`
		SpreadsheetID string `json:"spreadsheet_id"`
	}
	var body request
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sub, err := s.webhooks.SetupWebhookForSheet(r.Context(), body.ConnectionID, body.SpreadsheetID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleSubscriptionRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	subscriptionID := strings.TrimPrefix(r.URL.Path, "/api/v1/subscriptions/")
	if subscriptionID == "" || strings.Contains(subscriptionID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if err := s.webhooks.RemoveWebhookSubscription(r.Context(), subscriptionID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) requireConnectionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return "", false
	}
	connectionID := strings.TrimSpace(r.URL.Query().Get("connection_id"))
	if connectionID == "" {
		writeError(w, http.StatusBadRequest, "connection_id is required")
		return "", false
	}
	return connectionID, true
}

func isKnownQueue(name string) bool {
	switch name {
	case models.QueueOrderSync, models.QueueWebhookRenewal, models.QueueSyncRetry, models.QueuePolling:
		return true
	}
	return false
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrStateConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
