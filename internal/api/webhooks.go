package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/orderbridge/sheetsync/internal/models"
)

// Provider push-notification headers.
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerResourceID    = "X-Goog-Resource-ID"
	headerResourceState = "X-Goog-Resource-State"
	headerResourceURI   = "X-Goog-Resource-URI"
	headerChannelToken  = "X-Goog-Channel-Token"
	headerMessageNumber = "X-Goog-Message-Number"
	headerSignature     = "X-Webhook-Signature"
)

// handleWebhook is the production intake. It always answers 200 no matter
// what arrives: the provider retries on non-2xx and a retry storm from a
// malformed notification helps nobody. Classification happens inside the
// lifecycle manager.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	notification, rawPayload, signature := decodeNotification(r)
	s.webhooks.HandleWebhookNotification(r.Context(), notification, rawPayload, signature)
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// handleWebhookStrict is the validating variant for manual testing: missing
// lifecycle headers come back as 400 instead of being swallowed.
func (s *Server) handleWebhookStrict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	notification, rawPayload, signature := decodeNotification(r)
	if notification.ChannelID == "" {
		writeError(w, http.StatusBadRequest, headerChannelID+" is required")
		return
	}
	if notification.ResourceID == "" {
		writeError(w, http.StatusBadRequest, headerResourceID+" is required")
		return
	}
	if notification.ResourceState == "" {
		writeError(w, http.StatusBadRequest, headerResourceState+" is required")
		return
	}

	s.webhooks.HandleWebhookNotification(r.Context(), notification, rawPayload, signature)
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

func decodeNotification(r *http.Request) (models.WebhookNotification, []byte, string) {
	rawPayload, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))

	notification := models.WebhookNotification{
		ChannelID:     strings.TrimSpace(r.Header.Get(headerChannelID)),
		ResourceID:    strings.TrimSpace(r.Header.Get(headerResourceID)),
		ResourceState: strings.TrimSpace(r.Header.Get(headerResourceState)),
		ResourceURI:   strings.TrimSpace(r.Header.Get(headerResourceURI)),
		Token:         strings.TrimSpace(r.Header.Get(headerChannelToken)),
	}
	if raw := strings.TrimSpace(r.Header.Get(headerMessageNumber)); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			notification.MessageNumber = n
		}
	}

	// A JSON body may carry the same fields; headers win when both exist.
	if len(rawPayload) > 0 && notification.ChannelID == "" {
		var body models.WebhookNotification
		if err := json.Unmarshal(rawPayload, &body); err == nil {
			notification = body
		}
	}

	return notification, rawPayload, strings.TrimSpace(r.Header.Get(headerSignature))
}
