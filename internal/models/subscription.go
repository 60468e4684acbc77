package models

import "time"

// WebhookSubscription is a time-bounded registration with the spreadsheet
// provider to receive change notifications for one watched file. At most one
// active subscription exists per (connectionID, spreadsheetID); renewal
// creates a new row because the provider has no in-place renew primitive.
type WebhookSubscription struct {
	ID                 string    `json:"id"`
	ConnectionID       string    `json:"connection_id"`
	SpreadsheetID      string    `json:"spreadsheet_id"`
	ExternalChannelID  string    `json:"external_channel_id"`
	ExternalResourceID string    `json:"external_resource_id"`
	Token              string    `json:"-"`
	Expiration         time.Time `json:"expiration"`
	IsActive           bool      `json:"is_active"`
	CreatedAt          time.Time `json:"created_at"`
}

// Expired reports whether the provider-side channel lifetime has passed.
func (s *WebhookSubscription) Expired(now time.Time) bool {
	return !s.Expiration.After(now)
}

// WebhookNotification is the decoded form of a provider push message.
type WebhookNotification struct {
	ChannelID     string `json:"channel_id"`
	ResourceID    string `json:"resource_id"`
	ResourceState string `json:"resource_state"`
	ResourceURI   string `json:"resource_uri,omitempty"`
	Token         string `json:"token,omitempty"`
	MessageNumber int64  `json:"message_number,omitempty"`
}
