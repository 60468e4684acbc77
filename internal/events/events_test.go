package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishNotifiesAllSubscribers(t *testing.T) {
	bus := NewEventBus()

	var first, second int
	bus.Subscribe(EventSyncCompleted, func(event *Event) error {
		first++
		return nil
	})
	bus.Subscribe(EventSyncCompleted, func(event *Event) error {
		second++
		return nil
	})
	bus.Subscribe(EventSyncFailed, func(event *Event) error {
		t.Fatal("wrong event type delivered")
		return nil
	})

	bus.Publish(&Event{Type: EventSyncCompleted})

	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
}

func TestPublishSetsCreatedAt(t *testing.T) {
	bus := NewEventBus()

	var got time.Time
	bus.Subscribe(EventRetryScheduled, func(event *Event) error {
		got = event.CreatedAt
		return nil
	})

	bus.Publish(&Event{Type: EventRetryScheduled})

	assert.WithinDuration(t, time.Now(), got, time.Second)
}

func TestPublishContinuesAfterHandlerError(t *testing.T) {
	bus := NewEventBus()

	var reached bool
	bus.Subscribe(EventWebhookExpired, func(event *Event) error {
		return errors.New("boom")
	})
	bus.Subscribe(EventWebhookExpired, func(event *Event) error {
		reached = true
		return nil
	})

	bus.Publish(&Event{Type: EventWebhookExpired})

	assert.True(t, reached)
}

func TestPublishJSON(t *testing.T) {
	bus := NewEventBus()

	var payload []byte
	bus.Subscribe(EventAlertRaised, func(event *Event) error {
		payload = event.Payload
		return nil
	})

	err := bus.PublishJSON(EventAlertRaised, map[string]string{"severity": "high"})
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "high", decoded["severity"])
}

func TestPublishJSONNilBus(t *testing.T) {
	var bus *EventBus

	assert.NoError(t, bus.PublishJSON(EventSyncStarted, struct{}{}))
}
