package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orderbridge/sheetsync/internal/domain"
	"github.com/orderbridge/sheetsync/internal/events"
	"github.com/orderbridge/sheetsync/internal/metrics"
	"github.com/orderbridge/sheetsync/internal/models"
)

// Manager owns the push-notification subscription lifecycle. A subscription
// moves from active to inactive on removal or observed expiry and never
// back: renewal replaces the row because the provider cannot extend a
// channel in place.
type Manager struct {
	subs        domain.SubscriptionStore
	connections domain.ConnectionStore
	gateway     domain.SpreadsheetGateway
	dispatcher  domain.Dispatcher
	events      domain.EventPublisher
	log         zerolog.Logger
	now         func() time.Time

	secret          string
	callbackAddress string
	renewalWindow   time.Duration
	sweepInterval   time.Duration
}

type Options struct {
	Secret          string
	CallbackAddress string
	RenewalWindow   time.Duration
	SweepInterval   time.Duration
}

func NewManager(
	subs domain.SubscriptionStore,
	connections domain.ConnectionStore,
	gateway domain.SpreadsheetGateway,
	dispatcher domain.Dispatcher,
	bus domain.EventPublisher,
	opts Options,
	logger *zerolog.Logger,
) *Manager {
	if opts.RenewalWindow <= 0 {
		opts.RenewalWindow = 2 * time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Minute
	}
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "webhook_manager").Logger()
	}
	return &Manager{
		subs:            subs,
		connections:     connections,
		gateway:         gateway,
		dispatcher:      dispatcher,
		events:          bus,
		log:             log,
		now:             time.Now,
		secret:          opts.Secret,
		callbackAddress: opts.CallbackAddress,
		renewalWindow:   opts.RenewalWindow,
		sweepInterval:   opts.SweepInterval,
	}
}

// SetClock overrides the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// ListActiveSubscriptions returns every active subscription, newest first.
func (m *Manager) ListActiveSubscriptions(ctx context.Context) ([]models.WebhookSubscription, error) {
	subs, err := m.subs.ActiveSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	return subs, nil
}

// SetupWebhookForSheet registers a push channel for one sheet and persists
// the subscription. Any previously active subscription for the same sheet is
// removed first so at most one stays active per (connection, spreadsheet).
// When the provider omits an expiration the channel is assumed to live 24h.
func (m *Manager) SetupWebhookForSheet(ctx context.Context, connectionID, spreadsheetID string) (*models.WebhookSubscription, error) {
	if connectionID == "" || spreadsheetID == "" {
		return nil, fmt.Errorf("connection id and spreadsheet id are required: %w", domain.ErrValidation)
	}
	if _, err := m.connections.GetConnection(ctx, connectionID); err != nil {
		return nil, err
	}

	if existing, err := m.subs.ActiveSubscriptionForSheet(ctx, connectionID, spreadsheetID); err == nil {
		if err := m.RemoveWebhookSubscription(ctx, existing.ID); err != nil {
			return nil, fmt.Errorf("replace active subscription: %w", err)
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	token := uuid.NewString()
	channel, err := m.gateway.Watch(ctx, connectionID, spreadsheetID, m.callbackAddress, token)
	if err != nil {
		return nil, fmt.Errorf("register watch channel: %w", err)
	}

	now := m.now()
	expiration := now.Add(time.Duration(models.DefaultSubscriptionTTL) * time.Second)
	if channel.Expiration != nil {
		expiration = *channel.Expiration
	}

	sub := &models.WebhookSubscription{
		ID:                 uuid.NewString(),
		ConnectionID:       connectionID,
		SpreadsheetID:      spreadsheetID,
		ExternalChannelID:  channel.ChannelID,
		ExternalResourceID: channel.ResourceID,
		Token:              token,
		Expiration:         expiration,
		IsActive:           true,
		CreatedAt:          now,
	}
	if err := m.subs.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	m.log.Info().
		Str("subscription_id", sub.ID).
		Str("connection_id", connectionID).
		Str("spreadsheet_id", spreadsheetID).
		Time("expiration", expiration).
		Msg("webhook subscription created")
	return sub, nil
}

// HandleWebhookNotification processes one inbound push message. It never
// reports failure to the caller: the sender retries non-2xx responses, and a
// retry storm on a broken subscription helps nobody. Only a real change
// notification for a live subscription dispatches a sync job.
func (m *Manager) HandleWebhookNotification(ctx context.Context, notification models.WebhookNotification, rawPayload []byte, signature string) {
	if signature != "" && !ValidateSignature(m.secret, rawPayload, signature) {
		metrics.IncWebhookNotification("invalid_signature")
		m.log.Warn().
			Str("channel_id", notification.ChannelID).
			Msg("webhook signature invalid, notification dropped")
		return
	}

	sub, err := m.subs.ActiveSubscriptionByResource(ctx, notification.ResourceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			metrics.IncWebhookNotification("unknown_subscription")
			m.log.Debug().
				Str("resource_id", notification.ResourceID).
				Msg("no active subscription for resource, notification ignored")
		} else {
			metrics.IncWebhookNotification("error")
			m.log.Error().Err(err).Msg("subscription lookup failed")
		}
		return
	}

	if sub.Token != "" && notification.Token != "" && notification.Token != sub.Token {
		metrics.IncWebhookNotification("token_mismatch")
		m.log.Warn().
			Str("subscription_id", sub.ID).
			Msg("channel token mismatch, notification dropped")
		return
	}

	if notification.ResourceState != models.ResourceStateUpdate {
		metrics.IncWebhookNotification("ignored_state")
		m.log.Debug().
			Str("resource_state", notification.ResourceState).
			Msg("channel lifecycle notification ignored")
		return
	}

	if sub.Expired(m.now()) {
		if err := m.subs.DeactivateSubscription(ctx, sub.ID); err != nil {
			m.log.Error().Err(err).Str("subscription_id", sub.ID).Msg("deactivate expired subscription")
		}
		m.publish(events.EventWebhookExpired, sub)
		metrics.IncWebhookNotification("expired")
		m.log.Info().
			Str("subscription_id", sub.ID).
			Msg("subscription expired, notification ignored")
		return
	}

	_, err = m.dispatcher.AddOrderSyncJob(ctx, models.OrderSyncPayload{
		ConnectionID:  sub.ConnectionID,
		SpreadsheetID: sub.SpreadsheetID,
		TriggeredBy:   models.TriggerWebhook,
	})
	if err != nil {
		metrics.IncWebhookNotification("error")
		m.log.Error().Err(err).Str("subscription_id", sub.ID).Msg("enqueue webhook sync job")
		return
	}
	metrics.IncWebhookNotification("dispatched")
}

// RenewWebhookSubscription replaces a subscription: stop the old channel,
// deactivate the row, register a fresh channel for the same sheet.
func (m *Manager) RenewWebhookSubscription(ctx context.Context, subscriptionID string) (*models.WebhookSubscription, error) {
	old, err := m.subs.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	if err := m.RemoveWebhookSubscription(ctx, old.ID); err != nil {
		return nil, err
	}

	fresh, err := m.SetupWebhookForSheet(ctx, old.ConnectionID, old.SpreadsheetID)
	if err != nil {
		return nil, err
	}

	m.publish(events.EventWebhookRenewed, fresh)
	m.log.Info().
		Str("old_subscription_id", old.ID).
		Str("subscription_id", fresh.ID).
		Msg("webhook subscription renewed")
	return fresh, nil
}

// RemoveWebhookSubscription deregisters the remote channel best effort and
// deactivates the local row unconditionally. Safe to call twice.
func (m *Manager) RemoveWebhookSubscription(ctx context.Context, subscriptionID string) error {
	sub, err := m.subs.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}

	if sub.IsActive {
		if err := m.gateway.Stop(ctx, sub.ConnectionID, sub.ExternalChannelID, sub.ExternalResourceID); err != nil {
			// The remote channel may already be gone; local state wins.
			m.log.Warn().
				Err(err).
				Str("subscription_id", sub.ID).
				Msg("remote channel stop failed, deactivating anyway")
		}
	}

	return m.subs.DeactivateSubscription(ctx, sub.ID)
}

// CleanupExpiredSubscriptions removes every active subscription whose
// expiration has passed. Per-item failures are collected, not fatal.
func (m *Manager) CleanupExpiredSubscriptions(ctx context.Context) (int, error) {
	expired, err := m.subs.ActiveSubscriptionsExpiringBefore(ctx, m.now())
	if err != nil {
		return 0, err
	}

	var removed int
	var errs []error
	for _, sub := range expired {
		if err := m.RemoveWebhookSubscription(ctx, sub.ID); err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
			continue
		}
		m.publish(events.EventWebhookExpired, sub)
		removed++
	}

	if removed > 0 {
		m.log.Info().Int("removed", removed).Msg("expired subscriptions cleaned up")
	}
	return removed, errors.Join(errs...)
}

// RenewExpiringSubscriptions enqueues a renewal job for every active
// subscription expiring within the renewal window.
func (m *Manager) RenewExpiringSubscriptions(ctx context.Context) error {
	expiring, err := m.subs.ActiveSubscriptionsExpiringBefore(ctx, m.now().Add(m.renewalWindow))
	if err != nil {
		return err
	}

	var errs []error
	for _, sub := range expiring {
		_, err := m.dispatcher.AddWebhookRenewalJob(ctx, models.WebhookRenewalPayload{
			SubscriptionID: sub.ID,
			ConnectionID:   sub.ConnectionID,
			SpreadsheetID:  sub.SpreadsheetID,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
		}
	}

	if len(expiring) > 0 {
		m.log.Info().Int("expiring", len(expiring)).Msg("renewal sweep enqueued")
	}
	return errors.Join(errs...)
}

// RunSweep periodically scans for subscriptions nearing expiry and enqueues
// renewals. Blocks until ctx is done.
func (m *Manager) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RenewExpiringSubscriptions(ctx); err != nil {
				m.log.Error().Err(err).Msg("renewal sweep failed")
			}
			if _, err := m.CleanupExpiredSubscriptions(ctx); err != nil {
				m.log.Error().Err(err).Msg("expired subscription cleanup failed")
			}
		}
	}
}

func (m *Manager) publish(eventType string, payload interface{}) {
	if m.events == nil {
		return
	}
	if err := m.events.PublishJSON(eventType, payload); err != nil {
		m.log.Warn().Err(err).Str("event_type", eventType).Msg("event publish failed")
	}
}
