package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orderbridge/sheetsync/internal/domain"
	"github.com/orderbridge/sheetsync/internal/models"
)

// Controller is the polling fallback: a self-rescheduling chain per sheet
// that triggers a sync whenever push notifications have been silent for a
// whole interval. The chain re-enqueues its own next occurrence after every
// run; forgetting to do so would silently kill the recurrence, so the
// re-enqueue sits in a defer and runs on the error paths too.
type Controller struct {
	connections domain.ConnectionStore
	operations  domain.OperationStore
	dispatcher  domain.Dispatcher
	log         zerolog.Logger
	now         func() time.Time
	interval    time.Duration

	mu       sync.Mutex
	registry map[string]time.Time
}

func NewController(
	connections domain.ConnectionStore,
	operations domain.OperationStore,
	dispatcher domain.Dispatcher,
	interval time.Duration,
	logger *zerolog.Logger,
) *Controller {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "poller").Logger()
	}
	return &Controller{
		connections: connections,
		operations:  operations,
		dispatcher:  dispatcher,
		log:         log,
		now:         time.Now,
		interval:    interval,
		registry:    make(map[string]time.Time),
	}
}

// SetClock overrides the time source. Tests only.
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// RunConnection executes one polling check for a sheet. The chain stops only
// when the connection is gone or sync is disabled; every other outcome
// reschedules the next occurrence.
func (c *Controller) RunConnection(ctx context.Context, connectionID, spreadsheetID string) error {
	conn, err := c.connections.GetConnection(ctx, connectionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.deregister(connectionID, spreadsheetID)
			c.log.Info().
				Str("connection_id", connectionID).
				Msg("connection gone, polling chain stopped")
			return nil
		}
		// Transient store failure: keep the chain alive.
		c.scheduleNext(ctx, connectionID, spreadsheetID)
		return err
	}
	if !conn.SyncEnabled {
		c.deregister(connectionID, spreadsheetID)
		c.log.Info().
			Str("connection_id", connectionID).
			Msg("sync disabled, polling chain stopped")
		return nil
	}

	defer c.scheduleNext(ctx, connectionID, spreadsheetID)

	last, err := c.operations.LatestOperation(ctx, connectionID, []string{models.OperationCompleted})
	if err != nil {
		return err
	}
	if last != nil && c.now().Sub(last.StartedAt) <= c.interval {
		c.log.Debug().
			Str("connection_id", connectionID).
			Time("last_sync", last.StartedAt).
			Msg("recent sync found, polling no-op")
		return nil
	}

	// Recent webhook failures only tag the trigger reason. They never change
	// whether the poll fires.
	reason := "polling_interval_elapsed"
	failures, ferr := c.operations.CountFailedWebhookOperations(ctx, connectionID, c.now().Add(-time.Hour))
	if ferr == nil && failures > 0 {
		reason = "webhook_failures_detected"
	}

	_, err = c.dispatcher.AddOrderSyncJob(ctx, models.OrderSyncPayload{
		ConnectionID:  connectionID,
		SpreadsheetID: spreadsheetID,
		TriggeredBy:   models.TriggerPolling,
		Reason:        reason,
	})
	if err != nil {
		return err
	}

	c.log.Info().
		Str("connection_id", connectionID).
		Str("reason", reason).
		Msg("polling triggered sync")
	return nil
}

// FanOut starts a polling chain for every sync-enabled connection that does
// not already have one. Per-connection failures are collected, not fatal.
func (c *Controller) FanOut(ctx context.Context) error {
	conns, err := c.connections.ListSyncEnabledConnections(ctx)
	if err != nil {
		return err
	}

	var errs []error
	var started int
	for _, conn := range conns {
		if c.Registered(conn.ID, conn.SpreadsheetID) {
			continue
		}
		_, err := c.dispatcher.AddPollingJob(ctx, models.PollingPayload{
			ConnectionID:  conn.ID,
			SpreadsheetID: conn.SpreadsheetID,
		}, 0)
		if err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", conn.ID, err))
			continue
		}
		c.register(conn.ID, conn.SpreadsheetID)
		started++
	}

	c.log.Info().
		Int("connections", len(conns)).
		Int("chains_started", started).
		Msg("polling fan-out")
	return errors.Join(errs...)
}

// Registered reports whether a polling chain is live for a sheet.
func (c *Controller) Registered(connectionID, spreadsheetID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.registry[registryKey(connectionID, spreadsheetID)]
	return ok
}

func (c *Controller) scheduleNext(ctx context.Context, connectionID, spreadsheetID string) {
	_, err := c.dispatcher.AddPollingJob(ctx, models.PollingPayload{
		ConnectionID:  connectionID,
		SpreadsheetID: spreadsheetID,
	}, c.interval)
	if err != nil {
		// The chain is broken now; the next fan-out restarts it.
		c.deregister(connectionID, spreadsheetID)
		c.log.Error().
			Err(err).
			Str("connection_id", connectionID).
			Msg("failed to reschedule polling chain")
		return
	}
	c.register(connectionID, spreadsheetID)
}

func (c *Controller) register(connectionID, spreadsheetID string) {
	c.mu.Lock()
	c.registry[registryKey(connectionID, spreadsheetID)] = c.now()
	c.mu.Unlock()
}

func (c *Controller) deregister(connectionID, spreadsheetID string) {
	c.mu.Lock()
	delete(c.registry, registryKey(connectionID, spreadsheetID))
	c.mu.Unlock()
}

func registryKey(connectionID, spreadsheetID string) string {
	return connectionID + "|" + spreadsheetID
}
