package worker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// SheetLease serializes sync runs per (connection, spreadsheet). Two jobs
// for the same sheet must never import rows concurrently; the loser defers
// instead of failing. Without redis every acquire succeeds, which matches
// single-process deployments.
type SheetLease struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewSheetLease(redisClient *redis.Client, ttl time.Duration) *SheetLease {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SheetLease{redis: redisClient, ttl: ttl}
}

// Acquire takes the lease for one sheet. Returns false when another holder
// is active. The TTL bounds how long a crashed worker can block a sheet.
func (l *SheetLease) Acquire(ctx context.Context, connectionID, spreadsheetID, holder string) (bool, error) {
	if l.redis == nil {
		return true, nil
	}
	return l.redis.SetNX(ctx, leaseKey(connectionID, spreadsheetID), holder, l.ttl).Result()
}

// Release frees the lease. Best effort: an expired or missing key is fine.
func (l *SheetLease) Release(ctx context.Context, connectionID, spreadsheetID string) {
	if l.redis == nil {
		return
	}
	l.redis.Del(ctx, leaseKey(connectionID, spreadsheetID))
}

func leaseKey(connectionID, spreadsheetID string) string {
	return "sheetsync:lease:" + connectionID + ":" + spreadsheetID
}
