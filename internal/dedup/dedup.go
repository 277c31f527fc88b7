// Package dedup decides whether a webhook delivery has been processed before.
//
// Two layers cooperate:
//
//   - A durable delivery log (Postgres INSERT ... ON CONFLICT DO NOTHING)
//     that is the source of truth. It is atomic under concurrency and
//     survives restarts.
//   - An optional Redis SET NX EX fast path in front of it, which absorbs
//     the common replay storms without a database round trip.
//
// Redis being down, cold, or absent only costs the shortcut: every decision
// the dispatcher acts on still comes from the durable insert.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeliveryLog is the durable check-and-set the deduplicator relies on.
// Implemented by db.DeliveryRepo.
type DeliveryLog interface {
	MarkSeen(ctx context.Context, provider, deliveryID string, payload []byte, now time.Time) (bool, error)
}

// CacheSetter is the subset of the go-redis client the fast path needs.
type CacheSetter interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Deduplicator layers the optional cache over the durable log.
type Deduplicator struct {
	log    DeliveryLog
	cache  CacheSetter // nil disables the fast path
	ttl    time.Duration
	logger *slog.Logger
}

// NewDeduplicator creates a Deduplicator. cache may be nil; ttl bounds how
// long fast-path keys linger and should exceed the longest provider retry
// horizon that matters for latency (correctness does not depend on it).
func NewDeduplicator(log DeliveryLog, cache CacheSetter, ttl time.Duration, logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator{log: log, cache: cache, ttl: ttl, logger: logger}
}

// CheckAndMark reports whether this (provider, deliveryID) pair is being seen
// for the first time, durably recording it if so.
//
// When the cache already holds the key the delivery is a replay and the
// database is not consulted. When the cache accepts the key (or is
// unavailable), the durable log has the final word; a restart that wiped
// Redis therefore cannot double-process a delivery.
func (d *Deduplicator) CheckAndMark(ctx context.Context, provider, deliveryID string, payload []byte, now time.Time) (bool, error) {
	if d.cache != nil {
		key := cacheKey(provider, deliveryID)
		set, err := d.cache.SetNX(ctx, key, 1, d.ttl).Result()
		if err != nil {
			d.logger.WarnContext(ctx, "dedup cache unavailable, falling back to durable log",
				slog.String("provider", provider),
				slog.String("error", err.Error()),
			)
		} else if !set {
			return false, nil
		}
	}

	return d.log.MarkSeen(ctx, provider, deliveryID, payload, now)
}

func cacheKey(provider, deliveryID string) string {
	return fmt.Sprintf("dedup:%s:%s", provider, deliveryID)
}
