package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	roundKeyPrefix   = "crash:round:"
	currentRoundKey  = "crash:round:current"
	recentCrashesKey = "crash:recent"
	priceKeyPrefix   = "crash:price:"

	roundTTL         = 1 * time.Hour
	maxRecentCrashes = 50
)

// RoundCache mirrors live round state and recent crash points into
// Redis so restarts and sibling processes can read them cheaply.
type RoundCache struct {
	client *redis.Client
}

func NewRoundCache(svc Service) *RoundCache {
	if svc == nil {
		return nil
	}
	return &RoundCache{client: svc.GetClient()}
}

func (c *RoundCache) SnapshotRound(ctx context.Context, roundID int64, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, roundKeyPrefix+strconv.FormatInt(roundID, 10), data, roundTTL)
	pipe.Set(ctx, currentRoundKey, data, roundTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *RoundCache) RecordCrash(ctx context.Context, roundID int64, crashPoint float64) error {
	entry := fmt.Sprintf("%d:%.2f", roundID, crashPoint)
	pipe := c.client.Pipeline()
	pipe.LPush(ctx, recentCrashesKey, entry)
	pipe.LTrim(ctx, recentCrashesKey, 0, maxRecentCrashes-1)
	_, err := pipe.Exec(ctx)
	return err
}

// RecentCrashes returns up to limit crash points, newest first.
func (c *RoundCache) RecentCrashes(ctx context.Context, limit int) ([]float64, error) {
	if limit <= 0 || limit > maxRecentCrashes {
		limit = maxRecentCrashes
	}

	entries, err := c.client.LRange(ctx, recentCrashesKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	points := make([]float64, 0, len(entries))
	for _, entry := range entries {
		var roundID int64
		var crashPoint float64
		if _, err := fmt.Sscanf(entry, "%d:%f", &roundID, &crashPoint); err != nil {
			continue
		}
		points = append(points, crashPoint)
	}
	return points, nil
}

// SetPrice caches a USD price for a currency with the given TTL.
func (c *RoundCache) SetPrice(ctx context.Context, currency string, price float64, ttl time.Duration) {
	if err := c.client.Set(ctx, priceKeyPrefix+currency, price, ttl).Err(); err != nil {
		log.Printf("[CACHE] Failed to cache price for %s: %v", currency, err)
	}
}

// GetPrice reads a cached USD price. Returns false on miss or error.
func (c *RoundCache) GetPrice(ctx context.Context, currency string) (float64, bool) {
	val, err := c.client.Get(ctx, priceKeyPrefix+currency).Float64()
	if err != nil {
		return 0, false
	}
	return val, true
}
