package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/colony"
)

// EstimateCache stores colony estimates as JSON with a TTL
type EstimateCache struct {
	client    *Client
	keyPrefix string
	ttl       time.Duration
}

func NewEstimateCache(client *Client, keyPrefix string, ttl time.Duration) *EstimateCache {
	if keyPrefix == "" {
		keyPrefix = "fern:estimate:"
	}
	return &EstimateCache{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (c *EstimateCache) key(placeID string) string {
	return c.keyPrefix + placeID
}

func (c *EstimateCache) Get(ctx context.Context, placeID string) (*colony.Estimate, bool, error) {
	raw, err := c.client.rdb.Get(ctx, c.key(placeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var est colony.Estimate
	if err := json.Unmarshal(raw, &est); err != nil {
		// a payload from an older layout is treated as a miss
		c.client.logger.WithContext(ctx).WithError(err).Warnf("Discarding unreadable estimate for %s", placeID)
		return nil, false, nil
	}
	return &est, true, nil
}

func (c *EstimateCache) Set(ctx context.Context, estimate *colony.Estimate) error {
	raw, err := json.Marshal(estimate)
	if err != nil {
		return err
	}
	return c.client.rdb.Set(ctx, c.key(estimate.PlaceID), raw, c.ttl).Err()
}

func (c *EstimateCache) Invalidate(ctx context.Context, placeIDs ...string) error {
	if len(placeIDs) == 0 {
		return nil
	}
	keys := make([]string, len(placeIDs))
	for i, id := range placeIDs {
		keys[i] = c.key(id)
	}
	return c.client.rdb.Del(ctx, keys...).Err()
}
