package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/auricle-ai/auricle/pkg/types"
)

// geoKey is the cache key for a user's most recent device location.
func geoKey(uid string) string { return fmt.Sprintf("users/geolocation:%s", uid) }

// geoTTL bounds how long a cached location is considered current.
const geoTTL = 6 * time.Hour

// RedisGeoCache caches per-user device geolocation in Redis. The mobile app
// writes it out-of-band; the transcription core only reads it at finalize.
type RedisGeoCache struct {
	client redis.UniversalClient
}

// NewRedisGeoCache creates a cache over the given Redis client.
func NewRedisGeoCache(client redis.UniversalClient) *RedisGeoCache {
	return &RedisGeoCache{client: client}
}

// CachedGeolocation returns the user's cached location, nil when absent.
func (c *RedisGeoCache) CachedGeolocation(ctx context.Context, uid string) (*types.Geolocation, error) {
	raw, err := c.client.Get(ctx, geoKey(uid)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("users: get geolocation: %w", err)
	}
	var geo types.Geolocation
	if err := json.Unmarshal(raw, &geo); err != nil {
		return nil, fmt.Errorf("users: decode geolocation: %w", err)
	}
	return &geo, nil
}

// SetGeolocation stores the user's location with the cache TTL. Exposed for
// the device-facing ingest path and tests.
func (c *RedisGeoCache) SetGeolocation(ctx context.Context, uid string, geo types.Geolocation) error {
	raw, err := json.Marshal(geo)
	if err != nil {
		return fmt.Errorf("users: encode geolocation: %w", err)
	}
	if err := c.client.Set(ctx, geoKey(uid), raw, geoTTL).Err(); err != nil {
		return fmt.Errorf("users: set geolocation: %w", err)
	}
	return nil
}
