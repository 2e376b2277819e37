package cache

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultViewTTL bounds staleness for cached list views. Writers invalidate
// on every mutation, so the TTL only matters when an invalidation is lost.
const DefaultViewTTL = 5 * time.Minute

// GetView loads a cached JSON view into out. The second return is false on
// miss, decode failure or when Redis is not configured; callers fall back to
// the database in all three cases.
func GetView(ctx context.Context, key string, out any) bool {
	client, err := GetRedisClient()
	if err != nil || client == nil {
		return false
	}
	raw, err := client.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		_ = client.Del(ctx, key).Err()
		return false
	}
	return true
}

// SetView stores a JSON view under key. Failures are swallowed; the cache is
// an accelerator, never a source of truth.
func SetView(ctx context.Context, key string, value any, ttl time.Duration) {
	client, err := GetRedisClient()
	if err != nil || client == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if ttl <= 0 {
		ttl = DefaultViewTTL
	}
	_ = client.Set(ctx, key, raw, ttl).Err()
}

// InvalidateViews drops the given cache keys.
func InvalidateViews(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	client, err := GetRedisClient()
	if err != nil || client == nil {
		return
	}
	_ = client.Del(ctx, keys...).Err()
}
