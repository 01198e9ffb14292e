package usercache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "teamsjira:user:"

// Redis backs the cache with a Redis instance, letting multiple bridge
// replicas share lookups. TTL enforcement is delegated to Redis.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis creates a Redis-backed cache against the given address.
func NewRedis(addr string, ttl time.Duration) *Redis {
	return &Redis{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		ttl: ttl,
	}
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, key string, dst any) bool {
	data, err := r.rdb.Get(ctx, redisPrefix+key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// Set implements Cache. Marshal or transport errors drop the entry; the
// cache is an optimization, not a system of record.
func (r *Redis) Set(ctx context.Context, key string, val any) {
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	r.rdb.Set(ctx, redisPrefix+key, data, r.ttl)
}

// Close releases the underlying Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
