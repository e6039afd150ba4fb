package store

import (
	"context"
	"errors"
	"time"

	"github.com/itskum47/agentflux/control_plane/observability"
	"github.com/redis/go-redis/v9"
)

// compareAndExpire extends a key's TTL only while it still holds the
// caller's value; compareAndDelete releases it under the same guard.
// Both run server-side so a demoted holder can never touch a lease that
// has since changed hands.
var (
	compareAndExpire = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisStore is the fast coordination backend: leader leases for the API
// replicas and the shared idempotency cache. It implements Coordinator
// and the idempotency Backend.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// timed observes one round trip on the coordination-latency histogram.
func timed() func() {
	start := time.Now()
	return func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}
}

// AcquireLease claims key for value with a TTL, failing if any holder
// exists. SET NX is the whole race: whoever lands it first owns the
// lease.
func (s *RedisStore) AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	defer timed()()
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// RenewLease pushes the TTL forward only while value still matches.
func (s *RedisStore) RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	defer timed()()
	res, err := compareAndExpire.Run(ctx, s.client, []string{key}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// ReleaseLease deletes key only while value still matches; releasing a
// lease someone else has since claimed is a no-op.
func (s *RedisStore) ReleaseLease(ctx context.Context, key string, value string) error {
	defer timed()()
	return compareAndDelete.Run(ctx, s.client, []string{key}, value).Err()
}

// GetLockOwner returns the value currently held at key, "" when free.
func (s *RedisStore) GetLockOwner(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// ScanLocks collects every key matching pattern via cursor iteration, so
// large keyspaces never block the server the way KEYS would.
func (s *RedisStore) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	defer timed()()
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// Set stores a value with TTL; the idempotency cache writes through here.
func (s *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	defer timed()()
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Get reads a value, mapping redis.Nil to ("", nil) so absence is not an
// error.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	defer timed()()
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
