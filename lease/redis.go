package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token, so a
// lease that expired and was taken by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by Redis SET NX PX. It serializes maintenance
// jobs across Treasury instances sharing one database.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis creates a Redis-backed locker.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Acquire implements Locker.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lease: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &redisLease{client: r.client, key: key, token: token}, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (ls *redisLease) Key() string { return ls.key }

func (ls *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, ls.client, []string{ls.key}, ls.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lease: release %s: %w", ls.key, err)
	}
	return nil
}
