package store

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Redis implements Store on top of a go-redis client. Connection pooling is
// left to the client.
type Redis struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*redisOptions)

type redisOptions struct {
	timeout time.Duration
}

// WithTimeout bounds every Redis round trip. Non-positive values keep the
// default of five seconds.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// NewRedis returns a Redis store. Any UniversalClient works, including
// cluster and failover clients.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	o := redisOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Redis{client: client, timeout: o.timeout}
}

// TrySetIfAbsent implements Store.TrySetIfAbsent with SET NX PX.
func (s *Redis) TrySetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, latcherrors.FromContext(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, value, ttl).Result()
	if err != nil {
		return false, translateRedisErr(err)
	}
	return ok, nil
}

// CompareAndDelete implements Store.CompareAndDelete with a Lua script so the
// read and the delete run as one step on the server.
func (s *Redis) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, latcherrors.FromContext(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := compareAndDeleteScript.Run(cctx, s.client, []string{key}, expected).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, translateRedisErr(err)
	}
	return n == 1, nil
}

func translateRedisErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return latcherrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return latcherrors.ErrConnectionClosed
	}
	return err
}
