package presets

import (
	"errors"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/store"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// DisableBus turns off release notifications. Waiters then rely on
	// their backoff policy alone.
	DisableBus bool
}

// NewRedis creates a lock on key backed by Redis, using a Pub/Sub bus to wake
// waiters when the lock is released. The returned close function releases
// the connection; it does not release the lock.
func NewRedis(opts RedisOptions, key string, lockOpts ...lock.Option) (*lock.Lock, func() error, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	closers := []func() error{client.Close}
	if !opts.DisableBus {
		bus := syncbus.NewRedisBus(client)
		closers = append([]func() error{bus.Close}, closers...)
		lockOpts = append([]lock.Option{lock.WithBus(bus)}, lockOpts...)
	}
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}

	l, err := lock.New(store.NewRedis(client), key, lockOpts...)
	if err != nil {
		_ = closeAll()
		return nil, nil, err
	}
	return l, closeAll, nil
}

// NewInMemoryStandalone creates a lock that lives entirely in this process.
// Useful for tests and single-instance deployments.
func NewInMemoryStandalone(key string, lockOpts ...lock.Option) (*lock.Lock, error) {
	lockOpts = append([]lock.Option{lock.WithBus(syncbus.NewInMemoryBus())}, lockOpts...)
	return lock.New(store.NewInMemory(), key, lockOpts...)
}
