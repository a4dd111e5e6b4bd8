package main

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-latch/v1/lock"
)

type simConfig struct {
	Buyers  int
	Stock   int
	MaxWait time.Duration
	TTL     time.Duration
	// Work is how long a buyer spends inside the critical section.
	Work time.Duration
}

type report struct {
	Sold     int
	SoldOut  int
	TimedOut int
	// Overlaps counts buyers that found someone else inside the critical
	// section. Anything but zero means the lock failed.
	Overlaps int
}

// inventory is deliberately unsynchronized; the lock is its only guard.
type inventory struct {
	stock int
	sold  int
}

func simulate(ctx context.Context, l *lock.Lock, cfg simConfig, logger *slog.Logger) (report, error) {
	inv := &inventory{stock: cfg.Stock}
	var (
		inside                      atomic.Int32
		soldOut, timedOut, overlaps atomic.Int64
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Buyers; i++ {
		buyer := i
		g.Go(func() error {
			err := l.Do(ctx, cfg.MaxWait, cfg.TTL, func(ctx context.Context) error {
				if inside.Add(1) > 1 {
					overlaps.Add(1)
				}
				defer inside.Add(-1)

				if inv.stock == 0 {
					soldOut.Add(1)
					return nil
				}
				if cfg.Work > 0 {
					time.Sleep(cfg.Work)
				}
				inv.stock--
				inv.sold++
				logger.Debug("order placed", "buyer", buyer, "left", inv.stock)
				return nil
			})
			if errors.Is(err, lock.ErrAcquireTimeout) {
				timedOut.Add(1)
				logger.Info("buyer gave up", "buyer", buyer)
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return report{}, err
	}
	return report{
		Sold:     inv.sold,
		SoldOut:  int(soldOut.Load()),
		TimedOut: int(timedOut.Load()),
		Overlaps: int(overlaps.Load()),
	}, nil
}
