// Package sweeper periodically expires active orders whose payment window has
// passed, so they leave the active partition even if nobody touches them.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-bookstore-orders/internal/redisx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockName = "order-expiry-sweep"

type Expirer interface {
	ExpireStale(ctx context.Context, limit int) (int, error)
}

type Sweeper struct {
	Orders   Expirer
	Redis    redis.UniversalClient // nil runs without the cross-instance lock
	Interval time.Duration
	Batch    int
	Log      *zap.Logger
}

// Run sweeps once immediately and then every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger().Warn("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// SweepOnce expires stale orders in batches until a batch comes back short.
// It returns 0 without error when another instance holds the lock.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	batch := s.Batch
	if batch <= 0 {
		batch = 100
	}

	if s.Redis != nil {
		lock, err := redisx.Acquire(ctx, s.Redis, lockName, s.lockTTL())
		if errors.Is(err, redisx.ErrLockHeld) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger().Warn("release sweep lock", zap.Error(err))
			}
		}()
	}

	total := 0
	for {
		n, err := s.Orders.ExpireStale(ctx, batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < batch {
			return total, nil
		}
	}
}

func (s *Sweeper) lockTTL() time.Duration {
	if s.Interval > 0 {
		return 2 * s.Interval
	}
	return time.Minute
}

func (s *Sweeper) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}
