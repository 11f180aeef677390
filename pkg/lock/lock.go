package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/modelvault/authcore/pkg/errs"
	"github.com/modelvault/authcore/pkg/observability"
	"github.com/modelvault/authcore/pkg/store"
)

const (
	leasePrefix = "atomic-dbop-"

	// DefaultLeaseTTL bounds the longest critical section. It must exceed
	// the request timeout so an abandoned holder's lease self-expires.
	DefaultLeaseTTL = 60 * time.Second

	// MinLeaseTTL is the floor applied when a request deadline is nearly
	// exhausted, so the lease outlives the remaining critical section.
	MinLeaseTTL = 5 * time.Second
)

// Controller hands out cache-backed lease locks keyed by (table, id). It is
// stateless; construct once and inject.
type Controller struct {
	cache   store.Cache
	logger  *logrus.Logger
	metrics *observability.Metrics
	ttl     time.Duration
}

// NewController creates a controller. metrics may be nil.
func NewController(cache store.Cache, logger *logrus.Logger, metrics *observability.Metrics) *Controller {
	return &Controller{cache: cache, logger: logger, metrics: metrics, ttl: DefaultLeaseTTL}
}

func leaseKey(table, id string) string {
	return leasePrefix + table + ":" + id
}

func (c *Controller) countAcquire(table, outcome string) {
	if c.metrics != nil {
		c.metrics.LockAcquisitionsTotal.WithLabelValues(table, outcome).Inc()
	}
}

// leaseTTL derives the lease duration from the context deadline when one is
// present, clamped to [MinLeaseTTL, c.ttl].
func (c *Controller) leaseTTL(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return c.ttl
	}
	remaining := time.Until(deadline)
	if remaining < MinLeaseTTL {
		return MinLeaseTTL
	}
	if remaining > c.ttl {
		return c.ttl
	}
	return remaining
}

// Acquire attempts to place the lease. It returns the owner token on
// success; a held lease surfaces as errs.ErrInternal so callers and the
// event-delivery layer retry rather than queue.
func (c *Controller) Acquire(ctx context.Context, table, id string) (string, error) {
	owner := uuid.NewString()

	ok, err := c.cache.SetIfAbsent(ctx, leaseKey(table, id), owner, c.leaseTTL(ctx))
	if err != nil {
		c.countAcquire(table, "error")
		return "", fmt.Errorf("lease placement for %s:%s failed: %v: %w", table, id, err, errs.ErrInternal)
	}
	if !ok {
		c.countAcquire(table, "contended")
		return "", fmt.Errorf("entity %s:%s is locked by a concurrent operation: %w", table, id, errs.ErrInternal)
	}

	c.countAcquire(table, "acquired")
	return owner, nil
}

// Release deletes the lease unconditionally. Safe to call for a lease that
// was never acquired or has already expired.
func (c *Controller) Release(ctx context.Context, table, id string) {
	if err := c.cache.DeleteKey(ctx, leaseKey(table, id)); err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"table": table,
			"id":    id,
		}).Warn("lease release failed, lease will self-expire")
	}
}

// WithLock runs fn while holding the (table, id) lease. The lease is
// released on every exit path.
func (c *Controller) WithLock(ctx context.Context, table, id string, fn func(ctx context.Context) error) error {
	start := time.Now()

	if _, err := c.Acquire(ctx, table, id); err != nil {
		return err
	}
	defer func() {
		c.Release(ctx, table, id)
		if c.metrics != nil {
			c.metrics.LockHoldDuration.WithLabelValues(table).Observe(time.Since(start).Seconds())
		}
	}()

	return fn(ctx)
}

// WithOrderedLocks acquires locks for each (table, id) pair in the given
// order and runs fn. Call sites touching multiple entities must list the
// primary entity (user) before secondary index rows so lock ordering is
// consistent across the codebase.
func (c *Controller) WithOrderedLocks(ctx context.Context, keys [][2]string, fn func(ctx context.Context) error) error {
	if len(keys) == 0 {
		return fn(ctx)
	}
	return c.WithLock(ctx, keys[0][0], keys[0][1], func(ctx context.Context) error {
		return c.WithOrderedLocks(ctx, keys[1:], fn)
	})
}
