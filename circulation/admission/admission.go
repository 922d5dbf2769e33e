package admission

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/openshelf/circulation-engine-go/circulation"
)

// DefaultLimit is the number of permits a Controller hands out when no
// explicit limit is configured.
const DefaultLimit = 5

// Category identifies the kind of operation an admission permit is used for.
type Category string

const (
	CategoryBorrow Category = "borrow"
	CategoryReturn Category = "return"
	CategorySearch Category = "search"
)

// Snapshot is a point-in-time copy of one category's operation counters.
type Snapshot struct {
	Attempted int64
	Succeeded int64
	Failed    int64
}

// opStats holds one category's counters. All fields are incremented with
// lock-free atomics, never under the exclusive lock.
type opStats struct {
	attempted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

func (s *opStats) snapshot() Snapshot {
	return Snapshot{
		Attempted: s.attempted.Load(),
		Succeeded: s.succeeded.Load(),
		Failed:    s.failed.Load(),
	}
}

// Controller is a counting semaphore bounding concurrent in-flight
// operations, with per-category observability counters.
//
// Blocked Acquire calls are served in FIFO order. Every public operation of
// the engine acquires one permit before doing any work and releases it in a
// deferred call, so a permit is never leaked on an error path.
type Controller struct {
	sem       *semaphore.Weighted
	limit     int64
	available atomic.Int64

	borrow opStats
	ret    opStats
	search opStats
}

// New creates a Controller with the given permit limit; a limit of zero or
// less falls back to DefaultLimit.
func New(limit int64) *Controller {
	if limit <= 0 {
		limit = DefaultLimit
	}

	c := &Controller{
		sem:   semaphore.NewWeighted(limit),
		limit: limit,
	}
	c.available.Store(limit)

	return c
}

// Acquire takes one permit, blocking in FIFO order while all permits are in
// use. It returns an error joining circulation.ErrCancelled if the context
// is cancelled before a permit was granted.
func (c *Controller) Acquire(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return errors.Join(circulation.ErrCancelled, err)
	}

	c.available.Add(-1)

	return nil
}

// TryAcquire takes one permit without blocking and reports whether it got one.
func (c *Controller) TryAcquire() bool {
	if !c.sem.TryAcquire(1) {
		return false
	}

	c.available.Add(-1)

	return true
}

// Release returns one permit to the pool.
func (c *Controller) Release() {
	c.available.Add(1)
	c.sem.Release(1)
}

// AvailablePermits reports the current number of free permits, for diagnostics.
// The value is advisory: it may be stale by the time the caller reads it.
func (c *Controller) AvailablePermits() int64 {
	return c.available.Load()
}

// Limit reports the configured permit bound.
func (c *Controller) Limit() int64 {
	return c.limit
}

// RecordAttempt counts one attempted operation in the given category.
func (c *Controller) RecordAttempt(category Category) {
	c.statsFor(category).attempted.Add(1)
}

// RecordSuccess counts one succeeded operation in the given category.
func (c *Controller) RecordSuccess(category Category) {
	c.statsFor(category).succeeded.Add(1)
}

// RecordFailure counts one failed operation in the given category.
func (c *Controller) RecordFailure(category Category) {
	c.statsFor(category).failed.Add(1)
}

// StatsFor returns a point-in-time snapshot of one category's counters.
func (c *Controller) StatsFor(category Category) Snapshot {
	return c.statsFor(category).snapshot()
}

func (c *Controller) statsFor(category Category) *opStats {
	switch category {
	case CategoryReturn:
		return &c.ret
	case CategorySearch:
		return &c.search
	default:
		return &c.borrow
	}
}
