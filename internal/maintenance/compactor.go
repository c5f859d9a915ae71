// Package maintenance runs housekeeping on the contact cache.
package maintenance

import (
	"context"
	"time"

	"github.com/matheus3301/setu/internal/bus"
	"go.uber.org/zap"
)

// EventCompacted is published after every pass that removed something.
const EventCompacted = "maintenance.compacted"

// Store is the part of the contact store the compactor drives.
type Store interface {
	Compact(ctx context.Context, olderThan time.Time) (int64, error)
}

// Compacted is the payload of EventCompacted.
type Compacted struct {
	Removed int64
	Cutoff  time.Time
}

// Compactor periodically removes tombstones that are older than the
// retention window. Until then they keep deletions visible to clients that
// compare listings.
type Compactor struct {
	store     Store
	bus       *bus.Bus
	interval  time.Duration
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCompactor creates a new compactor.
func NewCompactor(s Store, b *bus.Bus, interval, retention time.Duration, logger *zap.Logger) *Compactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compactor{
		store:     s,
		bus:       b,
		interval:  interval,
		retention: retention,
		logger:    logger.Named("compactor"),
		now:       time.Now,
	}
}

// Start runs a pass right away and then one per interval.
func (c *Compactor) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.loop(ctx)
}

// Stop stops the loop and waits for a running pass.
func (c *Compactor) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *Compactor) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			c.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce removes tombstones older than the retention window and returns
// how many went. Failures are logged; the next pass retries.
func (c *Compactor) RunOnce(ctx context.Context) int64 {
	cutoff := c.now().Add(-c.retention)
	n, err := c.store.Compact(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("compaction failed", zap.Error(err))
		}
		return 0
	}
	if n > 0 {
		c.logger.Info("tombstones compacted", zap.Int64("removed", n), zap.Time("cutoff", cutoff))
		if c.bus != nil {
			c.bus.Publish(bus.NewEvent(EventCompacted, Compacted{Removed: n, Cutoff: cutoff}))
		}
	}
	return n
}
