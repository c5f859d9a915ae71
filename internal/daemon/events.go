package daemon

import (
	"context"

	"github.com/matheus3301/setu/internal/bus"
	"github.com/matheus3301/setu/internal/maintenance"
	"github.com/matheus3301/setu/internal/metrics"
	"github.com/matheus3301/setu/internal/status"
	intsync "github.com/matheus3301/setu/internal/sync"
	"go.uber.org/zap"
)

// EventRecorder turns bus events into metrics and daemon log lines. It
// does not drive anything; components publish and it observes.
type EventRecorder struct {
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEventRecorder creates a new event recorder.
func NewEventRecorder(b *bus.Bus, logger *zap.Logger) *EventRecorder {
	return &EventRecorder{bus: b, logger: logger.Named("events")}
}

// Start subscribes to every event kind.
func (r *EventRecorder) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	ch, unsub := r.bus.Subscribe("", 256)
	go func() {
		defer close(r.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				r.Handle(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop unsubscribes and waits for the loop to exit.
func (r *EventRecorder) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

// Handle records one event.
func (r *EventRecorder) Handle(evt bus.Event) {
	metrics.BusDropped.Set(float64(r.bus.Dropped()))

	switch p := evt.Payload.(type) {
	case status.StatusChange:
		metrics.DaemonState.WithLabelValues(string(p.From)).Set(0)
		metrics.DaemonState.WithLabelValues(string(p.To)).Set(1)
		r.logger.Info("state changed", zap.String("from", string(p.From)), zap.String("to", string(p.To)))
	case intsync.CycleResult:
		if evt.Kind != intsync.EventCycleCompleted && evt.Kind != intsync.EventCycleFailed {
			return
		}
		metrics.SyncCycles.WithLabelValues(p.Outcome).Inc()
		metrics.SyncCycleDuration.Observe(p.Duration.Seconds())
		metrics.ContactsApplied.WithLabelValues("upsert").Add(float64(p.Upserted))
		metrics.ContactsApplied.WithLabelValues("delete").Add(float64(p.Deleted + p.Swept))
		metrics.ContactsApplied.WithLabelValues("skipped").Add(float64(p.Skipped))
	case intsync.LookupResult:
		outcome := "miss"
		switch {
		case evt.Kind == intsync.EventLookupFailed:
			outcome = "error"
		case p.Found > 0:
			outcome = "hit"
		}
		metrics.LiveLookups.WithLabelValues(outcome).Inc()
		r.logger.Debug("live lookup", zap.String("outcome", outcome), zap.Int("found", p.Found), zap.Duration("took", p.Duration))
	case maintenance.Compacted:
		metrics.TombstonesCompacted.Add(float64(p.Removed))
	}
}
