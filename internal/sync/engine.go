package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/setu/internal/bus"
	"github.com/matheus3301/setu/internal/errs"
	"github.com/matheus3301/setu/internal/people"
	"github.com/matheus3301/setu/internal/status"
	"github.com/matheus3301/setu/internal/store"
	"go.uber.org/zap"
)

// Event kinds published by the engine.
const (
	EventCycleStarted   = "sync.cycle_started"
	EventPageApplied    = "sync.page_applied"
	EventCycleCompleted = "sync.cycle_completed"
	EventCycleFailed    = "sync.cycle_failed"
	EventLookupDone     = "lookup.completed"
	EventLookupFailed   = "lookup.failed"
)

// Remote is the slice of the People API the engine uses.
type Remote interface {
	ListConnections(ctx context.Context, req people.ListRequest) (*people.ListResponse, error)
	SearchContacts(ctx context.Context, query string) ([]people.Person, error)
}

// Cycle outcomes.
const (
	OutcomeOK         = "ok"
	OutcomeFailed     = "failed"
	OutcomeAuthFailed = "auth_failed"
	OutcomeCanceled   = "canceled"
)

// CycleResult summarizes one sync cycle. It is also the payload of the
// cycle events.
type CycleResult struct {
	ID          string
	Outcome     string
	FullListing bool
	Restarted   bool
	Pages       int
	Upserted    int
	Unchanged   int
	Deleted     int
	Swept       int
	Skipped     int
	Started     time.Time
	Duration    time.Duration
	Err         string
}

// PageApplied is the payload of EventPageApplied.
type PageApplied struct {
	CycleID string
	Page    int
	Result  store.PageResult
}

// LookupResult is the payload of the lookup events. The query is not
// included since it is a phone number.
type LookupResult struct {
	Found    int
	Changed  int
	Duration time.Duration
	Err      string
}

type run struct {
	done   chan struct{}
	result *CycleResult
	err    error
}

// Engine mirrors the remote contacts into the store. Cycles run one at a
// time on their own goroutine; SyncNow joins a running cycle. LiveLookup is
// independent of cycles and only shares the store's write lock with them.
type Engine struct {
	db      *store.DB
	remote  Remote
	bus     *bus.Bus
	machine *status.Machine
	rec     *Reconciler
	logger  *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	reset   chan time.Duration

	mu       gosync.Mutex
	interval time.Duration
	running  *run
	last     *CycleResult
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, remote Remote, b *bus.Bus, machine *status.Machine, interval time.Duration, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("sync")
	return &Engine{
		db:       db,
		remote:   remote,
		bus:      b,
		machine:  machine,
		rec:      NewReconciler(logger),
		logger:   logger,
		baseCtx:  context.Background(),
		reset:    make(chan time.Duration, 1),
		interval: interval,
	}
}

// Start runs a first cycle right away and then one per interval until ctx
// ends or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.baseCtx = ctx
	e.done = make(chan struct{})
	go e.loop(ctx)
}

// Stop cancels the loop and waits for a running cycle to reach a page
// boundary.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done

	e.mu.Lock()
	r := e.running
	e.mu.Unlock()
	if r != nil {
		<-r.done
	}
}

// SetInterval changes the period of the loop; the next cycle is scheduled
// one new interval from now.
func (e *Engine) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	if e.interval == d {
		e.mu.Unlock()
		return
	}
	e.interval = d
	e.mu.Unlock()

	select {
	case e.reset <- d:
	default:
		// A pending reset will pick up the new value.
	}
	e.logger.Info("sync interval changed", zap.Duration("interval", d))
}

// Interval returns the current loop period.
func (e *Engine) Interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interval
}

// Last returns the result of the most recent finished cycle, or nil.
func (e *Engine) Last() *CycleResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Running reports whether a cycle is in progress.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running != nil
}

// SyncNow starts a cycle, or joins the one already running, and waits for it.
// Canceling ctx stops the wait, not the cycle.
func (e *Engine) SyncNow(ctx context.Context) (*CycleResult, error) {
	r := e.startOrJoin()
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-e.reset:
			timer.Reset(d)
		case <-timer.C:
			r := e.startOrJoin()
			select {
			case <-r.done:
			case <-ctx.Done():
				return
			}
			// Failures wait for the next tick; there is no tight retry.
			timer.Reset(e.Interval())
		}
	}
}

func (e *Engine) startOrJoin() *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running != nil {
		return e.running
	}

	r := &run{done: make(chan struct{})}
	e.running = r
	ctx := e.baseCtx
	go func() {
		r.result, r.err = e.runCycle(ctx)
		e.mu.Lock()
		e.running = nil
		e.last = r.result
		e.mu.Unlock()
		close(r.done)
	}()
	return r
}

// runCycle loads the cursor, runs one cycle from it and reports the outcome
// on the bus and the status machine.
func (e *Engine) runCycle(ctx context.Context) (*CycleResult, error) {
	res := &CycleResult{ID: uuid.NewString(), Started: time.Now()}
	log := e.logger.With(zap.String("cycle", res.ID))
	e.bus.Publish(bus.NewEvent(EventCycleStarted, res.ID))

	// Enter Fetching first so any failure below has a legal way out.
	e.transition(status.Fetching)
	cur, err := e.db.GetCursor(ctx)
	if err == nil {
		_, err = e.cycle(ctx, cur, res, log)
	}
	res.Duration = time.Since(res.Started)

	switch {
	case err == nil:
		res.Outcome = OutcomeOK
		e.transition(status.Idle)
		log.Info("sync cycle completed",
			zap.Bool("full", res.FullListing),
			zap.Int("pages", res.Pages),
			zap.Int("upserted", res.Upserted),
			zap.Int("deleted", res.Deleted+res.Swept),
			zap.Int("skipped", res.Skipped),
			zap.Duration("took", res.Duration))
		e.bus.Publish(bus.NewEvent(EventCycleCompleted, *res))
		return res, nil
	case errors.Is(err, context.Canceled):
		res.Outcome = OutcomeCanceled
		e.transition(status.Idle)
		log.Info("sync cycle canceled", zap.Int("pages", res.Pages))
	case errors.Is(err, errs.ErrAuthentication):
		res.Outcome = OutcomeAuthFailed
		e.transition(status.AuthRequired)
		log.Error("sync cycle needs authentication", zap.Error(err))
	default:
		res.Outcome = OutcomeFailed
		e.transition(status.Degraded)
		log.Warn("sync cycle failed", zap.Error(err))
	}
	res.Err = err.Error()
	e.bus.Publish(bus.NewEvent(EventCycleFailed, *res))
	return res, err
}

// cycle pages through the remote listing starting at cur and returns the
// cursor it reached. Each page is committed together with the cursor that
// follows it, so an abort at any point leaves a cursor that matches the data.
func (e *Engine) cycle(ctx context.Context, cur store.Cursor, res *CycleResult, log *zap.Logger) (store.Cursor, error) {
	if cur.FullListing() && !cur.InProgress() {
		cur.Generation++
	}
	res.FullListing = cur.FullListing()
	resumed := cur.InProgress()

	e.transition(status.Fetching)
	for {
		if err := ctx.Err(); err != nil {
			return cur, err
		}

		resp, err := e.remote.ListConnections(ctx, people.ListRequest{
			SyncToken: cur.SyncToken,
			PageToken: cur.PageToken,
		})
		switch {
		case err == nil:
		case errors.Is(err, people.ErrSyncTokenExpired) && !cur.FullListing():
			log.Warn("sync token expired, falling back to a full listing")
			cur = store.Cursor{Generation: cur.Generation + 1, LastSyncAt: cur.LastSyncAt}
			res.FullListing, res.Restarted, resumed = true, true, false
			continue
		case resumed && restartable(ctx, err):
			log.Warn("stored page token rejected, restarting listing", zap.Error(err))
			if cur.FullListing() {
				cur.Generation++
			}
			cur.PageToken = ""
			res.Restarted, resumed = true, false
			continue
		default:
			return cur, fmt.Errorf("list connections: %w", err)
		}
		resumed = false

		e.transition(status.Applying)
		page, skipped := e.rec.Reconcile(resp.Connections)
		res.Skipped += skipped

		next := cur
		if resp.NextPageToken != "" {
			next.PageToken = resp.NextPageToken
		} else {
			if resp.NextSyncToken == "" {
				log.Warn("listing ended without a sync token; next cycle lists everything")
			}
			next.SyncToken = resp.NextSyncToken
			next.PageToken = ""
			next.LastSyncAt = time.Now()
			page.Sweep = cur.FullListing()
		}
		page.Cursor = next

		pr, err := e.db.ApplyPage(ctx, page)
		if err != nil {
			return cur, fmt.Errorf("apply page %d: %w", res.Pages+1, err)
		}
		cur = next
		res.Pages++
		res.Upserted += pr.Upserted
		res.Unchanged += pr.Unchanged
		res.Deleted += pr.Deleted
		res.Swept += pr.Swept
		e.bus.Publish(bus.NewEvent(EventPageApplied, PageApplied{CycleID: res.ID, Page: res.Pages, Result: pr}))

		if next.PageToken == "" {
			return cur, nil
		}
		e.transition(status.Fetching)
	}
}

// restartable reports whether err is a rejection of the request itself
// rather than an outage, a credential problem or a cancellation.
func restartable(ctx context.Context, err error) bool {
	return ctx.Err() == nil &&
		!errors.Is(err, errs.ErrTransientNetwork) &&
		!errors.Is(err, errs.ErrAuthentication) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// LiveLookup searches the remote for query, stores every match through the
// regular upsert path and returns the stored contacts.
func (e *Engine) LiveLookup(ctx context.Context, query string) ([]store.Contact, error) {
	started := time.Now()
	persons, err := e.remote.SearchContacts(ctx, query)
	if err != nil {
		e.bus.Publish(bus.NewEvent(EventLookupFailed, LookupResult{Duration: time.Since(started), Err: err.Error()}))
		return nil, fmt.Errorf("search contacts: %w", err)
	}

	var (
		out     []store.Contact
		changed int
	)
	for i := range persons {
		p := &persons[i]
		if p.Deleted() {
			continue
		}
		rec, ok := e.rec.Record(p)
		if !ok {
			continue
		}
		ch, err := e.db.Upsert(ctx, rec)
		if err != nil {
			e.bus.Publish(bus.NewEvent(EventLookupFailed, LookupResult{Duration: time.Since(started), Err: err.Error()}))
			return nil, err
		}
		if ch {
			changed++
		}
		c, err := e.db.Get(ctx, rec.ResourceID)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}

	e.logger.Debug("live lookup", zap.Int("found", len(out)), zap.Int("changed", changed))
	e.bus.Publish(bus.NewEvent(EventLookupDone, LookupResult{Found: len(out), Changed: changed, Duration: time.Since(started)}))
	return out, nil
}

func (e *Engine) transition(to status.State) {
	if e.machine == nil {
		return
	}
	if err := e.machine.Transition(to); err != nil {
		e.logger.Debug("status transition skipped", zap.Error(err))
	}
}
