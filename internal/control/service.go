package control

import (
	"context"
	"time"

	"github.com/matheus3301/setu/internal/status"
	intsync "github.com/matheus3301/setu/internal/sync"
)

// Engine is the part of the sync engine the control API exposes.
type Engine interface {
	SyncNow(ctx context.Context) (*intsync.CycleResult, error)
	Last() *intsync.CycleResult
	Running() bool
	Interval() time.Duration
}

// Counter counts live contacts.
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// Status is the GET /status response.
type Status struct {
	State        string      `json:"state"`
	StateSince   time.Time   `json:"state_since"`
	UptimeMs     int64       `json:"uptime_ms"`
	Contacts     int64       `json:"contacts"`
	VaultBackend string      `json:"vault_backend"`
	CardDAVAddr  string      `json:"carddav_addr,omitempty"`
	SyncInterval string      `json:"sync_interval"`
	SyncRunning  bool        `json:"sync_running"`
	LastSync     *SyncReport `json:"last_sync,omitempty"`
}

// SyncReport describes one finished sync cycle.
type SyncReport struct {
	ID          string    `json:"id"`
	FullListing bool      `json:"full_listing"`
	Restarted   bool      `json:"restarted,omitempty"`
	Pages       int       `json:"pages"`
	Upserted    int       `json:"upserted"`
	Unchanged   int       `json:"unchanged"`
	Deleted     int       `json:"deleted"`
	Skipped     int       `json:"skipped"`
	Started     time.Time `json:"started"`
	DurationMs  int64     `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
}

// Service answers control requests from the daemon's components.
type Service struct {
	startedAt    time.Time
	machine      *status.Machine
	engine       Engine
	contacts     Counter
	vaultBackend string
	carddavAddr  func() string
}

// NewService creates the control service. carddavAddr may be nil.
func NewService(machine *status.Machine, engine Engine, contacts Counter, vaultBackend string, carddavAddr func() string) *Service {
	return &Service{
		startedAt:    time.Now(),
		machine:      machine,
		engine:       engine,
		contacts:     contacts,
		vaultBackend: vaultBackend,
		carddavAddr:  carddavAddr,
	}
}

// Status snapshots the daemon. A failing count is reported as -1 rather
// than failing the whole request.
func (s *Service) Status(ctx context.Context) *Status {
	st := &Status{
		State:        string(s.machine.Current()),
		StateSince:   s.machine.Since(),
		UptimeMs:     time.Since(s.startedAt).Milliseconds(),
		Contacts:     -1,
		VaultBackend: s.vaultBackend,
		SyncInterval: s.engine.Interval().String(),
		SyncRunning:  s.engine.Running(),
		LastSync:     report(s.engine.Last()),
	}
	if n, err := s.contacts.Count(ctx); err == nil {
		st.Contacts = n
	}
	if s.carddavAddr != nil {
		st.CardDAVAddr = s.carddavAddr()
	}
	return st
}

// Sync runs a cycle, or joins the running one, and waits for it. A failed
// cycle returns both its report and the error.
func (s *Service) Sync(ctx context.Context) (*SyncReport, error) {
	res, err := s.engine.SyncNow(ctx)
	return report(res), err
}

func report(r *intsync.CycleResult) *SyncReport {
	if r == nil {
		return nil
	}
	return &SyncReport{
		ID:          r.ID,
		FullListing: r.FullListing,
		Restarted:   r.Restarted,
		Pages:       r.Pages,
		Upserted:    r.Upserted,
		Unchanged:   r.Unchanged,
		Deleted:     r.Deleted + r.Swept,
		Skipped:     r.Skipped,
		Started:     r.Started,
		DurationMs:  r.Duration.Milliseconds(),
		Error:       r.Err,
	}
}
