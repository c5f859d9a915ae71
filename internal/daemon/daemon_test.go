package daemon

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/matheus3301/setu/internal/bus"
	"github.com/matheus3301/setu/internal/config"
	"github.com/matheus3301/setu/internal/control"
	"github.com/matheus3301/setu/internal/lock"
	"github.com/matheus3301/setu/internal/maintenance"
	"github.com/matheus3301/setu/internal/metrics"
	"github.com/matheus3301/setu/internal/paths"
	"github.com/matheus3301/setu/internal/people"
	"github.com/matheus3301/setu/internal/status"
	intsync "github.com/matheus3301/setu/internal/sync"
	"github.com/matheus3301/setu/internal/vault"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const connectionsBody = `{
  "connections": [{
    "resourceName": "people/c1",
    "etag": "e1",
    "names": [{"displayName": "Ada Lovelace", "givenName": "Ada", "familyName": "Lovelace"}],
    "phoneNumbers": [{"value": "+1 555 123 4567", "type": "mobile"}]
  }],
  "nextSyncToken": "sync-1",
  "totalPeople": 1
}`

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port
}

// setupHome points the data directory at a fresh short path and writes a
// config listening on a free port.
func setupHome(t *testing.T) string {
	t.Helper()
	// Short path to stay under the Unix socket path limit on macOS.
	home, err := os.MkdirTemp("/tmp", "setu-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	t.Setenv(paths.HomeEnv, home)

	cfg := config.Default()
	cfg.GoogleClientID = "test-client"
	cfg.ServerPort = freePort(t)
	if err := config.Save(paths.ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}
	return home
}

func openVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.Select(vault.Options{FilePath: paths.VaultPath(), ForceFile: true}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func seedToken(t *testing.T, v *vault.Vault) {
	t.Helper()
	raw, err := json.Marshal(&oauth2.Token{
		AccessToken:  "access",
		TokenType:    "Bearer",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Set(people.TokenKey, string(raw)); err != nil {
		t.Fatal(err)
	}
}

// fakeRemote is a People API stand-in that counts empty-query searches.
type fakeRemote struct {
	*httptest.Server
	warmups atomic.Int32
}

func fakePeople(t *testing.T) *fakeRemote {
	t.Helper()
	f := &fakeRemote{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v1/people/me/connections":
			_, _ = io.WriteString(w, connectionsBody)
		case "/v1/people:searchContacts":
			if r.URL.Query().Get("query") == "" {
				f.warmups.Add(1)
			}
			_, _ = io.WriteString(w, `{}`)
		default:
			_, _ = io.WriteString(w, `{}`)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func startApp(t *testing.T, p Params) *fx.App {
	t.Helper()
	app := fx.New(Module(p), fx.NopLogger)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return app
}

func stopApp(t *testing.T, app *fx.App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

// waitStatus polls the control socket until cond holds.
func waitStatus(t *testing.T, c *control.Client, cond func(*control.Status) bool) *control.Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := c.Status(context.Background())
		if err == nil && cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("status condition not met: last = %+v, err = %v", st, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	home := setupHome(t)
	remote := fakePeople(t)
	if err := paths.EnsureDir(); err != nil {
		t.Fatal(err)
	}
	v := openVault(t)
	seedToken(t, v)

	app := startApp(t, Params{Headless: true, ForceFile: true, PeopleBaseURL: remote.URL})
	stopped := false
	defer func() {
		if !stopped {
			stopApp(t, app)
		}
	}()

	// A second instance must be refused while this one runs.
	var held *lock.LockHeldError
	if _, err := lock.Acquire(home); !errors.As(err, &held) {
		t.Fatalf("second lock: err = %v, want LockHeldError", err)
	}

	c := control.NewClient(paths.SocketPath())
	defer c.Close()
	st := waitStatus(t, c, func(s *control.Status) bool { return s.LastSync != nil })
	if st.LastSync.Error != "" {
		t.Fatalf("first cycle failed: %s", st.LastSync.Error)
	}
	if st.State != string(status.Idle) {
		t.Errorf("state = %s, want IDLE", st.State)
	}
	if st.Contacts != 1 {
		t.Errorf("contacts = %d, want 1", st.Contacts)
	}
	if st.VaultBackend != "file" {
		t.Errorf("vault backend = %s", st.VaultBackend)
	}

	// The synced contact is served over CardDAV with the vault password.
	password, err := v.CardDAVPassword()
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodGet, "http://"+st.CardDAVAddr+"/addressbook/people_c1.vcf", nil)
	req.SetBasicAuth(config.DefaultUsername, password)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET contact = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "FN:Ada Lovelace") {
		t.Errorf("vcard = %s", body)
	}

	// The search index is primed at startup, not on the first lookup.
	deadline := time.Now().Add(5 * time.Second)
	for remote.warmups.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no search warmup at startup")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// A forced sync through the socket runs an incremental cycle.
	rep, err := c.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if rep.FullListing {
		t.Error("second cycle should use the stored sync token")
	}

	stopApp(t, app)
	stopped = true

	if _, err := os.Stat(paths.SocketPath()); !os.IsNotExist(err) {
		t.Errorf("socket left behind: %v", err)
	}
	lk, err := lock.Acquire(home)
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	_ = lk.Release()
}

// TestStatusTransitionsToAuthRequired verifies that a daemon without a
// stored token settles in AUTH_REQUIRED instead of staying in BOOTING, and
// leaves it once a token is imported.
func TestStatusTransitionsToAuthRequired(t *testing.T) {
	setupHome(t)
	remote := fakePeople(t)

	app := startApp(t, Params{Headless: true, ForceFile: true, PeopleBaseURL: remote.URL})
	defer stopApp(t, app)

	c := control.NewClient(paths.SocketPath())
	defer c.Close()
	st := waitStatus(t, c, func(s *control.Status) bool { return s.LastSync != nil })
	if st.State != string(status.AuthRequired) {
		t.Errorf("state = %s, want AUTH_REQUIRED", st.State)
	}
	if st.Contacts != 0 {
		t.Errorf("contacts = %d, want 0", st.Contacts)
	}

	// Importing a token into the running daemon's vault recovers on the
	// next sync without a restart.
	seedToken(t, openVault(t))
	rep, err := c.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync after token import: %v", err)
	}
	if rep.Upserted != 1 {
		t.Errorf("upserted = %d, want 1", rep.Upserted)
	}
	st = waitStatus(t, c, func(s *control.Status) bool { return s.State == string(status.Idle) })
	if st.Contacts != 1 {
		t.Errorf("contacts after recovery = %d, want 1", st.Contacts)
	}
}

func TestConfigEditChangesInterval(t *testing.T) {
	setupHome(t)
	remote := fakePeople(t)

	var engine *intsync.Engine
	app := fx.New(Module(Params{Headless: true, ForceFile: true, PeopleBaseURL: remote.URL}), fx.NopLogger, fx.Populate(&engine))
	if err := app.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stopApp(t, app)

	cfg, err := config.Load(paths.ConfigPath())
	if err != nil {
		t.Fatal(err)
	}
	cfg.SyncIntervalSecs = 120
	if err := config.Save(paths.ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for engine.Interval() != 2*time.Minute {
		if time.Now().After(deadline) {
			t.Fatalf("interval = %s, want 2m", engine.Interval())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestEventRecorderFeedsMetrics(t *testing.T) {
	b := bus.New()
	r := NewEventRecorder(b, zap.NewNop())

	okBefore := testutil.ToFloat64(metrics.SyncCycles.WithLabelValues(intsync.OutcomeOK))
	upBefore := testutil.ToFloat64(metrics.ContactsApplied.WithLabelValues("upsert"))
	hitBefore := testutil.ToFloat64(metrics.LiveLookups.WithLabelValues("hit"))
	errBefore := testutil.ToFloat64(metrics.LiveLookups.WithLabelValues("error"))
	compBefore := testutil.ToFloat64(metrics.TombstonesCompacted)

	r.Handle(bus.NewEvent(intsync.EventCycleCompleted, intsync.CycleResult{Outcome: intsync.OutcomeOK, Upserted: 3}))
	r.Handle(bus.NewEvent(intsync.EventCycleStarted, "ignored"))
	r.Handle(bus.NewEvent(intsync.EventLookupDone, intsync.LookupResult{Found: 1}))
	r.Handle(bus.NewEvent(intsync.EventLookupFailed, intsync.LookupResult{Err: "boom"}))
	r.Handle(bus.NewEvent(maintenance.EventCompacted, maintenance.Compacted{Removed: 4}))
	r.Handle(bus.NewEvent(status.EventStatusChanged, status.StatusChange{From: status.Booting, To: status.Idle}))

	if d := testutil.ToFloat64(metrics.SyncCycles.WithLabelValues(intsync.OutcomeOK)) - okBefore; d != 1 {
		t.Errorf("ok cycles delta = %v", d)
	}
	if d := testutil.ToFloat64(metrics.ContactsApplied.WithLabelValues("upsert")) - upBefore; d != 3 {
		t.Errorf("upserts delta = %v", d)
	}
	if d := testutil.ToFloat64(metrics.LiveLookups.WithLabelValues("hit")) - hitBefore; d != 1 {
		t.Errorf("lookup hits delta = %v", d)
	}
	if d := testutil.ToFloat64(metrics.LiveLookups.WithLabelValues("error")) - errBefore; d != 1 {
		t.Errorf("lookup errors delta = %v", d)
	}
	if d := testutil.ToFloat64(metrics.TombstonesCompacted) - compBefore; d != 4 {
		t.Errorf("compacted delta = %v", d)
	}
	if v := testutil.ToFloat64(metrics.DaemonState.WithLabelValues(string(status.Idle))); v != 1 {
		t.Errorf("IDLE gauge = %v", v)
	}
	if v := testutil.ToFloat64(metrics.DaemonState.WithLabelValues(string(status.Booting))); v != 0 {
		t.Errorf("BOOTING gauge = %v", v)
	}
}

func TestParamsConfigPath(t *testing.T) {
	t.Setenv(paths.HomeEnv, "/srv/setu")
	if got := (Params{}).configPath(); got != filepath.Join("/srv/setu", "config.toml") {
		t.Errorf("default = %s", got)
	}
	if got := (Params{ConfigPath: "/etc/setu.toml"}).configPath(); got != "/etc/setu.toml" {
		t.Errorf("override = %s", got)
	}
}
