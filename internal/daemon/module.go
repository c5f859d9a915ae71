package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/setu/internal/bus"
	"github.com/matheus3301/setu/internal/carddav"
	"github.com/matheus3301/setu/internal/config"
	"github.com/matheus3301/setu/internal/control"
	"github.com/matheus3301/setu/internal/cryptox"
	"github.com/matheus3301/setu/internal/lock"
	"github.com/matheus3301/setu/internal/logging"
	"github.com/matheus3301/setu/internal/maintenance"
	"github.com/matheus3301/setu/internal/paths"
	"github.com/matheus3301/setu/internal/people"
	"github.com/matheus3301/setu/internal/status"
	"github.com/matheus3301/setu/internal/store"
	intsync "github.com/matheus3301/setu/internal/sync"
	"github.com/matheus3301/setu/internal/vault"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved startup options passed to the fx module.
type Params struct {
	ConfigPath string // empty = paths.ConfigPath()
	Headless   bool   // log to the file only
	Debug      bool
	SyncNow    bool // report the first cycle's outcome on stderr-facing logs
	ForceFile  bool // skip the keyring probe

	PeopleBaseURL string // optional override for testing
	SocketPath    string // optional override for testing; empty = use default
}

func (p Params) configPath() string {
	if p.ConfigPath != "" {
		return p.ConfigPath
	}
	return paths.ConfigPath()
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideVault,
			provideStore,
			provideTokenSource,
			providePeopleClient,
			provideSyncEngine,
			provideCardDAV,
			provideCompactor,
			provideConfigWatcher,
			provideControl,
			NewEventRecorder,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(p.configPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := paths.EnsureDir(); err != nil {
		return nil, err
	}
	return logging.New(logging.Options{Path: paths.LogPath(), Console: !p.Headless, Debug: p.Debug})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring instance lock", zap.String("dir", paths.BaseDir()))
	l, err := lock.Acquire(paths.BaseDir())
	if err != nil {
		return nil, err
	}
	logger.Info("instance lock acquired")
	return l, nil
}

// provideVault depends on the lock so two daemons never race on first-run
// secret generation.
func provideVault(p Params, _ *lock.Lock, logger *zap.Logger) (*vault.Vault, error) {
	return vault.Select(vault.Options{FilePath: paths.VaultPath(), ForceFile: p.ForceFile}, logger.Named("vault"))
}

func provideStore(v *vault.Vault, logger *zap.Logger) (*store.DB, error) {
	key, err := v.DBKey()
	if err != nil {
		return nil, fmt.Errorf("database key: %w", err)
	}
	sealer, err := cryptox.NewSealerHex(key)
	if err != nil {
		return nil, err
	}

	dbPath := paths.DBPath()
	db, err := store.Open(dbPath, sealer)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideTokenSource(cfg *config.Config, v *vault.Vault) (*people.TokenSource, error) {
	secret, err := v.ClientSecret()
	if err != nil {
		return nil, fmt.Errorf("client secret: %w", err)
	}
	return people.NewTokenSource(people.OAuthConfig(cfg.GoogleClientID, secret), v, cfg.RemoteTimeout()), nil
}

func providePeopleClient(p Params, cfg *config.Config, ts *people.TokenSource, logger *zap.Logger) *people.Client {
	return people.NewClient(people.ClientConfig{
		BaseURL: p.PeopleBaseURL,
		Timeout: cfg.RemoteTimeout(),
	}, ts, logger)
}

func provideSyncEngine(db *store.DB, client *people.Client, b *bus.Bus, m *status.Machine, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, client, b, m, cfg.SyncInterval(), logger)
}

func provideCardDAV(cfg *config.Config, db *store.DB, engine *intsync.Engine, v *vault.Vault, logger *zap.Logger) *carddav.Server {
	return carddav.NewServer(carddav.Config{Port: cfg.ServerPort, Username: cfg.Username}, db, engine, v, logger)
}

func provideCompactor(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) *maintenance.Compactor {
	return maintenance.NewCompactor(db, b, cfg.CompactInterval(), cfg.TombstoneRetention(), logger)
}

// provideConfigWatcher applies edits of the sync interval to the running
// engine. Other settings take effect on restart.
func provideConfigWatcher(p Params, engine *intsync.Engine, logger *zap.Logger) *config.Watcher {
	return config.NewWatcher(p.configPath(), func(c *config.Config) {
		engine.SetInterval(c.SyncInterval())
	}, logger.Named("config"))
}

func provideControl(p Params, m *status.Machine, engine *intsync.Engine, db *store.DB, v *vault.Vault, dav *carddav.Server, logger *zap.Logger) (*control.Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = paths.SocketPath()
	}
	svc := control.NewService(m, engine, db, v.Backend(), dav.Addr)
	return control.NewServer(socketPath, svc, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	p Params,
	srv *control.Server,
	dav *carddav.Server,
	lk *lock.Lock,
	db *store.DB,
	ts *people.TokenSource,
	client *people.Client,
	engine *intsync.Engine,
	compactor *maintenance.Compactor,
	watcher *config.Watcher,
	recorder *EventRecorder,
	machine *status.Machine,
	logger *zap.Logger,
) {
	bg, cancelBg := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Record first so the boot transition is counted.
			recorder.Start(context.Background())

			if err := dav.Start(); err != nil {
				_ = machine.Transition(status.Error)
				return err
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			if err := watcher.Start(context.Background()); err != nil {
				logger.Warn("config watcher disabled", zap.Error(err))
			}

			if ts.Available() {
				_ = machine.Transition(status.Idle)
				go warmupSearch(bg, client, logger)
			} else {
				logger.Info("no oauth token in vault, auth required")
				_ = machine.Transition(status.AuthRequired)
			}

			engine.Start(context.Background())
			compactor.Start(context.Background())

			if p.SyncNow {
				go reportFirstCycle(engine, logger)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelBg()
			watcher.Stop()
			compactor.Stop()
			engine.Stop()
			if err := dav.Stop(ctx); err != nil {
				logger.Warn("carddav shutdown", zap.Error(err))
			}
			srv.Stop(ctx)
			recorder.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}

// warmupSearch primes the remote search index so the first live lookup
// does not pay for it.
func warmupSearch(ctx context.Context, client *people.Client, logger *zap.Logger) {
	if err := client.Warmup(ctx); err != nil && ctx.Err() == nil {
		logger.Warn("search warmup failed", zap.Error(err))
	}
}

// reportFirstCycle joins the startup cycle and logs how it went.
func reportFirstCycle(engine *intsync.Engine, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	res, err := engine.SyncNow(ctx)
	if err != nil {
		logger.Error("startup sync failed", zap.Error(err))
		return
	}
	logger.Info("startup sync finished",
		zap.Int("pages", res.Pages),
		zap.Int("upserted", res.Upserted),
		zap.Duration("took", res.Duration))
}
