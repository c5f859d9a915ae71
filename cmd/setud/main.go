package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/setu/internal/control"
	"github.com/matheus3301/setu/internal/daemon"
	"github.com/matheus3301/setu/internal/lock"
	"github.com/matheus3301/setu/internal/paths"
	"github.com/matheus3301/setu/internal/vault"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

var (
	headless     bool
	showPassword bool
	syncNow      bool
	configPath   string
	debug        bool
	forceFile    bool
)

var rootCmd = &cobra.Command{
	Use:   "setud",
	Short: "Serve Google Contacts to CardDAV clients from a local encrypted cache",
	Long: `setud keeps an encrypted copy of your Google Contacts in sync and serves it
to local CardDAV clients on 127.0.0.1.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showPassword {
			return printPassword()
		}
		if syncNow {
			forwarded, err := forwardSync(cmd.Context())
			if forwarded {
				return err
			}
		}
		return run()
	},
}

func init() {
	rootCmd.Flags().BoolVar(&headless, "headless", false, "log to the log file only")
	rootCmd.Flags().BoolVar(&showPassword, "show-carddav-password", false, "print the CardDAV password and exit")
	rootCmd.Flags().BoolVar(&syncNow, "sync-now", false, "run a sync right away; forwarded to the running daemon if there is one")
	rootCmd.Flags().StringVar(&configPath, "config", "", "config file (default $SETU_HOME/config.toml)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.Flags().BoolVar(&forceFile, "force-file-vault", false, "use the encrypted file vault instead of the platform keyring")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	app := fx.New(
		daemon.Module(daemon.Params{
			ConfigPath: configPath,
			Headless:   headless,
			Debug:      debug,
			SyncNow:    syncNow,
			ForceFile:  forceFile,
		}),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		var held *lock.LockHeldError
		if errors.As(err, &held) {
			return fmt.Errorf("another setud is already running (pid %d)", held.PID)
		}
		return err
	}

	<-app.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancel()
	return app.Stop(stopCtx)
}

// forwardSync asks a running daemon to sync. It reports false when no
// daemon holds the lock, in which case this process should start one.
func forwardSync(ctx context.Context) (bool, error) {
	if err := paths.EnsureDir(); err != nil {
		return true, err
	}
	lk, err := lock.Acquire(paths.BaseDir())
	if err == nil {
		_ = lk.Release()
		return false, nil
	}
	var held *lock.LockHeldError
	if !errors.As(err, &held) {
		return true, err
	}

	c := control.NewClient(paths.SocketPath())
	defer c.Close()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()
	rep, err := c.Sync(ctx)
	if rep != nil {
		fmt.Printf("sync %s: %d pages, %d upserted, %d deleted, %d skipped in %dms\n",
			rep.ID, rep.Pages, rep.Upserted, rep.Deleted, rep.Skipped, rep.DurationMs)
	}
	return true, err
}

// printPassword initializes the CardDAV password if needed and prints it.
func printPassword() error {
	if err := paths.EnsureDir(); err != nil {
		return err
	}
	// Hold the lock when no daemon does, so first-run generation cannot race.
	if lk, err := lock.Acquire(paths.BaseDir()); err == nil {
		defer func() { _ = lk.Release() }()
	}
	v, err := vault.Select(vault.Options{FilePath: paths.VaultPath(), ForceFile: forceFile}, zap.NewNop())
	if err != nil {
		return err
	}
	password, err := v.CardDAVPassword()
	if err != nil {
		return err
	}
	fmt.Println(password)
	return nil
}
