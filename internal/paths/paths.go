package paths

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the data directory when set.
const HomeEnv = "SETU_HOME"

// BaseDir returns ~/.setu, or $SETU_HOME when set.
func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".setu")
}

// ConfigPath returns the config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// DBPath returns the contact cache database path.
func DBPath() string {
	return filepath.Join(BaseDir(), "contacts.db")
}

// VaultPath returns the encrypted-file vault path used when the platform
// keyring is unavailable.
func VaultPath() string {
	return filepath.Join(BaseDir(), "vault.bin")
}

// SocketPath returns the control socket path.
func SocketPath() string {
	return filepath.Join(BaseDir(), "setud.sock")
}

// LogDir returns the log directory.
func LogDir() string {
	return filepath.Join(BaseDir(), "logs")
}

// LogPath returns the daemon log file path.
func LogPath() string {
	return filepath.Join(LogDir(), "setud.log")
}

// EnsureDir creates the data directory tree with owner-only permissions.
func EnsureDir() error {
	for _, d := range []string{BaseDir(), LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
