package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/matheus3301/setu/internal/cryptox"
	"github.com/matheus3301/setu/internal/errs"
)

const fileFormatVersion = 1

var fileAAD = []byte("setu/vault/v1")

// fileEnvelope is the on-disk layout: the Argon2id salt in the clear and the
// JSON secret map sealed with the derived key.
type fileEnvelope struct {
	Version int    `json:"v"`
	Salt    []byte `json:"salt"`
	Data    []byte `json:"data"`
}

// File is the encrypted-file fallback backend. The whole secret map is
// rewritten on every Set/Delete through a temp file and an atomic rename, so
// readers always see a complete file. Changes made by other processes are
// picked up on the next Get.
type File struct {
	path string
	key  []byte
	salt []byte

	mu      sync.RWMutex
	secrets map[string]string
	modTime time.Time
	size    int64
}

// OpenFile opens or creates the vault file at path.
func OpenFile(path, passphrase string) (*File, error) {
	f := &File{path: path, secrets: map[string]string{}}

	env, err := readEnvelope(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		salt, err := cryptox.Rand(cryptox.SaltLen)
		if err != nil {
			return nil, err
		}
		f.salt = salt
		f.key = cryptox.DeriveKEK([]byte(passphrase), salt)
		if err := f.persistLocked(); err != nil {
			return nil, err
		}
		return f, nil
	case err != nil:
		return nil, err
	}

	f.salt = env.Salt
	f.key = cryptox.DeriveKEK([]byte(passphrase), env.Salt)
	if err := f.reloadLocked(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) Name() string { return "file" }

func (f *File) Get(key string) (string, error) {
	if f.stale() {
		f.mu.Lock()
		if err := f.reloadLocked(); err != nil {
			f.mu.Unlock()
			return "", err
		}
		f.mu.Unlock()
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.secrets[key]
	if !ok {
		return "", errs.ErrNotFound
	}
	return s, nil
}

func (f *File) Set(key, secret string) error {
	stale := f.stale()
	f.mu.Lock()
	defer f.mu.Unlock()
	// Another process may have written since the last load.
	if stale {
		if err := f.reloadLocked(); err != nil {
			return err
		}
	}
	f.secrets[key] = secret
	return f.persistLocked()
}

func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.secrets[key]; !ok {
		return nil
	}
	delete(f.secrets, key)
	return f.persistLocked()
}

// stale reports whether the file on disk differs from what was last loaded.
func (f *File) stale() bool {
	info, err := os.Stat(f.path)
	if err != nil {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return !info.ModTime().Equal(f.modTime) || info.Size() != f.size
}

func (f *File) reloadLocked() error {
	env, err := readEnvelope(f.path)
	if err != nil {
		return err
	}
	plain, err := cryptox.Open(f.key, env.Data, fileAAD)
	if err != nil {
		return fmt.Errorf("decrypt vault: %w", err)
	}
	secrets := map[string]string{}
	if err := json.Unmarshal(plain, &secrets); err != nil {
		return fmt.Errorf("decode vault: %w", err)
	}
	f.secrets = secrets
	f.recordStatLocked()
	return nil
}

func (f *File) persistLocked() error {
	plain, err := json.Marshal(f.secrets)
	if err != nil {
		return err
	}
	sealed, err := cryptox.Seal(f.key, plain, fileAAD)
	if err != nil {
		return fmt.Errorf("encrypt vault: %w", err)
	}
	data, err := json.Marshal(fileEnvelope{Version: fileFormatVersion, Salt: f.salt, Data: sealed})
	if err != nil {
		return err
	}
	if err := writeFileAtomic(f.path, data, 0600); err != nil {
		return err
	}
	f.recordStatLocked()
	return nil
}

func (f *File) recordStatLocked() {
	if info, err := os.Stat(f.path); err == nil {
		f.modTime = info.ModTime()
		f.size = info.Size()
	}
}

func readEnvelope(path string) (*fileEnvelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse vault file: %w", err)
	}
	if env.Version != fileFormatVersion {
		return nil, fmt.Errorf("unsupported vault version %d", env.Version)
	}
	return &env, nil
}

// writeFileAtomic writes data to a temp file in the same directory, syncs it
// and renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// machinePassphrase binds the file vault to this machine and user when no
// explicit passphrase is configured.
func machinePassphrase() string {
	parts := []string{Service}
	if id, err := os.ReadFile("/etc/machine-id"); err == nil {
		parts = append(parts, strings.TrimSpace(string(id)))
	}
	if host, err := os.Hostname(); err == nil {
		parts = append(parts, host)
	}
	if u, err := user.Current(); err == nil {
		parts = append(parts, u.Uid, u.Username)
	}
	return strings.Join(parts, "|")
}
