// Package vault stores the daemon's secrets behind a get/set/delete contract
// with two interchangeable backends: the platform keyring and an encrypted
// file. The backend is chosen once at startup.
package vault

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/matheus3301/setu/internal/errs"
	"go.uber.org/zap"
)

// Service is the keyring service name all entries live under.
const Service = "setu"

// Secret names.
const (
	KeyDB                 = "db_key"
	KeyOAuthToken         = "oauth_token"
	KeyCardDAVPassword    = "carddav_password"
	KeyGoogleClientSecret = "google_client_secret"
)

const (
	dbKeyBytes     = 32
	passwordLength = 24
	alphanumeric   = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Backend is a secret store. Get returns errs.ErrNotFound for absent keys and
// Delete of an absent key is not an error.
type Backend interface {
	Get(key string) (string, error)
	Set(key, secret string) error
	Delete(key string) error
	Name() string
}

// Vault wraps the selected backend with the get-or-init helpers used at startup.
type Vault struct {
	backend Backend
	initMu  sync.Mutex
}

// New wraps a backend.
func New(b Backend) *Vault {
	return &Vault{backend: b}
}

// Options controls backend selection.
type Options struct {
	// FilePath is the encrypted vault file used when the keyring is unusable.
	FilePath string
	// Passphrase protects the file backend. Empty means a machine-bound passphrase.
	Passphrase string
	// ForceFile skips the keyring probe.
	ForceFile bool
}

// Select probes the platform keyring once and falls back to the file backend
// on any failure. The choice holds for the lifetime of the returned Vault.
func Select(opts Options, logger *zap.Logger) (*Vault, error) {
	if !opts.ForceFile {
		kr := NewKeyring(Service)
		err := probe(kr)
		if err == nil {
			logger.Info("vault backend selected", zap.String("backend", kr.Name()))
			return New(kr), nil
		}
		logger.Warn("platform keyring unavailable, using file vault", zap.Error(err))
	}

	passphrase := opts.Passphrase
	if passphrase == "" {
		passphrase = machinePassphrase()
	}
	fv, err := OpenFile(opts.FilePath, passphrase)
	if err != nil {
		return nil, fmt.Errorf("open file vault: %w", err)
	}
	logger.Info("vault backend selected", zap.String("backend", fv.Name()), zap.String("path", opts.FilePath))
	return New(fv), nil
}

func probe(b Backend) error {
	const key = "__probe__"
	want, err := randomAlphanumeric(16)
	if err != nil {
		return err
	}
	if err := b.Set(key, want); err != nil {
		return fmt.Errorf("probe set: %w", err)
	}
	got, err := b.Get(key)
	if err != nil {
		return fmt.Errorf("probe get: %w", err)
	}
	if got != want {
		return errors.New("probe read back a different value")
	}
	return b.Delete(key)
}

// Backend returns the selected backend's name.
func (v *Vault) Backend() string { return v.backend.Name() }

// Get returns the secret or errs.ErrNotFound.
func (v *Vault) Get(key string) (string, error) { return v.backend.Get(key) }

// Set stores a secret.
func (v *Vault) Set(key, secret string) error { return v.backend.Set(key, secret) }

// Delete removes a secret.
func (v *Vault) Delete(key string) error { return v.backend.Delete(key) }

// DBKey returns the hex database master key, generating it on first use.
func (v *Vault) DBKey() (string, error) {
	return v.getOrInit(KeyDB, func() (string, error) {
		b := make([]byte, dbKeyBytes)
		if _, err := rand.Read(b); err != nil {
			return "", err
		}
		return hex.EncodeToString(b), nil
	})
}

// CardDAVPassword returns the Basic-Auth password, generating it on first use.
func (v *Vault) CardDAVPassword() (string, error) {
	return v.getOrInit(KeyCardDAVPassword, func() (string, error) {
		return randomAlphanumeric(passwordLength)
	})
}

// ClientSecret returns the Google OAuth client secret, or "" if not configured.
func (v *Vault) ClientSecret() (string, error) {
	s, err := v.backend.Get(KeyGoogleClientSecret)
	if errors.Is(err, errs.ErrNotFound) {
		return "", nil
	}
	return s, err
}

func (v *Vault) getOrInit(key string, gen func() (string, error)) (string, error) {
	if s, err := v.backend.Get(key); err == nil {
		return s, nil
	} else if !errors.Is(err, errs.ErrNotFound) {
		return "", fmt.Errorf("read %s: %w", key, err)
	}

	v.initMu.Lock()
	defer v.initMu.Unlock()
	// Another caller may have initialised it while we waited.
	if s, err := v.backend.Get(key); err == nil {
		return s, nil
	}
	s, err := gen()
	if err != nil {
		return "", fmt.Errorf("generate %s: %w", key, err)
	}
	if err := v.backend.Set(key, s); err != nil {
		return "", fmt.Errorf("store %s: %w", key, err)
	}
	return s, nil
}

func randomAlphanumeric(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphanumeric)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphanumeric[idx.Int64()]
	}
	return string(out), nil
}
