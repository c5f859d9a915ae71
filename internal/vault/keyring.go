package vault

import (
	"errors"

	"github.com/matheus3301/setu/internal/errs"
	"github.com/zalando/go-keyring"
)

// Keyring stores secrets in the platform credential store (Secret Service,
// macOS Keychain, Windows Credential Manager).
type Keyring struct {
	service string
}

// NewKeyring returns a keyring backend scoped to service.
func NewKeyring(service string) *Keyring {
	return &Keyring{service: service}
}

func (k *Keyring) Name() string { return "keyring" }

func (k *Keyring) Get(key string) (string, error) {
	s, err := keyring.Get(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", errs.ErrNotFound
	}
	return s, err
}

func (k *Keyring) Set(key, secret string) error {
	return keyring.Set(k.service, key, secret)
}

func (k *Keyring) Delete(key string) error {
	err := keyring.Delete(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}
