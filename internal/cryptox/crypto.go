// Package cryptox contains the at-rest primitives shared by the contact store
// and the file vault: Argon2id key derivation, HKDF subkeys, XChaCha20-Poly1305
// sealing (nonce||ciphertext) and keyed BLAKE2b fingerprints.
package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	KeyLen  = chacha20poly1305.KeySize
	SaltLen = 16

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

// ErrCiphertext is returned when a sealed blob is truncated or fails authentication.
var ErrCiphertext = errors.New("ciphertext invalid")

// Rand returns n random bytes.
func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKEK derives a key-encryption key from a passphrase and salt using Argon2id.
func DeriveKEK(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KeyLen)
}

// DeriveSubkey derives a purpose-bound key from master via HKDF-SHA256.
func DeriveSubkey(master []byte, purpose string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(purpose))
	key := make([]byte, KeyLen)
	if _, err := r.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext with XChaCha20-Poly1305 under a random nonce.
// The output is nonce||ciphertext.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

// Open decrypts a blob produced by Seal with the same aad.
func Open(key, blob, aad []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, ErrCiphertext
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	pt, err := aead.Open(nil, nonce, blob[chacha20poly1305.NonceSizeX:], aad)
	if err != nil {
		return nil, ErrCiphertext
	}
	return pt, nil
}

// Sealer binds the sealing and fingerprint keys derived from one master key.
type Sealer struct {
	encKey []byte
	macKey []byte
}

// NewSealer derives independent encryption and fingerprint keys from master.
func NewSealer(master []byte) (*Sealer, error) {
	if len(master) < KeyLen {
		return nil, fmt.Errorf("master key too short: %d bytes", len(master))
	}
	enc, err := DeriveSubkey(master, "setu/store/enc")
	if err != nil {
		return nil, fmt.Errorf("derive enc key: %w", err)
	}
	mac, err := DeriveSubkey(master, "setu/store/mac")
	if err != nil {
		return nil, fmt.Errorf("derive mac key: %w", err)
	}
	return &Sealer{encKey: enc, macKey: mac}, nil
}

// NewSealerHex builds a Sealer from a hex-encoded master key as stored in the vault.
func NewSealerHex(masterHex string) (*Sealer, error) {
	master, err := hex.DecodeString(masterHex)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	return NewSealer(master)
}

// Seal encrypts plaintext bound to aad.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	return Seal(s.encKey, plaintext, aad)
}

// Open decrypts a blob bound to aad.
func (s *Sealer) Open(blob, aad []byte) ([]byte, error) {
	return Open(s.encKey, blob, aad)
}

// Fingerprint returns a keyed BLAKE2b-256 digest of data in hex. Equal inputs
// give equal fingerprints without revealing content to someone without the key.
func (s *Sealer) Fingerprint(data []byte) string {
	h, err := blake2b.New256(s.macKey)
	if err != nil {
		// Only fails for keys longer than 64 bytes.
		panic(err)
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
