package cryptox

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKEKDeterministicAndSaltDependent(t *testing.T) {
	t.Parallel()
	pw := []byte("passphrase")
	k1 := DeriveKEK(pw, []byte("salt-1"))
	k2 := DeriveKEK(pw, []byte("salt-1"))
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, DeriveKEK(pw, []byte("salt-2")))
	assert.Len(t, k1, KeyLen)
}

func TestSealOpen(t *testing.T) {
	t.Parallel()
	key, err := Rand(KeyLen)
	require.NoError(t, err)

	blob, err := Seal(key, []byte("hello"), []byte("aad"))
	require.NoError(t, err)

	pt, err := Open(key, blob, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)

	_, err = Open(key, blob, []byte("other"))
	assert.ErrorIs(t, err, ErrCiphertext)

	_, err = Open(key, blob[:10], []byte("aad"))
	assert.ErrorIs(t, err, ErrCiphertext)
}

func TestSealUsesFreshNonce(t *testing.T) {
	t.Parallel()
	key, _ := Rand(KeyLen)
	a, err := Seal(key, []byte("same"), nil)
	require.NoError(t, err)
	b, err := Seal(key, []byte("same"), nil)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(a, b))
}

func TestSealerFingerprint(t *testing.T) {
	t.Parallel()
	master, _ := Rand(KeyLen)
	s, err := NewSealerHex(hex.EncodeToString(master))
	require.NoError(t, err)

	assert.Equal(t, s.Fingerprint([]byte("x")), s.Fingerprint([]byte("x")))
	assert.NotEqual(t, s.Fingerprint([]byte("x")), s.Fingerprint([]byte("y")))

	other, _ := Rand(KeyLen)
	s2, err := NewSealer(other)
	require.NoError(t, err)
	assert.NotEqual(t, s.Fingerprint([]byte("x")), s2.Fingerprint([]byte("x")))
}

func TestSealerRoundTrip(t *testing.T) {
	t.Parallel()
	master, _ := Rand(KeyLen)
	s, err := NewSealer(master)
	require.NoError(t, err)

	blob, err := s.Seal([]byte("vcard"), []byte("people/c1"))
	require.NoError(t, err)
	pt, err := s.Open(blob, []byte("people/c1"))
	require.NoError(t, err)
	assert.Equal(t, "vcard", string(pt))

	_, err = s.Open(blob, []byte("people/c2"))
	assert.Error(t, err)
}

func TestNewSealerRejectsShortKey(t *testing.T) {
	t.Parallel()
	_, err := NewSealer([]byte("short"))
	assert.Error(t, err)
	_, err = NewSealerHex("zz")
	assert.Error(t, err)
}
