package keyvault

import (
	"errors"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault() *Vault {
	return NewWithKeyring(keyring.NewArrayKeyring(nil))
}

func TestGetSetDelete(t *testing.T) {
	v := newTestVault()

	_, err := v.Get("missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, v.Set("api_key", "s3cr3t"))
	got, err := v.Get("api_key")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", got)

	require.NoError(t, v.Delete("api_key"))
	_, err = v.Get("api_key")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteMissingIsNoop(t *testing.T) {
	v := newTestVault()
	assert.NoError(t, v.Delete("never-existed"))
}

func TestGetOrCreateGeneratesOnce(t *testing.T) {
	v := newTestVault()

	first, err := v.GetOrCreate("salt_v1")
	require.NoError(t, err)
	// 32 random bytes, hex encoded
	assert.Len(t, first, 64)

	second, err := v.GetOrCreate("salt_v1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGetOrCreateKeepsExisting(t *testing.T) {
	v := newTestVault()
	require.NoError(t, v.Set("salt_v1", "pinned"))

	got, err := v.GetOrCreate("salt_v1")
	require.NoError(t, err)
	assert.Equal(t, "pinned", got)
}
