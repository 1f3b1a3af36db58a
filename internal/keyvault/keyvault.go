// Package keyvault stores named secrets in the OS credential store. All
// secret material used by the pipeline (encryption keys, idempotency
// secrets, HMAC keys, recipient hash salts) goes through this package so
// that nothing secret ever lands in config files or the ledger.
package keyvault

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// ErrNotFound is returned when the named secret does not exist.
var ErrNotFound = errors.New("keyvault: secret not found")

// Vault is a named-secret store backed by the platform keyring.
type Vault struct {
	ring keyring.Keyring
}

// Open opens the credential store for the given service name.
func Open(serviceName string) (*Vault, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
	})
	if err != nil {
		return nil, fmt.Errorf("open keyring for %q: %w", serviceName, err)
	}
	return &Vault{ring: ring}, nil
}

// NewWithKeyring wraps an existing keyring. Tests use this with
// keyring.NewArrayKeyring to avoid touching the real credential store.
func NewWithKeyring(ring keyring.Keyring) *Vault {
	return &Vault{ring: ring}
}

// Get returns the secret stored under name.
func (v *Vault) Get(name string) (string, error) {
	item, err := v.ring.Get(name)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("get secret %q: %w", name, err)
	}
	return string(item.Data), nil
}

// Set stores value under name, replacing any existing secret.
func (v *Vault) Set(name, value string) error {
	err := v.ring.Set(keyring.Item{Key: name, Data: []byte(value)})
	if err != nil {
		return fmt.Errorf("set secret %q: %w", name, err)
	}
	return nil
}

// Delete removes the secret stored under name. Deleting a missing secret
// is not an error.
func (v *Vault) Delete(name string) error {
	err := v.ring.Remove(name)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("delete secret %q: %w", name, err)
	}
	return nil
}

// GetOrCreate returns the secret under name, generating and persisting a
// fresh 32-byte random hex value on first use.
func (v *Vault) GetOrCreate(name string) (string, error) {
	val, err := v.Get(name)
	if err == nil {
		return val, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	fresh, err := randomHex(32)
	if err != nil {
		return "", err
	}
	if err := v.Set(name, fresh); err != nil {
		return "", err
	}
	return fresh, nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
