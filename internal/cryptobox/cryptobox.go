// Package cryptobox encrypts recipient PII at rest. Values are sealed
// into versioned "enc:v1:" envelopes with AES-256-GCM; the data key lives
// in the credential store, never on disk.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ignite/quote-sender/internal/keyvault"
)

const (
	envelopePrefix = "enc:v1:"
	keySecretName  = "encryption_key"
	keyBytes       = 32
)

var (
	// ErrKeyNotFound is returned when no encryption key has been provisioned.
	ErrKeyNotFound = errors.New("cryptobox: encryption key not found")
	// ErrDecryption is returned when an envelope cannot be opened. The cause
	// (tampering, wrong key, truncation) is deliberately not distinguished.
	ErrDecryption = errors.New("cryptobox: decryption failed")
)

// Box seals and opens encrypted envelopes using a vault-held key.
type Box struct {
	vault *keyvault.Vault

	mu     sync.Mutex
	cached cipher.AEAD
}

// New returns a Box backed by the given vault.
func New(vault *keyvault.Vault) *Box {
	return &Box{vault: vault}
}

// IsEncryptedValue reports whether s looks like a sealed envelope of any
// version.
func IsEncryptedValue(s string) bool {
	if !strings.HasPrefix(s, "enc:v") {
		return false
	}
	rest := s[len("enc:v"):]
	return strings.Contains(rest, ":")
}

// EnvelopeVersion returns the version tag of a sealed envelope, e.g. "v1".
// It returns "" for values that are not envelopes.
func EnvelopeVersion(s string) string {
	if !IsEncryptedValue(s) {
		return ""
	}
	parts := strings.SplitN(s, ":", 3)
	return parts[1]
}

// GenerateKey provisions a fresh random key, replacing any existing one.
// Envelopes sealed under the old key become unreadable.
func (b *Box) GenerateKey() error {
	raw := make([]byte, keyBytes)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("cryptobox: generate key: %w", err)
	}
	if err := b.vault.Set(keySecretName, hex.EncodeToString(raw)); err != nil {
		return err
	}
	b.invalidate()
	return nil
}

// ImportKey installs an externally provided key, given as 64 hex characters.
func (b *Box) ImportKey(hexKey string) error {
	raw, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil || len(raw) != keyBytes {
		return fmt.Errorf("cryptobox: import key: need %d hex-encoded bytes", keyBytes)
	}
	if err := b.vault.Set(keySecretName, hex.EncodeToString(raw)); err != nil {
		return err
	}
	b.invalidate()
	return nil
}

// DeleteKey removes the key from the vault.
func (b *Box) DeleteKey() error {
	if err := b.vault.Delete(keySecretName); err != nil {
		return err
	}
	b.invalidate()
	return nil
}

// HasKey reports whether an encryption key is provisioned.
func (b *Box) HasKey() bool {
	_, err := b.vault.Get(keySecretName)
	return err == nil
}

// Encrypt seals plaintext into an "enc:v1:" envelope.
func (b *Box) Encrypt(plaintext string) (string, error) {
	aead, err := b.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cryptobox: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return envelopePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an "enc:v1:" envelope.
func (b *Box) Decrypt(envelope string) (string, error) {
	if !strings.HasPrefix(envelope, envelopePrefix) {
		return "", fmt.Errorf("%w: unsupported envelope %q", ErrDecryption, EnvelopeVersion(envelope))
	}
	sealed, err := base64.StdEncoding.DecodeString(envelope[len(envelopePrefix):])
	if err != nil {
		return "", ErrDecryption
	}
	aead, err := b.aead()
	if err != nil {
		return "", err
	}
	if len(sealed) < aead.NonceSize() {
		return "", ErrDecryption
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plain), nil
}

func (b *Box) aead() (cipher.AEAD, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cached != nil {
		return b.cached, nil
	}
	hexKey, err := b.vault.Get(keySecretName)
	if err != nil {
		if errors.Is(err, keyvault.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil || len(raw) != keyBytes {
		return nil, fmt.Errorf("cryptobox: stored key is malformed")
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: %w", err)
	}
	b.cached = aead
	return aead, nil
}

func (b *Box) invalidate() {
	b.mu.Lock()
	b.cached = nil
	b.mu.Unlock()
}
