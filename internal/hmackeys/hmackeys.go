// Package hmackeys manages the versioned HMAC keys used to pseudonymize
// recipient addresses in the request history. Key material lives in the
// credential store; only version metadata is written to disk, so history
// files stay verifiable without ever exposing a key.
package hmackeys

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/quote-sender/internal/keyvault"
)

const (
	// RegistryFileName is the registry's basename under the request
	// history directory.
	RegistryFileName = "hmac_key_registry.json"

	secretNamePrefix = "aimitsu_hmac_key_"

	// StatusVerifiable means hashes made with this version can still be
	// recomputed. StatusLegacy means they cannot (revoked or lost key).
	StatusVerifiable = "verifiable"
	StatusLegacy     = "legacy_unverifiable"
)

type keyMeta struct {
	CreatedAtUTC string `json:"created_at_utc"`
	Status       string `json:"status"`
}

type registry struct {
	ActiveVersion string             `json:"active_version"`
	Keys          map[string]keyMeta `json:"keys"`
}

// Manager rotates, revokes and applies HMAC keys.
type Manager struct {
	vault        *keyvault.Vault
	registryPath string
	rotationDays int

	now func() time.Time
}

// New returns a Manager whose registry lives at registryPath. A
// rotationDays of zero means the 180-day default.
func New(vault *keyvault.Vault, registryPath string, rotationDays int) *Manager {
	if rotationDays <= 0 {
		rotationDays = 180
	}
	return &Manager{
		vault:        vault,
		registryPath: registryPath,
		rotationDays: rotationDays,
		now:          time.Now,
	}
}

// EnsureActiveKey returns the active key version, rotating to a fresh one
// when there is no active key, the secret is missing from the vault, or
// the key has outlived the rotation period.
func (m *Manager) EnsureActiveKey() (string, error) {
	reg, err := m.load()
	if err != nil {
		return "", err
	}

	if v := reg.ActiveVersion; v != "" {
		meta, ok := reg.Keys[v]
		if ok && meta.Status == "active" && !m.expired(meta) {
			if _, err := m.vault.Get(secretNamePrefix + v); err == nil {
				return v, nil
			}
		}
	}
	return m.rotate(reg)
}

// Revoke marks a key version unusable. Revoking the active version leaves
// the registry with no active key until the next EnsureActiveKey call.
func (m *Manager) Revoke(version string) error {
	reg, err := m.load()
	if err != nil {
		return err
	}
	meta, ok := reg.Keys[version]
	if !ok {
		return fmt.Errorf("hmackeys: unknown version %q", version)
	}
	meta.Status = "revoked"
	reg.Keys[version] = meta
	if reg.ActiveVersion == version {
		reg.ActiveVersion = ""
	}
	return m.save(reg)
}

// HashEmail returns the HMAC of the normalized address under the active
// key, together with the version that produced it.
func (m *Manager) HashEmail(email string) (hash, version string, err error) {
	version, err = m.EnsureActiveKey()
	if err != nil {
		return "", "", err
	}
	secret, err := m.vault.Get(secretNamePrefix + version)
	if err != nil {
		return "", "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(mac.Sum(nil)), version, nil
}

// VerificationStatus reports whether hashes made with the given version
// can still be recomputed.
func (m *Manager) VerificationStatus(version string) string {
	if version == "" {
		return StatusLegacy
	}
	reg, err := m.load()
	if err != nil {
		return StatusLegacy
	}
	meta, ok := reg.Keys[version]
	if !ok || meta.Status != "active" {
		return StatusLegacy
	}
	if _, err := m.vault.Get(secretNamePrefix + version); err != nil {
		return StatusLegacy
	}
	return StatusVerifiable
}

func (m *Manager) rotate(reg registry) (string, error) {
	next := 1
	for v := range reg.Keys {
		if n, err := strconv.Atoi(strings.TrimPrefix(v, "v")); err == nil && n >= next {
			next = n + 1
		}
	}
	version := "v" + strconv.Itoa(next)

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("hmackeys: generate key: %w", err)
	}
	if err := m.vault.Set(secretNamePrefix+version, hex.EncodeToString(raw)); err != nil {
		return "", err
	}

	if reg.Keys == nil {
		reg.Keys = map[string]keyMeta{}
	}
	reg.Keys[version] = keyMeta{
		CreatedAtUTC: m.now().UTC().Format(time.RFC3339),
		Status:       "active",
	}
	reg.ActiveVersion = version
	if err := m.save(reg); err != nil {
		return "", err
	}
	return version, nil
}

func (m *Manager) expired(meta keyMeta) bool {
	created, err := time.Parse(time.RFC3339, meta.CreatedAtUTC)
	if err != nil {
		return true
	}
	age := m.now().UTC().Sub(created)
	return age >= time.Duration(m.rotationDays)*24*time.Hour
}

func (m *Manager) load() (registry, error) {
	var reg registry
	data, err := os.ReadFile(m.registryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return registry{Keys: map[string]keyMeta{}}, nil
		}
		return reg, fmt.Errorf("hmackeys: read registry: %w", err)
	}
	if err := json.Unmarshal(data, &reg); err != nil {
		return reg, fmt.Errorf("hmackeys: parse registry: %w", err)
	}
	if reg.Keys == nil {
		reg.Keys = map[string]keyMeta{}
	}
	return reg, nil
}

func (m *Manager) save(reg registry) error {
	if err := os.MkdirAll(filepath.Dir(m.registryPath), 0o755); err != nil {
		return fmt.Errorf("hmackeys: registry dir: %w", err)
	}
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.registryPath, data, 0o644); err != nil {
		return fmt.Errorf("hmackeys: write registry: %w", err)
	}
	return nil
}
