package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ignite/quote-sender/internal/keys"
)

const recipientSaltName = "recipient_hash_salt_v1"

// IdempotencyToken derives the per-request token embedded in outgoing
// mail bodies. The secret is created on first use and never leaves the
// credential store.
func (l *Ledger) IdempotencyToken(requestKey string) (string, error) {
	return l.tokenForVersion(requestKey, l.opts.SecretVersion)
}

// VerifyIdempotencyToken checks a token against the current secret
// version and, to survive rotation, the immediately previous one.
func (l *Ledger) VerifyIdempotencyToken(requestKey, token string) (bool, error) {
	current, err := l.tokenForVersion(requestKey, l.opts.SecretVersion)
	if err != nil {
		return false, err
	}
	if hmac.Equal([]byte(current), []byte(token)) {
		return true, nil
	}
	prev := previousSecretVersion(l.opts.SecretVersion)
	if prev == "" {
		return false, nil
	}
	old, err := l.tokenForVersion(requestKey, prev)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(old), []byte(token)), nil
}

func (l *Ledger) tokenForVersion(requestKey, version string) (string, error) {
	secret, err := l.vault.GetOrCreate("idempotency_secret_" + version)
	if err != nil {
		return "", fmt.Errorf("ledger: idempotency secret: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(requestKey))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func previousSecretVersion(version string) string {
	n, err := strconv.Atoi(strings.TrimPrefix(version, "v"))
	if err != nil || n <= 1 {
		return ""
	}
	return "v" + strconv.Itoa(n-1)
}

// HashRecipient pseudonymizes an address for storage in locks and events.
// The salt is vault-held, so ledger rows alone cannot be joined back to
// addresses.
func (l *Ledger) HashRecipient(email string) (string, error) {
	salt, err := l.vault.GetOrCreate(recipientSaltName)
	if err != nil {
		return "", fmt.Errorf("ledger: recipient salt: %w", err)
	}
	sum := sha256.Sum256([]byte(salt + ":" + keys.NormalizeEmail(email)))
	return hex.EncodeToString(sum[:]), nil
}
