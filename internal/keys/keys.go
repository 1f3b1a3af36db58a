package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// RequestKey identifies one business request: one recipient asked about
// one product in one quantity. Rendering differences do not change it.
func RequestKey(keyVersion, email, makerCode, productURL, quantity string) (string, error) {
	canonURL, err := CanonicalURL(productURL)
	if err != nil {
		return "", err
	}
	payload := strings.Join([]string{
		NormalizeEmail(email),
		NormalizeMakerCode(makerCode),
		canonURL,
		NormalizeQuantity(quantity),
	}, "\n")
	return "rq:" + keyVersion + ":" + sha256Hex(payload), nil
}

// MailKey identifies one concrete rendered mail to one recipient.
func MailKey(email, subject, body string) string {
	payload := strings.Join([]string{
		NormalizeEmail(email),
		NormalizeSubject(subject),
		BodyFingerprint(body),
	}, "\n")
	return "mk:v2:" + sha256Hex(payload)
}

// V1Key reproduces the legacy ledger key so historical SENT rows keep
// matching rerun lookups.
func V1Key(email, subject, templateContent string) string {
	return NormalizeEmail(email) + ":" + sha256Hex(subject+"\n"+templateContent)
}

// BodyFingerprint hashes the folded mail body.
func BodyFingerprint(body string) string {
	return sha256Hex(FoldText(body))
}

// BodyMarker returns the invisible token line embedded in outgoing bodies
// so a sent mail can be reconciled back to its reservation.
func BodyMarker(idempotencyToken string) string {
	tok := idempotencyToken
	if len(tok) > 24 {
		tok = tok[:24]
	}
	return "[IDEMP:" + tok + "]"
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
