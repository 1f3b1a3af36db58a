// Package keys derives the dedupe identities used by the send ledger.
// Every derivation starts from aggressively normalized inputs so that
// cosmetic differences (full-width characters, CRLF, tracking parameters)
// never produce distinct keys.
package keys

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	emailRegex = regexp.MustCompile(`([A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,})`)
	spaceRuns  = regexp.MustCompile(`\s+`)
	decimalRe  = regexp.MustCompile(`^([+-]?)(\d+)(?:\.(\d+))?$`)
)

// FoldText applies NFKC normalization, converts CRLF to LF, and trims
// surrounding whitespace.
func FoldText(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(s)
}

// NormalizeEmail extracts and lowercases the address portion of s. When no
// address can be recognized, the folded lowercase input is returned so the
// caller still gets a stable key component.
func NormalizeEmail(s string) string {
	folded := FoldText(s)
	if m := emailRegex.FindString(folded); m != "" {
		return strings.ToLower(m)
	}
	return strings.ToLower(folded)
}

// NormalizeSubject folds the subject and collapses internal whitespace
// runs to single spaces.
func NormalizeSubject(s string) string {
	return spaceRuns.ReplaceAllString(FoldText(s), " ")
}

// NormalizeMakerCode folds and lowercases a maker code.
func NormalizeMakerCode(s string) string {
	return strings.ToLower(FoldText(s))
}

// NormalizeQuantity canonicalizes a quantity string. Thousands separators
// are dropped, integer values lose leading zeros and any ".0" tail, and
// fractional values lose trailing zeros. Non-numeric quantities fall back
// to the folded lowercase text.
func NormalizeQuantity(s string) string {
	q := strings.ReplaceAll(FoldText(s), ",", "")
	m := decimalRe.FindStringSubmatch(q)
	if m == nil {
		return strings.ToLower(q)
	}
	sign, intPart, fracPart := m[1], m[2], m[3]

	intPart = strings.TrimLeft(intPart, "0")
	if intPart == "" {
		intPart = "0"
	}
	fracPart = strings.TrimRight(fracPart, "0")

	out := intPart
	if fracPart != "" {
		out += "." + fracPart
	}
	if sign == "-" && out != "0" {
		out = "-" + out
	}
	return out
}
