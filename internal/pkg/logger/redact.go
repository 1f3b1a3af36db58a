package logger

import (
	"regexp"
	"strings"
)

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// MaskEmail keeps a short prefix of the local part for operator screens.
// "john.doe@example.com" becomes "joh***@example.com". Local parts of
// three characters or fewer keep only the first character.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "***@***"
	}
	local, domain := email[:at], email[at+1:]
	if len(local) <= 3 {
		return local[:1] + "***@" + domain
	}
	return local[:3] + "***@" + domain
}

// MaskEmailDomainOnly hides the entire local part. Error reports and log
// lines use this stronger mask.
func MaskEmailDomainOnly(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "***@***"
	}
	return "***@" + email[at+1:]
}

// RedactText replaces every embedded email address with its domain-only mask.
func RedactText(s string) string {
	return emailPattern.ReplaceAllStringFunc(s, MaskEmailDomainOnly)
}

// redactPIIValue masks values for fields that are known to carry addresses,
// and scrubs embedded addresses from every other value.
func redactPIIValue(key, val string) string {
	lk := strings.ToLower(key)
	if strings.Contains(lk, "email") || strings.Contains(lk, "recipient") {
		if strings.Contains(val, "@") {
			return MaskEmailDomainOnly(val)
		}
	}
	return RedactText(val)
}
