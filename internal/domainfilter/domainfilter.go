// Package domainfilter gates recipients by email domain. The blacklist
// always wins; an empty whitelist allows every domain not blacklisted.
// Matching covers the domain itself and its subdomains.
package domainfilter

import (
	"strings"

	"github.com/ignite/quote-sender/internal/keys"
)

// Filter holds the configured allow and deny lists.
type Filter struct {
	whitelist []string
	blacklist []string
}

// New builds a filter. Entries are compared case-insensitively.
func New(whitelist, blacklist []string) *Filter {
	return &Filter{
		whitelist: lowerAll(whitelist),
		blacklist: lowerAll(blacklist),
	}
}

// Decision explains an Allow outcome.
type Decision struct {
	Allowed bool
	Reason  string // "blacklisted", "not_whitelisted" or "" when allowed
}

// Allow decides whether mail may be sent to the address.
func (f *Filter) Allow(email string) Decision {
	domain := domainOf(email)
	if domain == "" {
		return Decision{Allowed: false, Reason: "no_domain"}
	}
	for _, b := range f.blacklist {
		if matches(domain, b) {
			return Decision{Allowed: false, Reason: "blacklisted"}
		}
	}
	if len(f.whitelist) == 0 {
		return Decision{Allowed: true}
	}
	for _, w := range f.whitelist {
		if matches(domain, w) {
			return Decision{Allowed: true}
		}
	}
	return Decision{Allowed: false, Reason: "not_whitelisted"}
}

func domainOf(email string) string {
	addr := keys.NormalizeEmail(email)
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return addr[at+1:]
}

func matches(domain, pattern string) bool {
	return domain == pattern || strings.HasSuffix(domain, "."+pattern)
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
