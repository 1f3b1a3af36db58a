package keys

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Query parameters that only identify ad clicks and analytics sessions.
// They change between visits to the same product page, so they must not
// influence the request key.
var trackingParams = map[string]bool{
	"gclid":   true,
	"fbclid":  true,
	"msclkid": true,
	"mc_cid":  true,
	"mc_eid":  true,
	"_ga":     true,
	"_gl":     true,
	"yclid":   true,
}

// Bytes that survive path re-encoding unescaped, beyond the unreserved set.
const pathSafe = "/:@-._~!$&'()*+,;="

// CanonicalURL normalizes a product URL for key derivation: lowercase
// scheme and host, default ports stripped, path percent-encoding
// re-normalized, tracking parameters dropped, remaining query pairs
// sorted, fragment removed.
func CanonicalURL(raw string) (string, error) {
	u, err := url.Parse(FoldText(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q has no scheme or host", raw)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if (scheme == "http" && strings.HasSuffix(host, ":80")) ||
		(scheme == "https" && strings.HasSuffix(host, ":443")) {
		host = host[:strings.LastIndex(host, ":")]
	}

	path := canonicalPath(u.EscapedPath())
	query := canonicalQuery(u.RawQuery)

	out := scheme + "://" + host + path
	if query != "" {
		out += "?" + query
	}
	return out, nil
}

func canonicalPath(escaped string) string {
	if escaped == "" {
		return "/"
	}
	decoded, err := url.PathUnescape(escaped)
	if err != nil {
		// keep the original form rather than guessing at broken encoding
		return escaped
	}
	var b strings.Builder
	for i := 0; i < len(decoded); i++ {
		c := decoded[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case strings.IndexByte(pathSafe, c) >= 0:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func canonicalQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	type pair struct{ k, v string }
	var pairs []pair
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		ku, err := url.QueryUnescape(k)
		if err != nil {
			ku = k
		}
		vu, err := url.QueryUnescape(v)
		if err != nil {
			vu = v
		}
		lk := strings.ToLower(ku)
		if trackingParams[lk] || strings.HasPrefix(lk, "utm_") {
			continue
		}
		pairs = append(pairs, pair{ku, vu})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, url.QueryEscape(p.k)+"="+url.QueryEscape(p.v))
	}
	return strings.Join(parts, "&")
}
