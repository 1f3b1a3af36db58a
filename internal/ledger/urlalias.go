package ledger

import (
	"database/sql"
	"fmt"
	"time"
)

// Resolve statuses recorded in url_alias.
const (
	URLResolveValid     = "valid"
	URLResolveInvalid   = "invalid"
	URLResolveInputOnly = "input_only"
)

// URLAlias is the resolution record for one canonical input URL.
type URLAlias struct {
	CanonicalInputURL string
	LastFinalURL      string
	FinalHost         string
	RedirectHops      int
	Fingerprint       string
	ResolveStatus     string
	ResolvedAt        time.Time
}

// RecordURLAlias upserts the resolution record for a canonical input
// URL. A batch start records input_only with no final URL; a URL check
// records valid or invalid with what it observed.
func (l *Ledger) RecordURLAlias(canonical, finalURL, finalHost string, hops int, fingerprint, status string) error {
	if canonical == "" {
		return nil
	}
	switch status {
	case URLResolveValid, URLResolveInvalid, URLResolveInputOnly:
	default:
		return fmt.Errorf("ledger: unknown resolve status %q", status)
	}
	return l.withRetry(func() error {
		_, err := l.db.Exec(`
			INSERT INTO url_alias
				(canonical_input_url, last_final_url, final_host, redirect_hops, final_url_fingerprint, resolve_status, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(canonical_input_url) DO UPDATE SET
				last_final_url = excluded.last_final_url,
				final_host = excluded.final_host,
				redirect_hops = excluded.redirect_hops,
				final_url_fingerprint = excluded.final_url_fingerprint,
				resolve_status = excluded.resolve_status,
				resolved_at = excluded.resolved_at`,
			canonical, finalURL, finalHost, hops, fingerprint, status, l.nowUnix())
		return err
	})
}

// URLAliasFor returns the resolution record for a canonical input URL,
// or nil when none was recorded.
func (l *Ledger) URLAliasFor(canonical string) (*URLAlias, error) {
	var a URLAlias
	var resolved int64
	err := l.db.QueryRow(`
		SELECT canonical_input_url, last_final_url, final_host, redirect_hops, final_url_fingerprint, resolve_status, resolved_at
		FROM url_alias WHERE canonical_input_url = ?`, canonical,
	).Scan(&a.CanonicalInputURL, &a.LastFinalURL, &a.FinalHost, &a.RedirectHops,
		&a.Fingerprint, &a.ResolveStatus, &resolved)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.ResolvedAt = time.Unix(resolved, 0)
	return &a, nil
}
