package ledger

import (
	"fmt"
	"time"
)

// Override kinds. A request-key override frees exactly one request; a
// recipient override frees every pending request to that (hashed)
// address.
const (
	OverrideRequestKey = "request_key"
	OverrideRecipient  = "recipient"
)

// Override is one rerun override row.
type Override struct {
	ID             int64
	Kind           string
	Value          string
	Reason         string
	Operator       string
	Host           string
	CommandSummary string
	Active         bool
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// OverrideMeta records who created an override and from where. The
// command summary must already have secrets and addresses redacted.
type OverrideMeta struct {
	Operator       string
	Host           string
	CommandSummary string
}

// AddOverride records a short-lived permission to resend despite the
// rerun guard. TTL is clamped to 1..30 minutes so an override can never
// quietly outlive the operator's intent; overrides are never consumed,
// they lapse at expiry.
func (l *Ledger) AddOverride(kind, value, reason string, ttl time.Duration, meta OverrideMeta) (Override, error) {
	switch kind {
	case OverrideRequestKey, OverrideRecipient:
	default:
		return Override{}, fmt.Errorf("ledger: unknown override kind %q", kind)
	}
	if value == "" {
		return Override{}, fmt.Errorf("ledger: override value is empty")
	}
	if ttl < time.Minute {
		ttl = time.Minute
	}
	if ttl > 30*time.Minute {
		ttl = 30 * time.Minute
	}

	now := l.nowUnix()
	expires := now + int64(ttl/time.Second)
	var id int64
	err := l.withRetry(func() error {
		res, err := l.db.Exec(`
			INSERT INTO rerun_overrides (kind, value, reason, operator, host, command_summary_redacted, active, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			kind, value, reason, meta.Operator, meta.Host, meta.CommandSummary, expires, now)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Override{}, err
	}
	return Override{
		ID: id, Kind: kind, Value: value, Reason: reason,
		Operator: meta.Operator, Host: meta.Host, CommandSummary: meta.CommandSummary,
		Active:    true,
		ExpiresAt: time.Unix(expires, 0), CreatedAt: time.Unix(now, 0),
	}, nil
}

// OverrideDecision is the outcome of EvaluateOverride. Trace carries the
// audit tags appended to the per-record decision trace.
type OverrideDecision struct {
	Applied bool
	Kind    string
	Trace   []string
}

// EvaluateOverride checks for an active override for this request. A
// request-key override wins over a recipient override. The trace records
// what was checked even when nothing applied.
func (l *Ledger) EvaluateOverride(requestKey, recipientHash string) (OverrideDecision, error) {
	var dec OverrideDecision

	state, err := l.overrideState(OverrideRequestKey, requestKey)
	if err != nil {
		return dec, err
	}
	dec.Trace = append(dec.Trace, "override_check:request_key="+state)
	if state == "matched_active" {
		dec.Applied = true
		dec.Kind = OverrideRequestKey
		dec.Trace = append(dec.Trace, "override_applied:request_key")
		return dec, nil
	}

	if recipientHash != "" {
		state, err = l.overrideState(OverrideRecipient, recipientHash)
		if err != nil {
			return dec, err
		}
		dec.Trace = append(dec.Trace, "override_check:recipient="+state)
		if state == "matched_active" {
			dec.Applied = true
			dec.Kind = OverrideRecipient
			dec.Trace = append(dec.Trace, "override_applied:recipient")
			return dec, nil
		}
	}

	dec.Trace = append(dec.Trace, "override_applied:none")
	return dec, nil
}

func (l *Ledger) overrideState(kind, value string) (string, error) {
	var total, live int
	err := l.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN active = 1 AND expires_at > ? THEN 1 ELSE 0 END), 0)
		FROM rerun_overrides WHERE kind = ? AND value = ?`,
		l.nowUnix(), kind, value,
	).Scan(&total, &live)
	if err != nil {
		return "", err
	}
	switch {
	case live > 0:
		return "matched_active", nil
	case total > 0:
		return "expired_or_inactive", nil
	default:
		return "not_found", nil
	}
}

// ClearOverrides deactivates every live override.
func (l *Ledger) ClearOverrides() (int64, error) {
	var n int64
	err := l.withRetry(func() error {
		res, err := l.db.Exec(`UPDATE rerun_overrides SET active = 0 WHERE active = 1`)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// ListOverrides returns every override row, newest first.
func (l *Ledger) ListOverrides() ([]Override, error) {
	rows, err := l.db.Query(`
		SELECT id, kind, value, reason, operator, host, command_summary_redacted, active, expires_at, created_at
		FROM rerun_overrides ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Override
	for rows.Next() {
		var o Override
		var active int
		var expires, created int64
		if err := rows.Scan(&o.ID, &o.Kind, &o.Value, &o.Reason, &o.Operator, &o.Host, &o.CommandSummary, &active, &expires, &created); err != nil {
			return nil, err
		}
		o.Active = active == 1 && expires > l.nowUnix()
		o.ExpiresAt = time.Unix(expires, 0)
		o.CreatedAt = time.Unix(created, 0)
		out = append(out, o)
	}
	return out, rows.Err()
}
