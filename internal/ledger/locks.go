package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Reservation reasons reported by Reserve and recorded in decision traces.
const (
	ReasonInProgressActive       = "in_progress_active"
	ReasonInProgressExpired      = "in_progress_expired"
	ReasonUnknownSentHoldActive  = "unknown_sent_hold_active"
	ReasonUnknownSentHoldExpired = "unknown_sent_hold_expired"
	ReasonLockConflict           = "lock_conflict"
	ReasonRecentSentDetected     = "recent_sent_detected"
)

// ReserveResult reports whether the caller may send, and why not.
type ReserveResult struct {
	Reserved bool
	Reason   string
}

// Reservation identifies one reserved send.
type Reservation struct {
	RequestKey    string
	MailKey       string
	RunID         string
	RecipientHash string
}

// SentRecord is one SENT row from send_events.
type SentRecord struct {
	RequestKey      string
	V1Key           string
	MailKey         string
	RunID           string
	MessageID       string
	MessageIDSource string
	SentAt          time.Time
}

// Reserve takes the send lock for a request. The whole check-then-insert
// runs inside one immediate transaction, so two processes can never both
// reserve the same request key. Any existing row, expired or not, fails
// the reservation; expired rows are removed only by CleanupOnBatchStart.
func (l *Ledger) Reserve(r Reservation) (ReserveResult, error) {
	var res ReserveResult
	err := l.withRetry(func() error {
		tx, err := l.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := l.nowUnix()
		var status string
		var expiresAt int64
		err = tx.QueryRow(
			`SELECT status, expires_at FROM send_locks WHERE request_key = ?`,
			r.RequestKey,
		).Scan(&status, &expiresAt)

		switch {
		case err == sql.ErrNoRows:
			// free to reserve
		case err != nil:
			return err
		case status == StatusInProgress && expiresAt > now:
			res = ReserveResult{Reserved: false, Reason: ReasonInProgressActive}
			return tx.Commit()
		case status == StatusInProgress:
			res = ReserveResult{Reserved: false, Reason: ReasonInProgressExpired}
			return tx.Commit()
		case status == StatusUnknownSent && expiresAt > now:
			res = ReserveResult{Reserved: false, Reason: ReasonUnknownSentHoldActive}
			return tx.Commit()
		case status == StatusUnknownSent:
			res = ReserveResult{Reserved: false, Reason: ReasonUnknownSentHoldExpired}
			return tx.Commit()
		default:
			res = ReserveResult{Reserved: false, Reason: ReasonLockConflict}
			return tx.Commit()
		}

		ttl := l.opts.InProgressTTL
		if ttl < time.Minute {
			ttl = time.Minute
		}
		expires := now + int64(ttl/time.Second)
		_, err = tx.Exec(`
			INSERT INTO send_locks
				(request_key, status, run_id, mail_key, recipient_hash, expires_at, heartbeat_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(request_key) DO UPDATE SET
				status = excluded.status,
				run_id = excluded.run_id,
				mail_key = excluded.mail_key,
				recipient_hash = excluded.recipient_hash,
				expires_at = excluded.expires_at,
				heartbeat_at = excluded.heartbeat_at,
				updated_at = excluded.updated_at`,
			r.RequestKey, StatusInProgress, r.RunID, r.MailKey, r.RecipientHash,
			expires, now, now, now)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO send_events (request_key, mail_key, run_id, status, recipient_hash, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.RequestKey, r.MailKey, r.RunID, StatusInProgress, r.RecipientHash, now)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		res = ReserveResult{Reserved: true}
		return nil
	})
	return res, err
}

// Heartbeat refreshes the reservation while a send is in flight. It is a
// no-op unless this run still holds an IN_PROGRESS lock.
func (l *Ledger) Heartbeat(requestKey, runID string) error {
	return l.withRetry(func() error {
		now := l.nowUnix()
		_, err := l.db.Exec(`
			UPDATE send_locks SET heartbeat_at = ?, updated_at = ?
			WHERE request_key = ? AND run_id = ? AND status = ?`,
			now, now, requestKey, runID, StatusInProgress)
		return err
	})
}

// SentOutcome carries everything recorded about a committed send.
type SentOutcome struct {
	RequestKey       string
	V1Key            string
	MailKey          string
	RunID            string
	RecipientHash    string
	MessageID        string
	MessageIDSource  string
	IdempotencyToken string
	SubjectNorm      string
	DecisionTrace    []string
	SentAt           time.Time
}

// MarkSent records a committed send and releases the lock. This write goes
// through the fully durable connection: once MarkSent returns nil, the
// SENT record survives a crash.
func (l *Ledger) MarkSent(o SentOutcome) error {
	sentAt := o.SentAt
	if sentAt.IsZero() {
		sentAt = l.now()
	}
	return l.withRetry(func() error {
		tx, err := l.sentDB.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`DELETE FROM send_locks WHERE request_key = ?`, o.RequestKey); err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO send_events
				(request_key, v1_key, mail_key, run_id, status, recipient_hash, message_id, message_id_source,
				 idempotency_token, idempotency_secret_version, sent_at, subject_norm, decision_trace, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.RequestKey, o.V1Key, o.MailKey, o.RunID, StatusSent,
			o.RecipientHash, o.MessageID, o.MessageIDSource,
			o.IdempotencyToken, l.opts.SecretVersion, sentAt.Unix(),
			o.SubjectNorm, traceJSON(o.DecisionTrace), sentAt.Unix())
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

// MarkFailedPreSend records a failure that happened before handing the
// mail to the transport. The lock is released so a retry can reserve.
func (l *Ledger) MarkFailedPreSend(r Reservation, sendErr string) error {
	return l.withRetry(func() error {
		tx, err := l.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`DELETE FROM send_locks WHERE request_key = ?`, r.RequestKey); err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO send_events (request_key, mail_key, run_id, status, recipient_hash, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.RequestKey, r.MailKey, r.RunID, StatusFailedPreSend, r.RecipientHash, sendErr, l.nowUnix())
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

// MarkUnknownSent records that the mail may have left the machine but the
// outcome could not be committed. The lock flips to UNKNOWN_SENT and
// holds off further sends until reconciliation or expiry. No SENT event
// is written.
func (l *Ledger) MarkUnknownSent(r Reservation, messageIDHint, source, sendErr string) error {
	hold := l.opts.UnknownSentHold
	if hold < 5*time.Minute {
		hold = 5 * time.Minute
	}
	return l.withRetry(func() error {
		tx, err := l.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := l.nowUnix()
		expires := now + int64(hold/time.Second)
		_, err = tx.Exec(`
			INSERT INTO send_locks
				(request_key, status, run_id, mail_key, recipient_hash, last_message_id, last_source, last_error,
				 expires_at, heartbeat_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(request_key) DO UPDATE SET
				status = excluded.status,
				run_id = excluded.run_id,
				mail_key = excluded.mail_key,
				recipient_hash = excluded.recipient_hash,
				last_message_id = CASE WHEN excluded.last_message_id != '' THEN excluded.last_message_id ELSE send_locks.last_message_id END,
				last_source = CASE WHEN excluded.last_source != '' THEN excluded.last_source ELSE send_locks.last_source END,
				last_error = CASE WHEN excluded.last_error != '' THEN excluded.last_error ELSE send_locks.last_error END,
				expires_at = excluded.expires_at,
				updated_at = excluded.updated_at`,
			r.RequestKey, StatusUnknownSent, r.RunID, r.MailKey, r.RecipientHash,
			messageIDHint, source, sendErr, expires, now, now, now)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO send_events (request_key, mail_key, run_id, status, recipient_hash, message_id, message_id_source, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RequestKey, r.MailKey, r.RunID, StatusUnknownSent, r.RecipientHash,
			messageIDHint, source, sendErr, now)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

// UnknownLock describes an active UNKNOWN_SENT hold.
type UnknownLock struct {
	RequestKey    string
	RunID         string
	MailKey       string
	RecipientHash string
	LastMessageID string
	LastSource    string
	LastError     string
	ExpiresAt     time.Time
}

// UnknownSentLock returns the active UNKNOWN_SENT lock for a request, or
// nil when none exists.
func (l *Ledger) UnknownSentLock(requestKey string) (*UnknownLock, error) {
	var lock UnknownLock
	var expires int64
	err := l.db.QueryRow(`
		SELECT request_key, run_id, mail_key, recipient_hash, last_message_id, last_source, last_error, expires_at
		FROM send_locks WHERE request_key = ? AND status = ? AND expires_at > ?`,
		requestKey, StatusUnknownSent, l.nowUnix(),
	).Scan(&lock.RequestKey, &lock.RunID, &lock.MailKey, &lock.RecipientHash,
		&lock.LastMessageID, &lock.LastSource, &lock.LastError, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	lock.ExpiresAt = time.Unix(expires, 0)
	return &lock, nil
}

// MarkReconciledSent promotes an UNKNOWN_SENT hold to SENT after the
// transport located evidence that the mail really left.
func (l *Ledger) MarkReconciledSent(requestKey, v1Key, messageID, method string, trace []string) error {
	lock, err := l.UnknownSentLock(requestKey)
	if err != nil {
		return err
	}
	if lock == nil {
		return fmt.Errorf("ledger: no unknown-sent hold for %s", requestKey)
	}
	id := messageID
	source := "reconcile:" + method
	if id == "" {
		id = lock.LastMessageID
		source = lock.LastSource
	}
	return l.MarkSent(SentOutcome{
		RequestKey:      requestKey,
		V1Key:           v1Key,
		MailKey:         lock.MailKey,
		RunID:           lock.RunID,
		RecipientHash:   lock.RecipientHash,
		MessageID:       id,
		MessageIDSource: source,
		DecisionTrace:   trace,
	})
}

// ClearUnknownLock drops an UNKNOWN_SENT hold after an operator confirmed
// the mail did not go out.
func (l *Ledger) ClearUnknownLock(requestKey string) error {
	return l.withRetry(func() error {
		_, err := l.db.Exec(`DELETE FROM send_locks WHERE request_key = ? AND status = ?`,
			requestKey, StatusUnknownSent)
		return err
	})
}

// MarkSkipped records a skip decision as an event. No lock is touched.
func (l *Ledger) MarkSkipped(r Reservation, v1Key, status, reason string) error {
	switch status {
	case StatusSkippedConfirmRequired, StatusSkippedAuto, StatusSkippedDuplicateInRun:
	default:
		return fmt.Errorf("ledger: %q is not a skip status", status)
	}
	return l.withRetry(func() error {
		_, err := l.db.Exec(`
			INSERT INTO send_events (request_key, v1_key, mail_key, run_id, status, recipient_hash, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RequestKey, v1Key, r.MailKey, r.RunID, status, r.RecipientHash, reason, l.nowUnix())
		return err
	})
}

// FindRecentSent returns the newest SENT record inside the window that
// matches the request key or, for pre-migration rows, the v1 key. A
// non-empty runID restricts the match to that run.
func (l *Ledger) FindRecentSent(requestKey, v1Key string, window time.Duration, runID string) (*SentRecord, error) {
	cutoff := l.now().Add(-window).Unix()
	query := `
		SELECT request_key, v1_key, mail_key, run_id, message_id, message_id_source, created_at
		FROM send_events
		WHERE status = ? AND created_at >= ?
		  AND (request_key = ? OR (v1_key != '' AND v1_key = ?))`
	args := []interface{}{StatusSent, cutoff, requestKey, v1Key}
	if runID != "" {
		query += ` AND run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	var rec SentRecord
	var createdAt int64
	err := l.db.QueryRow(query, args...).Scan(
		&rec.RequestKey, &rec.V1Key, &rec.MailKey, &rec.RunID,
		&rec.MessageID, &rec.MessageIDSource, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.SentAt = time.Unix(createdAt, 0)
	return &rec, nil
}

// Precheck is the read-only safety check used outside the batch loop.
type Precheck struct {
	Blocked bool
	Reason  string
}

// IsSendBlockedPrecheck reports whether a send for this request would be
// blocked right now, without taking any lock.
func (l *Ledger) IsSendBlockedPrecheck(requestKey, v1Key string) (Precheck, error) {
	lock, err := l.UnknownSentLock(requestKey)
	if err != nil {
		return Precheck{}, err
	}
	if lock != nil {
		return Precheck{Blocked: true, Reason: ReasonUnknownSentHoldActive}, nil
	}
	rec, err := l.FindRecentSent(requestKey, v1Key, l.opts.RerunWindow, "")
	if err != nil {
		return Precheck{}, err
	}
	if rec != nil {
		return Precheck{Blocked: true, Reason: ReasonRecentSentDetected}, nil
	}
	return Precheck{}, nil
}

// AppendEntry records a send performed outside the orchestrator, keyed
// only by the legacy v1 identity. Kept for older tooling that writes the
// ledger directly.
func (l *Ledger) AppendEntry(v1Key, messageID, runID string) error {
	return l.withRetry(func() error {
		now := l.nowUnix()
		_, err := l.sentDB.Exec(`
			INSERT INTO send_events (v1_key, run_id, status, key_version, message_id, message_id_source, sent_at, created_at)
			VALUES (?, ?, ?, 'v1', ?, 'legacy_append_entry', ?, ?)`,
			v1Key, runID, StatusSent, messageID, now, now)
		return err
	})
}

// traceJSON serializes a decision trace for the decision_trace column.
func traceJSON(trace []string) string {
	if len(trace) == 0 {
		return "[]"
	}
	b, err := json.Marshal(trace)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// CleanupOnBatchStart prunes expired state before a batch: old events
// beyond retention, stale IN_PROGRESS locks, expired UNKNOWN_SENT holds,
// and expired overrides.
func (l *Ledger) CleanupOnBatchStart() error {
	return l.withRetry(func() error {
		tx, err := l.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := l.nowUnix()
		eventCutoff := l.now().AddDate(0, 0, -l.opts.RetentionDays).Unix()
		if _, err := tx.Exec(`DELETE FROM send_events WHERE created_at < ?`, eventCutoff); err != nil {
			return err
		}

		inProgressGrace := 24 * time.Hour
		if l.opts.RerunWindow > inProgressGrace {
			inProgressGrace = l.opts.RerunWindow
		}
		if _, err := tx.Exec(`DELETE FROM send_locks WHERE status = ? AND expires_at < ?`,
			StatusInProgress, now-int64(inProgressGrace/time.Second)); err != nil {
			return err
		}

		unknownGrace := l.opts.UnknownSentHold
		if unknownGrace < 30*time.Minute {
			unknownGrace = 30 * time.Minute
		}
		if _, err := tx.Exec(`DELETE FROM send_locks WHERE status = ? AND expires_at < ?`,
			StatusUnknownSent, now-int64(unknownGrace/time.Second)); err != nil {
			return err
		}

		if _, err := tx.Exec(`UPDATE rerun_overrides SET active = 0 WHERE active = 1 AND expires_at < ?`, now); err != nil {
			return err
		}
		return tx.Commit()
	})
}
