// Package ledger is the durable send ledger: a single-host SQLite store
// that tracks reservations, outcomes and rerun overrides for outbound
// quote-request mail. It is the only authority on whether a request may
// be sent again.
//
// Two connections are held against the same database file. The main
// connection runs with synchronous=NORMAL for locks, skips and cleanup.
// The sent connection runs with synchronous=FULL so that a SENT record
// survives power loss; losing any other record is recoverable, losing a
// SENT record risks a duplicate mail.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ignite/quote-sender/internal/keyvault"
)

// Send outcome statuses recorded in send_events and send_locks.
const (
	StatusInProgress             = "IN_PROGRESS"
	StatusSent                   = "SENT"
	StatusFailedPreSend          = "FAILED_PRE_SEND"
	StatusUnknownSent            = "UNKNOWN_SENT"
	StatusSkippedConfirmRequired = "SKIPPED_CONFIRM_REQUIRED"
	StatusSkippedAuto            = "SKIPPED_AUTO"
	StatusSkippedDuplicateInRun  = "SKIPPED_DUPLICATE_IN_RUN"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("ledger: closed")

// Options configures durability, retry and retention behavior.
type Options struct {
	BusyTimeoutMS   int
	RetryAttempts   int
	InProgressTTL   time.Duration
	UnknownSentHold time.Duration
	RerunWindow     time.Duration
	RetentionDays   int
	SecretVersion   string
}

func (o *Options) fillDefaults() {
	if o.BusyTimeoutMS <= 0 {
		o.BusyTimeoutMS = 15000
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 5
	}
	if o.InProgressTTL <= 0 {
		o.InProgressTTL = 2700 * time.Second
	}
	if o.UnknownSentHold <= 0 {
		o.UnknownSentHold = 1800 * time.Second
	}
	if o.RerunWindow <= 0 {
		o.RerunWindow = 24 * time.Hour
	}
	if o.RetentionDays <= 0 {
		o.RetentionDays = 90
	}
	if o.SecretVersion == "" {
		o.SecretVersion = "v1"
	}
}

// Ledger wraps the two SQLite connections plus the vault used for
// idempotency secrets and the recipient hash salt.
type Ledger struct {
	db     *sql.DB // synchronous=NORMAL
	sentDB *sql.DB // synchronous=FULL
	vault  *keyvault.Vault
	opts   Options

	closed bool
	now    func() time.Time
}

// Open opens (and if needed creates) the ledger database at path.
func Open(path string, vault *keyvault.Vault, opts Options) (*Ledger, error) {
	opts.fillDefaults()

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ledger: create dir: %w", err)
		}
	}

	db, err := openConn(path, opts.BusyTimeoutMS, "NORMAL")
	if err != nil {
		return nil, err
	}
	sentDB, err := openConn(path, opts.BusyTimeoutMS, "FULL")
	if err != nil {
		db.Close()
		return nil, err
	}

	l := &Ledger{db: db, sentDB: sentDB, vault: vault, opts: opts, now: time.Now}
	if err := l.migrate(); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func openConn(path string, busyTimeoutMS int, synchronous string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=%s&_txlock=immediate",
		path, busyTimeoutMS, synchronous)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	// one connection per handle keeps transaction scope unambiguous
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: ping %s: %w", path, err)
	}
	return db, nil
}

// Close closes both connections.
func (l *Ledger) Close() error {
	l.closed = true
	err1 := l.db.Close()
	err2 := l.sentDB.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (l *Ledger) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS send_locks (
	request_key     TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	run_id          TEXT NOT NULL DEFAULT '',
	mail_key        TEXT NOT NULL DEFAULT '',
	recipient_hash  TEXT NOT NULL DEFAULT '',
	last_message_id TEXT NOT NULL DEFAULT '',
	last_source     TEXT NOT NULL DEFAULT '',
	last_error      TEXT NOT NULL DEFAULT '',
	expires_at      INTEGER NOT NULL,
	heartbeat_at    INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS send_events (
	id                         INTEGER PRIMARY KEY AUTOINCREMENT,
	request_key                TEXT NOT NULL DEFAULT '',
	v1_key                     TEXT NOT NULL DEFAULT '',
	mail_key                   TEXT NOT NULL DEFAULT '',
	run_id                     TEXT NOT NULL DEFAULT '',
	status                     TEXT NOT NULL,
	key_version                TEXT NOT NULL DEFAULT 'v2',
	recipient_hash             TEXT NOT NULL DEFAULT '',
	message_id                 TEXT NOT NULL DEFAULT '',
	message_id_source          TEXT NOT NULL DEFAULT '',
	idempotency_token          TEXT NOT NULL DEFAULT '',
	idempotency_secret_version TEXT NOT NULL DEFAULT '',
	sent_at                    INTEGER NOT NULL DEFAULT 0,
	subject_norm               TEXT NOT NULL DEFAULT '',
	decision_trace             TEXT NOT NULL DEFAULT '',
	reason                     TEXT NOT NULL DEFAULT '',
	error                      TEXT NOT NULL DEFAULT '',
	created_at                 INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_send_events_request_key ON send_events (request_key, status, created_at);
CREATE INDEX IF NOT EXISTS idx_send_events_v1_key ON send_events (v1_key, status, created_at);
CREATE TABLE IF NOT EXISTS rerun_overrides (
	id                       INTEGER PRIMARY KEY AUTOINCREMENT,
	kind                     TEXT NOT NULL,
	value                    TEXT NOT NULL,
	reason                   TEXT NOT NULL DEFAULT '',
	operator                 TEXT NOT NULL DEFAULT '',
	host                     TEXT NOT NULL DEFAULT '',
	command_summary_redacted TEXT NOT NULL DEFAULT '',
	active                   INTEGER NOT NULL DEFAULT 1,
	expires_at               INTEGER NOT NULL,
	created_at               INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rerun_overrides_value ON rerun_overrides (kind, value, active);
CREATE TABLE IF NOT EXISTS url_alias (
	canonical_input_url   TEXT PRIMARY KEY,
	last_final_url        TEXT NOT NULL DEFAULT '',
	final_host            TEXT NOT NULL DEFAULT '',
	redirect_hops         INTEGER NOT NULL DEFAULT 0,
	final_url_fingerprint TEXT NOT NULL DEFAULT '',
	resolve_status        TEXT NOT NULL DEFAULT 'input_only',
	resolved_at           INTEGER NOT NULL
);
`
	_, err := l.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

// withRetry runs fn, retrying on SQLITE_BUSY style contention with
// exponential backoff plus jitter.
func (l *Ledger) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < l.opts.RetryAttempts; attempt++ {
		if l.closed {
			return ErrClosed
		}
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		backoff := time.Duration(float64(50*time.Millisecond) * float64(int(1)<<attempt))
		jitter := time.Duration(rand.Int63n(int64(50 * time.Millisecond)))
		time.Sleep(backoff + jitter)
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

func (l *Ledger) nowUnix() int64 {
	return l.now().Unix()
}
