// Package transport delivers rendered quote-request mail and, crucially,
// acquires a Message-ID for every send. The ledger can only promise
// at-most-once delivery if each committed send carries some identifier,
// so acquisition is layered: ask the mailbox directly, scan the sent
// folder, and as a last resort synthesize a flagged fallback ID.
package transport

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// TokenHeader carries the idempotency token on outgoing mail so a sent
// item can be reconciled back to its reservation even when the body was
// rewritten by a gateway.
const TokenHeader = "X-Request-Token"

// OutgoingMail is one fully rendered message to one recipient.
type OutgoingMail struct {
	To      string
	Subject string
	Body    string
	// Token is the idempotency token; the body already contains its
	// marker line, the header carries it verbatim.
	Token string
}

// Result describes a completed delivery.
type Result struct {
	MessageID    string
	Source       string // "direct", "sent_items" or "fallback"
	IsFallbackID bool
	SentAt       time.Time
}

// SentItem is one entry from the mailbox's sent folder.
type SentItem struct {
	ID         string
	MessageID  string
	Subject    string
	Recipients string
	Token      string
	Body       string
	SentAt     time.Time
}

// Mailbox is the narrow mail-system surface the Sender drives. An SMTP
// account and a dry-run recorder both satisfy it.
type Mailbox interface {
	// Deliver hands the message to the mail system and returns an opaque
	// handle for later Message-ID lookup.
	Deliver(ctx context.Context, mail OutgoingMail) (handle string, err error)
	// MessageID resolves a delivery handle to the assigned Message-ID,
	// or "" while the mail system has not assigned one yet.
	MessageID(ctx context.Context, handle string) (string, error)
	// SentItems lists sent-folder entries not older than since, newest
	// first.
	SentItems(ctx context.Context, since time.Time) ([]SentItem, error)
}

// ReconcileQuery asks whether a mail matching an UNKNOWN_SENT hold
// actually left the machine.
type ReconcileQuery struct {
	Token         string
	BodyMarker    string
	MessageIDHint string
	SubjectNorm   string
	Recipient     string
	Since         time.Time
}

// ReconcileResult reports reconciliation evidence.
type ReconcileResult struct {
	Matched   bool
	Method    string // "header" or "body"
	MessageID string
}

// Transport is what the orchestrator depends on.
type Transport interface {
	Send(ctx context.Context, mail OutgoingMail) (Result, error)
	Reconcile(ctx context.Context, q ReconcileQuery) (ReconcileResult, error)
}

var transientSubstrings = []string{
	"timeout", "timed out", "connection", "temporary", "busy",
}

// IsTransient reports whether a delivery error is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

var emailToken = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// recipientTokens splits a recipients field on ; and , and reduces each
// part to its email address when one is present, otherwise the lowercase
// token itself.
func recipientTokens(s string) map[string]bool {
	out := map[string]bool{}
	for _, part := range regexp.MustCompile(`[;,]`).Split(s, -1) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if m := emailToken.FindString(part); m != "" {
			out[strings.ToLower(m)] = true
		} else {
			out[strings.ToLower(part)] = true
		}
	}
	return out
}

func recipientsOverlap(a, b string) bool {
	ta, tb := recipientTokens(a), recipientTokens(b)
	for t := range ta {
		if tb[t] {
			return true
		}
	}
	return false
}
