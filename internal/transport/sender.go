package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/quote-sender/internal/keys"
	"github.com/ignite/quote-sender/internal/pkg/logger"
)

// SenderOptions tunes pacing, polling and scanning. Zero values take the
// defaults below.
type SenderOptions struct {
	SendInterval time.Duration // minimum gap between deliveries
	MaxAttempts  int           // delivery attempts for transient errors

	PollTimeout time.Duration // direct Message-ID polling budget
	PollStep    time.Duration

	ScanWindow   time.Duration // sent-folder time window around the send
	ScanMaxItems int
	ScanRetries  int
	ScanInterval time.Duration
}

func (o *SenderOptions) fillDefaults() {
	if o.SendInterval < 0 {
		o.SendInterval = 0
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 5 * time.Second
	}
	if o.PollStep <= 0 {
		o.PollStep = 500 * time.Millisecond
	}
	if o.ScanWindow <= 0 {
		o.ScanWindow = 180 * time.Second
	}
	if o.ScanMaxItems <= 0 {
		o.ScanMaxItems = 200
	}
	if o.ScanRetries <= 0 {
		o.ScanRetries = 3
	}
	if o.ScanInterval <= 0 {
		o.ScanInterval = 2 * time.Second
	}
}

// Sender implements Transport over any Mailbox.
type Sender struct {
	box  Mailbox
	opts SenderOptions

	mu       sync.Mutex
	lastSend time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

// NewSender wraps a mailbox.
func NewSender(box Mailbox, opts SenderOptions) *Sender {
	opts.fillDefaults()
	return &Sender{
		box:   box,
		opts:  opts,
		now:   time.Now,
		sleep: time.Sleep,
	}
}

// Send delivers the mail and acquires a Message-ID. The returned Result
// always carries a non-empty MessageID; when every acquisition layer
// failed it is a synthesized fallback flagged as such.
func (s *Sender) Send(ctx context.Context, mail OutgoingMail) (Result, error) {
	s.pace()

	handle, err := s.deliver(ctx, mail)
	if err != nil {
		return Result{}, err
	}
	sentAt := s.now()

	if id := s.pollMessageID(ctx, handle); id != "" {
		return Result{MessageID: id, Source: "direct", SentAt: sentAt}, nil
	}
	if id := s.scanSentItems(ctx, mail, sentAt); id != "" {
		return Result{MessageID: id, Source: "sent_items", SentAt: sentAt}, nil
	}

	fallback := fallbackMessageID(mail.Subject, sentAt)
	logger.Warn("message id fallback", "recipient", mail.To, "fallback_id", fallback)
	return Result{MessageID: fallback, Source: "fallback", IsFallbackID: true, SentAt: sentAt}, nil
}

// Reconcile searches the sent folder for evidence that a held mail went
// out: the recorded Message-ID hint first, then the token header, then
// the body marker.
func (s *Sender) Reconcile(ctx context.Context, q ReconcileQuery) (ReconcileResult, error) {
	since := q.Since
	if since.IsZero() {
		since = s.now().Add(-s.opts.ScanWindow)
	}
	items, err := s.box.SentItems(ctx, since)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("transport: reconcile scan: %w", err)
	}
	if len(items) > s.opts.ScanMaxItems {
		items = items[:s.opts.ScanMaxItems]
	}
	if q.MessageIDHint != "" {
		for _, item := range items {
			if item.MessageID == q.MessageIDHint {
				return ReconcileResult{Matched: true, Method: "header", MessageID: item.MessageID}, nil
			}
		}
	}
	for _, item := range items {
		if q.Recipient != "" && !recipientsOverlap(item.Recipients, q.Recipient) {
			continue
		}
		if q.Token != "" && item.Token == q.Token {
			return ReconcileResult{Matched: true, Method: "header", MessageID: pickID(item, q)}, nil
		}
		if q.BodyMarker != "" && strings.Contains(item.Body, q.BodyMarker) {
			return ReconcileResult{Matched: true, Method: "body", MessageID: pickID(item, q)}, nil
		}
	}
	return ReconcileResult{}, nil
}

func pickID(item SentItem, q ReconcileQuery) string {
	if item.MessageID != "" {
		return item.MessageID
	}
	return q.MessageIDHint
}

func (s *Sender) pace() {
	if s.opts.SendInterval == 0 {
		return
	}
	s.mu.Lock()
	wait := s.opts.SendInterval - s.now().Sub(s.lastSend)
	s.mu.Unlock()
	if wait > 0 {
		s.sleep(wait)
	}
	s.mu.Lock()
	s.lastSend = s.now()
	s.mu.Unlock()
}

func (s *Sender) deliver(ctx context.Context, mail OutgoingMail) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		handle, err := s.box.Deliver(ctx, mail)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == s.opts.MaxAttempts {
			break
		}
		logger.Warn("delivery retry",
			"recipient", mail.To, "attempt", attempt, "error", err.Error())
		s.sleep(time.Duration(attempt) * time.Second)
	}
	return "", fmt.Errorf("transport: deliver: %w", lastErr)
}

func (s *Sender) pollMessageID(ctx context.Context, handle string) string {
	deadline := s.now().Add(s.opts.PollTimeout)
	for {
		id, err := s.box.MessageID(ctx, handle)
		if err == nil && id != "" {
			return id
		}
		if s.now().After(deadline) || ctx.Err() != nil {
			return ""
		}
		s.sleep(s.opts.PollStep)
	}
}

func (s *Sender) scanSentItems(ctx context.Context, mail OutgoingMail, sentAt time.Time) string {
	wantSubject := keys.NormalizeSubject(mail.Subject)
	for attempt := 0; attempt < s.opts.ScanRetries; attempt++ {
		if attempt > 0 {
			s.sleep(s.opts.ScanInterval)
		}
		items, err := s.box.SentItems(ctx, sentAt.Add(-s.opts.ScanWindow))
		if err != nil {
			logger.Warn("sent folder scan failed", "error", err.Error())
			continue
		}
		if len(items) > s.opts.ScanMaxItems {
			items = items[:s.opts.ScanMaxItems]
		}
		for _, item := range items {
			if keys.NormalizeSubject(item.Subject) != wantSubject {
				continue
			}
			if d := item.SentAt.Sub(sentAt); d > s.opts.ScanWindow || d < -s.opts.ScanWindow {
				continue
			}
			if !recipientsOverlap(item.Recipients, mail.To) {
				continue
			}
			if item.MessageID != "" {
				return item.MessageID
			}
		}
	}
	return ""
}

// fallbackMessageID builds a synthetic identifier that is unique, sortable
// by send time, and traceable to the subject line.
func fallbackMessageID(subject string, sentAt time.Time) string {
	sum := sha256.Sum256([]byte(subject))
	return fmt.Sprintf("FALLBACK:%s:%d:%s",
		uuid.NewString(), sentAt.Unix(), hex.EncodeToString(sum[:])[:8])
}
