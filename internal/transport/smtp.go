package transport

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sentItemsKept bounds the in-memory sent record of a mailbox.
const sentItemsKept = 500

// SMTPMailbox delivers through a plain SMTP submission endpoint. The
// Message-ID is assigned locally at submission time, so direct polling
// resolves immediately. A bounded in-memory sent record backs the
// sent-folder scan and reconciliation within the process lifetime.
type SMTPMailbox struct {
	addr     string
	from     string
	auth     smtp.Auth
	hostname string

	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

	mu   sync.Mutex
	ids  map[string]string
	sent []SentItem
}

// NewSMTPMailbox returns a mailbox submitting via host:port as from.
// auth may be nil for unauthenticated relays.
func NewSMTPMailbox(host string, port int, from string, auth smtp.Auth) *SMTPMailbox {
	domain := from
	if at := strings.LastIndex(from, "@"); at >= 0 {
		domain = from[at+1:]
	}
	return &SMTPMailbox{
		addr:     fmt.Sprintf("%s:%d", host, port),
		from:     from,
		auth:     auth,
		hostname: domain,
		send:     smtp.SendMail,
		ids:      map[string]string{},
	}
}

// Deliver submits the mail and records it for later scans.
func (m *SMTPMailbox) Deliver(ctx context.Context, mail OutgoingMail) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), m.hostname)
	msg := m.encode(mail, messageID)

	if err := m.send(m.addr, m.auth, m.from, []string{mail.To}, msg); err != nil {
		return "", fmt.Errorf("smtp submit: %w", err)
	}

	handle := uuid.NewString()
	m.mu.Lock()
	m.ids[handle] = messageID
	m.sent = append(m.sent, SentItem{
		ID:         handle,
		MessageID:  messageID,
		Subject:    mail.Subject,
		Recipients: mail.To,
		Token:      mail.Token,
		Body:       mail.Body,
		SentAt:     time.Now(),
	})
	if len(m.sent) > sentItemsKept {
		m.sent = m.sent[len(m.sent)-sentItemsKept:]
	}
	m.mu.Unlock()
	return handle, nil
}

// MessageID resolves a delivery handle.
func (m *SMTPMailbox) MessageID(ctx context.Context, handle string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids[handle], nil
}

// SentItems returns recorded sends not older than since, newest first.
func (m *SMTPMailbox) SentItems(ctx context.Context, since time.Time) ([]SentItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SentItem
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].SentAt.Before(since) {
			continue
		}
		out = append(out, m.sent[i])
	}
	return out, nil
}

func (m *SMTPMailbox) encode(mail OutgoingMail, messageID string) []byte {
	var b strings.Builder
	write := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }
	write("From", m.from)
	write("To", mail.To)
	write("Subject", mime.QEncoding.Encode("utf-8", mail.Subject))
	write("Message-ID", messageID)
	write("Date", time.Now().Format(time.RFC1123Z))
	if mail.Token != "" {
		write(TokenHeader, mail.Token)
	}
	write("MIME-Version", "1.0")
	write("Content-Type", `text/plain; charset="utf-8"`)
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(mail.Body, "\n", "\r\n"))
	return []byte(b.String())
}
