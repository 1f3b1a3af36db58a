package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DryRunMailbox accepts every mail without delivering anything. Each
// accepted mail gets a DRYRUN-prefixed Message-ID so downstream records
// are unmistakably non-deliveries.
type DryRunMailbox struct {
	mu   sync.Mutex
	ids  map[string]string
	sent []SentItem
}

// NewDryRunMailbox returns an empty dry-run mailbox.
func NewDryRunMailbox() *DryRunMailbox {
	return &DryRunMailbox{ids: map[string]string{}}
}

// Deliver records the mail and succeeds.
func (m *DryRunMailbox) Deliver(ctx context.Context, mail OutgoingMail) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	handle := uuid.NewString()
	messageID := "DRYRUN:" + uuid.NewString()
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
	m.mu.Unlock()
	return handle, nil
}

// MessageID resolves a delivery handle.
func (m *DryRunMailbox) MessageID(ctx context.Context, handle string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids[handle], nil
}

// SentItems returns accepted mails not older than since, newest first.
func (m *DryRunMailbox) SentItems(ctx context.Context, since time.Time) ([]SentItem, error) {
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

// Accepted returns everything delivered so far, oldest first.
func (m *DryRunMailbox) Accepted() []SentItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentItem, len(m.sent))
	copy(out, m.sent)
	return out
}
