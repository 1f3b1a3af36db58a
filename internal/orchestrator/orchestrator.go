// Package orchestrator runs one send batch end to end: validation, key
// derivation, dedupe and rerun guards, reservation, delivery, and
// outcome commitment. Every skip is a typed decision recorded in the
// ledger and the audit trail; nothing is silently dropped.
package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ignite/quote-sender/internal/audit"
	"github.com/ignite/quote-sender/internal/config"
	"github.com/ignite/quote-sender/internal/keys"
	"github.com/ignite/quote-sender/internal/ledger"
	"github.com/ignite/quote-sender/internal/pkg/logger"
	"github.com/ignite/quote-sender/internal/template"
	"github.com/ignite/quote-sender/internal/transport"
)

// Exit codes for the CLI surface.
const (
	ExitOK              = 0
	ExitFailure         = 1
	ExitConfirmRequired = 3
	ExitInvalidInput    = 4
)

// Recipient is one target of the batch.
type Recipient struct {
	Email       string
	CompanyName string
	ContactName string
}

// Product describes what is being quoted. MakerCode and ProductURL are
// mandatory because they are key components.
type Product struct {
	MakerCode       string
	MakerName       string
	ProductName     string
	ProductFeatures string
	ProductURL      string
	Quantity        string
}

// Confirmers are the operator prompts. A nil callback means the run is
// non-interactive and the answer is "no".
type Confirmers struct {
	Bulk    func(count int) bool
	Rerun   func(email string, prevSentAt time.Time) bool
	Unknown func(email string) bool
}

// Batch is one send request.
type Batch struct {
	RunID           string
	Recipients      []Recipient
	Product         Product
	SubjectTemplate string
	BodyTemplate    string
	RerunPolicy     string // "" takes the configured default
	Confirm         Confirmers
}

// Outcome is one recipient's result.
type Outcome struct {
	Recipient            Recipient
	Status               string
	Action               string
	MessageID            string
	MessageIDSource      string
	RequestKey           string
	MailKey              string
	Trace                []string
	ConfirmationRequired bool
	Err                  error
}

// BatchResult aggregates a run.
type BatchResult struct {
	Outcomes []Outcome
	Totals   audit.Totals
	Success  bool
	ExitCode int
}

// InputError marks operator input the batch cannot proceed with.
type InputError struct{ msg string }

func (e *InputError) Error() string { return e.msg }

func inputErrf(format string, args ...interface{}) error {
	return &InputError{msg: fmt.Sprintf(format, args...)}
}

// Orchestrator wires the collaborators for SendBulk.
type Orchestrator struct {
	cfg    config.Config
	ledger *ledger.Ledger
	trans  transport.Transport
	engine *template.Engine
	audit  *audit.Writer

	heartbeatEvery time.Duration
}

// New builds an orchestrator. aw may be nil when no audit trail is
// wanted (tests).
func New(cfg config.Config, l *ledger.Ledger, t transport.Transport, e *template.Engine, aw *audit.Writer) *Orchestrator {
	hb := time.Duration(cfg.DedupeHeartbeatSec) * time.Second
	if hb <= 0 {
		hb = 30 * time.Second
	}
	return &Orchestrator{cfg: cfg, ledger: l, trans: t, engine: e, audit: aw, heartbeatEvery: hb}
}

// SendBulk executes the batch. The returned error is non-nil only for
// input validation failures and infrastructure errors; per-recipient
// failures are reported through the result.
func (o *Orchestrator) SendBulk(ctx context.Context, b Batch) (BatchResult, error) {
	res := BatchResult{ExitCode: ExitFailure}

	if len(b.Recipients) == 0 {
		return res.invalid(), inputErrf("no recipients")
	}
	if len(b.Recipients) > o.cfg.MaxRecipients {
		return res.invalid(), inputErrf("recipient count %d exceeds limit %d", len(b.Recipients), o.cfg.MaxRecipients)
	}
	if b.Product.MakerCode == "" || b.Product.ProductURL == "" {
		return res.invalid(), inputErrf("maker_code and product_url are required")
	}
	canonURL, err := keys.CanonicalURL(b.Product.ProductURL)
	if err != nil {
		return res.invalid(), inputErrf("product_url: %v", err)
	}
	if b.SubjectTemplate == "" {
		b.SubjectTemplate = template.DefaultSubject
	}
	if b.BodyTemplate == "" {
		b.BodyTemplate = template.DefaultBody
	}
	policy := b.RerunPolicy
	if policy == "" {
		policy = o.cfg.RerunPolicyDefault
	}

	if err := o.ledger.CleanupOnBatchStart(); err != nil {
		return res, fmt.Errorf("cleanup: %w", err)
	}
	if err := o.ledger.RecordURLAlias(canonURL, "", hostOf(canonURL), 0, "", ledger.URLResolveInputOnly); err != nil {
		logger.Warn("url alias record failed", "error", err.Error())
	}

	if len(b.Recipients) >= o.cfg.ConfirmationThreshold {
		if b.Confirm.Bulk == nil || !b.Confirm.Bulk(len(b.Recipients)) {
			logger.Warn("bulk confirmation declined", "count", len(b.Recipients))
			res.Totals.Total = len(b.Recipients)
			res.Totals.ConfirmationRequired = len(b.Recipients)
			res.ExitCode = ExitConfirmRequired
			return res, nil
		}
	}

	res.Totals.Total = len(b.Recipients)
	seenInRun := map[string]bool{}
	for _, rcpt := range b.Recipients {
		out := o.sendOne(ctx, b, rcpt, canonURL, policy, seenInRun)
		res.Outcomes = append(res.Outcomes, out)
		o.tally(&res.Totals, out)
		o.record(rcpt, out)
	}

	res.Success = res.Totals.Failure == 0 && res.Totals.ConfirmationRequired == 0
	switch {
	case res.Success:
		res.ExitCode = ExitOK
	case res.Totals.ConfirmationRequired > 0:
		res.ExitCode = ExitConfirmRequired
	default:
		res.ExitCode = ExitFailure
	}
	return res, nil
}

func (r BatchResult) invalid() BatchResult {
	r.ExitCode = ExitInvalidInput
	return r
}

func (o *Orchestrator) sendOne(ctx context.Context, b Batch, rcpt Recipient, canonURL, policy string, seenInRun map[string]bool) Outcome {
	out := Outcome{Recipient: rcpt}

	subject, body, err := o.render(b, rcpt)
	if err != nil {
		out.Status = ledger.StatusFailedPreSend
		out.Action = "failed_pre_send"
		out.Err = err
		return out
	}

	requestKey, err := keys.RequestKey(o.cfg.DedupeKeyVersion, rcpt.Email, b.Product.MakerCode, canonURL, b.Product.Quantity)
	if err != nil {
		out.Status = ledger.StatusFailedPreSend
		out.Action = "failed_pre_send"
		out.Err = err
		return out
	}
	mailKey := keys.MailKey(rcpt.Email, subject, body)
	v1Key := keys.V1Key(rcpt.Email, subject, b.BodyTemplate)
	out.RequestKey, out.MailKey = requestKey, mailKey
	out.Trace = []string{"request_key=" + requestKey, "mail_key=" + mailKey}

	recipientHash, err := o.ledger.HashRecipient(rcpt.Email)
	if err != nil {
		out.Status = ledger.StatusFailedPreSend
		out.Action = "failed_pre_send"
		out.Err = err
		return out
	}
	token, err := o.ledger.IdempotencyToken(requestKey)
	if err != nil {
		out.Status = ledger.StatusFailedPreSend
		out.Action = "failed_pre_send"
		out.Err = err
		return out
	}
	marker := keys.BodyMarker(token)
	rsv := ledger.Reservation{
		RequestKey:    requestKey,
		MailKey:       mailKey,
		RunID:         b.RunID,
		RecipientHash: recipientHash,
	}

	// two input rows collapsing to one request inside a single run
	if seenInRun[requestKey] {
		out.Status = ledger.StatusSkippedDuplicateInRun
		out.Action = "skip_duplicate_in_run"
		o.markSkip(rsv, v1Key, out.Status, out.Action)
		return out
	}
	seenInRun[requestKey] = true

	override, err := o.ledger.EvaluateOverride(requestKey, recipientHash)
	if err != nil {
		out.Status = ledger.StatusFailedPreSend
		out.Action = "failed_pre_send"
		out.Err = err
		return out
	}
	out.Trace = append(out.Trace, override.Trace...)

	if done := o.resolveUnknownHold(ctx, b, rcpt, rsv, v1Key, token, marker, subject, &out); done {
		return out
	}

	// an applied override bypasses the rerun guard; it is never consumed
	// here and simply lapses at its expiry
	if !override.Applied {
		if done := o.rerunGuard(b, rcpt, rsv, v1Key, policy, &out); done {
			return out
		}
	}

	reserve, err := o.ledger.Reserve(rsv)
	if err != nil {
		out.Status = ledger.StatusFailedPreSend
		out.Action = "failed_pre_send"
		out.Err = err
		return out
	}
	if !reserve.Reserved {
		out.Trace = append(out.Trace, "reservation="+reserve.Reason)
		out.Status = ledger.StatusSkippedConfirmRequired
		out.Action = "skip_lock_conflict"
		out.ConfirmationRequired = true
		o.markSkip(rsv, v1Key, out.Status, out.Action)
		return out
	}
	stopHeartbeat := o.startHeartbeat(ctx, rsv)
	result, sendErr := o.trans.Send(ctx, transport.OutgoingMail{
		To:      rcpt.Email,
		Subject: subject,
		Body:    body + "\n" + marker,
		Token:   token,
	})
	stopHeartbeat()

	if sendErr != nil {
		if err := o.ledger.MarkFailedPreSend(rsv, sendErr.Error()); err != nil {
			logger.Error("failed-pre-send mark failed", "error", err.Error())
		}
		out.Status = ledger.StatusFailedPreSend
		out.Action = "failed_pre_send"
		out.Err = sendErr
		return out
	}

	out.MessageID = result.MessageID
	out.MessageIDSource = result.Source
	commitErr := o.ledger.MarkSent(ledger.SentOutcome{
		RequestKey:       requestKey,
		V1Key:            v1Key,
		MailKey:          mailKey,
		RunID:            b.RunID,
		RecipientHash:    recipientHash,
		MessageID:        result.MessageID,
		MessageIDSource:  result.Source,
		IdempotencyToken: token,
		SubjectNorm:      keys.NormalizeSubject(subject),
		DecisionTrace:    out.Trace,
		SentAt:           result.SentAt,
	})
	if commitErr != nil {
		// the mail is out but the durable record is not: hold the key
		if err := o.ledger.MarkUnknownSent(rsv, result.MessageID, result.Source, commitErr.Error()); err != nil {
			logger.Error("unknown-sent mark failed", "error", err.Error())
		}
		out.Trace = append(out.Trace, "sent_commit=unknown")
		out.Status = ledger.StatusUnknownSent
		out.Action = "unknown_sent_pending"
		out.ConfirmationRequired = true
		return out
	}

	out.Status = ledger.StatusSent
	out.Action = "sent"
	return out
}

// resolveUnknownHold handles an existing UNKNOWN_SENT hold before any new
// send: reconcile against the sent folder, or ask the operator.
func (o *Orchestrator) resolveUnknownHold(ctx context.Context, b Batch, rcpt Recipient, rsv ledger.Reservation, v1Key, token, marker, subject string, out *Outcome) bool {
	lock, err := o.ledger.UnknownSentLock(rsv.RequestKey)
	if err != nil || lock == nil {
		return false
	}

	rec, recErr := o.trans.Reconcile(ctx, transport.ReconcileQuery{
		Token:         token,
		BodyMarker:    marker,
		MessageIDHint: lock.LastMessageID,
		SubjectNorm:   keys.NormalizeSubject(subject),
		Recipient:     rcpt.Email,
		Since:         time.Now().Add(-time.Duration(o.cfg.UnknownSentHoldSec) * time.Second),
	})
	if recErr == nil && rec.Matched {
		out.Trace = append(out.Trace, "unknown_reconciled="+rec.Method)
		if err := o.ledger.MarkReconciledSent(rsv.RequestKey, v1Key, rec.MessageID, rec.Method, out.Trace); err != nil {
			logger.Error("reconcile promote failed", "error", err.Error())
		}
		out.Status = ledger.StatusSkippedAuto
		out.Action = "skip_reconciled_sent"
		out.MessageID = rec.MessageID
		return true
	}

	if b.Confirm.Unknown != nil && b.Confirm.Unknown(rcpt.Email) {
		// operator confirmed the mail never went out
		if err := o.ledger.ClearUnknownLock(rsv.RequestKey); err != nil {
			logger.Error("unknown lock clear failed", "error", err.Error())
		}
		return false
	}

	out.Trace = append(out.Trace, "unknown_sent_unresolved=true")
	out.Status = ledger.StatusSkippedConfirmRequired
	out.Action = "skip_unknown_sent_confirm_required"
	out.ConfirmationRequired = true
	o.markSkip(rsv, v1Key, out.Status, out.Action)
	return true
}

// rerunGuard blocks a resend inside the rerun window unless policy or
// the operator allows it.
func (o *Orchestrator) rerunGuard(b Batch, rcpt Recipient, rsv ledger.Reservation, v1Key, policy string, out *Outcome) bool {
	scopeRun := ""
	if o.cfg.RerunScope == "same_run" {
		scopeRun = b.RunID
	}
	recent, err := o.ledger.FindRecentSent(rsv.RequestKey, v1Key,
		time.Duration(o.cfg.RerunWindowHours)*time.Hour, scopeRun)
	if err != nil {
		logger.Error("rerun lookup failed", "error", err.Error())
		return false
	}
	if recent == nil {
		return false
	}
	out.Trace = append(out.Trace, "recent_sent_detected=true")

	if policy == "confirm" {
		if b.Confirm.Rerun != nil && b.Confirm.Rerun(rcpt.Email, recent.SentAt) {
			return false
		}
		out.Status = ledger.StatusSkippedConfirmRequired
		out.Action = "skip_rerun_confirmation_required"
		out.ConfirmationRequired = true
		o.markSkip(rsv, v1Key, out.Status, out.Action)
		return true
	}

	out.Status = ledger.StatusSkippedAuto
	out.Action = "skip_rerun_auto_skip"
	o.markSkip(rsv, v1Key, out.Status, out.Action)
	return true
}

func (o *Orchestrator) render(b Batch, rcpt Recipient) (subject, body string, err error) {
	vars := map[string]interface{}{
		"company_name":     rcpt.CompanyName,
		"contact_name":     rcpt.ContactName,
		"product_name":     b.Product.ProductName,
		"product_features": b.Product.ProductFeatures,
		"product_url":      b.Product.ProductURL,
		"maker_name":       b.Product.MakerName,
		"maker_code":       b.Product.MakerCode,
		"quantity":         b.Product.Quantity,
	}
	subject, err = o.engine.Render(b.SubjectTemplate, vars)
	if err != nil {
		return "", "", fmt.Errorf("render subject: %w", err)
	}
	body, err = o.engine.Render(b.BodyTemplate, vars)
	if err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}
	return subject, body, nil
}

func (o *Orchestrator) markSkip(rsv ledger.Reservation, v1Key, status, reason string) {
	if err := o.ledger.MarkSkipped(rsv, v1Key, status, reason); err != nil {
		logger.Error("skip mark failed", "error", err.Error())
	}
}

func (o *Orchestrator) startHeartbeat(ctx context.Context, rsv ledger.Reservation) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(o.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := o.ledger.Heartbeat(rsv.RequestKey, rsv.RunID); err != nil {
					logger.Warn("heartbeat failed", "error", err.Error())
				}
			}
		}
	}()
	return func() { close(done) }
}

func (o *Orchestrator) tally(t *audit.Totals, out Outcome) {
	switch out.Status {
	case ledger.StatusSent:
		t.Attempted++
		t.Success++
	case ledger.StatusFailedPreSend:
		t.Attempted++
		t.Failure++
	case ledger.StatusUnknownSent:
		t.Attempted++
		t.ConfirmationRequired++
	case ledger.StatusSkippedDuplicateInRun:
		t.SkippedDuplicate++
	case ledger.StatusSkippedAuto:
		t.SkippedRerun++
	case ledger.StatusSkippedConfirmRequired:
		t.ConfirmationRequired++
	}
}

func (o *Orchestrator) record(rcpt Recipient, out Outcome) {
	if o.audit == nil {
		return
	}
	if out.Err != nil {
		o.audit.RecordError(rcpt.Email, rcpt.CompanyName, out.Err.Error())
	}
	sentAt := ""
	if out.Status == ledger.StatusSent {
		sentAt = time.Now().UTC().Format(time.RFC3339)
	}
	o.audit.RecordOutcome(rcpt.Email, audit.Detail{
		CompanyName:      rcpt.CompanyName,
		Success:          out.Status == ledger.StatusSent,
		MessageID:        out.MessageID,
		SentAt:           sentAt,
		RequestKey:       out.RequestKey,
		MailKey:          out.MailKey,
		DedupeKeyVersion: o.cfg.DedupeKeyVersion,
		DecisionTrace:    out.Trace,
		Action:           out.Action,
	})
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
