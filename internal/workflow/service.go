package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/quote-sender/internal/config"
	"github.com/ignite/quote-sender/internal/domainfilter"
	"github.com/ignite/quote-sender/internal/keys"
	"github.com/ignite/quote-sender/internal/ledger"
	"github.com/ignite/quote-sender/internal/orchestrator"
	"github.com/ignite/quote-sender/internal/pkg/logger"
	"github.com/ignite/quote-sender/internal/template"
)

// Service executes workflow requests. In legacy mode it is a thin shell
// around the orchestrator; in enhanced mode it applies the hearing
// answers, re-checks safety after any recipient change, and gates the
// actual send on the chosen send mode.
type Service struct {
	cfg     config.Config
	orch    *orchestrator.Orchestrator
	ledger  *ledger.Ledger
	filter  *domainfilter.Filter
	engine  *template.Engine
	drafts  *DraftRepo
	history *HistoryStore
}

// NewService wires the workflow collaborators.
func NewService(cfg config.Config, orch *orchestrator.Orchestrator, l *ledger.Ledger, filter *domainfilter.Filter, engine *template.Engine, drafts *DraftRepo, history *HistoryStore) *Service {
	return &Service{
		cfg:     cfg,
		orch:    orch,
		ledger:  l,
		filter:  filter,
		engine:  engine,
		drafts:  drafts,
		history: history,
	}
}

// Execute runs one workflow request to a terminal status. Infrastructure
// errors are returned; operator-resolvable situations come back as a
// pending, blocked or failed Result. Every run leaves a history record,
// whatever the outcome.
func (s *Service) Execute(ctx context.Context, req Request) (Result, error) {
	if req.RequestID == "" {
		req.RequestID = NewID()
	}
	if req.RunID == "" {
		req.RunID = NewID()
	}
	if req.Mode == "" {
		req.Mode = s.cfg.WorkflowModeDefault
	}
	res := Result{RequestID: req.RequestID, RunID: req.RunID}

	var err error
	switch req.Mode {
	case ModeLegacy:
		res, err = s.runLegacy(ctx, req, res)
	case ModeEnhanced:
		res, err = s.runEnhanced(ctx, req, res)
	default:
		res.Status = StatusFailed
		res.Reason = fmt.Sprintf("unknown workflow mode %q", req.Mode)
		err = fmt.Errorf("workflow: unknown mode %q", req.Mode)
	}
	s.recordHistory(&res, req)
	return res, err
}

func (s *Service) runLegacy(ctx context.Context, req Request, res Result) (Result, error) {
	res.SendMode = SendAuto
	res.FinalRecipients = emailsOf(req.Recipients)
	batch, err := s.orch.SendBulk(ctx, s.batchFor(req, req.Recipients))
	res.Batch = &batch
	if err != nil {
		res.Status = StatusFailed
		res.Reason = err.Error()
		return res, err
	}
	s.settle(&res, batch)
	return res, nil
}

func (s *Service) runEnhanced(ctx context.Context, req Request, res Result) (Result, error) {
	if req.Hearing == nil {
		res.Status = StatusPending
		res.Reason = "hearing_required"
		return res, nil
	}
	sendMode := req.Hearing.SendMode
	if sendMode == "" {
		sendMode = s.cfg.SendModeDefault
	}

	res.SendMode = sendMode

	recipients := req.Recipients
	if req.Hearing.RecipientsChanged {
		recipients = s.rebuildRecipients(req.Recipients, req.Hearing.FinalRecipients)
	}
	res.FinalRecipients = emailsOf(recipients)

	kept, dropped, err := s.safetyCheck(req, recipients)
	if err != nil {
		res.Status = StatusFailed
		res.Reason = err.Error()
		return res, err
	}
	res.Dropped = dropped

	// a changed recipient set must pass every gate again; any failure
	// blocks the whole run instead of silently shrinking the list
	if req.Hearing.RecipientsChanged {
		for _, d := range dropped {
			res.BlockedReasons = append(res.BlockedReasons,
				fmt.Sprintf("%s: %s", d.Reason, logger.MaskEmail(d.Email)))
		}
	}
	reason := "safety_recheck_failed"
	if len(kept) == 0 {
		res.BlockedReasons = append(res.BlockedReasons, "no recipients left after the safety check")
		reason = "no_recipients_after_safety_check"
	}
	if len(res.BlockedReasons) > 0 {
		if path, draftErr := s.writeDraft(req, recipients); draftErr == nil {
			res.DraftPath = path
		}
		res.Status = StatusBlocked
		res.Reason = reason
		s.moveDraft(&res, false)
		return res, nil
	}

	switch sendMode {
	case SendAuto:
		return s.runAuto(ctx, req, res, kept)
	case SendManual:
		return s.runManual(req, res, kept)
	case SendDraftOnly:
		return s.runDraftOnly(req, res, kept)
	default:
		res.Status = StatusFailed
		res.Reason = fmt.Sprintf("unknown send mode %q", sendMode)
		return res, fmt.Errorf("workflow: unknown send mode %q", sendMode)
	}
}

func (s *Service) runAuto(ctx context.Context, req Request, res Result, recipients []orchestrator.Recipient) (Result, error) {
	draftPath, err := s.writeDraft(req, recipients)
	if err != nil {
		res.Status = StatusFailed
		res.Reason = err.Error()
		return res, err
	}
	res.DraftPath = draftPath

	if !req.Hearing.UserApproved {
		res.Status = StatusPending
		res.Reason = "approval_required"
		return res, nil
	}
	batch, err := s.orch.SendBulk(ctx, s.batchFor(req, recipients))
	res.Batch = &batch
	if err != nil {
		res.Status = StatusFailed
		res.Reason = err.Error()
		s.moveDraft(&res, false)
		return res, err
	}
	s.settle(&res, batch)
	return res, nil
}

// runManual prepares the draft the operator will send by hand, then looks
// for the evidence file proving the send happened.
func (s *Service) runManual(req Request, res Result, recipients []orchestrator.Recipient) (Result, error) {
	draftPath, err := s.writeDraft(req, recipients)
	if err != nil {
		res.Status = StatusFailed
		res.Reason = err.Error()
		return res, err
	}
	res.DraftPath = draftPath

	emails := make([]string, 0, len(recipients))
	for _, r := range recipients {
		emails = append(emails, r.Email)
	}
	ev, err := LoadEvidence(s.cfg.OutputDir, req.RequestID, req.RunID, emails)
	if errors.Is(err, ErrEvidenceMissing) {
		logger.Info("manual evidence not placed yet", "request_id", req.RequestID)
		res.Status = StatusPending
		res.Reason = "evidence_missing"
		return res, nil
	}
	if err != nil {
		logger.Warn("manual evidence rejected",
			"request_id", req.RequestID, "reason", err.Error())
		res.Status = StatusBlocked
		res.Reason = "evidence_invalid"
		if errors.Is(err, ErrRecipientMismatch) {
			res.BlockedReasons = append(res.BlockedReasons, "recipient mismatch")
		} else {
			res.BlockedReasons = append(res.BlockedReasons, err.Error())
		}
		s.moveDraft(&res, false)
		return res, nil
	}

	// make the hand-sent mails visible to the rerun guard
	for _, r := range ev.Recipients {
		subject, renderErr := s.renderSubject(req, r.Email, recipients)
		if renderErr != nil {
			continue
		}
		v1Key := keys.V1Key(r.Email, subject, s.bodyTemplate(req))
		if appendErr := s.ledger.AppendEntry(v1Key, r.MessageID, req.RunID); appendErr != nil {
			logger.Warn("evidence ledger append failed", "error", appendErr.Error())
		}
	}

	res.Status = StatusCompleted
	s.moveDraft(&res, true)
	return res, nil
}

func (s *Service) runDraftOnly(req Request, res Result, recipients []orchestrator.Recipient) (Result, error) {
	draftPath, err := s.writeDraft(req, recipients)
	if err != nil {
		res.Status = StatusFailed
		res.Reason = err.Error()
		return res, err
	}
	res.DraftPath = draftPath
	if !req.Hearing.UserApproved {
		res.Status = StatusPending
		res.Reason = "approval_required"
		return res, nil
	}
	res.Status = StatusCompleted
	s.moveDraft(&res, true)
	return res, nil
}

// settle maps a batch result to the workflow status and files the draft
// accordingly.
func (s *Service) settle(res *Result, batch orchestrator.BatchResult) {
	switch {
	case batch.Success:
		res.Status = StatusCompleted
		s.moveDraft(res, true)
	case batch.ExitCode == orchestrator.ExitConfirmRequired:
		res.Status = StatusPending
		res.Reason = "confirmation_required"
	default:
		res.Status = StatusFailed
		res.Reason = "send_failures"
		s.moveDraft(res, false)
	}
}

// moveDraft files the draft under completed/ or error/ once the run has
// reached a terminal state. Pending runs leave it in place.
func (s *Service) moveDraft(res *Result, ok bool) {
	if res.DraftPath == "" {
		return
	}
	var moved string
	var err error
	if ok {
		moved, err = s.drafts.MoveToCompleted(res.DraftPath)
	} else {
		moved, err = s.drafts.MoveToError(res.DraftPath)
	}
	if err != nil {
		logger.Warn("draft move failed", "error", err.Error())
		return
	}
	res.DraftPath = moved
}

// rebuildRecipients replaces the recipient list with the hearing's final
// one, keeping company and contact data for addresses that were already
// known.
func (s *Service) rebuildRecipients(known []orchestrator.Recipient, final []string) []orchestrator.Recipient {
	byEmail := map[string]orchestrator.Recipient{}
	for _, r := range known {
		byEmail[keys.NormalizeEmail(r.Email)] = r
	}
	var out []orchestrator.Recipient
	seen := map[string]bool{}
	for _, email := range final {
		norm := keys.NormalizeEmail(email)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		if r, ok := byEmail[norm]; ok {
			out = append(out, r)
			continue
		}
		local := norm
		if at := strings.Index(norm, "@"); at > 0 {
			local = norm[:at]
		}
		out = append(out, orchestrator.Recipient{
			Email:       norm,
			CompanyName: local,
			ContactName: "ご担当者様",
		})
	}
	return out
}

// safetyCheck re-evaluates domain policy and ledger state for every
// recipient the run is about to mail. Blocked recipients are dropped with
// the reason recorded, never silently.
func (s *Service) safetyCheck(req Request, recipients []orchestrator.Recipient) ([]orchestrator.Recipient, []DroppedRecipient, error) {
	canonURL, err := keys.CanonicalURL(req.Product.ProductURL)
	if err != nil {
		return nil, nil, fmt.Errorf("workflow: product_url: %w", err)
	}

	var kept []orchestrator.Recipient
	var dropped []DroppedRecipient
	for _, r := range recipients {
		if d := s.filter.Allow(r.Email); !d.Allowed {
			logger.Warn("recipient dropped by domain policy",
				"email", r.Email, "reason", d.Reason)
			dropped = append(dropped, DroppedRecipient{Email: r.Email, Reason: d.Reason})
			continue
		}

		requestKey, keyErr := keys.RequestKey(s.cfg.DedupeKeyVersion, r.Email, req.Product.MakerCode, canonURL, req.Product.Quantity)
		if keyErr != nil {
			return nil, nil, keyErr
		}
		subject, renderErr := s.renderSubjectFor(req, r)
		if renderErr != nil {
			return nil, nil, renderErr
		}
		v1Key := keys.V1Key(r.Email, subject, s.bodyTemplate(req))
		pre, preErr := s.ledger.IsSendBlockedPrecheck(requestKey, v1Key)
		if preErr != nil {
			return nil, nil, preErr
		}
		if pre.Blocked {
			logger.Warn("recipient dropped by ledger precheck",
				"email", r.Email, "reason", pre.Reason)
			dropped = append(dropped, DroppedRecipient{Email: r.Email, Reason: pre.Reason})
			continue
		}
		kept = append(kept, r)
	}
	return kept, dropped, nil
}

// writeDraft renders one draft document covering every recipient.
func (s *Service) writeDraft(req Request, recipients []orchestrator.Recipient) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# 見積依頼ドラフト\n\n")
	fmt.Fprintf(&b, "- request_id: %s\n", req.RequestID)
	fmt.Fprintf(&b, "- run_id: %s\n", req.RunID)
	fmt.Fprintf(&b, "- 作成日時: %s\n\n", time.Now().In(jst).Format("2006-01-02 15:04"))

	for i, r := range recipients {
		subject, body, err := s.renderMail(req, r)
		if err != nil {
			return "", fmt.Errorf("workflow: render draft for %s: %w", r.Email, err)
		}
		fmt.Fprintf(&b, "## %d. %s <%s>\n\n", i+1, r.CompanyName, r.Email)
		fmt.Fprintf(&b, "件名: %s\n\n", subject)
		fmt.Fprintf(&b, "```\n%s\n```\n\n", body)
	}
	return s.drafts.Save(req.RequestID, req.RunID, req.Product.ProductName, b.String())
}

// recordHistory persists the run record. Every run leaves one, even a
// pending or blocked one.
func (s *Service) recordHistory(res *Result, req Request) {
	if s.history == nil {
		return
	}
	meta := map[string]string{"operator": req.Operator}
	if res.DraftPath != "" {
		meta["draft_path"] = res.DraftPath
	}
	path, err := s.history.Record(RunSummary{
		RequestID:       req.RequestID,
		RunID:           req.RunID,
		WorkflowMode:    req.Mode,
		SendMode:        res.SendMode,
		State:           res.Status,
		FinalRecipients: res.FinalRecipients,
		BlockedReasons:  res.BlockedReasons,
		Metadata:        meta,
	})
	if err != nil {
		logger.Warn("request history record failed", "error", err.Error())
		return
	}
	res.HistoryPath = path
}

func emailsOf(recipients []orchestrator.Recipient) []string {
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, r.Email)
	}
	return out
}

func (s *Service) batchFor(req Request, recipients []orchestrator.Recipient) orchestrator.Batch {
	return orchestrator.Batch{
		RunID:           req.RunID,
		Recipients:      recipients,
		Product:         req.Product,
		SubjectTemplate: req.SubjectTemplate,
		BodyTemplate:    req.BodyTemplate,
		Confirm:         req.Confirm,
	}
}

func (s *Service) bodyTemplate(req Request) string {
	if req.BodyTemplate != "" {
		return req.BodyTemplate
	}
	return template.DefaultBody
}

func (s *Service) subjectTemplate(req Request) string {
	if req.SubjectTemplate != "" {
		return req.SubjectTemplate
	}
	return template.DefaultSubject
}

func (s *Service) renderMail(req Request, r orchestrator.Recipient) (subject, body string, err error) {
	vars := s.templateVars(req, r)
	subject, err = s.engine.Render(s.subjectTemplate(req), vars)
	if err != nil {
		return "", "", err
	}
	body, err = s.engine.Render(s.bodyTemplate(req), vars)
	if err != nil {
		return "", "", err
	}
	return subject, body, nil
}

func (s *Service) renderSubjectFor(req Request, r orchestrator.Recipient) (string, error) {
	return s.engine.Render(s.subjectTemplate(req), s.templateVars(req, r))
}

// renderSubject resolves an email address back to its recipient record
// before rendering, so evidence rows match the keys of the draft.
func (s *Service) renderSubject(req Request, email string, recipients []orchestrator.Recipient) (string, error) {
	norm := keys.NormalizeEmail(email)
	for _, r := range recipients {
		if keys.NormalizeEmail(r.Email) == norm {
			return s.renderSubjectFor(req, r)
		}
	}
	return s.renderSubjectFor(req, orchestrator.Recipient{Email: email})
}

func (s *Service) templateVars(req Request, r orchestrator.Recipient) map[string]interface{} {
	return map[string]interface{}{
		"company_name":     r.CompanyName,
		"contact_name":     r.ContactName,
		"product_name":     req.Product.ProductName,
		"product_features": req.Product.ProductFeatures,
		"product_url":      req.Product.ProductURL,
		"maker_name":       req.Product.MakerName,
		"maker_code":       req.Product.MakerCode,
		"quantity":         req.Product.Quantity,
	}
}
