// Command quotesend sends quote-request mails to vendor contacts from a
// CSV list, with exactly-once protection backed by the local send
// ledger.
//
// Exit codes: 0 success, 1 send failures, 3 operator confirmation
// required, 4 invalid input.
package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"errors"
	"flag"
	"fmt"
	"net/smtp"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ignite/quote-sender/internal/audit"
	"github.com/ignite/quote-sender/internal/config"
	"github.com/ignite/quote-sender/internal/contacts"
	"github.com/ignite/quote-sender/internal/cryptobox"
	"github.com/ignite/quote-sender/internal/domainfilter"
	"github.com/ignite/quote-sender/internal/hmackeys"
	"github.com/ignite/quote-sender/internal/keyvault"
	"github.com/ignite/quote-sender/internal/ledger"
	"github.com/ignite/quote-sender/internal/orchestrator"
	"github.com/ignite/quote-sender/internal/pkg/logger"
	"github.com/ignite/quote-sender/internal/template"
	"github.com/ignite/quote-sender/internal/transport"
	"github.com/ignite/quote-sender/internal/urlcheck"
	"github.com/ignite/quote-sender/internal/workflow"
)

const smtpPasswordSecret = "smtp_password"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "./config.json", "path to config.json")
		inputPath  = flag.String("input", "", "recipient CSV file (required)")

		makerCode       = flag.String("maker-code", "", "maker code (required)")
		makerName       = flag.String("maker-name", "", "maker display name")
		productName     = flag.String("product-name", "", "product name")
		productFeatures = flag.String("product-features", "", "product features for the mail body")
		productURL      = flag.String("product-url", "", "product page URL (required)")
		quantity        = flag.String("quantity", "", "requested quantity")

		subjectFile = flag.String("subject-file", "", "subject template file (liquid)")
		bodyFile    = flag.String("body-file", "", "body template file (liquid)")

		mode     = flag.String("mode", "", "workflow mode: enhanced or legacy (default from config)")
		sendMode = flag.String("send-mode", "", "enhanced send mode: auto, manual or draft_only")
		operator = flag.String("operator", "", "operator name for the audit trail")
		runID    = flag.String("run-id", "", "run id (generated when empty)")
		reqID    = flag.String("request-id", "", "request id (generated when empty)")

		approve = flag.Bool("approve", false, "record operator approval for the enhanced workflow")
		yes     = flag.Bool("yes", false, "answer yes to every confirmation prompt (non-interactive)")
		dryRun  = flag.Bool("dry-run", false, "accept mails without delivering anything")
		skipURL = flag.Bool("skip-url-check", false, "skip reachability validation of the product URL")
		verbose = flag.Bool("verbose", false, "debug logging")
	)
	flag.Parse()

	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}
	if *inputPath == "" {
		fmt.Fprintln(os.Stderr, "error: -input is required")
		flag.Usage()
		return orchestrator.ExitInvalidInput
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return orchestrator.ExitInvalidInput
	}

	vault, err := keyvault.Open(cfg.CredentialTargetName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: credential store: %v\n", err)
		return orchestrator.ExitFailure
	}

	box := cryptobox.New(vault)
	if !box.HasKey() {
		logger.Warn("no encryption key registered, PII will be masked instead of encrypted")
		box = nil
	}

	records, warnings, err := contacts.Load(*inputPath, box)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return orchestrator.ExitInvalidInput
	}
	for _, w := range warnings {
		logger.Warn("input warning", "detail", w)
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stderr, "error: no usable recipients in input")
		return orchestrator.ExitInvalidInput
	}

	ctx := context.Background()

	subjectTpl, err := readTemplate(*subjectFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return orchestrator.ExitInvalidInput
	}
	bodyTpl, err := readTemplate(*bodyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return orchestrator.ExitInvalidInput
	}

	ldg, err := ledger.Open(cfg.LedgerSQLitePath, vault, ledger.Options{
		BusyTimeoutMS:   cfg.DedupeBusyTimeoutMS,
		RetryAttempts:   cfg.DedupeRetryAttempts,
		InProgressTTL:   time.Duration(cfg.DedupeInProgressTTLSec) * time.Second,
		UnknownSentHold: time.Duration(cfg.UnknownSentHoldSec) * time.Second,
		RerunWindow:     time.Duration(cfg.RerunWindowHours) * time.Hour,
		RetentionDays:   cfg.LogRetentionDays,
		SecretVersion:   cfg.IdempotencySecretVersion,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: ledger: %v\n", err)
		return orchestrator.ExitFailure
	}
	defer ldg.Close()

	if !*skipURL && *productURL != "" {
		checker := urlcheck.New(urlcheck.Options{
			Timeout:      time.Duration(cfg.URLTimeoutSec) * time.Second,
			RetryCount:   cfg.URLRetryCount,
			MaxRedirects: cfg.MaxRedirects,
		})
		res := checker.Validate(ctx, *productURL)
		recordURLAlias(ldg, res)
		if !res.Valid {
			fmt.Fprintf(os.Stderr, "error: product URL rejected: %s\n", res.Reason)
			return orchestrator.ExitInvalidInput
		}
		if res.Warning != "" {
			logger.Warn("product URL warning", "warning", res.Warning)
		}
	}

	trans, err := buildTransport(cfg, vault, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return orchestrator.ExitInvalidInput
	}

	engine := template.NewEngine(template.Lax)
	aw := audit.NewWriter(cfg.LogDir, *operator, *inputPath, box)
	orch := orchestrator.New(cfg, ldg, trans, engine, aw)
	filter := domainfilter.New(cfg.DomainWhitelist, cfg.DomainBlacklist)
	hm := hmackeys.New(vault, filepath.Join(cfg.LogDir, hmackeys.RegistryFileName), cfg.HMACRotationDays)
	history := workflow.NewHistoryStore(filepath.Join(cfg.LogDir, "request_history"), hm)
	drafts := workflow.NewDraftRepo(filepath.Join(cfg.OutputDir, "drafts"))
	svc := workflow.NewService(cfg, orch, ldg, filter, engine, drafts, history)

	var recipients []orchestrator.Recipient
	for _, r := range records {
		recipients = append(recipients, orchestrator.Recipient{
			Email:       r.Email,
			CompanyName: r.CompanyName,
			ContactName: r.ContactName,
		})
	}

	req := workflow.Request{
		RequestID:  *reqID,
		RunID:      *runID,
		Operator:   *operator,
		Mode:       *mode,
		Recipients: recipients,
		Product: orchestrator.Product{
			MakerCode:       *makerCode,
			MakerName:       *makerName,
			ProductName:     *productName,
			ProductFeatures: *productFeatures,
			ProductURL:      *productURL,
			Quantity:        *quantity,
		},
		SubjectTemplate: subjectTpl,
		BodyTemplate:    bodyTpl,
		Confirm:         confirmers(*yes),
	}
	effectiveMode := req.Mode
	if effectiveMode == "" {
		effectiveMode = cfg.WorkflowModeDefault
	}
	if effectiveMode == workflow.ModeEnhanced {
		req.Hearing = &workflow.HearingInput{
			SendMode:     *sendMode,
			UserApproved: *approve,
		}
	}

	res, err := svc.Execute(ctx, req)
	if res.Batch != nil {
		if _, ferr := aw.Finalize(res.Batch.Totals); ferr != nil {
			logger.Error("audit finalize failed", "error", ferr.Error())
		}
		fmt.Print(audit.ScreenSummary(res.Batch.Totals))
	}
	printResult(res)

	if err != nil {
		var inputErr *orchestrator.InputError
		if errors.As(err, &inputErr) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return orchestrator.ExitInvalidInput
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return orchestrator.ExitFailure
	}
	return exitCode(res)
}

func buildTransport(cfg config.Config, vault *keyvault.Vault, dryRun bool) (transport.Transport, error) {
	if dryRun {
		return transport.NewSender(transport.NewDryRunMailbox(), transport.SenderOptions{
			SendInterval: time.Duration(cfg.SendIntervalSec) * time.Second,
		}), nil
	}
	if cfg.SMTPHost == "" || cfg.FromAddress == "" {
		return nil, fmt.Errorf("smtp_host and from_address must be configured (or use -dry-run)")
	}
	pass, err := vault.Get(smtpPasswordSecret)
	if err != nil {
		return nil, fmt.Errorf("smtp password not registered in credential store: %w", err)
	}
	auth := smtp.PlainAuth("", cfg.FromAddress, pass, cfg.SMTPHost)
	box := transport.NewSMTPMailbox(cfg.SMTPHost, cfg.SMTPPort, cfg.FromAddress, auth)
	return transport.NewSender(box, transport.SenderOptions{
		SendInterval: time.Duration(cfg.SendIntervalSec) * time.Second,
	}), nil
}

// confirmers builds the operator prompts. With -yes every question is
// answered affirmatively; otherwise questions go to the terminal.
func confirmers(autoYes bool) orchestrator.Confirmers {
	if autoYes {
		return orchestrator.Confirmers{
			Bulk:    func(int) bool { return true },
			Rerun:   func(string, time.Time) bool { return true },
			Unknown: func(string) bool { return true },
		}
	}
	return orchestrator.Confirmers{
		Bulk: func(count int) bool {
			return promptYesNo(fmt.Sprintf("%d件のメールを送信します。続行しますか?", count))
		},
		Rerun: func(email string, prev time.Time) bool {
			return promptYesNo(fmt.Sprintf("%s には %s に送信済みです。再送しますか?",
				logger.MaskEmail(email), prev.Local().Format("2006-01-02 15:04")))
		},
		Unknown: func(email string) bool {
			return promptYesNo(fmt.Sprintf("%s への前回送信は結果不明です。未送信として扱い再送しますか?",
				logger.MaskEmail(email)))
		},
	}
}

func promptYesNo(question string) bool {
	fmt.Printf("%s [y/N]: ", question)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// recordURLAlias persists what the URL check observed, including
// rejections. CanonicalURL is empty when the input never parsed.
func recordURLAlias(ldg *ledger.Ledger, res urlcheck.Result) {
	if res.CanonicalURL == "" {
		return
	}
	status := ledger.URLResolveValid
	if !res.Valid {
		status = ledger.URLResolveInvalid
	}
	host := ""
	fingerprint := ""
	if res.FinalURL != "" {
		if u, err := url.Parse(res.FinalURL); err == nil {
			host = strings.ToLower(u.Host)
		}
		fingerprint = fmt.Sprintf("%x", sha256.Sum256([]byte(res.FinalURL)))
	}
	if err := ldg.RecordURLAlias(res.CanonicalURL, res.FinalURL, host, res.RedirectCount, fingerprint, status); err != nil {
		logger.Warn("url alias record failed", "error", err.Error())
	}
}

func readTemplate(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("template file %s: %w", path, err)
	}
	return string(data), nil
}

func printResult(res workflow.Result) {
	fmt.Printf("request_id: %s\n", res.RequestID)
	fmt.Printf("run_id:     %s\n", res.RunID)
	fmt.Printf("status:     %s\n", res.Status)
	if res.Reason != "" {
		fmt.Printf("reason:     %s\n", res.Reason)
	}
	if res.DraftPath != "" {
		fmt.Printf("draft:      %s\n", res.DraftPath)
	}
	if res.HistoryPath != "" {
		fmt.Printf("history:    %s\n", res.HistoryPath)
	}
	for _, r := range res.BlockedReasons {
		fmt.Printf("blocked:    %s\n", r)
	}
	for _, d := range res.Dropped {
		fmt.Printf("dropped:    %s (%s)\n", logger.MaskEmail(d.Email), d.Reason)
	}
}

func exitCode(res workflow.Result) int {
	if res.Batch != nil {
		return res.Batch.ExitCode
	}
	switch res.Status {
	case workflow.StatusCompleted:
		return orchestrator.ExitOK
	case workflow.StatusPending:
		return orchestrator.ExitConfirmRequired
	default:
		return orchestrator.ExitFailure
	}
}
