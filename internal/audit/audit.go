// Package audit writes the per-batch audit trail: a JSON report plus
// sent/unsent CSV lists for operators. Addresses are never written in
// the clear; they are encrypted when a key is available and masked
// otherwise.
package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/quote-sender/internal/cryptobox"
	"github.com/ignite/quote-sender/internal/pkg/logger"
)

const timestampLayout = "20060102_150405"

// Totals aggregates one batch.
type Totals struct {
	Total                int `json:"total"`
	Attempted            int `json:"attempted_count"`
	Success              int `json:"success_count"`
	Failure              int `json:"failure_count"`
	SkippedDuplicate     int `json:"skipped_duplicate_count"`
	SkippedRerun         int `json:"skipped_rerun_count"`
	ConfirmationRequired int `json:"confirmation_required_count"`
}

// Detail is one recipient's outcome in the report.
type Detail struct {
	EmailEnc         string   `json:"email_enc"`
	CompanyName      string   `json:"company_name"`
	Success          bool     `json:"success"`
	MessageID        string   `json:"message_id,omitempty"`
	SentAt           string   `json:"sent_at,omitempty"`
	RequestKey       string   `json:"request_key"`
	MailKey          string   `json:"mail_key"`
	DedupeKeyVersion string   `json:"dedupe_key_version"`
	DecisionTrace    []string `json:"decision_trace"`
	Action           string   `json:"action"`
}

// ErrorEntry is one failed recipient. The address keeps only its domain
// and the message is scrubbed of embedded addresses.
type ErrorEntry struct {
	EmailMasked string `json:"email_masked"`
	Error       string `json:"error"`
}

type report struct {
	ExecutionID     string            `json:"execution_id"`
	StartedAt       string            `json:"started_at"`
	FinishedAt      string            `json:"finished_at"`
	Operator        string            `json:"operator"`
	InputFile       string            `json:"input_file"`
	Totals          Totals            `json:"totals"`
	Details         []Detail          `json:"details"`
	Errors          []ErrorEntry      `json:"errors"`
	ProductInfo     map[string]string `json:"product_info,omitempty"`
	WorkflowContext map[string]string `json:"workflow_context,omitempty"`
}

// sentRow pairs a detail with plaintext needed for the CSV lists before
// encryption.
type sentRow struct {
	emailEnc  string
	company   string
	sentAt    string
	messageID string
}

type unsentRow struct {
	emailEnc string
	company  string
	errMsg   string
}

// Writer accumulates one batch and writes the artifacts on Finalize.
type Writer struct {
	dir         string
	operator    string
	inputFile   string
	box         *cryptobox.Box
	executionID string
	startedAt   time.Time

	details []Detail
	errors  []ErrorEntry
	sent    []sentRow
	unsent  []unsentRow

	productInfo     map[string]string
	workflowContext map[string]string

	now func() time.Time
}

// NewWriter starts a batch audit. box may be nil; addresses are then
// masked instead of encrypted.
func NewWriter(dir, operator, inputFile string, box *cryptobox.Box) *Writer {
	w := &Writer{
		dir:         dir,
		operator:    operator,
		inputFile:   filepath.Base(inputFile),
		box:         box,
		executionID: uuid.NewString(),
		now:         time.Now,
	}
	w.startedAt = w.now()
	return w
}

// ExecutionID returns the batch's execution id.
func (w *Writer) ExecutionID() string { return w.executionID }

// SetProductInfo attaches product metadata to the report.
func (w *Writer) SetProductInfo(info map[string]string) { w.productInfo = info }

// SetWorkflowContext attaches workflow metadata to the report.
func (w *Writer) SetWorkflowContext(ctx map[string]string) { w.workflowContext = ctx }

// RecordOutcome adds one recipient outcome. email is the plaintext
// address; it is protected before anything is stored.
func (w *Writer) RecordOutcome(email string, d Detail) {
	d.EmailEnc = w.protect(email)
	w.details = append(w.details, d)
	if d.Success {
		w.sent = append(w.sent, sentRow{
			emailEnc:  d.EmailEnc,
			company:   d.CompanyName,
			sentAt:    d.SentAt,
			messageID: d.MessageID,
		})
	}
}

// RecordError adds one failed recipient to the error list and the unsent
// CSV.
func (w *Writer) RecordError(email, companyName, errMsg string) {
	scrubbed := logger.RedactText(errMsg)
	w.errors = append(w.errors, ErrorEntry{
		EmailMasked: logger.MaskEmailDomainOnly(email),
		Error:       scrubbed,
	})
	w.unsent = append(w.unsent, unsentRow{
		emailEnc: w.protect(email),
		company:  companyName,
		errMsg:   scrubbed,
	})
}

// Finalize writes the JSON report and both CSV lists, returning the
// report path.
func (w *Writer) Finalize(totals Totals) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("audit: output dir: %w", err)
	}
	stamp := w.startedAt.Format(timestampLayout)
	exec8 := strings.ReplaceAll(w.executionID, "-", "")[:8]

	rep := report{
		ExecutionID:     w.executionID,
		StartedAt:       w.startedAt.UTC().Format(time.RFC3339),
		FinishedAt:      w.now().UTC().Format(time.RFC3339),
		Operator:        w.operator,
		InputFile:       w.inputFile,
		Totals:          totals,
		Details:         w.details,
		Errors:          w.errors,
		ProductInfo:     w.productInfo,
		WorkflowContext: w.workflowContext,
	}
	if rep.Details == nil {
		rep.Details = []Detail{}
	}
	if rep.Errors == nil {
		rep.Errors = []ErrorEntry{}
	}

	reportPath := filepath.Join(w.dir, fmt.Sprintf("audit_%s_%s.json", stamp, exec8))
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(reportPath, data, 0o644); err != nil {
		return "", fmt.Errorf("audit: write report: %w", err)
	}

	if err := w.writeSentCSV(filepath.Join(w.dir, fmt.Sprintf("sent_list_%s.csv", stamp))); err != nil {
		return "", err
	}
	if err := w.writeUnsentCSV(filepath.Join(w.dir, fmt.Sprintf("unsent_list_%s.csv", stamp))); err != nil {
		return "", err
	}
	return reportPath, nil
}

func (w *Writer) writeSentCSV(path string) error {
	rows := [][]string{{"メールアドレス_enc", "会社名", "送信日時", "Message-ID"}}
	for _, r := range w.sent {
		rows = append(rows, []string{r.emailEnc, r.company, r.sentAt, r.messageID})
	}
	return writeCSV(path, rows)
}

func (w *Writer) writeUnsentCSV(path string) error {
	rows := [][]string{{"メールアドレス_enc", "会社名", "エラー内容"}}
	for _, r := range w.unsent {
		rows = append(rows, []string{r.emailEnc, r.company, r.errMsg})
	}
	return writeCSV(path, rows)
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create %s: %w", path, err)
	}
	defer f.Close()
	cw := csv.NewWriter(f)
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("audit: write %s: %w", path, err)
	}
	cw.Flush()
	return cw.Error()
}

// protect encrypts an address when a key is available and masks it
// otherwise. The audit trail must stay writable even with no key.
func (w *Writer) protect(email string) string {
	if w.box != nil {
		if enc, err := w.box.Encrypt(email); err == nil {
			return enc
		}
	}
	return logger.MaskEmail(email)
}

// ScreenSummary renders the operator-facing batch summary.
func ScreenSummary(t Totals) string {
	var b strings.Builder
	b.WriteString("===== 送信結果サマリ =====\n")
	fmt.Fprintf(&b, "対象件数:       %d\n", t.Total)
	fmt.Fprintf(&b, "送信試行:       %d\n", t.Attempted)
	fmt.Fprintf(&b, "送信成功:       %d\n", t.Success)
	fmt.Fprintf(&b, "送信失敗:       %d\n", t.Failure)
	fmt.Fprintf(&b, "重複スキップ:   %d\n", t.SkippedDuplicate)
	fmt.Fprintf(&b, "再送スキップ:   %d\n", t.SkippedRerun)
	fmt.Fprintf(&b, "要確認:         %d\n", t.ConfirmationRequired)
	return b.String()
}
