// Package workflow arbitrates how a quote request is executed: fully
// automatic sending, manual sending with evidence, or draft-only
// preparation. It owns the request lifecycle around the orchestrator
// and records a verifiable request history.
package workflow

import (
	"github.com/google/uuid"

	"github.com/ignite/quote-sender/internal/orchestrator"
)

// Workflow modes.
const (
	ModeEnhanced = "enhanced"
	ModeLegacy   = "legacy"
)

// Send modes inside the enhanced workflow.
const (
	SendAuto      = "auto"
	SendManual    = "manual"
	SendDraftOnly = "draft_only"
)

// Terminal statuses of a workflow execution.
const (
	StatusCompleted = "completed"
	StatusPending   = "pending"
	StatusBlocked   = "blocked"
	StatusFailed    = "failed"
)

// HearingInput is the operator's answers collected before an enhanced
// run.
type HearingInput struct {
	RecipientsChanged bool     `json:"recipients_changed"`
	FinalRecipients   []string `json:"final_recipients"`
	SendMode          string   `json:"send_mode"`
	OtherRequests     string   `json:"other_requests"`
	UserApproved      bool     `json:"user_approved"`
}

// Request is one workflow execution request.
type Request struct {
	RequestID  string
	RunID      string
	Operator   string
	Mode       string
	Recipients []orchestrator.Recipient
	Product    orchestrator.Product
	Hearing    *HearingInput

	SubjectTemplate string
	BodyTemplate    string
	Confirm         orchestrator.Confirmers
}

// Result is the outcome of a workflow execution.
type Result struct {
	Status          string
	Reason          string
	RequestID       string
	RunID           string
	SendMode        string
	FinalRecipients []string
	BlockedReasons  []string
	DraftPath       string
	HistoryPath     string
	Dropped         []DroppedRecipient
	Batch           *orchestrator.BatchResult
}

// DroppedRecipient names a recipient removed by the safety re-evaluation.
type DroppedRecipient struct {
	Email  string
	Reason string
}

// NewID returns a time-ordered UUID, falling back to a random one when
// the v7 source is unavailable.
func NewID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
