package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ignite/quote-sender/internal/keys"
)

// The two evidence failures the workflow treats differently: a file
// that is not there yet keeps the run pending, a file that names the
// wrong recipients blocks it.
var (
	ErrEvidenceMissing   = errors.New("evidence: file not found")
	ErrRecipientMismatch = errors.New("evidence: recipient mismatch")
)

// Evidence is the operator's proof that a manual send really happened.
// The file must live at
// {base}/manual_evidence/{request_id}/manual_send_evidence_{run_id}.json.
type Evidence struct {
	RequestID   string              `json:"request_id"`
	RunID       string              `json:"run_id"`
	Operator    string              `json:"operator"`
	ConfirmedAt string              `json:"confirmed_at"`
	Recipients  []EvidenceRecipient `json:"recipients"`
}

// EvidenceRecipient is one sent mail in the evidence file.
type EvidenceRecipient struct {
	Email     string `json:"email"`
	MessageID string `json:"message_id"`
	SentAt    string `json:"sent_at"`
}

// EvidencePath returns where the evidence file for a run must be.
func EvidencePath(baseDir, requestID, runID string) string {
	return filepath.Join(baseDir, "manual_evidence", requestID,
		fmt.Sprintf("manual_send_evidence_%s.json", runID))
}

// LoadEvidence reads and validates the evidence for a run against the
// recipients the workflow expected to be mailed.
func LoadEvidence(baseDir, requestID, runID string, expectedRecipients []string) (*Evidence, error) {
	path := EvidencePath(baseDir, requestID, runID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrEvidenceMissing, path)
		}
		return nil, fmt.Errorf("evidence: read %s: %w", path, err)
	}
	var ev Evidence
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("evidence: parse %s: %w", path, err)
	}
	if err := ev.validate(requestID, runID, expectedRecipients); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (ev *Evidence) validate(requestID, runID string, expected []string) error {
	if ev.RequestID != requestID {
		return fmt.Errorf("evidence: request_id %q does not match %q", ev.RequestID, requestID)
	}
	if ev.RunID != runID {
		return fmt.Errorf("evidence: run_id %q does not match %q", ev.RunID, runID)
	}
	if ev.Operator == "" || ev.ConfirmedAt == "" {
		return fmt.Errorf("evidence: operator and confirmed_at are required")
	}
	if len(ev.Recipients) == 0 {
		return fmt.Errorf("evidence: no recipients")
	}

	seenIDs := map[string]bool{}
	var got []string
	for i, r := range ev.Recipients {
		if r.Email == "" || r.MessageID == "" || r.SentAt == "" {
			return fmt.Errorf("evidence: recipient %d is missing email, message_id or sent_at", i)
		}
		if seenIDs[r.MessageID] {
			return fmt.Errorf("evidence: duplicate message_id %q", r.MessageID)
		}
		seenIDs[r.MessageID] = true
		got = append(got, keys.NormalizeEmail(r.Email))
	}

	want := make([]string, 0, len(expected))
	for _, e := range expected {
		want = append(want, keys.NormalizeEmail(e))
	}
	if !sameSet(got, want) {
		return fmt.Errorf("%w: the recipient set does not match the approved list", ErrRecipientMismatch)
	}
	return nil
}

func sameSet(a, b []string) bool {
	a, b = uniqueSorted(a), uniqueSorted(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func uniqueSorted(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
