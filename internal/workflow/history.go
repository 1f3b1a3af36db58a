package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ignite/quote-sender/internal/hmackeys"
	"github.com/ignite/quote-sender/internal/keys"
)

// HistoryStore persists one write-once record per run under
// <dir>/<request_id>/<run_id>.json: how the run was executed, how it
// ended, and who was finally mailed as salted pseudonyms verifiable
// while the HMAC key lives.
type HistoryStore struct {
	dir  string
	hmac *hmackeys.Manager
	now  func() time.Time
}

// NewHistoryStore roots the store at dir.
func NewHistoryStore(dir string, hmac *hmackeys.Manager) *HistoryStore {
	return &HistoryStore{dir: dir, hmac: hmac, now: time.Now}
}

// RunSummary is what Record persists about one workflow run.
type RunSummary struct {
	RequestID       string
	RunID           string
	WorkflowMode    string
	SendMode        string
	State           string
	FinalRecipients []string
	BlockedReasons  []string
	Metadata        map[string]string
}

// HistoryRecord is the persisted payload.
type HistoryRecord struct {
	RequestID          string            `json:"request_id"`
	RunID              string            `json:"run_id"`
	WorkflowMode       string            `json:"workflow_mode"`
	SendMode           string            `json:"send_mode"`
	State              string            `json:"state"`
	FinalRecipients    []string          `json:"final_recipients"`
	RecipientHashes    []RecipientHash   `json:"recipient_hashes"`
	BlockedReasons     []string          `json:"blocked_reasons"`
	HMACKeyVersion     string            `json:"hmac_key_version"`
	VerificationStatus string            `json:"verification_status"`
	RecordedAtUTC      string            `json:"recorded_at_utc"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// RecipientHash is one pseudonymized recipient.
type RecipientHash struct {
	EmailHMAC string `json:"email_hmac"`
}

// Record writes the history file for one run. A second write for the
// same (request, run) pair is refused; history is append-only by file.
func (s *HistoryStore) Record(run RunSummary) (string, error) {
	path := s.Path(run.RequestID, run.RunID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("history: dir: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("history: record for run %s of request %s already exists", run.RunID, run.RequestID)
	}

	normalized := make([]string, 0, len(run.FinalRecipients))
	for _, r := range run.FinalRecipients {
		normalized = append(normalized, keys.NormalizeEmail(r))
	}
	normalized = uniqueSorted(normalized)

	hashes := make([]RecipientHash, 0, len(normalized))
	version := ""
	for _, r := range normalized {
		h, v, err := s.hmac.HashEmail(r)
		if err != nil {
			return "", fmt.Errorf("history: hash recipient: %w", err)
		}
		hashes = append(hashes, RecipientHash{EmailHMAC: h})
		version = v
	}
	if version == "" {
		v, err := s.hmac.EnsureActiveKey()
		if err != nil {
			return "", fmt.Errorf("history: hmac key: %w", err)
		}
		version = v
	}

	blocked := run.BlockedReasons
	if blocked == nil {
		blocked = []string{}
	}
	rec := HistoryRecord{
		RequestID:          run.RequestID,
		RunID:              run.RunID,
		WorkflowMode:       run.WorkflowMode,
		SendMode:           run.SendMode,
		State:              run.State,
		FinalRecipients:    normalized,
		RecipientHashes:    hashes,
		BlockedReasons:     blocked,
		HMACKeyVersion:     version,
		VerificationStatus: s.hmac.VerificationStatus(version),
		RecordedAtUTC:      s.now().UTC().Format(time.RFC3339),
		Metadata:           run.Metadata,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("history: write: %w", err)
	}
	return path, nil
}

// Load reads the history record of one run.
func (s *HistoryStore) Load(requestID, runID string) (*HistoryRecord, error) {
	data, err := os.ReadFile(s.Path(requestID, runID))
	if err != nil {
		return nil, fmt.Errorf("history: read: %w", err)
	}
	var rec HistoryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("history: parse: %w", err)
	}
	return &rec, nil
}

// Path returns the file path for one run's history record.
func (s *HistoryStore) Path(requestID, runID string) string {
	return filepath.Join(s.dir, requestID, runID+".json")
}

// Prune deletes run records older than retention. Emptied request
// directories are removed as well.
func (s *HistoryStore) Prune(retentionDays int) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := s.now().AddDate(0, 0, -retentionDays)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		reqDir := filepath.Join(s.dir, e.Name())
		runs, err := os.ReadDir(reqDir)
		if err != nil {
			continue
		}
		remaining := 0
		for _, r := range runs {
			if r.IsDir() || filepath.Ext(r.Name()) != ".json" {
				remaining++
				continue
			}
			info, err := r.Info()
			if err != nil {
				remaining++
				continue
			}
			if !info.ModTime().Before(cutoff) {
				remaining++
				continue
			}
			if err := os.Remove(filepath.Join(reqDir, r.Name())); err == nil {
				removed++
			} else {
				remaining++
			}
		}
		if remaining == 0 {
			os.Remove(reqDir)
		}
	}
	return removed, nil
}
