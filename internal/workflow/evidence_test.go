package workflow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEvidence(t *testing.T, baseDir string, ev Evidence) {
	t.Helper()
	path := EvidencePath(baseDir, ev.RequestID, ev.RunID)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func validEvidence() Evidence {
	return Evidence{
		RequestID:   "req-1",
		RunID:       "run-1",
		Operator:    "tanaka",
		ConfirmedAt: "2026-08-24T10:00:00Z",
		Recipients: []EvidenceRecipient{
			{Email: "a@example.com", MessageID: "<m1@x>", SentAt: "2026-08-24T09:58:00Z"},
			{Email: "b@example.com", MessageID: "<m2@x>", SentAt: "2026-08-24T09:59:00Z"},
		},
	}
}

func TestLoadEvidenceValid(t *testing.T) {
	dir := t.TempDir()
	writeEvidence(t, dir, validEvidence())

	ev, err := LoadEvidence(dir, "req-1", "run-1", []string{"A@example.com", "b@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "tanaka", ev.Operator)
	assert.Len(t, ev.Recipients, 2)
}

func TestLoadEvidenceMissingFile(t *testing.T) {
	_, err := LoadEvidence(t.TempDir(), "req-1", "run-1", []string{"a@example.com"})
	assert.Error(t, err)
}

func TestLoadEvidenceIDMismatch(t *testing.T) {
	dir := t.TempDir()
	ev := validEvidence()
	ev.RunID = "run-other"
	path := EvidencePath(dir, "req-1", "run-1")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = LoadEvidence(dir, "req-1", "run-1", []string{"a@example.com", "b@example.com"})
	assert.ErrorContains(t, err, "run_id")
}

func TestLoadEvidenceDuplicateMessageID(t *testing.T) {
	dir := t.TempDir()
	ev := validEvidence()
	ev.Recipients[1].MessageID = ev.Recipients[0].MessageID
	writeEvidence(t, dir, ev)

	_, err := LoadEvidence(dir, "req-1", "run-1", []string{"a@example.com", "b@example.com"})
	assert.ErrorContains(t, err, "duplicate message_id")
}

func TestLoadEvidenceRecipientSetMismatch(t *testing.T) {
	dir := t.TempDir()
	writeEvidence(t, dir, validEvidence())

	_, err := LoadEvidence(dir, "req-1", "run-1", []string{"a@example.com", "c@example.com"})
	assert.ErrorContains(t, err, "recipient set")
}

func TestLoadEvidenceMissingFields(t *testing.T) {
	dir := t.TempDir()
	ev := validEvidence()
	ev.Recipients[0].SentAt = ""
	writeEvidence(t, dir, ev)

	_, err := LoadEvidence(dir, "req-1", "run-1", []string{"a@example.com", "b@example.com"})
	assert.ErrorContains(t, err, "missing")
}
