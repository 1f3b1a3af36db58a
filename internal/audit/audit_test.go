package audit

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/quote-sender/internal/cryptobox"
	"github.com/ignite/quote-sender/internal/keyvault"
)

func TestFinalizeWritesReportAndCSVs(t *testing.T) {
	dir := t.TempDir()
	box := cryptobox.New(keyvault.NewWithKeyring(keyring.NewArrayKeyring(nil)))
	require.NoError(t, box.GenerateKey())

	w := NewWriter(dir, "operator-1", "/data/input/recipients.csv", box)
	w.SetProductInfo(map[string]string{"maker_code": "MK-100"})

	w.RecordOutcome("alice@example.com", Detail{
		CompanyName:      "Acme",
		Success:          true,
		MessageID:        "<id@x>",
		SentAt:           "2026-08-24T10:00:00Z",
		RequestKey:       "rq:v2:abc",
		MailKey:          "mk:v2:def",
		DedupeKeyVersion: "v2",
		DecisionTrace:    []string{"request_key=rq:v2:abc"},
		Action:           "sent",
	})
	w.RecordError("bob@example.com", "Beta", "smtp error for bob@example.com: refused")

	path, err := w.Finalize(Totals{Total: 2, Attempted: 2, Success: 1, Failure: 1})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	// no plaintext addresses anywhere in the report
	assert.NotContains(t, text, "alice@example.com")
	assert.NotContains(t, text, "bob@example.com")

	var rep map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &rep))
	assert.Equal(t, "operator-1", rep["operator"])
	assert.Equal(t, "recipients.csv", rep["input_file"])

	details := rep["details"].([]interface{})
	require.Len(t, details, 1)
	d := details[0].(map[string]interface{})
	assert.True(t, strings.HasPrefix(d["email_enc"].(string), "enc:v1:"))
	assert.Equal(t, "v2", d["dedupe_key_version"])

	errs := rep["errors"].([]interface{})
	require.Len(t, errs, 1)
	e := errs[0].(map[string]interface{})
	assert.Equal(t, "***@example.com", e["email_masked"])
	assert.Contains(t, e["error"].(string), "***@example.com")

	// encrypted address in the report decrypts back to the original
	plain, err := box.Decrypt(d["email_enc"].(string))
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", plain)
}

func TestCSVListContents(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "op", "input.csv", nil)
	w.RecordOutcome("alice@example.com", Detail{
		CompanyName: "Acme", Success: true, MessageID: "<id@x>", SentAt: "2026-08-24T10:00:00Z",
	})
	w.RecordError("bob@example.com", "Beta", "boom")
	_, err := w.Finalize(Totals{})
	require.NoError(t, err)

	sentFiles, err := filepath.Glob(filepath.Join(dir, "sent_list_*.csv"))
	require.NoError(t, err)
	require.Len(t, sentFiles, 1)
	rows := readCSV(t, sentFiles[0])
	assert.Equal(t, []string{"メールアドレス_enc", "会社名", "送信日時", "Message-ID"}, rows[0])
	require.Len(t, rows, 2)
	// no key configured: the address is masked, not stored raw
	assert.Equal(t, "ali***@example.com", rows[1][0])
	assert.Equal(t, "<id@x>", rows[1][3])

	unsentFiles, err := filepath.Glob(filepath.Join(dir, "unsent_list_*.csv"))
	require.NoError(t, err)
	require.Len(t, unsentFiles, 1)
	rows = readCSV(t, unsentFiles[0])
	assert.Equal(t, []string{"メールアドレス_enc", "会社名", "エラー内容"}, rows[0])
	require.Len(t, rows, 2)
	assert.Equal(t, "Beta", rows[1][1])
}

func TestReportFileNameCarriesExecutionID(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "op", "input.csv", nil)
	path, err := w.Finalize(Totals{})
	require.NoError(t, err)

	base := filepath.Base(path)
	assert.True(t, strings.HasPrefix(base, "audit_"))
	exec8 := strings.ReplaceAll(w.ExecutionID(), "-", "")[:8]
	assert.Contains(t, base, exec8)
}

func TestScreenSummary(t *testing.T) {
	out := ScreenSummary(Totals{Total: 5, Attempted: 4, Success: 3, Failure: 1, ConfirmationRequired: 1})
	assert.Contains(t, out, "対象件数:       5")
	assert.Contains(t, out, "送信成功:       3")
	assert.Contains(t, out, "要確認:         1")
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}
