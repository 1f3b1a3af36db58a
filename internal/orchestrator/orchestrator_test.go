package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/quote-sender/internal/config"
	"github.com/ignite/quote-sender/internal/keys"
	"github.com/ignite/quote-sender/internal/keyvault"
	"github.com/ignite/quote-sender/internal/ledger"
	"github.com/ignite/quote-sender/internal/template"
	"github.com/ignite/quote-sender/internal/transport"
)

type fakeTransport struct {
	sendErr   error
	reconcile transport.ReconcileResult
	sends     []transport.OutgoingMail
	seq       int
}

func (f *fakeTransport) Send(ctx context.Context, mail transport.OutgoingMail) (transport.Result, error) {
	if f.sendErr != nil {
		return transport.Result{}, f.sendErr
	}
	f.sends = append(f.sends, mail)
	f.seq++
	return transport.Result{
		MessageID: fmt.Sprintf("<m%d@test>", f.seq),
		Source:    "direct",
		SentAt:    time.Now(),
	}, nil
}

func (f *fakeTransport) Reconcile(ctx context.Context, q transport.ReconcileQuery) (transport.ReconcileResult, error) {
	return f.reconcile, nil
}

type fixture struct {
	orch   *Orchestrator
	ledger *ledger.Ledger
	trans  *fakeTransport
	cfg    config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.ConfirmationThreshold = 100 // bulk prompt tested separately
	cfg.SendIntervalSec = 0

	vault := keyvault.NewWithKeyring(keyring.NewArrayKeyring(nil))
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.sqlite3"), vault, ledger.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	trans := &fakeTransport{}
	orch := New(cfg, l, trans, template.NewEngine(template.Lax), nil)
	return &fixture{orch: orch, ledger: l, trans: trans, cfg: cfg}
}

func testProduct() Product {
	return Product{
		MakerCode:   "MK-100",
		MakerName:   "サンプル製作所",
		ProductName: "耐圧ホース",
		ProductURL:  "https://example.com/item?id=1",
		Quantity:    "100",
	}
}

func testBatch(emails ...string) Batch {
	b := Batch{RunID: "run-1", Product: testProduct()}
	for _, e := range emails {
		b.Recipients = append(b.Recipients, Recipient{Email: e, CompanyName: "Acme", ContactName: "担当"})
	}
	return b
}

func (fx *fixture) requestKey(t *testing.T, email string) string {
	t.Helper()
	canon, err := keys.CanonicalURL(testProduct().ProductURL)
	require.NoError(t, err)
	rk, err := keys.RequestKey(fx.cfg.DedupeKeyVersion, email, testProduct().MakerCode, canon, testProduct().Quantity)
	require.NoError(t, err)
	return rk
}

func TestSendBulkHappyPath(t *testing.T) {
	fx := newFixture(t)

	res, err := fx.orch.SendBulk(context.Background(), testBatch("a@example.com", "b@example.com"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, ExitOK, res.ExitCode)
	assert.Equal(t, 2, res.Totals.Total)
	assert.Equal(t, 2, res.Totals.Success)
	assert.Equal(t, 0, res.Totals.Failure)
	require.Len(t, res.Outcomes, 2)

	out := res.Outcomes[0]
	assert.Equal(t, ledger.StatusSent, out.Status)
	assert.Equal(t, "sent", out.Action)
	assert.NotEmpty(t, out.MessageID)
	assert.Contains(t, out.Trace[0], "request_key=rq:v2:")
	assert.Contains(t, out.Trace[1], "mail_key=mk:v2:")

	// body carries the idempotency marker
	require.Len(t, fx.trans.sends, 2)
	assert.Contains(t, fx.trans.sends[0].Body, "[IDEMP:")
	assert.NotEmpty(t, fx.trans.sends[0].Token)

	// durable SENT record exists
	rec, err := fx.ledger.FindRecentSent(fx.requestKey(t, "a@example.com"), "", 24*time.Hour, "")
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestSendBulkValidation(t *testing.T) {
	fx := newFixture(t)

	var inputErr *InputError

	_, err := fx.orch.SendBulk(context.Background(), Batch{Product: testProduct()})
	require.Error(t, err)
	assert.True(t, errors.As(err, &inputErr))

	b := testBatch("a@example.com")
	b.Product.MakerCode = ""
	res, err := fx.orch.SendBulk(context.Background(), b)
	require.Error(t, err)
	assert.Equal(t, ExitInvalidInput, res.ExitCode)

	b = testBatch("a@example.com")
	b.Product.ProductURL = "not a url"
	res, err = fx.orch.SendBulk(context.Background(), b)
	require.Error(t, err)
	assert.Equal(t, ExitInvalidInput, res.ExitCode)

	var many Batch
	many.Product = testProduct()
	for i := 0; i < 51; i++ {
		many.Recipients = append(many.Recipients, Recipient{Email: fmt.Sprintf("u%d@example.com", i)})
	}
	res, err = fx.orch.SendBulk(context.Background(), many)
	require.Error(t, err)
	assert.Equal(t, ExitInvalidInput, res.ExitCode)
}

func TestDuplicateInRunSkipsSecondRow(t *testing.T) {
	fx := newFixture(t)

	res, err := fx.orch.SendBulk(context.Background(), testBatch("a@example.com", "A@Example.com"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Totals.Success)
	assert.Equal(t, 1, res.Totals.SkippedDuplicate)

	second := res.Outcomes[1]
	assert.Equal(t, ledger.StatusSkippedDuplicateInRun, second.Status)
	assert.Equal(t, "skip_duplicate_in_run", second.Action)
	assert.True(t, res.Success, "duplicates do not fail the batch")
}

func TestRerunGuardAutoSkip(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.orch.SendBulk(context.Background(), testBatch("a@example.com"))
	require.NoError(t, err)

	res, err := fx.orch.SendBulk(context.Background(), testBatch("a@example.com"))
	require.NoError(t, err)
	out := res.Outcomes[0]
	assert.Equal(t, ledger.StatusSkippedAuto, out.Status)
	assert.Equal(t, "skip_rerun_auto_skip", out.Action)
	assert.Contains(t, out.Trace, "recent_sent_detected=true")
	assert.Equal(t, 1, res.Totals.SkippedRerun)
	assert.True(t, res.Success)
	assert.Len(t, fx.trans.sends, 1, "no second delivery")
}

func TestRerunGuardConfirmPolicyNonInteractive(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.orch.SendBulk(context.Background(), testBatch("a@example.com"))
	require.NoError(t, err)

	b := testBatch("a@example.com")
	b.RerunPolicy = "confirm"
	res, err := fx.orch.SendBulk(context.Background(), b)
	require.NoError(t, err)
	out := res.Outcomes[0]
	assert.Equal(t, ledger.StatusSkippedConfirmRequired, out.Status)
	assert.Equal(t, "skip_rerun_confirmation_required", out.Action)
	assert.True(t, out.ConfirmationRequired)
	assert.Equal(t, ExitConfirmRequired, res.ExitCode)
}

func TestRerunGuardConfirmAccepted(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.orch.SendBulk(context.Background(), testBatch("a@example.com"))
	require.NoError(t, err)

	b := testBatch("a@example.com")
	b.RerunPolicy = "confirm"
	var prompted bool
	b.Confirm.Rerun = func(email string, prev time.Time) bool {
		prompted = true
		assert.Equal(t, "a@example.com", email)
		assert.False(t, prev.IsZero())
		return true
	}
	res, err := fx.orch.SendBulk(context.Background(), b)
	require.NoError(t, err)
	assert.True(t, prompted)
	assert.Equal(t, ledger.StatusSent, res.Outcomes[0].Status)
	assert.Len(t, fx.trans.sends, 2)
}

func TestOverrideBypassesRerunGuardUntilExpiry(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.orch.SendBulk(context.Background(), testBatch("a@example.com"))
	require.NoError(t, err)

	rk := fx.requestKey(t, "a@example.com")
	_, err = fx.ledger.AddOverride(ledger.OverrideRequestKey, rk, "ops", 5*time.Minute, ledger.OverrideMeta{})
	require.NoError(t, err)

	res, err := fx.orch.SendBulk(context.Background(), testBatch("a@example.com"))
	require.NoError(t, err)
	out := res.Outcomes[0]
	assert.Equal(t, ledger.StatusSent, out.Status)
	assert.Contains(t, out.Trace, "override_applied:request_key")
	assert.Len(t, fx.trans.sends, 2)

	// still inside the TTL: the override keeps applying, it is not
	// consumed by a send
	res, err = fx.orch.SendBulk(context.Background(), testBatch("a@example.com"))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSent, res.Outcomes[0].Status)
	assert.Len(t, fx.trans.sends, 3)
}

func TestSendFailureMarksFailedPreSend(t *testing.T) {
	fx := newFixture(t)
	fx.trans.sendErr = errors.New("550 rejected")

	res, err := fx.orch.SendBulk(context.Background(), testBatch("a@example.com"))
	require.NoError(t, err)
	out := res.Outcomes[0]
	assert.Equal(t, ledger.StatusFailedPreSend, out.Status)
	assert.Equal(t, "failed_pre_send", out.Action)
	assert.Equal(t, ExitFailure, res.ExitCode)
	assert.Equal(t, 1, res.Totals.Failure)

	// lock released: a later attempt can reserve again
	rr, err := fx.ledger.Reserve(ledger.Reservation{RequestKey: fx.requestKey(t, "a@example.com"), RunID: "x"})
	require.NoError(t, err)
	assert.True(t, rr.Reserved)
}

func seedUnknownHold(t *testing.T, fx *fixture, email string) ledger.Reservation {
	t.Helper()
	rsv := ledger.Reservation{RequestKey: fx.requestKey(t, email), MailKey: "mk:v2:x", RunID: "run-0"}
	_, err := fx.ledger.Reserve(rsv)
	require.NoError(t, err)
	require.NoError(t, fx.ledger.MarkUnknownSent(rsv, "<maybe@x>", "direct", "commit lost"))
	return rsv
}

func TestUnknownHoldReconciledSkips(t *testing.T) {
	fx := newFixture(t)
	seedUnknownHold(t, fx, "a@example.com")
	fx.trans.reconcile = transport.ReconcileResult{Matched: true, Method: "body", MessageID: "<found@x>"}

	res, err := fx.orch.SendBulk(context.Background(), testBatch("a@example.com"))
	require.NoError(t, err)
	out := res.Outcomes[0]
	assert.Equal(t, ledger.StatusSkippedAuto, out.Status)
	assert.Equal(t, "skip_reconciled_sent", out.Action)
	assert.Contains(t, out.Trace, "unknown_reconciled=body")
	assert.Equal(t, "<found@x>", out.MessageID)
	assert.Empty(t, fx.trans.sends, "nothing is re-delivered")
	assert.True(t, res.Success)

	rec, err := fx.ledger.FindRecentSent(fx.requestKey(t, "a@example.com"), "", 24*time.Hour, "")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "<found@x>", rec.MessageID)
}

func TestUnknownHoldUnresolvedNonInteractive(t *testing.T) {
	fx := newFixture(t)
	seedUnknownHold(t, fx, "a@example.com")

	res, err := fx.orch.SendBulk(context.Background(), testBatch("a@example.com"))
	require.NoError(t, err)
	out := res.Outcomes[0]
	assert.Equal(t, ledger.StatusSkippedConfirmRequired, out.Status)
	assert.Equal(t, "skip_unknown_sent_confirm_required", out.Action)
	assert.Contains(t, out.Trace, "unknown_sent_unresolved=true")
	assert.Equal(t, ExitConfirmRequired, res.ExitCode)
	assert.Empty(t, fx.trans.sends)
}

func TestUnknownHoldClearedByOperator(t *testing.T) {
	fx := newFixture(t)
	seedUnknownHold(t, fx, "a@example.com")

	b := testBatch("a@example.com")
	b.Confirm.Unknown = func(email string) bool { return true }
	res, err := fx.orch.SendBulk(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSent, res.Outcomes[0].Status)
	assert.Len(t, fx.trans.sends, 1)
}

func TestBulkConfirmationThreshold(t *testing.T) {
	fx := newFixture(t)
	fx.orch.cfg.ConfirmationThreshold = 2

	res, err := fx.orch.SendBulk(context.Background(), testBatch("a@example.com", "b@example.com"))
	require.NoError(t, err)
	assert.Equal(t, ExitConfirmRequired, res.ExitCode)
	assert.Empty(t, fx.trans.sends)

	b := testBatch("a@example.com", "b@example.com")
	var asked int
	b.Confirm.Bulk = func(count int) bool {
		asked = count
		return true
	}
	res, err = fx.orch.SendBulk(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, 2, asked)
	assert.Equal(t, ExitOK, res.ExitCode)
	assert.Len(t, fx.trans.sends, 2)
}

func TestURLAliasRecordedOnBatchStart(t *testing.T) {
	fx := newFixture(t)
	b := testBatch("a@example.com")
	b.Product.ProductURL = "https://Example.com/item?id=1&utm_source=mail"

	_, err := fx.orch.SendBulk(context.Background(), b)
	require.NoError(t, err)

	canon, err := keys.CanonicalURL(b.Product.ProductURL)
	require.NoError(t, err)
	alias, err := fx.ledger.URLAliasFor(canon)
	require.NoError(t, err)
	require.NotNil(t, alias)
	assert.Equal(t, ledger.URLResolveInputOnly, alias.ResolveStatus)
	assert.Equal(t, "example.com", alias.FinalHost)
	assert.Empty(t, alias.LastFinalURL)
}
