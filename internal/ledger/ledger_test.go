package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/quote-sender/internal/keyvault"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	vault := keyvault.NewWithKeyring(keyring.NewArrayKeyring(nil))
	l, err := Open(filepath.Join(t.TempDir(), "send_ledger.sqlite3"), vault, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func testReservation(key string) Reservation {
	return Reservation{
		RequestKey:    key,
		MailKey:       "mk:v2:abc",
		RunID:         "run-1",
		RecipientHash: "rh-1",
	}
}

func TestReserveThenConflict(t *testing.T) {
	l := newTestLedger(t)

	res, err := l.Reserve(testReservation("rq:v2:k1"))
	require.NoError(t, err)
	assert.True(t, res.Reserved)
	assert.Empty(t, res.Reason)

	res2, err := l.Reserve(testReservation("rq:v2:k1"))
	require.NoError(t, err)
	assert.False(t, res2.Reserved)
	assert.Equal(t, ReasonInProgressActive, res2.Reason)
}

func TestReserveFailsOnExpiredInProgressLock(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.Reserve(testReservation("rq:v2:k1"))
	require.NoError(t, err)

	// jump past the in-progress TTL; the stale row still blocks until
	// CleanupOnBatchStart removes it
	l.now = func() time.Time { return time.Now().Add(time.Hour) }
	res, err := l.Reserve(testReservation("rq:v2:k1"))
	require.NoError(t, err)
	assert.False(t, res.Reserved)
	assert.Equal(t, ReasonInProgressExpired, res.Reason)
}

func TestReserveFailsOnExpiredUnknownSentHold(t *testing.T) {
	l := newTestLedger(t)
	r := testReservation("rq:v2:k1")
	_, err := l.Reserve(r)
	require.NoError(t, err)
	require.NoError(t, l.MarkUnknownSent(r, "<maybe@x>", "direct", "commit failed"))

	// jump past the hold expiry
	l.now = func() time.Time { return time.Now().Add(time.Hour) }
	res, err := l.Reserve(r)
	require.NoError(t, err)
	assert.False(t, res.Reserved)
	assert.Equal(t, ReasonUnknownSentHoldExpired, res.Reason)
}

func TestHeartbeatOnlyWhileInProgress(t *testing.T) {
	l := newTestLedger(t)
	r := testReservation("rq:v2:k1")
	_, err := l.Reserve(r)
	require.NoError(t, err)

	require.NoError(t, l.Heartbeat(r.RequestKey, r.RunID))

	require.NoError(t, l.MarkSent(SentOutcome{
		RequestKey: r.RequestKey, MailKey: r.MailKey, RunID: r.RunID,
		RecipientHash: r.RecipientHash, MessageID: "<id@x>", MessageIDSource: "direct",
	}))
	// lock is gone; heartbeat is a silent no-op
	require.NoError(t, l.Heartbeat(r.RequestKey, r.RunID))
}

func TestMarkSentReleasesLockAndIsFound(t *testing.T) {
	l := newTestLedger(t)
	r := testReservation("rq:v2:k1")
	_, err := l.Reserve(r)
	require.NoError(t, err)

	sentAt := time.Now().Add(-time.Minute)
	require.NoError(t, l.MarkSent(SentOutcome{
		RequestKey: r.RequestKey, V1Key: "a@example.com:deadbeef", MailKey: r.MailKey,
		RunID: r.RunID, RecipientHash: r.RecipientHash,
		MessageID: "<id@x>", MessageIDSource: "direct", SentAt: sentAt,
	}))

	rec, err := l.FindRecentSent(r.RequestKey, "", 24*time.Hour, "")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "<id@x>", rec.MessageID)
	assert.Equal(t, "direct", rec.MessageIDSource)
	assert.Equal(t, sentAt.Unix(), rec.SentAt.Unix())

	// lock released, a new reserve succeeds
	res, err := l.Reserve(r)
	require.NoError(t, err)
	assert.True(t, res.Reserved)
}

func TestFindRecentSentMatchesV1Key(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.AppendEntry("alice@example.com:cafe", "<legacy@x>", "run-0"))

	rec, err := l.FindRecentSent("rq:v2:new", "alice@example.com:cafe", 24*time.Hour, "")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "<legacy@x>", rec.MessageID)
	assert.Equal(t, "legacy_append_entry", rec.MessageIDSource)
}

func TestFindRecentSentRespectsWindowAndRun(t *testing.T) {
	l := newTestLedger(t)
	r := testReservation("rq:v2:k1")
	_, err := l.Reserve(r)
	require.NoError(t, err)
	require.NoError(t, l.MarkSent(SentOutcome{
		RequestKey: r.RequestKey, MailKey: r.MailKey, RunID: "run-1",
		SentAt: time.Now().Add(-48 * time.Hour),
	}))

	rec, err := l.FindRecentSent(r.RequestKey, "", 24*time.Hour, "")
	require.NoError(t, err)
	assert.Nil(t, rec)

	rec, err = l.FindRecentSent(r.RequestKey, "", 72*time.Hour, "run-2")
	require.NoError(t, err)
	assert.Nil(t, rec)

	rec, err = l.FindRecentSent(r.RequestKey, "", 72*time.Hour, "run-1")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestUnknownSentHoldBlocksReserve(t *testing.T) {
	l := newTestLedger(t)
	r := testReservation("rq:v2:k1")
	_, err := l.Reserve(r)
	require.NoError(t, err)

	require.NoError(t, l.MarkUnknownSent(r, "<maybe@x>", "direct", "commit failed"))

	res, err := l.Reserve(r)
	require.NoError(t, err)
	assert.False(t, res.Reserved)
	assert.Equal(t, ReasonUnknownSentHoldActive, res.Reason)

	pc, err := l.IsSendBlockedPrecheck(r.RequestKey, "")
	require.NoError(t, err)
	assert.True(t, pc.Blocked)
	assert.Equal(t, ReasonUnknownSentHoldActive, pc.Reason)

	// no SENT event was written
	rec, err := l.FindRecentSent(r.RequestKey, "", 24*time.Hour, "")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUnknownSentPreservesHints(t *testing.T) {
	l := newTestLedger(t)
	r := testReservation("rq:v2:k1")
	_, err := l.Reserve(r)
	require.NoError(t, err)

	require.NoError(t, l.MarkUnknownSent(r, "<maybe@x>", "direct", "commit failed"))
	// a second mark without hints must not wipe the first ones
	require.NoError(t, l.MarkUnknownSent(r, "", "", ""))

	lock, err := l.UnknownSentLock(r.RequestKey)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, "<maybe@x>", lock.LastMessageID)
	assert.Equal(t, "direct", lock.LastSource)
	assert.Equal(t, "commit failed", lock.LastError)
}

func TestMarkReconciledSentPromotesHold(t *testing.T) {
	l := newTestLedger(t)
	r := testReservation("rq:v2:k1")
	_, err := l.Reserve(r)
	require.NoError(t, err)
	require.NoError(t, l.MarkUnknownSent(r, "<maybe@x>", "direct", "commit failed"))

	require.NoError(t, l.MarkReconciledSent(r.RequestKey, "", "<found@x>", "header", []string{"unknown_reconciled=header"}))

	lock, err := l.UnknownSentLock(r.RequestKey)
	require.NoError(t, err)
	assert.Nil(t, lock)

	rec, err := l.FindRecentSent(r.RequestKey, "", 24*time.Hour, "")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "<found@x>", rec.MessageID)
	assert.Equal(t, "reconcile:header", rec.MessageIDSource)
}

func TestMarkReconciledSentWithoutHoldFails(t *testing.T) {
	l := newTestLedger(t)
	assert.Error(t, l.MarkReconciledSent("rq:v2:none", "", "<id@x>", "header", nil))
}

func TestClearUnknownLock(t *testing.T) {
	l := newTestLedger(t)
	r := testReservation("rq:v2:k1")
	_, err := l.Reserve(r)
	require.NoError(t, err)
	require.NoError(t, l.MarkUnknownSent(r, "", "", "x"))

	require.NoError(t, l.ClearUnknownLock(r.RequestKey))
	res, err := l.Reserve(r)
	require.NoError(t, err)
	assert.True(t, res.Reserved)
}

func TestMarkFailedPreSendReleasesLock(t *testing.T) {
	l := newTestLedger(t)
	r := testReservation("rq:v2:k1")
	_, err := l.Reserve(r)
	require.NoError(t, err)
	require.NoError(t, l.MarkFailedPreSend(r, "smtp refused"))

	res, err := l.Reserve(r)
	require.NoError(t, err)
	assert.True(t, res.Reserved)
}

func TestMarkSkippedValidatesStatus(t *testing.T) {
	l := newTestLedger(t)
	r := testReservation("rq:v2:k1")
	assert.NoError(t, l.MarkSkipped(r, "", StatusSkippedAuto, "rerun window"))
	assert.Error(t, l.MarkSkipped(r, "", StatusSent, "nope"))
}

func TestPrecheckRecentSent(t *testing.T) {
	l := newTestLedger(t)
	r := testReservation("rq:v2:k1")
	_, err := l.Reserve(r)
	require.NoError(t, err)
	require.NoError(t, l.MarkSent(SentOutcome{RequestKey: r.RequestKey, RunID: r.RunID}))

	pc, err := l.IsSendBlockedPrecheck(r.RequestKey, "")
	require.NoError(t, err)
	assert.True(t, pc.Blocked)
	assert.Equal(t, ReasonRecentSentDetected, pc.Reason)

	pc, err = l.IsSendBlockedPrecheck("rq:v2:other", "")
	require.NoError(t, err)
	assert.False(t, pc.Blocked)
}

func TestCleanupPrunesExpiredState(t *testing.T) {
	l := newTestLedger(t)
	r := testReservation("rq:v2:k1")
	_, err := l.Reserve(r)
	require.NoError(t, err)
	_, err = l.AddOverride(OverrideRequestKey, "rq:v2:k1", "ops", 5*time.Minute, OverrideMeta{})
	require.NoError(t, err)

	// far future: lock expiry plus grace, override expiry, retention all passed
	l.now = func() time.Time { return time.Now().AddDate(0, 0, 120) }
	require.NoError(t, l.CleanupOnBatchStart())

	res, err := l.Reserve(r)
	require.NoError(t, err)
	assert.True(t, res.Reserved)
	assert.Empty(t, res.Reason, "stale lock should be gone, not taken over")

	dec, err := l.EvaluateOverride("rq:v2:k1", "")
	require.NoError(t, err)
	assert.False(t, dec.Applied)
}

func TestOverrideLifecycle(t *testing.T) {
	l := newTestLedger(t)

	dec, err := l.EvaluateOverride("rq:v2:k1", "rh-1")
	require.NoError(t, err)
	assert.False(t, dec.Applied)
	assert.Contains(t, dec.Trace, "override_check:request_key=not_found")
	assert.Contains(t, dec.Trace, "override_applied:none")

	_, err = l.AddOverride(OverrideRequestKey, "rq:v2:k1", "ops approved", 5*time.Minute, OverrideMeta{})
	require.NoError(t, err)

	dec, err = l.EvaluateOverride("rq:v2:k1", "rh-1")
	require.NoError(t, err)
	assert.True(t, dec.Applied)
	assert.Equal(t, OverrideRequestKey, dec.Kind)
	assert.Contains(t, dec.Trace, "override_check:request_key=matched_active")
	assert.Contains(t, dec.Trace, "override_applied:request_key")

	// an override is never consumed; it stops applying once the TTL
	// elapses
	l.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	dec, err = l.EvaluateOverride("rq:v2:k1", "rh-1")
	require.NoError(t, err)
	assert.False(t, dec.Applied)
	assert.Contains(t, dec.Trace, "override_check:request_key=expired_or_inactive")
}

func TestAddOverrideRecordsProvenance(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.AddOverride(OverrideRequestKey, "rq:v2:k1", "resend approved", 5*time.Minute, OverrideMeta{
		Operator:       "tanaka",
		Host:           "ops-box",
		CommandSummary: "rerun-override -allow-key rq:v2:k1 -reason <redacted>",
	})
	require.NoError(t, err)

	list, err := l.ListOverrides()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "tanaka", list[0].Operator)
	assert.Equal(t, "ops-box", list[0].Host)
	assert.Contains(t, list[0].CommandSummary, "-allow-key")
}

func TestOverrideRequestKeyBeatsRecipient(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.AddOverride(OverrideRequestKey, "rq:v2:k1", "", 5*time.Minute, OverrideMeta{})
	require.NoError(t, err)
	_, err = l.AddOverride(OverrideRecipient, "rh-1", "", 5*time.Minute, OverrideMeta{})
	require.NoError(t, err)

	dec, err := l.EvaluateOverride("rq:v2:k1", "rh-1")
	require.NoError(t, err)
	assert.Equal(t, OverrideRequestKey, dec.Kind)
}

func TestOverrideRecipientFallback(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.AddOverride(OverrideRecipient, "rh-1", "", 5*time.Minute, OverrideMeta{})
	require.NoError(t, err)

	dec, err := l.EvaluateOverride("rq:v2:k1", "rh-1")
	require.NoError(t, err)
	assert.True(t, dec.Applied)
	assert.Equal(t, OverrideRecipient, dec.Kind)
	assert.Contains(t, dec.Trace, "override_applied:recipient")
}

func TestOverrideTTLClamp(t *testing.T) {
	l := newTestLedger(t)

	o, err := l.AddOverride(OverrideRequestKey, "k", "", time.Second, OverrideMeta{})
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Add(time.Minute).Unix(), o.ExpiresAt.Unix(), 2)

	o, err = l.AddOverride(OverrideRequestKey, "k", "", 2*time.Hour, OverrideMeta{})
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Add(30*time.Minute).Unix(), o.ExpiresAt.Unix(), 2)

	_, err = l.AddOverride("bogus", "k", "", time.Minute, OverrideMeta{})
	assert.Error(t, err)
}

func TestClearAndListOverrides(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.AddOverride(OverrideRequestKey, "k1", "r1", 5*time.Minute, OverrideMeta{})
	require.NoError(t, err)
	_, err = l.AddOverride(OverrideRecipient, "rh", "r2", 5*time.Minute, OverrideMeta{})
	require.NoError(t, err)

	n, err := l.ClearOverrides()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	list, err := l.ListOverrides()
	require.NoError(t, err)
	assert.Len(t, list, 2)
	for _, o := range list {
		assert.False(t, o.Active)
	}
}

func TestIdempotencyTokenStableAndVerifiable(t *testing.T) {
	l := newTestLedger(t)

	tok1, err := l.IdempotencyToken("rq:v2:k1")
	require.NoError(t, err)
	tok2, err := l.IdempotencyToken("rq:v2:k1")
	require.NoError(t, err)
	assert.Equal(t, tok1, tok2)
	assert.Len(t, tok1, 64)

	ok, err := l.VerifyIdempotencyToken("rq:v2:k1", tok1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.VerifyIdempotencyToken("rq:v2:other", tok1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyIdempotencyTokenAcceptsPreviousVersion(t *testing.T) {
	vault := keyvault.NewWithKeyring(keyring.NewArrayKeyring(nil))
	dir := t.TempDir()

	l1, err := Open(filepath.Join(dir, "ledger.sqlite3"), vault, Options{SecretVersion: "v1"})
	require.NoError(t, err)
	tokV1, err := l1.IdempotencyToken("rq:v2:k1")
	require.NoError(t, err)
	require.NoError(t, l1.Close())

	l2, err := Open(filepath.Join(dir, "ledger.sqlite3"), vault, Options{SecretVersion: "v2"})
	require.NoError(t, err)
	defer l2.Close()

	ok, err := l2.VerifyIdempotencyToken("rq:v2:k1", tokV1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHashRecipientNormalizes(t *testing.T) {
	l := newTestLedger(t)

	h1, err := l.HashRecipient("Alice@Example.COM")
	require.NoError(t, err)
	h2, err := l.HashRecipient(" alice@example.com ")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	h3, err := l.HashRecipient("bob@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestRecordURLAliasUpserts(t *testing.T) {
	l := newTestLedger(t)
	canon := "https://example.com/item?id=1"

	require.NoError(t, l.RecordURLAlias(canon, "", "example.com", 0, "", URLResolveInputOnly))

	a, err := l.URLAliasFor(canon)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, URLResolveInputOnly, a.ResolveStatus)
	assert.Empty(t, a.LastFinalURL)

	require.NoError(t, l.RecordURLAlias(canon, "https://example.com/item-page", "example.com", 2, "fp-1", URLResolveValid))

	a, err = l.URLAliasFor(canon)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, URLResolveValid, a.ResolveStatus)
	assert.Equal(t, "https://example.com/item-page", a.LastFinalURL)
	assert.Equal(t, 2, a.RedirectHops)
	assert.Equal(t, "fp-1", a.Fingerprint)

	assert.Error(t, l.RecordURLAlias(canon, "", "", 0, "", "bogus"))

	missing, err := l.URLAliasFor("https://example.com/other")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMarkSentRecordsIdempotencyFields(t *testing.T) {
	l := newTestLedger(t)
	r := testReservation("rq:v2:k1")
	_, err := l.Reserve(r)
	require.NoError(t, err)

	require.NoError(t, l.MarkSent(SentOutcome{
		RequestKey: r.RequestKey, MailKey: r.MailKey, RunID: r.RunID,
		RecipientHash: r.RecipientHash, MessageID: "<id@x>", MessageIDSource: "direct",
		IdempotencyToken: "tok-1", SubjectNorm: "見積もり依頼 MK-100",
		DecisionTrace: []string{"request_key=" + r.RequestKey, "override_applied:none"},
	}))

	var token, secretVersion, subjectNorm, trace string
	var sentAt int64
	err = l.db.QueryRow(`
		SELECT idempotency_token, idempotency_secret_version, sent_at, subject_norm, decision_trace
		FROM send_events WHERE request_key = ? AND status = ?`, r.RequestKey, StatusSent,
	).Scan(&token, &secretVersion, &sentAt, &subjectNorm, &trace)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, "v1", secretVersion)
	assert.NotZero(t, sentAt)
	assert.Equal(t, "見積もり依頼 MK-100", subjectNorm)
	assert.Contains(t, trace, "override_applied:none")
}
