package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"payment-otp-service/internal/cache"
	"payment-otp-service/internal/config"
	"payment-otp-service/internal/hashing"
	"payment-otp-service/internal/model"
	"payment-otp-service/internal/service"
)

// -------------------- fakes --------------------

type fakeMirror struct {
	mu        sync.Mutex
	codes     map[string]*model.CodeRecord
	listFails int
	appendErr error
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{codes: make(map[string]*model.CodeRecord)}
}

func (m *fakeMirror) ListActiveCodes(ctx context.Context, accountID string) ([]*model.CodeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listFails > 0 {
		m.listFails--
		return nil, errors.New("mirror unavailable")
	}
	var out []*model.CodeRecord
	for _, r := range m.codes {
		if r.AccountID == accountID {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (m *fakeMirror) AppendCode(ctx context.Context, record *model.CodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.codes[record.TransactionID] = record.Clone()
	return nil
}

func (m *fakeMirror) RemoveCode(ctx context.Context, accountID, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.codes, transactionID)
	return nil
}

func (m *fakeMirror) UpdateCounters(ctx context.Context, record *model.CodeRecord, expectedAttempts int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.codes[record.TransactionID]
	if !ok || current.Attempts != expectedAttempts {
		return false, nil
	}
	m.codes[record.TransactionID] = record.Clone()
	return true, nil
}

func (m *fakeMirror) SweepExpired(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	swept := 0
	now := time.Now().UTC()
	for id, r := range m.codes {
		if r.Expired(now) {
			delete(m.codes, id)
			swept++
		}
	}
	return swept, nil
}

func (m *fakeMirror) get(transactionID string) *model.CodeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.codes[transactionID]; ok {
		return r.Clone()
	}
	return nil
}

func (m *fakeMirror) resetCounters(transactionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.codes[transactionID]; ok {
		r.SecurityCounters = model.SecurityCounters{}
	}
}

type fakePayments struct {
	mu          sync.Mutex
	payments    map[string]*model.Payment
	lookupFails int
	setErr      error
	transitions []string
}

func newFakePayments() *fakePayments {
	return &fakePayments{payments: make(map[string]*model.Payment)}
}

func (p *fakePayments) add(transactionID, accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payments[transactionID] = &model.Payment{
		TransactionID: transactionID,
		AccountID:     accountID,
		CollectorID:   "collector-1",
		Amount:        120.50,
		State:         model.PaymentStatePendingConfirmation,
	}
}

func (p *fakePayments) LookupPayment(ctx context.Context, transactionID string) (*model.Payment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lookupFails > 0 {
		p.lookupFails--
		return nil, errors.New("payment store unavailable")
	}
	payment, ok := p.payments[transactionID]
	if !ok {
		return nil, model.ErrPaymentNotFound
	}
	cp := *payment
	return &cp, nil
}

func (p *fakePayments) SetPaymentState(ctx context.Context, transactionID, state string, metadata map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.setErr != nil {
		return p.setErr
	}
	if payment, ok := p.payments[transactionID]; ok {
		payment.State = state
	}
	p.transitions = append(p.transitions, state)
	return nil
}

func (p *fakePayments) state(transactionID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.payments[transactionID].State
}

type fakeArchive struct {
	mu      sync.Mutex
	entries map[string]bool
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{entries: make(map[string]bool)}
}

func (a *fakeArchive) Archive(ctx context.Context, record *model.CodeRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[record.TransactionID] = true
	return nil
}

func (a *fakeArchive) Remove(ctx context.Context, transactionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, transactionID)
	return nil
}

func (a *fakeArchive) PurgeExpired(ctx context.Context) (int, error) {
	return 0, nil
}

type fakeAlerter struct {
	mu    sync.Mutex
	calls int
}

func (a *fakeAlerter) Notify(accountID, transactionID string, consecutiveFailures int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
}

func (a *fakeAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakeAuditor struct {
	mu     sync.Mutex
	events []*model.VerificationEvent
}

func (a *fakeAuditor) Record(event *model.VerificationEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *fakeAuditor) types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.EventType)
	}
	return out
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
}

func (p *fakePublisher) PaymentStateChanged(ctx context.Context, payment *model.Payment, previousState string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, previousState+"->"+payment.State)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

// -------------------- fixture --------------------

type fixture struct {
	cache    *cache.CodeCache
	mirror   *fakeMirror
	payments *fakePayments
	archive  *fakeArchive
	alerter  *fakeAlerter
	auditor  *fakeAuditor
	events   *fakePublisher
	hasher   *hashing.Hasher
	svc      *service.VerificationService
}

func newFixture() *fixture {
	f := &fixture{
		cache:    cache.New(30 * time.Minute),
		mirror:   newFakeMirror(),
		payments: newFakePayments(),
		archive:  newFakeArchive(),
		alerter:  &fakeAlerter{},
		auditor:  &fakeAuditor{},
		events:   &fakePublisher{},
		hasher: hashing.NewHasher(&config.Config{
			Hashing: config.HashingConfig{
				Argon2MemoryCost:  8 * 1024,
				Argon2TimeCost:    1,
				Argon2Parallelism: 1,
				Pepper:            "test-pepper",
			},
		}),
	}
	f.svc = f.buildService(f.cache)
	return f
}

func (f *fixture) buildService(c *cache.CodeCache) *service.VerificationService {
	return service.NewVerificationService(
		c, f.mirror, f.payments, f.archive,
		f.alerter, f.auditor, f.events,
		f.hasher, 5*time.Minute, zap.NewNop(),
	)
}

func (f *fixture) issue(t *testing.T, transactionID, accountID, code string, now time.Time) {
	t.Helper()
	f.payments.add(transactionID, accountID)
	err := f.svc.IssueAt(context.Background(), transactionID, accountID, code, now.Add(7*time.Minute), now)
	require.NoError(t, err)
}

func (f *fixture) verify(t *testing.T, transactionID, code string, now time.Time) *model.VerificationResult {
	t.Helper()
	result, err := f.svc.VerifyAt(context.Background(), transactionID, code, now)
	require.NoError(t, err)
	return result
}

// -------------------- tests --------------------

func TestVerify_SuccessConfirmsPayment(t *testing.T) {
	f := newFixture()
	now := time.Now().UTC()
	f.issue(t, "txn-1", "acc-1", "552410", now)

	result := f.verify(t, "txn-1", "552410", now)

	assert.True(t, result.Verified)
	assert.Equal(t, model.PaymentStateConfirmed, f.payments.state("txn-1"))
	assert.Equal(t, []string{model.PaymentStateConfirmed}, f.payments.transitions)
	assert.Equal(t, 1, f.events.count())
	assert.Nil(t, f.mirror.get("txn-1"), "mirror copy must be removed")
	assert.Contains(t, f.auditor.types(), "code_verified")

	// The record is gone: replaying the correct code finds nothing
	replay := f.verify(t, "txn-1", "552410", now)
	assert.False(t, replay.Verified)
	assert.Equal(t, model.RejectNotFound, replay.Reason)
}

func TestVerify_CaseInsensitiveComparison(t *testing.T) {
	f := newFixture()
	now := time.Now().UTC()
	f.issue(t, "txn-1", "acc-1", "aB12cD", now)

	result := f.verify(t, "txn-1", " Ab12Cd ", now)

	assert.True(t, result.Verified)
}

func TestVerify_UnknownTransaction(t *testing.T) {
	f := newFixture()

	result := f.verify(t, "txn-missing", "000000", time.Now().UTC())

	assert.False(t, result.Verified)
	assert.Equal(t, model.RejectNotFound, result.Reason)
}

func TestVerify_MismatchCountsDownAndPersists(t *testing.T) {
	f := newFixture()
	now := time.Now().UTC()
	f.issue(t, "txn-1", "acc-1", "552410", now)

	result := f.verify(t, "txn-1", "000000", now)

	assert.False(t, result.Verified)
	assert.Equal(t, model.RejectMismatch, result.Reason)
	assert.Equal(t, 2, result.RemainingAttempts)

	mirrored := f.mirror.get("txn-1")
	require.NotNil(t, mirrored)
	assert.Equal(t, 1, mirrored.Attempts, "counters must reach the mirror")
	assert.Equal(t, 1, mirrored.ConsecutiveFailures)
}

func TestVerify_CooldownRejectsCorrectCode(t *testing.T) {
	f := newFixture()
	now := time.Now().UTC()
	f.issue(t, "txn-1", "acc-1", "552410", now)

	f.verify(t, "txn-1", "000000", now)
	second := f.verify(t, "txn-1", "000000", now.Add(time.Second))
	require.Equal(t, 1, second.RemainingAttempts)
	require.Equal(t, 30, second.CooldownSeconds)

	// The correct code inside the window is rejected without spending budget
	blocked := f.verify(t, "txn-1", "552410", now.Add(5*time.Second))
	assert.Equal(t, model.RejectCoolingDown, blocked.Reason)
	assert.Equal(t, 1, blocked.RemainingAttempts)
	assert.Equal(t, 26, blocked.CooldownSeconds)
	assert.Empty(t, f.payments.transitions)

	// A wrong code inside the window spends nothing either
	blockedWrong := f.verify(t, "txn-1", "999999", now.Add(10*time.Second))
	assert.Equal(t, model.RejectCoolingDown, blockedWrong.Reason)
	assert.Equal(t, 1, blockedWrong.RemainingAttempts)

	// Once the window passes the correct code still wins
	success := f.verify(t, "txn-1", "552410", now.Add(35*time.Second))
	assert.True(t, success.Verified)
}

func TestVerify_ThirdFailureExhausts(t *testing.T) {
	f := newFixture()
	now := time.Now().UTC()
	f.issue(t, "txn-1", "acc-1", "552410", now)

	first := f.verify(t, "txn-1", "111111", now)
	assert.Equal(t, 2, first.RemainingAttempts)

	second := f.verify(t, "txn-1", "222222", now.Add(time.Second))
	assert.Equal(t, 1, second.RemainingAttempts)

	third := f.verify(t, "txn-1", "333333", now.Add(32*time.Second))
	assert.Equal(t, model.RejectExhausted, third.Reason)
	assert.Equal(t, 0, third.RemainingAttempts)
	assert.Nil(t, f.mirror.get("txn-1"), "exhausted record must be destroyed")

	// The originally correct code now resolves nothing
	after := f.verify(t, "txn-1", "552410", now.Add(33*time.Second))
	assert.Equal(t, model.RejectNotFound, after.Reason)
}

func TestVerify_ExpiredCode(t *testing.T) {
	f := newFixture()
	now := time.Now().UTC()
	f.payments.add("txn-1", "acc-1")
	require.NoError(t, f.svc.IssueAt(context.Background(), "txn-1", "acc-1", "552410", now.Add(time.Minute), now))

	result := f.verify(t, "txn-1", "552410", now.Add(2*time.Minute))

	assert.Equal(t, model.RejectExpired, result.Reason)
	assert.Nil(t, f.mirror.get("txn-1"))
}

func TestVerify_CacheLossDuringLockout(t *testing.T) {
	f := newFixture()
	now := time.Now().UTC()
	f.issue(t, "txn-1", "acc-1", "552410", now)

	f.verify(t, "txn-1", "111111", now)
	f.verify(t, "txn-1", "222222", now.Add(time.Second)) // cooldown until +31s

	// The mirror lost both counter updates and the cached record is
	// evicted; only the local counter residue remembers the lockout
	f.mirror.resetCounters("txn-1")
	f.cache.Delete("txn-1", now.Add(2*time.Second))

	blocked := f.verify(t, "txn-1", "552410", now.Add(5*time.Second))
	assert.Equal(t, model.RejectCoolingDown, blocked.Reason, "residue counters must win over mirror zeros")
	assert.Equal(t, 1, blocked.RemainingAttempts)
}

func TestVerify_RestartResolvesCountersFromMirror(t *testing.T) {
	f := newFixture()
	now := time.Now().UTC()
	f.issue(t, "txn-1", "acc-1", "552410", now)

	f.verify(t, "txn-1", "111111", now)
	f.verify(t, "txn-1", "222222", now.Add(time.Second))

	// Fresh process: empty cache, same durable stores
	restarted := f.buildService(cache.New(30 * time.Minute))

	result, err := restarted.VerifyAt(context.Background(), "txn-1", "333333", now.Add(32*time.Second))
	require.NoError(t, err)
	assert.Equal(t, model.RejectExhausted, result.Reason, "mirror counters must carry across restart")
}

func TestVerify_MirrorOutageDegradesToNotFound(t *testing.T) {
	f := newFixture()
	now := time.Now().UTC()
	f.issue(t, "txn-1", "acc-1", "552410", now)
	f.cache.Forget("txn-1")

	f.mirror.listFails = 2 // first try and the retry both fail

	result := f.verify(t, "txn-1", "552410", now)
	assert.Equal(t, model.RejectNotFound, result.Reason)
	assert.NotNil(t, f.mirror.get("txn-1"), "an outage must never destroy the record")

	// Once the mirror recovers, the same code verifies
	recovered := f.verify(t, "txn-1", "552410", now.Add(time.Second))
	assert.True(t, recovered.Verified)
}

func TestVerify_MirrorOutageRetriedOnce(t *testing.T) {
	f := newFixture()
	now := time.Now().UTC()
	f.issue(t, "txn-1", "acc-1", "552410", now)
	f.cache.Forget("txn-1")

	f.mirror.listFails = 1 // first try fails, the retry succeeds

	result := f.verify(t, "txn-1", "552410", now)
	assert.True(t, result.Verified)
}

func TestVerify_PaymentLookupOutageDegradesToNotFound(t *testing.T) {
	f := newFixture()
	now := time.Now().UTC()
	f.issue(t, "txn-1", "acc-1", "552410", now)
	f.cache.Forget("txn-1")

	f.payments.lookupFails = 2

	result := f.verify(t, "txn-1", "552410", now)
	assert.Equal(t, model.RejectNotFound, result.Reason)
}

func TestVerify_BreachAlertFiresExactlyOnce(t *testing.T) {
	f := newFixture()
	base := time.Now().UTC()
	f.issue(t, "txn-1", "acc-1", "552410", base)

	f.verify(t, "txn-1", "111111", base)                    // streak 1
	f.verify(t, "txn-1", "222222", base.Add(time.Second))   // streak 2, cooldown 30s
	third := f.verify(t, "txn-1", "333333", base.Add(40*time.Second)) // streak 3, exhausted
	require.Equal(t, model.RejectExhausted, third.Reason)

	// A replacement code inherits the streak; only success clears it
	f.issue(t, "txn-1", "acc-1", "663311", base.Add(60*time.Second))

	fourth := f.verify(t, "txn-1", "444444", base.Add(61*time.Second)) // streak 4, cooldown 2m
	require.Equal(t, model.RejectMismatch, fourth.Reason)
	require.False(t, fourth.BreachDetected)

	fifth := f.verify(t, "txn-1", "555555", base.Add(200*time.Second)) // streak 5, breach
	assert.True(t, fifth.BreachDetected)
	assert.Equal(t, 1, f.alerter.count())

	sixth := f.verify(t, "txn-1", "666666", base.Add(201*time.Second)) // streak 6
	assert.True(t, sixth.BreachDetected, "breach flag is sticky")
	assert.Equal(t, 1, f.alerter.count(), "alert must not re-fire")
}

func TestVerify_SuccessSurvivesTransitionFailure(t *testing.T) {
	f := newFixture()
	now := time.Now().UTC()
	f.issue(t, "txn-1", "acc-1", "552410", now)

	f.payments.setErr = errors.New("payment store down")

	result := f.verify(t, "txn-1", "552410", now)

	assert.True(t, result.Verified, "the code was correct; downstream failure must not change that")
	assert.Equal(t, 0, f.events.count())
}

func TestIssue_ResendResetsAttemptBudget(t *testing.T) {
	f := newFixture()
	now := time.Now().UTC()
	f.issue(t, "txn-1", "acc-1", "552410", now)

	first := f.verify(t, "txn-1", "000000", now)
	require.Equal(t, 2, first.RemainingAttempts)

	f.issue(t, "txn-1", "acc-1", "449922", now.Add(time.Second))

	// Old code is gone, new code has a full budget again. The inherited
	// streak means this second straight failure opens a cooldown window.
	old := f.verify(t, "txn-1", "552410", now.Add(2*time.Second))
	assert.Equal(t, model.RejectMismatch, old.Reason)
	assert.Equal(t, 2, old.RemainingAttempts)

	success := f.verify(t, "txn-1", "449922", now.Add(40*time.Second))
	assert.True(t, success.Verified)
}

func TestInvalidate_RemovesEveryTier(t *testing.T) {
	f := newFixture()
	now := time.Now().UTC()
	f.issue(t, "txn-1", "acc-1", "552410", now)

	require.NoError(t, f.svc.Invalidate(context.Background(), "txn-1"))

	assert.Nil(t, f.mirror.get("txn-1"))
	result := f.verify(t, "txn-1", "552410", now)
	assert.Equal(t, model.RejectNotFound, result.Reason)

	// Repeating the invalidation is harmless
	require.NoError(t, f.svc.Invalidate(context.Background(), "txn-1"))
}

func TestIssue_ValidatesInput(t *testing.T) {
	f := newFixture()

	err := f.svc.Issue(context.Background(), "", "acc-1", "552410", time.Time{})
	assert.ErrorIs(t, err, service.ErrInvalidInput)

	err = f.svc.Issue(context.Background(), "txn-1", "acc-1", "", time.Time{})
	assert.ErrorIs(t, err, service.ErrInvalidInput)
}

func TestVerify_ValidatesInput(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Verify(context.Background(), "", "552410")
	assert.ErrorIs(t, err, service.ErrInvalidInput)

	_, err = f.svc.Verify(context.Background(), "txn-1", "")
	assert.ErrorIs(t, err, service.ErrInvalidInput)
}
