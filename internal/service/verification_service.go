package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"payment-otp-service/internal/audit"
	"payment-otp-service/internal/cache"
	"payment-otp-service/internal/hashing"
	"payment-otp-service/internal/model"
	"payment-otp-service/internal/otp"
	"payment-otp-service/internal/util"
)

var (
	ErrInvalidInput = errors.New("invalid input")
)

// VerificationService coordinates code verification across the storage
// tiers: it resolves a record from the process-local cache or the durable
// mirror, gates the attempt through the security tracker, compares the
// code and drives the payment transition plus cleanup on success.
type VerificationService struct {
	cache    *cache.CodeCache
	mirror   model.CodeMirror
	payments model.PaymentStore
	archive  model.CodeArchive
	alerter  model.BreachAlerter
	auditor  model.AttemptAuditor
	events   model.PaymentEventPublisher
	hasher   *hashing.Hasher
	logger   *zap.Logger

	defaultCodeTTL time.Duration

	stopSweep chan struct{}
}

// NewVerificationService creates the verification coordinator
func NewVerificationService(
	codeCache *cache.CodeCache,
	mirror model.CodeMirror,
	payments model.PaymentStore,
	archive model.CodeArchive,
	alerter model.BreachAlerter,
	auditor model.AttemptAuditor,
	events model.PaymentEventPublisher,
	hasher *hashing.Hasher,
	defaultCodeTTL time.Duration,
	logger *zap.Logger,
) *VerificationService {
	return &VerificationService{
		cache:          codeCache,
		mirror:         mirror,
		payments:       payments,
		archive:        archive,
		alerter:        alerter,
		auditor:        auditor,
		events:         events,
		hasher:         hasher,
		logger:         logger,
		defaultCodeTTL: defaultCodeTTL,
		stopSweep:      make(chan struct{}),
	}
}

// Issue registers a fresh confirmation code for a transaction. Re-issuing
// over a live code replaces the code and expiry and resets the attempt
// budget. The durable mirror write must succeed; the archive tier is
// best-effort.
func (s *VerificationService) Issue(ctx context.Context, transactionID, accountID, code string, expiresAt time.Time) error {
	return s.IssueAt(ctx, transactionID, accountID, code, expiresAt, time.Now().UTC())
}

// IssueAt is Issue with an explicit observation instant.
func (s *VerificationService) IssueAt(ctx context.Context, transactionID, accountID, code string, expiresAt time.Time, now time.Time) error {
	if transactionID == "" || accountID == "" || code == "" {
		return fmt.Errorf("%w: transaction id, account id and code are required", ErrInvalidInput)
	}

	if expiresAt.IsZero() {
		expiresAt = now.Add(s.defaultCodeTTL)
	}

	codeHash, err := s.hasher.HashCode(code)
	if err != nil {
		return fmt.Errorf("failed to hash code: %w", err)
	}

	record := &model.CodeRecord{
		TransactionID: transactionID,
		AccountID:     accountID,
		CodeHash:      codeHash,
		ExpiresAt:     expiresAt,
		CreatedAt:     now,
	}

	// A fresh code gets a fresh attempt budget, but the failure streak,
	// cooldown and breach flag carry over from any previous code for the
	// transaction. Only a successful verification clears the streak, so
	// cycling codes cannot launder an accumulating lockout.
	if residue, ok := s.cache.Residue(transactionID, now); ok {
		record.ConsecutiveFailures = residue.ConsecutiveFailures
		record.LastAttemptAt = residue.LastAttemptAt
		record.CooldownUntil = residue.CooldownUntil
		record.BreachDetected = residue.BreachDetected
	}

	if err := s.mirror.AppendCode(ctx, record); err != nil {
		return fmt.Errorf("failed to persist issued code: %w", err)
	}

	s.cache.Put(record, now)

	if err := s.archive.Archive(ctx, record); err != nil {
		s.logger.Warn("Failed to archive issued code",
			util.String("transaction_id", transactionID),
			util.ErrorField(err))
	}

	s.audit(audit.EventCodeIssued, record.TransactionID, record.AccountID,
		fmt.Sprintf("expires_at=%s", expiresAt.Format(time.RFC3339)))

	s.logger.Info("Confirmation code issued",
		util.String("transaction_id", transactionID),
		util.String("account_id", accountID),
		zap.Time("expires_at", expiresAt))

	return nil
}

// Verify checks a supplied code against the active record for the
// transaction, applying the current wall clock.
func (s *VerificationService) Verify(ctx context.Context, transactionID, suppliedCode string) (*model.VerificationResult, error) {
	return s.VerifyAt(ctx, transactionID, suppliedCode, time.Now().UTC())
}

// VerifyAt is Verify with an explicit observation instant. Expiry,
// cooldown and backoff decisions are all taken against now, which keeps
// the whole flow deterministic under test.
func (s *VerificationService) VerifyAt(ctx context.Context, transactionID, suppliedCode string, now time.Time) (*model.VerificationResult, error) {
	if transactionID == "" || suppliedCode == "" {
		return nil, fmt.Errorf("%w: transaction id and code are required", ErrInvalidInput)
	}

	// Lazy sweep keeps the cache from accumulating dead records between
	// periodic sweeps
	s.cache.SweepExpired(now)

	record, ok := s.cache.Get(transactionID, now)
	if !ok {
		var rejection *model.VerificationResult
		record, rejection = s.resolveFromMirror(ctx, transactionID, now)
		if rejection != nil {
			return rejection, nil
		}
	}

	if record.Expired(now) {
		s.discard(ctx, record, now)
		s.audit(audit.EventCodeExpired, record.TransactionID, record.AccountID, "")
		return &model.VerificationResult{
			Reason:            model.RejectExpired,
			Message:           "code has expired; request a new code",
			RemainingAttempts: 0,
			BreachDetected:    record.BreachDetected,
		}, nil
	}

	// A mirror row can carry an exhausted counter another instance wrote
	if record.Attempts >= otp.AttemptCeiling {
		s.discard(ctx, record, now)
		s.audit(audit.EventCodeExhausted, record.TransactionID, record.AccountID, "")
		return &model.VerificationResult{
			Reason:            model.RejectExhausted,
			Message:           "no attempts remaining; request a new code",
			RemainingAttempts: 0,
			BreachDetected:    record.BreachDetected,
		}, nil
	}

	// Cooldown takes precedence over code correctness and does not
	// consume attempt budget
	admission := otp.AdmitAttempt(record, now)
	if !admission.Allowed {
		s.audit(audit.EventCooldownReject, record.TransactionID, record.AccountID, "")
		return &model.VerificationResult{
			Reason:            model.RejectCoolingDown,
			Message:           admission.Message,
			RemainingAttempts: otp.RemainingAttempts(record),
			CooldownSeconds:   cooldownSeconds(record.CooldownUntil, now),
			BreachDetected:    record.BreachDetected,
		}, nil
	}

	match, err := s.hasher.VerifyCode(suppliedCode, record.CodeHash)
	if err != nil {
		return nil, fmt.Errorf("failed to compare code: %w", err)
	}

	if !match {
		return s.recordMismatch(ctx, record, now), nil
	}

	return s.completeVerification(ctx, record, now), nil
}

// Invalidate discards the active code for a cancelled payment.
func (s *VerificationService) Invalidate(ctx context.Context, transactionID string) error {
	if transactionID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	s.Cleanup(ctx, transactionID)
	s.audit(audit.EventCodeInvalidated, transactionID, "", "")

	s.logger.Info("Confirmation code invalidated",
		util.String("transaction_id", transactionID))

	return nil
}

// resolveFromMirror rehydrates the cache from the durable mirror on a
// miss. The mirror decides whether an active code exists at all; any
// counter residue still held locally decides how many failures have
// accumulated. The merge never lowers failure state, so forcing a cache
// miss cannot bypass a lockout. Mirror or payment-store outages degrade
// to NOT_FOUND only, never to a destructive terminal rejection.
func (s *VerificationService) resolveFromMirror(ctx context.Context, transactionID string, now time.Time) (*model.CodeRecord, *model.VerificationResult) {
	payment, err := s.lookupPaymentWithRetry(ctx, transactionID)
	if err != nil {
		if !errors.Is(err, model.ErrPaymentNotFound) {
			s.logger.Error("Payment lookup unavailable during code resolution",
				util.String("transaction_id", transactionID),
				util.ErrorField(err))
		}
		return nil, notFoundResult()
	}

	codes, err := s.listActiveCodesWithRetry(ctx, payment.AccountID)
	if err != nil {
		s.logger.Error("Code mirror unavailable during resolution",
			util.String("transaction_id", transactionID),
			util.String("account_id", payment.AccountID),
			util.ErrorField(err))
		return nil, notFoundResult()
	}

	var mirrored *model.CodeRecord
	for _, c := range codes {
		if c.TransactionID == transactionID {
			mirrored = c
			break
		}
	}
	if mirrored == nil {
		return nil, notFoundResult()
	}
	mirrored.AccountID = payment.AccountID

	residue, _ := s.cache.Residue(transactionID, now)
	merged := otp.Reconcile(mirrored, residue)
	s.cache.Put(merged, now)

	s.logger.Debug("Code record rehydrated from mirror",
		util.String("transaction_id", transactionID),
		util.Int("merged_attempts", merged.Attempts))

	return merged, nil
}

// recordMismatch applies one failed comparison under the cache lock and
// persists the counters to both tiers.
func (s *VerificationService) recordMismatch(ctx context.Context, record *model.CodeRecord, now time.Time) *model.VerificationResult {
	var outcome otp.FailureOutcome
	previousAttempts := record.Attempts

	updated, ok := s.cache.Update(record.TransactionID, now, func(current *model.CodeRecord) *model.CodeRecord {
		previousAttempts = current.Attempts
		next, o := otp.RecordFailure(current, now)
		outcome = o
		return next
	})
	if !ok {
		// Record evicted between resolution and update; fall back to the
		// resolved copy so the failure is still recorded
		updated, outcome = otp.RecordFailure(record, now)
		s.cache.Put(updated, now)
	}

	// The cache is authoritative for counters; a lost mirror write only
	// weakens the durable copy, which the counter-max merge tolerates
	if _, err := s.mirror.UpdateCounters(ctx, updated, previousAttempts); err != nil {
		s.logger.Warn("Failed to persist counters to mirror",
			util.String("transaction_id", updated.TransactionID),
			util.ErrorField(err))
	}

	if outcome.BreachTriggered {
		s.audit(audit.EventBreachDetected, updated.TransactionID, updated.AccountID,
			fmt.Sprintf("consecutive_failures=%d", updated.ConsecutiveFailures))
		if s.alerter != nil {
			s.alerter.Notify(updated.AccountID, updated.TransactionID, updated.ConsecutiveFailures)
		}
	}

	if outcome.Remaining == 0 {
		s.discard(ctx, updated, now)
		s.audit(audit.EventCodeExhausted, updated.TransactionID, updated.AccountID, "")
		return &model.VerificationResult{
			Reason:            model.RejectExhausted,
			Message:           outcome.Message,
			RemainingAttempts: 0,
			BreachDetected:    outcome.BreachDetected,
		}
	}

	s.audit(audit.EventCodeMismatch, updated.TransactionID, updated.AccountID,
		fmt.Sprintf("remaining=%d", outcome.Remaining))

	result := &model.VerificationResult{
		Reason:            model.RejectMismatch,
		Message:           outcome.Message,
		RemainingAttempts: outcome.Remaining,
		BreachDetected:    outcome.BreachDetected,
	}
	if outcome.CooldownUntil != nil {
		result.CooldownSeconds = cooldownSeconds(outcome.CooldownUntil, now)
	}
	return result
}

// completeVerification runs the success path. The code was correct, so
// the result is already decided: failures in the payment transition,
// event publication or cleanup are logged and swallowed.
func (s *VerificationService) completeVerification(ctx context.Context, record *model.CodeRecord, now time.Time) *model.VerificationResult {
	cleared := otp.RecordSuccess(record)

	payment, err := s.lookupPaymentWithRetry(ctx, cleared.TransactionID)
	if err != nil {
		s.logger.Error("Payment lookup failed after successful verification",
			util.String("transaction_id", cleared.TransactionID),
			util.ErrorField(err))
	} else {
		previousState := payment.State
		metadata := map[string]string{
			"confirmed_via": "otp",
			"verified_at":   now.Format(time.RFC3339),
		}
		if err := s.payments.SetPaymentState(ctx, cleared.TransactionID, model.PaymentStateConfirmed, metadata); err != nil {
			s.logger.Error("Payment state transition failed after successful verification",
				util.String("transaction_id", cleared.TransactionID),
				util.ErrorField(err))
		} else if s.events != nil {
			payment.State = model.PaymentStateConfirmed
			if err := s.events.PaymentStateChanged(ctx, payment, previousState); err != nil {
				s.logger.Warn("Failed to publish payment state change",
					util.String("transaction_id", cleared.TransactionID),
					util.ErrorField(err))
			}
		}
	}

	s.Cleanup(ctx, cleared.TransactionID)
	s.audit(audit.EventCodeVerified, cleared.TransactionID, cleared.AccountID, "")

	s.logger.Info("Code verified, payment confirmed",
		util.String("transaction_id", cleared.TransactionID),
		util.String("account_id", cleared.AccountID))

	return &model.VerificationResult{
		Verified: true,
		Message:  "payment confirmed",
	}
}

func (s *VerificationService) lookupPaymentWithRetry(ctx context.Context, transactionID string) (*model.Payment, error) {
	payment, err := s.payments.LookupPayment(ctx, transactionID)
	if err != nil && !errors.Is(err, model.ErrPaymentNotFound) {
		// One retry against a transient outage before degrading
		payment, err = s.payments.LookupPayment(ctx, transactionID)
	}
	return payment, err
}

func (s *VerificationService) listActiveCodesWithRetry(ctx context.Context, accountID string) ([]*model.CodeRecord, error) {
	codes, err := s.mirror.ListActiveCodes(ctx, accountID)
	if err != nil {
		codes, err = s.mirror.ListActiveCodes(ctx, accountID)
	}
	return codes, err
}

func notFoundResult() *model.VerificationResult {
	return &model.VerificationResult{
		Reason:  model.RejectNotFound,
		Message: "no active code found for this transaction; it may have expired",
	}
}

func cooldownSeconds(until *time.Time, now time.Time) int {
	if until == nil || !now.Before(*until) {
		return 0
	}
	d := until.Sub(now)
	secs := int(d / time.Second)
	if d%time.Second > 0 {
		secs++
	}
	return secs
}
