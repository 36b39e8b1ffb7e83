package model

import (
	"context"
	"errors"
	"time"

	"payment-otp-service/internal/hashing"
)

var (
	ErrCodeNotFound    = errors.New("no active code found")
	ErrPaymentNotFound = errors.New("payment not found")
)

// SecurityCounters is the failure-tracking state of one issued code.
// The primary cache keeps these counters alive even after the record
// itself is evicted, so a cache miss cannot be used to escape a lockout.
type SecurityCounters struct {
	Attempts            int        `json:"attempts" db:"attempts"`
	ConsecutiveFailures int        `json:"consecutive_failures" db:"consecutive_failures"`
	LastAttemptAt       *time.Time `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty" db:"cooldown_until"`
	BreachDetected      bool       `json:"breach_detected" db:"breach_detected"`
}

// CodeRecord represents one issued confirmation code and its security state.
type CodeRecord struct {
	TransactionID string              `json:"transaction_id" db:"transaction_id"`
	AccountID     string              `json:"account_id" db:"account_id"`
	CodeHash      *hashing.HashResult `json:"code_hash" db:"code_hash"`
	ExpiresAt     time.Time           `json:"expires_at" db:"expires_at"`
	CreatedAt     time.Time           `json:"created_at" db:"created_at"`
	SecurityCounters
}

// Expired reports whether the record is past its expiry instant.
// Expired records are treated as absent by every read path.
func (r *CodeRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// CoolingDown reports whether the record is inside a lockout window.
func (r *CodeRecord) CoolingDown(now time.Time) bool {
	return r.CooldownUntil != nil && now.Before(*r.CooldownUntil)
}

// Clone returns a shallow copy safe to mutate without touching cached state.
func (r *CodeRecord) Clone() *CodeRecord {
	cp := *r
	return &cp
}

// -------------------- PAYMENT MODEL --------------------

const (
	PaymentStatePendingConfirmation = "pending_confirmation"
	PaymentStateConfirmed           = "confirmed"
	PaymentStateCancelled           = "cancelled"
)

type Payment struct {
	TransactionID string    `json:"transaction_id" db:"transaction_id"`
	AccountID     string    `json:"account_id" db:"account_id"`
	CollectorID   string    `json:"collector_id" db:"collector_id"`
	Amount        float64   `json:"amount" db:"amount"`
	State         string    `json:"state" db:"state"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// -------------------- VERIFICATION RESULT --------------------

type RejectReason string

const (
	RejectNotFound    RejectReason = "NOT_FOUND"
	RejectExpired     RejectReason = "EXPIRED"
	RejectExhausted   RejectReason = "EXHAUSTED"
	RejectCoolingDown RejectReason = "COOLING_DOWN"
	RejectMismatch    RejectReason = "MISMATCH"
)

// VerificationResult is the structured outcome of one verification attempt.
// Business rejections travel here, not as errors; errors are reserved for
// internal faults the caller cannot act on.
type VerificationResult struct {
	Verified          bool         `json:"verified"`
	Reason            RejectReason `json:"reason,omitempty"`
	Message           string       `json:"message"`
	RemainingAttempts int          `json:"remaining_attempts"`
	CooldownSeconds   int          `json:"cooldown_seconds,omitempty"`
	BreachDetected    bool         `json:"breach_detected,omitempty"`
}

// -------------------- AUDIT EVENT --------------------

type VerificationEvent struct {
	EventID       string    `json:"event_id" db:"event_id"`
	EventBucket   int       `json:"event_bucket" db:"event_bucket"`
	EventDate     string    `json:"event_date" db:"event_date"`
	EventTime     time.Time `json:"event_time" db:"event_time"`
	EventType     string    `json:"event_type" db:"event_type"`
	TransactionID string    `json:"transaction_id" db:"transaction_id"`
	AccountID     string    `json:"account_id" db:"account_id"`
	Detail        string    `json:"detail" db:"detail"`
}

// -------------------- COLLABORATOR CONTRACTS --------------------

// PaymentStore is the external payment collaborator. Lookup derives the
// owning account for a transaction; SetPaymentState performs the
// downstream state transition after a successful verification.
type PaymentStore interface {
	LookupPayment(ctx context.Context, transactionID string) (*Payment, error)
	SetPaymentState(ctx context.Context, transactionID, state string, metadata map[string]string) error
}

// CodeMirror is the durable, multi-writer copy of active codes embedded
// in the owning account's partition. It is the tie-breaking source of
// truth for whether an active code exists at all.
type CodeMirror interface {
	ListActiveCodes(ctx context.Context, accountID string) ([]*CodeRecord, error)
	AppendCode(ctx context.Context, record *CodeRecord) error
	RemoveCode(ctx context.Context, accountID, transactionID string) error
	// UpdateCounters persists counter state with a compare-and-swap on the
	// previously observed attempt count. Returns false when another writer
	// won the race.
	UpdateCounters(ctx context.Context, record *CodeRecord, expectedAttempts int) (bool, error)
	// SweepExpired removes mirrored codes whose expiry has passed and
	// returns how many were removed.
	SweepExpired(ctx context.Context) (int, error)
}

// CodeArchive is the archival tier of issued codes, swept by retention.
type CodeArchive interface {
	Archive(ctx context.Context, record *CodeRecord) error
	Remove(ctx context.Context, transactionID string) error
	PurgeExpired(ctx context.Context) (int, error)
}

// BreachAlerter dispatches an out-of-band alert when a failure streak
// crosses the breach threshold. Fire-and-forget, best-effort.
type BreachAlerter interface {
	Notify(accountID, transactionID string, consecutiveFailures int)
}

// AttemptAuditor records security events for offline analysis. Best-effort.
type AttemptAuditor interface {
	Record(event *VerificationEvent)
}

// PaymentEventPublisher announces payment state transitions downstream.
type PaymentEventPublisher interface {
	PaymentStateChanged(ctx context.Context, payment *Payment, previousState string) error
}
