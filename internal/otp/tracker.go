package otp

import (
	"fmt"
	"time"

	"payment-otp-service/internal/model"
)

const (
	// AttemptCeiling is the hard limit of failed comparisons per code.
	// Reaching it destroys the record; the transaction must request a
	// fresh code.
	AttemptCeiling = 3

	// BreachThreshold is the consecutive-failure streak that raises the
	// sticky breach flag and fires the out-of-band alert.
	BreachThreshold = 5

	// cooldownEvery failures inside a streak trigger a lockout window.
	cooldownEvery = 2
)

// backoff maps a consecutive-failure streak to a lockout duration.
// Deterministic and monotonically non-decreasing in the streak length.
func backoff(consecutiveFailures int) time.Duration {
	switch {
	case consecutiveFailures >= 6:
		return 5 * time.Minute
	case consecutiveFailures >= 4:
		return 2 * time.Minute
	default:
		return 30 * time.Second
	}
}

// Admission is the outcome of gating a verification attempt.
type Admission struct {
	Allowed    bool
	RetryAfter time.Duration
	Message    string
}

// AdmitAttempt decides whether an attempt may proceed. A record inside a
// cooldown window rejects every attempt, regardless of code correctness,
// without consuming attempt budget. Does not mutate the record.
func AdmitAttempt(record *model.CodeRecord, now time.Time) Admission {
	if record.CoolingDown(now) {
		remaining := record.CooldownUntil.Sub(now)
		return Admission{
			Allowed:    false,
			RetryAfter: remaining,
			Message:    fmt.Sprintf("too many failed attempts, retry in %d seconds", ceilSeconds(remaining)),
		}
	}
	return Admission{Allowed: true}
}

// FailureOutcome describes what one recorded failure changed.
type FailureOutcome struct {
	Remaining         int
	CooldownTriggered bool
	CooldownUntil     *time.Time
	// BreachTriggered is true only on the failure that crossed the
	// threshold; re-detection never re-reports it.
	BreachTriggered bool
	BreachDetected  bool
	Message         string
}

// RecordFailure returns a copy of the record with one failed comparison
// applied: attempt counters advance, the cooldown window is recomputed,
// and the breach flag is raised once the streak crosses the threshold.
// The input record is not mutated.
func RecordFailure(record *model.CodeRecord, now time.Time) (*model.CodeRecord, FailureOutcome) {
	updated := record.Clone()
	updated.Attempts++
	updated.ConsecutiveFailures++
	updated.LastAttemptAt = &now

	outcome := FailureOutcome{
		Remaining:      RemainingAttempts(updated),
		BreachDetected: updated.BreachDetected,
	}

	if updated.ConsecutiveFailures > 0 && updated.ConsecutiveFailures%cooldownEvery == 0 {
		until := now.Add(backoff(updated.ConsecutiveFailures))
		updated.CooldownUntil = &until
		outcome.CooldownTriggered = true
		outcome.CooldownUntil = &until
	}

	if !updated.BreachDetected && updated.ConsecutiveFailures >= BreachThreshold {
		updated.BreachDetected = true
		outcome.BreachTriggered = true
	}
	outcome.BreachDetected = updated.BreachDetected

	switch {
	case outcome.Remaining == 0:
		outcome.Message = "incorrect code, no attempts remaining; request a new code"
	case outcome.CooldownTriggered:
		outcome.Message = fmt.Sprintf("incorrect code, locked for %d seconds, %d attempts remaining",
			ceilSeconds(outcome.CooldownUntil.Sub(now)), outcome.Remaining)
	default:
		outcome.Message = fmt.Sprintf("incorrect code, %d attempts remaining", outcome.Remaining)
	}

	return updated, outcome
}

// RecordSuccess resets the failure streak. The record is about to be
// destroyed by cleanup; this exists so a copy surviving in any tier a
// beat longer never looks locked.
func RecordSuccess(record *model.CodeRecord) *model.CodeRecord {
	updated := record.Clone()
	updated.ConsecutiveFailures = 0
	updated.CooldownUntil = nil
	return updated
}

// RemainingAttempts returns how many failed comparisons the record can
// still absorb before it is destroyed.
func RemainingAttempts(record *model.CodeRecord) int {
	if record.Attempts >= AttemptCeiling {
		return 0
	}
	return AttemptCeiling - record.Attempts
}

func ceilSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if d%time.Second > 0 {
		secs++
	}
	if secs < 0 {
		return 0
	}
	return secs
}
