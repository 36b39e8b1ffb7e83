package otp

import (
	"time"

	"payment-otp-service/internal/model"
)

// Reconcile merges a record fetched from the durable mirror with the
// security counters still held locally. The mirror is authoritative for
// the code itself (hash, expiry, owning account); the local counters are
// authoritative for accumulated failures. Every counter takes the more
// conservative value, so losing the cached record can never lower a
// lockout that was already in force. The inputs are not mutated.
func Reconcile(mirror *model.CodeRecord, local model.SecurityCounters) *model.CodeRecord {
	merged := mirror.Clone()

	if local.Attempts > merged.Attempts {
		merged.Attempts = local.Attempts
	}
	if local.ConsecutiveFailures > merged.ConsecutiveFailures {
		merged.ConsecutiveFailures = local.ConsecutiveFailures
	}
	merged.LastAttemptAt = laterOf(merged.LastAttemptAt, local.LastAttemptAt)
	merged.CooldownUntil = laterOf(merged.CooldownUntil, local.CooldownUntil)
	merged.BreachDetected = merged.BreachDetected || local.BreachDetected

	return merged
}

func laterOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}
