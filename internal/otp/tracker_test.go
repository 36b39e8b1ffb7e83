package otp_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-otp-service/internal/model"
	"payment-otp-service/internal/otp"
)

func newRecord(counters model.SecurityCounters) *model.CodeRecord {
	return &model.CodeRecord{
		TransactionID:    "txn-1",
		AccountID:        "acc-1",
		ExpiresAt:        time.Now().Add(time.Hour),
		SecurityCounters: counters,
	}
}

func TestAdmitAttempt_AllowsCleanRecord(t *testing.T) {
	now := time.Now().UTC()
	admission := otp.AdmitAttempt(newRecord(model.SecurityCounters{}), now)

	assert.True(t, admission.Allowed)
	assert.Zero(t, admission.RetryAfter)
}

func TestAdmitAttempt_RejectsDuringCooldown(t *testing.T) {
	now := time.Now().UTC()
	until := now.Add(25 * time.Second)
	record := newRecord(model.SecurityCounters{CooldownUntil: &until})

	admission := otp.AdmitAttempt(record, now)

	assert.False(t, admission.Allowed)
	assert.Equal(t, 25*time.Second, admission.RetryAfter)
	assert.Contains(t, admission.Message, "retry in 25 seconds")
}

func TestAdmitAttempt_AllowsAfterCooldownPasses(t *testing.T) {
	now := time.Now().UTC()
	until := now.Add(30 * time.Second)
	record := newRecord(model.SecurityCounters{CooldownUntil: &until})

	admission := otp.AdmitAttempt(record, now.Add(31*time.Second))

	assert.True(t, admission.Allowed)
}

func TestRecordFailure_CountsDown(t *testing.T) {
	now := time.Now().UTC()
	updated, outcome := otp.RecordFailure(newRecord(model.SecurityCounters{}), now)

	assert.Equal(t, 1, updated.Attempts)
	assert.Equal(t, 1, updated.ConsecutiveFailures)
	assert.Equal(t, 2, outcome.Remaining)
	assert.False(t, outcome.CooldownTriggered)
	assert.False(t, outcome.BreachTriggered)
	require.NotNil(t, updated.LastAttemptAt)
	assert.Equal(t, now, *updated.LastAttemptAt)
	assert.Contains(t, outcome.Message, "2 attempts remaining")
}

func TestRecordFailure_DoesNotMutateInput(t *testing.T) {
	now := time.Now().UTC()
	record := newRecord(model.SecurityCounters{Attempts: 1, ConsecutiveFailures: 1})

	otp.RecordFailure(record, now)

	assert.Equal(t, 1, record.Attempts)
	assert.Equal(t, 1, record.ConsecutiveFailures)
	assert.Nil(t, record.CooldownUntil)
}

func TestRecordFailure_CooldownEverySecondFailure(t *testing.T) {
	now := time.Now().UTC()

	record, outcome := otp.RecordFailure(newRecord(model.SecurityCounters{}), now)
	assert.False(t, outcome.CooldownTriggered)

	record, outcome = otp.RecordFailure(record, now)
	require.True(t, outcome.CooldownTriggered)
	require.NotNil(t, record.CooldownUntil)
	assert.Equal(t, now.Add(30*time.Second), *record.CooldownUntil)
	assert.Contains(t, outcome.Message, "locked for 30 seconds")
}

func TestRecordFailure_BackoffGrowsWithStreak(t *testing.T) {
	now := time.Now().UTC()

	cases := []struct {
		startStreak int
		want        time.Duration
	}{
		{1, 30 * time.Second},
		{3, 2 * time.Minute},
		{5, 5 * time.Minute},
		{7, 5 * time.Minute},
	}

	for _, tc := range cases {
		record := newRecord(model.SecurityCounters{
			ConsecutiveFailures: tc.startStreak,
			BreachDetected:      tc.startStreak >= otp.BreachThreshold,
		})
		updated, outcome := otp.RecordFailure(record, now)

		require.True(t, outcome.CooldownTriggered, "streak %d", tc.startStreak+1)
		assert.Equal(t, now.Add(tc.want), *updated.CooldownUntil, "streak %d", tc.startStreak+1)
	}
}

func TestRecordFailure_BreachFiresExactlyOnce(t *testing.T) {
	now := time.Now().UTC()
	record := newRecord(model.SecurityCounters{ConsecutiveFailures: otp.BreachThreshold - 1})

	updated, outcome := otp.RecordFailure(record, now)
	assert.True(t, outcome.BreachTriggered)
	assert.True(t, outcome.BreachDetected)
	assert.True(t, updated.BreachDetected)

	_, outcome = otp.RecordFailure(updated, now)
	assert.False(t, outcome.BreachTriggered, "re-detection must not re-fire")
	assert.True(t, outcome.BreachDetected)
}

func TestRecordSuccess_ClearsStreakNotAttempts(t *testing.T) {
	until := time.Now().Add(time.Minute)
	record := newRecord(model.SecurityCounters{
		Attempts:            2,
		ConsecutiveFailures: 2,
		CooldownUntil:       &until,
	})

	updated := otp.RecordSuccess(record)

	assert.Equal(t, 0, updated.ConsecutiveFailures)
	assert.Nil(t, updated.CooldownUntil)
	assert.Equal(t, 2, record.ConsecutiveFailures, "input must not be mutated")
}

func TestRemainingAttempts(t *testing.T) {
	assert.Equal(t, 3, otp.RemainingAttempts(newRecord(model.SecurityCounters{})))
	assert.Equal(t, 1, otp.RemainingAttempts(newRecord(model.SecurityCounters{Attempts: 2})))
	assert.Equal(t, 0, otp.RemainingAttempts(newRecord(model.SecurityCounters{Attempts: 3})))
	assert.Equal(t, 0, otp.RemainingAttempts(newRecord(model.SecurityCounters{Attempts: 7})))
}

func TestExhaustionMessage(t *testing.T) {
	now := time.Now().UTC()
	record := newRecord(model.SecurityCounters{Attempts: 2, ConsecutiveFailures: 2})

	_, outcome := otp.RecordFailure(record, now)

	assert.Equal(t, 0, outcome.Remaining)
	assert.Contains(t, outcome.Message, "no attempts remaining")
}
