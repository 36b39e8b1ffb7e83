package otp_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-otp-service/internal/model"
	"payment-otp-service/internal/otp"
)

func TestReconcile_LocalCountersWinOverMirrorZeros(t *testing.T) {
	now := time.Now().UTC()
	lastAttempt := now.Add(-10 * time.Second)
	cooldown := now.Add(20 * time.Second)

	mirror := newRecord(model.SecurityCounters{})
	local := model.SecurityCounters{
		Attempts:            2,
		ConsecutiveFailures: 2,
		LastAttemptAt:       &lastAttempt,
		CooldownUntil:       &cooldown,
	}

	merged := otp.Reconcile(mirror, local)

	assert.Equal(t, 2, merged.Attempts)
	assert.Equal(t, 2, merged.ConsecutiveFailures)
	require.NotNil(t, merged.CooldownUntil)
	assert.Equal(t, cooldown, *merged.CooldownUntil)
	require.NotNil(t, merged.LastAttemptAt)
	assert.Equal(t, lastAttempt, *merged.LastAttemptAt)
}

func TestReconcile_MirrorCountersWinWhenHigher(t *testing.T) {
	mirror := newRecord(model.SecurityCounters{Attempts: 3, ConsecutiveFailures: 3})
	local := model.SecurityCounters{Attempts: 1, ConsecutiveFailures: 1}

	merged := otp.Reconcile(mirror, local)

	assert.Equal(t, 3, merged.Attempts)
	assert.Equal(t, 3, merged.ConsecutiveFailures)
}

func TestReconcile_TakesLaterTimestamps(t *testing.T) {
	now := time.Now().UTC()
	earlier := now.Add(-time.Minute)
	later := now.Add(time.Minute)

	mirror := newRecord(model.SecurityCounters{CooldownUntil: &later, LastAttemptAt: &earlier})
	local := model.SecurityCounters{CooldownUntil: &earlier, LastAttemptAt: &later}

	merged := otp.Reconcile(mirror, local)

	assert.Equal(t, later, *merged.CooldownUntil)
	assert.Equal(t, later, *merged.LastAttemptAt)
}

func TestReconcile_BreachFlagIsSticky(t *testing.T) {
	mirror := newRecord(model.SecurityCounters{})
	merged := otp.Reconcile(mirror, model.SecurityCounters{BreachDetected: true})
	assert.True(t, merged.BreachDetected)

	mirror = newRecord(model.SecurityCounters{BreachDetected: true})
	merged = otp.Reconcile(mirror, model.SecurityCounters{})
	assert.True(t, merged.BreachDetected)
}

func TestReconcile_DoesNotMutateMirror(t *testing.T) {
	mirror := newRecord(model.SecurityCounters{})
	otp.Reconcile(mirror, model.SecurityCounters{Attempts: 2, BreachDetected: true})

	assert.Equal(t, 0, mirror.Attempts)
	assert.False(t, mirror.BreachDetected)
}
