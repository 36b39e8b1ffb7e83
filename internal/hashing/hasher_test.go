package hashing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-otp-service/internal/config"
	"payment-otp-service/internal/hashing"
)

func newTestHasher(pepper string) *hashing.Hasher {
	return hashing.NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Pepper:            pepper,
		},
	})
}

func TestHashAndVerify(t *testing.T) {
	h := newTestHasher("pepper-a")

	result, err := h.HashCode("552410")
	require.NoError(t, err)
	require.NotEmpty(t, result.Hash)
	require.NotEmpty(t, result.Salt)

	ok, err := h.VerifyCode("552410", result)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyCode("552411", result)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_CaseAndWhitespaceInsensitive(t *testing.T) {
	h := newTestHasher("pepper-a")

	result, err := h.HashCode("aB12cD")
	require.NoError(t, err)

	ok, err := h.VerifyCode("  ab12CD ", result)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_DifferentPepperFails(t *testing.T) {
	result, err := newTestHasher("pepper-a").HashCode("552410")
	require.NoError(t, err)

	ok, err := newTestHasher("pepper-b").VerifyCode("552410", result)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_InvalidStoredHash(t *testing.T) {
	h := newTestHasher("pepper-a")

	_, err := h.VerifyCode("552410", nil)
	assert.ErrorIs(t, err, hashing.ErrInvalidHash)

	_, err = h.VerifyCode("552410", &hashing.HashResult{Hash: "!!!", Salt: "!!!"})
	assert.ErrorIs(t, err, hashing.ErrInvalidHash)
}

func TestHashCode_FreshSaltPerCall(t *testing.T) {
	h := newTestHasher("pepper-a")

	a, err := h.HashCode("552410")
	require.NoError(t, err)
	b, err := h.HashCode("552410")
	require.NoError(t, err)

	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.Hash, b.Hash)
}
