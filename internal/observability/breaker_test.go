package observability_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/compute-marketplace/internal/observability"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := observability.NewBreaker(3, time.Hour, 1)
	require.Equal(t, observability.BreakerClosed, b.State())

	b.Failure()
	b.Failure()
	assert.True(t, b.Allow(), "below the threshold sends pass")

	b.Failure()
	assert.Equal(t, observability.BreakerOpen, b.State())
	assert.False(t, b.Allow(), "an open breaker rejects sends")
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	b := observability.NewBreaker(2, time.Hour, 1)

	b.Failure()
	b.Success()
	b.Failure()
	assert.Equal(t, observability.BreakerClosed, b.State(),
		"only consecutive failures trip the breaker")
	assert.True(t, b.Allow())
}

func TestBreaker_HalfOpenClosesAfterEnoughSuccesses(t *testing.T) {
	// A zero cooldown has elapsed by the time Allow runs.
	b := observability.NewBreaker(1, 0, 2)
	b.Failure()
	require.Equal(t, observability.BreakerOpen, b.State())

	assert.True(t, b.Allow(), "an elapsed cooldown admits a trial send")
	require.Equal(t, observability.BreakerHalfOpen, b.State())

	b.Success()
	assert.Equal(t, observability.BreakerHalfOpen, b.State())
	b.Success()
	assert.Equal(t, observability.BreakerClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := observability.NewBreaker(1, 0, 1)
	b.Failure()
	require.True(t, b.Allow())
	require.Equal(t, observability.BreakerHalfOpen, b.State())

	b.Failure()
	assert.Equal(t, observability.BreakerOpen, b.State())
}

func TestBreaker_StateString(t *testing.T) {
	assert.Equal(t, "closed", observability.BreakerClosed.String())
	assert.Equal(t, "open", observability.BreakerOpen.String())
	assert.Equal(t, "half-open", observability.BreakerHalfOpen.String())
	assert.Equal(t, "unknown", observability.BreakerState(42).String())
}
