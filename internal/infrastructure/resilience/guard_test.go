package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardStaysClosedOnSuccess(t *testing.T) {
	guard := NewGuard(Settings{TripAfter: 3, Cooldown: time.Minute})

	for i := 0; i < 5; i++ {
		require.NoError(t, guard.Allow())
		guard.Record(true)
	}
	assert.Equal(t, StateClosed, guard.State())
}

func TestGuardTripsAfterConsecutiveFailures(t *testing.T) {
	guard := NewGuard(Settings{TripAfter: 3, Cooldown: time.Minute})

	for i := 0; i < 3; i++ {
		require.NoError(t, guard.Allow())
		guard.Record(false)
	}

	assert.Equal(t, StateOpen, guard.State())
	assert.ErrorIs(t, guard.Allow(), ErrGuardOpen)
}

func TestGuardSuccessResetsFailureStreak(t *testing.T) {
	guard := NewGuard(Settings{TripAfter: 3, Cooldown: time.Minute})

	guard.Record(false)
	guard.Record(false)
	guard.Record(true)
	guard.Record(false)
	guard.Record(false)

	assert.Equal(t, StateClosed, guard.State())
}

func TestGuardHalfOpenProbe(t *testing.T) {
	guard := NewGuard(Settings{TripAfter: 1, Cooldown: 10 * time.Millisecond})

	guard.Record(false)
	assert.Equal(t, StateOpen, guard.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, guard.State())

	// Single probe admitted; a second concurrent attempt is refused
	require.NoError(t, guard.Allow())
	assert.ErrorIs(t, guard.Allow(), ErrGuardOpen)

	// Successful probe closes the guard
	guard.Record(true)
	assert.Equal(t, StateClosed, guard.State())
}

func TestGuardFailedProbeReopens(t *testing.T) {
	guard := NewGuard(Settings{TripAfter: 1, Cooldown: 10 * time.Millisecond})

	guard.Record(false)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, guard.Allow())
	guard.Record(false)

	assert.Equal(t, StateOpen, guard.State())
}
